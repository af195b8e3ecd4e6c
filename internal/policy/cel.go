// CELEvaluator lets an operator register declarative custom checks (spec
// §4.1 step 8) as CEL boolean expressions instead of Go functions. Grounded
// on internal/policy/cel.go's cel.Env/CompileExpression/Evaluate shape;
// simplified to the variable set this kernel's CheckInput actually carries
// and with the dynamic-function-binding machinery dropped since no custom
// check here needs a closure over a sliding window (the budget tracker
// already owns that state).
package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CELEvaluator compiles and evaluates CEL expressions against CheckInput
// values. Expressions are compiled once at registration time.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the variable declarations
// available to custom-check expressions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("instance_id", cel.StringType),
		cel.Variable("asset_id", cel.StringType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("risk_level", cel.StringType),
		cel.Variable("sandbox", cel.BoolType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("tokens", cel.IntType),
		cel.Variable("session_cost", cel.DoubleType),
		cel.Variable("daily_cost", cel.DoubleType),
		cel.Variable("generation_depth", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEvaluator{env: env, logger: logger.With("component", "policy.CELEvaluator")}, nil
}

// CompiledExpr is a parsed, type-checked CEL program ready for repeated
// evaluation.
type CompiledExpr struct {
	Expression string
	program    cel.Program
}

// Compile parses and type-checks expr, which must evaluate to bool. Call
// at registration time, never in the hot path.
func (c *CELEvaluator) Compile(expr string) (CompiledExpr, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledExpr{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledExpr{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledExpr{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	c.logger.Debug("compiled CEL custom check expression", "expression", expr)
	return CompiledExpr{Expression: expr, program: prg}, nil
}

// Evaluate runs a compiled expression against the given CheckInput.
func (c *CELEvaluator) Evaluate(ce CompiledExpr, in CheckInput) (bool, error) {
	vars := map[string]any{
		"action":           in.Action,
		"resource":         in.Resource,
		"instance_id":       in.InstanceID,
		"asset_id":         in.AssetID,
		"mode":             string(in.Mode),
		"risk_level":       in.RiskLevel,
		"sandbox":          in.Sandbox,
		"cost":             in.Cost,
		"tokens":           in.Tokens,
		"session_cost":     in.SessionCost,
		"daily_cost":       in.DailyCost,
		"generation_depth": int64(in.GenerationDepth),
	}

	out, _, err := ce.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", ce.Expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", ce.Expression, out.Value())
	}
	return result, nil
}

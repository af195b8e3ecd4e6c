// Package policy implements the Policy Engine ("the Bouncer"): the
// sub-2ms hot-path decision function that gates every action an agent
// instance attempts. Grounded on internal/policy/engine.go's short-circuit
// evaluation chain and CompiledPolicy/Engine shape, re-sequenced around
// the kernel's 8-step order (kill-switch, mode, capability deny/allow,
// resource deny/allow, budget/rate, custom checks) in place of the
// teacher's category-driven loop.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aigos/kernel/internal/clock"
	"github.com/aigos/kernel/internal/config"
	"github.com/aigos/kernel/internal/event"
	"github.com/aigos/kernel/internal/identity"
)

// Stable decision error codes (configuration/decision kinds).
const (
	CodeKillSwitchTerminated = "KILL_SWITCH_TERMINATED"
	CodeKillSwitchPaused     = "KILL_SWITCH_PAUSED"
	CodeModeRestricted       = "MODE_RESTRICTED"
	CodeCapabilityDenied     = "CAPABILITY_DENIED"
	CodeResourceDenied       = "RESOURCE_DENIED"
	CodeResourceNotAllowed   = "RESOURCE_NOT_ALLOWED"
	CodeBudgetExceeded       = "BUDGET_EXCEEDED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeCustom               = "CUSTOM"
	CodeEvalError            = "EVAL_ERROR"
)

// DeniedBy is the closed set of tiers a decision can be rejected at (spec
// §4.1 decision record). Mode-restricted and eval-error denials carry no
// DeniedBy value; that tier is not part of the schema.
const (
	DeniedByKillSwitch    = "KILL_SWITCH"
	DeniedByCapability    = "CAPABILITY"
	DeniedByResourceDeny  = "RESOURCE_DENY"
	DeniedByResourceAllow = "RESOURCE_ALLOW"
	DeniedByBudget        = "BUDGET"
	DeniedByRateLimit     = "RATE_LIMIT"
	DeniedByCustom        = "CUSTOM"
)

// restrictedAllowList is the fixed set of actions permitted while an
// identity is in RESTRICTED mode (spec §4.1 step 2).
var restrictedAllowList = map[string]struct{}{
	"log":       {},
	"report":    {},
	"status":    {},
	"heartbeat": {},
}

// KillSwitchState mirrors the Kill-Switch FSM's three states as observed
// by the Policy Engine. Defined here (not imported from internal/killswitch)
// so the engine depends only on this narrow capability, never on the
// kill-switch package's command-intake machinery.
type KillSwitchState string

const (
	KillSwitchActive     KillSwitchState = "ACTIVE"
	KillSwitchPaused     KillSwitchState = "PAUSED"
	KillSwitchTerminated KillSwitchState = "TERMINATED"
)

// KillSwitch is the capability the engine reads at step 1. Implementations
// apply the instance-overrides-asset-overrides-global ordering themselves
// (spec §4.1 step 1); the engine only ever asks for the resolved state.
type KillSwitch interface {
	Evaluate(instanceID, assetID string) KillSwitchState
}

// alwaysActive is the default KillSwitch used when the engine is built
// without one wired in (e.g. unit tests exercising capability/budget logic
// in isolation).
type alwaysActive struct{}

func (alwaysActive) Evaluate(string, string) KillSwitchState { return KillSwitchActive }

// CheckInput is the evaluation context a CheckPermission call carries
// into custom checks (both Go-function and CEL-compiled). Built internally
// from the identity, action, resource, and EvalContext passed to
// CheckPermission/CheckPermissionAsync.
type CheckInput struct {
	Action          string
	Resource        string
	InstanceID      string
	AssetID         string
	Mode            identity.Mode
	RiskLevel       string
	Sandbox         bool
	Cost            float64
	Tokens          int64
	SessionCost     float64
	DailyCost       float64
	GenerationDepth int
}

// EvalContext carries the caller-supplied, per-call values the manifest's
// numeric limits are checked against (spec §4.1 step 7), plus the dry-run
// flag (spec §4.1 "Dry-run").
type EvalContext struct {
	Cost   float64
	Tokens int64
	DryRun bool
}

// PolicyDecision is the outcome of a CheckPermission call (spec §4.1
// "Decision record").
type PolicyDecision struct {
	Allowed    bool
	Code       string
	Reason     string
	DeniedBy   string
	CheckedAt  time.Time
	DurationMS float64
	DryRun     bool
	WouldDeny  bool
	Sandbox    bool
}

// Verdict is what a CustomCheck returns when it chooses to deny.
type Verdict struct {
	Allowed bool
	Reason  string
}

// CustomCheck is a user-registered step 8 check (spec §4.1). Checks run
// priority-sorted descending; a check that returns an error or panics is
// logged and treated as a pass, never as a silent allow of the whole
// request (the chain continues to the next check).
type CustomCheck struct {
	Name     string
	Priority int
	Check    func(ctx context.Context, in CheckInput) (*Verdict, error)
}

// Engine is the Policy Engine. Safe for concurrent use: the custom-check
// list is swapped under a RWMutex exactly like the teacher's
// Engine.policies field; CheckPermission itself takes no lock across I/O.
type Engine struct {
	cfg      config.PolicyConfig
	patterns *PatternMatcher
	budgets  *BudgetTracker
	cel      *CELEvaluator
	ks       KillSwitch
	sink     event.Sink
	clock    clock.Source
	logger   *slog.Logger

	checksMu sync.RWMutex
	checks   []CustomCheck
}

// NewEngine constructs an Engine. Nil collaborators default sensibly: ks
// defaults to an always-ACTIVE stub, sink to a 1024-entry ring buffer, clk
// to the system clock, logger to slog.Default(), matching the teacher's
// nil-defaults-to-safe-value constructor idiom.
func NewEngine(cfg config.PolicyConfig, patterns *PatternMatcher, budgets *BudgetTracker, cel *CELEvaluator, ks KillSwitch, sink event.Sink, clk clock.Source, logger *slog.Logger) *Engine {
	if patterns == nil {
		patterns = NewPatternMatcher(cfg.MaxCacheSize)
	}
	if ks == nil {
		ks = alwaysActive{}
	}
	if sink == nil {
		sink = event.NewRingBuffer(1024)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		patterns: patterns,
		budgets:  budgets,
		cel:      cel,
		ks:       ks,
		sink:     sink,
		clock:    clk,
		logger:   logger.With("component", "policy.Engine"),
	}
}

// RegisterCELCheck compiles expr and registers it as a CustomCheck: a true
// result means the expression's deny condition matched, so the check
// denies with CodeCustom. Compile errors surface immediately, matching
// spec §4.1's "pattern-compile errors during init abort startup" for the
// analogous custom-check case.
func (e *Engine) RegisterCELCheck(name, expr string, priority int) error {
	if e.cel == nil {
		return fmt.Errorf("policy: RegisterCELCheck(%q): no CELEvaluator configured", name)
	}
	ce, err := e.cel.Compile(expr)
	if err != nil {
		return fmt.Errorf("policy: RegisterCELCheck(%q): %w", name, err)
	}
	e.Register(CustomCheck{
		Name:     name,
		Priority: priority,
		Check: func(_ context.Context, in CheckInput) (*Verdict, error) {
			matched, err := e.cel.Evaluate(ce, in)
			if err != nil {
				return nil, err
			}
			if matched {
				return &Verdict{Allowed: false, Reason: fmt.Sprintf("custom check %q matched: %s", name, expr)}, nil
			}
			return &Verdict{Allowed: true}, nil
		},
	})
	return nil
}

// Register adds a Go-function custom check, keeping the list sorted by
// descending priority.
func (e *Engine) Register(c CustomCheck) {
	e.checksMu.Lock()
	defer e.checksMu.Unlock()
	e.checks = append(e.checks, c)
	sort.SliceStable(e.checks, func(i, j int) bool { return e.checks[i].Priority > e.checks[j].Priority })
}

// CheckPermission is the synchronous hot path (spec §4.1): steps 1-7 only,
// no custom checks, no I/O, no goroutines. Target latency p99 < 2ms for a
// manifest with <= 100 patterns.
func (e *Engine) CheckPermission(id *identity.RuntimeIdentity, action, resource string, evalCtx EvalContext) PolicyDecision {
	start := e.clock.Now()
	in := e.buildInput(id, action, resource, evalCtx)

	decision := e.evaluateCore(id, in, evalCtx)
	decision.CheckedAt = start
	decision.DurationMS = float64(e.clock.Now().Sub(start)) / float64(time.Millisecond)
	e.emit(in, decision)
	return decision
}

// CheckPermissionAsync runs the same 7 steps, then the priority-sorted
// custom-check chain (step 8), each bounded by cfg.CheckTimeout (default
// 50ms) via context.WithTimeout. A check that panics or times out is
// recovered/cancelled, logged, and treated as a pass.
func (e *Engine) CheckPermissionAsync(ctx context.Context, id *identity.RuntimeIdentity, action, resource string, evalCtx EvalContext) PolicyDecision {
	start := e.clock.Now()
	in := e.buildInput(id, action, resource, evalCtx)

	decision := e.evaluateCore(id, in, evalCtx)
	if decision.Allowed && !decision.WouldDeny {
		decision = e.runCustomChecks(ctx, in, evalCtx, decision)
	}
	decision.CheckedAt = start
	decision.DurationMS = float64(e.clock.Now().Sub(start)) / float64(time.Millisecond)
	e.emit(in, decision)
	return decision
}

func (e *Engine) buildInput(id *identity.RuntimeIdentity, action, resource string, evalCtx EvalContext) CheckInput {
	in := CheckInput{
		Action:   action,
		Resource: resource,
		Cost:     evalCtx.Cost,
		Tokens:   evalCtx.Tokens,
	}
	if id != nil {
		in.InstanceID = id.InstanceID
		in.AssetID = id.AssetID
		in.Mode = id.Mode
		in.Sandbox = id.Mode == identity.ModeSandbox
		in.GenerationDepth = id.Lineage.GenerationDepth
		if id.Card != nil {
			in.RiskLevel = string(id.Card.RiskLevel)
		}
		if e.budgets != nil {
			snap := e.budgets.Snapshot(id.InstanceID)
			in.SessionCost = snap.SessionCost
			in.DailyCost = snap.DailyCost
		}
	}
	return in
}

// evaluateCore runs spec §4.1 steps 1-7 and applies dry-run semantics: a
// would-be deny is reported as allowed with WouldDeny/DryRun set, and no
// budget counter is mutated regardless of outcome when evalCtx.DryRun.
func (e *Engine) evaluateCore(id *identity.RuntimeIdentity, in CheckInput, evalCtx EvalContext) PolicyDecision {
	code, deniedBy, reason, ok := e.runChain(id, in, evalCtx)
	if ok {
		return PolicyDecision{Allowed: true, Sandbox: in.Sandbox, DryRun: evalCtx.DryRun}
	}
	if evalCtx.DryRun {
		return PolicyDecision{
			Allowed:   true,
			WouldDeny: true,
			DryRun:    true,
			Code:      code,
			DeniedBy:  deniedBy,
			Reason:    "WOULD_DENY: " + reason,
			Sandbox:   in.Sandbox,
		}
	}
	return PolicyDecision{
		Allowed:  false,
		Code:     code,
		DeniedBy: deniedBy,
		Reason:   reason,
		Sandbox:  in.Sandbox,
	}
}

// runChain implements steps 1-7. ok==true means every step passed; the
// caller is then free to proceed to step 8.
func (e *Engine) runChain(id *identity.RuntimeIdentity, in CheckInput, evalCtx EvalContext) (code, deniedBy, reason string, ok bool) {
	// Step 1: kill-switch.
	switch e.ks.Evaluate(in.InstanceID, in.AssetID) {
	case KillSwitchTerminated:
		return CodeKillSwitchTerminated, DeniedByKillSwitch, "instance, asset, or process is terminated", false
	case KillSwitchPaused:
		return CodeKillSwitchPaused, DeniedByKillSwitch, "instance, asset, or process is paused", false
	}

	// Step 2: mode.
	if in.Mode == identity.ModeRestricted {
		if _, allowed := restrictedAllowList[in.Action]; !allowed {
			return CodeModeRestricted, "", fmt.Sprintf("action %q is not on the RESTRICTED allow-list", in.Action), false
		}
	}

	if id == nil {
		return "", "", "", true
	}
	manifest := id.Manifest

	// Step 3: capability deny.
	if e.patterns.MatchAny(manifest.DeniedTools, in.Action) {
		return CodeCapabilityDenied, DeniedByCapability, fmt.Sprintf("action %q matches a denied_tools pattern", in.Action), false
	}

	// Step 4: capability allow. Empty allow-list denies everything (spec
	// §4.1 step 4); MatchAny of an empty slice is already false, which
	// naturally implements that rule.
	if !e.patterns.MatchAny(manifest.AllowedTools, in.Action) {
		return CodeCapabilityDenied, DeniedByCapability, fmt.Sprintf("action %q does not match any allowed_tools pattern", in.Action), false
	}

	if in.Resource != "" {
		// Step 5: resource deny.
		if e.patterns.MatchAnyDomain(manifest.DeniedDomains, in.Resource) {
			return CodeResourceDenied, DeniedByResourceDeny, fmt.Sprintf("resource %q matches a denied_domains pattern", in.Resource), false
		}
		// Step 6: resource allow. An empty allowed_domains list means no
		// domain restriction at all (unlike step 4's capability rule).
		if len(manifest.AllowedDomains) > 0 {
			if !e.patterns.MatchAnyDomain(manifest.AllowedDomains, in.Resource) {
				return CodeResourceNotAllowed, DeniedByResourceAllow, fmt.Sprintf("resource %q does not match any allowed_domains pattern", in.Resource), false
			}
		}
	}

	// Step 7: budget & rate.
	if e.budgets != nil {
		allowed, budgetCode := e.budgets.CheckAndRecord(
			in.InstanceID, evalCtx.Cost, evalCtx.Tokens,
			manifest.MaxCostPerSession, manifest.MaxCostPerDay, manifest.MaxCostPerMonth,
			manifest.MaxTokensPerCall, manifest.MaxCallsPerMinute,
			evalCtx.DryRun,
		)
		if !allowed {
			deniedBy := DeniedByBudget
			if budgetCode == CodeRateLimited {
				deniedBy = DeniedByRateLimit
			}
			return budgetCode, deniedBy, "manifest budget or rate limit exceeded", false
		}
	}

	return "", "", "", true
}

// runCustomChecks implements step 8 (async-only). Checks run priority-
// sorted descending; a check that errors, panics, or exceeds
// cfg.CheckTimeout is logged and treated as a pass.
func (e *Engine) runCustomChecks(ctx context.Context, in CheckInput, evalCtx EvalContext, decision PolicyDecision) PolicyDecision {
	e.checksMu.RLock()
	checks := append([]CustomCheck(nil), e.checks...)
	e.checksMu.RUnlock()

	timeout := e.cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}

	for _, c := range checks {
		verdict := e.runOneCheck(ctx, c, in, timeout)
		if verdict != nil && !verdict.Allowed {
			reason := verdict.Reason
			if reason == "" {
				reason = fmt.Sprintf("custom check %q denied", c.Name)
			}
			if evalCtx.DryRun {
				return PolicyDecision{
					Allowed: true, WouldDeny: true, DryRun: true,
					Code: CodeCustom, DeniedBy: DeniedByCustom,
					Reason: "WOULD_DENY: " + reason, Sandbox: in.Sandbox,
				}
			}
			return PolicyDecision{
				Allowed: false, Code: CodeCustom, DeniedBy: DeniedByCustom,
				Reason: reason, Sandbox: in.Sandbox,
			}
		}
	}
	return decision
}

// runOneCheck isolates a single custom check's panic and timeout so one
// bad check can never abort the chain or the whole decision (spec §4.1
// step 8, §5 "cancellation and timeouts").
func (e *Engine) runOneCheck(ctx context.Context, c CustomCheck, in CheckInput, timeout time.Duration) (verdict *Verdict) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("custom check panicked, treating as pass", "check", c.Name, "panic", r)
				done <- nil
			}
		}()
		v, err := c.Check(cctx, in)
		if err != nil {
			e.logger.Warn("custom check returned error, treating as pass", "check", c.Name, "error", err)
			done <- nil
			return
		}
		done <- v
	}()

	select {
	case v := <-done:
		return v
	case <-cctx.Done():
		e.logger.Warn("custom check timed out, treating as pass", "check", c.Name, "timeout", timeout)
		return nil
	}
}

func (e *Engine) emit(in CheckInput, d PolicyDecision) {
	kind := event.KindDecision
	severity := ""
	if d.Code == CodeEvalError {
		kind = event.KindViolation
		severity = "high"
	}
	e.sink.Emit(event.GovernanceEvent{
		Kind:       kind,
		Time:       d.CheckedAt,
		InstanceID: in.InstanceID,
		AssetID:    in.AssetID,
		Action:     in.Action,
		Resource:   in.Resource,
		Allowed:    d.Allowed,
		Code:       d.Code,
		DeniedBy:   d.DeniedBy,
		Reason:     d.Reason,
		DryRun:     d.DryRun,
		WouldDeny:  d.WouldDeny,
		Sandbox:    d.Sandbox,
		Severity:   severity,
		DurationMS: d.DurationMS,
	})
}

// Package a2a implements the Governance Token Protocol: short-lived signed
// JWTs that carry a caller's live governance snapshot so two governed
// agents can authenticate each other, plus the inbound/outbound trust
// policies and HTTP middleware built on top. Grounded on
// josephblackelite-nhbchain/gateway/middleware/auth.go's
// golang-jwt/jwt/v5 parse-and-validate shape, restructured around this
// kernel's generate/verify contract and its richer "aigos" claim block.
package a2a

import (
	"crypto/ecdsa"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/aigos/kernel/internal/card"
	"github.com/aigos/kernel/internal/clock"
	"github.com/aigos/kernel/internal/identity"
)

// TokenType is the required `typ` header value; bare "JWT" is accepted on
// verify for legacy interoperability but never produced by generate.
const (
	TokenType       = "AIGOS-GOV+jwt"
	legacyTokenType = "JWT"
	protocolVersion = "1.0"
)

// Algorithm is one of the three signing algorithms spec §4.3 allows.
type Algorithm string

const (
	AlgES256 Algorithm = "ES256"
	AlgRS256 Algorithm = "RS256"
	AlgHS256 Algorithm = "HS256"
)

// Stable A2A error codes (spec §4.3 "Failure semantics").
const (
	CodeInvalidFormat     = "INVALID_FORMAT"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeExpired           = "EXPIRED"
	CodeNotYetValid       = "NOT_YET_VALID"
	CodeInvalidIssuer     = "INVALID_ISSUER"
	CodeInvalidAudience   = "INVALID_AUDIENCE"
	CodeInvalidClaims     = "INVALID_CLAIMS"
	CodeKeyNotFound       = "KEY_NOT_FOUND"
	CodePausedAgent       = "PAUSED_AGENT"
	CodeTerminationPending = "TERMINATION_PENDING"
	CodePolicyViolation   = "POLICY_VIOLATION"
)

// A2AError is the structured error every failed generate/verify call
// returns, carrying one of the stable codes above.
type A2AError struct {
	Code    string
	Message string
}

func (e *A2AError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newA2AError(code, format string, args ...interface{}) *A2AError {
	return &A2AError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GovernanceBlock is the "aigos" claim the token payload carries (spec §3).
type GovernanceBlock struct {
	Version     string          `json:"version"`
	Identity    string          `json:"identity"`
	Governance  GovernanceState `json:"governance"`
	Control     ControlState    `json:"control"`
	Capabilities CapabilitySummary `json:"capabilities"`
	Lineage     LineageSummary  `json:"lineage"`
}

// GovernanceState is the issuer's live governance snapshot at mint time.
type GovernanceState struct {
	RiskLevel    string `json:"risk_level"`
	GoldenThread GoldenThreadSummary `json:"golden_thread"`
	Mode         string `json:"mode"`
}

// GoldenThreadSummary carries only what a peer needs to trust the chain,
// never the underlying approval metadata itself.
type GoldenThreadSummary struct {
	Verified bool   `json:"verified"`
	Hash     string `json:"hash"`
}

// ControlState mirrors the issuer's kill-switch posture at mint time.
type ControlState struct {
	KillSwitchEnabled  bool `json:"kill_switch"`
	Paused             bool `json:"paused"`
	TerminationPending bool `json:"termination_pending"`
}

// CapabilitySummary is a compact, non-sensitive projection of the issuer's
// capability manifest: enough for a peer's inbound policy to reason about,
// without leaking the full pattern lists.
type CapabilitySummary struct {
	Hash          string   `json:"hash"`
	Tools         []string `json:"tools"`
	MaxBudget     float64  `json:"max_budget"`
	CanSpawn      bool     `json:"can_spawn"`
	MaxChildDepth int      `json:"max_child_depth"`
}

// LineageSummary is a compact projection of identity.Lineage.
type LineageSummary struct {
	GenerationDepth int    `json:"generation_depth"`
	RootInstanceID  string `json:"root_instance_id"`
}

// KillSwitchSnapshot lets the token generator ask the live kill-switch
// state for an identity right before signing, so pause/terminate is never
// stale at the moment of issue. Implemented directly by killswitch.FSM's
// Paused and Terminated methods, so internal/a2a never imports
// internal/killswitch.
type KillSwitchSnapshot interface {
	// Paused/Terminated report the instance's current kill-switch posture.
	Paused(instanceID, assetID string) bool
	Terminated(instanceID, assetID string) bool
}

// KeyMaterial is a signing or verification key plus the algorithm and kid
// it is associated with.
type KeyMaterial struct {
	KeyID     string
	Algorithm Algorithm
	// Exactly one of HMACSecret / Public / Private is set, matching Algorithm.
	HMACSecret []byte
	Public     interface{} // *ecdsa.PublicKey or *rsa.PublicKey
	Private    interface{} // *ecdsa.PrivateKey or *rsa.PrivateKey
}

// GenerateOptions configure one call to Generate.
type GenerateOptions struct {
	Audience []string
	TTL      time.Duration
}

// Generator mints GovernanceTokens. Grounded on the teacher's
// auth.TokenManager.CreateToken idiom (TTL-bounded, logged issuance), with
// the opaque hex secret replaced by a signed JWT carrying a live snapshot.
type Generator struct {
	issuer     string
	defaultTTL time.Duration
	key        KeyMaterial
	ks         KillSwitchSnapshot
	clock      clock.Source
	logger     *slog.Logger
}

// NewGenerator builds a Generator. ks may be nil, in which case control.*
// claims are always reported as the zero-risk default (not paused, not
// terminated, kill-switch disabled) — callers wiring a real kernel should
// always supply it.
func NewGenerator(issuer string, defaultTTL time.Duration, key KeyMaterial, ks KillSwitchSnapshot, clk clock.Source, logger *slog.Logger) *Generator {
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{issuer: issuer, defaultTTL: defaultTTL, key: key, ks: ks, clock: clk, logger: logger.With("component", "a2a.Generator")}
}

// Generate mints a compact JWS for id, asking identity and kill-switch
// state right before signing.
func (g *Generator) Generate(id *identity.RuntimeIdentity, opts GenerateOptions) (token string, payload GovernanceBlock, expiresAt time.Time, err error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	now := g.clock.Now()
	expiresAt = now.Add(ttl)

	paused, terminated := false, false
	if g.ks != nil {
		paused = g.ks.Paused(id.InstanceID, id.AssetID)
		terminated = g.ks.Terminated(id.InstanceID, id.AssetID)
	}

	goldenHash := ""
	goldenVerified := id.Verified
	if id.Card != nil {
		goldenHash = id.GoldenThreadHash
	}

	block := GovernanceBlock{
		Version:  protocolVersion,
		Identity: id.InstanceID,
		Governance: GovernanceState{
			RiskLevel: string(riskLevelOf(id)),
			GoldenThread: GoldenThreadSummary{
				Verified: goldenVerified,
				Hash:     goldenHash,
			},
			Mode: string(id.Mode),
		},
		Control: ControlState{
			KillSwitchEnabled:  g.ks != nil,
			Paused:             paused,
			TerminationPending: terminated,
		},
		Capabilities: CapabilitySummary{
			Hash:          manifestHash(id.Manifest),
			Tools:         id.Manifest.AllowedTools,
			MaxBudget:     maxBudgetOf(id.Manifest),
			CanSpawn:      id.Manifest.MaySpawnChildren,
			MaxChildDepth: id.Manifest.MaxChildDepth,
		},
		Lineage: LineageSummary{
			GenerationDepth: id.Lineage.GenerationDepth,
			RootInstanceID:  id.Lineage.RootInstanceID,
		},
	}

	jti := newJTI()

	claims := jwt.MapClaims{
		"iss":   g.issuer,
		"sub":   id.InstanceID,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   jti,
		"aigos": block,
	}
	if len(opts.Audience) == 1 {
		claims["aud"] = opts.Audience[0]
	} else if len(opts.Audience) > 1 {
		claims["aud"] = opts.Audience
	}

	method, signingKey, err := g.signingMethodAndKey()
	if err != nil {
		return "", GovernanceBlock{}, time.Time{}, err
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["typ"] = TokenType
	tok.Header["kid"] = g.key.KeyID

	signed, err := tok.SignedString(signingKey)
	if err != nil {
		return "", GovernanceBlock{}, time.Time{}, newA2AError(CodeInvalidSignature, "signing failed: %v", err)
	}

	g.logger.Info("governance token issued", "jti", jti, "instance_id", id.InstanceID, "expires_at", expiresAt)
	return signed, block, expiresAt, nil
}

func (g *Generator) signingMethodAndKey() (jwt.SigningMethod, interface{}, error) {
	switch g.key.Algorithm {
	case AlgHS256:
		if len(g.key.HMACSecret) == 0 {
			return nil, nil, newA2AError(CodeInvalidSignature, "HS256 key has no secret configured")
		}
		return jwt.SigningMethodHS256, g.key.HMACSecret, nil
	case AlgES256:
		key, ok := g.key.Private.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, newA2AError(CodeInvalidSignature, "ES256 key is not an ecdsa private key")
		}
		return jwt.SigningMethodES256, key, nil
	case AlgRS256:
		key, ok := g.key.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, newA2AError(CodeInvalidSignature, "RS256 key is not an rsa private key")
		}
		return jwt.SigningMethodRS256, key, nil
	default:
		return nil, nil, newA2AError(CodeInvalidSignature, "unsupported algorithm %q", g.key.Algorithm)
	}
}

func riskLevelOf(id *identity.RuntimeIdentity) card.RiskLevel {
	if id.Card == nil {
		return card.RiskMinimal
	}
	return id.Card.RiskLevel
}

func maxBudgetOf(m card.CapabilitiesManifest) float64 {
	if m.MaxCostPerSession != nil {
		return *m.MaxCostPerSession
	}
	return 0
}

// manifestHash is a stable, compact fingerprint of a manifest's allow/deny
// lists, cheap enough to recompute on every token mint; it is not a
// cryptographic commitment, only a peer-side change detector.
func manifestHash(m card.CapabilitiesManifest) string {
	h := fnv1a(m.AllowedTools)
	h = h*31 + fnv1a(m.DeniedTools)
	h = h*31 + fnv1a(m.AllowedDomains)
	h = h*31 + fnv1a(m.DeniedDomains)
	return fmt.Sprintf("%x", h)
}

func fnv1a(items []string) uint64 {
	var h uint64 = 14695981039346656037
	for _, s := range items {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
		h ^= 0x2c
	}
	return h
}

var (
	jtiMu      sync.Mutex
	jtiEntropy = ulid.Monotonic(cryptorand.Reader, 0)
)

// newJTI mints a time-sortable, globally unique token identifier. ulid's
// monotonic entropy source is not safe for concurrent use on its own, so
// callers serialize through jtiMu.
func newJTI() string {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	return ulid.MustNew(ulid.Now(), jtiEntropy).String()
}

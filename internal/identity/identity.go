// Package identity implements the Identity & Lineage Manager: it binds an
// agent instance to a signed asset card and a golden-thread hash, and
// propagates a capability manifest under a decay rule when agents spawn
// children. Grounded on the tree-governance shape of
// internal/spawn/governor.go and the session-lifecycle idiom of
// internal/session/manager.go, re-keyed around spec §4.4's decay/inherit/
// explicit capability derivation instead of the teacher's flat budget
// fraction.
package identity

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aigos/kernel/internal/card"
	"github.com/aigos/kernel/internal/clock"
)

// Mode is the runtime enforcement/labeling mode of an identity (spec §3).
// Only Normal, Sandbox, and Restricted are enforced by the Policy Engine;
// the rest are opaque labels carried in tokens and events.
type Mode string

const (
	ModeNormal      Mode = "NORMAL"
	ModeSandbox     Mode = "SANDBOX"
	ModeRestricted  Mode = "RESTRICTED"
	ModeDegraded    Mode = "DEGRADED"
	ModeEmergency   Mode = "EMERGENCY"
	ModeMaintenance Mode = "MAINTENANCE"
	ModeReadOnly    Mode = "READ_ONLY"
)

// IsEnforced reports whether the Policy Engine applies special handling
// for this mode (spec §4.1 step 2). All other modes pass through unchanged.
func (m Mode) IsEnforced() bool {
	switch m {
	case ModeSandbox, ModeRestricted:
		return true
	default:
		return false
	}
}

// decayFactor is the fixed multiplier applied to numeric resource caps when
// deriving a child manifest in "decay" mode. Spec §9 Open Questions leaves
// this as an implementation constant, not a per-tenant config knob.
const decayFactor = 0.80

// Lineage records an instance's ancestry (spec §3).
type Lineage struct {
	ParentInstanceID string   `json:"parent_instance_id,omitempty"`
	GenerationDepth  int      `json:"generation_depth"`
	AncestorChain    []string `json:"ancestor_chain,omitempty"`
	RootInstanceID   string   `json:"root_instance_id"`
	SpawnedAt        time.Time `json:"spawned_at"`
}

// RuntimeIdentity is created per agent instance (spec §3). Mode and
// Terminated are plain fields: the Kill-Switch FSM in internal/killswitch
// keeps its own per-target state and does not write them. Budget usage is
// not stored here; it lives in the policy package's BudgetTracker, keyed on
// InstanceID.
type RuntimeIdentity struct {
	InstanceID       string
	AssetID          string
	Card             *card.AssetCard
	Manifest         card.CapabilitiesManifest
	Mode             Mode
	Lineage          Lineage
	CreatedAt        time.Time
	Verified         bool
	GoldenThreadHash string
	// Terminated is not set by this package or by internal/killswitch.
	// Spawn consults it to enforce SPAWN_DENIED_MODE.
	Terminated bool
}

// Error codes from spec §7 ("Lineage" taxonomy).
const (
	CodeSpawnDeniedPolicy          = "SPAWN_DENIED_POLICY"
	CodeSpawnDeniedDepth           = "SPAWN_DENIED_DEPTH"
	CodeSpawnDeniedMode            = "SPAWN_DENIED_MODE"
	CodeIdentityGoldenThreadMismatch = "IDENTITY_GOLDEN_THREAD_MISMATCH"
)

// Error is a stable-coded identity/lineage failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newErr(code, msg string) *Error { return &Error{Code: code, Message: msg} }

// Manager creates root identities and spawns children, enforcing depth,
// mode, and policy constraints and deriving the child manifest per
// capability_mode. Safe for concurrent use; it holds no identity state of
// its own (RuntimeIdentity is owned by its runtime per spec §3), only the
// clock/uuid capability sources.
type Manager struct {
	mu     sync.RWMutex
	clock  clock.Source
	logger *slog.Logger
}

// NewManager constructs a Manager. A nil clock defaults to the system
// clock, mirroring the teacher's nil-logger-defaults-to-slog.Default idiom.
func NewManager(clk clock.Source, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{clock: clk, logger: logger.With("component", "identity.Manager")}
}

// CreateIdentity binds a fresh RuntimeIdentity to an AssetCard. If override
// is non-nil it replaces the card's declared manifest outright (this is a
// root identity; derivation rules only apply on Spawn). If parent is
// non-nil, the new identity's lineage extends the parent's.
func (m *Manager) CreateIdentity(c *card.AssetCard, override *card.CapabilitiesManifest, parent *RuntimeIdentity) (*RuntimeIdentity, error) {
	if c == nil {
		return nil, newErr(CodeIdentityGoldenThreadMismatch, "nil asset card")
	}
	if !c.VerifyGoldenThread() {
		return nil, newErr(CodeIdentityGoldenThreadMismatch, "declared golden_thread_hash does not match computed hash")
	}

	manifest := c.CapabilitiesManifest.Clone()
	if override != nil {
		manifest = override.Clone()
	}

	id := uuid.New().String()
	now := m.clock.Now()

	lineage := Lineage{RootInstanceID: id, GenerationDepth: 0, SpawnedAt: now}
	if parent != nil {
		lineage = Lineage{
			ParentInstanceID: parent.InstanceID,
			GenerationDepth:  parent.Lineage.GenerationDepth + 1,
			AncestorChain:    append(append([]string(nil), parent.Lineage.AncestorChain...), parent.InstanceID),
			RootInstanceID:   parent.Lineage.RootInstanceID,
			SpawnedAt:        now,
		}
	}

	identity := &RuntimeIdentity{
		InstanceID:       id,
		AssetID:          c.AssetID,
		Card:             c,
		Manifest:         manifest,
		Mode:             ModeNormal,
		Lineage:          lineage,
		CreatedAt:        now,
		Verified:         true,
		GoldenThreadHash: c.GoldenThread.Hash(),
	}

	m.logger.Info("identity created",
		"instance_id", id,
		"asset_id", c.AssetID,
		"generation_depth", lineage.GenerationDepth,
	)
	return identity, nil
}

// Spawn creates a child RuntimeIdentity from parent, deriving its manifest
// per parent.Manifest.CapabilityMode (spec §4.4) and enforcing depth/mode/
// policy constraints. override supplies caller-specified values; only
// meaningful in "explicit" mode, where it is clipped element-wise to the
// parent's values.
func (m *Manager) Spawn(parent *RuntimeIdentity, override *card.CapabilitiesManifest) (*RuntimeIdentity, error) {
	if parent.Mode == ModeRestricted || parent.Terminated {
		return nil, newErr(CodeSpawnDeniedMode, "parent is RESTRICTED or TERMINATED")
	}
	if !parent.Manifest.MaySpawnChildren {
		return nil, newErr(CodeSpawnDeniedPolicy, "parent manifest does not permit spawning children")
	}
	if parent.Lineage.GenerationDepth+1 > parent.Manifest.MaxChildDepth {
		return nil, newErr(CodeSpawnDeniedDepth, "child depth would exceed parent.max_child_depth")
	}

	childManifest := deriveChildManifest(parent.Manifest, override)

	id := uuid.New().String()
	now := m.clock.Now()

	child := &RuntimeIdentity{
		InstanceID: id,
		AssetID:    parent.AssetID,
		Card:       parent.Card,
		Manifest:   childManifest,
		Mode:       ModeNormal,
		Lineage: Lineage{
			ParentInstanceID: parent.InstanceID,
			GenerationDepth:  parent.Lineage.GenerationDepth + 1,
			AncestorChain:    append(append([]string(nil), parent.Lineage.AncestorChain...), parent.InstanceID),
			RootInstanceID:   parent.Lineage.RootInstanceID,
			SpawnedAt:        now,
		},
		CreatedAt:        now,
		Verified:         parent.Verified,
		GoldenThreadHash: parent.GoldenThreadHash,
	}

	m.logger.Info("identity spawned",
		"instance_id", id,
		"parent_instance_id", parent.InstanceID,
		"generation_depth", child.Lineage.GenerationDepth,
		"capability_mode", parent.Manifest.CapabilityMode,
	)
	return child, nil
}

// IsSpawnBlockedByMode reports whether mode alone blocks spawning, which is
// the case only for RESTRICTED. A terminated parent is detected separately
// through RuntimeIdentity.Terminated, which Spawn checks alongside the mode.
func IsSpawnBlockedByMode(m Mode) bool {
	return m == ModeRestricted
}

// deriveChildManifest implements spec §4.4's three capability_mode rules.
func deriveChildManifest(parent card.CapabilitiesManifest, override *card.CapabilitiesManifest) card.CapabilitiesManifest {
	switch parent.CapabilityMode {
	case card.ModeInherit:
		return parent.Clone()

	case card.ModeExplicit:
		child := card.CapabilitiesManifest{CapabilityMode: card.ModeExplicit}
		if override != nil {
			child = override.Clone()
			child.CapabilityMode = card.ModeExplicit
		}
		return clipToParent(child, parent)

	case card.ModeDecay:
		fallthrough
	default:
		child := parent.Clone()
		childDepth := parent.MaxChildDepth - 1
		child.MaxChildDepth = childDepth
		child.MaySpawnChildren = parent.MaySpawnChildren && childDepth >= 0
		child.MaxCostPerSession = decayFloat(parent.MaxCostPerSession)
		child.MaxCostPerDay = decayFloat(parent.MaxCostPerDay)
		child.MaxCostPerMonth = decayFloat(parent.MaxCostPerMonth)
		child.MaxTokensPerCall = decayInt(parent.MaxTokensPerCall)
		child.MaxCallsPerMinute = decayInt(parent.MaxCallsPerMinute)
		return child
	}
}

func decayFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := math.Floor(*v * decayFactor)
	return &out
}

func decayInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(float64(*v) * decayFactor)
	return &out
}

// clipToParent ensures "explicit" mode overrides never exceed parent caps
// element-wise: numeric limits clamp down to the parent's, deny lists are
// the union of child+parent so deny-overrides-allow survives, and allow
// lists are narrowed to the parent's so an override can never grant a
// child broader tool/domain access than its parent has.
func clipToParent(child, parent card.CapabilitiesManifest) card.CapabilitiesManifest {
	child.AllowedTools = clipAllowList(child.AllowedTools, parent.AllowedTools)
	child.AllowedDomains = clipAllowList(child.AllowedDomains, parent.AllowedDomains)
	child.DeniedTools = union(child.DeniedTools, parent.DeniedTools)
	child.DeniedDomains = union(child.DeniedDomains, parent.DeniedDomains)
	child.MaxChildDepth = minInt(child.MaxChildDepth, parent.MaxChildDepth-1)
	if child.MaxChildDepth < 0 {
		child.MaxChildDepth = 0
	}
	child.MaySpawnChildren = child.MaySpawnChildren && parent.MaySpawnChildren
	child.MaxCostPerSession = clipFloat(child.MaxCostPerSession, parent.MaxCostPerSession)
	child.MaxCostPerDay = clipFloat(child.MaxCostPerDay, parent.MaxCostPerDay)
	child.MaxCostPerMonth = clipFloat(child.MaxCostPerMonth, parent.MaxCostPerMonth)
	child.MaxTokensPerCall = clipInt(child.MaxTokensPerCall, parent.MaxTokensPerCall)
	child.MaxCallsPerMinute = clipInt(child.MaxCallsPerMinute, parent.MaxCallsPerMinute)
	return child
}

// clipAllowList narrows child's allow-list to what parent actually grants.
// An empty parent list means the parent declares no explicit allow-list
// (deny-all for that dimension), so the child gets nothing. A parent
// containing the wildcard "*" imposes no restriction, so the child's
// request passes through unchanged. Otherwise the parent is a concrete,
// non-wildcard boundary: a child requesting the wildcard (or anything
// wider than the parent allows) falls back to exactly the parent's list,
// and a child requesting a subset keeps only the entries the parent also
// grants.
func clipAllowList(child, parent []string) []string {
	if len(parent) == 0 {
		return nil
	}
	if containsWildcard(parent) {
		return child
	}
	if containsWildcard(child) {
		return append([]string(nil), parent...)
	}
	return intersect(child, parent)
}

func containsWildcard(list []string) bool {
	for _, s := range list {
		if s == "*" {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	allowed := make(map[string]struct{}, len(b))
	for _, s := range b {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clipFloat(child, parent *float64) *float64 {
	if parent == nil {
		return child
	}
	if child == nil || *child > *parent {
		v := *parent
		return &v
	}
	return child
}

func clipInt(child, parent *int64) *int64 {
	if parent == nil {
		return child
	}
	if child == nil || *child > *parent {
		v := *parent
		return &v
	}
	return child
}

// Package card holds the AssetCard and CapabilitiesManifest data model the
// governance kernel consumes but never produces. Loading, scanning, and
// signing asset cards is explicitly out of core scope (spec §1); this
// package only defines the shapes and the golden-thread check the Identity
// & Lineage Manager relies on.
package card

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RiskLevel is the asset card's declared risk tier.
type RiskLevel string

const (
	RiskMinimal     RiskLevel = "minimal"
	RiskLimited     RiskLevel = "limited"
	RiskHigh        RiskLevel = "high"
	RiskUnacceptable RiskLevel = "unacceptable"
)

// CapabilityMode controls how a manifest is derived for a spawned child.
type CapabilityMode string

const (
	ModeDecay    CapabilityMode = "decay"
	ModeInherit  CapabilityMode = "inherit"
	ModeExplicit CapabilityMode = "explicit"
)

// GoldenThread is the business-authorization tuple every asset card commits
// to via a SHA-256 hash. See Manifest invariant in spec §3.
type GoldenThread struct {
	TicketID   string    `json:"ticket_id" yaml:"ticket_id"`
	ApprovedBy string    `json:"approved_by" yaml:"approved_by"`
	ApprovedAt time.Time `json:"approved_at" yaml:"approved_at"`
}

// Hash computes SHA-256("ticket_id|approved_by|approved_at") with
// approved_at formatted as RFC3339, matching the declared golden_thread_hash
// on the card.
func (g GoldenThread) Hash() string {
	raw := fmt.Sprintf("%s|%s|%s", g.TicketID, g.ApprovedBy, g.ApprovedAt.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CapabilitiesManifest is the effective set of allowed/denied actions,
// domains, numeric budgets, and spawn rules for an instance (spec §3).
type CapabilitiesManifest struct {
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools" yaml:"denied_tools"`

	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains  []string `json:"denied_domains" yaml:"denied_domains"`

	MaySpawnChildren bool `json:"may_spawn_children" yaml:"may_spawn_children"`
	MaxChildDepth    int  `json:"max_child_depth" yaml:"max_child_depth"`

	CapabilityMode CapabilityMode `json:"capability_mode" yaml:"capability_mode"`

	MaxCostPerSession *float64 `json:"max_cost_per_session,omitempty" yaml:"max_cost_per_session,omitempty"`
	MaxCostPerDay     *float64 `json:"max_cost_per_day,omitempty" yaml:"max_cost_per_day,omitempty"`
	MaxCostPerMonth   *float64 `json:"max_cost_per_month,omitempty" yaml:"max_cost_per_month,omitempty"`
	MaxTokensPerCall  *int64   `json:"max_tokens_per_call,omitempty" yaml:"max_tokens_per_call,omitempty"`
	MaxCallsPerMinute *int64   `json:"max_calls_per_minute,omitempty" yaml:"max_calls_per_minute,omitempty"`

	Custom map[string]any `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently of the
// receiver (slices and the Custom map are copied).
func (m CapabilitiesManifest) Clone() CapabilitiesManifest {
	out := m
	out.AllowedTools = append([]string(nil), m.AllowedTools...)
	out.DeniedTools = append([]string(nil), m.DeniedTools...)
	out.AllowedDomains = append([]string(nil), m.AllowedDomains...)
	out.DeniedDomains = append([]string(nil), m.DeniedDomains...)
	if m.Custom != nil {
		out.Custom = make(map[string]any, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = v
		}
	}
	if m.MaxCostPerSession != nil {
		v := *m.MaxCostPerSession
		out.MaxCostPerSession = &v
	}
	if m.MaxCostPerDay != nil {
		v := *m.MaxCostPerDay
		out.MaxCostPerDay = &v
	}
	if m.MaxCostPerMonth != nil {
		v := *m.MaxCostPerMonth
		out.MaxCostPerMonth = &v
	}
	if m.MaxTokensPerCall != nil {
		v := *m.MaxTokensPerCall
		out.MaxTokensPerCall = &v
	}
	if m.MaxCallsPerMinute != nil {
		v := *m.MaxCallsPerMinute
		out.MaxCallsPerMinute = &v
	}
	return out
}

// AssetCard is the immutable, externally supplied declaration the Identity
// & Lineage Manager binds a RuntimeIdentity to. Loading and signing the
// card is out of core scope; the core only reads these fields.
type AssetCard struct {
	AssetID             string               `json:"asset_id" yaml:"asset_id"`
	Version             string               `json:"version" yaml:"version"`
	RiskLevel           RiskLevel            `json:"risk_level" yaml:"risk_level"`
	CapabilitiesManifest CapabilitiesManifest `json:"capabilities_manifest" yaml:"capabilities_manifest"`
	GoldenThread        GoldenThread         `json:"golden_thread" yaml:"golden_thread"`
	GoldenThreadHash    string               `json:"golden_thread_hash" yaml:"golden_thread_hash"`
}

// VerifyGoldenThread reports whether the card's declared hash matches the
// hash computed from its golden_thread tuple. A card with no declared hash
// is considered verified (nothing to check against).
func (c AssetCard) VerifyGoldenThread() bool {
	if c.GoldenThreadHash == "" {
		return true
	}
	return c.GoldenThreadHash == c.GoldenThread.Hash()
}

// Loader is the capability the core consumes to resolve an AssetCard by ID.
// Scanning, parsing, and caching asset-card files is an external concern
// (spec §1); only this narrow interface crosses into the kernel.
type Loader interface {
	Load(assetID string) (*AssetCard, error)
}

package a2a

import (
	"net/url"
	"strings"

	"github.com/aigos/kernel/internal/card"
)

// InboundPolicy gates peer tokens presented to this process as a server
// (spec §4.3 "Trust policies").
type InboundPolicy struct {
	AllowedAssetIDs          []string // empty = any asset allowed
	MaxRiskLevel             card.RiskLevel
	MinimumMode              string
	RequireSignature         bool
	RequireGoldenThreadVerified bool
}

// Evaluate reports whether a verified peer payload satisfies the policy's
// asset list, risk ceiling, and golden-thread requirement. MinimumMode and
// RequireSignature are not consulted.
func (p InboundPolicy) Evaluate(payload GovernanceBlock) (ok bool, reason string) {
	if len(p.AllowedAssetIDs) > 0 && !contains(p.AllowedAssetIDs, payload.Identity) {
		return false, "peer identity not in allowed asset list"
	}
	if p.MaxRiskLevel != "" && riskRank(card.RiskLevel(payload.Governance.RiskLevel)) > riskRank(p.MaxRiskLevel) {
		return false, "peer risk level exceeds allowed maximum"
	}
	if p.RequireGoldenThreadVerified && !payload.Governance.GoldenThread.Verified {
		return false, "golden thread not verified"
	}
	return true, ""
}

// OutboundRule is one per-destination rule for outbound calls (spec
// §4.3). A request matches the first rule whose Host pattern matches (exact
// host, or "*.suffix" wildcard).
type OutboundRule struct {
	HostPattern        string
	Action             OutboundAction
	RequireTLS         bool
	RequirePeerRiskMax card.RiskLevel
	RequiredCallerModes []string
}

// OutboundAction is the rule's disposition.
type OutboundAction string

const (
	OutboundAllow OutboundAction = "allow"
	OutboundDeny  OutboundAction = "deny"
)

// OutboundPolicy is an ordered list of per-destination rules.
type OutboundPolicy struct {
	Rules []OutboundRule
}

// matchRule finds the first rule whose HostPattern matches host.
func (p OutboundPolicy) matchRule(host string) (OutboundRule, bool) {
	for _, r := range p.Rules {
		if hostMatches(r.HostPattern, host) {
			return r, true
		}
	}
	return OutboundRule{}, false
}

// PreflightCheck is the cheap O(rules) check run before a request is sent,
// before any token is even minted.
func (p OutboundPolicy) PreflightCheck(target *url.URL) (ok bool, reason string) {
	rule, found := p.matchRule(target.Hostname())
	if !found {
		return true, ""
	}
	if rule.Action == OutboundDeny {
		return false, "destination denied by outbound policy"
	}
	if rule.RequireTLS && target.Scheme != "https" {
		return false, "destination requires TLS"
	}
	return true, ""
}

// PostflightCheck compares a verified peer token against the same rule,
// and can veto even after a successful HTTP round trip.
func (p OutboundPolicy) PostflightCheck(target *url.URL, peer GovernanceBlock, callerMode string) (ok bool, reason string) {
	rule, found := p.matchRule(target.Hostname())
	if !found {
		return true, ""
	}
	if rule.Action == OutboundDeny {
		return false, "destination denied by outbound policy"
	}
	if rule.RequirePeerRiskMax != "" && riskRank(card.RiskLevel(peer.Governance.RiskLevel)) > riskRank(rule.RequirePeerRiskMax) {
		return false, "peer risk level exceeds outbound rule maximum"
	}
	if len(rule.RequiredCallerModes) > 0 && !contains(rule.RequiredCallerModes, callerMode) {
		return false, "caller mode not permitted by outbound rule"
	}
	return true, ""
}

func hostMatches(pattern, host string) bool {
	if pattern == "*" || pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// riskRank gives RiskLevel a total order for max-risk comparisons.
func riskRank(r card.RiskLevel) int {
	switch r {
	case card.RiskMinimal:
		return 0
	case card.RiskLimited:
		return 1
	case card.RiskHigh:
		return 2
	case card.RiskUnacceptable:
		return 3
	default:
		return 3
	}
}

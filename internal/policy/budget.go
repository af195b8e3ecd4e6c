// BudgetTracker implements spec §4.5's shared primitive: per-instance,
// pure, rolling session/day/month cost counters plus a calls-per-minute
// rate counter, with atomic check+record semantics (P8). Grounded on
// internal/cost/tracker.go's mutex-protected per-key map, reshaped around
// the epoch-anchored rollover internal/policy/ratelimit.go uses for its
// sliding rate-limit buckets.
package policy

import (
	"sync"
	"time"

	"github.com/aigos/kernel/internal/clock"
)

// BudgetState is the per-instance counter set (spec §3).
type BudgetState struct {
	SessionCost     float64
	DailyCost       float64
	MonthlyCost     float64
	CallsThisMinute int64

	SessionStart time.Time
	DayStart     time.Time
	MonthStart   time.Time
	MinuteStart  time.Time
}

// BudgetTracker owns BudgetState keyed by instance_id (spec §3 Ownership).
type BudgetTracker struct {
	mu    sync.Mutex
	clock clock.Source
	state map[string]*BudgetState
}

// NewBudgetTracker constructs a tracker. A nil clock defaults to the
// system clock.
func NewBudgetTracker(clk clock.Source) *BudgetTracker {
	if clk == nil {
		clk = clock.System{}
	}
	return &BudgetTracker{clock: clk, state: make(map[string]*BudgetState)}
}

// CheckAndRecord implements the step-7 budget/rate evaluation of spec
// §4.1 under a single critical section: it rolls over stale epochs, checks
// the candidate cost/tokens/rate against the manifest limits, and — only
// if the call would be allowed and isDryRun is false — records the usage.
// This is the P8 atomicity guarantee: two concurrent near-cap calls cannot
// both pass, because the whole check+record happens under one lock.
func (t *BudgetTracker) CheckAndRecord(instanceID string, cost float64, tokens int64, maxSessionCost, maxDailyCost, maxMonthlyCost *float64, maxTokensPerCall, maxCallsPerMinute *int64, isDryRun bool) (ok bool, code string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	s := t.rollover(instanceID, now)

	if maxTokensPerCall != nil && tokens > *maxTokensPerCall {
		return false, CodeBudgetExceeded
	}
	if maxCallsPerMinute != nil && s.CallsThisMinute >= *maxCallsPerMinute {
		return false, CodeRateLimited
	}
	if maxSessionCost != nil && s.SessionCost+cost > *maxSessionCost {
		return false, CodeBudgetExceeded
	}
	if maxDailyCost != nil && s.DailyCost+cost > *maxDailyCost {
		return false, CodeBudgetExceeded
	}
	if maxMonthlyCost != nil && s.MonthlyCost+cost > *maxMonthlyCost {
		return false, CodeBudgetExceeded
	}

	if !isDryRun {
		s.SessionCost += cost
		s.DailyCost += cost
		s.MonthlyCost += cost
		s.CallsThisMinute++
	}
	return true, ""
}

// Snapshot returns a copy of the current BudgetState for instanceID,
// rolling over stale epochs first.
func (t *BudgetTracker) Snapshot(instanceID string) BudgetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.rollover(instanceID, t.clock.Now())
	return *s
}

// Reset clears all counters for instanceID (e.g. on session end).
func (t *BudgetTracker) Reset(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, instanceID)
}

// rollover must be called with t.mu held. It creates state on first use and
// zeroes counters whose epoch anchor has advanced.
func (t *BudgetTracker) rollover(instanceID string, now time.Time) *BudgetState {
	s, ok := t.state[instanceID]
	if !ok {
		s = &BudgetState{
			SessionStart: now,
			DayStart:     startOfDay(now),
			MonthStart:   startOfMonth(now),
			MinuteStart:  startOfMinute(now),
		}
		t.state[instanceID] = s
		return s
	}

	if d := startOfDay(now); d.After(s.DayStart) {
		s.DailyCost = 0
		s.DayStart = d
	}
	if m := startOfMonth(now); m.After(s.MonthStart) {
		s.MonthlyCost = 0
		s.MonthStart = m
	}
	if mi := startOfMinute(now); mi.After(s.MinuteStart) {
		s.CallsThisMinute = 0
		s.MinuteStart = mi
	}
	return s
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func startOfMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

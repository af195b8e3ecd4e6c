package policy

import (
	"testing"
	"time"

	"github.com/aigos/kernel/internal/clock"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int64) *int64     { return &v }

func TestBudgetTracker_SessionCap(t *testing.T) {
	fc := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bt := NewBudgetTracker(fc)

	ok, code := bt.CheckAndRecord("inst1", 60, 0, ptrF(100), nil, nil, nil, nil, false)
	if !ok {
		t.Fatalf("first call should be allowed, got code %q", code)
	}
	ok, code = bt.CheckAndRecord("inst1", 50, 0, ptrF(100), nil, nil, nil, nil, false)
	if ok {
		t.Fatalf("second call should exceed session cap, got allowed")
	}
	if code != CodeBudgetExceeded {
		t.Errorf("want %s, got %s", CodeBudgetExceeded, code)
	}
}

func TestBudgetTracker_DryRunDoesNotConsume(t *testing.T) {
	fc := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bt := NewBudgetTracker(fc)

	ok, _ := bt.CheckAndRecord("inst1", 90, 0, ptrF(100), nil, nil, nil, nil, true)
	if !ok {
		t.Fatal("dry-run call within cap should be allowed")
	}
	snap := bt.Snapshot("inst1")
	if snap.SessionCost != 0 {
		t.Errorf("dry-run must not consume budget, got session_cost=%v", snap.SessionCost)
	}
}

func TestBudgetTracker_RateLimit(t *testing.T) {
	fc := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bt := NewBudgetTracker(fc)
	maxCalls := ptrI(2)

	for i := 0; i < 2; i++ {
		ok, _ := bt.CheckAndRecord("inst1", 0, 0, nil, nil, nil, nil, maxCalls, false)
		if !ok {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	ok, code := bt.CheckAndRecord("inst1", 0, 0, nil, nil, nil, nil, maxCalls, false)
	if ok || code != CodeRateLimited {
		t.Fatalf("third call should be RATE_LIMITED, got ok=%v code=%q", ok, code)
	}

	fc.Advance(time.Minute)
	ok, _ = bt.CheckAndRecord("inst1", 0, 0, nil, nil, nil, nil, maxCalls, false)
	if !ok {
		t.Fatal("call after minute rollover should be allowed again")
	}
}

func TestBudgetTracker_Concurrency(t *testing.T) {
	bt := NewBudgetTracker(nil)
	cap := ptrF(100)
	done := make(chan bool, 2)
	allowed := make(chan bool, 2)

	for i := 0; i < 2; i++ {
		go func() {
			ok, _ := bt.CheckAndRecord("inst1", 60, 0, cap, nil, nil, nil, nil, false)
			allowed <- ok
			done <- true
		}()
	}
	<-done
	<-done
	close(allowed)
	successCount := 0
	for ok := range allowed {
		if ok {
			successCount++
		}
	}
	if successCount != 1 {
		t.Errorf("expected exactly one of two concurrent 60-cost calls against a 100 cap to succeed, got %d", successCount)
	}
}

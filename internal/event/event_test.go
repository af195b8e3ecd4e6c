package event

import "testing"

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Emit(GovernanceEvent{Kind: KindDecision, Action: "a"})
	}
	snap := rb.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected snapshot bounded at capacity 3, got %d", len(snap))
	}
}

func TestRingBuffer_SnapshotBelowCapacity(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Emit(GovernanceEvent{Kind: KindSpawn})
	rb.Emit(GovernanceEvent{Kind: KindViolation})
	snap := rb.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 events, got %d", len(snap))
	}
}

func TestRingBuffer_PreservesInsertionOrder(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Emit(GovernanceEvent{Kind: KindDecision, Action: "first"})
	rb.Emit(GovernanceEvent{Kind: KindDecision, Action: "second"})
	rb.Emit(GovernanceEvent{Kind: KindDecision, Action: "third"})
	rb.Emit(GovernanceEvent{Kind: KindDecision, Action: "fourth"})

	snap := rb.Snapshot()
	if snap[len(snap)-1].Action != "fourth" {
		t.Fatalf("expected most recent event last, got %q", snap[len(snap)-1].Action)
	}
}

package clock

import (
	"testing"
	"time"
)

func TestFixed_AdvanceMovesTimeForward(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFixed(start)
	if !f.Now().Equal(start) {
		t.Fatalf("expected fixed clock to start at %v, got %v", start, f.Now())
	}

	f.Advance(5 * time.Minute)
	want := start.Add(5 * time.Minute)
	if !f.Now().Equal(want) {
		t.Fatalf("expected %v after advance, got %v", want, f.Now())
	}
}

func TestCryptoRandom_HexProducesDistinctValues(t *testing.T) {
	r := CryptoRandom{}
	a, err := r.Hex(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := r.Hex(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("two independent Hex calls should not collide")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars for 16 bytes, got %d", len(a))
	}
}

func TestSystem_NowIsUTC(t *testing.T) {
	now := System{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected System.Now to report UTC, got %v", now.Location())
	}
}

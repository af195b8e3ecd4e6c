package sqlitesink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aigos/kernel/internal/event"
)

func TestSink_EmitThenCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := Open(path, 10, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	sink.Emit(event.GovernanceEvent{Kind: event.KindDecision, Time: time.Now(), InstanceID: "i1", Allowed: true})
	sink.Emit(event.GovernanceEvent{Kind: event.KindViolation, Time: time.Now(), InstanceID: "i1", Allowed: false})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestSink_EmitDoesNotBlockOnFullQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := Open(path, 1, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sink.Close(ctx)
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			sink.Emit(event.GovernanceEvent{Kind: event.KindDecision, Time: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit must never block even when the queue is saturated")
	}
}

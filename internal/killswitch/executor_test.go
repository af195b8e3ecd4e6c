package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/aigos/kernel/internal/clock"
)

// fakeTransport lets a test push commands directly, bypassing any real
// file/poll/stream I/O.
type fakeTransport struct {
	name    string
	started chan func(Command)
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, started: make(chan func(Command), 1)}
}

func (f *fakeTransport) Start(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) error {
	f.started <- onCommand
	return nil
}

func (f *fakeTransport) Stop() error { return nil }
func (f *fakeTransport) Name() string { return f.name }

func TestExecutor_AppliesCommandsThroughTransport(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	fsm := New(true, Hooks{}, fc, nil)
	guard := NewReplayGuard(5*time.Minute, 100, "", fc, nil)
	x := NewExecutor(fsm, guard, nil, fc, nil)

	transport := newFakeTransport("fake")
	x.Register(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := x.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer x.Stop()

	submit := <-transport.started
	submit(Command{CommandID: "c1", Type: CommandTerminate, InstanceID: "inst-1", Timestamp: fc.Now()})

	waitForState(t, fsm, "inst-1", Terminated)
}

func TestExecutor_ProcessesPerTargetInOrder(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	fsm := New(true, Hooks{}, fc, nil)
	guard := NewReplayGuard(5*time.Minute, 100, "", fc, nil)
	x := NewExecutor(fsm, guard, nil, fc, nil)

	transport := newFakeTransport("fake")
	x.Register(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x.Start(ctx)
	defer x.Stop()

	submit := <-transport.started
	submit(Command{CommandID: "c1", Type: CommandPause, InstanceID: "inst-1", Timestamp: fc.Now()})
	submit(Command{CommandID: "c2", Type: CommandResume, InstanceID: "inst-1", Timestamp: fc.Now()})

	waitForState(t, fsm, "inst-1", Active)
}

func waitForState(t *testing.T, fsm *FSM, instanceID string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fsm.StateFor(instanceID, "") == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %v for %q, got %v", want, instanceID, fsm.StateFor(instanceID, ""))
}

package killswitch

import (
	"testing"
	"time"

	"github.com/aigos/kernel/internal/clock"
)

func TestFSM_TerminateThenPauseDropped(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)

	to, ok := fsm.Apply(Command{CommandID: "c1", Type: CommandTerminate, InstanceID: "i1"})
	if !ok || to != Terminated {
		t.Fatalf("expected TERMINATED, got %v ok=%v", to, ok)
	}

	to, ok = fsm.Apply(Command{CommandID: "c2", Type: CommandPause, InstanceID: "i1"})
	if ok {
		t.Fatalf("PAUSE after TERMINATE must be dropped, got state=%v accepted=%v", to, ok)
	}
	if fsm.StateFor("i1", "") != Terminated {
		t.Fatal("TERMINATED must be absorbing")
	}
}

func TestFSM_TerminateIsAbsorbingAgainstResume(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)
	fsm.Apply(Command{CommandID: "c1", Type: CommandTerminate, InstanceID: "i1"})

	to, ok := fsm.Apply(Command{CommandID: "c2", Type: CommandResume, InstanceID: "i1"})
	if ok {
		t.Fatalf("RESUME after TERMINATE must be dropped, got state=%v", to)
	}
	if fsm.StateFor("i1", "") != Terminated {
		t.Fatal("TERMINATED must remain absorbing after a dropped RESUME")
	}
}

func TestFSM_PauseThenResume(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)

	to, ok := fsm.Apply(Command{CommandID: "c1", Type: CommandPause, InstanceID: "i1"})
	if !ok || to != Paused {
		t.Fatalf("expected PAUSED, got %v ok=%v", to, ok)
	}
	if fsm.StateFor("i1", "") != Paused {
		t.Fatal("expected StateFor to report PAUSED")
	}

	to, ok = fsm.Apply(Command{CommandID: "c2", Type: CommandResume, InstanceID: "i1"})
	if !ok || to != Active {
		t.Fatalf("expected ACTIVE after resume, got %v ok=%v", to, ok)
	}
}

func TestFSM_ResumeDroppedWhenAllowResumeFalse(t *testing.T) {
	fsm := New(false, Hooks{}, nil, nil)
	fsm.Apply(Command{CommandID: "c1", Type: CommandPause, InstanceID: "i1"})

	to, ok := fsm.Apply(Command{CommandID: "c2", Type: CommandResume, InstanceID: "i1"})
	if ok {
		t.Fatalf("RESUME must be dropped when allow_resume is false, got state=%v", to)
	}
	if fsm.StateFor("i1", "") != Paused {
		t.Fatal("target should remain PAUSED")
	}
}

func TestFSM_InstanceOverridesAssetOverridesGlobal(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)

	fsm.Apply(Command{CommandID: "g1", Type: CommandPause})
	if fsm.StateFor("i1", "asset-1") != Paused {
		t.Fatal("global PAUSE should apply to an instance with no direct command")
	}

	fsm.Apply(Command{CommandID: "a1", Type: CommandTerminate, AssetID: "asset-1"})
	if fsm.StateFor("i1", "asset-1") != Terminated {
		t.Fatal("asset-level command should override global")
	}

	fsm.Apply(Command{CommandID: "i1cmd", Type: CommandPause, InstanceID: "i1"})
	if fsm.StateFor("i1", "asset-1") != Paused {
		t.Fatal("instance-level command should override asset")
	}
}

func TestFSM_HistoryBounded(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)
	for i := 0; i < maxHistory+20; i++ {
		typ := CommandPause
		if i%2 == 1 {
			typ = CommandResume
		}
		fsm.Apply(Command{CommandID: string(rune('a'+i%26)) + string(rune(i)), Type: typ, InstanceID: "i1"})
	}
	hist := fsm.History("instance:i1")
	if len(hist) > maxHistory {
		t.Fatalf("history should be bounded at %d, got %d", maxHistory, len(hist))
	}
}

func TestFSM_HooksFireOnlyOnActualStateChange(t *testing.T) {
	var changes int
	fsm := New(true, Hooks{OnStateChange: func(string, State, State) { changes++ }}, nil, nil)

	fsm.Apply(Command{CommandID: "c1", Type: CommandResume, InstanceID: "i1"}) // no-op, ACTIVE->ACTIVE
	if changes != 0 {
		t.Fatalf("resume from active should not fire a state change, got %d", changes)
	}

	fsm.Apply(Command{CommandID: "c2", Type: CommandPause, InstanceID: "i1"})
	if changes != 1 {
		t.Fatalf("expected 1 state change after pause, got %d", changes)
	}
}

func TestFSM_BeforeTerminateHookPanicDoesNotAbortTransition(t *testing.T) {
	fsm := New(true, Hooks{OnBeforeTerminate: func(string) { panic("boom") }}, nil, nil)
	to, ok := fsm.Apply(Command{CommandID: "c1", Type: CommandTerminate, InstanceID: "i1"})
	if !ok || to != Terminated {
		t.Fatalf("transition must still succeed despite a panicking hook, got %v ok=%v", to, ok)
	}
}

func TestAsPolicyKillSwitch_ReflectsFSMState(t *testing.T) {
	fsm := New(true, Hooks{}, nil, nil)
	pks := AsPolicyKillSwitch(fsm)

	if s := pks.Evaluate("i1", "a1"); s != "ACTIVE" {
		t.Fatalf("expected ACTIVE, got %v", s)
	}

	fsm.Apply(Command{CommandID: "c1", Type: CommandTerminate, InstanceID: "i1"})
	if s := pks.Evaluate("i1", "a1"); s != "TERMINATED" {
		t.Fatalf("expected TERMINATED, got %v", s)
	}
}

func TestReplayGuard_RejectsStaleCommand(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	g := NewReplayGuard(1*time.Minute, 0, "", fc, nil)

	cmd := Command{CommandID: "old-1", Timestamp: fc.Now().Add(-10 * time.Minute)}
	ok, _, _ := g.Check(cmd)
	if ok {
		t.Fatal("a command older than max age should be rejected")
	}
}

func TestReplayGuard_PrunesOldestWhenFull(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	g := NewReplayGuard(time.Hour, 10, "", fc, nil)

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		ok, _, _ := g.Check(Command{CommandID: id, Timestamp: fc.Now()})
		if !ok {
			t.Fatalf("expected command %d to be accepted", i)
		}
	}

	// Cache is now full; one more distinct command should still be
	// accepted because pruning makes room rather than rejecting.
	ok, _, _ := g.Check(Command{CommandID: "overflow", Timestamp: fc.Now()})
	if !ok {
		t.Fatal("expected room to be made via pruning")
	}
}

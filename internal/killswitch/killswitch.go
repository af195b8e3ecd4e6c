// Package killswitch implements the Kill-Switch Pipeline: a three-state
// FSM (ACTIVE/PAUSED/TERMINATED) driven by commands arriving from one or
// more transports, with TERMINATED as an absorbing state. Grounded on
// internal/killswitch/killswitch.go's mutex-protected per-target map and
// trigger/reset/history/status shape, re-keyed from the teacher's
// armed/triggered boolean-pair + global/agent/session scopes onto the
// three-state FSM and instance/asset/organization/global targeting this
// kernel's command taxonomy names.
package killswitch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aigos/kernel/internal/clock"
	"github.com/aigos/kernel/internal/policy"
)

// State is one of the FSM's three states.
type State string

const (
	Active     State = "ACTIVE"
	Paused     State = "PAUSED"
	Terminated State = "TERMINATED"
)

// CommandType is the kind of command a transport delivers.
type CommandType string

const (
	CommandTerminate CommandType = "TERMINATE"
	CommandPause     CommandType = "PAUSE"
	CommandResume    CommandType = "RESUME"
)

// Command is a single kill-switch instruction from a transport. Exactly
// one of InstanceID, AssetID, or Organization should normally be set;
// if none are set the command is global. Replay-proofing (CommandID,
// Timestamp freshness) is the ReplayGuard's job, not the FSM's.
type Command struct {
	CommandID    string
	Type         CommandType
	Timestamp    time.Time
	Reason       string
	InstanceID   string
	AssetID      string
	Organization string
	Signature    string
}

// HistoryEntry records one accepted transition against a target.
type HistoryEntry struct {
	From      State
	To        State
	CommandID string
	Type      CommandType
	Reason    string
	At        time.Time
}

const maxHistory = 100

// Hooks are optional notification points. OnBeforeTerminate runs just
// before a target moves to TERMINATED; a failing/panicking hook is logged
// and does not abort the transition. OnStateChange runs after the state
// has actually moved (never for a no-op RESUME-from-ACTIVE or a
// PAUSE-from-PAUSED that doesn't change the value, though those are still
// recorded to history as accepted).
type Hooks struct {
	OnBeforeTerminate func(target string)
	OnStateChange     func(target string, from, to State)
}

// target is one FSM entry, holding its own mutex per spec §5 ("one mutex
// per instance, plus a single mutex for the global/asset sets" — here
// every keyed entry, instance or otherwise, gets its own lock; FSM.mu only
// guards the map of entries, not their contents).
type target struct {
	mu      sync.Mutex
	state   State
	history []HistoryEntry
}

// FSM is the kill-switch state machine, process-global but keyed by
// target (instance/asset/organization/global). Safe for concurrent use.
type FSM struct {
	mu          sync.RWMutex
	targets     map[string]*target
	allowResume bool
	hooks       Hooks
	clock       clock.Source
	logger      *slog.Logger
}

// New constructs an FSM. allowResume corresponds to spec §4.2's
// `allow_resume` config flag (default true).
func New(allowResume bool, hooks Hooks, clk clock.Source, logger *slog.Logger) *FSM {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		targets:     make(map[string]*target),
		allowResume: allowResume,
		hooks:       hooks,
		clock:       clk,
		logger:      logger.With("component", "killswitch.FSM"),
	}
}

// Key constants for the non-instance, non-asset, non-organization entry.
const globalKey = "global"

func targetKey(cmd Command) string {
	switch {
	case cmd.InstanceID != "":
		return "instance:" + cmd.InstanceID
	case cmd.AssetID != "":
		return "asset:" + cmd.AssetID
	case cmd.Organization != "":
		return "org:" + cmd.Organization
	default:
		return globalKey
	}
}

func (f *FSM) entryFor(key string) *target {
	f.mu.RLock()
	t, ok := f.targets[key]
	f.mu.RUnlock()
	if ok {
		return t
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok = f.targets[key]; ok {
		return t
	}
	t = &target{state: Active}
	f.targets[key] = t
	return t
}

// Apply drives the FSM's transition for cmd's target. accepted is false
// when the command is dropped outright: PAUSE/RESUME arriving while the
// target is TERMINATED, or RESUME while PAUSED and allow_resume is false.
// Dropped commands are logged with a warning (spec §4.2), never silently
// ignored.
func (f *FSM) Apply(cmd Command) (newState State, accepted bool) {
	key := targetKey(cmd)
	t := f.entryFor(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.state
	if from == "" {
		from = Active
	}

	switch cmd.Type {
	case CommandTerminate:
		f.runBeforeTerminate(key)
		return f.transition(t, key, from, Terminated, cmd), true

	case CommandPause:
		if from == Terminated {
			f.logger.Warn("PAUSE dropped: target is TERMINATED", "target", key, "command_id", cmd.CommandID)
			return from, false
		}
		return f.transition(t, key, from, Paused, cmd), true

	case CommandResume:
		if from == Terminated {
			f.logger.Warn("RESUME dropped: target is TERMINATED", "target", key, "command_id", cmd.CommandID)
			return from, false
		}
		if from == Active {
			return f.transition(t, key, from, Active, cmd), true
		}
		if !f.allowResume {
			f.logger.Warn("RESUME dropped: allow_resume is false", "target", key, "command_id", cmd.CommandID)
			return from, false
		}
		return f.transition(t, key, from, Active, cmd), true

	default:
		return from, false
	}
}

// transition must be called with t.mu held. It records an accepted
// command to history (bounded at maxHistory) and fires OnStateChange only
// when the state actually moved.
func (f *FSM) transition(t *target, key string, from, to State, cmd Command) State {
	t.state = to
	entry := HistoryEntry{From: from, To: to, CommandID: cmd.CommandID, Type: cmd.Type, Reason: cmd.Reason, At: f.clock.Now()}
	t.history = append(t.history, entry)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	if from != to && f.hooks.OnStateChange != nil {
		f.safeNotify(func() { f.hooks.OnStateChange(key, from, to) })
	}
	return to
}

func (f *FSM) runBeforeTerminate(key string) {
	if f.hooks.OnBeforeTerminate == nil {
		return
	}
	f.safeNotify(func() { f.hooks.OnBeforeTerminate(key) })
}

// safeNotify recovers a panicking hook and logs it; failure in a hook must
// never abort the transition it wraps (spec §4.2).
func (f *FSM) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("kill-switch hook panicked", "panic", r)
		}
	}()
	fn()
}

// StateFor resolves the effective state for an identity, applying the
// instance-overrides-asset-overrides-global ordering of spec §4.1 step 1.
// A target that has never received a command is ACTIVE.
func (f *FSM) StateFor(instanceID, assetID string) State {
	if instanceID != "" {
		if s, ok := f.lookup("instance:" + instanceID); ok {
			return s
		}
	}
	if assetID != "" {
		if s, ok := f.lookup("asset:" + assetID); ok {
			return s
		}
	}
	if s, ok := f.lookup(globalKey); ok {
		return s
	}
	return Active
}

// Paused and Terminated let the token generator (internal/a2a) ask the
// live kill-switch posture right before minting, satisfying that
// package's KillSwitchSnapshot interface by structural typing alone.
func (f *FSM) Paused(instanceID, assetID string) bool {
	return f.StateFor(instanceID, assetID) == Paused
}

func (f *FSM) Terminated(instanceID, assetID string) bool {
	return f.StateFor(instanceID, assetID) == Terminated
}

func (f *FSM) lookup(key string) (State, bool) {
	f.mu.RLock()
	t, ok := f.targets[key]
	f.mu.RUnlock()
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// History returns the bounded transition history for a target key (e.g.
// "instance:abc-123", "asset:invoice-bot", "org:acme", or "global").
func (f *FSM) History(key string) []HistoryEntry {
	f.mu.RLock()
	t, ok := f.targets[key]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistoryEntry, len(t.history))
	copy(out, t.history)
	return out
}

// policyKillSwitch adapts an FSM to the policy.KillSwitch capability the
// Policy Engine's step 1 consumes, keeping internal/policy free of any
// import of internal/killswitch (the engine only ever depends on the
// narrow policy.KillSwitch interface).
type policyKillSwitch struct{ fsm *FSM }

func (p policyKillSwitch) Evaluate(instanceID, assetID string) policy.KillSwitchState {
	switch p.fsm.StateFor(instanceID, assetID) {
	case Terminated:
		return policy.KillSwitchTerminated
	case Paused:
		return policy.KillSwitchPaused
	default:
		return policy.KillSwitchActive
	}
}

// AsPolicyKillSwitch wraps fsm as a policy.KillSwitch.
func AsPolicyKillSwitch(fsm *FSM) policy.KillSwitch {
	return policyKillSwitch{fsm: fsm}
}

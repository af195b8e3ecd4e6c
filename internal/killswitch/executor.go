package killswitch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aigos/kernel/internal/clock"
	"github.com/aigos/kernel/internal/event"
)

// Transport is the shared contract every kill-switch command source
// implements (stream, poll, or file), grounded on the teacher's
// mdloader-style start/stop lifecycle. A transport pushes commands to the
// Executor via its onCommand callback rather than the Executor pulling,
// since stream transports are push-driven by nature and this keeps poll
// and file transports symmetric with it. onConnectionChange reports
// connectivity transitions (poll giving up after too many consecutive
// errors, a stream reconnecting) so the executor can surface them as
// governance events instead of silently retrying forever.
type Transport interface {
	Start(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) error
	Stop() error
	Name() string
}

// Stable event codes for the connectivity side of the kill-switch
// taxonomy. The replay-rejection codes live in replay.go alongside the
// guard that produces them.
const (
	CodeTransportDisconnected = "TRANSPORT_DISCONNECTED"
	CodeTransportConnected    = "TRANSPORT_CONNECTED"
)

// Executor wires an FSM and ReplayGuard to one or more transports. Commands
// are processed strictly in receipt order per target key via a single
// worker goroutine per key, so that a target's TERMINATE can never be
// reordered behind a slower-arriving PAUSE from a different transport.
type Executor struct {
	fsm    *FSM
	guard  *ReplayGuard
	sink   event.Sink
	clock  clock.Source
	logger *slog.Logger

	transports []Transport

	mu     sync.Mutex
	queues map[string]chan Command
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewExecutor builds an Executor. sink may be nil, in which case no
// governance events are emitted for processed commands.
func NewExecutor(fsm *FSM, guard *ReplayGuard, sink event.Sink, clk clock.Source, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		fsm:    fsm,
		guard:  guard,
		sink:   sink,
		clock:  clk,
		logger: logger.With("component", "killswitch.Executor"),
		queues: make(map[string]chan Command),
	}
}

// Register attaches a transport. Must be called before Start.
func (x *Executor) Register(t Transport) {
	x.transports = append(x.transports, t)
}

// Start launches every registered transport and begins accepting commands.
func (x *Executor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	x.cancel = cancel

	for _, t := range x.transports {
		t := t
		if err := t.Start(ctx, x.submit, func(err error) {
			x.logger.Error("transport error", "transport", t.Name(), "error", err)
		}, func(connected bool) {
			x.onConnectionChange(t.Name(), connected)
		}); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// onConnectionChange logs and emits a governance event whenever a
// transport's connectivity flips, per spec §4.2/§6.
func (x *Executor) onConnectionChange(transportName string, connected bool) {
	if connected {
		x.logger.Info("transport connected", "transport", transportName)
	} else {
		x.logger.Warn("transport disconnected", "transport", transportName)
	}
	if x.sink == nil {
		return
	}
	code := CodeTransportConnected
	if !connected {
		code = CodeTransportDisconnected
	}
	x.sink.Emit(event.GovernanceEvent{
		Kind:    event.KindKillSwitch,
		Time:    x.clock.Now(),
		Action:  "CONNECTION_CHANGE",
		Allowed: connected,
		Code:    code,
		Reason:  transportName + " connection state changed",
	})
}

// Stop stops every transport and drains in-flight command queues.
func (x *Executor) Stop() {
	if x.cancel != nil {
		x.cancel()
	}
	for _, t := range x.transports {
		if err := t.Stop(); err != nil {
			x.logger.Error("error stopping transport", "transport", t.Name(), "error", err)
		}
	}

	x.mu.Lock()
	for _, q := range x.queues {
		close(q)
	}
	x.mu.Unlock()

	x.wg.Wait()
}

// submit is the callback transports invoke for every received command. It
// enqueues the command onto its target's dedicated worker, spawning that
// worker on first use.
func (x *Executor) submit(cmd Command) {
	key := targetKey(cmd)

	x.mu.Lock()
	q, ok := x.queues[key]
	if !ok {
		q = make(chan Command, 64)
		x.queues[key] = q
		x.wg.Add(1)
		go x.worker(key, q)
	}
	x.mu.Unlock()

	q <- cmd
}

func (x *Executor) worker(key string, q chan Command) {
	defer x.wg.Done()
	for cmd := range q {
		x.process(key, cmd)
	}
}

func (x *Executor) process(key string, cmd Command) {
	if x.guard != nil {
		ok, code, reason := x.guard.Check(cmd)
		if !ok {
			x.logger.Warn("command rejected by replay guard", "target", key, "command_id", cmd.CommandID, "code", code, "reason", reason)
			x.emit(cmd, "", "", false, code, reason)
			return
		}
	}

	from := x.fsm.StateFor(cmd.InstanceID, cmd.AssetID)
	to, accepted := x.fsm.Apply(cmd)
	if !accepted {
		x.emit(cmd, string(from), string(to), false, "", "command dropped by fsm")
		return
	}
	x.emit(cmd, string(from), string(to), true, "", cmd.Reason)
}

// emit records a kill-switch governance event. code carries a stable
// taxonomy code (e.g. one of the Code* constants in this package); when
// empty it defaults to the bare "from->to" state transition, matching
// the FSM-accepted/dropped paths that have no dedicated code of their own.
func (x *Executor) emit(cmd Command, from, to string, accepted bool, code, reason string) {
	if x.sink == nil {
		return
	}
	if code == "" {
		code = from + "->" + to
	}
	x.sink.Emit(event.GovernanceEvent{
		Kind:       event.KindKillSwitch,
		Time:       x.clock.Now(),
		InstanceID: cmd.InstanceID,
		AssetID:    cmd.AssetID,
		Action:     string(cmd.Type),
		Allowed:    accepted,
		Reason:     reason,
		Code:       code,
	})
}

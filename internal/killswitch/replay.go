package killswitch

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aigos/kernel/internal/clock"
)

// ReplayGuard rejects kill-switch commands that have already been seen or
// have aged out, per spec §4.2's replay-proofing requirement. Grounded on
// the teacher's bounded-cache idioms elsewhere in the pack (LRU-style
// prune-when-full); here the cache is a plain map plus an insertion-order
// slice since eviction needs to be "oldest 10%", not strict LRU.
type ReplayGuard struct {
	mu          sync.Mutex
	seen        map[string]time.Time
	order       []string
	maxAge      time.Duration
	maxSize     int
	persistPath string
	clock       clock.Source
	logger      *slog.Logger
}

// NewReplayGuard builds a guard. maxAge is the maximum age (relative to
// the guard's clock) a command's timestamp may have before it is rejected
// as stale, regardless of whether its nonce has been seen. maxSize bounds
// the nonce cache; once full, the oldest 10% of entries are pruned to make
// room rather than rejecting all new commands outright.
func NewReplayGuard(maxAge time.Duration, maxSize int, persistPath string, clk clock.Source, logger *slog.Logger) *ReplayGuard {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &ReplayGuard{
		seen:        make(map[string]time.Time, maxSize),
		maxAge:      maxAge,
		maxSize:     maxSize,
		persistPath: persistPath,
		clock:       clk,
		logger:      logger.With("component", "killswitch.ReplayGuard"),
	}
	if persistPath != "" {
		g.load()
	}
	return g
}

// Stable event/error codes for the replay side of the kill-switch taxonomy.
const (
	CodeReplayDuplicate = "REPLAY_DUPLICATE"
	CodeReplayExpired   = "REPLAY_EXPIRED"
	CodeReplayFuture    = "REPLAY_FUTURE"
)

// Check reports whether cmd may proceed: false with a stable code and a
// human reason if the command's nonce (CommandID) has already been
// accepted, if its Timestamp is older than maxAge, or if its Timestamp is
// in the future at all (any clock skew ahead of now is rejected, not just
// skew beyond maxAge). A command that passes is recorded as seen. Calling
// Check twice with the same CommandID is idempotent: the second call
// always rejects, satisfying replay idempotence.
func (g *ReplayGuard) Check(cmd Command) (ok bool, code string, reason string) {
	now := g.clock.Now()

	if !cmd.Timestamp.IsZero() {
		if cmd.Timestamp.After(now) {
			return false, CodeReplayFuture, "command timestamp is in the future"
		}
		if g.maxAge > 0 && now.Sub(cmd.Timestamp) > g.maxAge {
			return false, CodeReplayExpired, "command timestamp too old"
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[cmd.CommandID]; dup {
		return false, CodeReplayDuplicate, "duplicate command id"
	}

	if len(g.seen) >= g.maxSize {
		g.pruneOldestLocked()
	}

	g.seen[cmd.CommandID] = now
	g.order = append(g.order, cmd.CommandID)

	if g.persistPath != "" {
		g.persistLocked()
	}
	return true, "", ""
}

// pruneOldestLocked must be called with g.mu held. It evicts the oldest
// 10% of tracked nonces (by insertion order) to make room for new ones.
func (g *ReplayGuard) pruneOldestLocked() {
	evict := g.maxSize / 10
	if evict < 1 {
		evict = 1
	}
	if evict > len(g.order) {
		evict = len(g.order)
	}
	for _, id := range g.order[:evict] {
		delete(g.seen, id)
	}
	g.order = g.order[evict:]
}

// Purge drops any tracked nonce older than 2x maxAge. Neither the Executor
// nor anything else in this package calls it on a schedule; between calls
// the cache is bounded only by the maxSize pruning in Check.
func (g *ReplayGuard) Purge() {
	if g.maxAge <= 0 {
		return
	}
	cutoff := g.clock.Now().Add(-2 * g.maxAge)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.order[:0]
	for _, id := range g.order {
		seenAt, ok := g.seen[id]
		if !ok {
			continue
		}
		if seenAt.Before(cutoff) {
			delete(g.seen, id)
			continue
		}
		kept = append(kept, id)
	}
	g.order = kept

	if g.persistPath != "" {
		g.persistLocked()
	}
}

// persistedEntry is the on-disk representation for ReplayGuard state.
type persistedEntry struct {
	CommandID string    `json:"command_id"`
	SeenAt    time.Time `json:"seen_at"`
}

// persistLocked must be called with g.mu held. It writes the current
// nonce set atomically (write to a temp file, then rename) so a crash
// mid-write cannot corrupt the persisted cache.
func (g *ReplayGuard) persistLocked() {
	entries := make([]persistedEntry, 0, len(g.order))
	for _, id := range g.order {
		entries = append(entries, persistedEntry{CommandID: id, SeenAt: g.seen[id]})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		g.logger.Error("failed to marshal replay guard state", "error", err)
		return
	}

	tmp := g.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		g.logger.Error("failed to write replay guard state", "error", err)
		return
	}
	if err := os.Rename(tmp, g.persistPath); err != nil {
		g.logger.Error("failed to swap replay guard state into place", "error", err)
	}
}

// load restores a previously persisted nonce set, if present. Missing or
// unreadable files are treated as an empty cache, never a fatal error.
func (g *ReplayGuard) load() {
	data, err := os.ReadFile(g.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("failed to read replay guard state", "path", g.persistPath, "error", err)
		}
		return
	}

	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		g.logger.Warn("failed to parse replay guard state, starting empty", "path", g.persistPath, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entries {
		g.seen[e.CommandID] = e.SeenAt
		g.order = append(g.order, e.CommandID)
	}
	g.logger.Info("restored replay guard state", "entries", len(entries), "path", filepath.Clean(g.persistPath))
}

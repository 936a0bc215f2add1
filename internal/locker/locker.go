// Package locker implements the optimistic-change lock tracker. While a
// model is locally modified but not yet confirmed remotely, a background
// refresh could fetch the pre-change server state and overwrite the
// optimistic edit; consumers of incoming server data must check IsLocked and
// defer to the locally-held version while a lock is outstanding.
package locker

import (
	"log/slog"
	stdsync "sync"

	"github.com/driftmail/driftmail/internal/model"
)

type key struct {
	kind model.Kind
	id   string
}

// Tracker keeps a reference count per (kind, id). A counter rather than a
// boolean: a single object may be targeted by more than one in-flight task,
// and it stays protected until all of them release it. Safe for concurrent
// use from interleaved task completions.
type Tracker struct {
	mu     stdsync.Mutex
	counts map[key]int
	logger *slog.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		counts: make(map[key]int),
		logger: logger,
	}
}

// Increment acquires one lock reference for (kind, id).
func (t *Tracker) Increment(kind model.Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind: kind, id: id}
	t.counts[k]++

	t.logger.Debug("lock acquired",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.Int("count", t.counts[k]),
	)
}

// Decrement releases one lock reference for (kind, id). Decrementing an
// unlocked object indicates an accounting bug in a task's lifecycle; it is
// logged and ignored rather than allowed to go negative.
func (t *Tracker) Decrement(kind model.Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind: kind, id: id}

	n, ok := t.counts[k]
	if !ok {
		t.logger.Warn("lock released below zero",
			slog.String("kind", string(kind)),
			slog.String("id", id),
		)

		return
	}

	if n <= 1 {
		delete(t.counts, k)
	} else {
		t.counts[k] = n - 1
	}

	t.logger.Debug("lock released",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.Int("count", n-1),
	)
}

// IsLocked reports whether (kind, id) has any outstanding lock reference.
func (t *Tracker) IsLocked(kind model.Kind, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[key{kind: kind, id: id}] > 0
}

// Count returns the current reference count for (kind, id).
func (t *Tracker) Count(kind model.Kind, id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[key{kind: kind, id: id}]
}

// Outstanding returns the total number of distinct locked objects.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.counts)
}

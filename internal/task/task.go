// Package task implements the offline-first mutation task engine: a change
// is applied optimistically to the local replica, locked against background
// refreshes, persisted, and confirmed remotely, with deterministic handling
// of success, permanent rejection (automatic revert), and transient failure
// (retry with captured state intact). Every mutation is reversible from the
// minimal pre-change field snapshot captured at apply time.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/driftmail/driftmail/internal/model"
	"github.com/driftmail/driftmail/internal/wire"
)

// Programmer errors. These are never retried; they indicate misuse of the
// engine by the caller.
var (
	ErrNoPolicy         = errors.New("task: no change policy")
	ErrIllegalUndoState = errors.New("task: undo task constructed without restore values")
	ErrNestedUndo       = errors.New("task: cannot create an undo of an undo task")
	ErrNotApplied       = errors.New("task: local apply has not run")
)

type lockKey struct {
	kind model.Kind
	id   string
}

// Task orchestrates one optimistic mutation: local apply (diff, lock,
// persist), remote dispatch (concurrent per-model fan-out, classification,
// unlock), and undo/revert. Local and remote phases are driven by an
// external scheduler; a task never re-queues itself.
//
// A task's phases run on one goroutine at a time; only the per-model remote
// requests within PerformRemote fan out internally.
type Task struct {
	id     string
	deps   Deps
	policy ChangePolicy

	// primary drives the remote object class when non-empty; its local
	// apply may populate secondary (thread changes cascade to messages),
	// never the reverse.
	primary   []model.Model
	secondary []model.Model

	// Bare ids used to rehydrate targets from the store at local-apply
	// time. Undo tasks are constructed this way so they revert current
	// versions rather than stale in-memory objects.
	primaryIDs   []string
	secondaryIDs []string

	// restoreValues maps model id to the pre-change field subset that was
	// overwritten. An entry exists iff the local apply actually changed
	// the model; first write wins across repeated passes.
	restoreValues map[string]model.Fields

	isUndo    bool
	reverting bool
	// revertIDs limits a permanent-failure revert to the rejected models.
	// nil means every model with a restore entry (the undo path).
	revertIDs map[string]bool
	// cascadeSource records the thread that pulled each cascaded message
	// into the secondary sequence. A revert of that thread reverts its
	// cascaded messages with it.
	cascadeSource map[string]string

	createdAt time.Time
	seq       uint64
	status    Status

	// mu guards status, restoreValues, lockCounts and remoteErr: remote
	// fan-out goroutines and concurrent status readers (queue snapshots)
	// touch them while a phase runs.
	mu         stdsync.Mutex
	lockCounts map[lockKey]int
	remoteErr  error
}

// New creates a task over explicit thread and message targets.
func New(deps Deps, pol ChangePolicy, threads, messages []model.Model) (*Task, error) {
	if pol == nil {
		return nil, ErrNoPolicy
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Task{
		id:            uuid.NewString(),
		deps:          deps,
		policy:        pol,
		primary:       threads,
		secondary:     messages,
		restoreValues: make(map[string]model.Fields),
		lockCounts:    make(map[lockKey]int),
		createdAt:     time.Now(),
		status:        StatusPending,
	}, nil
}

// NewForThread is the single-target convenience form of New.
func NewForThread(deps Deps, pol ChangePolicy, thread model.Model) (*Task, error) {
	return New(deps, pol, []model.Model{thread}, nil)
}

// NewForMessage creates a task driven by a single message (no thread targets).
func NewForMessage(deps Deps, pol ChangePolicy, message model.Model) (*Task, error) {
	return New(deps, pol, nil, []model.Model{message})
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Status returns the task's current lifecycle state. Safe to call while the
// task progresses on another goroutine.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// CreatedAt returns the task's creation time, the ordering key for the gate.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Seq returns the scheduler-assigned sequence number (creation-time tiebreak).
func (t *Task) Seq() uint64 { return t.seq }

// SetSeq assigns the scheduler's monotonic sequence number. Call before the
// task is visible to the ordering gate.
func (t *Task) SetSeq(seq uint64) { t.seq = seq }

// IsUndo reports whether this task reverses an earlier task.
func (t *Task) IsUndo() bool { return t.isUndo }

// Policy returns the task's change policy.
func (t *Task) Policy() ChangePolicy { return t.policy }

// RemoteErr returns the aggregated error from the most recent remote phase,
// or nil. Transient errors are informational: the authoritative outcome is
// the task status.
func (t *Task) RemoteErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remoteErr
}

// RestoreValues returns a value copy of the captured pre-change snapshots.
func (t *Task) RestoreValues() map[string]model.Fields {
	t.mu.Lock()
	defer t.mu.Unlock()

	return copyRestores(t.restoreValues)
}

// TargetIDs returns the ids of every object the task touches, across both
// sequences, including unhydrated id-only targets. Used by the ordering gate.
func (t *Task) TargetIDs() []string {
	ids := make([]string, 0, len(t.primary)+len(t.secondary)+len(t.primaryIDs)+len(t.secondaryIDs))
	ids = append(ids, model.IDs(t.primary)...)
	ids = append(ids, model.IDs(t.secondary)...)

	if len(t.primary) == 0 {
		ids = append(ids, t.primaryIDs...)
	}

	if len(t.secondary) == 0 {
		ids = append(ids, t.secondaryIDs...)
	}

	return ids
}

// applyChanges runs the diff/apply algorithm over seq, replacing changed
// entries in place (index-preserving) and returning the changed subsequence.
//
// Forward: each model's policy delta is compared field-wise against its
// current values; unchanged models are skipped entirely (no restore entry,
// no later remote call). Changed models get their prior field subset
// captured into restoreValues before replacement; the first captured value
// per id wins, preserving the oldest-known prior state.
//
// Backward (undo or revert): models with a restore entry are replaced by
// their restored version; everything else is left untouched.
//
// A model supplied twice is processed twice: the last write wins in the
// live sequence while restoreValues keeps the first captured original.
func (t *Task) applyChanges(seq []model.Model) ([]model.Model, error) {
	backward := t.isUndo || t.reverting

	var changed []model.Model

	for i, m := range seq {
		id := m.ModelID()

		if backward {
			if t.reverting && t.revertIDs != nil && !t.revertIDs[id] {
				continue
			}

			t.mu.Lock()
			restore, ok := t.restoreValues[id]
			t.mu.Unlock()

			if !ok {
				continue
			}

			next, err := m.WithFields(restore.Clone())
			if err != nil {
				return nil, fmt.Errorf("task: restoring %s %s: %w", m.ModelKind(), id, err)
			}

			seq[i] = next
			changed = append(changed, next)

			continue
		}

		delta := t.policy.LocalChanges(m)
		if len(delta) == 0 {
			continue
		}

		current := m.MutableFields().Pick(delta.Keys())
		if current.Equal(delta) {
			continue
		}

		t.mu.Lock()
		if _, exists := t.restoreValues[id]; !exists {
			t.restoreValues[id] = current.Clone()
		}
		t.mu.Unlock()

		next, err := m.WithFields(delta)
		if err != nil {
			return nil, fmt.Errorf("task: applying delta to %s %s: %w", m.ModelKind(), id, err)
		}

		seq[i] = next
		changed = append(changed, next)
	}

	return changed, nil
}

// PerformLocal applies the task's change to the local replica: acquire
// locks, diff and persist the primary sequence, cascade to messages of
// changed threads, then diff and persist the secondary sequence. Any
// failure is fatal to the task; nothing beyond already-committed persistence
// survives it.
func (t *Task) PerformLocal(ctx context.Context) error {
	if t.policy == nil {
		return ErrNoPolicy
	}

	if t.isUndo && t.restoreValues == nil {
		return ErrIllegalUndoState
	}

	if err := t.hydrate(ctx); err != nil {
		return err
	}

	// Lock before any persistence so readers observe locked state before
	// a local write lands. A revert pass keeps the locks it already holds.
	if !t.reverting {
		for _, m := range t.primary {
			t.lock(m)
		}

		for _, m := range t.secondary {
			t.lock(m)
		}
	}

	changed, err := t.applyChanges(t.primary)
	if err != nil {
		return err
	}

	if err := t.deps.Store.Persist(ctx, changed); err != nil {
		return fmt.Errorf("task: persisting primary changes: %w", err)
	}

	if !t.reverting && !t.isUndo && len(changed) > 0 {
		if err := t.cascadeMessages(ctx, model.IDs(changed)); err != nil {
			return err
		}
	}

	secondaryChanged, err := t.applyChanges(t.secondary)
	if err != nil {
		return err
	}

	if err := t.deps.Store.Persist(ctx, secondaryChanged); err != nil {
		return fmt.Errorf("task: persisting secondary changes: %w", err)
	}

	if !t.reverting {
		t.setStatus(StatusLocalApplied)
	}

	t.deps.Logger.Debug("local apply complete",
		slog.String("task_id", t.id),
		slog.String("policy", t.policy.Name()),
		slog.Int("primary_changed", len(changed)),
		slog.Int("secondary_changed", len(secondaryChanged)),
		slog.Bool("reverting", t.reverting),
		slog.Bool("undo", t.isUndo),
	)

	return nil
}

// cascadeMessages merges every message referencing a changed thread into the
// secondary sequence (prepended, existing entries kept), locking the new
// arrivals. This lets a thread-level change apply default handling to its
// messages without the caller enumerating them.
func (t *Task) cascadeMessages(ctx context.Context, changedThreadIDs []string) error {
	fetched, err := t.deps.Store.MessagesForThreads(ctx, changedThreadIDs)
	if err != nil {
		return fmt.Errorf("task: loading cascade messages: %w", err)
	}

	if len(fetched) == 0 {
		return nil
	}

	existing := make(map[string]bool, len(t.secondary))
	for _, m := range t.secondary {
		existing[m.ModelID()] = true
	}

	var added []model.Model

	for _, m := range fetched {
		if existing[m.ModelID()] {
			continue
		}

		if msg, ok := m.(model.Message); ok {
			if t.cascadeSource == nil {
				t.cascadeSource = make(map[string]string)
			}

			t.cascadeSource[msg.ID] = msg.ThreadID
		}

		t.lock(m)
		added = append(added, m)
	}

	t.secondary = append(added, t.secondary...)

	return nil
}

// hydrate fetches current model versions for id-only targets. Undo tasks
// always take this path so the backward apply runs against fresh versions,
// not stale in-memory objects mutated since the original task.
func (t *Task) hydrate(ctx context.Context) error {
	if len(t.primary) == 0 && len(t.primaryIDs) > 0 {
		found, err := t.deps.Store.Find(ctx, model.KindThread, t.primaryIDs)
		if err != nil {
			return fmt.Errorf("task: hydrating threads: %w", err)
		}

		t.primary = found
	}

	if len(t.secondary) == 0 && len(t.secondaryIDs) > 0 {
		found, err := t.deps.Store.Find(ctx, model.KindMessage, t.secondaryIDs)
		if err != nil {
			return fmt.Errorf("task: hydrating messages: %w", err)
		}

		t.secondary = found
	}

	return nil
}

// PerformRemote confirms the local change with the server: one concurrent
// request per driving model that was actually changed, lock release at each
// request's settlement, and a task-level outcome:
//
//   - every request succeeded → Finished
//   - any permanent rejection → the rejected models are reverted locally,
//     remaining locks released, Finished (net no-op for those models)
//   - otherwise any transient failure → Retry, with locks and restore
//     values intact so the scheduler can re-attempt the same diff
//
// May be called again after a Retry outcome.
func (t *Task) PerformRemote(ctx context.Context) error {
	if s := t.Status(); s != StatusLocalApplied && s != StatusRetry {
		return ErrNotApplied
	}

	t.setStatus(StatusRemoteInFlight)

	driver := t.primary
	if len(driver) == 0 {
		driver = t.secondary
	}

	var (
		failures  []error
		permanent = make(map[string]bool)
		transient bool
	)

	// The group is a join barrier: request goroutines record their outcome
	// under t.mu and always return nil, so every model settles even after
	// the first failure.
	g := new(errgroup.Group)
	dispatched := make(map[string]bool, len(driver))

	for _, m := range driver {
		m := m

		id := m.ModelID()
		if dispatched[id] {
			continue
		}

		dispatched[id] = true

		t.mu.Lock()
		_, hasRestore := t.restoreValues[id]
		t.mu.Unlock()

		if !hasRestore {
			// Never changed locally, nothing to confirm: resolve as an
			// immediate no-op and release the lock taken at apply time.
			t.releaseLock(m.ModelKind(), id)
			continue
		}

		g.Go(func() error {
			err := t.sendUpdate(ctx, m)

			t.mu.Lock()
			defer t.mu.Unlock()

			switch {
			case err == nil:
				t.releaseLockLocked(m.ModelKind(), id)
			case wire.IsPermanent(err):
				// The server has rejected this version for good; the lock
				// window ends here, the revert below restores local state.
				t.releaseLockLocked(m.ModelKind(), id)

				permanent[id] = true
				failures = append(failures, err)
			default:
				// Transient: the optimistic edit is still unconfirmed, so
				// the lock must survive for the retry.
				transient = true
				failures = append(failures, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	t.mu.Lock()
	t.remoteErr = multierr.Combine(failures...)
	t.mu.Unlock()

	if len(permanent) > 0 {
		return t.revertPermanent(ctx, permanent)
	}

	if transient {
		t.setStatus(StatusRetry)

		t.deps.Logger.Debug("remote phase transiently failed",
			slog.String("task_id", t.id),
			slog.Int("failures", len(failures)),
		)

		return nil
	}

	t.finish()

	return nil
}

// sendUpdate issues the per-model update request.
func (t *Task) sendUpdate(ctx context.Context, m model.Model) error {
	_, err := t.deps.Remote.Request(ctx, wire.Spec{
		Method: http.MethodPut,
		Path:   wire.UpdatePath(m.Namespace(), m.ModelKind(), m.ModelID()),
		Body:   t.policy.RequestBody(m),
	})

	return err
}

// revertPermanent rolls the permanently-rejected models back to their
// captured pre-task values and finishes the task. Models whose requests
// succeeded keep their applied change.
func (t *Task) revertPermanent(ctx context.Context, rejected map[string]bool) error {
	// A rejected thread drags its cascaded messages back with it: their
	// forward change was made on the thread's behalf, so leaving them
	// applied would be local residue diverging from the server.
	reverted := make(map[string]bool, len(rejected))
	for id := range rejected {
		reverted[id] = true
	}

	for msgID, threadID := range t.cascadeSource {
		if rejected[threadID] {
			reverted[msgID] = true
		}
	}

	t.reverting = true
	t.revertIDs = reverted

	err := t.PerformLocal(ctx)

	t.reverting = false
	t.revertIDs = nil

	if err != nil {
		return fmt.Errorf("task: reverting after permanent rejection: %w", err)
	}

	// The reverted models are back at their pre-task state; an undo of
	// this task must not touch them again.
	t.mu.Lock()
	for id := range reverted {
		delete(t.restoreValues, id)
	}
	t.mu.Unlock()

	t.deps.Logger.Info("task reverted after permanent rejection",
		slog.String("task_id", t.id),
		slog.String("policy", t.policy.Name()),
		slog.Int("reverted", len(reverted)),
	)

	t.finish()

	return nil
}

// Abandon releases every lock the task still holds and marks it finished.
// The scheduler calls this when it gives up retrying a transiently-failing
// task, keeping the lock balance invariant intact.
func (t *Task) Abandon() {
	t.finish()

	t.deps.Logger.Warn("task abandoned",
		slog.String("task_id", t.id),
		slog.String("policy", t.policy.Name()),
	)
}

// finish releases any remaining locks (non-driving models, duplicates) and
// marks the task terminal.
func (t *Task) finish() {
	t.mu.Lock()

	for k, n := range t.lockCounts {
		for i := 0; i < n; i++ {
			t.deps.Locker.Decrement(k.kind, k.id)
		}

		delete(t.lockCounts, k)
	}

	t.status = StatusFinished

	t.mu.Unlock()
}

// CanBeUndone reports whether an undo task can be created: the task has
// completed a forward local apply and is not itself an undo.
func (t *Task) CanBeUndone() bool {
	return !t.isUndo && t.Status() != StatusPending
}

// CreateUndoTask constructs a fresh sibling task that reverses this task's
// change. The undo is seeded with a value copy of the restore values and
// id-only targets; it never mutates or references this task's live models.
func (t *Task) CreateUndoTask() (*Task, error) {
	if t.isUndo {
		return nil, ErrNestedUndo
	}

	if t.Status() == StatusPending {
		return nil, ErrNotApplied
	}

	return &Task{
		id:            uuid.NewString(),
		deps:          t.deps,
		policy:        t.policy,
		primaryIDs:    model.IDs(t.primary),
		secondaryIDs:  model.IDs(t.secondary),
		restoreValues: t.RestoreValues(),
		lockCounts:    make(map[lockKey]int),
		isUndo:        true,
		createdAt:     time.Now(),
		status:        StatusPending,
	}, nil
}

// lock acquires one lock reference for m and records it for later release.
func (t *Task) lock(m model.Model) {
	t.deps.Locker.Increment(m.ModelKind(), m.ModelID())

	t.mu.Lock()
	t.lockCounts[lockKey{kind: m.ModelKind(), id: m.ModelID()}]++
	t.mu.Unlock()
}

// releaseLock releases one of the task's lock references for (kind, id).
func (t *Task) releaseLock(kind model.Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.releaseLockLocked(kind, id)
}

// releaseLockLocked is releaseLock with t.mu already held.
func (t *Task) releaseLockLocked(kind model.Kind, id string) {
	k := lockKey{kind: kind, id: id}

	n, ok := t.lockCounts[k]
	if !ok {
		return
	}

	t.deps.Locker.Decrement(kind, id)

	if n <= 1 {
		delete(t.lockCounts, k)
	} else {
		t.lockCounts[k] = n - 1
	}
}

func copyRestores(src map[string]model.Fields) map[string]model.Fields {
	if src == nil {
		return nil
	}

	out := make(map[string]model.Fields, len(src))
	for id, f := range src {
		out[id] = f.Clone()
	}

	return out
}

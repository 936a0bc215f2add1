package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/internal/model"
)

// Snapshot is the persistable form of a task, used by the queue ledger for
// crash recovery. Targets are stored as bare ids: a recovered task re-fetches
// current model versions from the store, exactly like an undo task.
type Snapshot struct {
	ID            string                  `json:"id"`
	Policy        string                  `json:"policy"`
	ThreadIDs     []string                `json:"thread_ids"`
	MessageIDs    []string                `json:"message_ids"`
	RestoreValues map[string]model.Fields `json:"restore_values"`
	IsUndo        bool                    `json:"is_undo"`
	CreatedAt     time.Time               `json:"created_at"`
	Seq           uint64                  `json:"seq"`
	Status        Status                  `json:"-"`
}

// Snapshot captures the task's persistable state. Safe to call while the
// task's remote phase runs on another goroutine.
func (t *Task) Snapshot() Snapshot {
	threadIDs := model.IDs(t.primary)
	if len(threadIDs) == 0 {
		threadIDs = t.primaryIDs
	}

	messageIDs := model.IDs(t.secondary)
	if len(messageIDs) == 0 {
		messageIDs = t.secondaryIDs
	}

	t.mu.Lock()
	restores := copyRestores(t.restoreValues)
	status := t.status
	t.mu.Unlock()

	return Snapshot{
		ID:            t.id,
		Policy:        t.policy.Name(),
		ThreadIDs:     threadIDs,
		MessageIDs:    messageIDs,
		RestoreValues: restores,
		IsUndo:        t.isUndo,
		CreatedAt:     t.createdAt,
		Seq:           t.seq,
		Status:        status,
	}
}

// FromSnapshot reconstructs a task from its persisted state. The policy is
// resolved by the caller (the queue keeps a policy registry). Lock state is
// not part of the snapshot: the tracker is process-local, so the recovering
// scheduler re-acquires locks for tasks it resumes.
func FromSnapshot(deps Deps, pol ChangePolicy, snap Snapshot) (*Task, error) {
	if pol == nil {
		return nil, ErrNoPolicy
	}

	id := snap.ID
	if id == "" {
		id = uuid.NewString()
	}

	restores := snap.RestoreValues
	if restores == nil && !snap.IsUndo {
		restores = make(map[string]model.Fields)
	}

	return &Task{
		id:            id,
		deps:          deps,
		policy:        pol,
		primaryIDs:    snap.ThreadIDs,
		secondaryIDs:  snap.MessageIDs,
		restoreValues: restores,
		lockCounts:    make(map[lockKey]int),
		isUndo:        snap.IsUndo,
		createdAt:     snap.CreatedAt,
		seq:           snap.Seq,
		status:        snap.Status,
	}, nil
}

// RelockTargets re-acquires one lock per target for a task recovered from
// the ledger in the local-applied or retry state. The original process's
// lock references died with it; the resumed remote phase still requires the
// models to be protected.
func (t *Task) RelockTargets(ctx context.Context) error {
	if err := t.hydrate(ctx); err != nil {
		return err
	}

	for _, m := range t.primary {
		t.lock(m)
	}

	for _, m := range t.secondary {
		t.lock(m)
	}

	return nil
}

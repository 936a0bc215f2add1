// Package queue schedules mutation tasks: it runs each task's local phase
// synchronously (so optimistic edits appear instantly), then drives remote
// phases concurrently, serializing tasks that touch overlapping objects in
// creation order, retrying transient failures with exponential backoff, and
// keeping an undo stack. Tasks are persisted in a ledger so an interrupted
// queue resumes where it left off.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	stdsync "sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/driftmail/driftmail/internal/policy"
	"github.com/driftmail/driftmail/internal/task"
)

// ErrNothingToUndo is returned by Undo when the undo stack is empty.
var ErrNothingToUndo = errors.New("queue: nothing to undo")

// Config tunes the retry behavior of the remote phase.
type Config struct {
	// MaxAttempts bounds total remote attempts per task, first try
	// included; after that the task is abandoned and its locks released.
	MaxAttempts uint64
	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

// DefaultConfig returns the standard retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// entry pairs a task with its completion signal for the ordering gate.
type entry struct {
	task      *task.Task
	done      chan struct{}
	closeOnce stdsync.Once
}

func (en *entry) settle() {
	en.closeOnce.Do(func() { close(en.done) })
}

// Queue is the single local task stream. Enqueue and Drain may be called
// from any goroutine; tasks themselves progress on the queue's goroutines.
type Queue struct {
	deps   task.Deps
	ledger *Ledger
	cfg    Config
	logger *slog.Logger

	mu        stdsync.Mutex
	entries   []*entry
	undoStack []*task.Task
	seq       uint64
}

// New creates a Queue. The ledger must share the store's database.
func New(deps task.Deps, ledger *Ledger, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		deps:   deps,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue records the task and runs its local phase immediately, making the
// optimistic edit durable and visible before returning. The remote phase
// runs later, under Drain.
func (q *Queue) Enqueue(ctx context.Context, tk *task.Task) error {
	q.mu.Lock()
	q.seq++
	tk.SetSeq(q.seq)

	en := &entry{task: tk, done: make(chan struct{})}
	q.entries = append(q.entries, en)
	q.mu.Unlock()

	params, err := policy.Params(tk.Policy())
	if err != nil {
		en.settle()
		return err
	}

	if err := q.ledger.Insert(ctx, tk.Snapshot(), params); err != nil {
		en.settle()
		return err
	}

	if err := tk.PerformLocal(ctx); err != nil {
		_ = q.ledger.MarkFinished(ctx, tk.ID(), err.Error())
		en.settle()

		return fmt.Errorf("queue: local apply for task %s: %w", tk.ID(), err)
	}

	if err := q.ledger.MarkApplied(ctx, tk.ID(), tk.RestoreValues()); err != nil {
		return err
	}

	q.logger.Info("task enqueued",
		slog.String("task_id", tk.ID()),
		slog.String("policy", tk.Policy().Name()),
		slog.Uint64("seq", tk.Seq()),
	)

	return nil
}

// Drain runs the remote phase of every applied or retryable task, fanning
// out across tasks while the ordering gate serializes overlapping ones.
// It returns once every task has settled; the first task failure is
// returned after all tasks finish.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	entries := slices.Clone(q.entries)
	q.mu.Unlock()

	g := new(errgroup.Group)

	for _, en := range entries {
		en := en

		status := en.task.Status()
		if status != task.StatusLocalApplied && status != task.StatusRetry {
			continue
		}

		g.Go(func() error {
			return q.process(ctx, en)
		})
	}

	return g.Wait()
}

// process runs one task's remote phase to a terminal outcome: waits its
// turn at the ordering gate, then attempts PerformRemote under backoff
// until the task finishes, a programmer/infrastructure error surfaces, or
// the attempt budget is exhausted (abandonment).
func (q *Queue) process(ctx context.Context, en *entry) error {
	defer en.settle()

	if err := q.awaitTurn(ctx, en); err != nil {
		return err
	}

	id := en.task.ID()

	if err := q.ledger.MarkInFlight(ctx, id); err != nil {
		return err
	}

	// WithMaxRetries counts retries after the first attempt.
	maxRetries := q.cfg.MaxAttempts
	if maxRetries > 0 {
		maxRetries--
	}

	backoff := retry.WithMaxRetries(maxRetries,
		retry.WithCappedDuration(q.cfg.MaxBackoff,
			retry.NewExponential(q.cfg.InitialBackoff)))

	attempts := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		if err := en.task.PerformRemote(ctx); err != nil {
			return err
		}

		if en.task.Status() == task.StatusRetry {
			remoteErr := en.task.RemoteErr()
			_ = q.ledger.MarkRetry(ctx, id, attempts, errText(remoteErr))

			q.logger.Warn("task remote attempt failed transiently",
				slog.String("task_id", id),
				slog.Int("attempt", attempts),
				slog.String("error", errText(remoteErr)),
			)

			return retry.RetryableError(remoteErr)
		}

		return nil
	})
	if err != nil {
		// Cancellation is not a task outcome: leave the ledger row in the
		// retry state so the next session recovers the task.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if en.task.Status() == task.StatusRetry {
			// Attempt budget exhausted: abandon, releasing the locks the
			// retries were preserving.
			en.task.Abandon()
			_ = q.ledger.MarkFinished(ctx, id, fmt.Sprintf("abandoned after %d attempts: %v", attempts, err))

			return fmt.Errorf("queue: task %s abandoned after %d attempts: %w", id, attempts, err)
		}

		_ = q.ledger.MarkFinished(ctx, id, err.Error())

		return fmt.Errorf("queue: task %s: %w", id, err)
	}

	_ = q.ledger.MarkFinished(ctx, id, errText(en.task.RemoteErr()))

	if en.task.CanBeUndone() {
		q.mu.Lock()
		q.undoStack = append(q.undoStack, en.task)
		q.mu.Unlock()
	}

	q.logger.Info("task finished",
		slog.String("task_id", id),
		slog.Int("attempts", attempts),
	)

	return nil
}

// awaitTurn blocks until every older task with overlapping targets has
// settled. Finished entries have closed done channels, so waiting on them
// is free.
func (q *Queue) awaitTurn(ctx context.Context, en *entry) error {
	q.mu.Lock()

	var waits []*entry

	for _, other := range q.entries {
		if other == en {
			continue
		}

		if en.task.WaitsOn(other.task) {
			waits = append(waits, other)
		}
	}

	q.mu.Unlock()

	for _, other := range waits {
		select {
		case <-other.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Undo pops the most recent undoable task, enqueues a fresh undo task for
// it, and returns the undo. Call Drain afterwards to confirm it remotely.
func (q *Queue) Undo(ctx context.Context) (*task.Task, error) {
	q.mu.Lock()

	if len(q.undoStack) == 0 {
		q.mu.Unlock()
		return nil, ErrNothingToUndo
	}

	src := q.undoStack[len(q.undoStack)-1]
	q.undoStack = q.undoStack[:len(q.undoStack)-1]
	q.mu.Unlock()

	undo, err := src.CreateUndoTask()
	if err != nil {
		return nil, err
	}

	if err := q.Enqueue(ctx, undo); err != nil {
		return nil, err
	}

	return undo, nil
}

// Recover reloads unfinished tasks from the ledger after a restart and
// re-acquires their locks (the tracker is process-local and died with the
// previous process). Tasks interrupted mid-flight are downgraded to retry:
// their outcome is unknown, and re-sending the same diff is idempotent on
// the server's copy. Returns the number of recovered tasks.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	rows, err := q.ledger.LoadUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	maxSeq, err := q.ledger.MaxSeq(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	if maxSeq > q.seq {
		q.seq = maxSeq
	}
	q.mu.Unlock()

	recovered := 0

	for _, row := range rows {
		tk, recErr := q.recoverOne(ctx, row)
		if recErr != nil {
			q.logger.Warn("dropping unrecoverable task",
				slog.String("task_id", row.ID),
				slog.String("error", recErr.Error()),
			)

			_ = q.ledger.MarkFinished(ctx, row.ID, recErr.Error())

			continue
		}

		q.mu.Lock()
		q.entries = append(q.entries, &entry{task: tk, done: make(chan struct{})})
		q.mu.Unlock()

		recovered++
	}

	if recovered > 0 {
		q.logger.Info("recovered tasks from ledger", slog.Int("count", recovered))
	}

	return recovered, nil
}

func (q *Queue) recoverOne(ctx context.Context, row Row) (*task.Task, error) {
	pol, err := policy.FromName(row.Policy, row.Params)
	if err != nil {
		return nil, err
	}

	status := row.Status
	if status == task.StatusRemoteInFlight {
		status = task.StatusRetry

		if err := q.ledger.MarkRetry(ctx, row.ID, row.Attempts, row.ErrorMsg); err != nil {
			return nil, err
		}
	}

	snap := task.Snapshot{
		ID:            row.ID,
		Policy:        row.Policy,
		ThreadIDs:     row.ThreadIDs,
		MessageIDs:    row.MessageIDs,
		RestoreValues: row.RestoreValues,
		IsUndo:        row.IsUndo,
		CreatedAt:     row.CreatedAt,
		Seq:           row.Seq,
		Status:        status,
	}

	tk, err := task.FromSnapshot(q.deps, pol, snap)
	if err != nil {
		return nil, err
	}

	switch status {
	case task.StatusPending:
		// The local phase never ran; run it now.
		if err := tk.PerformLocal(ctx); err != nil {
			return nil, err
		}

		if err := q.ledger.MarkApplied(ctx, row.ID, tk.RestoreValues()); err != nil {
			return nil, err
		}
	case task.StatusLocalApplied, task.StatusRetry:
		if err := tk.RelockTargets(ctx); err != nil {
			return nil, err
		}
	default:
	}

	return tk, nil
}

// Pending returns snapshots of every unsettled task, newest last.
func (q *Queue) Pending() []task.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []task.Snapshot

	for _, en := range q.entries {
		if en.task.Status() == task.StatusFinished {
			continue
		}

		out = append(out, en.task.Snapshot())
	}

	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

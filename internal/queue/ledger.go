package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmail/driftmail/internal/model"
	"github.com/driftmail/driftmail/internal/task"
)

// Ledger persists task records in the task_queue table, sharing the replica
// database. It makes the queue crash-recoverable: a task whose process died
// between local apply and remote confirmation is reloaded and resumed with
// its captured restore values intact.
//
// Status transitions are enforced via RowsAffected: a transition from the
// wrong state is an error, surfacing lifecycle bugs instead of masking them.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger creates a Ledger on the given database connection.
func NewLedger(db *sql.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{db: db, logger: logger}
}

// Row is one persisted task record.
type Row struct {
	ID            string
	Policy        string
	Params        json.RawMessage
	ThreadIDs     []string
	MessageIDs    []string
	RestoreValues map[string]model.Fields
	IsUndo        bool
	Status        task.Status
	Attempts      int
	ErrorMsg      string
	CreatedAt     time.Time
	Seq           uint64
}

// Insert writes a new task record in the pending state.
func (l *Ledger) Insert(ctx context.Context, snap task.Snapshot, params json.RawMessage) error {
	threadIDs, err := json.Marshal(snap.ThreadIDs)
	if err != nil {
		return fmt.Errorf("queue: encoding thread ids: %w", err)
	}

	messageIDs, err := json.Marshal(snap.MessageIDs)
	if err != nil {
		return fmt.Errorf("queue: encoding message ids: %w", err)
	}

	// Undo tasks carry their restore values from birth; they must survive a
	// crash before the local apply lands.
	restoreValues := snap.RestoreValues
	if restoreValues == nil {
		restoreValues = map[string]model.Fields{}
	}

	restores, err := json.Marshal(restoreValues)
	if err != nil {
		return fmt.Errorf("queue: encoding restore values: %w", err)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO task_queue
			(id, policy, params, thread_ids, message_ids, restore_values, is_undo, status, attempts, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		snap.ID, snap.Policy, string(params), string(threadIDs), string(messageIDs),
		string(restores), boolToInt(snap.IsUndo), task.StatusPending.String(), snap.CreatedAt.UnixNano(), snap.Seq)
	if err != nil {
		return fmt.Errorf("queue: inserting task %s: %w", snap.ID, err)
	}

	l.logger.Debug("task recorded",
		slog.String("task_id", snap.ID),
		slog.String("policy", snap.Policy),
	)

	return nil
}

// MarkApplied transitions a task from pending to local_applied, storing the
// restore values captured during the apply.
func (l *Ledger) MarkApplied(ctx context.Context, id string, restores map[string]model.Fields) error {
	encoded, err := json.Marshal(restores)
	if err != nil {
		return fmt.Errorf("queue: encoding restore values: %w", err)
	}

	result, err := l.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, restore_values = ?
		 WHERE id = ? AND status = ?`,
		task.StatusLocalApplied.String(), string(encoded), id, task.StatusPending.String())
	if err != nil {
		return fmt.Errorf("queue: marking task %s applied: %w", id, err)
	}

	return requireTransition(result, id, "applied")
}

// MarkInFlight transitions a task into the remote phase from local_applied
// or retry.
func (l *Ledger) MarkInFlight(ctx context.Context, id string) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?
		 WHERE id = ? AND status IN (?, ?)`,
		task.StatusRemoteInFlight.String(), id,
		task.StatusLocalApplied.String(), task.StatusRetry.String())
	if err != nil {
		return fmt.Errorf("queue: marking task %s in flight: %w", id, err)
	}

	return requireTransition(result, id, "in flight")
}

// MarkRetry records a transient failure: attempt count and error message,
// status back to retry.
func (l *Ledger) MarkRetry(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, attempts = ?, error_msg = ? WHERE id = ?`,
		task.StatusRetry.String(), attempts, errMsg, id)
	if err != nil {
		return fmt.Errorf("queue: marking task %s for retry: %w", id, err)
	}

	return nil
}

// MarkFinished transitions a task to finished from any state, recording the
// final error message ("" for success).
func (l *Ledger) MarkFinished(ctx context.Context, id string, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, error_msg = ? WHERE id = ?`,
		task.StatusFinished.String(), errMsg, id)
	if err != nil {
		return fmt.Errorf("queue: marking task %s finished: %w", id, err)
	}

	return nil
}

// LoadUnfinished returns every non-finished task record ordered by seq, for
// crash recovery at startup.
func (l *Ledger) LoadUnfinished(ctx context.Context) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, policy, params, thread_ids, message_ids, restore_values,
			is_undo, status, attempts, error_msg, created_at, seq
		 FROM task_queue WHERE status != ? ORDER BY seq`,
		task.StatusFinished.String())
	if err != nil {
		return nil, fmt.Errorf("queue: loading unfinished tasks: %w", err)
	}
	defer rows.Close()

	var result []Row

	for rows.Next() {
		r, scanErr := scanRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterating task rows: %w", err)
	}

	return result, nil
}

// MaxSeq returns the highest sequence number ever assigned, or 0.
func (l *Ledger) MaxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64

	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_queue`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("queue: reading max seq: %w", err)
	}

	if !seq.Valid {
		return 0, nil
	}

	return uint64(seq.Int64), nil
}

func scanRow(rows *sql.Rows) (*Row, error) {
	var (
		r          Row
		params     string
		threadIDs  string
		messageIDs string
		restores   string
		isUndo     int
		status     string
		createdAt  int64
	)

	err := rows.Scan(&r.ID, &r.Policy, &params, &threadIDs, &messageIDs, &restores,
		&isUndo, &status, &r.Attempts, &r.ErrorMsg, &createdAt, &r.Seq)
	if err != nil {
		return nil, fmt.Errorf("queue: scanning task row: %w", err)
	}

	r.Params = json.RawMessage(params)
	r.IsUndo = isUndo != 0
	r.CreatedAt = time.Unix(0, createdAt)

	r.Status, err = task.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(threadIDs), &r.ThreadIDs); err != nil {
		return nil, fmt.Errorf("queue: parsing thread ids for task %s: %w", r.ID, err)
	}

	if err := json.Unmarshal([]byte(messageIDs), &r.MessageIDs); err != nil {
		return nil, fmt.Errorf("queue: parsing message ids for task %s: %w", r.ID, err)
	}

	if err := json.Unmarshal([]byte(restores), &r.RestoreValues); err != nil {
		return nil, fmt.Errorf("queue: parsing restore values for task %s: %w", r.ID, err)
	}

	return &r, nil
}

func requireTransition(result sql.Result, id, desc string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: task %s rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("queue: task %s: invalid transition to %s", id, desc)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

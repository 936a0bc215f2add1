// Package store persists the local mail replica (threads, messages) and the
// task ledger in an embedded SQLite database. It is the durable side of an
// optimistic apply: once Persist returns, the locally-changed versions are
// the visible truth for every reader of the replica.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/driftmail/driftmail/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore is the production persistence layer. A single connection
// (SetMaxOpenConns(1)) keeps SQLite a sole-writer database and sidesteps
// SQLITE_BUSY under concurrent task completions.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a SQLiteStore at dbPath, applying migrations.
// Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("replica database ready", slog.String("path", dbPath))

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying connection for the task ledger, which shares
// this database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const (
	sqlUpsertThread = `INSERT INTO threads
		(id, namespace_id, subject, unread, starred, labels, folder, last_message_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace_id    = excluded.namespace_id,
			subject         = excluded.subject,
			unread          = excluded.unread,
			starred         = excluded.starred,
			labels          = excluded.labels,
			folder          = excluded.folder,
			last_message_at = excluded.last_message_at,
			version         = excluded.version`

	sqlUpsertMessage = `INSERT INTO messages
		(id, namespace_id, thread_id, unread, starred, labels, folder, date, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace_id = excluded.namespace_id,
			thread_id    = excluded.thread_id,
			unread       = excluded.unread,
			starred      = excluded.starred,
			labels       = excluded.labels,
			folder       = excluded.folder,
			date         = excluded.date,
			version      = excluded.version`

	sqlThreadColumns  = `id, namespace_id, subject, unread, starred, labels, folder, last_message_at, version`
	sqlMessageColumns = `id, namespace_id, thread_id, unread, starred, labels, folder, date, version`
)

// Persist upserts all models in a single transaction. Mixed kinds are
// allowed; each model is routed to its table.
func (s *SQLiteStore) Persist(ctx context.Context, models []model.Model) error {
	if len(models) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin persist: %w", err)
	}
	defer tx.Rollback()

	for _, m := range models {
		if err := persistOne(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit persist: %w", err)
	}

	s.logger.Debug("models persisted", slog.Int("count", len(models)))

	return nil
}

func persistOne(ctx context.Context, tx *sql.Tx, m model.Model) error {
	switch v := m.(type) {
	case model.Thread:
		labels, err := encodeLabels(v.Labels)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, sqlUpsertThread,
			v.ID, v.NamespaceID, v.Subject, boolToInt(v.Unread), boolToInt(v.Starred),
			labels, v.Folder, v.LastMessageAt.UnixNano(), v.Version)
		if err != nil {
			return fmt.Errorf("store: upsert thread %s: %w", v.ID, err)
		}

		return nil
	case model.Message:
		labels, err := encodeLabels(v.Labels)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, sqlUpsertMessage,
			v.ID, v.NamespaceID, v.ThreadID, boolToInt(v.Unread), boolToInt(v.Starred),
			labels, v.Folder, v.Date.UnixNano(), v.Version)
		if err != nil {
			return fmt.Errorf("store: upsert message %s: %w", v.ID, err)
		}

		return nil
	default:
		return fmt.Errorf("store: cannot persist model kind %q", m.ModelKind())
	}
}

// Find returns the models of the given kind with the given ids, in id-list
// order. Missing ids are skipped, not an error: a caller rehydrating an undo
// task must tolerate records deleted since the original apply.
func (s *SQLiteStore) Find(ctx context.Context, kind model.Kind, ids []string) ([]model.Model, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var query string

	switch kind {
	case model.KindThread:
		query = `SELECT ` + sqlThreadColumns + ` FROM threads WHERE id IN (` + placeholders(len(ids)) + `)`
	case model.KindMessage:
		query = `SELECT ` + sqlMessageColumns + ` FROM messages WHERE id IN (` + placeholders(len(ids)) + `)`
	default:
		return nil, fmt.Errorf("store: unknown kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, query, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", kind, err)
	}
	defer rows.Close()

	byID := make(map[string]model.Model, len(ids))

	for rows.Next() {
		m, scanErr := scanModel(kind, rows)
		if scanErr != nil {
			return nil, scanErr
		}

		byID[m.ModelID()] = m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s rows: %w", kind, err)
	}

	// Preserve the caller's id order; drop duplicates and misses.
	out := make([]model.Model, 0, len(ids))
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		if m, ok := byID[id]; ok && !seen[id] {
			out = append(out, m)
			seen[id] = true
		}
	}

	return out, nil
}

// Thread returns a single thread by id.
func (s *SQLiteStore) Thread(ctx context.Context, id string) (model.Thread, error) {
	found, err := s.Find(ctx, model.KindThread, []string{id})
	if err != nil {
		return model.Thread{}, err
	}

	if len(found) == 0 {
		return model.Thread{}, fmt.Errorf("store: thread %s: %w", id, ErrNotFound)
	}

	return found[0].(model.Thread), nil
}

// Message returns a single message by id.
func (s *SQLiteStore) Message(ctx context.Context, id string) (model.Message, error) {
	found, err := s.Find(ctx, model.KindMessage, []string{id})
	if err != nil {
		return model.Message{}, err
	}

	if len(found) == 0 {
		return model.Message{}, fmt.Errorf("store: message %s: %w", id, ErrNotFound)
	}

	return found[0].(model.Message), nil
}

// MessagesForThreads returns all messages whose thread_id references any of
// the given thread ids, ordered by date. This is the cascade query: a
// thread-level change pulls its messages into the task's secondary targets.
func (s *SQLiteStore) MessagesForThreads(ctx context.Context, threadIDs []string) ([]model.Model, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + sqlMessageColumns + ` FROM messages
		WHERE thread_id IN (` + placeholders(len(threadIDs)) + `) ORDER BY date, id`

	rows, err := s.db.QueryContext(ctx, query, anySlice(threadIDs)...)
	if err != nil {
		return nil, fmt.Errorf("store: messages for threads: %w", err)
	}
	defer rows.Close()

	var out []model.Model

	for rows.Next() {
		m, scanErr := scanModel(model.KindMessage, rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating cascade rows: %w", err)
	}

	return out, nil
}

// Delete removes a record from the replica. Deleting a thread also removes
// its messages. Deleting a missing record is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, kind model.Kind, id string) error {
	switch kind {
	case model.KindThread:
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin delete: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
			return fmt.Errorf("store: delete messages of thread %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete thread %s: %w", id, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit delete: %w", err)
		}

		return nil
	case model.KindMessage:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete message %s: %w", id, err)
		}

		return nil
	default:
		return fmt.Errorf("store: unknown kind %q", kind)
	}
}

// scanModel scans the current row into a Thread or Message value.
func scanModel(kind model.Kind, rows *sql.Rows) (model.Model, error) {
	switch kind {
	case model.KindThread:
		var (
			t              model.Thread
			unread, starred int
			labels         string
			lastMessageAt  int64
		)

		err := rows.Scan(&t.ID, &t.NamespaceID, &t.Subject, &unread, &starred,
			&labels, &t.Folder, &lastMessageAt, &t.Version)
		if err != nil {
			return nil, fmt.Errorf("store: scanning thread: %w", err)
		}

		t.Unread = unread != 0
		t.Starred = starred != 0
		t.LastMessageAt = time.Unix(0, lastMessageAt)

		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("store: parsing labels for thread %s: %w", t.ID, err)
		}

		return t, nil
	case model.KindMessage:
		var (
			m              model.Message
			unread, starred int
			labels         string
			date           int64
		)

		err := rows.Scan(&m.ID, &m.NamespaceID, &m.ThreadID, &unread, &starred,
			&labels, &m.Folder, &date, &m.Version)
		if err != nil {
			return nil, fmt.Errorf("store: scanning message: %w", err)
		}

		m.Unread = unread != 0
		m.Starred = starred != 0
		m.Date = time.Unix(0, date)

		if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
			return nil, fmt.Errorf("store: parsing labels for message %s: %w", m.ID, err)
		}

		return m, nil
	default:
		return nil, fmt.Errorf("store: unknown kind %q", kind)
	}
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}

	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("store: encoding labels: %w", err)
	}

	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}

	return out
}

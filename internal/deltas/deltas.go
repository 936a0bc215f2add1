// Package deltas consumes the server's change stream over a websocket and
// folds remote versions into the local replica. Objects with an outstanding
// optimistic change (a held lock) are skipped: the local edit remains the
// visible truth until its task settles, at which point the next delta event
// for the object lands normally.
package deltas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"github.com/driftmail/driftmail/internal/model"
)

// ErrUnknownKind indicates a delta event for an object class the replica
// does not track.
var ErrUnknownKind = errors.New("deltas: unknown object kind")

const (
	initialReconnectBackoff = 5 * time.Second
	maxReconnectBackoff     = 5 * time.Minute
	backoffMultiplier       = 2
)

// Event is one change notification from the stream. Object carries the full
// server-side record for upserts; Deleted events have no object.
type Event struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Object  json.RawMessage `json:"object,omitempty"`
}

// threadObject is the stream's wire shape for a thread.
type threadObject struct {
	ID            string    `json:"id"`
	NamespaceID   string    `json:"namespace_id"`
	Subject       string    `json:"subject"`
	Unread        bool      `json:"unread"`
	Starred       bool      `json:"starred"`
	Labels        []string  `json:"labels"`
	Folder        string    `json:"folder"`
	LastMessageAt time.Time `json:"last_message_at"`
	Version       int64     `json:"version"`
}

// messageObject is the stream's wire shape for a message.
type messageObject struct {
	ID          string    `json:"id"`
	NamespaceID string    `json:"namespace_id"`
	ThreadID    string    `json:"thread_id"`
	Unread      bool      `json:"unread"`
	Starred     bool      `json:"starred"`
	Labels      []string  `json:"labels"`
	Folder      string    `json:"folder"`
	Date        time.Time `json:"date"`
	Version     int64     `json:"version"`
}

// Store is the replica surface the consumer writes through.
type Store interface {
	Persist(ctx context.Context, models []model.Model) error
	Delete(ctx context.Context, kind model.Kind, id string) error
}

// LockChecker reports whether an object has an outstanding optimistic change.
type LockChecker interface {
	IsLocked(kind model.Kind, id string) bool
}

// Stats is a snapshot of consumer metrics.
type Stats struct {
	Applied    int64
	Skipped    int64
	Reconnects int64
}

// Consumer owns the websocket connection and the apply loop.
type Consumer struct {
	url       string
	token     oauth2.TokenSource
	store     Store
	locks     LockChecker
	logger    *slog.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error

	applied    atomic.Int64
	skipped    atomic.Int64
	reconnects atomic.Int64
}

// NewConsumer creates a delta-stream consumer. token may be nil for
// unauthenticated streams (tests).
func NewConsumer(url string, token oauth2.TokenSource, store Store, locks LockChecker, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		url:       url,
		token:     token,
		store:     store,
		locks:     locks,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Run connects and consumes events until the context is canceled, returning
// nil. Connection failures and dropped streams reconnect with exponential
// backoff; a stream that delivered at least one event resets the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialReconnectBackoff

	for {
		handled, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if handled > 0 {
			backoff = initialReconnectBackoff
		}

		c.reconnects.Add(1)
		c.logger.Warn("delta stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= backoffMultiplier
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// consume runs a single connection to exhaustion. Returns the number of
// events handled on this connection and the error that ended it.
func (c *Consumer) consume(ctx context.Context) (int, error) {
	opts := &websocket.DialOptions{}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return 0, fmt.Errorf("deltas: obtaining token: %w", err)
		}

		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + tok.AccessToken},
		}
	}

	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return 0, fmt.Errorf("deltas: dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()

	c.logger.Info("delta stream connected", slog.String("url", c.url))

	handled := 0

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return handled, err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("discarding malformed delta event", slog.String("error", err.Error()))
			continue
		}

		if err := c.Apply(ctx, ev); err != nil {
			if errors.Is(err, ErrUnknownKind) {
				c.logger.Warn("discarding delta event of unknown kind", slog.String("kind", ev.Kind))
				continue
			}

			return handled, err
		}

		handled++
	}
}

// Apply folds one event into the replica. Locked objects are left alone;
// the server's version loses to an in-flight optimistic change.
func (c *Consumer) Apply(ctx context.Context, ev Event) error {
	kind := model.Kind(ev.Kind)
	if kind != model.KindThread && kind != model.KindMessage {
		return fmt.Errorf("deltas: event for %q: %w", ev.Kind, ErrUnknownKind)
	}

	if c.locks.IsLocked(kind, ev.ID) {
		c.skipped.Add(1)
		c.logger.Debug("skipping delta for locked object",
			slog.String("kind", ev.Kind),
			slog.String("id", ev.ID),
		)

		return nil
	}

	if ev.Deleted {
		if err := c.store.Delete(ctx, kind, ev.ID); err != nil {
			return err
		}

		c.applied.Add(1)

		return nil
	}

	m, err := decodeObject(kind, ev.Object)
	if err != nil {
		return err
	}

	if err := c.store.Persist(ctx, []model.Model{m}); err != nil {
		return err
	}

	c.applied.Add(1)

	return nil
}

// Stats returns a snapshot of consumer metrics. Safe to call while Run is
// active.
func (c *Consumer) Stats() Stats {
	return Stats{
		Applied:    c.applied.Load(),
		Skipped:    c.skipped.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

func decodeObject(kind model.Kind, raw json.RawMessage) (model.Model, error) {
	switch kind {
	case model.KindThread:
		var o threadObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("deltas: decoding thread object: %w", err)
		}

		return model.Thread{
			ID:            o.ID,
			NamespaceID:   o.NamespaceID,
			Subject:       o.Subject,
			Unread:        o.Unread,
			Starred:       o.Starred,
			Labels:        o.Labels,
			Folder:        o.Folder,
			LastMessageAt: o.LastMessageAt,
			Version:       o.Version,
		}, nil
	case model.KindMessage:
		var o messageObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("deltas: decoding message object: %w", err)
		}

		return model.Message{
			ID:          o.ID,
			NamespaceID: o.NamespaceID,
			ThreadID:    o.ThreadID,
			Unread:      o.Unread,
			Starred:     o.Starred,
			Labels:      o.Labels,
			Folder:      o.Folder,
			Date:        o.Date,
			Version:     o.Version,
		}, nil
	default:
		return nil, fmt.Errorf("deltas: event for %q: %w", kind, ErrUnknownKind)
	}
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

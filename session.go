package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/driftmail/driftmail/internal/config"
	"github.com/driftmail/driftmail/internal/locker"
	"github.com/driftmail/driftmail/internal/queue"
	"github.com/driftmail/driftmail/internal/store"
	"github.com/driftmail/driftmail/internal/task"
	"github.com/driftmail/driftmail/internal/wire"
)

// httpClientTimeout bounds individual API requests so a hung connection
// cannot block a CLI command indefinitely.
const httpClientTimeout = 30 * time.Second

// Session wires the replica, lock tracker, API client, and task queue for
// one CLI invocation. Unfinished tasks from earlier invocations are
// recovered during construction.
type Session struct {
	Cfg     *config.Config
	Logger  *slog.Logger
	Store   *store.SQLiteStore
	Tracker *locker.Tracker
	Remote  *wire.Client
	Queue   *queue.Queue
}

func newSession(ctx context.Context) (*Session, error) {
	cfg := resolvedCfg
	logger := buildLogger()

	if cfg.API.AccessToken == "" {
		return nil, fmt.Errorf("no access token configured: set api.access_token or %s", config.EnvAccessToken)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	tracker := locker.NewTracker(logger)

	token := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.API.AccessToken})
	remote := wire.NewClient(cfg.API.BaseURL, &http.Client{Timeout: httpClientTimeout}, token, logger)

	deps := task.Deps{
		Store:  st,
		Locker: tracker,
		Remote: remote,
		Logger: logger,
	}

	ledger := queue.NewLedger(st.DB(), logger)
	q := queue.New(deps, ledger, queue.Config{
		MaxAttempts:    uint64(cfg.Queue.MaxAttempts),
		InitialBackoff: cfg.Queue.InitialBackoff.Std(),
		MaxBackoff:     cfg.Queue.MaxBackoff.Std(),
	}, logger)

	if _, err := q.Recover(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("recovering queued tasks: %w", err)
	}

	return &Session{
		Cfg:     cfg,
		Logger:  logger,
		Store:   st,
		Tracker: tracker,
		Remote:  remote,
		Queue:   q,
	}, nil
}

// Close releases the session's resources.
func (s *Session) Close() error {
	return s.Store.Close()
}

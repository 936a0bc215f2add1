package task

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/driftmail/driftmail/internal/model"
	"github.com/driftmail/driftmail/internal/wire"
)

// ChangePolicy is the business-rule capability a concrete mutation type
// implements: which fields to change locally, and what payload to send to
// the server. The engine is generic over this policy and calls nothing else.
type ChangePolicy interface {
	// Name identifies the policy for logging and ledger persistence.
	Name() string
	// LocalChanges returns the field-level delta to apply to m locally.
	// Returning the model's current values makes the task a no-op for m.
	LocalChanges(m model.Model) model.Fields
	// RequestBody returns the wire payload confirming m's change remotely.
	// Called after the local apply, so m is the post-change version.
	RequestBody(m model.Model) map[string]any
}

// Store is the persistence surface the engine needs. internal/store
// provides the production implementation.
type Store interface {
	Persist(ctx context.Context, models []model.Model) error
	Find(ctx context.Context, kind model.Kind, ids []string) ([]model.Model, error)
	MessagesForThreads(ctx context.Context, threadIDs []string) ([]model.Model, error)
}

// Locker is the optimistic-change lock tracker surface the engine needs.
// internal/locker provides the production implementation.
type Locker interface {
	Increment(kind model.Kind, id string)
	Decrement(kind model.Kind, id string)
}

// Requester issues one classified API request. internal/wire provides the
// production implementation.
type Requester interface {
	Request(ctx context.Context, spec wire.Spec) (json.RawMessage, error)
}

// Deps bundles the collaborators a task needs. The scheduler owns their
// lifetimes; tasks only borrow them.
type Deps struct {
	Store  Store
	Locker Locker
	Remote Requester
	Logger *slog.Logger
}

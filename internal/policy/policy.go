// Package policy provides the concrete mutation types: each policy decides
// which fields a task changes locally and what payload confirms the change
// remotely. The engine in internal/task is generic over the ChangePolicy
// interface; everything mail-rule-specific lives here.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/driftmail/driftmail/internal/model"
	"github.com/driftmail/driftmail/internal/task"
)

// Policy names, used for ledger persistence and CLI selection.
const (
	NameUnread  = "unread"
	NameStarred = "starred"
	NameLabels  = "labels"
	NameFolder  = "folder"
)

// FromName reconstructs a policy from its persisted name and parameters.
// The queue ledger uses this to rebuild tasks during crash recovery.
func FromName(name string, params json.RawMessage) (task.ChangePolicy, error) {
	var pol task.ChangePolicy

	switch name {
	case NameUnread:
		pol = &Unread{}
	case NameStarred:
		pol = &Starred{}
	case NameLabels:
		pol = &Labels{}
	case NameFolder:
		pol = &Folder{}
	default:
		return nil, fmt.Errorf("policy: unknown policy %q", name)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, pol); err != nil {
			return nil, fmt.Errorf("policy: decoding %s params: %w", name, err)
		}
	}

	return pol, nil
}

// Params serializes a policy's parameters for ledger persistence.
func Params(pol task.ChangePolicy) (json.RawMessage, error) {
	b, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("policy: encoding %s params: %w", pol.Name(), err)
	}

	return b, nil
}

// Unread marks targets read or unread.
type Unread struct {
	Unread bool `json:"unread"`
}

// Name implements task.ChangePolicy.
func (p *Unread) Name() string { return NameUnread }

// LocalChanges implements task.ChangePolicy.
func (p *Unread) LocalChanges(model.Model) model.Fields {
	return model.Fields{"unread": p.Unread}
}

// RequestBody implements task.ChangePolicy.
func (p *Unread) RequestBody(model.Model) map[string]any {
	return map[string]any{"unread": p.Unread}
}

// Starred stars or unstars targets.
type Starred struct {
	Starred bool `json:"starred"`
}

// Name implements task.ChangePolicy.
func (p *Starred) Name() string { return NameStarred }

// LocalChanges implements task.ChangePolicy.
func (p *Starred) LocalChanges(model.Model) model.Fields {
	return model.Fields{"starred": p.Starred}
}

// RequestBody implements task.ChangePolicy.
func (p *Starred) RequestBody(model.Model) map[string]any {
	return map[string]any{"starred": p.Starred}
}

// Folder moves targets to a folder.
type Folder struct {
	Folder string `json:"folder"`
}

// Name implements task.ChangePolicy.
func (p *Folder) Name() string { return NameFolder }

// LocalChanges implements task.ChangePolicy.
func (p *Folder) LocalChanges(model.Model) model.Fields {
	return model.Fields{"folder": p.Folder}
}

// RequestBody implements task.ChangePolicy.
func (p *Folder) RequestBody(model.Model) map[string]any {
	return map[string]any{"folder": p.Folder}
}

// Package model defines the immutable-per-version mail domain records the
// mutation engine operates on. A record is never mutated in place: applying
// a change produces a new version via WithFields (clone-and-replace), so a
// slice slot substitution is the only way state moves forward.
package model

import (
	"fmt"
	"reflect"
	"slices"
	"time"
)

// Kind identifies the object class of a Model.
type Kind string

// Object classes known to the engine. Threads are primary objects; messages
// reference their thread through the thread_id foreign key.
const (
	KindThread  Kind = "thread"
	KindMessage Kind = "message"
)

// Plural returns the REST collection name for the kind ("threads", "messages").
func (k Kind) Plural() string {
	return string(k) + "s"
}

// Fields is a named subset of a model's mutable attributes. The engine diffs,
// captures, and restores state exclusively through Fields values.
type Fields map[string]any

// Pick returns the subset of f whose keys appear in keys. Keys absent from f
// are included with a nil value so that a later restore can distinguish
// "was unset" from "was never captured".
func (f Fields) Pick(keys []string) Fields {
	out := make(Fields, len(keys))
	for _, k := range keys {
		out[k] = f[k]
	}

	return out
}

// Keys returns the sorted key set of f.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// Equal reports field-wise equality. Values may contain slices (labels), so
// comparison is deep.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}

	for k, v := range f {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}

	return true
}

// Clone returns a copy of f with slice values copied, so holding a Fields
// snapshot stays safe after the source model is replaced.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))

	for k, v := range f {
		if s, ok := v.([]string); ok {
			out[k] = slices.Clone(s)
			continue
		}

		out[k] = v
	}

	return out
}

// StringSlice reads a []string-valued field, tolerating the []any shape
// produced by JSON decoding.
func (f Fields) StringSlice(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// Model is an identity-bearing domain record. Two values with the same ID
// represent the same logical entity at different versions.
type Model interface {
	// ModelID is the stable identity of the record.
	ModelID() string
	// Namespace is the tenant scope the record belongs to.
	Namespace() string
	// ModelKind is the object class used for locking and routing.
	ModelKind() Kind
	// MutableFields returns the record's mutable attribute set.
	MutableFields() Fields
	// WithFields returns a new version of the record with the given fields
	// replaced. Unknown keys are an error; the receiver is not modified.
	WithFields(Fields) (Model, error)
}

// Thread is a mail conversation, the engine's primary object class.
type Thread struct {
	ID            string
	NamespaceID   string
	Subject       string
	Unread        bool
	Starred       bool
	Labels        []string
	Folder        string
	LastMessageAt time.Time
	Version       int64
}

// ModelID implements Model.
func (t Thread) ModelID() string { return t.ID }

// Namespace implements Model.
func (t Thread) Namespace() string { return t.NamespaceID }

// ModelKind implements Model.
func (t Thread) ModelKind() Kind { return KindThread }

// MutableFields implements Model.
func (t Thread) MutableFields() Fields {
	return Fields{
		"subject": t.Subject,
		"unread":  t.Unread,
		"starred": t.Starred,
		"labels":  slices.Clone(t.Labels),
		"folder":  t.Folder,
	}
}

// WithFields implements Model. The returned thread carries a bumped version.
func (t Thread) WithFields(f Fields) (Model, error) {
	next := t
	next.Labels = slices.Clone(t.Labels)

	for k, v := range f {
		if err := next.setField(k, v); err != nil {
			return nil, err
		}
	}

	next.Version = t.Version + 1

	return next, nil
}

func (t *Thread) setField(key string, value any) error {
	switch key {
	case "subject":
		s, ok := value.(string)
		if !ok {
			return fieldTypeError(KindThread, key, value)
		}

		t.Subject = s
	case "unread":
		b, ok := value.(bool)
		if !ok {
			return fieldTypeError(KindThread, key, value)
		}

		t.Unread = b
	case "starred":
		b, ok := value.(bool)
		if !ok {
			return fieldTypeError(KindThread, key, value)
		}

		t.Starred = b
	case "labels":
		labels, err := stringSliceValue(KindThread, key, value)
		if err != nil {
			return err
		}

		t.Labels = labels
	case "folder":
		s, ok := value.(string)
		if !ok {
			return fieldTypeError(KindThread, key, value)
		}

		t.Folder = s
	default:
		return fmt.Errorf("model: thread has no mutable field %q", key)
	}

	return nil
}

// Message is a single mail message, the engine's secondary object class.
type Message struct {
	ID          string
	NamespaceID string
	ThreadID    string
	Unread      bool
	Starred     bool
	Labels      []string
	Folder      string
	Date        time.Time
	Version     int64
}

// ModelID implements Model.
func (m Message) ModelID() string { return m.ID }

// Namespace implements Model.
func (m Message) Namespace() string { return m.NamespaceID }

// ModelKind implements Model.
func (m Message) ModelKind() Kind { return KindMessage }

// MutableFields implements Model.
func (m Message) MutableFields() Fields {
	return Fields{
		"unread":  m.Unread,
		"starred": m.Starred,
		"labels":  slices.Clone(m.Labels),
		"folder":  m.Folder,
	}
}

// WithFields implements Model. The returned message carries a bumped version.
func (m Message) WithFields(f Fields) (Model, error) {
	next := m
	next.Labels = slices.Clone(m.Labels)

	for k, v := range f {
		if err := next.setField(k, v); err != nil {
			return nil, err
		}
	}

	next.Version = m.Version + 1

	return next, nil
}

func (m *Message) setField(key string, value any) error {
	switch key {
	case "unread":
		b, ok := value.(bool)
		if !ok {
			return fieldTypeError(KindMessage, key, value)
		}

		m.Unread = b
	case "starred":
		b, ok := value.(bool)
		if !ok {
			return fieldTypeError(KindMessage, key, value)
		}

		m.Starred = b
	case "labels":
		labels, err := stringSliceValue(KindMessage, key, value)
		if err != nil {
			return err
		}

		m.Labels = labels
	case "folder":
		s, ok := value.(string)
		if !ok {
			return fieldTypeError(KindMessage, key, value)
		}

		m.Folder = s
	default:
		return fmt.Errorf("model: message has no mutable field %q", key)
	}

	return nil
}

// IDs returns the model IDs of models, preserving order and duplicates.
func IDs(models []Model) []string {
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ModelID()
	}

	return ids
}

func fieldTypeError(kind Kind, key string, value any) error {
	return fmt.Errorf("model: %s field %q: unsupported value type %T", kind, key, value)
}

// stringSliceValue coerces a field value to []string, accepting the []any
// shape that json.Unmarshal produces for restore values read back from disk.
func stringSliceValue(kind Kind, key string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fieldTypeError(kind, key, value)
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, fieldTypeError(kind, key, value)
	}
}

package policy

import (
	"encoding/json"
	"testing"

	"github.com/driftmail/driftmail/internal/model"
)

func TestUnread(t *testing.T) {
	t.Parallel()

	p := &Unread{Unread: false}
	th := model.Thread{ID: "t1", Unread: true}

	delta := p.LocalChanges(th)
	if delta["unread"] != false {
		t.Errorf("delta = %v", delta)
	}

	body := p.RequestBody(th)
	if body["unread"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestLabels_AddRemove(t *testing.T) {
	t.Parallel()

	p := &Labels{Add: []string{"archive"}, Remove: []string{"inbox"}}
	th := model.Thread{ID: "t1", Labels: []string{"inbox", "work"}}

	delta := p.LocalChanges(th)

	labels := delta.StringSlice("labels")
	if len(labels) != 2 || labels[0] != "work" || labels[1] != "archive" {
		t.Errorf("labels = %v, want [work archive]", labels)
	}
}

func TestLabels_NoOpWhenAlreadyApplied(t *testing.T) {
	t.Parallel()

	p := &Labels{Add: []string{"work"}, Remove: []string{"spam"}}
	th := model.Thread{ID: "t1", Labels: []string{"inbox", "work"}}

	delta := p.LocalChanges(th)
	current := th.MutableFields().Pick(delta.Keys())

	if !current.Equal(delta) {
		t.Errorf("delta %v should equal current %v (no-op)", delta, current)
	}
}

func TestLabels_NFCNormalization(t *testing.T) {
	t.Parallel()

	// "é" decomposed (e + combining acute) vs composed.
	decomposed := "café"
	composed := "café"

	p := &Labels{Remove: []string{decomposed}}
	th := model.Thread{ID: "t1", Labels: []string{composed, "work"}}

	labels := p.LocalChanges(th).StringSlice("labels")
	if len(labels) != 1 || labels[0] != "work" {
		t.Errorf("labels = %v, want [work]: decomposed remove should match composed label", labels)
	}

	// Adding a decomposed duplicate of an existing composed label is a no-op.
	p2 := &Labels{Add: []string{decomposed}}

	labels2 := p2.LocalChanges(th).StringSlice("labels")
	if len(labels2) != 2 {
		t.Errorf("labels = %v, want existing 2 entries unchanged", labels2)
	}
}

func TestFolder(t *testing.T) {
	t.Parallel()

	p := &Folder{Folder: "archive"}
	msg := model.Message{ID: "m1", Folder: "inbox"}

	if p.LocalChanges(msg)["folder"] != "archive" {
		t.Errorf("delta = %v", p.LocalChanges(msg))
	}
}

func TestFromNameRoundTrip(t *testing.T) {
	t.Parallel()

	orig := &Labels{Add: []string{"a"}, Remove: []string{"b"}}

	params, err := Params(orig)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}

	pol, err := FromName(NameLabels, params)
	if err != nil {
		t.Fatalf("FromName: %v", err)
	}

	restored, ok := pol.(*Labels)
	if !ok {
		t.Fatalf("got %T", pol)
	}

	if len(restored.Add) != 1 || restored.Add[0] != "a" || len(restored.Remove) != 1 {
		t.Errorf("restored = %+v", restored)
	}
}

func TestFromNameUnknown(t *testing.T) {
	t.Parallel()

	if _, err := FromName("bogus", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown policy name should fail")
	}
}

func TestFromNameAllPolicies(t *testing.T) {
	t.Parallel()

	for _, name := range []string{NameUnread, NameStarred, NameLabels, NameFolder} {
		pol, err := FromName(name, nil)
		if err != nil {
			t.Errorf("FromName(%s): %v", name, err)
			continue
		}

		if pol.Name() != name {
			t.Errorf("Name() = %q, want %q", pol.Name(), name)
		}
	}
}

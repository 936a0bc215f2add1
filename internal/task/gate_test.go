package task

import (
	"context"
	"testing"
	"time"

	"github.com/driftmail/driftmail/internal/model"
)

func testContext() context.Context {
	return context.Background()
}

func gateTask(t *testing.T, e *env, createdAt time.Time, seq uint64, threadIDs ...string) *Task {
	t.Helper()

	threads := make([]model.Model, len(threadIDs))
	for i, id := range threadIDs {
		threads[i] = model.Thread{ID: id, NamespaceID: "ns1"}
	}

	tk, err := New(e.deps, &unreadPolicy{unread: false}, threads, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tk.createdAt = createdAt
	tk.SetSeq(seq)

	return tk
}

func TestWaitsOn(t *testing.T) {
	t.Parallel()

	e := newEnv()
	base := time.Now()

	older := gateTask(t, e, base, 1, "t1", "t2")
	newer := gateTask(t, e, base.Add(time.Second), 2, "t2", "t3")
	disjoint := gateTask(t, e, base.Add(2*time.Second), 3, "x1")

	if !newer.WaitsOn(older) {
		t.Error("newer task with overlapping targets must wait for older")
	}

	if older.WaitsOn(newer) {
		t.Error("older task never waits for newer")
	}

	if disjoint.WaitsOn(older) {
		t.Error("disjoint target sets must not serialize")
	}

	if newer.WaitsOn(newer) {
		t.Error("a task does not wait on itself")
	}

	if newer.WaitsOn(nil) {
		t.Error("nil other should be ignored")
	}
}

func TestWaitsOn_SequenceBreaksTimestampTies(t *testing.T) {
	t.Parallel()

	e := newEnv()
	now := time.Now()

	first := gateTask(t, e, now, 1, "t1")
	second := gateTask(t, e, now, 2, "t1")

	if !second.WaitsOn(first) {
		t.Error("equal timestamps: higher sequence waits on lower")
	}

	if first.WaitsOn(second) {
		t.Error("equal timestamps: lower sequence does not wait")
	}
}

func TestWaitsOn_UnhydratedUndoTargets(t *testing.T) {
	t.Parallel()

	e := newEnv()
	ctx := testContext()

	th := model.Thread{ID: "t1", NamespaceID: "ns1", Unread: true}
	_ = e.store.Persist(ctx, []model.Model{th})

	tk, _ := NewForThread(e.deps, &unreadPolicy{unread: false}, th)
	if err := tk.PerformLocal(ctx); err != nil {
		t.Fatalf("PerformLocal: %v", err)
	}

	undo, err := tk.CreateUndoTask()
	if err != nil {
		t.Fatalf("CreateUndoTask: %v", err)
	}

	// The undo holds bare ids until hydration, but the gate must still see
	// its targets.
	if !undo.WaitsOn(tk) {
		t.Error("undo task must wait for its overlapping source task")
	}
}

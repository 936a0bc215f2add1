package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/driftmail/driftmail/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore_PersistAndFindThread(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	th := model.Thread{
		ID:            "t1",
		NamespaceID:   "ns1",
		Subject:       "hello",
		Unread:        true,
		Labels:        []string{"inbox", "work"},
		Folder:        "inbox",
		LastMessageAt: time.Unix(0, 1234),
		Version:       7,
	}

	if err := s.Persist(ctx, []model.Model{th}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := s.Thread(ctx, "t1")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}

	if got.Subject != "hello" || !got.Unread || got.Version != 7 {
		t.Errorf("thread = %+v", got)
	}

	if len(got.Labels) != 2 || got.Labels[0] != "inbox" {
		t.Errorf("labels = %v", got.Labels)
	}

	if got.LastMessageAt.UnixNano() != 1234 {
		t.Errorf("last_message_at = %d", got.LastMessageAt.UnixNano())
	}
}

func TestStore_PersistUpserts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	th := model.Thread{ID: "t1", NamespaceID: "ns1", Unread: true}
	if err := s.Persist(ctx, []model.Model{th}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	next, err := th.WithFields(model.Fields{"unread": false})
	if err != nil {
		t.Fatalf("WithFields: %v", err)
	}

	if err := s.Persist(ctx, []model.Model{next}); err != nil {
		t.Fatalf("Persist update: %v", err)
	}

	got, err := s.Thread(ctx, "t1")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}

	if got.Unread {
		t.Error("unread should be false after upsert")
	}

	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestStore_FindPreservesOrderSkipsMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, []model.Model{
		model.Thread{ID: "a", NamespaceID: "ns1"},
		model.Thread{ID: "b", NamespaceID: "ns1"},
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	found, err := s.Find(ctx, model.KindThread, []string{"b", "missing", "a"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if len(found) != 2 {
		t.Fatalf("got %d models, want 2", len(found))
	}

	if found[0].ModelID() != "b" || found[1].ModelID() != "a" {
		t.Errorf("order = [%s %s], want [b a]", found[0].ModelID(), found[1].ModelID())
	}
}

func TestStore_ThreadNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, err := s.Thread(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MessagesForThreads(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, []model.Model{
		model.Message{ID: "m1", NamespaceID: "ns1", ThreadID: "t1", Date: time.Unix(0, 2)},
		model.Message{ID: "m2", NamespaceID: "ns1", ThreadID: "t1", Date: time.Unix(0, 1)},
		model.Message{ID: "m3", NamespaceID: "ns1", ThreadID: "t2", Date: time.Unix(0, 3)},
		model.Message{ID: "m4", NamespaceID: "ns1", ThreadID: "other", Date: time.Unix(0, 4)},
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	msgs, err := s.MessagesForThreads(ctx, []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("MessagesForThreads: %v", err)
	}

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	// Ordered by date.
	if msgs[0].ModelID() != "m2" || msgs[1].ModelID() != "m1" || msgs[2].ModelID() != "m3" {
		t.Errorf("order = [%s %s %s]", msgs[0].ModelID(), msgs[1].ModelID(), msgs[2].ModelID())
	}
}

func TestStore_DeleteThreadCascades(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, []model.Model{
		model.Thread{ID: "t1", NamespaceID: "ns1"},
		model.Message{ID: "m1", NamespaceID: "ns1", ThreadID: "t1"},
		model.Message{ID: "m2", NamespaceID: "ns1", ThreadID: "other"},
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := s.Delete(ctx, model.KindThread, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Thread(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("thread err = %v, want ErrNotFound", err)
	}

	if _, err := s.Message(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cascaded message err = %v, want ErrNotFound", err)
	}

	if _, err := s.Message(ctx, "m2"); err != nil {
		t.Errorf("unrelated message removed: %v", err)
	}
}

func TestStore_DeleteMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, []model.Model{
		model.Message{ID: "m1", NamespaceID: "ns1", ThreadID: "t1"},
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := s.Delete(ctx, model.KindMessage, "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Message(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MixedKindPersist(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, []model.Model{
		model.Thread{ID: "t1", NamespaceID: "ns1"},
		model.Message{ID: "m1", NamespaceID: "ns1", ThreadID: "t1"},
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if _, err := s.Thread(ctx, "t1"); err != nil {
		t.Errorf("Thread: %v", err)
	}

	if _, err := s.Message(ctx, "m1"); err != nil {
		t.Errorf("Message: %v", err)
	}
}

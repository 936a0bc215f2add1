package deltas

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftmail/driftmail/internal/model"
)

type fakeStore struct {
	mu      stdsync.Mutex
	threads map[string]model.Thread
	msgs    map[string]model.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads: make(map[string]model.Thread),
		msgs:    make(map[string]model.Message),
	}
}

func (s *fakeStore) Persist(_ context.Context, models []model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range models {
		switch v := m.(type) {
		case model.Thread:
			s.threads[v.ID] = v
		case model.Message:
			s.msgs[v.ID] = v
		}
	}

	return nil
}

func (s *fakeStore) Delete(_ context.Context, kind model.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case model.KindThread:
		delete(s.threads, id)
	case model.KindMessage:
		delete(s.msgs, id)
	}

	return nil
}

func (s *fakeStore) threadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.threads)
}

func (s *fakeStore) thread(t *testing.T, id string) model.Thread {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[id]
	if !ok {
		t.Fatalf("thread %s not in store", id)
	}

	return th
}

type fakeLocks struct {
	mu     stdsync.Mutex
	locked map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locked: make(map[string]bool)}
}

func (l *fakeLocks) lock(kind model.Kind, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locked[string(kind)+"/"+id] = true
}

func (l *fakeLocks) IsLocked(kind model.Kind, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.locked[string(kind)+"/"+id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func threadEvent(t *testing.T, th threadObject) Event {
	t.Helper()

	raw, err := json.Marshal(th)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return Event{Kind: "thread", ID: th.ID, Object: raw}
}

func TestConsumer_ApplyUpsertsThread(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := NewConsumer("", nil, store, newFakeLocks(), testLogger())

	ev := threadEvent(t, threadObject{
		ID:          "t1",
		NamespaceID: "ns1",
		Subject:     "incoming",
		Unread:      true,
		Labels:      []string{"inbox"},
		Version:     4,
	})

	if err := c.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	th := store.thread(t, "t1")
	if th.Subject != "incoming" || !th.Unread || th.Version != 4 {
		t.Errorf("thread = %+v", th)
	}

	if c.Stats().Applied != 1 {
		t.Errorf("applied = %d", c.Stats().Applied)
	}
}

func TestConsumer_ApplySkipsLockedObject(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	locks := newFakeLocks()
	c := NewConsumer("", nil, store, locks, testLogger())

	// A local optimistic change is in flight for t1.
	locks.lock(model.KindThread, "t1")

	ev := threadEvent(t, threadObject{ID: "t1", NamespaceID: "ns1", Subject: "server version"})

	if err := c.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if store.threadCount() != 0 {
		t.Error("delta overwrote a locked object")
	}

	if c.Stats().Skipped != 1 {
		t.Errorf("skipped = %d", c.Stats().Skipped)
	}
}

func TestConsumer_ApplyDeletes(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := NewConsumer("", nil, store, newFakeLocks(), testLogger())
	ctx := context.Background()

	if err := store.Persist(ctx, []model.Model{model.Thread{ID: "t1", NamespaceID: "ns1"}}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := c.Apply(ctx, Event{Kind: "thread", ID: "t1", Deleted: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if store.threadCount() != 0 {
		t.Error("deleted thread still in store")
	}
}

func TestConsumer_ApplyRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	c := NewConsumer("", nil, newFakeStore(), newFakeLocks(), testLogger())

	err := c.Apply(context.Background(), Event{Kind: "calendar", ID: "c1"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v", err)
	}
}

func TestConsumer_RunConsumesStream(t *testing.T) {
	t.Parallel()

	store := newFakeStore()

	events := []Event{
		{Kind: "thread", ID: "t1"},
		{Kind: "thread", ID: "t2"},
	}

	for i := range events {
		raw, err := json.Marshal(threadObject{ID: events[i].ID, NamespaceID: "ns1", Unread: true})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		events[i].Object = raw
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		for _, ev := range events {
			data, _ := json.Marshal(ev)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}

		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewConsumer(url, nil, store, newFakeLocks(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)

	for store.threadCount() < len(events) {
		select {
		case <-deadline:
			t.Fatalf("timed out; %d threads applied", store.threadCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	if got := store.thread(t, "t2"); !got.Unread {
		t.Errorf("thread t2 = %+v", got)
	}
}

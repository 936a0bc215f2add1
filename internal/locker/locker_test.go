package locker

import (
	"log/slog"
	"os"
	stdsync "sync"
	"testing"

	"github.com/driftmail/driftmail/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTracker_IncrementDecrement(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())

	tr.Increment(model.KindThread, "t1")
	tr.Increment(model.KindThread, "t1")

	if got := tr.Count(model.KindThread, "t1"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	tr.Decrement(model.KindThread, "t1")

	if !tr.IsLocked(model.KindThread, "t1") {
		t.Error("object should stay locked until all references are released")
	}

	tr.Decrement(model.KindThread, "t1")

	if tr.IsLocked(model.KindThread, "t1") {
		t.Error("object should be unlocked after final release")
	}

	if tr.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", tr.Outstanding())
	}
}

func TestTracker_KindsAreIndependent(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())

	tr.Increment(model.KindThread, "x")

	if tr.IsLocked(model.KindMessage, "x") {
		t.Error("message x should not be locked by thread x")
	}
}

func TestTracker_DecrementBelowZeroIsIgnored(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())

	tr.Decrement(model.KindThread, "ghost")

	if tr.Count(model.KindThread, "ghost") != 0 {
		t.Error("count should remain zero")
	}
}

func TestTracker_ConcurrentBalance(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())

	const goroutines = 32
	const perGoroutine = 100

	var wg stdsync.WaitGroup

	for gi := 0; gi < goroutines; gi++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for pi := 0; pi < perGoroutine; pi++ {
				tr.Increment(model.KindThread, "shared")
				tr.Decrement(model.KindThread, "shared")
			}
		}()
	}

	wg.Wait()

	if tr.Count(model.KindThread, "shared") != 0 {
		t.Errorf("count = %d after balanced concurrent use, want 0", tr.Count(model.KindThread, "shared"))
	}
}

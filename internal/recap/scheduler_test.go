package recap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acrewood/tangle/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tangle.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: "ship release"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := true
	if _, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskUpdate{Completed: &done}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	s := NewScheduler(Config{
		Store:    store,
		OwnerID:  1,
		Schedule: "0 18 * * *",
		Interval: 20 * time.Millisecond,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Force the next run into the past so the loop fires on its next tick.
	s.mu.Lock()
	s.nextRun = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	waitFor(t, 3*time.Second, func() bool {
		logs, err := store.ListLogs(ctx, 1, nil)
		if err != nil {
			return false
		}
		for _, l := range logs {
			if l.Source == persistence.LogSourceSystem && strings.Contains(l.Content, "Daily recap") {
				return true
			}
		}
		return false
	})
}

func TestScheduler_RecapCountsCompletions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"one", "two"} {
		task, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: title})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		done := true
		if _, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskUpdate{Completed: &done}); err != nil {
			t.Fatalf("complete task: %v", err)
		}
	}

	s := NewScheduler(Config{Store: store, OwnerID: 1})
	now := time.Now()
	if err := s.fire(ctx, now.Add(-time.Hour), now); err != nil {
		t.Fatalf("fire: %v", err)
	}

	logs, err := store.ListLogs(ctx, 1, nil)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	var recap *persistence.Log
	for i := range logs {
		if strings.Contains(logs[i].Content, "Daily recap") {
			recap = &logs[i]
			break
		}
	}
	if recap == nil {
		t.Fatal("expected a recap log")
	}
	if !strings.Contains(recap.Content, "2 task(s) completed") {
		t.Fatalf("unexpected recap content %q", recap.Content)
	}
	if recap.Source != persistence.LogSourceSystem {
		t.Fatalf("expected system source, got %q", recap.Source)
	}
}

func TestScheduler_NotDueDoesNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	s := NewScheduler(Config{Store: store, OwnerID: 1})
	s.nextRun = time.Now().Add(time.Hour)
	s.tick(ctx, time.Now())

	logs, err := store.ListLogs(ctx, 1, nil)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no logs before the schedule is due, got %d", len(logs))
	}
}

func TestScheduler_BadScheduleRejectedOnStart(t *testing.T) {
	s := NewScheduler(Config{Store: openTestStore(t), OwnerID: 1, Schedule: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 6, 3, 12, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 18 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}

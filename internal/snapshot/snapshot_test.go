package snapshot_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/acrewood/tangle/internal/persistence"
	"github.com/acrewood/tangle/internal/snapshot"
)

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

func seedBoard(t *testing.T, store *persistence.Store) {
	t.Helper()
	ctx := context.Background()

	urgent, err := store.EnsureTag(ctx, 1, "urgent")
	if err != nil {
		t.Fatalf("ensure tag: %v", err)
	}

	root, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{
		Title:  "move house",
		TagIDs: []int64{urgent.ID},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{
		Title:        "pack kitchen",
		Description:  "boxes in the garage",
		ParentTaskID: &root.ID,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	done := true
	if _, err := store.UpdateTask(ctx, 1, child.ID, persistence.TaskUpdate{Completed: &done}); err != nil {
		t.Fatalf("complete child: %v", err)
	}

	if _, err := store.CreateLog(ctx, 1, persistence.CreateLogParams{
		Content: "called the movers",
		TaskID:  &root.ID,
		TagIDs:  []int64{urgent.ID},
	}); err != nil {
		t.Fatalf("create log: %v", err)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := openTestStore(t)
	seedBoard(t, src)
	ctx := context.Background()

	snap, err := snapshot.Export(ctx, src, 1)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.SnapshotID == "" {
		t.Fatal("expected generated snapshot id")
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("expected 2 exported tasks, got %d", len(snap.Tasks))
	}

	var buf bytes.Buffer
	if err := snapshot.Write(&buf, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	decoded, err := snapshot.Read(buf.Bytes())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	dst := openTestStore(t)
	res, err := snapshot.Import(ctx, dst, 1, decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Tasks != 2 || res.Tags != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}

	tasks, err := dst.ListTasks(ctx, 1, nil)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 restored tasks, got %d", len(tasks))
	}

	var root, child *persistence.Task
	for i := range tasks {
		switch tasks[i].Title {
		case "move house":
			root = &tasks[i]
		case "pack kitchen":
			child = &tasks[i]
		}
	}
	if root == nil || child == nil {
		t.Fatalf("missing restored tasks: %+v", tasks)
	}
	if child.ParentTaskID == nil || *child.ParentTaskID != root.ID {
		t.Fatal("expected parent link rebuilt with fresh ids")
	}
	if !child.Completed {
		t.Fatal("expected completed flag restored")
	}
	if len(root.Tags) != 1 || root.Tags[0].Name != "urgent" {
		t.Fatalf("expected tag restored on root, got %+v", root.Tags)
	}

	// A restored completed flag must not synthesize completion logs.
	logs, err := dst.ListLogs(ctx, 1, nil)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	systemLogs, userLogs := 0, 0
	for _, l := range logs {
		switch l.Source {
		case persistence.LogSourceSystem:
			systemLogs++
		case persistence.LogSourceUser:
			userLogs++
		}
	}
	if userLogs != 1 {
		t.Fatalf("expected 1 restored user log, got %d", userLogs)
	}
	if want := 1; systemLogs != want {
		t.Fatalf("expected only the exported completion log (%d), got %d", want, systemLogs)
	}
}

func TestRead_RejectsInvalidDocument(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"snapshot_id": `,
		"missing fields":  `{"snapshot_id": "x"}`,
		"bad source enum": `{"snapshot_id":"x","format_version":1,"owner_id":1,"tags":[],"tasks":[],"logs":[{"content":"hi","source":"Robot"}]}`,
		"empty title":     `{"snapshot_id":"x","format_version":1,"owner_id":1,"tags":[],"tasks":[{"id":1,"title":""}],"logs":[]}`,
		"future version":  `{"snapshot_id":"x","format_version":9,"owner_id":1,"tags":[],"tasks":[],"logs":[]}`,
	}
	for name, doc := range cases {
		if _, err := snapshot.Read([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestImport_RejectsOrphanParent(t *testing.T) {
	dst := openTestStore(t)
	snap := &snapshot.Snapshot{
		SnapshotID:    "test",
		FormatVersion: 1,
		OwnerID:       1,
		Tasks: []snapshot.TaskRecord{
			{ID: 2, Title: "child first", ParentID: int64Ptr(1)},
		},
	}
	if _, err := snapshot.Import(context.Background(), dst, 1, snap); err == nil {
		t.Fatal("expected error for parent missing from snapshot")
	}
}

func TestExport_EmptyBoard(t *testing.T) {
	store := openTestStore(t)
	snap, err := snapshot.Export(context.Background(), store, 1)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var buf bytes.Buffer
	if err := snapshot.Write(&buf, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := snapshot.Read(buf.Bytes()); err != nil {
		t.Fatalf("round trip of empty board: %v", err)
	}
}

func int64Ptr(v int64) *int64 { return &v }

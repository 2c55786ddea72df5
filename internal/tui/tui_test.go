package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/acrewood/tangle/internal/persistence"
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

func seedTree(t *testing.T, store *persistence.Store) (rootID, childID int64) {
	t.Helper()
	ctx := context.Background()
	root, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: "garden"})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: "weed beds", ParentTaskID: &root.ID})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	return root.ID, child.ID
}

func loadedModel(t *testing.T, m model) model {
	t.Helper()
	msg := m.loadRows()()
	rm, ok := msg.(rowsMsg)
	if !ok {
		t.Fatalf("expected rowsMsg, got %T", msg)
	}
	if rm.err != nil {
		t.Fatalf("load rows: %v", rm.err)
	}
	next, _ := m.Update(rm)
	return next.(model)
}

func TestModel_ShowsOnlyRootsByDefault(t *testing.T) {
	store := openTestStore(t)
	seedTree(t, store)

	m := loadedModel(t, newModel(context.Background(), Config{Store: store, OwnerID: 1}))

	if len(m.rows) != 1 {
		t.Fatalf("expected 1 root row, got %d", len(m.rows))
	}
	view := m.View()
	if !strings.Contains(view, "garden") {
		t.Fatalf("expected root title in view:\n%s", view)
	}
	if strings.Contains(view, "weed beds") {
		t.Fatalf("expected collapsed child hidden:\n%s", view)
	}
}

func TestModel_ExpandShowsSubtreeInOrder(t *testing.T) {
	store := openTestStore(t)
	rootID, _ := seedTree(t, store)

	m := loadedModel(t, newModel(context.Background(), Config{Store: store, OwnerID: 1}))
	m.expanded[rootID] = true
	m = loadedModel(t, m)

	if len(m.rows) != 2 {
		t.Fatalf("expected 2 rows after expand, got %d", len(m.rows))
	}
	if m.rows[0].task.Title != "garden" || m.rows[1].task.Title != "weed beds" {
		t.Fatalf("expected parent before child, got %q then %q", m.rows[0].task.Title, m.rows[1].task.Title)
	}
	if m.rows[1].depth != 1 {
		t.Fatalf("expected child at relative depth 1, got %d", m.rows[1].depth)
	}
}

func TestModel_ToggleDonePersists(t *testing.T) {
	store := openTestStore(t)
	rootID, _ := seedTree(t, store)
	ctx := context.Background()

	m := loadedModel(t, newModel(ctx, Config{Store: store, OwnerID: 1}))

	cmd := m.toggleDone()
	if cmd == nil {
		t.Fatal("expected toggle command")
	}
	if _, ok := cmd().(refreshMsg); !ok {
		t.Fatal("expected refresh after toggle")
	}

	task, err := store.GetTask(ctx, 1, rootID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.Completed {
		t.Fatal("expected task marked completed")
	}
}

func TestModel_CursorNavigation(t *testing.T) {
	store := openTestStore(t)
	rootID, _ := seedTree(t, store)

	m := loadedModel(t, newModel(context.Background(), Config{Store: store, OwnerID: 1}))
	m.expanded[rootID] = true
	m = loadedModel(t, m)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	m = next.(model)
	if m.cursor != 1 {
		t.Fatalf("expected cursor 1 after j, got %d", m.cursor)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	m = next.(model)
	if m.cursor != 1 {
		t.Fatalf("expected cursor clamped at last row, got %d", m.cursor)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	m = next.(model)
	if m.cursor != 0 {
		t.Fatalf("expected cursor 0 after k, got %d", m.cursor)
	}
}

func TestModel_TagFilterFlattensList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tag, err := store.EnsureTag(ctx, 1, "urgent")
	if err != nil {
		t.Fatalf("ensure tag: %v", err)
	}
	if _, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: "tagged", TagIDs: []int64{tag.ID}}); err != nil {
		t.Fatalf("create tagged: %v", err)
	}
	if _, err := store.CreateTask(ctx, 1, persistence.CreateTaskParams{Title: "plain"}); err != nil {
		t.Fatalf("create plain: %v", err)
	}

	m := loadedModel(t, newModel(ctx, Config{Store: store, OwnerID: 1, FilterTagIDs: []int64{tag.ID}}))
	if len(m.rows) != 1 || m.rows[0].task.Title != "tagged" {
		t.Fatalf("expected only the tagged task, got %+v", m.rows)
	}
	if !strings.Contains(m.View(), "#urgent") {
		t.Fatalf("expected tag shown in view:\n%s", m.View())
	}
}

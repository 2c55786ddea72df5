// Package tui renders the interactive task-tree browser. It lists root
// tasks, expands subtrees in place, and toggles completion without leaving
// the terminal. The view refreshes when the store publishes task or log
// events on the bus.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/acrewood/tangle/internal/bus"
	"github.com/acrewood/tangle/internal/persistence"
)

// Config holds the dependencies for the tree browser.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	OwnerID int64
	// FilterTagIDs restricts the view to tasks carrying every listed tag.
	// The tree collapses to a flat list while a filter is active.
	FilterTagIDs []int64
}

type row struct {
	task  persistence.Task
	depth int
}

type rowsMsg struct {
	rows []row
	err  error
}

type refreshMsg struct{}

type busClosedMsg struct{}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true)
	tagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	treeRuneChild = "· "
)

type model struct {
	ctx      context.Context
	cfg      Config
	rows     []row
	cursor   int
	expanded map[int64]bool
	height   int
	lastErr  string
}

func newModel(ctx context.Context, cfg Config) model {
	return model{
		ctx:      ctx,
		cfg:      cfg,
		expanded: map[int64]bool{},
		height:   24,
	}
}

func (m model) Init() tea.Cmd {
	return m.loadRows()
}

// loadRows queries the store and flattens roots plus any expanded subtrees
// into display order. With an active tag filter the result is a flat list.
func (m model) loadRows() tea.Cmd {
	ctx, cfg := m.ctx, m.cfg
	expanded := make(map[int64]bool, len(m.expanded))
	for id, on := range m.expanded {
		expanded[id] = on
	}
	return func() tea.Msg {
		if len(cfg.FilterTagIDs) > 0 {
			tasks, err := cfg.Store.ListTasks(ctx, cfg.OwnerID, cfg.FilterTagIDs)
			if err != nil {
				return rowsMsg{err: err}
			}
			rows := make([]row, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, row{task: t})
			}
			return rowsMsg{rows: rows}
		}

		roots, err := cfg.Store.ListRoots(ctx, cfg.OwnerID)
		if err != nil {
			return rowsMsg{err: err}
		}
		var rows []row
		for _, root := range roots {
			if !expanded[root.ID] {
				rows = append(rows, row{task: root})
				continue
			}
			nodes, err := cfg.Store.Subtree(ctx, cfg.OwnerID, root.ID)
			if err != nil {
				return rowsMsg{err: err}
			}
			for _, n := range nodes {
				rows = append(rows, row{task: n.Task, depth: n.RelativeDepth})
			}
		}
		return rowsMsg{rows: rows}
	}
}

func (m model) toggleDone() tea.Cmd {
	if m.cursor >= len(m.rows) {
		return nil
	}
	ctx, cfg := m.ctx, m.cfg
	task := m.rows[m.cursor].task
	return func() tea.Msg {
		next := !task.Completed
		_, err := cfg.Store.UpdateTask(ctx, cfg.OwnerID, task.ID, persistence.TaskUpdate{Completed: &next})
		if err != nil {
			return rowsMsg{err: err}
		}
		return refreshMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
			return m, nil
		case "enter", "right", "l":
			if m.cursor < len(m.rows) && len(m.cfg.FilterTagIDs) == 0 {
				rootID := m.rows[m.cursor].task.RootTaskID
				if rootID != nil {
					m.expanded[*rootID] = !m.expanded[*rootID]
					return m, m.loadRows()
				}
			}
			return m, nil
		case "x", " ":
			return m, m.toggleDone()
		case "r":
			return m, m.loadRows()
		}
	case rowsMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.lastErr = ""
		m.rows = msg.rows
		if m.cursor >= len(m.rows) && len(m.rows) > 0 {
			m.cursor = len(m.rows) - 1
		}
		return m, nil
	case refreshMsg:
		return m, m.loadRows()
	case busClosedMsg:
		return m, nil
	}
	return m, nil
}

func renderRow(r row, selected bool) string {
	mark := "[ ]"
	if r.task.Completed {
		mark = "[x]"
	}
	indent := strings.Repeat("  ", r.depth)
	prefix := "  "
	if selected {
		prefix = cursorStyle.Render("> ")
	}
	branch := ""
	if r.depth > 0 {
		branch = treeRuneChild
	}

	title := r.task.Title
	if r.task.Completed {
		title = doneStyle.Render(title)
	}

	var tags string
	if len(r.task.Tags) > 0 {
		names := make([]string, 0, len(r.task.Tags))
		for _, tg := range r.task.Tags {
			names = append(names, "#"+tg.Name)
		}
		tags = " " + tagStyle.Render(strings.Join(names, " "))
	}
	return fmt.Sprintf("%s%s%s%s %s%s", prefix, indent, branch, mark, title, tags)
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tangle"))
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(helpStyle.Render("No tasks yet. Add one with: tangle add <title>"))
		b.WriteString("\n")
	}
	for i, r := range m.rows {
		b.WriteString(renderRow(r, i == m.cursor))
		b.WriteString("\n")
	}

	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("error: " + m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("j/k move · enter expand · x done · r reload · q quit"))
	b.WriteString("\n")
	return b.String()
}

// Run starts the browser and blocks until the user quits or ctx is
// cancelled. Store events arriving on the bus trigger a reload so edits
// from another terminal show up without manual refresh.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()

	m := newModel(ctx, cfg)
	p := tea.NewProgram(m)

	if cfg.Bus != nil {
		sub := cfg.Bus.Subscribe("task.")
		defer cfg.Bus.Unsubscribe(sub)
		go func() {
			for range sub.Ch() {
				p.Send(refreshMsg{})
			}
			p.Send(busClosedMsg{})
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

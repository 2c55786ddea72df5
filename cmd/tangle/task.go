package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/acrewood/tangle/internal/otel"
	"github.com/acrewood/tangle/internal/persistence"
)

// stringList collects repeatable flag values (--tag a --tag b).
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("empty value")
	}
	*s = append(*s, v)
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// ensureTagIDs find-or-creates every named tag and returns the ids.
func ensureTagIDs(ctx context.Context, env *appEnv, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		tag, err := env.store.EnsureTag(ctx, env.cfg.OwnerID, name)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", name, err)
		}
		ids = append(ids, tag.ID)
	}
	return ids, nil
}

// lookupTagIDs resolves existing tags by name without creating any;
// filters must never mint tags as a side effect.
func lookupTagIDs(ctx context.Context, env *appEnv, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		tag, err := env.store.TagByName(ctx, env.cfg.OwnerID, name)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", name, err)
		}
		ids = append(ids, tag.ID)
	}
	return ids, nil
}

func formatTask(t persistence.Task, indent int) string {
	mark := "[ ]"
	if t.Completed {
		mark = "[x]"
	}
	var tags string
	if len(t.Tags) > 0 {
		names := make([]string, 0, len(t.Tags))
		for _, tg := range t.Tags {
			names = append(names, "#"+tg.Name)
		}
		tags = "  " + strings.Join(names, " ")
	}
	return fmt.Sprintf("%s%s %d  %s%s", strings.Repeat("  ", indent), mark, t.ID, t.Title, tags)
}

func runAddCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tangle add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	parent := fs.Int64("parent", 0, "parent task id (0 for a root task)")
	desc := fs.String("desc", "", "task description")
	var tags stringList
	fs.Var(&tags, "tag", "tag to attach (repeatable; created if missing)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if title == "" {
		fmt.Fprintln(os.Stderr, "usage: tangle add [--parent id] [--desc text] [--tag name]... <title>")
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "add", otelPkg.AttrTagCount.Int(len(tags)))
	defer finish()

	params := persistence.CreateTaskParams{Title: title, Description: *desc}
	if *parent > 0 {
		params.ParentTaskID = parent
	}
	if len(tags) > 0 {
		ids, err := ensureTagIDs(ctx, env, tags)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCodeFor(err)
		}
		params.TagIDs = ids
	}

	task, err := env.store.CreateTask(ctx, env.cfg.OwnerID, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Println(formatTask(*task, 0))
	return 0
}

func runTreeCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tangle tree <id>")
		return 2
	}
	id, err := parseID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "tree", otelPkg.AttrTaskID.Int64(id))
	defer finish()

	nodes, err := env.store.Subtree(ctx, env.cfg.OwnerID, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	maxDepth := 0
	for _, n := range nodes {
		if n.RelativeDepth > maxDepth {
			maxDepth = n.RelativeDepth
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrTreeDepth.Int(maxDepth))
	for _, n := range nodes {
		fmt.Println(formatTask(n.Task, n.RelativeDepth))
	}
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tangle list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var tags stringList
	fs.Var(&tags, "tag", "require this tag (repeatable; a task must carry every one)")
	roots := fs.Bool("roots", false, "show only root tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tangle list [--roots] [--tag name]...")
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "list", otelPkg.AttrTagCount.Int(len(tags)))
	defer finish()

	var tasks []persistence.Task
	if *roots {
		tasks, err = env.store.ListRoots(ctx, env.cfg.OwnerID)
	} else {
		var ids []int64
		if len(tags) > 0 {
			ids, err = lookupTagIDs(ctx, env, tags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return exitCodeFor(err)
			}
		}
		tasks, err = env.store.ListTasks(ctx, env.cfg.OwnerID, ids)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	for _, t := range tasks {
		fmt.Println(formatTask(t, 0))
	}
	return 0
}

func runDoneCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tangle done <id>")
		return 2
	}
	id, err := parseID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "done", otelPkg.AttrTaskID.Int64(id))
	defer finish()

	done := true
	task, err := env.store.UpdateTask(ctx, env.cfg.OwnerID, id, persistence.TaskUpdate{Completed: &done})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Println(formatTask(*task, 0))
	return 0
}

func runRmCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tangle rm <id>")
		return 2
	}
	id, err := parseID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "rm", otelPkg.AttrTaskID.Int64(id))
	defer finish()

	if err := env.store.DeleteTask(ctx, env.cfg.OwnerID, id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Printf("deleted task %d (and its subtree)\n", id)
	return 0
}

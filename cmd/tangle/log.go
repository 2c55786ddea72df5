package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/acrewood/tangle/internal/otel"
	"github.com/acrewood/tangle/internal/persistence"
)

func formatLog(l persistence.Log) string {
	var taskRef string
	if l.TaskID != nil {
		taskRef = fmt.Sprintf("  (task %d)", *l.TaskID)
	}
	var tags string
	if len(l.Tags) > 0 {
		names := make([]string, 0, len(l.Tags))
		for _, tg := range l.Tags {
			names = append(names, "#"+tg.Name)
		}
		tags = "  " + strings.Join(names, " ")
	}
	return fmt.Sprintf("%d  %s  [%s]  %s%s%s",
		l.ID, l.CreatedAt.Format("2006-01-02 15:04"), l.Source, l.Content, taskRef, tags)
}

func runLogCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tangle log", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	taskID := fs.Int64("task", 0, "task this entry refers to (0 for none)")
	var tags stringList
	fs.Var(&tags, "tag", "tag to attach (repeatable; created if missing)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		fmt.Fprintln(os.Stderr, "usage: tangle log [--task id] [--tag name]... <content>")
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "log", otelPkg.AttrTagCount.Int(len(tags)))
	defer finish()

	params := persistence.CreateLogParams{Content: content}
	if *taskID > 0 {
		params.TaskID = taskID
	}
	if len(tags) > 0 {
		ids, err := ensureTagIDs(ctx, env, tags)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCodeFor(err)
		}
		params.TagIDs = ids
	}

	log, err := env.store.CreateLog(ctx, env.cfg.OwnerID, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrLogID.Int64(log.ID))
	fmt.Println(formatLog(*log))
	return 0
}

func runLogsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tangle logs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var tags stringList
	fs.Var(&tags, "tag", "require this tag (repeatable; an entry must carry every one)")
	rm := fs.Int64("rm", 0, "delete the log entry with this id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tangle logs [--rm id] [--tag name]...")
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "logs", otelPkg.AttrTagCount.Int(len(tags)))
	defer finish()

	if *rm > 0 {
		if err := env.store.DeleteLog(ctx, env.cfg.OwnerID, *rm); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCodeFor(err)
		}
		fmt.Printf("deleted log %d\n", *rm)
		return 0
	}

	var ids []int64
	if len(tags) > 0 {
		ids, err = lookupTagIDs(ctx, env, tags)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCodeFor(err)
		}
	}
	logs, err := env.store.ListLogs(ctx, env.cfg.OwnerID, ids)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	for _, l := range logs {
		fmt.Println(formatLog(l))
	}
	return 0
}

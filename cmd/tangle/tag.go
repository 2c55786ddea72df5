package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/acrewood/tangle/internal/otel"
)

func runTagCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tangle tag", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	sync := fs.Bool("sync", false, "replace the task's full tag set with the named tags")
	detach := fs.Bool("rm", false, "detach the named tags instead of attaching")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 2 || (*sync && *detach) {
		fmt.Fprintln(os.Stderr, "usage: tangle tag [--sync | --rm] <task-id> <name>...")
		return 2
	}
	taskID, err := parseID(rest[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	names := rest[1:]

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "tag",
		otelPkg.AttrTaskID.Int64(taskID), otelPkg.AttrTagCount.Int(len(names)))
	defer finish()

	// Detach resolves existing tags only; attach and sync mint missing ones.
	var ids []int64
	if *detach {
		ids, err = lookupTagIDs(ctx, env, names)
	} else {
		ids, err = ensureTagIDs(ctx, env, names)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	// The store verifies task ownership inside the link transaction.
	switch {
	case *detach:
		err = env.store.DetachTaskTags(ctx, env.cfg.OwnerID, taskID, ids)
	case *sync:
		err = env.store.SyncTaskTags(ctx, env.cfg.OwnerID, taskID, ids)
	default:
		err = env.store.AttachTaskTags(ctx, env.cfg.OwnerID, taskID, ids)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	task, err := env.store.GetTask(ctx, env.cfg.OwnerID, taskID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Println(formatTask(*task, 0))
	return 0
}

func runTagsCommand(ctx context.Context, args []string) int {
	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "tags")
	defer finish()

	if len(args) > 0 {
		if args[0] != "rm" || len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: tangle tags [rm <id>]")
			return 2
		}
		id, err := parseID(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrTagID.Int64(id))
		if err := env.store.DeleteTag(ctx, env.cfg.OwnerID, id); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCodeFor(err)
		}
		fmt.Printf("deleted tag %d\n", id)
		return 0
	}

	tags, err := env.store.ListTags(ctx, env.cfg.OwnerID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	for _, t := range tags {
		fmt.Printf("%d  %s  (%d task(s))\n", t.ID, t.Name, t.TaskCount)
	}
	return 0
}

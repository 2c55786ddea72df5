package main

import (
	"context"
	"fmt"
	"os"

	"github.com/acrewood/tangle/internal/snapshot"
)

func runExportCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: tangle export [file]")
		return 2
	}

	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	ctx, finish := env.traceCommand(ctx, "export")
	defer finish()

	snap, err := snapshot.Export(ctx, env.store, env.cfg.OwnerID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", args[0], err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := snapshot.Write(out, snap); err != nil {
		fmt.Fprintf(os.Stderr, "write snapshot: %v\n", err)
		return 1
	}
	if len(args) == 1 {
		fmt.Fprintf(os.Stderr, "exported snapshot %s: %d task(s), %d tag(s), %d log(s)\n",
			snap.SnapshotID, len(snap.Tasks), len(snap.Tags), len(snap.Logs))
	}
	return 0
}

func runImportCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tangle import <file>")
		return 2
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", args[0], err)
		return 1
	}
	snap, err := snapshot.Read(raw)
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
	ctx, finish := env.traceCommand(ctx, "import")
	defer finish()

	res, err := snapshot.Import(ctx, env.store, env.cfg.OwnerID, snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("imported snapshot %s: %d task(s), %d tag(s), %d log(s)\n",
		snap.SnapshotID, res.Tasks, res.Tags, res.Logs)
	return 0
}

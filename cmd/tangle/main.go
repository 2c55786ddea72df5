package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/acrewood/tangle/internal/bus"
	"github.com/acrewood/tangle/internal/config"
	otelPkg "github.com/acrewood/tangle/internal/otel"
	"github.com/acrewood/tangle/internal/persistence"
	"github.com/acrewood/tangle/internal/recap"
	"github.com/acrewood/tangle/internal/telemetry"
	"github.com/acrewood/tangle/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Browse the task tree in the TUI

SUBCOMMANDS:
  %s add <title>              Create a task
                              Flags: --parent <id>, --desc <text>, --tag <name> (repeatable)
  %s tree <id>                Print a task's subtree
  %s list [--tag <name>...]   List tasks, optionally requiring every named tag
  %s done <id>                Mark a task completed
  %s rm <id>                  Delete a task and its whole subtree
  %s tag <id> <name>...       Attach tags to a task
                              Flags: --sync (replace full set), --rm (detach)
  %s tags [rm <id>]           List tags with usage counts, or delete one
  %s log <content>            Append a log entry
                              Flags: --task <id>, --tag <name> (repeatable)
  %s logs [--tag <name>...]   List log entries, newest first
  %s export [file]            Write a JSON snapshot (stdout by default)
  %s import <file>            Restore a snapshot into the store

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TANGLE_HOME             Data directory (default: ~/.tangle)
  TANGLE_NO_TUI           Set to 1 to disable the TUI

EXAMPLES:
  Add a root task:        %s add "Plant the garden"
  Add a subtask:          %s add --parent 1 --tag outdoors "Buy seeds"
  Show the subtree:       %s tree 1
  Filter by tags:         %s list --tag outdoors --tag urgent
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// appEnv bundles everything a command needs: config, logger, bus, store.
type appEnv struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics

	closers []func()
}

func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func newAppEnv(ctx context.Context, quiet bool) (*appEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	env := &appEnv{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	env.logger = logger
	env.closers = append(env.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	env.otel = provider
	env.closers = append(env.closers, func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	env.metrics = metrics

	env.bus = bus.New()

	// Count store mutations as they come over the bus.
	metricsSub := env.bus.Subscribe("")
	env.closers = append(env.closers, func() { env.bus.Unsubscribe(metricsSub) })
	go func() {
		for ev := range metricsSub.Ch() {
			switch ev.Topic {
			case bus.TopicTaskCreated:
				metrics.TasksCreated.Add(context.Background(), 1)
			case bus.TopicTaskCompleted:
				metrics.TasksCompleted.Add(context.Background(), 1)
			case bus.TopicTaskDeleted:
				metrics.TasksDeleted.Add(context.Background(), 1)
			case bus.TopicTagEnsured:
				metrics.TagsEnsured.Add(context.Background(), 1)
			case bus.TopicLogCreated:
				metrics.LogsAppended.Add(context.Background(), 1)
			}
		}
	}()

	store, err := persistence.Open(cfg.DBPath, env.bus)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	env.store = store
	env.closers = append(env.closers, func() { _ = store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	return env, nil
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TANGLE_NO_TUI") == ""
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "add":
			os.Exit(runAddCommand(ctx, args[1:]))
		case "tree":
			os.Exit(runTreeCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		case "done":
			os.Exit(runDoneCommand(ctx, args[1:]))
		case "rm":
			os.Exit(runRmCommand(ctx, args[1:]))
		case "tag":
			os.Exit(runTagCommand(ctx, args[1:]))
		case "tags":
			os.Exit(runTagsCommand(ctx, args[1:]))
		case "log":
			os.Exit(runLogCommand(ctx, args[1:]))
		case "logs":
			os.Exit(runLogsCommand(ctx, args[1:]))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !interactive {
		printUsage()
		os.Exit(2)
	}

	// Quiet logs (file-only) so the TUI owns the terminal.
	env, err := newAppEnv(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer env.Close()

	if env.cfg.Recap.Enabled {
		sched := recap.NewScheduler(recap.Config{
			Store:    env.store,
			Logger:   env.logger,
			OwnerID:  env.cfg.OwnerID,
			Schedule: env.cfg.Recap.Schedule,
		})
		if err := sched.Start(ctx); err != nil {
			env.logger.Error("recap scheduler start failed", "error", err)
		} else {
			defer sched.Stop()
		}
	}

	// Mirror every store mutation into the session log at debug.
	busSub := env.bus.Subscribe("")
	defer env.bus.Unsubscribe(busSub)
	go func() {
		for ev := range busSub.Ch() {
			env.logger.Debug("bus event", "topic", ev.Topic, "payload", ev.Payload)
		}
	}()

	confWatcher := config.NewWatcher(env.cfg.HomeDir, env.logger)
	if err := confWatcher.Start(ctx); err != nil {
		env.logger.Warn("config watcher start failed", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				env.logger.Info("config changed; restart to apply", "path", ev.Path, "op", ev.Op.String())
			}
		}()
	}

	ctx, finish := env.traceCommand(ctx, "tui")
	defer finish()

	start := time.Now()
	err = tui.Run(ctx, tui.Config{
		Store:   env.store,
		Bus:     env.bus,
		OwnerID: env.cfg.OwnerID,
	})
	env.logger.Info("tui session ended", "duration", time.Since(start).Truncate(time.Second))
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// traceCommand opens a span covering one invocation and returns the
// context carrying it plus a finish func that records the duration
// histogram and ends the span. Runners add result attributes through
// trace.SpanFromContext.
func (e *appEnv) traceCommand(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	attrs = append(attrs,
		otelPkg.AttrCommand.String(name),
		otelPkg.AttrOwnerID.Int64(e.cfg.OwnerID),
	)
	ctx, span := otelPkg.StartSpan(ctx, e.otel.Tracer, "command."+name, attrs...)
	start := time.Now()
	return ctx, func() {
		e.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrCommand.String(name)))
		span.End()
	}
}

// exitCodeFor maps store error kinds onto CLI exit codes: 2 for caller
// mistakes, 1 for everything else.
func exitCodeFor(err error) int {
	if persistence.IsNotFound(err) || persistence.IsValidation(err) {
		return 2
	}
	return 1
}

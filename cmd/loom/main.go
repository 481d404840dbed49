package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loomctl/loom/internal/actions"
	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/parser"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/pkg/mcp"
	"github.com/loomctl/loom/pkg/schema"
)

const usage = `loom - workflow execution engine

Usage:
  loom run <workflow-file> [-i key=value ...]
  loom resume <workflow-file> [-i key=value ...]
  loom validate <workflow-file> [-mode strict|lenient|validate_only]
  loom schedule <schedules-file>
  loom mcp

Environment:
  LOOM_STORE           checkpoint backend: memory | file | libsql (default file)
  LOOM_CHECKPOINT_DIR  directory for file checkpoints
  LOOM_DB_PATH         database path for the libsql backend
  LOOM_LOG_LEVEL       debug | info | warn | error
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, cfg, logger, os.Args[2:], false)
	case "resume":
		err = cmdRun(ctx, cfg, logger, os.Args[2:], true)
	case "validate":
		err = cmdValidate(cfg, os.Args[2:])
	case "schedule":
		err = cmdSchedule(ctx, cfg, logger, os.Args[2:])
	case "mcp":
		err = cmdMCP(ctx, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// buildRegistry creates the component registry with built-in actions.
func buildRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := actions.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildStore(cfg Config) (checkpoint.Store, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case "memory":
		return checkpoint.NewMemoryStore(), noop, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		return store, noop, err
	case "libsql":
		store, err := checkpoint.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q (want memory, file, or libsql)", cfg.StoreBackend)
	}
}

// inputFlags collects repeated -i key=value flags. Values are parsed as
// JSON when possible, so -i count=3 yields a number and -i debug=true a
// boolean; anything unparsable stays a string.
type inputFlags struct {
	values map[string]any
}

func (f *inputFlags) String() string { return "" }

func (f *inputFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("input %q must be key=value", s)
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		f.values[key] = parsed
	} else {
		f.values[key] = raw
	}
	return nil
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string, resume bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputs := &inputFlags{}
	fs.Var(inputs, "i", "workflow input as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one workflow file")
	}
	path := fs.Arg(0)

	reg, err := buildRegistry()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading workflow file: %w", err)
	}
	p, err := parser.New(reg)
	if err != nil {
		return err
	}
	wf, _, err := p.Parse(raw, parser.ModeStrict)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	exec, err := engine.New(reg, engine.Options{
		Logger:      logger,
		Store:       store,
		MaxParallel: cfg.MaxParallel,
		WorkflowDir: cfg.WorkflowDir,
		Observer: func(event schema.ProgressEvent) {
			logger.Info("progress",
				slog.String("type", event.Type),
				slog.String("workflow", event.Workflow),
				slog.String("step", event.Step),
				slog.String("path", event.Path),
			)
		},
	})
	if err != nil {
		return err
	}

	var result *engine.RunResult
	if resume {
		result, err = exec.Resume(ctx, wf, inputs.values)
	} else {
		result, err = exec.Run(ctx, wf, inputs.values)
	}
	if result != nil {
		printRunResult(result)
	}
	return err
}

func printRunResult(result *engine.RunResult) {
	out, err := json.MarshalIndent(map[string]any{
		"run_id":      result.RunID,
		"workflow":    result.Workflow,
		"status":      result.Status,
		"resumed":     result.Resumed,
		"duration_ms": result.Duration.Milliseconds(),
		"results":     result.Results,
	}, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

func cmdValidate(cfg Config, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	modeFlag := fs.String("mode", "validate_only", "validation mode: strict, lenient, or validate_only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one workflow file")
	}

	var mode parser.Mode
	switch *modeFlag {
	case "strict":
		mode = parser.ModeStrict
	case "lenient":
		mode = parser.ModeLenient
	case "validate_only":
		mode = parser.ModeValidateOnly
	default:
		return fmt.Errorf("unknown mode %q", *modeFlag)
	}

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	p, err := parser.New(reg)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("reading workflow file: %w", err)
	}

	wf, result, parseErr := p.Parse(raw, mode)
	report := map[string]any{"valid": parseErr == nil}
	if wf != nil {
		report["workflow"] = wf.Name
		report["steps"] = len(wf.Steps)
	}
	if result != nil {
		if len(result.Errors) > 0 {
			report["errors"] = result.Errors
		}
		if len(result.Warnings) > 0 {
			report["warnings"] = result.Warnings
		}
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if parseErr != nil {
		return fmt.Errorf("workflow is invalid")
	}
	return nil
}

func cmdMCP(ctx context.Context, cfg Config, logger *slog.Logger) error {
	reg, err := buildRegistry()
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	exec, err := engine.New(reg, engine.Options{
		Logger:      logger,
		Store:       store,
		MaxParallel: cfg.MaxParallel,
		WorkflowDir: cfg.WorkflowDir,
	})
	if err != nil {
		return err
	}

	server, err := mcp.NewLoomServer(mcp.ServerDeps{
		Executor: exec,
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	logger.Info("mcp server listening on stdio")
	return server.Serve(ctx)
}

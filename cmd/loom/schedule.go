package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/parser"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/scheduler"
)

// scheduleEntry is one item in a schedules file.
type scheduleEntry struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Workflow string         `yaml:"workflow"` // path to the workflow file
	Inputs   map[string]any `yaml:"inputs,omitempty"`
}

// registryRunner adapts the executor to the scheduler's runner interface.
type registryRunner struct {
	exec *engine.Executor
	reg  *registry.Registry
}

func (r *registryRunner) RunByName(ctx context.Context, workflow string, inputs map[string]any) error {
	ref, err := r.reg.Workflow(workflow)
	if err != nil {
		return err
	}
	_, err = r.exec.Run(ctx, ref.File, inputs)
	return err
}

// cmdSchedule loads a schedules file, registers the referenced workflows,
// and runs the cron loop until interrupted.
func cmdSchedule(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one schedules file")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("reading schedules file: %w", err)
	}
	var entries []scheduleEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing schedules file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("schedules file declares no entries")
	}

	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	p, err := parser.New(reg)
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

	sched := scheduler.New(&registryRunner{exec: exec, reg: reg}, logger)
	for _, entry := range entries {
		path := entry.Workflow
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.WorkflowDir, path)
		}
		doc, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading workflow %q: %w", entry.Workflow, err)
		}
		wf, _, err := p.Parse(doc, parser.ModeStrict)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", entry.Workflow, err)
		}
		if !reg.HasWorkflow(wf.Name) {
			if err := reg.RegisterWorkflow(wf.Name, wf); err != nil {
				return err
			}
		}
		if err := sched.Add(scheduler.Entry{
			Name:     entry.Name,
			CronExpr: entry.Cron,
			Workflow: wf.Name,
			Inputs:   entry.Inputs,
		}); err != nil {
			return err
		}
		logger.Info("schedule registered",
			slog.String("schedule", entry.Name),
			slog.String("workflow", wf.Name),
			slog.String("cron", entry.Cron),
		)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

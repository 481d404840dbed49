// Package scheduler triggers registered workflows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomctl/loom/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the executor (avoids import cycle).
type WorkflowRunner interface {
	RunByName(ctx context.Context, workflow string, inputs map[string]any) error
}

// Entry is one scheduled trigger: a cron expression plus the workflow to
// run and the inputs to run it with.
type Entry struct {
	Name     string
	CronExpr string
	Workflow string
	Inputs   map[string]any

	lastRun   time.Time
	nextRun   time.Time
	lastError string
}

// Scheduler fires workflow runs when their cron schedules come due.
type Scheduler struct {
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry names currently executing (dedup)
}

// New creates a Scheduler that checks schedules once per minute.
func New(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a schedule entry. The cron expression is validated up
// front and the first due time computed from now.
func (s *Scheduler) Add(entry Entry) error {
	if entry.Name == "" || entry.Workflow == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule entry needs a name and a workflow")
	}
	schedule, err := s.parser.Parse(entry.CronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q for schedule %q", entry.CronExpr, entry.Name).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", entry.Name)
	}
	entry.nextRun = schedule.Next(time.Now().UTC())
	s.entries[entry.Name] = &entry
	return nil
}

// Remove drops a schedule entry. Removing an unknown name is a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Entries returns a snapshot of the registered schedules, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every entry whose due time has passed. Exposed so callers can
// force an immediate check.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.Name) {
			continue // already running (dedup)
		}
		s.runEntry(ctx, e, now)
		s.release(e.Name)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *Entry, now time.Time) {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule", e.Name),
		slog.String("workflow", e.Workflow),
	)

	err := s.runner.RunByName(ctx, e.Workflow, e.Inputs)
	if err != nil {
		s.logger.Error("scheduled workflow failed",
			slog.String("schedule", e.Name),
			slog.String("error", err.Error()),
		)
	}

	schedule, parseErr := s.parser.Parse(e.CronExpr)
	next := now.Add(s.interval)
	if parseErr == nil {
		next = schedule.Next(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.lastRun = now
	e.nextRun = next
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}

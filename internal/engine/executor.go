// Package engine executes validated workflow files: it drives steps in
// document order, dispatches each step kind to its handler, records
// results into the run context, persists checkpoints, and reports
// progress events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/parser"
	"github.com/loomctl/loom/internal/preflight"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/pkg/schema"
)

const defaultMaxParallel = 4

// Observer receives every progress event in emission order.
type Observer func(event schema.ProgressEvent)

// Options configures an Executor. All fields are optional.
type Options struct {
	Logger   *slog.Logger
	Store    checkpoint.Store
	Hub      streaming.Hub
	Observer Observer

	// Preflight, when set, runs the workflow's collected prerequisites
	// before the first step.
	Preflight *preflight.Registry

	// MaxParallel bounds concurrent children of a parallel step.
	MaxParallel int

	// WorkflowDir is the base directory for workflow_path references.
	WorkflowDir string
}

// Executor coordinates workflow runs. Safe for concurrent use; each call
// to Run or Resume drives an independent run.
type Executor struct {
	reg         *registry.Registry
	parser      *parser.Parser
	logger      *slog.Logger
	store       checkpoint.Store
	hub         streaming.Hub
	observer    Observer
	preflight   *preflight.Registry
	maxParallel int
	workflowDir string
}

func New(reg *registry.Registry, opts Options) (*Executor, error) {
	if reg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry is nil")
	}
	p, err := parser.New(reg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.Default().Handler()))
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Executor{
		reg:         reg,
		parser:      p,
		logger:      logger,
		store:       opts.Store,
		hub:         opts.Hub,
		observer:    opts.Observer,
		preflight:   opts.Preflight,
		maxParallel: maxParallel,
		workflowDir: opts.WorkflowDir,
	}, nil
}

// RunResult is the aggregate outcome of one workflow run.
type RunResult struct {
	RunID    string
	Workflow string
	Status   schema.RunStatus
	Results  []schema.StepResult
	Resumed  bool
	Duration time.Duration
}

// Run executes a workflow. If a checkpoint exists for the workflow name
// and its inputs hash matches, the run resumes implicitly: completed step
// results are seeded and execution continues from the first unresumed
// step. Any mismatch or load problem falls back to a fresh run.
func (e *Executor) Run(ctx context.Context, wf *schema.WorkflowFile, inputs map[string]any) (*RunResult, error) {
	return e.execute(ctx, wf, inputs, false)
}

// Resume executes a workflow, requiring a resumable checkpoint. A missing
// checkpoint is a hard error; an inputs-hash mismatch still forces a
// fresh start (never a partial resume).
func (e *Executor) Resume(ctx context.Context, wf *schema.WorkflowFile, inputs map[string]any) (*RunResult, error) {
	return e.execute(ctx, wf, inputs, true)
}

// run carries the state of one workflow run. Nested sub-workflow runs
// point back at their parent so event emission stays serialized across
// the whole run tree.
type run struct {
	e      *Executor
	wf     *schema.WorkflowFile
	rc     *Context
	parent *run
	emitMu sync.Mutex
}

func (r *run) emitLock() *sync.Mutex {
	if r.parent != nil {
		return r.parent.emitLock()
	}
	return &r.emitMu
}

func (e *Executor) execute(ctx context.Context, wf *schema.WorkflowFile, inputs map[string]any, explicitResume bool) (*RunResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	started := time.Now()

	inputs, err := ApplyInputDefaults(wf, inputs)
	if err != nil {
		return nil, err
	}
	inputsHash, err := checkpoint.HashInputs(inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithWorkflow(ctx, wf.Name)
	ctx = logging.WithRunID(ctx, runID)

	r := &run{
		e:  e,
		wf: wf,
		rc: NewContext(wf.Name, runID, inputs),
	}

	result := &RunResult{RunID: runID, Workflow: wf.Name, Status: schema.RunStatusRunning}
	fail := func(err error) (*RunResult, error) {
		result.Status = schema.RunStatusFailed
		result.Results = r.rc.Results()
		result.Duration = time.Since(started)
		return result, err
	}

	if e.preflight != nil {
		if err := r.runPreflight(ctx); err != nil {
			return fail(err)
		}
	}

	seeded, err := r.restoreCheckpoint(ctx, inputsHash, explicitResume)
	if err != nil {
		return fail(err)
	}
	result.Resumed = len(seeded) > 0

	if result.Resumed {
		r.emit(ctx, schema.ProgressEvent{
			Type:    schema.EventWorkflowResumed,
			Payload: map[string]any{"inputs_hash": inputsHash, "seeded_steps": len(seeded)},
		})
	} else {
		r.emit(ctx, schema.ProgressEvent{
			Type:    schema.EventWorkflowStarted,
			Payload: map[string]any{"inputs_hash": inputsHash},
		})
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		name := step.EffectiveName()
		if seeded[name] {
			continue
		}

		// Cancellation is honored between steps, not mid-step.
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Status = schema.RunStatusCancelled
			result.Results = r.rc.Results()
			result.Duration = time.Since(started)
			cancelErr := schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").WithCause(ctxErr)
			r.emit(ctx, schema.ProgressEvent{
				Type:    schema.EventWorkflowFailed,
				Payload: map[string]any{"error": cancelErr.Error()},
			})
			return result, cancelErr
		}

		res := r.runStep(ctx, step, name)
		if recErr := r.rc.Record(res); recErr != nil {
			return fail(recErr)
		}

		if res.Status == schema.StepStatusFailed {
			stepErr := schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %q failed: %s", name, res.Error).WithStep(name)
			r.emit(ctx, schema.ProgressEvent{
				Type:    schema.EventWorkflowFailed,
				Step:    name,
				Path:    name,
				Payload: map[string]any{"error": res.Error},
			})
			return fail(stepErr)
		}

		if step.IsCheckpoint() && res.Status == schema.StepStatusSucceeded {
			r.saveCheckpoint(ctx, name, inputsHash)
		}
	}

	// A completed run has nothing left to resume.
	if e.store != nil {
		if err := e.store.Clear(ctx, wf.Name); err != nil {
			e.logger.WarnContext(ctx, "clearing checkpoint after completion", "error", err)
		}
	}

	result.Status = schema.RunStatusCompleted
	result.Results = r.rc.Results()
	result.Duration = time.Since(started)
	r.emit(ctx, schema.ProgressEvent{
		Type:    schema.EventWorkflowCompleted,
		Payload: map[string]any{"steps": len(result.Results)},
	})
	return result, nil
}

func (r *run) runPreflight(ctx context.Context) error {
	resolve := func(name string) (*schema.WorkflowFile, bool) {
		ref, err := r.e.reg.Workflow(name)
		if err != nil {
			return nil, false
		}
		return ref.File, true
	}
	names := r.e.preflight.Collect(r.wf, resolve)
	if len(names) == 0 {
		return nil
	}
	plan, err := r.e.preflight.Plan(names)
	if err != nil {
		return err
	}
	result := plan.Run(ctx, func(e schema.ProgressEvent) { r.emit(ctx, e) })
	return result.ToError()
}

// restoreCheckpoint decides the resume behavior for this run and returns
// the set of step names whose results were seeded from a checkpoint.
func (r *run) restoreCheckpoint(ctx context.Context, inputsHash string, explicitResume bool) (map[string]bool, error) {
	if r.e.store == nil {
		if explicitResume {
			return nil, schema.NewError(schema.ErrCodeCheckpoint, "resume requested but no checkpoint store is configured")
		}
		return nil, nil
	}

	cp, err := r.e.store.Load(ctx, r.wf.Name)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if explicitResume {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"no checkpoint found for workflow %q", r.wf.Name)
		}
		return nil, nil
	}
	if err != nil {
		if explicitResume {
			return nil, err
		}
		r.e.logger.WarnContext(ctx, "loading checkpoint failed, starting fresh", "error", err)
		return nil, nil
	}

	if cp.InputsHash != inputsHash {
		// Different inputs invalidate the checkpoint: roll it back and
		// start fresh, never a partial resume.
		r.emit(ctx, schema.ProgressEvent{
			Type:    schema.EventRollbackStarted,
			Payload: map[string]any{"checkpoint_id": cp.ID, "stored_hash": cp.InputsHash, "current_hash": inputsHash},
		})
		if err := r.e.store.Clear(ctx, r.wf.Name); err != nil {
			r.e.logger.WarnContext(ctx, "clearing stale checkpoint", "error", err)
		}
		r.emit(ctx, schema.ProgressEvent{
			Type:    schema.EventRollbackCompleted,
			Payload: map[string]any{"checkpoint_id": cp.ID},
		})
		return nil, nil
	}

	seeded := make(map[string]bool, len(cp.Results))
	for _, res := range cp.Results {
		if err := r.rc.Record(res); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCheckpoint,
				"corrupt checkpoint for workflow %q", r.wf.Name).WithCause(err)
		}
		seeded[res.Name] = true
	}
	return seeded, nil
}

// saveCheckpoint persists all results accumulated so far. Save failures
// degrade resumability but never fail the run.
func (r *run) saveCheckpoint(ctx context.Context, stepName, inputsHash string) {
	if r.e.store == nil {
		return
	}
	cp := &checkpoint.Checkpoint{
		ID:         stepName,
		Workflow:   r.wf.Name,
		InputsHash: inputsHash,
		Results:    r.rc.Results(),
		SavedAt:    time.Now().UTC(),
	}
	if err := r.e.store.Save(ctx, cp); err != nil {
		r.e.logger.WarnContext(ctx, "saving checkpoint failed", "step", stepName, "error", err)
		return
	}
	r.emit(ctx, schema.ProgressEvent{
		Type:    schema.EventCheckpointSaved,
		Step:    stepName,
		Path:    stepName,
		Payload: map[string]any{"results": len(cp.Results)},
	})
}

// emit delivers one event to the observer and the hub, in emission order.
// Parallel children emit concurrently, so delivery is serialized here.
func (r *run) emit(ctx context.Context, event schema.ProgressEvent) {
	event.Workflow = r.rc.Workflow()
	event.RunID = r.rc.RunID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	lock := r.emitLock()
	lock.Lock()
	defer lock.Unlock()
	if r.e.observer != nil {
		r.e.observer(event)
	}
	if r.e.hub != nil {
		if err := r.e.hub.Publish(ctx, event); err != nil && ctx.Err() == nil {
			r.e.logger.WarnContext(ctx, "publishing progress event", "type", event.Type, "error", err)
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomctl/loom/internal/expressions"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/parser"
	"github.com/loomctl/loom/pkg/schema"
)

// stepOutcome is what a handler reports back to runStep.
type stepOutcome struct {
	output   any
	status   schema.StepStatus
	attempts int
	err      error
}

func succeeded(output any, attempts int) stepOutcome {
	return stepOutcome{output: output, status: schema.StepStatusSucceeded, attempts: attempts}
}

func failed(err error, attempts int) stepOutcome {
	return stepOutcome{status: schema.StepStatusFailed, attempts: attempts, err: err}
}

func skipped() stepOutcome {
	return stepOutcome{status: schema.StepStatusSkipped, attempts: 1}
}

// runStep executes one step (checkpoint wrappers delegate to their inner
// step) and returns its result. Results of nested children are folded
// into the enclosing step's output; only the enclosing step is recorded
// in the run context by the caller.
func (r *run) runStep(ctx context.Context, step *schema.StepRecord, path string) schema.StepResult {
	name := step.EffectiveName()
	inner := step.Inner()
	ctx = logging.WithStepPath(ctx, path)
	started := time.Now()

	r.emit(ctx, schema.ProgressEvent{Type: schema.EventStepStarted, Step: name, Path: path})

	outcome := r.dispatch(ctx, inner, path)

	res := schema.StepResult{
		Name:       name,
		Type:       inner.Type,
		Status:     outcome.status,
		Success:    outcome.status == schema.StepStatusSucceeded,
		Output:     outcome.output,
		DurationMs: time.Since(started).Milliseconds(),
		Attempts:   outcome.attempts,
	}

	switch outcome.status {
	case schema.StepStatusSucceeded:
		r.emit(ctx, schema.ProgressEvent{
			Type: schema.EventStepCompleted, Step: name, Path: path,
			Payload: map[string]any{"output": res.Output, "duration_ms": res.DurationMs},
		})
	case schema.StepStatusSkipped:
		r.emit(ctx, schema.ProgressEvent{Type: schema.EventStepSkipped, Step: name, Path: path})
	default:
		res.Error = outcome.err.Error()
		r.e.logger.ErrorContext(ctx, "step failed", "step", name, "error", outcome.err)
		r.emit(ctx, schema.ProgressEvent{
			Type: schema.EventStepFailed, Step: name, Path: path,
			Payload: map[string]any{"error": res.Error},
		})
	}
	return res
}

func (r *run) dispatch(ctx context.Context, inner *schema.StepRecord, path string) stepOutcome {
	switch inner.Type {
	case schema.StepTypeAction:
		return r.handleAction(ctx, inner)
	case schema.StepTypeAgent:
		return r.handleAgent(ctx, inner)
	case schema.StepTypeGenerate:
		return r.handleGenerate(ctx, inner)
	case schema.StepTypeValidate:
		return r.handleValidate(ctx, inner)
	case schema.StepTypeSubWorkflow:
		return r.handleSubworkflow(ctx, inner, path)
	case schema.StepTypeBranch:
		return r.handleBranch(ctx, inner, path)
	case schema.StepTypeParallel:
		return r.handleParallel(ctx, inner, path)
	default:
		return failed(schema.NewErrorf(schema.ErrCodeExecution,
			"no handler for step type %q", inner.Type), 1)
	}
}

// resolveWith resolves a step's keyword arguments against the current
// context snapshot.
func (r *run) resolveWith(with map[string]any) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	resolved, err := expressions.ResolveValue(with, r.rc.Scope())
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (r *run) handleAction(ctx context.Context, inner *schema.StepRecord) stepOutcome {
	action, err := r.e.reg.Action(inner.Action)
	if err != nil {
		return failed(err, 1)
	}
	with, err := r.resolveWith(inner.With)
	if err != nil {
		return failed(err, 1)
	}
	output, err := action.Execute(ctx, with)
	if err != nil {
		return failed(schema.NewErrorf(schema.ErrCodeExecution,
			"action %q failed: %v", inner.Action, err).WithCause(err), 1)
	}
	return succeeded(output, 1)
}

// collaboratorPayload builds the input mapping handed to an agent or
// generator: the referenced context builder's output when one is declared,
// the step's resolved kwargs otherwise.
func (r *run) collaboratorPayload(ctx context.Context, inner *schema.StepRecord) (map[string]any, error) {
	if inner.ContextBuilder != "" {
		builder, err := r.e.reg.ContextBuilder(inner.ContextBuilder)
		if err != nil {
			return nil, err
		}
		payload, err := builder.Build(ctx, r.rc.Inputs(), r.rc.StepOutputs())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"context builder %q failed: %v", inner.ContextBuilder, err).WithCause(err)
		}
		return payload, nil
	}
	return r.resolveWith(inner.With)
}

func (r *run) handleAgent(ctx context.Context, inner *schema.StepRecord) stepOutcome {
	agent, err := r.e.reg.Agent(inner.Agent)
	if err != nil {
		return failed(err, 1)
	}
	payload, err := r.collaboratorPayload(ctx, inner)
	if err != nil {
		return failed(err, 1)
	}
	output, err := agent.Execute(ctx, payload)
	if err != nil {
		return failed(schema.NewErrorf(schema.ErrCodeExecution,
			"agent %q failed: %v", inner.Agent, err).WithCause(err), 1)
	}
	return succeeded(output, 1)
}

func (r *run) handleGenerate(ctx context.Context, inner *schema.StepRecord) stepOutcome {
	generator, err := r.e.reg.Generator(inner.Generator)
	if err != nil {
		return failed(err, 1)
	}
	payload, err := r.collaboratorPayload(ctx, inner)
	if err != nil {
		return failed(err, 1)
	}
	text, err := generator.Generate(ctx, payload)
	if err != nil {
		return failed(schema.NewErrorf(schema.ErrCodeExecution,
			"generator %q failed: %v", inner.Generator, err).WithCause(err), 1)
	}
	return succeeded(text, 1)
}

// handleValidate runs the declared stages in order. On a stage failure the
// whole stage sequence is retried, up to the configured attempt count,
// with backoff between attempts.
func (r *run) handleValidate(ctx context.Context, inner *schema.StepRecord) stepOutcome {
	maxAttempts := 1
	if inner.Retry != nil && inner.Retry.MaxAttempts > 0 {
		maxAttempts = inner.Retry.MaxAttempts
	}
	with, err := r.resolveWith(inner.With)
	if err != nil {
		return failed(err, 1)
	}

	for attempt := 1; ; attempt++ {
		r.emit(ctx, schema.ProgressEvent{
			Type: schema.EventValidationStarted, Step: inner.Name,
			Payload: map[string]any{"attempt": attempt, "stages": inner.Stages},
		})

		stages := make([]map[string]any, 0, len(inner.Stages))
		var stageErr error
		for _, stageName := range inner.Stages {
			action, err := r.e.reg.Action(stageName)
			if err != nil {
				// Unresolvable stage names never become resolvable; do not retry.
				return failed(err, attempt)
			}
			output, err := action.Execute(ctx, with)
			ok := err == nil && stageOK(output)
			entry := map[string]any{"stage": stageName, "ok": ok}
			if err != nil {
				entry["error"] = err.Error()
				stageErr = schema.NewErrorf(schema.ErrCodeExecution,
					"validation stage %q failed: %v", stageName, err).WithCause(err)
			} else if !ok {
				entry["output"] = output
				stageErr = schema.NewErrorf(schema.ErrCodeExecution,
					"validation stage %q reported failure", stageName)
			}
			stages = append(stages, entry)
			if stageErr != nil {
				break
			}
		}

		if stageErr == nil {
			r.emit(ctx, schema.ProgressEvent{
				Type: schema.EventValidationCompleted, Step: inner.Name,
				Payload: map[string]any{"attempts": attempt},
			})
			return succeeded(map[string]any{"stages": stages, "attempts": attempt}, attempt)
		}

		r.emit(ctx, schema.ProgressEvent{
			Type: schema.EventValidationFailed, Step: inner.Name,
			Payload: map[string]any{"attempt": attempt, "error": stageErr.Error()},
		})

		if attempt >= maxAttempts {
			return failed(schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"validation failed after %d attempt(s)", attempt).WithCause(stageErr), attempt)
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(inner.Retry, attempt-1)); err != nil {
			return failed(schema.NewError(schema.ErrCodeCancelled, "validation cancelled during backoff").WithCause(err), attempt)
		}
	}
}

// stageOK interprets a validation stage's output: a map with "ok": false
// marks the stage failed even without an error.
func stageOK(output any) bool {
	if m, ok := output.(map[string]any); ok {
		if v, present := m["ok"]; present {
			if b, isBool := v.(bool); isBool {
				return b
			}
		}
	}
	return true
}

// handleBranch evaluates each option's condition in order and executes the
// first match's nested step. No match means the step is skipped.
func (r *run) handleBranch(ctx context.Context, inner *schema.StepRecord, path string) stepOutcome {
	for i := range inner.Options {
		opt := &inner.Options[i]
		match, err := r.evalCondition(opt.Condition)
		if err != nil {
			return failed(schema.NewErrorf(schema.ErrCodeEvaluation,
				"branch condition %d failed: %v", i, err).WithCause(err), 1)
		}
		if !match {
			continue
		}
		child := &opt.Step
		childRes := r.runStep(ctx, child, indexedChildPath(path, i, child.EffectiveName()))
		return stepOutcome{
			output:   childRes.Output,
			status:   childRes.Status,
			attempts: childRes.Attempts,
			err:      childError(childRes),
		}
	}
	return skipped()
}

// evalCondition evaluates a branch condition, written either as a bare
// expression or with ${{ }} delimiters. A missing-reference error makes
// the condition false; any other error propagates.
func (r *run) evalCondition(src string) (bool, error) {
	scope := r.rc.Scope()
	var value any
	var err error
	if expressions.HasExpression(src) {
		value, err = expressions.Render(src, scope)
	} else {
		value, err = expressions.EvaluateString(src, scope)
	}
	if err != nil {
		if expressions.IsMissingReference(err) {
			return false, nil
		}
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"branch condition must evaluate to a boolean, got %T", value)
	}
	return b, nil
}

// handleParallel dispatches the nested steps concurrently through a
// bounded pool and aggregates their outputs preserving declared order.
// Any child failure fails the whole step.
func (r *run) handleParallel(ctx context.Context, inner *schema.StepRecord, path string) stepOutcome {
	pool := NewWorkerPool(r.e.maxParallel)
	results := make([]schema.StepResult, len(inner.Steps))

	for i := range inner.Steps {
		i := i
		child := &inner.Steps[i]
		childPath := indexedChildPath(path, i, child.EffectiveName())
		if err := pool.Submit(ctx, func(ctx context.Context) {
			results[i] = r.runStep(ctx, child, childPath)
		}); err != nil {
			results[i] = schema.StepResult{
				Name:   child.EffectiveName(),
				Type:   child.Inner().Type,
				Status: schema.StepStatusFailed,
				Error:  err.Error(),
			}
		}
	}
	pool.Wait()
	pool.Shutdown()

	outputs := make([]any, len(results))
	for i, res := range results {
		outputs[i] = res.Output
		if res.Status == schema.StepStatusFailed {
			return failed(schema.NewErrorf(schema.ErrCodeStepFailed,
				"parallel child %q failed: %s", res.Name, res.Error), 1)
		}
	}
	return succeeded(outputs, 1)
}

// handleSubworkflow runs the referenced workflow to completion in an
// isolated context. Only the aggregate output map is visible to the
// parent; the sub-workflow's individual step results are not flattened
// into the parent's steps namespace.
func (r *run) handleSubworkflow(ctx context.Context, inner *schema.StepRecord, path string) stepOutcome {
	subWF, err := r.resolveSubworkflow(inner)
	if err != nil {
		return failed(err, 1)
	}

	var mapped map[string]any
	if inner.InputMap != nil {
		resolved, err := expressions.ResolveValue(inner.InputMap, r.rc.Scope())
		if err != nil {
			return failed(err, 1)
		}
		mapped = resolved.(map[string]any)
	}
	subInputs, err := ApplyInputDefaults(subWF, mapped)
	if err != nil {
		return failed(schema.NewErrorf(schema.ErrCodeValidation,
			"subworkflow %q inputs invalid: %v", subWF.Name, err).WithCause(err), 1)
	}

	sub := &run{
		e:      r.e,
		wf:     subWF,
		rc:     NewContext(subWF.Name, r.rc.RunID(), subInputs),
		parent: r,
	}
	for i := range subWF.Steps {
		step := &subWF.Steps[i]
		name := step.EffectiveName()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(schema.NewError(schema.ErrCodeCancelled, "subworkflow cancelled").WithCause(ctxErr), 1)
		}
		res := sub.runStep(ctx, step, childPath(path, name))
		if err := sub.rc.Record(res); err != nil {
			return failed(err, 1)
		}
		if res.Status == schema.StepStatusFailed {
			return failed(schema.NewErrorf(schema.ErrCodeStepFailed,
				"subworkflow %q step %q failed: %s", subWF.Name, name, res.Error), 1)
		}
	}
	return succeeded(sub.rc.StepOutputs(), 1)
}

func (r *run) resolveSubworkflow(inner *schema.StepRecord) (*schema.WorkflowFile, error) {
	if inner.Workflow != "" {
		ref, err := r.e.reg.Workflow(inner.Workflow)
		if err != nil {
			return nil, err
		}
		return ref.File, nil
	}
	if inner.WorkflowPath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"subworkflow step declares neither workflow nor workflow_path")
	}

	p := inner.WorkflowPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.e.workflowDir, p)
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"reading workflow file %q", inner.WorkflowPath).WithCause(err)
	}
	wf, _, err := r.e.parser.Parse(raw, parser.ModeStrict)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow file %q is invalid", inner.WorkflowPath).WithCause(err)
	}
	return wf, nil
}

func childError(res schema.StepResult) error {
	if res.Status != schema.StepStatusFailed {
		return nil
	}
	return fmt.Errorf("%s", res.Error)
}

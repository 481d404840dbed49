package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/pkg/schema"
)

// eventLog captures progress events from an Observer.
type eventLog struct {
	mu     sync.Mutex
	events []schema.ProgressEvent
}

func (l *eventLog) observer() Observer {
	return func(event schema.ProgressEvent) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, event)
	}
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) ofType(eventType string) []schema.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schema.ProgressEvent
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// callCounter tracks how many times each registered action ran.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) bump(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *callCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func countingRegistry(t *testing.T, counter *callCounter) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, name := range []string{"fetch", "compile", "publish"} {
		name := name
		require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
			ActionName: name,
			Fn: func(ctx context.Context, with map[string]any) (any, error) {
				counter.bump(name)
				return map[string]any{"ran": name, "with": with}, nil
			},
		}))
	}
	return reg
}

func actionStep(name, action string, with map[string]any) schema.StepRecord {
	return schema.StepRecord{Name: name, Type: schema.StepTypeAction, Action: action, With: with}
}

func checkpointStep(inner schema.StepRecord) schema.StepRecord {
	return schema.StepRecord{Type: schema.StepTypeCheckpoint, Step: &inner}
}

func TestExecutor_RunsStepsInDocumentOrder(t *testing.T) {
	counter := newCallCounter()
	reg := countingRegistry(t, counter)
	log := &eventLog{}

	exec, err := New(reg, Options{Observer: log.observer()})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "release",
		Steps: []schema.StepRecord{
			actionStep("fetch-sources", "fetch", nil),
			actionStep("compile-all", "compile", map[string]any{"prev": `${{ steps["fetch-sources"].success }}`}),
			actionStep("publish-build", "publish", nil),
		},
	}

	result, err := exec.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	require.Len(t, result.Results, 3)

	names := []string{result.Results[0].Name, result.Results[1].Name, result.Results[2].Name}
	assert.Equal(t, []string{"fetch-sources", "compile-all", "publish-build"}, names)
	for _, res := range result.Results {
		assert.Equal(t, schema.StepStatusSucceeded, res.Status)
		assert.True(t, res.Success)
	}

	// The second step saw the first step's recorded result.
	output := result.Results[1].Output.(map[string]any)
	assert.Equal(t, map[string]any{"prev": true}, output["with"])

	types := log.types()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventWorkflowStarted, types[0])
	assert.Equal(t, schema.EventWorkflowCompleted, types[len(types)-1])
	assert.Len(t, log.ofType(schema.EventStepCompleted), 3)
}

func TestExecutor_DeterministicAcrossRuns(t *testing.T) {
	run := func() []schema.StepResult {
		counter := newCallCounter()
		exec, err := New(countingRegistry(t, counter), Options{})
		require.NoError(t, err)
		wf := &schema.WorkflowFile{
			Version: "1.0",
			Name:    "repeatable",
			Inputs:  map[string]schema.InputDefinition{"target": {Type: "string", Default: "prod"}},
			Steps: []schema.StepRecord{
				actionStep("fetch_sources", "fetch", map[string]any{"target": "${{ context.target }}"}),
				actionStep("publish_build", "publish", map[string]any{"from": "${{ steps.fetch_sources.output.ran }}"}),
			},
		}
		result, err := exec.Run(context.Background(), wf, nil)
		require.NoError(t, err)
		return result.Results
	}

	first, second := run(), run()
	require.Len(t, first, 2)
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.Equal(t, first[i].Output, second[i].Output)
		assert.Equal(t, first[i].Status, second[i].Status)
	}
}

func TestExecutor_StepFailureStopsRun(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "boom",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "disk full")
		},
	}))
	ran := false
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "after",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			ran = true
			return nil, nil
		},
	}))

	log := &eventLog{}
	exec, err := New(reg, Options{Observer: log.observer()})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "fragile",
		Steps: []schema.StepRecord{
			actionStep("explode", "boom", nil),
			actionStep("never-reached", "after", nil),
		},
	}

	result, err := exec.Run(context.Background(), wf, nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeStepFailed, serr.Code)
	assert.Equal(t, "explode", serr.Step)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.Len(t, result.Results, 1)
	assert.Equal(t, schema.StepStatusFailed, result.Results[0].Status)
	assert.Contains(t, result.Results[0].Error, "disk full")
	assert.False(t, ran, "steps after a failure must not run")
	assert.Len(t, log.ofType(schema.EventWorkflowFailed), 1)
}

func TestExecutor_InputValidation(t *testing.T) {
	exec, err := New(countingRegistry(t, newCallCounter()), Options{})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "strict-inputs",
		Inputs: map[string]schema.InputDefinition{
			"env":     {Type: "string", Required: true},
			"retries": {Type: "int", Default: 3},
		},
		Steps: []schema.StepRecord{actionStep("fetch-sources", "fetch", nil)},
	}

	_, err = exec.Run(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required input")

	_, err = exec.Run(context.Background(), wf, map[string]any{"env": "prod", "bogus": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown input "bogus"`)
}

func TestExecutor_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "trip",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			cancel()
			return "done", nil
		},
	}))
	secondRan := false
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "after",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			secondRan = true
			return nil, nil
		},
	}))

	exec, err := New(reg, Options{})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "cancellable",
		Steps: []schema.StepRecord{
			actionStep("first", "trip", nil),
			actionStep("second", "after", nil),
		},
	}

	result, err := exec.Run(ctx, wf, nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeCancelled, serr.Code)

	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.Len(t, result.Results, 1, "the in-flight step completes before cancellation is honored")
	assert.Equal(t, schema.StepStatusSucceeded, result.Results[0].Status)
	assert.False(t, secondRan)
}

func TestExecutor_CheckpointResumeSkipsCompletedSteps(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	counter := newCallCounter()

	reg := countingRegistry(t, counter)
	failPublish := true
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "flaky_publish",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			counter.bump("flaky_publish")
			if failPublish {
				return nil, schema.NewError(schema.ErrCodeExecution, "registry unreachable")
			}
			return "published", nil
		},
	}))

	log := &eventLog{}
	exec, err := New(reg, Options{Store: store, Observer: log.observer()})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "deploy",
		Steps: []schema.StepRecord{
			actionStep("fetch-sources", "fetch", nil),
			checkpointStep(actionStep("compile-all", "compile", nil)),
			actionStep("release", "flaky_publish", nil),
		},
	}
	inputs := map[string]any{"env": "prod"}

	result, err := exec.Run(context.Background(), wf, inputs)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.Len(t, log.ofType(schema.EventCheckpointSaved), 1)
	assert.Equal(t, "compile-all", log.ofType(schema.EventCheckpointSaved)[0].Step)

	cp, err := store.Load(context.Background(), "deploy")
	require.NoError(t, err)
	assert.Equal(t, "compile-all", cp.ID)
	require.Len(t, cp.Results, 2)

	// Second attempt resumes past the checkpoint and only reruns the tail.
	failPublish = false
	result, err = exec.Resume(context.Background(), wf, inputs)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)

	assert.Equal(t, 1, counter.count("fetch"), "seeded step must not rerun")
	assert.Equal(t, 1, counter.count("compile"), "seeded step must not rerun")
	assert.Equal(t, 2, counter.count("flaky_publish"))

	// The resumed run's results match an uninterrupted run shape.
	require.Len(t, result.Results, 3)
	assert.Equal(t, "fetch-sources", result.Results[0].Name)
	assert.Equal(t, "compile-all", result.Results[1].Name)
	assert.Equal(t, "release", result.Results[2].Name)
	for _, res := range result.Results {
		assert.Equal(t, schema.StepStatusSucceeded, res.Status)
	}

	// A completed run leaves nothing to resume.
	_, err = store.Load(context.Background(), "deploy")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestExecutor_ResumeWithoutCheckpointFails(t *testing.T) {
	exec, err := New(countingRegistry(t, newCallCounter()), Options{Store: checkpoint.NewMemoryStore()})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "deploy",
		Steps:   []schema.StepRecord{actionStep("fetch-sources", "fetch", nil)},
	}
	_, err = exec.Resume(context.Background(), wf, nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestExecutor_InputsHashMismatchStartsFresh(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	counter := newCallCounter()
	reg := countingRegistry(t, counter)

	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "fail_once",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			counter.bump("fail_once")
			if counter.count("fail_once") == 1 {
				return nil, schema.NewError(schema.ErrCodeExecution, "transient")
			}
			return "ok", nil
		},
	}))

	log := &eventLog{}
	exec, err := New(reg, Options{Store: store, Observer: log.observer()})
	require.NoError(t, err)

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "deploy",
		Steps: []schema.StepRecord{
			checkpointStep(actionStep("fetch-sources", "fetch", nil)),
			actionStep("release", "fail_once", nil),
		},
	}

	_, err = exec.Run(context.Background(), wf, map[string]any{"env": "staging"})
	require.Error(t, err)

	// Rerunning with different inputs invalidates the checkpoint: the
	// stale state is rolled back and every step runs again.
	result, err := exec.Run(context.Background(), wf, map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.Equal(t, 2, counter.count("fetch"))

	assert.Len(t, log.ofType(schema.EventRollbackStarted), 1)
	assert.Len(t, log.ofType(schema.EventRollbackCompleted), 1)
}

func TestExecutor_DuplicateResultRejected(t *testing.T) {
	rc := NewContext("dup", "run-1", nil)
	require.NoError(t, rc.Record(schema.StepResult{Name: "build", Status: schema.StepStatusSucceeded}))
	err := rc.Record(schema.StepResult{Name: "build", Status: schema.StepStatusFailed})
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)
}

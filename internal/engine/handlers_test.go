package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/pkg/schema"
)

func runSingle(t *testing.T, reg *registry.Registry, step schema.StepRecord, inputs map[string]any) (*RunResult, error) {
	t.Helper()
	return runSingleWithLog(t, reg, step, inputs, nil)
}

func runSingleWithLog(t *testing.T, reg *registry.Registry, step schema.StepRecord, inputs map[string]any, log *eventLog) (*RunResult, error) {
	t.Helper()
	opts := Options{}
	if log != nil {
		opts.Observer = log.observer()
	}
	exec, err := New(reg, opts)
	require.NoError(t, err)
	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "single",
		Steps:   []schema.StepRecord{step},
	}
	return exec.Run(context.Background(), wf, inputs)
}

func TestBranch_FirstTrueConditionWins(t *testing.T) {
	var executed sync.Map
	reg := registry.New()
	for _, name := range []string{"opt_a", "opt_b", "opt_c"} {
		name := name
		require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
			ActionName: name,
			Fn: func(ctx context.Context, with map[string]any) (any, error) {
				executed.Store(name, true)
				return "ran " + name, nil
			},
		}))
	}

	step := schema.StepRecord{
		Name: "choose",
		Type: schema.StepTypeBranch,
		Options: []schema.BranchOption{
			{Condition: "false", Step: actionStep("take-a", "opt_a", nil)},
			{Condition: "true", Step: actionStep("take-b", "opt_b", nil)},
			{Condition: "true", Step: actionStep("take-c", "opt_c", nil)},
		},
	}

	result, err := runSingle(t, reg, step, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "ran opt_b", result.Results[0].Output)

	_, ranA := executed.Load("opt_a")
	_, ranB := executed.Load("opt_b")
	_, ranC := executed.Load("opt_c")
	assert.False(t, ranA)
	assert.True(t, ranB)
	assert.False(t, ranC, "options after the first match must not execute")
}

func TestBranch_NoMatchSkipsStep(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "opt_a",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return "a", nil },
	}))

	log := &eventLog{}
	step := schema.StepRecord{
		Name: "choose",
		Type: schema.StepTypeBranch,
		Options: []schema.BranchOption{
			{Condition: "false", Step: actionStep("take-a", "opt_a", nil)},
		},
	}

	result, err := runSingleWithLog(t, reg, step, nil, log)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, schema.StepStatusSkipped, result.Results[0].Status)
	assert.Nil(t, result.Results[0].Output)
	assert.Len(t, log.ofType(schema.EventStepSkipped), 1)
}

func TestBranch_ConditionForms(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "pick",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return "picked", nil },
	}))

	tests := []struct {
		name      string
		condition string
		inputs    map[string]any
		picked    bool
		wantErr   string
	}{
		{name: "bare expression", condition: "context.count > 2", inputs: map[string]any{"count": 3}, picked: true},
		{name: "delimited expression", condition: "${{ context.count > 2 }}", inputs: map[string]any{"count": 3}, picked: true},
		{name: "missing reference is false", condition: "steps.nonexistent.success", inputs: nil, picked: false},
		{name: "non-boolean result", condition: `"yes"`, inputs: nil, wantErr: "must evaluate to a boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &schema.WorkflowFile{
				Version: "1.0",
				Name:    "conditions",
				Inputs:  map[string]schema.InputDefinition{"count": {Type: "int", Default: 0}},
				Steps: []schema.StepRecord{{
					Name: "choose",
					Type: schema.StepTypeBranch,
					Options: []schema.BranchOption{
						{Condition: tt.condition, Step: actionStep("take", "pick", nil)},
					},
				}},
			}
			exec, err := New(reg, Options{})
			require.NoError(t, err)
			result, err := exec.Run(context.Background(), wf, tt.inputs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.picked {
				assert.Equal(t, "picked", result.Results[0].Output)
			} else {
				assert.Equal(t, schema.StepStatusSkipped, result.Results[0].Status)
			}
		})
	}
}

func TestParallel_PreservesDeclaredOrder(t *testing.T) {
	reg := registry.New()
	delays := map[string]time.Duration{"x": 5 * time.Millisecond, "y": 60 * time.Millisecond, "z": time.Millisecond}
	for name, delay := range delays {
		name, delay := name, delay
		require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
			ActionName: name,
			Fn: func(ctx context.Context, with map[string]any) (any, error) {
				time.Sleep(delay)
				return name, nil
			},
		}))
	}

	step := schema.StepRecord{
		Name: "fan-out",
		Type: schema.StepTypeParallel,
		Steps: []schema.StepRecord{
			actionStep("run-x", "x", nil),
			actionStep("run-y", "y", nil),
			actionStep("run-z", "z", nil),
		},
	}

	result, err := runSingle(t, reg, step, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	// y finishes last, but declared order wins in the aggregate output.
	assert.Equal(t, []any{"x", "y", "z"}, result.Results[0].Output)
}

func TestParallel_ChildFailureFailsStep(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "ok",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return "fine", nil },
	}))
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "bad",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "broken pipe")
		},
	}))

	step := schema.StepRecord{
		Name: "fan-out",
		Type: schema.StepTypeParallel,
		Steps: []schema.StepRecord{
			actionStep("good", "ok", nil),
			actionStep("broken", "bad", nil),
		},
	}

	result, err := runSingle(t, reg, step, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
}

func TestParallel_RespectsConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int64
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "track",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	}))

	children := make([]schema.StepRecord, 6)
	for i := range children {
		children[i] = actionStep("worker-"+string(rune('a'+i)), "track", nil)
	}
	step := schema.StepRecord{Name: "fan-out", Type: schema.StepTypeParallel, Steps: children}

	exec, err := New(reg, Options{MaxParallel: 2})
	require.NoError(t, err)
	wf := &schema.WorkflowFile{Version: "1.0", Name: "bounded", Steps: []schema.StepRecord{step}}
	_, err = exec.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestValidate_RetriesUntilStagesPass(t *testing.T) {
	var attempts atomic.Int64
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "lint",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return map[string]any{"ok": true}, nil },
	}))
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "flaky_tests",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			if attempts.Add(1) < 3 {
				return map[string]any{"ok": false, "failed": 2}, nil
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	log := &eventLog{}
	step := schema.StepRecord{
		Name:   "verify",
		Type:   schema.StepTypeValidate,
		Stages: []string{"lint", "flaky_tests"},
		Retry:  &schema.RetryPolicy{MaxAttempts: 5, Backoff: "none"},
	}

	result, err := runSingleWithLog(t, reg, step, nil, log)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, 3, result.Results[0].Attempts)
	assert.Equal(t, int64(3), attempts.Load())

	assert.Len(t, log.ofType(schema.EventValidationStarted), 3)
	assert.Len(t, log.ofType(schema.EventValidationFailed), 2)
	assert.Len(t, log.ofType(schema.EventValidationCompleted), 1)
}

func TestValidate_ExhaustsAttempts(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "always_red",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "assertion failed")
		},
	}))

	step := schema.StepRecord{
		Name:   "verify",
		Type:   schema.StepTypeValidate,
		Stages: []string{"always_red"},
		Retry:  &schema.RetryPolicy{MaxAttempts: 2, Backoff: "none"},
	}

	result, err := runSingle(t, reg, step, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	require.Len(t, result.Results, 1)
	assert.Equal(t, 2, result.Results[0].Attempts)
	assert.Equal(t, schema.StepStatusFailed, result.Results[0].Status)
}

func TestValidate_StageOrderStopsAtFirstFailure(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "first",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			record("first")
			return map[string]any{"ok": false}, nil
		},
	}))
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "second",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			record("second")
			return nil, nil
		},
	}))

	step := schema.StepRecord{
		Name:   "verify",
		Type:   schema.StepTypeValidate,
		Stages: []string{"first", "second"},
	}

	_, err := runSingle(t, reg, step, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, order, "later stages must not run after a failure")
}

func TestSubworkflow_IsolatedContext(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "double",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			n := with["n"].(float64)
			return n * 2, nil
		},
	}))
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "emit",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return with["value"], nil },
	}))

	child := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "math",
		Inputs:  map[string]schema.InputDefinition{"n": {Type: "float", Required: true}},
		Steps: []schema.StepRecord{
			actionStep("doubled", "double", map[string]any{"n": "${{ context.n }}"}),
		},
	}
	require.NoError(t, reg.RegisterWorkflow("math", child))

	parent := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "caller",
		Inputs:  map[string]schema.InputDefinition{"seed": {Type: "float", Default: 21.0}},
		Steps: []schema.StepRecord{
			{
				Name:     "run-math",
				Type:     schema.StepTypeSubWorkflow,
				Workflow: "math",
				InputMap: map[string]any{"n": "${{ context.seed }}"},
			},
			// The parent sees only the sub-workflow's aggregate output, not
			// its internal steps.
			actionStep("use-result", "emit", map[string]any{"value": `${{ steps["run-math"].output.doubled }}`}),
		},
	}

	exec, err := New(reg, Options{})
	require.NoError(t, err)
	result, err := exec.Run(context.Background(), parent, map[string]any{"seed": 21.0})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	agg := result.Results[0].Output.(map[string]any)
	assert.Equal(t, 42.0, agg["doubled"])
	assert.Equal(t, 42.0, result.Results[1].Output)
}

func TestSubworkflow_LoadsFromWorkflowPath(t *testing.T) {
	dir := t.TempDir()
	childYAML := `
version: "1.0"
name: greeter
inputs:
  who:
    type: string
    default: world
steps:
  - name: greet
    type: action
    action: hello
    with:
      who: ${{ context.who }}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.yaml"), []byte(childYAML), 0o644))

	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "hello",
		Fn: func(ctx context.Context, with map[string]any) (any, error) {
			return "hello " + with["who"].(string), nil
		},
	}))

	step := schema.StepRecord{
		Name:         "call-file",
		Type:         schema.StepTypeSubWorkflow,
		WorkflowPath: "greeter.yaml",
		InputMap:     map[string]any{"who": "gopher"},
	}

	exec, err := New(reg, Options{WorkflowDir: dir})
	require.NoError(t, err)
	wf := &schema.WorkflowFile{Version: "1.0", Name: "outer", Steps: []schema.StepRecord{step}}
	result, err := exec.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	agg := result.Results[0].Output.(map[string]any)
	assert.Equal(t, "hello gopher", agg["greet"])
}

func TestSubworkflow_MissingRequiredInputFails(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "noop",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return nil, nil },
	}))
	child := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "needy",
		Inputs:  map[string]schema.InputDefinition{"token": {Type: "string", Required: true}},
		Steps:   []schema.StepRecord{actionStep("work", "noop", nil)},
	}
	require.NoError(t, reg.RegisterWorkflow("needy", child))

	step := schema.StepRecord{Name: "call", Type: schema.StepTypeSubWorkflow, Workflow: "needy"}
	_, err := runSingle(t, reg, step, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required input")
}

func TestAgentAndGenerate_ContextBuilderPayload(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "scan",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return map[string]any{"files": 7}, nil },
	}))
	require.NoError(t, reg.RegisterContextBuilder(&registry.ContextBuilderFunc{
		BuilderName: "review_context",
		Fn: func(ctx context.Context, inputs map[string]any, stepResults map[string]any) (map[string]any, error) {
			scan := stepResults["scan-tree"].(map[string]any)
			return map[string]any{"files": scan["files"], "repo": inputs["repo"]}, nil
		},
	}))
	require.NoError(t, reg.RegisterAgent(&registry.AgentFunc{
		AgentName: "reviewer",
		Fn: func(ctx context.Context, inputs map[string]any) (any, error) {
			return map[string]any{"reviewed": inputs["files"], "repo": inputs["repo"]}, nil
		},
	}))
	require.NoError(t, reg.RegisterGenerator(&registry.GeneratorFunc{
		GeneratorName: "summary",
		Fn: func(ctx context.Context, inputs map[string]any) (string, error) {
			return "summary of " + inputs["repo"].(string), nil
		},
	}))

	wf := &schema.WorkflowFile{
		Version: "1.0",
		Name:    "review",
		Inputs:  map[string]schema.InputDefinition{"repo": {Type: "string", Required: true}},
		Steps: []schema.StepRecord{
			actionStep("scan-tree", "scan", nil),
			{Name: "review-all", Type: schema.StepTypeAgent, Agent: "reviewer", ContextBuilder: "review_context"},
			{Name: "write-summary", Type: schema.StepTypeGenerate, Generator: "summary", ContextBuilder: "review_context"},
		},
	}

	exec, err := New(reg, Options{})
	require.NoError(t, err)
	result, err := exec.Run(context.Background(), wf, map[string]any{"repo": "loom"})
	require.NoError(t, err)
	require.Len(t, result.Results, 3)

	review := result.Results[1].Output.(map[string]any)
	assert.Equal(t, 7, review["reviewed"])
	assert.Equal(t, "loom", review["repo"])
	assert.Equal(t, "summary of loom", result.Results[2].Output)
}

func TestCheckpointWrapper_DelegatesToInnerStep(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "heavy",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return "done", nil },
	}))

	step := checkpointStep(actionStep("heavy-lifting", "heavy", nil))
	result, err := runSingle(t, reg, step, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "heavy-lifting", result.Results[0].Name)
	assert.Equal(t, schema.StepTypeAction, result.Results[0].Type)
	assert.Equal(t, "done", result.Results[0].Output)
}

func TestHierarchicalEventPaths(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterAction(&registry.ActionFunc{
		ActionName: "noop",
		Fn:         func(ctx context.Context, with map[string]any) (any, error) { return nil, nil },
	}))

	log := &eventLog{}
	step := schema.StepRecord{
		Name: "fan-out",
		Type: schema.StepTypeParallel,
		Steps: []schema.StepRecord{
			actionStep("left", "noop", nil),
			actionStep("right", "noop", nil),
		},
	}
	_, err := runSingleWithLog(t, reg, step, nil, log)
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, e := range log.ofType(schema.EventStepStarted) {
		paths[e.Path] = true
	}
	assert.True(t, paths["fan-out"])
	assert.True(t, paths["fan-out/[0]/left"])
	assert.True(t, paths["fan-out/[1]/right"])
}

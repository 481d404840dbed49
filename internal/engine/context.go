package engine

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/loomctl/loom/internal/expressions"
	"github.com/loomctl/loom/pkg/schema"
)

// Context is the mutable shared state of one workflow run: the frozen
// input map plus the append-only, document-ordered record of step
// results. It backs the expression namespaces context.*, steps.* and
// env.*.
type Context struct {
	workflow string
	runID    string
	inputs   map[string]any

	mu      sync.RWMutex
	order   []string
	results map[string]schema.StepResult
}

// NewContext creates a run context with a defensive copy of the inputs;
// the input map is immutable after this point.
func NewContext(workflow, runID string, inputs map[string]any) *Context {
	copied := make(map[string]any, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	return &Context{
		workflow: workflow,
		runID:    runID,
		inputs:   copied,
		results:  make(map[string]schema.StepResult),
	}
}

func (c *Context) Workflow() string { return c.workflow }
func (c *Context) RunID() string    { return c.runID }

// Inputs returns the frozen input map. Callers must not mutate it.
func (c *Context) Inputs() map[string]any { return c.inputs }

// Record appends a step result. Each name is written at most once per
// run; a second write for the same name is a hard error.
func (c *Context) Record(res schema.StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[res.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step result %q already recorded", res.Name).WithStep(res.Name)
	}
	c.order = append(c.order, res.Name)
	c.results[res.Name] = res
	return nil
}

// Result returns the recorded result for a step name.
func (c *Context) Result(name string) (schema.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[name]
	return res, ok
}

// Results returns all recorded results in recording order.
func (c *Context) Results() []schema.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.StepResult, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.results[name])
	}
	return out
}

// StepOutputs returns a map of step name to output value, for handing to
// context builders.
func (c *Context) StepOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.order))
	for _, name := range c.order {
		out[name] = c.results[name].Output
	}
	return out
}

// Scope snapshots the context into an expression evaluation scope. The
// steps namespace exposes a view per completed step: output (with result
// as an alias), success, error, and duration_ms.
func (c *Context) Scope() *expressions.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]any, len(c.order))
	for _, name := range c.order {
		steps[name] = resultView(c.results[name])
	}

	contextNS := make(map[string]any, len(c.inputs)+2)
	for k, v := range c.inputs {
		contextNS[k] = v
	}
	// Run metadata rides in the context namespace unless an input shadows it.
	if _, ok := contextNS["workflow"]; !ok {
		contextNS["workflow"] = c.workflow
	}
	if _, ok := contextNS["run_id"]; !ok {
		contextNS["run_id"] = c.runID
	}

	return &expressions.Scope{
		Context: contextNS,
		Steps:   steps,
		Env:     os.LookupEnv,
	}
}

func resultView(res schema.StepResult) map[string]any {
	view := map[string]any{
		"output":      res.Output,
		"result":      res.Output,
		"success":     res.Success,
		"duration_ms": res.DurationMs,
	}
	if res.Error != "" {
		view["error"] = res.Error
	}
	return view
}

// ApplyInputDefaults validates supplied inputs against a workflow's input
// declarations: unknown keys are rejected, missing required inputs fail,
// and declared defaults fill the gaps.
func ApplyInputDefaults(wf *schema.WorkflowFile, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(provided))

	for name, value := range provided {
		if len(wf.Inputs) > 0 {
			if _, declared := wf.Inputs[name]; !declared {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unknown input %q (declared inputs: %s)", name, declaredNames(wf))
			}
		}
		out[name] = value
	}

	var missing []string
	for name, def := range wf.Inputs {
		if _, ok := out[name]; ok {
			continue
		}
		if def.Default != nil {
			out[name] = def.Default
			continue
		}
		if def.Required {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"missing required input(s): %v", missing)
	}
	return out, nil
}

func declaredNames(wf *schema.WorkflowFile) string {
	if len(wf.Inputs) == 0 {
		return "none"
	}
	names := make([]string, 0, len(wf.Inputs))
	for name := range wf.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%v", names)
}

// Package preflight collects the preconditions declared by a workflow's
// steps and runs them before execution starts. Checks declare dependencies
// on other checks; independent checks run concurrently while dependent
// ones wait for their prerequisites to succeed.
package preflight

import (
	"context"
	"sort"
	"sync"

	"github.com/loomctl/loom/pkg/schema"
)

// Status is the outcome of one prerequisite check.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusWarning Status = "warning"
	StatusSkipped Status = "skipped"
)

// Result is what a check function reports. Expected failures are returned,
// not raised: a CheckFunc only returns an error for unexpected breakage.
type Result struct {
	Status  Status
	Message string
}

func Pass(msg string) Result    { return Result{Status: StatusPass, Message: msg} }
func Fail(msg string) Result    { return Result{Status: StatusFail, Message: msg} }
func Warning(msg string) Result { return Result{Status: StatusWarning, Message: msg} }

// CheckFunc performs one prerequisite check. Implementations must apply
// their own timeouts for network resources rather than hang the preflight.
type CheckFunc func(ctx context.Context) Result

// Prerequisite is a named check with declared dependencies on other
// prerequisite names that must run and succeed first.
type Prerequisite struct {
	Name      string
	DependsOn []string
	Check     CheckFunc

	// WarnOnly marks a check whose failure downgrades to a warning and
	// never fails the aggregate preflight.
	WarnOnly bool
}

// CheckResult pairs a prerequisite with its outcome.
type CheckResult struct {
	Name    string
	Status  Status
	Message string
}

// PreflightResult aggregates all check outcomes. Success means no
// required (non-warn-only) check failed or was skipped.
type PreflightResult struct {
	Checks  []CheckResult
	Success bool
}

// Failed returns the results of checks that did not pass.
func (r *PreflightResult) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Status == StatusFail || c.Status == StatusSkipped {
			out = append(out, c)
		}
	}
	return out
}

// ToError converts a failed preflight into a single error bundling every
// failed and skipped check. Returns nil when the preflight succeeded.
func (r *PreflightResult) ToError() error {
	if r.Success {
		return nil
	}
	failed := r.Failed()
	names := make([]string, 0, len(failed))
	details := make([]map[string]any, 0, len(failed))
	for _, c := range failed {
		names = append(names, c.Name)
		details = append(details, map[string]any{
			"name": c.Name, "status": string(c.Status), "message": c.Message,
		})
	}
	return schema.NewErrorf(schema.ErrCodePreflight,
		"preflight failed: %d check(s) did not pass (%v)", len(failed), names).
		WithDetails(map[string]any{"checks": details})
}

// Registry holds the known prerequisites and the default prerequisite
// names each step kind implies.
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]*Prerequisite
	defaults map[schema.StepType][]string
}

func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]*Prerequisite),
		defaults: make(map[schema.StepType][]string),
	}
}

// Register adds a prerequisite definition. Duplicate names conflict.
func (r *Registry) Register(p *Prerequisite) error {
	if p == nil || p.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "prerequisite name is empty")
	}
	if p.Check == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "prerequisite %q has no check function", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[p.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "prerequisite %q already registered", p.Name)
	}
	r.checks[p.Name] = p
	return nil
}

// SetDefaults declares the prerequisite names implied by a step kind.
func (r *Registry) SetDefaults(stepType schema.StepType, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[stepType] = append([]string(nil), names...)
}

func (r *Registry) get(name string) (*Prerequisite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.checks[name]
	return p, ok
}

func (r *Registry) defaultsFor(stepType schema.StepType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[stepType]
}

// Collect walks the full step tree of a workflow, including nested branch,
// parallel, and registry-resolvable subworkflow steps, and aggregates the
// default prerequisites of each step kind plus every explicit requires
// declaration, deduplicated by name. Extra names are appended to the set
// (used for caller-requested checks).
func (r *Registry) Collect(wf *schema.WorkflowFile, resolve func(name string) (*schema.WorkflowFile, bool), extra ...string) []string {
	seen := map[string]bool{}
	visited := map[string]bool{}
	var names []string

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	var walkFile func(file *schema.WorkflowFile)
	var walkStep func(step *schema.StepRecord)

	walkStep = func(step *schema.StepRecord) {
		for _, name := range step.Requires {
			add(name)
		}
		inner := step.Inner()
		for _, name := range r.defaultsFor(inner.Type) {
			add(name)
		}
		for _, name := range inner.Requires {
			add(name)
		}
		if inner.Type == schema.StepTypeSubWorkflow && inner.Workflow != "" && resolve != nil {
			if sub, ok := resolve(inner.Workflow); ok && !visited[inner.Workflow] {
				visited[inner.Workflow] = true
				walkFile(sub)
			}
		}
		for _, child := range inner.Children() {
			walkStep(child)
		}
	}

	walkFile = func(file *schema.WorkflowFile) {
		for i := range file.Steps {
			walkStep(&file.Steps[i])
		}
	}

	if wf != nil {
		walkFile(wf)
	}
	for _, name := range extra {
		add(name)
	}
	sort.Strings(names)
	return names
}

// Plan resolves a set of prerequisite names into an executable plan,
// pulling in transitive dependencies and rejecting unknown names and
// dependency cycles.
func (r *Registry) Plan(names []string) (*PreflightPlan, error) {
	plan := &PreflightPlan{byName: map[string]*Prerequisite{}}

	var include func(name string, chain []string) error
	include = func(name string, chain []string) error {
		for _, c := range chain {
			if c == name {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"prerequisite dependency cycle: %v -> %s", chain, name)
			}
		}
		if _, ok := plan.byName[name]; ok {
			return nil
		}
		p, ok := r.get(name)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "prerequisite %q is not registered", name)
		}
		plan.byName[name] = p
		for _, dep := range p.DependsOn {
			if err := include(dep, append(chain, name)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		if err := include(name, nil); err != nil {
			return nil, err
		}
	}

	for name := range plan.byName {
		plan.names = append(plan.names, name)
	}
	sort.Strings(plan.names)
	return plan, nil
}

// PreflightPlan is a validated, deduplicated set of prerequisites ready to
// run.
type PreflightPlan struct {
	names  []string
	byName map[string]*Prerequisite
}

// Names returns the plan's prerequisite names, sorted.
func (p *PreflightPlan) Names() []string {
	return append([]string(nil), p.names...)
}

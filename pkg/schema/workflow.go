package schema

// SupportedVersions is the set of workflow document versions this engine accepts.
var SupportedVersions = map[string]bool{
	"1.0": true,
}

// WorkflowFile is the top-level workflow definition parsed from a YAML or
// JSON document. Immutable after parsing.
type WorkflowFile struct {
	Version string                     `yaml:"version" json:"version"`
	Name    string                     `yaml:"name" json:"name"`
	Inputs  map[string]InputDefinition `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps   []StepRecord               `yaml:"steps" json:"steps"`
}

// InputDefinition declares one workflow input parameter, keyed by name in
// the workflow document's inputs mapping.
type InputDefinition struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"` // string, int, float, bool, list, map, any
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction      StepType = "action"
	StepTypeAgent       StepType = "agent"
	StepTypeGenerate    StepType = "generate"
	StepTypeValidate    StepType = "validate"
	StepTypeSubWorkflow StepType = "subworkflow"
	StepTypeBranch      StepType = "branch"
	StepTypeParallel    StepType = "parallel"
	StepTypeCheckpoint  StepType = "checkpoint"
)

// StepRecord is the serializable form of a single workflow step. It is a
// discriminated union on Type; only the fields belonging to the declared
// variant may be set (the parser enforces this against the JSON Schema).
type StepRecord struct {
	Name string   `yaml:"name" json:"name"`
	Type StepType `yaml:"type" json:"type"`

	// Requires lists explicit prerequisite check names for this step,
	// collected by the preflight subsystem in addition to the step kind's
	// default prerequisites.
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`

	// action
	Action string         `yaml:"action,omitempty" json:"action,omitempty"`
	With   map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// agent / generate
	Agent          string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Generator      string `yaml:"generator,omitempty" json:"generator,omitempty"`
	ContextBuilder string `yaml:"context_builder,omitempty" json:"context_builder,omitempty"`

	// validate
	Stages []string     `yaml:"stages,omitempty" json:"stages,omitempty"`
	Retry  *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// subworkflow
	Workflow     string         `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	WorkflowPath string         `yaml:"workflow_path,omitempty" json:"workflow_path,omitempty"`
	InputMap     map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// branch
	Options []BranchOption `yaml:"options,omitempty" json:"options,omitempty"`

	// parallel
	Steps []StepRecord `yaml:"steps,omitempty" json:"steps,omitempty"`

	// checkpoint wrapper
	Step *StepRecord `yaml:"step,omitempty" json:"step,omitempty"`
}

// BranchOption is one (condition, step) pair in a branch step. The first
// option whose condition evaluates true wins; no match means the branch
// step is skipped.
type BranchOption struct {
	Condition string     `yaml:"condition" json:"condition"`
	Step      StepRecord `yaml:"step" json:"step"`
}

// RetryPolicy configures stage retries for a validate step.
type RetryPolicy struct {
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff     string `yaml:"backoff,omitempty" json:"backoff,omitempty"` // none | linear | exponential (default: exponential)
	Delay       string `yaml:"delay,omitempty" json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// EffectiveName returns the step's name, deriving it from the inner step for
// checkpoint wrappers declared without their own name. Computed at parse
// time so records are fully formed before execution.
func (s *StepRecord) EffectiveName() string {
	if s.Name == "" && s.Type == StepTypeCheckpoint && s.Step != nil {
		return s.Step.Name
	}
	return s.Name
}

// Inner returns the step that actually executes: the wrapped step for
// checkpoint wrappers, the record itself otherwise.
func (s *StepRecord) Inner() *StepRecord {
	if s.Type == StepTypeCheckpoint && s.Step != nil {
		return s.Step
	}
	return s
}

// IsCheckpoint reports whether the step is a resumability boundary.
func (s *StepRecord) IsCheckpoint() bool {
	return s.Type == StepTypeCheckpoint
}

// Children returns the nested step records of a flow-control step, in
// declared order. Leaf steps return nil.
func (s *StepRecord) Children() []*StepRecord {
	switch s.Type {
	case StepTypeBranch:
		out := make([]*StepRecord, 0, len(s.Options))
		for i := range s.Options {
			out = append(out, &s.Options[i].Step)
		}
		return out
	case StepTypeParallel:
		out := make([]*StepRecord, 0, len(s.Steps))
		for i := range s.Steps {
			out = append(out, &s.Steps[i])
		}
		return out
	case StepTypeCheckpoint:
		if s.Step != nil {
			return []*StepRecord{s.Step}
		}
	}
	return nil
}

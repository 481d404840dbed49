package registry

import (
	"github.com/loomctl/loom/pkg/schema"
)

// Registry aggregates the five component catalogs consulted during
// validation and execution. In strict mode (the default) registering a
// name twice is a conflict; in override mode the last registration wins,
// so project-level components can shadow built-ins.
type Registry struct {
	override bool

	actions         *catalog[Action]
	agents          *catalog[Agent]
	generators      *catalog[Generator]
	contextBuilders *catalog[ContextBuilder]
	workflows       *catalog[*Workflow]
}

// New creates an empty strict-mode Registry.
func New() *Registry {
	return newRegistry(false)
}

// NewWithOverride creates a Registry that allows re-registration.
func NewWithOverride() *Registry {
	return newRegistry(true)
}

func newRegistry(override bool) *Registry {
	return &Registry{
		override:        override,
		actions:         newCatalog[Action]("action"),
		agents:          newCatalog[Agent]("agent"),
		generators:      newCatalog[Generator]("generator"),
		contextBuilders: newCatalog[ContextBuilder]("context builder"),
		workflows:       newCatalog[*Workflow]("workflow"),
	}
}

func (r *Registry) RegisterAction(a Action) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	return r.actions.register(a.Name(), a, r.override)
}

func (r *Registry) RegisterAgent(a Agent) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	return r.agents.register(a.Name(), a, r.override)
}

func (r *Registry) RegisterGenerator(g Generator) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeValidation, "generator is nil")
	}
	return r.generators.register(g.Name(), g, r.override)
}

func (r *Registry) RegisterContextBuilder(c ContextBuilder) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "context builder is nil")
	}
	return r.contextBuilders.register(c.Name(), c, r.override)
}

// RegisterWorkflow records a parsed workflow so subworkflow steps can
// reference it by name.
func (r *Registry) RegisterWorkflow(name string, file *schema.WorkflowFile) error {
	if file == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow file is nil")
	}
	return r.workflows.register(name, &Workflow{Name: name, File: file}, r.override)
}

func (r *Registry) Action(name string) (Action, error) { return r.actions.get(name) }
func (r *Registry) Agent(name string) (Agent, error)   { return r.agents.get(name) }
func (r *Registry) Generator(name string) (Generator, error) {
	return r.generators.get(name)
}
func (r *Registry) ContextBuilder(name string) (ContextBuilder, error) {
	return r.contextBuilders.get(name)
}
func (r *Registry) Workflow(name string) (*Workflow, error) { return r.workflows.get(name) }

func (r *Registry) HasAction(name string) bool         { return r.actions.has(name) }
func (r *Registry) HasAgent(name string) bool          { return r.agents.has(name) }
func (r *Registry) HasGenerator(name string) bool      { return r.generators.has(name) }
func (r *Registry) HasContextBuilder(name string) bool { return r.contextBuilders.has(name) }
func (r *Registry) HasWorkflow(name string) bool       { return r.workflows.has(name) }

func (r *Registry) ActionNames() []string    { return r.actions.names() }
func (r *Registry) AgentNames() []string     { return r.agents.names() }
func (r *Registry) GeneratorNames() []string { return r.generators.names() }
func (r *Registry) ContextBuilderNames() []string {
	return r.contextBuilders.names()
}
func (r *Registry) WorkflowNames() []string { return r.workflows.names() }

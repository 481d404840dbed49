// Package registry holds the catalogs of executable components a workflow
// can reference by name: actions, agents, generators, context builders,
// and reusable sub-workflow definitions.
package registry

import (
	"context"

	"github.com/loomctl/loom/pkg/schema"
)

// Action is a deterministic operation invoked by action steps. Inputs
// arrive fully resolved; the returned value becomes the step's output.
type Action interface {
	Name() string
	Execute(ctx context.Context, with map[string]any) (any, error)
}

// Agent performs model-backed work for agent steps. The runtime treats it
// as opaque: it receives the resolved inputs and returns an output value.
type Agent interface {
	Name() string
	Execute(ctx context.Context, inputs map[string]any) (any, error)
}

// Generator produces content for generate steps.
type Generator interface {
	Name() string
	Generate(ctx context.Context, inputs map[string]any) (string, error)
}

// ContextBuilder assembles the input payload for a generate step from the
// run's inputs and the results of previously executed steps.
type ContextBuilder interface {
	Name() string
	Build(ctx context.Context, inputs map[string]any, stepResults map[string]any) (map[string]any, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context, with map[string]any) (any, error)
}

func (a *ActionFunc) Name() string { return a.ActionName }

func (a *ActionFunc) Execute(ctx context.Context, with map[string]any) (any, error) {
	return a.Fn(ctx, with)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentName string
	Fn        func(ctx context.Context, inputs map[string]any) (any, error)
}

func (a *AgentFunc) Name() string { return a.AgentName }

func (a *AgentFunc) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	return a.Fn(ctx, inputs)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc struct {
	GeneratorName string
	Fn            func(ctx context.Context, inputs map[string]any) (string, error)
}

func (g *GeneratorFunc) Name() string { return g.GeneratorName }

func (g *GeneratorFunc) Generate(ctx context.Context, inputs map[string]any) (string, error) {
	return g.Fn(ctx, inputs)
}

// ContextBuilderFunc adapts a function to the ContextBuilder interface.
type ContextBuilderFunc struct {
	BuilderName string
	Fn          func(ctx context.Context, inputs map[string]any, stepResults map[string]any) (map[string]any, error)
}

func (c *ContextBuilderFunc) Name() string { return c.BuilderName }

func (c *ContextBuilderFunc) Build(ctx context.Context, inputs map[string]any, stepResults map[string]any) (map[string]any, error) {
	return c.Fn(ctx, inputs, stepResults)
}

// Workflow is a named, registered workflow definition that subworkflow
// steps can invoke by name.
type Workflow struct {
	Name string
	File *schema.WorkflowFile
}

package parser

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/expressions"
	"github.com/loomctl/loom/internal/registry"
	"github.com/loomctl/loom/pkg/schema"
)

// validateStatic performs the checks the JSON Schema cannot express:
// duplicate sibling step names, expression syntax in every string field,
// and steps.<name> references pointing at steps that have already
// completed by the time the referencing step runs.
func validateStatic(wf *schema.WorkflowFile, result *schema.ValidationResult) {
	checkSiblingNames(wf.Steps, "steps", result)

	visible := map[string]bool{}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		path := "steps/" + step.EffectiveName()
		checkStepExpressions(step, path, visible, result)
		visible[step.EffectiveName()] = true
	}
}

// checkSiblingNames rejects duplicate step names within the same nesting
// scope, recursively. Names are unique per scope because they key result
// lookups and checkpoint identities.
func checkSiblingNames(steps []schema.StepRecord, path string, result *schema.ValidationResult) {
	seen := map[string]bool{}
	for i := range steps {
		step := &steps[i]
		name := step.EffectiveName()
		if name == "" {
			result.AddError(fmt.Sprintf("%s/[%d]", path, i), "missing_name", "step has no name")
			continue
		}
		if seen[name] {
			result.AddError(fmt.Sprintf("%s/%s", path, name), "duplicate_name",
				fmt.Sprintf("duplicate step name %q in the same scope", name))
		}
		seen[name] = true
		checkChildScopes(step, fmt.Sprintf("%s/%s", path, name), result)
	}
}

func checkChildScopes(step *schema.StepRecord, path string, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeParallel:
		checkSiblingNames(step.Steps, path, result)
	case schema.StepTypeBranch:
		// Branch options are alternatives, only one executes, but their
		// names still share the enclosing result namespace.
		children := make([]schema.StepRecord, 0, len(step.Options))
		for i := range step.Options {
			children = append(children, step.Options[i].Step)
		}
		checkSiblingNames(children, path, result)
	case schema.StepTypeCheckpoint:
		if step.Step != nil {
			checkChildScopes(step.Step, path, result)
		}
	}
}

// checkStepExpressions statically validates every embedded expression in a
// step's fields. The visible set holds the names of steps guaranteed to
// have completed before this step starts; forward and self references are
// definition-time errors.
func checkStepExpressions(step *schema.StepRecord, path string, visible map[string]bool, result *schema.ValidationResult) {
	inner := step.Inner()

	checkValueExpressions(inner.With, path+"/with", visible, result)
	checkValueExpressions(inner.InputMap, path+"/inputs", visible, result)

	switch inner.Type {
	case schema.StepTypeBranch:
		for i := range inner.Options {
			opt := &inner.Options[i]
			optPath := fmt.Sprintf("%s/[%d]", path, i)
			checkExpressionString(opt.Condition, optPath+"/condition", visible, result, true)
			checkStepExpressions(&opt.Step, optPath+"/"+opt.Step.EffectiveName(), visible, result)
		}
	case schema.StepTypeParallel:
		for i := range inner.Steps {
			child := &inner.Steps[i]
			childPath := fmt.Sprintf("%s/[%d]/%s", path, i, child.EffectiveName())
			checkStepExpressions(child, childPath, visible, result)
		}
	}
}

func checkValueExpressions(v any, path string, visible map[string]bool, result *schema.ValidationResult) {
	switch t := v.(type) {
	case string:
		checkExpressionString(t, path, visible, result, false)
	case map[string]any:
		for k, val := range t {
			checkValueExpressions(val, path+"/"+k, visible, result)
		}
	case []any:
		for i, val := range t {
			checkValueExpressions(val, fmt.Sprintf("%s/[%d]", path, i), visible, result)
		}
	}
}

// checkExpressionString parses every ${{ ... }} span in s. When bare is
// true the whole string is treated as one expression even without
// delimiters (branch conditions are written both ways).
func checkExpressionString(s, path string, visible map[string]bool, result *schema.ValidationResult, bare bool) {
	var sources []string
	if expressions.HasExpression(s) {
		extracted, err := expressions.ExtractAll(s)
		if err != nil {
			result.AddError(path, "expression_syntax", err.Error())
			return
		}
		sources = extracted
	} else if bare {
		sources = []string{s}
	}

	for _, src := range sources {
		node, err := expressions.Parse(src)
		if err != nil {
			result.AddError(path, "expression_syntax", err.Error())
			continue
		}
		for _, ref := range expressions.StepRefs(node) {
			if !visible[ref] {
				result.AddError(path, "forward_reference",
					fmt.Sprintf("expression references steps.%s, which has not completed at this point in the workflow", ref))
			}
		}
	}
}

// resolveReferences checks every named component reference against the
// registry. Strict mode reports errors; lenient mode downgrades unknown
// references to warnings.
func resolveReferences(wf *schema.WorkflowFile, reg *registry.Registry, mode Mode, result *schema.ValidationResult) {
	var walk func(step *schema.StepRecord, path string)

	report := func(path, code, msg string) {
		if mode == ModeLenient {
			result.AddWarning(path, code, msg)
		} else {
			result.AddError(path, code, msg)
		}
	}

	walk = func(step *schema.StepRecord, path string) {
		inner := step.Inner()
		switch inner.Type {
		case schema.StepTypeAction:
			if !reg.HasAction(inner.Action) {
				report(path, "unresolved_reference", unresolvedMsg("action", inner.Action, reg.ActionNames()))
			}
		case schema.StepTypeAgent:
			if !reg.HasAgent(inner.Agent) {
				report(path, "unresolved_reference", unresolvedMsg("agent", inner.Agent, reg.AgentNames()))
			}
			if inner.ContextBuilder != "" && !reg.HasContextBuilder(inner.ContextBuilder) {
				report(path, "unresolved_reference", unresolvedMsg("context builder", inner.ContextBuilder, reg.ContextBuilderNames()))
			}
		case schema.StepTypeGenerate:
			if !reg.HasGenerator(inner.Generator) {
				report(path, "unresolved_reference", unresolvedMsg("generator", inner.Generator, reg.GeneratorNames()))
			}
			if inner.ContextBuilder != "" && !reg.HasContextBuilder(inner.ContextBuilder) {
				report(path, "unresolved_reference", unresolvedMsg("context builder", inner.ContextBuilder, reg.ContextBuilderNames()))
			}
		case schema.StepTypeValidate:
			for _, stage := range inner.Stages {
				if !reg.HasAction(stage) {
					report(path, "unresolved_reference", unresolvedMsg("validation stage action", stage, reg.ActionNames()))
				}
			}
		case schema.StepTypeSubWorkflow:
			// Path-based references load from disk at execution time.
			if inner.Workflow != "" && !reg.HasWorkflow(inner.Workflow) {
				report(path, "unresolved_reference", unresolvedMsg("workflow", inner.Workflow, reg.WorkflowNames()))
			}
		case schema.StepTypeBranch:
			for i := range inner.Options {
				walk(&inner.Options[i].Step, fmt.Sprintf("%s/[%d]/%s", path, i, inner.Options[i].Step.EffectiveName()))
			}
		case schema.StepTypeParallel:
			for i := range inner.Steps {
				walk(&inner.Steps[i], fmt.Sprintf("%s/[%d]/%s", path, i, inner.Steps[i].EffectiveName()))
			}
		}
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		walk(step, "steps/"+step.EffectiveName())
	}

	detectWorkflowCycles(wf, reg, result)
}

// detectWorkflowCycles walks registry-resolved subworkflow references and
// reports any cycle back to this workflow or among the referenced set.
func detectWorkflowCycles(wf *schema.WorkflowFile, reg *registry.Registry, result *schema.ValidationResult) {
	chain := []string{wf.Name}
	inChain := map[string]bool{wf.Name: true}

	var visit func(file *schema.WorkflowFile) bool
	var visitSteps func(steps []*schema.StepRecord) bool

	visitSteps = func(steps []*schema.StepRecord) bool {
		for _, step := range steps {
			inner := step.Inner()
			if inner.Type == schema.StepTypeSubWorkflow && inner.Workflow != "" {
				if inChain[inner.Workflow] {
					result.AddError("steps/"+step.EffectiveName(), "workflow_cycle",
						fmt.Sprintf("subworkflow cycle: %s -> %s", strings.Join(chain, " -> "), inner.Workflow))
					return false
				}
				ref, err := reg.Workflow(inner.Workflow)
				if err != nil {
					continue // unresolved refs are reported elsewhere
				}
				chain = append(chain, inner.Workflow)
				inChain[inner.Workflow] = true
				ok := visit(ref.File)
				chain = chain[:len(chain)-1]
				delete(inChain, inner.Workflow)
				if !ok {
					return false
				}
			}
			if !visitSteps(inner.Children()) {
				return false
			}
		}
		return true
	}

	visit = func(file *schema.WorkflowFile) bool {
		steps := make([]*schema.StepRecord, 0, len(file.Steps))
		for i := range file.Steps {
			steps = append(steps, &file.Steps[i])
		}
		return visitSteps(steps)
	}

	visit(wf)
}

func unresolvedMsg(kind, name string, available []string) string {
	if len(available) == 0 {
		return fmt.Sprintf("%s %q is not registered (none registered)", kind, name)
	}
	return fmt.Sprintf("%s %q is not registered; available: %s", kind, name, strings.Join(available, ", "))
}

// Package actions provides the built-in actions shipped with the engine:
// expression evaluators (jq, expr.eval, cel.eval) and assertions for
// validate stages.
package actions

import "github.com/loomctl/loom/internal/registry"

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *registry.Registry) error {
	celEval, err := newCELAction()
	if err != nil {
		return err
	}

	all := []registry.Action{
		newJQAction(),
		newExprAction(),
		celEval,
		&assertEqualsAction{},
		&assertContainsAction{},
		&assertMatchesAction{},
	}

	for _, a := range all {
		if err := reg.RegisterAction(a); err != nil {
			return err
		}
	}
	return nil
}

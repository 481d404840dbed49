package actions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomctl/loom/pkg/schema"
)

// exprAction evaluates an Expr expression for complex deterministic logic:
// let bindings, array operations (filter, map, count, any, all, sum),
// string operations, nil coalescing and pipe chaining. Thread-safe:
// compiled *vm.Program objects are cached and reused across goroutines.
type exprAction struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprAction() *exprAction {
	return &exprAction{cache: make(map[string]*vm.Program)}
}

func (a *exprAction) Name() string { return "expr.eval" }

// Execute evaluates the "expression" parameter. The "data" parameter, when
// present, is injected as the expression environment, making all of its
// keys available as top-level variables.
func (a *exprAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	expression, ok := with["expression"].(string)
	if !ok || expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"expr.eval requires a non-empty 'expression' string parameter")
	}

	env, _ := with["data"].(map[string]any)
	if env == nil {
		env = map[string]any{}
	}

	prg, err := a.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (a *exprAction) getOrCompile(expression string) (*vm.Program, error) {
	a.mu.RLock()
	if prg, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return prg, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := a.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	a.cache[expression] = prg
	return prg, nil
}

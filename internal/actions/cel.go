package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loomctl/loom/pkg/schema"
)

// celAction evaluates a Common Expression Language expression in a
// sandboxed environment exposing a single top-level "data" variable.
// Thread-safe: compiled programs are cached and reused across goroutines.
type celAction struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELAction() (*celAction, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celAction{env: env, cache: make(map[string]cel.Program)}, nil
}

func (a *celAction) Name() string { return "cel.eval" }

// Execute evaluates the "expression" parameter against the "data"
// parameter. A missing data map defaults to empty to prevent CEL runtime
// nil-ref errors.
func (a *celAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	expression, ok := with["expression"].(string)
	if !ok || expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"cel.eval requires a non-empty 'expression' string parameter")
	}

	data, _ := with["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	prg, err := a.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]any{"data": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (a *celAction) getOrCompile(expression string) (cel.Program, error) {
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

	ast, issues := a.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	a.cache[expression] = prg
	return prg, nil
}

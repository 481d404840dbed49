package actions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomctl/loom/pkg/schema"
)

// jqAction evaluates a jq expression against the step's data parameter,
// for filtering, reshaping, and aggregating step outputs. Thread-safe:
// compiled *gojq.Code objects are cached and reused across goroutines.
type jqAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQAction() *jqAction {
	return &jqAction{cache: make(map[string]*gojq.Code)}
}

func (a *jqAction) Name() string { return "jq" }

// Execute runs the "query" parameter against the "data" parameter. jq
// queries can produce multiple outputs: exactly one output is returned
// directly, multiple are collected into a slice.
func (a *jqAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	query, ok := with["query"].(string)
	if !ok || query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"jq requires a non-empty 'query' string parameter")
	}
	data := normalizeForJQ(with["data"])

	code, err := a.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (a *jqAction) getOrCompile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[query]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := a.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	code, err := gojq.Compile(parsed,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	a.cache[query] = code
	return code, nil
}

// normalizeForJQ converts Go native number types to float64, matching jq's
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

package actions

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// Assertion actions report through their output rather than an error: the
// returned map carries "ok" so a validate stage can fail on a mismatch
// while still exposing the compared values.

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	expected, ok := with["expected"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	actual, ok := with["actual"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}

	equal := reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual))
	out := map[string]any{"ok": equal}
	if !equal {
		out["expected"] = expected
		out["actual"] = actual
	}
	return out, nil
}

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	haystack, ok := with["value"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.contains requires a 'value' string parameter")
	}
	needle, ok := with["substring"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.contains requires a 'substring' string parameter")
	}

	found := strings.Contains(haystack, needle)
	out := map[string]any{"ok": found}
	if !found {
		out["value"] = haystack
		out["substring"] = needle
	}
	return out, nil
}

type assertMatchesAction struct{}

func (a *assertMatchesAction) Name() string { return "assert.matches" }

func (a *assertMatchesAction) Execute(ctx context.Context, with map[string]any) (any, error) {
	value, ok := with["value"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.matches requires a 'value' string parameter")
	}
	pattern, ok := with["pattern"].(string)
	if !ok || pattern == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.matches requires a non-empty 'pattern' string parameter")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.matches: invalid pattern %q: %v", pattern, err).WithCause(err)
	}

	matched := re.MatchString(value)
	out := map[string]any{"ok": matched}
	if !matched {
		out["value"] = value
		out["pattern"] = pattern
	}
	return out, nil
}

// normalizeJSON converts Go numeric types to float64 for consistent
// deep-equal comparison. JSON unmarshaling produces float64 for numbers;
// this normalizes int, int64, json.Number so reflect.DeepEqual works
// across boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// HasExpression reports whether s contains at least one ${{ ... }} span.
func HasExpression(s string) bool {
	return strings.Contains(s, openDelim)
}

// ExtractAll returns the inner source of every ${{ ... }} span in s, in
// order of appearance. Used by static validation to parse every embedded
// expression without evaluating it.
func ExtractAll(s string) ([]string, error) {
	var out []string
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return out, nil
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unterminated expression: missing %q after %q", closeDelim, openDelim)
		}
		inner := rest[start+len(openDelim) : start+len(openDelim)+end]
		out = append(out, strings.TrimSpace(inner))
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}

// Render resolves all ${{ ... }} spans in s against the scope. When the
// entire string is a single expression span, the expression's native value
// is returned (so `count: "${{ context.n }}"` yields a number, not a
// string). Otherwise each span is evaluated and stringified into the
// surrounding text.
func Render(s string, scope *Scope) (any, error) {
	if !HasExpression(s) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := strings.TrimSpace(trimmed[len(openDelim) : len(trimmed)-len(closeDelim)])
		// A single whole-string span keeps its native type. Guard against
		// multiple spans like "${{ a }}${{ b }}" which must stringify.
		if !strings.Contains(inner, openDelim) && !strings.Contains(inner, closeDelim) {
			return EvaluateString(inner, scope)
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unterminated expression: missing %q after %q", closeDelim, openDelim)
		}
		inner := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		val, err := EvaluateString(inner, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}

// ResolveValue resolves expressions recursively through maps, slices, and
// strings. Non-string scalars pass through unchanged. Map keys are never
// interpolated, only values.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			resolved, err := ResolveValue(val, scope)
			if err != nil {
				return nil, fmt.Errorf("resolving %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			resolved, err := ResolveValue(val, scope)
			if err != nil {
				return nil, fmt.Errorf("resolving index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// stringify renders a value for embedding inside surrounding text. Maps
// and slices are marshaled as compact JSON so interpolated structures stay
// machine-readable.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

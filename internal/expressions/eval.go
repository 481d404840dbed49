package expressions

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// Scope holds all data available for expression resolution. Three
// namespaces are exposed to expressions: `context.*` (workflow inputs and
// run metadata), `steps.<name>.*` (prior step result views), and `env.*`
// (process environment).
type Scope struct {
	Context map[string]any
	Steps   map[string]any
	Env     func(key string) (string, bool)
}

// envNamespace is the internal marker value returned when evaluating the
// bare `env` identifier; member access on it performs the actual lookup.
type envNamespace struct {
	lookup func(key string) (string, bool)
}

// Evaluate evaluates a parsed expression against the scope. Evaluation is
// pure: the same AST and scope snapshot always produce the same value.
// A reference to a missing member fails with an evaluation error naming
// the missing path; use IsMissingReference to detect that case.
func Evaluate(n Node, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}
	return eval(n, scope)
}

// EvaluateString parses and evaluates an expression in one call.
func EvaluateString(src string, scope *Scope) (any, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Evaluate(n, scope)
}

// IsMissingReference reports whether err is an evaluation error caused by a
// reference to a member, step, or variable that does not exist in the scope.
// Callers decide whether such an error in a condition defaults to false or
// propagates.
func IsMissingReference(err error) bool {
	var e *schema.Error
	if !errors.As(err, &e) {
		return false
	}
	missing, _ := e.Details["missing_reference"].(bool)
	return e.Code == schema.ErrCodeEvaluation && missing
}

func eval(n Node, scope *Scope) (any, error) {
	switch v := n.(type) {
	case *LiteralNode:
		return v.Value, nil

	case *IdentNode:
		switch v.Name {
		case "context":
			if scope.Context == nil {
				return map[string]any{}, nil
			}
			return scope.Context, nil
		case "steps":
			if scope.Steps == nil {
				return map[string]any{}, nil
			}
			return scope.Steps, nil
		case "env":
			return &envNamespace{lookup: scope.Env}, nil
		default:
			available := []string{"context", "env", "steps"}
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"unknown namespace %q; available: %s", v.Name, strings.Join(available, ", ")).
				WithDetails(map[string]any{"missing_reference": true, "available_namespaces": available})
		}

	case *MemberNode:
		obj, err := eval(v.Object, scope)
		if err != nil {
			return nil, err
		}
		return member(obj, v.Name, exprPath(v))

	case *IndexNode:
		obj, err := eval(v.Object, scope)
		if err != nil {
			return nil, err
		}
		idx, err := eval(v.Index, scope)
		if err != nil {
			return nil, err
		}
		return index(obj, idx, exprPath(v))

	case *UnaryNode:
		operand, err := eval(v.Operand, scope)
		if err != nil {
			return nil, err
		}
		b, ok := operand.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator ! requires a boolean operand, got %T", operand)
		}
		return !b, nil

	case *BinaryNode:
		return evalBinary(v, scope)

	case *TernaryNode:
		cond, err := eval(v.Cond, scope)
		if err != nil {
			return nil, err
		}
		b, ok := cond.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"ternary condition must be a boolean, got %T", cond)
		}
		if b {
			return eval(v.Then, scope)
		}
		return eval(v.Else, scope)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unknown AST node %T", n)
	}
}

func evalBinary(v *BinaryNode, scope *Scope) (any, error) {
	// && and || short-circuit and require boolean operands.
	if v.Op == "&&" || v.Op == "||" {
		left, err := eval(v.Left, scope)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator %s requires boolean operands, got %T", v.Op, left)
		}
		if v.Op == "&&" && !lb {
			return false, nil
		}
		if v.Op == "||" && lb {
			return true, nil
		}
		right, err := eval(v.Right, scope)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator %s requires boolean operands, got %T", v.Op, right)
		}
		return rb, nil
	}

	left, err := eval(v.Left, scope)
	if err != nil {
		return nil, err
	}
	right, err := eval(v.Right, scope)
	if err != nil {
		return nil, err
	}

	switch v.Op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(v.Op, left, right)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unknown operator %q", v.Op)
	}
}

// member resolves dotted access on maps and the env namespace.
func member(obj any, name, path string) (any, error) {
	switch v := obj.(type) {
	case *envNamespace:
		if v.lookup == nil {
			return nil, missingErr(path, "environment lookup not available", nil)
		}
		val, ok := v.lookup(name)
		if !ok {
			return nil, missingErr(path, fmt.Sprintf("environment variable %q is not set", name), nil)
		}
		return val, nil
	case map[string]any:
		val, ok := v[name]
		if !ok {
			return nil, missingErr(path, fmt.Sprintf("field %q not found in %s", name, path), mapKeys(v))
		}
		return val, nil
	case nil:
		return nil, missingErr(path, fmt.Sprintf("cannot access %q on null at %s", name, path), nil)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"cannot access member %q on %T at %s", name, obj, path)
	}
}

// index resolves bracket access on slices and maps.
func index(obj, idx any, path string) (any, error) {
	switch v := obj.(type) {
	case []any:
		f, ok := toFloat(idx)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"list index must be a number, got %T at %s", idx, path)
		}
		i := int(f)
		if i < 0 || i >= len(v) {
			return nil, missingErr(path, fmt.Sprintf("index %d out of range (length %d) at %s", i, len(v), path), nil)
		}
		return v[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"map key must be a string, got %T at %s", idx, path)
		}
		val, ok := v[key]
		if !ok {
			return nil, missingErr(path, fmt.Sprintf("key %q not found at %s", key, path), mapKeys(v))
		}
		return val, nil
	case nil:
		return nil, missingErr(path, "cannot index into null at "+path, nil)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"cannot index into %T at %s", obj, path)
	}
}

func missingErr(path, msg string, available []string) *schema.Error {
	details := map[string]any{"missing_reference": true, "path": path}
	if len(available) > 0 {
		details["available"] = available
		msg = fmt.Sprintf("%s; available: [%s]", msg, strings.Join(available, ", "))
	}
	return schema.NewErrorf(schema.ErrCodeEvaluation, "%s", msg).WithDetails(details)
}

// looseEqual compares two values, coercing numeric types so 3 == 3.0.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(op string, a, b any) (any, error) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot compare number with %T", b)
		}
		switch op {
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		default:
			return af >= bf, nil
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		default:
			return as >= bs, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
		"operator %s requires two numbers or two strings, got %T and %T", op, a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// exprPath renders a member/index chain back to a dotted path for error
// messages (e.g. "steps.analyze.output.count").
func exprPath(n Node) string {
	switch v := n.(type) {
	case *IdentNode:
		return v.Name
	case *MemberNode:
		return exprPath(v.Object) + "." + v.Name
	case *IndexNode:
		if lit, ok := v.Index.(*LiteralNode); ok {
			return fmt.Sprintf("%s[%v]", exprPath(v.Object), lit.Value)
		}
		return exprPath(v.Object) + "[...]"
	default:
		return "<expr>"
	}
}

func mapKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

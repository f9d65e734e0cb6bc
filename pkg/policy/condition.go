package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The condition language is deliberately tiny. Four forms are accepted:
//
//	always | never
//	<var> <op> <number>          op ∈ {>, <, >=, <=, ==, !=}
//	<var>.startswith('<s>')
//	'<s>' in str(<var>)
//
// Conditions compile to a small AST evaluated against a context map.
// There is no host-language evaluation and no I/O; cost is bounded by
// expression length.

// Condition is a compiled policy condition.
type Condition interface {
	// Eval returns whether the condition holds for the given context.
	// Missing or mistyped context values evaluate to false.
	Eval(ctx map[string]any) bool
	// String returns the canonical source form.
	String() string
}

var (
	startswithRe = regexp.MustCompile(`^(\w+)\.startswith\('([^']*)'\)$`)
	containsRe   = regexp.MustCompile(`^'([^']*)' in str\((\w+)\)$`)
	comparisonRe = regexp.MustCompile(`^(\w+)\s*(>=|<=|==|!=|>|<)\s*(-?\d+(?:\.\d+)?)$`)
)

// Compile parses a condition expression. Unknown patterns are a compile
// error — the engine treats uncompilable conditions as never-matching.
func Compile(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "always":
		return constCond{value: true}, nil
	case "never", "":
		return constCond{value: false}, nil
	}
	if m := startswithRe.FindStringSubmatch(expr); m != nil {
		return startswithCond{variable: m[1], prefix: m[2]}, nil
	}
	if m := containsRe.FindStringSubmatch(expr); m != nil {
		return containsCond{substring: m[1], variable: m[2]}, nil
	}
	if m := comparisonRe.FindStringSubmatch(expr); m != nil {
		literal, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", m[3], err)
		}
		return comparisonCond{variable: m[1], op: m[2], literal: literal}, nil
	}
	return nil, fmt.Errorf("unrecognized condition %q", expr)
}

type constCond struct{ value bool }

func (c constCond) Eval(map[string]any) bool { return c.value }
func (c constCond) String() string {
	if c.value {
		return "always"
	}
	return "never"
}

type comparisonCond struct {
	variable string
	op       string
	literal  float64
}

func (c comparisonCond) Eval(ctx map[string]any) bool {
	val, ok := toFloat(ctx[c.variable])
	if !ok {
		return false
	}
	switch c.op {
	case ">":
		return val > c.literal
	case "<":
		return val < c.literal
	case ">=":
		return val >= c.literal
	case "<=":
		return val <= c.literal
	case "==":
		return val == c.literal
	case "!=":
		return val != c.literal
	}
	return false
}

func (c comparisonCond) String() string {
	return fmt.Sprintf("%s %s %g", c.variable, c.op, c.literal)
}

type startswithCond struct {
	variable string
	prefix   string
}

func (c startswithCond) Eval(ctx map[string]any) bool {
	s, ok := ctx[c.variable].(string)
	return ok && strings.HasPrefix(s, c.prefix)
}

func (c startswithCond) String() string {
	return fmt.Sprintf("%s.startswith('%s')", c.variable, c.prefix)
}

type containsCond struct {
	substring string
	variable  string
}

func (c containsCond) Eval(ctx map[string]any) bool {
	val, ok := ctx[c.variable]
	if !ok {
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", val), c.substring)
}

func (c containsCond) String() string {
	return fmt.Sprintf("'%s' in str(%s)", c.substring, c.variable)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

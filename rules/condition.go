package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator checks rule conditions against event payloads.
// Evaluation never fails: anything it cannot decide resolves to false.
// Safe for concurrent use.
type ConditionEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewConditionEvaluator creates an evaluator with a CEL environment exposing
// `payload` (the whole event payload) and `value` (the resolved field).
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile compiles a CEL expression and caches the program.
func (e *ConditionEvaluator) Compile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	// bounded cost per evaluation
	prog, err := e.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// Evaluate reports whether every condition holds for payload.
// An empty condition list always matches.
func (e *ConditionEvaluator) Evaluate(conditions []Condition, payload map[string]any) bool {
	for _, c := range conditions {
		if !e.Check(c, payload) {
			return false
		}
	}
	return true
}

// Check evaluates a single condition.
func (e *ConditionEvaluator) Check(c Condition, payload map[string]any) bool {
	if c.Operator == OpExpression {
		return e.checkExpression(c, payload)
	}

	actual, ok := Lookup(payload, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return equalValues(actual, c.Value)
	case OpNotEquals:
		return !equalValues(actual, c.Value)
	case OpGreaterThan:
		a, okA := toNumber(actual)
		b, okB := toNumber(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toNumber(actual)
		b, okB := toNumber(c.Value)
		return okA && okB && a < b
	case OpContains:
		return containsValue(actual, c.Value)
	case OpIn:
		for _, member := range members(c.Value) {
			if equalValues(actual, member) {
				return true
			}
		}
		return false
	case OpStartsWith:
		a, okA := toString(actual)
		b, okB := toString(c.Value)
		return okA && okB && strings.HasPrefix(a, b)
	default:
		return false
	}
}

func (e *ConditionEvaluator) checkExpression(c Condition, payload map[string]any) bool {
	expression, ok := c.Value.(string)
	if !ok || strings.TrimSpace(expression) == "" {
		return false
	}
	prog, err := e.Compile(expression)
	if err != nil {
		return false
	}

	var value any
	if c.Field != "" {
		v, ok := Lookup(payload, c.Field)
		if !ok {
			return false
		}
		value = v
	}
	if payload == nil {
		payload = map[string]any{}
	}

	out, _, err := prog.Eval(map[string]any{"payload": payload, "value": value})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// ValidateCondition reports problems that would make a condition never match
// for reasons of configuration rather than data.
func (e *ConditionEvaluator) ValidateCondition(c Condition) error {
	if !c.Operator.Valid() {
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}
	if c.Operator == OpExpression {
		expression, ok := c.Value.(string)
		if !ok || strings.TrimSpace(expression) == "" {
			return fmt.Errorf("expression operator requires a CEL expression string value")
		}
		_, err := e.Compile(expression)
		return err
	}
	if err := validateFieldPath(c.Field); err != nil {
		return err
	}
	switch c.Operator {
	case OpGreaterThan, OpLessThan:
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("%s requires a numeric value, got %v", c.Operator, c.Value)
		}
	case OpIn:
		if len(members(c.Value)) == 0 {
			return fmt.Errorf("in requires a non-empty list or comma-separated value")
		}
	case OpEquals, OpNotEquals, OpContains, OpStartsWith:
		if _, ok := toString(c.Value); !ok {
			return fmt.Errorf("%s requires a scalar value, got %T", c.Operator, c.Value)
		}
	}
	return nil
}

// Lookup resolves a dotted path such as "shipment.equipment_type" in payload.
// A key containing literal dots is honoured when no nested path matches.
func Lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil || path == "" {
		return nil, false
	}

	var current any = payload
	found := true
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current, found = node[part]
		case map[string]string:
			current, found = node[part]
		default:
			found = false
		}
		if !found {
			break
		}
	}
	if found {
		return current, true
	}

	v, ok := payload[path]
	return v, ok
}

func equalValues(actual, expected any) bool {
	if a, ok := toNumber(actual); ok {
		if b, ok := toNumber(expected); ok {
			return a == b
		}
	}
	a, okA := toString(actual)
	b, okB := toString(expected)
	return okA && okB && a == b
}

func containsValue(actual, expected any) bool {
	switch list := actual.(type) {
	case []any:
		for _, item := range list {
			if equalValues(item, expected) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range list {
			if equalValues(item, expected) {
				return true
			}
		}
		return false
	}
	a, okA := toString(actual)
	b, okB := toString(expected)
	return okA && okB && strings.Contains(a, b)
}

// members expands the value of an `in` condition into its elements.
func members(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case string:
		var out []any
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		if _, ok := toString(v); ok {
			return []any{v}
		}
		return nil
	}
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	case nil, []any, []string, map[string]any, map[string]string:
		return "", false
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

package quality

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FieldValidationEvaluator evaluates field validation conditions
type FieldValidationEvaluator struct{}

func (e *FieldValidationEvaluator) Evaluate(ctx context.Context, cond *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	value, exists := evalCtx.GetField(cond.Field)
	if exists && value == nil {
		exists = false
	}

	switch cond.Operator {
	case OpExists:
		return exists && value != "", nil
	case OpNotExists:
		return !exists || value == "", nil
	case OpEquals:
		return exists && equalValues(value, cond.Value, cond.caseSensitive), nil
	case OpNotEquals:
		return !exists || !equalValues(value, cond.Value, cond.caseSensitive), nil
	case OpContains:
		return exists && containsValue(value, cond.Value, cond.caseSensitive), nil
	case OpNotContains:
		return !exists || !containsValue(value, cond.Value, cond.caseSensitive), nil
	case OpMatches, OpNotMatches:
		if cond.regex == nil {
			return false, fmt.Errorf("%s on %s was not compiled", cond.Operator, cond.Field)
		}
		if !exists {
			return cond.Operator == OpNotMatches, nil
		}
		matched := cond.regex.MatchString(fmt.Sprintf("%v", value))
		return matched == (cond.Operator == OpMatches), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		if !exists {
			return false, nil
		}
		return compareNumeric(value, cond.Value, cond.Operator)
	case OpIn:
		return exists && inList(value, cond.Value, cond.caseSensitive), nil
	case OpNotIn:
		return !exists || !inList(value, cond.Value, cond.caseSensitive), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", cond.Operator)
	}
}

func normalize(v interface{}, caseSensitive bool) string {
	s := fmt.Sprintf("%v", v)
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func equalValues(a, b interface{}, caseSensitive bool) bool {
	return normalize(a, caseSensitive) == normalize(b, caseSensitive)
}

func containsValue(a, b interface{}, caseSensitive bool) bool {
	return strings.Contains(normalize(a, caseSensitive), normalize(b, caseSensitive))
}

func compareNumeric(a, b interface{}, op FieldOperator) (bool, error) {
	x, err := toFloat64(a)
	if err != nil {
		return false, err
	}
	y, err := toFloat64(b)
	if err != nil {
		return false, err
	}
	switch op {
	case OpGT:
		return x > y, nil
	case OpGTE:
		return x >= y, nil
	case OpLT:
		return x < y, nil
	default:
		return x <= y, nil
	}
}

// inList accepts a YAML sequence or a comma-separated string.
func inList(value, list interface{}, caseSensitive bool) bool {
	var items []interface{}
	switch l := list.(type) {
	case []interface{}:
		items = l
	case []string:
		for _, s := range l {
			items = append(items, s)
		}
	default:
		for _, s := range strings.Split(fmt.Sprintf("%v", list), ",") {
			items = append(items, strings.TrimSpace(s))
		}
	}
	for _, item := range items {
		if equalValues(value, item, caseSensitive) {
			return true
		}
	}
	return false
}

// LogicalAndEvaluator passes when every sub-condition passes.
type LogicalAndEvaluator struct {
	engine *Engine
}

func (e *LogicalAndEvaluator) Evaluate(ctx context.Context, cond *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	for _, sub := range cond.subConditions {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		passed, err := e.engine.evaluateCondition(ctx, sub, evalCtx)
		if err != nil || !passed {
			return false, err
		}
	}
	return true, nil
}

// LogicalOrEvaluator passes when any sub-condition passes.
type LogicalOrEvaluator struct {
	engine *Engine
}

func (e *LogicalOrEvaluator) Evaluate(ctx context.Context, cond *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	for _, sub := range cond.subConditions {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		passed, err := e.engine.evaluateCondition(ctx, sub, evalCtx)
		if err != nil {
			return false, err
		}
		if passed {
			return true, nil
		}
	}
	return false, nil
}

type LogicalNotEvaluator struct {
	engine *Engine
}

func (e *LogicalNotEvaluator) Evaluate(ctx context.Context, cond *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	if len(cond.subConditions) != 1 {
		return false, fmt.Errorf("not condition must have exactly one sub-condition")
	}
	passed, err := e.engine.evaluateCondition(ctx, cond.subConditions[0], evalCtx)
	if err != nil {
		return false, err
	}
	return !passed, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number: %w", val, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

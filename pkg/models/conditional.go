package models

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/spf13/cast"
)

// ConditionKind selects how an ExecutionCondition is evaluated.
type ConditionKind string

const (
	ConditionComparison ConditionKind = "comparison"
	ConditionAnd        ConditionKind = "and"
	ConditionOr         ConditionKind = "or"
	ConditionNot        ConditionKind = "not"
	ConditionRange      ConditionKind = "range"
)

// Comparison operators.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
)

// ExecutionCondition gates a step on the execution context. Operands given as
// strings starting with "$" are read from the context ("$A.score"); anything
// else is a literal.
type ExecutionCondition struct {
	Kind       ConditionKind         `json:"kind"                 validate:"required,oneof=comparison and or not range"`
	Variable   string                `json:"variable,omitempty"   validate:"required_if=Kind comparison,required_if=Kind range"`
	Operator   string                `json:"operator,omitempty"   validate:"omitempty,oneof== != < <= > >="`
	Value      any                   `json:"value,omitempty"`
	Min        any                   `json:"min,omitempty"`
	Max        any                   `json:"max,omitempty"`
	Conditions []*ExecutionCondition `json:"conditions,omitempty" validate:"omitempty,dive,required"`
}

// Clone returns a deep copy of the condition tree.
func (c *ExecutionCondition) Clone() *ExecutionCondition {
	if c == nil {
		return nil
	}

	cp := *c
	cp.Value = copyValue(c.Value)
	cp.Min = copyValue(c.Min)
	cp.Max = copyValue(c.Max)

	if c.Conditions != nil {
		cp.Conditions = make([]*ExecutionCondition, len(c.Conditions))
		for i, sub := range c.Conditions {
			cp.Conditions[i] = sub.Clone()
		}
	}

	return &cp
}

// Evaluate evaluates the condition against the context. Missing variables and
// type mismatches return an error wrapping choreoerr.ErrConditionEvaluation.
func (c *ExecutionCondition) Evaluate(vars map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch c.Kind {
	case ConditionComparison:
		return c.evaluateComparison(vars)
	case ConditionRange:
		return c.evaluateRange(vars)
	case ConditionAnd:
		for _, sub := range c.Conditions {
			ok, err := sub.Evaluate(vars)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case ConditionOr:
		for _, sub := range c.Conditions {
			ok, err := sub.Evaluate(vars)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	case ConditionNot:
		if len(c.Conditions) != 1 {
			return false, conditionError("not expects exactly one sub-condition, got %d", len(c.Conditions))
		}

		ok, err := c.Conditions[0].Evaluate(vars)
		if err != nil {
			return false, err
		}

		return !ok, nil
	default:
		return false, conditionError("unsupported condition kind %q", c.Kind)
	}
}

func (c *ExecutionCondition) evaluateComparison(vars map[string]any) (bool, error) {
	left, err := resolveOperand("$"+c.Variable, vars)
	if err != nil {
		return false, err
	}

	right, err := resolveOperand(c.Value, vars)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OpEqual:
		return valuesEqual(left, right)
	case OpNotEqual:
		equal, err := valuesEqual(left, right)

		return !equal, err
	}

	cmp, err := compareValues(left, right)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OpLess:
		return cmp < 0, nil
	case OpLessEqual:
		return cmp <= 0, nil
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterEqual:
		return cmp >= 0, nil
	default:
		return false, conditionError("unsupported operator %q", c.Operator)
	}
}

func (c *ExecutionCondition) evaluateRange(vars map[string]any) (bool, error) {
	value, err := resolveOperand("$"+c.Variable, vars)
	if err != nil {
		return false, err
	}

	if c.Min != nil {
		low, err := resolveOperand(c.Min, vars)
		if err != nil {
			return false, err
		}

		cmp, err := compareValues(value, low)
		if err != nil {
			return false, err
		}

		if cmp < 0 {
			return false, nil
		}
	}

	if c.Max != nil {
		high, err := resolveOperand(c.Max, vars)
		if err != nil {
			return false, err
		}

		cmp, err := compareValues(value, high)
		if err != nil {
			return false, err
		}

		if cmp > 0 {
			return false, nil
		}
	}

	return true, nil
}

func resolveOperand(operand any, vars map[string]any) (any, error) {
	ref, ok := operand.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return operand, nil
	}

	path := strings.TrimPrefix(ref, "$")

	value, found := LookupPath(vars, path)
	if !found {
		return nil, conditionError("variable %q is not set", path)
	}

	return value, nil
}

func toNumber(v any) (float64, bool) {
	switch v.(type) {
	case bool, nil:
		return 0, false
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}

	return f, true
}

// valuesEqual compares numbers numerically and everything else by value.
// A nil operand equals only nil. Operands of different kinds are a type
// mismatch, as with the ordering operators.
func valuesEqual(left, right any) (bool, error) {
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)

	if lok && rok {
		return lf == rf, nil
	}

	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}

	if reflect.TypeOf(left).Kind() != reflect.TypeOf(right).Kind() {
		return false, conditionError("cannot compare %T with %T", left, right)
	}

	return reflect.DeepEqual(left, right), nil
}

func compareValues(left, right any) (int, error) {
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)

	if lok && rok {
		switch {
		case lf < rf:
			return -1, nil
		case lf > rf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	ls, lIsString := left.(string)
	rs, rIsString := right.(string)

	if lIsString && rIsString {
		return strings.Compare(ls, rs), nil
	}

	return 0, conditionError("cannot compare %T with %T", left, right)
}

func conditionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", choreoerr.ErrConditionEvaluation, fmt.Sprintf(format, args...))
}

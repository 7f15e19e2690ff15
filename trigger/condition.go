package trigger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"taglink/config"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// ParseOperator converts a string to an Operator.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator: %q", s)
}

// Condition compares a tag value with a fixed value.
type Condition struct {
	Operator Operator
	Value    any
	Not      bool
}

// NewCondition validates the operator of cfg.
func NewCondition(op string, value any, not bool) (*Condition, error) {
	o, err := ParseOperator(op)
	if err != nil {
		return nil, err
	}
	return &Condition{Operator: o, Value: value, Not: not}, nil
}

// FromConfig builds the condition of a trigger.
func FromConfig(c config.ConditionConfig) (*Condition, error) {
	return NewCondition(c.Operator, c.Value, c.Not)
}

// Evaluate reports whether value satisfies the condition. Numbers, bools
// and numeric strings compare numerically; anything else only supports ==
// and !=.
func (c *Condition) Evaluate(value any) (bool, error) {
	var result bool
	target, targetNum := toFloat64(c.Value)
	v, valueNum := toFloat64(value)
	if targetNum && valueNum {
		result = c.compare(v, target)
	} else {
		switch c.Operator {
		case OpEqual:
			result = reflect.DeepEqual(value, c.Value)
		case OpNotEqual:
			result = !reflect.DeepEqual(value, c.Value)
		default:
			return false, fmt.Errorf("operator %s needs numeric values, got %T and %T", c.Operator, value, c.Value)
		}
	}
	if c.Not {
		return !result, nil
	}
	return result, nil
}

func (c *Condition) compare(value, target float64) bool {
	switch c.Operator {
	case OpEqual:
		return value == target
	case OpNotEqual:
		return value != target
	case OpGreater:
		return value > target
	case OpLess:
		return value < target
	case OpGreaterEqual:
		return value >= target
	case OpLessEqual:
		return value <= target
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

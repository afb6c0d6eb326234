package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"logshipper/internal/logdna"
	"logshipper/internal/match"
)

type conditionOperator string

const (
	operatorEQ conditionOperator = "="
	operatorNE conditionOperator = "!="
	operatorGT conditionOperator = ">"
	operatorLT conditionOperator = "<"
)

// tagField selects the event tag instead of a record field.
const tagField = "tag"

// DropCondition is one compiled drop_record expression.
// Params: raw condition and parsed parts.
// Returns: evaluatable drop condition.
type DropCondition struct {
	Raw   string
	Field string
	Op    conditionOperator
	Value string

	path []string

	valueNumber float64
	valueIsNum  bool

	pattern    match.Pattern
	hasPattern bool
}

// parseDropCondition parses one drop_record expression.
// Params: expression in format <field><op><value>; value may be double-quoted.
// Returns: compiled drop condition or parse error.
func parseDropCondition(expression string) (DropCondition, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return DropCondition{}, fmt.Errorf("empty expression")
	}

	field, op, value, ok := splitCondition(raw)
	if !ok {
		return DropCondition{}, fmt.Errorf("invalid expression %q", raw)
	}
	if field == "" {
		return DropCondition{}, fmt.Errorf("field is empty in expression %q", raw)
	}

	quoted := false
	if unquoted, err := strconv.Unquote(value); err == nil && strings.HasPrefix(value, `"`) {
		value = unquoted
		quoted = true
	}
	if value == "" && !quoted {
		return DropCondition{}, fmt.Errorf("value is empty in expression %q", raw)
	}

	condition := DropCondition{
		Raw:   raw,
		Field: field,
		Op:    op,
		Value: value,
		path:  strings.Split(field, "."),
	}

	if !quoted {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			condition.valueNumber = parsed
			condition.valueIsNum = true
		}
	}
	if (op == operatorGT || op == operatorLT) && !condition.valueIsNum {
		return DropCondition{}, fmt.Errorf("operator %s needs numeric value in %q", op, raw)
	}

	if strings.ContainsAny(value, "*{") {
		if compiled, ok := match.Compile(value); ok {
			condition.pattern = compiled
			condition.hasPattern = true
		}
	}

	return condition, nil
}

// compileDropConditions parses drop_record expressions.
// Params: expressions from buffer config.
// Returns: compiled condition list or parse error.
func compileDropConditions(expressions []string) ([]DropCondition, error) {
	compiled := make([]DropCondition, 0, len(expressions))
	for idx, expression := range expressions {
		condition, err := parseDropCondition(expression)
		if err != nil {
			return nil, fmt.Errorf("invalid drop_record[%d]: %w", idx, err)
		}
		compiled = append(compiled, condition)
	}
	return compiled, nil
}

// shouldDropRecord evaluates OR logic over all configured drop conditions.
// Params: conditions and candidate event.
// Returns: true when any condition matches.
func shouldDropRecord(conditions []DropCondition, event Event) bool {
	for _, condition := range conditions {
		if condition.evaluate(event) {
			return true
		}
	}
	return false
}

// evaluate checks one condition against the event tag or a record field.
// Missing fields only satisfy "!=".
func (c DropCondition) evaluate(event Event) bool {
	if c.Field == tagField {
		return c.compareString(event.Tag)
	}

	actual, ok := lookupPath(event.Record, c.path)
	if !ok {
		return c.Op == operatorNE
	}
	return c.compareAny(actual)
}

// compareAny compares string/numeric values according to operator.
func (c DropCondition) compareAny(actual any) bool {
	actualNumber, actualIsNumber := toFloat64(actual)

	switch c.Op {
	case operatorGT:
		return actualIsNumber && actualNumber > c.valueNumber
	case operatorLT:
		return actualIsNumber && actualNumber < c.valueNumber
	case operatorEQ, operatorNE:
		if actualIsNumber && c.valueIsNum {
			return (actualNumber == c.valueNumber) == (c.Op == operatorEQ)
		}
		return c.compareString(valueText(actual))
	default:
		return false
	}
}

// compareString compares strings with optional pattern support.
func (c DropCondition) compareString(actual string) bool {
	matched := actual == c.Value
	if c.hasPattern {
		matched = c.pattern.Match(actual)
	}

	switch c.Op {
	case operatorEQ:
		return matched
	case operatorNE:
		return !matched
	default:
		return false
	}
}

// lookupPath walks nested maps by dotted field path.
func lookupPath(record logdna.Record, path []string) (any, bool) {
	var current any = map[string]any(record)
	for _, key := range path {
		var next any
		var ok bool
		switch node := current.(type) {
		case map[string]any:
			next, ok = node[key]
		case logdna.Record:
			next, ok = node[key]
		default:
			return nil, false
		}
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}
	return current, true
}

// splitCondition splits raw expression into field/operator/value.
// Params: raw expression text.
// Returns: field, operator, value, and parse-ok flag.
func splitCondition(raw string) (string, conditionOperator, string, bool) {
	for idx := 0; idx < len(raw); idx++ {
		var op conditionOperator
		switch {
		case strings.HasPrefix(raw[idx:], string(operatorNE)):
			op = operatorNE
		case raw[idx] == '>':
			op = operatorGT
		case raw[idx] == '<':
			op = operatorLT
		case raw[idx] == '=':
			op = operatorEQ
		default:
			continue
		}
		field := strings.TrimSpace(raw[:idx])
		value := strings.TrimSpace(raw[idx+len(op):])
		return field, op, value, true
	}
	return "", "", "", false
}

// toFloat64 converts numeric values into float64.
// Params: v is runtime value.
// Returns: float64 value and conversion success flag.
func toFloat64(v any) (float64, bool) {
	switch value := v.(type) {
	case uint8:
		return float64(value), true
	case uint16:
		return float64(value), true
	case uint32:
		return float64(value), true
	case uint64:
		return float64(value), true
	case int8:
		return float64(value), true
	case int16:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case int:
		return float64(value), true
	case float32:
		return float64(value), true
	case float64:
		return value, true
	default:
		return 0, false
	}
}

func valueText(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return fmt.Sprint(v)
	}
}

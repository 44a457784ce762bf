package dsl

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator is one of the four arithmetic operations a transform supports.
type Operator string

const (
	OperatorAdd Operator = "add"
	OperatorSub Operator = "sub"
	OperatorMul Operator = "mul"
	OperatorDiv Operator = "div"
)

// Valid reports whether the operator is one of the four supported ones.
func (o Operator) Valid() bool {
	switch o {
	case OperatorAdd, OperatorSub, OperatorMul, OperatorDiv:
		return true
	}
	return false
}

// Operand is one side of an arithmetic or concat transform: either a
// field reference into the current record, a numeric constant, or a
// string constant. Exactly one of the three is set.
type Operand struct {
	Field       string   `json:"field,omitempty"`
	Const       *float64 `json:"const,omitempty"`
	ConstString *string  `json:"const_string,omitempty"`
}

// IsField reports whether the operand references a record field.
func (o Operand) IsField() bool { return o.Field != "" }

// IsNumericConst reports whether the operand is a numeric constant.
func (o Operand) IsNumericConst() bool { return o.Const != nil }

// IsStringConst reports whether the operand is a string constant.
func (o Operand) IsStringConst() bool { return o.ConstString != nil }

func (o Operand) describe() string {
	switch {
	case o.IsField():
		return fmt.Sprintf("field %q", o.Field)
	case o.IsNumericConst():
		return fmt.Sprintf("const %s", FormatNumber(*o.Const))
	case o.IsStringConst():
		return fmt.Sprintf("const %q", *o.ConstString)
	}
	return "empty operand"
}

// EvaluateArithmetic resolves both operands as numbers against the record
// and applies op. Pure; the only failure modes are missing/null fields,
// non-numeric values and division by zero.
func EvaluateArithmetic(left Operand, op Operator, right Operand, rec *Record) (float64, error) {
	l, err := resolveNumber(left, rec)
	if err != nil {
		return 0, err
	}
	r, err := resolveNumber(right, rec)
	if err != nil {
		return 0, err
	}
	switch op {
	case OperatorAdd:
		return l + r, nil
	case OperatorSub:
		return l - r, nil
	case OperatorMul:
		return l * r, nil
	case OperatorDiv:
		if r == 0.0 {
			return 0, &DivisionByZeroError{Field: right.Field}
		}
		return l / r, nil
	default:
		return 0, fmt.Errorf("unknown arithmetic operator %q", op)
	}
}

// EvaluateConcat resolves both operands as strings against the record and
// joins them with separator (which may be empty).
func EvaluateConcat(left Operand, separator string, right Operand, rec *Record) (string, error) {
	l, err := resolveString(left, rec)
	if err != nil {
		return "", err
	}
	r, err := resolveString(right, rec)
	if err != nil {
		return "", err
	}
	return l + separator + r, nil
}

// FormatNumber renders a float the way concat consumes numbers: integer
// values without a trailing ".0", decimals at full double precision.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseNumber coerces a raw record value to float64. Strings are parsed
// as floats; anything non-numeric fails with a TypeCastError naming the
// offending value.
func ParseNumber(field string, value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, &TypeCastError{Field: field, Value: v.String(), Want: "number"}
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, &TypeCastError{Field: field, Value: v, Want: "number"}
		}
		return f, nil
	default:
		return 0, &TypeCastError{Field: field, Value: fmt.Sprintf("%v", value), Want: "number"}
	}
}

func resolveNumber(o Operand, rec *Record) (float64, error) {
	if o.IsNumericConst() {
		return *o.Const, nil
	}
	if o.IsStringConst() {
		f, err := strconv.ParseFloat(*o.ConstString, 64)
		if err != nil {
			return 0, &TypeCastError{Value: *o.ConstString, Want: "number"}
		}
		return f, nil
	}
	if !o.IsField() {
		return 0, fmt.Errorf("arithmetic operand has neither field nor constant")
	}
	value, ok := rec.Get(o.Field)
	if !ok || value == nil {
		return 0, &MissingFieldError{Field: o.Field}
	}
	return ParseNumber(o.Field, value)
}

func resolveString(o Operand, rec *Record) (string, error) {
	if o.IsStringConst() {
		return *o.ConstString, nil
	}
	if o.IsNumericConst() {
		return FormatNumber(*o.Const), nil
	}
	if !o.IsField() {
		return "", fmt.Errorf("concat operand has neither field nor constant")
	}
	value, ok := rec.Get(o.Field)
	if !ok || value == nil {
		return "", &MissingFieldError{Field: o.Field}
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return FormatNumber(v), nil
	case float32:
		return FormatNumber(float64(v)), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", &TypeCastError{Field: o.Field, Value: fmt.Sprintf("%v", value), Want: "string"}
	}
}

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Operator is a threshold comparison. The zero value is invalid.
type Operator int

const (
	OpInvalid Operator = iota
	OpGreater
	OpLess
	OpGreaterEqual
	OpLessEqual
	OpEqual
)

// ErrInvalidOperator is returned when an operator symbol is not one of > < >= <= ==.
var ErrInvalidOperator = errors.New("operator must be one of >, <, >=, <=, ==")

var operatorSymbols = map[Operator]string{
	OpGreater:      ">",
	OpLess:         "<",
	OpGreaterEqual: ">=",
	OpLessEqual:    "<=",
	OpEqual:        "==",
}

// ParseOperator maps a symbol to an Operator.
func ParseOperator(s string) (Operator, error) {
	for op, sym := range operatorSymbols {
		if sym == s {
			return op, nil
		}
	}
	return OpInvalid, fmt.Errorf("%w: got %q", ErrInvalidOperator, s)
}

// IsValid reports whether the operator is one of the five comparisons.
func (o Operator) IsValid() bool {
	_, ok := operatorSymbols[o]
	return ok
}

func (o Operator) String() string {
	if sym, ok := operatorSymbols[o]; ok {
		return sym
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// Compare evaluates "value <op> threshold". Equality is exact, with no
// tolerance for floating point noise.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpInvalid:
		return false
	}
	return false
}

// MarshalJSON encodes the operator as its symbol.
func (o Operator) MarshalJSON() ([]byte, error) {
	if !o.IsValid() {
		return nil, ErrInvalidOperator
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(o.String()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes a symbol, rejecting anything outside the closed set.
func (o *Operator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return ErrInvalidOperator
	}
	op, err := ParseOperator(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

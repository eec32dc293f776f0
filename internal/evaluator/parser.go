package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"vigil/internal/models"
)

// ParsedEvent is a well-formed payload whose fields have not been checked.
type ParsedEvent map[string]json.RawMessage

var errNotObject = errors.New("payload is not a JSON object")

// Parse decodes a raw queue payload. It fails only when the payload is not a
// JSON object.
func Parse(raw []byte) (ParsedEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ParseError{Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Err: errNotObject}
	}
	return ParsedEvent(fields), nil
}

// field decodes one member, keeping numbers as json.Number. A null member is
// reported as absent.
func (p ParsedEvent) field(name string) (any, bool) {
	raw, ok := p[name]
	if !ok {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// violations accumulates human-readable problems for one event.
type violations []string

func (v *violations) add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (p ParsedEvent) requiredString(name string, maxLen int, v *violations) string {
	raw, ok := p.field(name)
	if !ok {
		v.add("%s is required", name)
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.add("%s must be a string", name)
		return ""
	}
	if strings.TrimSpace(s) == "" {
		v.add("%s must not be blank", name)
		return s
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		v.add("%s must be at most %d characters", name, maxLen)
	}
	return s
}

func (p ParsedEvent) requiredNumber(name string, v *violations) (json.Number, bool) {
	raw, ok := p.field(name)
	if !ok {
		v.add("%s is required", name)
		return "", false
	}
	n, ok := raw.(json.Number)
	if !ok {
		v.add("%s must be a number", name)
		return "", false
	}
	return n, true
}

// Validate checks field presence and types and builds the event used for
// rule matching.
func Validate(p ParsedEvent) (models.Event, error) {
	var v violations
	var event models.Event

	event.DeviceID = p.requiredString("device_id", models.MaxDeviceIDLength, &v)
	if strings.Contains(event.DeviceID, "#") {
		v.add("device_id must not contain '#'")
	}

	event.Type = p.requiredString("type", models.MaxMetricLength, &v)

	if n, ok := p.requiredNumber("value", &v); ok {
		if f, err := n.Float64(); err != nil || math.IsInf(f, 0) {
			v.add("value must be a finite number")
		}
		event.Value = n
	}

	if n, ok := p.requiredNumber("ts", &v); ok {
		ts, err := n.Int64()
		switch {
		case err != nil:
			v.add("ts must be an integer epoch milliseconds value")
		case ts <= 0:
			v.add("ts must be a positive epoch milliseconds value")
		default:
			event.TS = ts
		}
	}

	event.EventID = p.requiredString("event_id", 0, &v)

	if raw, ok := p.field("request_id"); ok {
		if s, isString := raw.(string); isString {
			event.RequestID = s
		} else {
			v.add("request_id must be a string")
		}
	}

	if len(v) > 0 {
		return models.Event{}, &ValidationError{Violations: v}
	}
	return event, nil
}

// ParseAndValidate runs both checks on a raw payload.
func ParseAndValidate(raw []byte) (models.Event, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return models.Event{}, err
	}
	return Validate(parsed)
}

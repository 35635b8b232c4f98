package models

import (
	"fmt"
	"math"
)

// ValidateEvent checks the structural fields of a normalised event and then
// its type-specific payload schema. It returns a *ValidationError naming the
// failing path, or nil. Callers are expected to have stamped defaults
// (severity, timestamp, id) before validating.
func ValidateEvent(e *Event) error {
	if e.ID == "" {
		return NewValidationError("id", "required")
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("timestamp", "required")
	}
	if e.SessionID == "" {
		return NewValidationError("sessionId", "required")
	}
	if e.AgentID == "" {
		return NewValidationError("agentId", "required")
	}
	if !e.EventType.Valid() {
		return NewValidationError("eventType", fmt.Sprintf("unknown event type %q", e.EventType))
	}
	if !e.Severity.Valid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", e.Severity))
	}
	return ValidatePayload(e.EventType, e.Payload)
}

// ValidatePayload checks the payload mapping against the schema for the given
// event type. Fields not named by the schema are passed through untouched.
func ValidatePayload(t EventType, payload map[string]any) error {
	p := payloadFields(payload)
	switch t {
	case EventSessionStarted:
		if err := p.optionalString("agentName"); err != nil {
			return err
		}
		return p.optionalStringSlice("tags")
	case EventSessionEnded:
		return p.requireEnum("reason", "completed", "error", "cancelled", "timeout")
	case EventToolCall:
		if err := p.requireString("toolName"); err != nil {
			return err
		}
		if err := p.optionalString("toolCallId"); err != nil {
			return err
		}
		return p.optionalObject("arguments")
	case EventToolResponse:
		if err := p.requireString("toolName"); err != nil {
			return err
		}
		if err := p.optionalString("toolCallId"); err != nil {
			return err
		}
		return p.optionalNonNegNumber("durationMs")
	case EventToolError:
		if err := p.requireString("toolName"); err != nil {
			return err
		}
		if err := p.requireString("error"); err != nil {
			return err
		}
		return p.optionalString("toolCallId")
	case EventApprovalRequested:
		if err := p.requireString("approvalId"); err != nil {
			return err
		}
		return p.optionalString("description")
	case EventApprovalResolved:
		if err := p.requireString("approvalId"); err != nil {
			return err
		}
		return p.requireBool("approved")
	case EventFormRequested:
		return p.requireString("formId")
	case EventFormSubmitted:
		if err := p.requireString("formId"); err != nil {
			return err
		}
		return p.optionalObject("values")
	case EventCostTracked:
		if err := p.requireNonNegNumber("costUsd"); err != nil {
			return err
		}
		return p.optionalString("model")
	case EventLLMCall:
		if err := p.requireString("model"); err != nil {
			return err
		}
		if err := p.optionalNonNegInt("inputTokens"); err != nil {
			return err
		}
		return p.optionalNonNegInt("toolCallCount")
	case EventLLMResponse:
		if err := p.optionalString("model"); err != nil {
			return err
		}
		for _, f := range []string{"inputTokens", "outputTokens", "toolCallCount"} {
			if err := p.optionalNonNegInt(f); err != nil {
				return err
			}
		}
		if err := p.optionalNonNegNumber("durationMs"); err != nil {
			return err
		}
		return p.optionalNonNegNumber("costUsd")
	case EventAlertTriggered:
		if err := p.requireString("ruleId"); err != nil {
			return err
		}
		for _, f := range []string{"ruleName", "conditionType", "message"} {
			if err := p.optionalString(f); err != nil {
				return err
			}
		}
		for _, f := range []string{"currentValue", "threshold"} {
			if err := p.optionalNumber(f); err != nil {
				return err
			}
		}
		return nil
	case EventAlertResolved:
		return p.requireString("ruleId")
	case EventCustom:
		return p.requireString("name")
	default:
		return NewValidationError("eventType", fmt.Sprintf("unknown event type %q", t))
	}
}

// payloadFields wraps a payload mapping with typed accessors that report
// failures as ValidationErrors with "payload."-prefixed paths.
type payloadFields map[string]any

func (p payloadFields) path(field string) string {
	return "payload." + field
}

func (p payloadFields) requireString(field string) error {
	v, ok := p[field]
	if !ok {
		return NewValidationError(p.path(field), "required")
	}
	s, ok := v.(string)
	if !ok {
		return NewValidationError(p.path(field), "must be a string")
	}
	if s == "" {
		return NewValidationError(p.path(field), "must not be empty")
	}
	return nil
}

func (p payloadFields) optionalString(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	if _, ok := v.(string); !ok {
		return NewValidationError(p.path(field), "must be a string")
	}
	return nil
}

func (p payloadFields) requireBool(field string) error {
	v, ok := p[field]
	if !ok {
		return NewValidationError(p.path(field), "required")
	}
	if _, ok := v.(bool); !ok {
		return NewValidationError(p.path(field), "must be a boolean")
	}
	return nil
}

func (p payloadFields) requireEnum(field string, allowed ...string) error {
	if err := p.requireString(field); err != nil {
		return err
	}
	s := p[field].(string)
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	return NewValidationError(p.path(field), fmt.Sprintf("must be one of %v", allowed))
}

func (p payloadFields) requireNonNegNumber(field string) error {
	v, ok := p[field]
	if !ok {
		return NewValidationError(p.path(field), "required")
	}
	f, ok := asNumber(v)
	if !ok {
		return NewValidationError(p.path(field), "must be a number")
	}
	if f < 0 {
		return NewValidationError(p.path(field), "must not be negative")
	}
	return nil
}

func (p payloadFields) optionalNumber(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	if _, ok := asNumber(v); !ok {
		return NewValidationError(p.path(field), "must be a number")
	}
	return nil
}

func (p payloadFields) optionalNonNegNumber(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	f, ok := asNumber(v)
	if !ok {
		return NewValidationError(p.path(field), "must be a number")
	}
	if f < 0 {
		return NewValidationError(p.path(field), "must not be negative")
	}
	return nil
}

func (p payloadFields) optionalNonNegInt(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	f, ok := asNumber(v)
	if !ok {
		return NewValidationError(p.path(field), "must be an integer")
	}
	if f != math.Trunc(f) {
		return NewValidationError(p.path(field), "must be an integer")
	}
	if f < 0 {
		return NewValidationError(p.path(field), "must not be negative")
	}
	return nil
}

func (p payloadFields) optionalObject(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	if _, ok := v.(map[string]any); !ok {
		return NewValidationError(p.path(field), "must be an object")
	}
	return nil
}

func (p payloadFields) optionalStringSlice(field string) error {
	v, ok := p[field]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return nil
	case []any:
		for _, item := range vv {
			if _, ok := item.(string); !ok {
				return NewValidationError(p.path(field), "must be an array of strings")
			}
		}
		return nil
	default:
		return NewValidationError(p.path(field), "must be an array of strings")
	}
}

// asNumber normalises the numeric types a payload value can arrive as:
// float64 from JSON decoding, or Go integer/float types from in-process
// producers such as the guardrail engine.
func asNumber(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// NumberAt extracts a numeric value from a (possibly nested) payload using a
// dot-separated key path, e.g. "metrics.latencyMs". Used by custom-metric
// guardrail conditions.
func NumberAt(payload map[string]any, keyPath string) (float64, bool) {
	if keyPath == "" || payload == nil {
		return 0, false
	}
	var cur any = payload
	start := 0
	for i := 0; i <= len(keyPath); i++ {
		if i != len(keyPath) && keyPath[i] != '.' {
			continue
		}
		key := keyPath[start:i]
		start = i + 1
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[key]
		if !ok {
			return 0, false
		}
	}
	return asNumber(cur)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEvent_StructuralFields(t *testing.T) {
	base := func() *Event {
		return &Event{
			ID:        "evt-1",
			Timestamp: time.Now().UTC(),
			TenantID:  "default",
			SessionID: "sess-1",
			AgentID:   "agent-1",
			EventType: EventCustom,
			Severity:  SeverityInfo,
			Payload:   map[string]any{"name": "metric"},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Event)
		wantField string
	}{
		{"missing id", func(e *Event) { e.ID = "" }, "id"},
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "timestamp"},
		{"missing session", func(e *Event) { e.SessionID = "" }, "sessionId"},
		{"missing agent", func(e *Event) { e.AgentID = "" }, "agentId"},
		{"unknown event type", func(e *Event) { e.EventType = "telemetry" }, "eventType"},
		{"unknown severity", func(e *Event) { e.Severity = "fatal" }, "severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(e)

			err := ValidateEvent(e)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}

	assert.NoError(t, ValidateEvent(base()))
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		payload   map[string]any
		wantField string // empty = expect success
	}{
		{"tool_call ok", EventToolCall, map[string]any{"toolName": "search"}, ""},
		{"tool_call missing toolName", EventToolCall, map[string]any{}, "payload.toolName"},
		{"tool_call empty toolName", EventToolCall, map[string]any{"toolName": ""}, "payload.toolName"},
		{"tool_call arguments not object", EventToolCall, map[string]any{"toolName": "x", "arguments": "q=1"}, "payload.arguments"},
		{"tool_response negative duration", EventToolResponse, map[string]any{"toolName": "x", "durationMs": float64(-1)}, "payload.durationMs"},
		{"tool_error ok", EventToolError, map[string]any{"toolName": "x", "error": "boom"}, ""},
		{"tool_error missing error", EventToolError, map[string]any{"toolName": "x"}, "payload.error"},
		{"session_ended ok", EventSessionEnded, map[string]any{"reason": "completed"}, ""},
		{"session_ended bad reason", EventSessionEnded, map[string]any{"reason": "crashed"}, "payload.reason"},
		{"session_started tags ok", EventSessionStarted, map[string]any{"tags": []any{"prod", "eu"}}, ""},
		{"session_started tags mixed", EventSessionStarted, map[string]any{"tags": []any{"prod", float64(1)}}, "payload.tags"},
		{"cost_tracked ok", EventCostTracked, map[string]any{"costUsd": float64(0.004)}, ""},
		{"cost_tracked missing cost", EventCostTracked, map[string]any{}, "payload.costUsd"},
		{"cost_tracked negative", EventCostTracked, map[string]any{"costUsd": float64(-0.01)}, "payload.costUsd"},
		{"llm_call ok", EventLLMCall, map[string]any{"model": "gpt-4o", "inputTokens": float64(812)}, ""},
		{"llm_call fractional tokens", EventLLMCall, map[string]any{"model": "gpt-4o", "inputTokens": 1.5}, "payload.inputTokens"},
		{"llm_response ok", EventLLMResponse, map[string]any{"outputTokens": float64(240), "costUsd": 0.002}, ""},
		{"approval_resolved ok", EventApprovalResolved, map[string]any{"approvalId": "ap-1", "approved": true}, ""},
		{"approval_resolved missing flag", EventApprovalResolved, map[string]any{"approvalId": "ap-1"}, "payload.approved"},
		{"alert_triggered ok", EventAlertTriggered, map[string]any{"ruleId": "rule-1", "currentValue": 61.2}, ""},
		{"alert_triggered value not number", EventAlertTriggered, map[string]any{"ruleId": "rule-1", "threshold": "50"}, "payload.threshold"},
		{"custom ok", EventCustom, map[string]any{"name": "queue_depth", "value": float64(17)}, ""},
		{"custom missing name", EventCustom, map[string]any{"value": float64(17)}, "payload.name"},
		{"int payload values accepted", EventCostTracked, map[string]any{"costUsd": 2}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.eventType, tt.payload)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestNumberAt(t *testing.T) {
	payload := map[string]any{
		"metrics": map[string]any{
			"latencyMs": float64(412),
			"nested":    map[string]any{"depth": 3},
		},
		"count": float64(7),
		"label": "p95",
	}

	tests := []struct {
		path   string
		want   float64
		wantOK bool
	}{
		{"count", 7, true},
		{"metrics.latencyMs", 412, true},
		{"metrics.nested.depth", 3, true},
		{"label", 0, false},
		{"metrics.missing", 0, false},
		{"count.deeper", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := NumberAt(payload, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

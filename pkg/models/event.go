// Package models contains the domain types shared by storage, services and the API.
package models

import (
	"time"
)

// EventType is the closed enumeration of accepted event types.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventToolCall          EventType = "tool_call"
	EventToolResponse      EventType = "tool_response"
	EventToolError         EventType = "tool_error"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventFormRequested     EventType = "form_requested"
	EventFormSubmitted     EventType = "form_submitted"
	EventCostTracked       EventType = "cost_tracked"
	EventLLMCall           EventType = "llm_call"
	EventLLMResponse       EventType = "llm_response"
	EventAlertTriggered    EventType = "alert_triggered"
	EventAlertResolved     EventType = "alert_resolved"
	EventCustom            EventType = "custom"
)

// AllEventTypes lists every member of the enumeration, in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionStarted, EventSessionEnded,
		EventToolCall, EventToolResponse, EventToolError,
		EventApprovalRequested, EventApprovalResolved,
		EventFormRequested, EventFormSubmitted,
		EventCostTracked,
		EventLLMCall, EventLLMResponse,
		EventAlertTriggered, EventAlertResolved,
		EventCustom,
	}
}

// Valid reports whether t is a member of the enumeration.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStarted, EventSessionEnded,
		EventToolCall, EventToolResponse, EventToolError,
		EventApprovalRequested, EventApprovalResolved,
		EventFormRequested, EventFormSubmitted,
		EventCostTracked,
		EventLLMCall, EventLLMResponse,
		EventAlertTriggered, EventAlertResolved,
		EventCustom:
		return true
	}
	return false
}

// Severity is the event severity level.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// IsErrorLevel reports whether s counts toward session error counters.
func (s Severity) IsErrorLevel() bool {
	return s == SeverityError || s == SeverityCritical
}

// Event is the atomic record of the append-only log.
//
// PrevHash links the event to the immediately preceding event of the same
// (tenant, session) pair; it is nil for the first event of a session. Hash is
// the SHA-256 of the canonical serialisation of every field except TenantID
// and Hash itself (see ComputeEventHash).
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenantId"`
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId"`
	EventType EventType      `json:"eventType"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	PrevHash  *string        `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// EventOrder is the sort direction for event queries.
type EventOrder string

const (
	OrderAsc  EventOrder = "asc"
	OrderDesc EventOrder = "desc"
)

// EventFilter narrows an event query. Zero values mean "no constraint".
type EventFilter struct {
	EventType EventType  `json:"eventType,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	AgentID   string     `json:"agentId,omitempty"`
	Severity  Severity   `json:"severity,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Order     EventOrder `json:"order,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// EventPage is a paginated event query result.
type EventPage struct {
	Events  []*Event `json:"events"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

// TenantStats summarises a tenant's stored volume.
type TenantStats struct {
	TotalEvents   int64 `json:"totalEvents"`
	TotalSessions int64 `json:"totalSessions"`
	TotalAgents   int64 `json:"totalAgents"`
}

// RetentionResult reports the outcome of a retention pass for one tenant.
// Skipped is true only when retention is disabled for the tenant.
type RetentionResult struct {
	DeletedCount int64 `json:"deletedCount"`
	Skipped      bool  `json:"skipped"`
}

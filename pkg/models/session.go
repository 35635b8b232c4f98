package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session projection.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionError:
		return true
	}
	return false
}

// Session is the projection of all events sharing a session id. It is created
// on the first event, mutated only by the event store during ingest, and
// deleted when all of its events have been purged.
type Session struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	AgentID       string        `json:"agentId"`
	AgentName     string        `json:"agentName,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	Status        SessionStatus `json:"status"`
	EventCount    int           `json:"eventCount"`
	ToolCallCount int           `json:"toolCallCount"`
	ErrorCount    int           `json:"errorCount"`
	LLMCallCount  int           `json:"llmCallCount"`
	InputTokens   int64         `json:"inputTokens"`
	OutputTokens  int64         `json:"outputTokens"`
	TotalCostUSD  float64       `json:"totalCostUsd"`
	Tags          []string      `json:"tags,omitempty"`
}

// SessionFilter narrows a session listing. Tags match sessions carrying every
// listed tag.
type SessionFilter struct {
	AgentID string        `json:"agentId,omitempty"`
	Status  SessionStatus `json:"status,omitempty"`
	Tags    []string      `json:"tags,omitempty"`
	From    *time.Time    `json:"from,omitempty"`
	To      *time.Time    `json:"to,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// SessionPage is a paginated session listing.
type SessionPage struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// Agent is the per-tenant descriptor of an event producer. Auto-created on
// the first event seen for the (tenant, agent) pair; lastSeen advances
// monotonically with every event.
type Agent struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	Name          string     `json:"name,omitempty"`
	FirstSeen     time.Time  `json:"firstSeen"`
	LastSeen      time.Time  `json:"lastSeen"`
	SessionCount  int        `json:"sessionCount"`
	ModelOverride string     `json:"modelOverride,omitempty"`
	PausedAt      *time.Time `json:"pausedAt,omitempty"`
	PauseReason   string     `json:"pauseReason,omitempty"`
}

package storage

import (
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// sessionGroup is one session's slice of a batch, in batch order.
type sessionGroup struct {
	sessionID string
	events    []*models.Event
}

// partitionBySession splits a batch by session id, preserving the relative
// order of events within each session.
func partitionBySession(events []*models.Event) []*sessionGroup {
	var groups []*sessionGroup
	index := make(map[string]*sessionGroup)
	for _, e := range events {
		g, ok := index[e.SessionID]
		if !ok {
			g = &sessionGroup{sessionID: e.SessionID}
			index[e.SessionID] = g
			groups = append(groups, g)
		}
		g.events = append(g.events, e)
	}
	return groups
}

// verifyChain walks a session group confirming that the first event extends
// tail (the stored session tail hash, nil for an empty session), that every
// subsequent prevHash equals the preceding event's hash, and that each
// self-hash matches a fresh recomputation.
func verifyChain(sessionID string, group []*models.Event, tail *string) error {
	prev := tail
	for _, e := range group {
		ok, err := models.VerifyEventHash(e)
		if err != nil {
			return &HashChainError{SessionID: sessionID, EventID: e.ID, Reason: err.Error()}
		}
		if !ok {
			return &HashChainError{SessionID: sessionID, EventID: e.ID, Reason: "self-hash does not match recomputation"}
		}
		if !hashEqual(e.PrevHash, prev) {
			return &HashChainError{SessionID: sessionID, EventID: e.ID, Reason: "prevHash does not extend the session tail"}
		}
		h := e.Hash
		prev = &h
	}
	return nil
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// sessionDelta accumulates the projection changes one session group causes.
type sessionDelta struct {
	sessionID    string
	agentID      string
	firstTS      time.Time
	lastTS       time.Time
	events       int
	toolCalls    int
	errorEvents  int
	llmCalls     int
	inputTokens  int64
	outputTokens int64
	costUSD      float64

	started   bool
	agentName string
	tags      []string

	ended     bool
	endedAt   time.Time
	endStatus models.SessionStatus
}

// computeSessionDelta folds a session group into projection deltas per the
// counter rules: eventCount always, toolCallCount on tool_call, errorCount on
// error/critical severity or tool_error, llmCallCount on llm_call, cost on
// cost_tracked, token totals on llm_response, lifecycle fields on
// session_started/session_ended.
func computeSessionDelta(group *sessionGroup) sessionDelta {
	d := sessionDelta{sessionID: group.sessionID}
	for _, e := range group.events {
		if d.events == 0 || e.Timestamp.Before(d.firstTS) {
			d.firstTS = e.Timestamp
		}
		if e.Timestamp.After(d.lastTS) {
			d.lastTS = e.Timestamp
		}
		d.agentID = e.AgentID
		d.events++

		if e.Severity.IsErrorLevel() || e.EventType == models.EventToolError {
			d.errorEvents++
		}

		switch e.EventType {
		case models.EventToolCall:
			d.toolCalls++
		case models.EventLLMCall:
			d.llmCalls++
		case models.EventLLMResponse:
			if v, ok := models.NumberAt(e.Payload, "inputTokens"); ok {
				d.inputTokens += int64(v)
			}
			if v, ok := models.NumberAt(e.Payload, "outputTokens"); ok {
				d.outputTokens += int64(v)
			}
		case models.EventCostTracked:
			if v, ok := models.NumberAt(e.Payload, "costUsd"); ok {
				d.costUSD += v
			}
		case models.EventSessionStarted:
			d.started = true
			if name, ok := e.Payload["agentName"].(string); ok {
				d.agentName = name
			}
			d.tags = stringSlice(e.Payload["tags"])
		case models.EventSessionEnded:
			d.ended = true
			d.endedAt = e.Timestamp
			if reason, ok := e.Payload["reason"].(string); ok && reason == "error" {
				d.endStatus = models.SessionError
			} else {
				d.endStatus = models.SessionCompleted
			}
		}
	}
	return d
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

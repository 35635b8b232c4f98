package models

// ReplayStep is one entry in the ordered replay of a session. Context is nil
// when the caller asked for events only.
type ReplayStep struct {
	Index   int          `json:"index"`
	Event   *Event       `json:"event"`
	Context *StepContext `json:"context,omitempty"`
}

// StepContext is the rolling context available at a step: the last 50 LLM
// exchanges and every tool result that preceded it.
type StepContext struct {
	LLMExchanges []*Event `json:"llmExchanges,omitempty"`
	ToolResults  []*Event `json:"toolResults,omitempty"`
}

// ReplaySummary aggregates the whole session, independent of pagination.
type ReplaySummary struct {
	TotalToolCalls    int      `json:"totalToolCalls"`
	TotalLLMCalls     int      `json:"totalLlmCalls"`
	TotalCostUSD      float64  `json:"totalCostUsd"`
	DistinctToolNames []string `json:"distinctToolNames"`
	ErrorCount        int      `json:"errorCount"`
}

// ReplayResult is one page of a session replay. ChainValid reports whether
// the session's hash chain verified end to end; it is computed once per
// cached projection.
type ReplayResult struct {
	SessionID  string        `json:"sessionId"`
	Steps      []*ReplayStep `json:"steps"`
	Summary    ReplaySummary `json:"summary"`
	ChainValid bool          `json:"chainValid"`
	Total      int           `json:"total"`
	HasMore    bool          `json:"hasMore"`
}

// ReplayRequest selects a page of a session replay.
type ReplayRequest struct {
	SessionID      string      `json:"sessionId"`
	Offset         int         `json:"offset,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	EventTypes     []EventType `json:"eventTypes,omitempty"`
	IncludeContext bool        `json:"includeContext,omitempty"`
}

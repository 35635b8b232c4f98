package analytics

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		HealthWeights: config.HealthWeights{
			ErrorRate:      0.30,
			CostEfficiency: 0.20,
			ToolSuccess:    0.20,
			Latency:        0.15,
			CompletionRate: 0.15,
		},
		DefaultWindow:    7,
		CostWindow:       30,
		SimpleMaxInput:   1000,
		ModerateMaxInput: 8000,
		ModelCosts: map[string]config.ModelCost{
			"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"claude-haiku-4-5": {InputPer1K: 0.001, OutputPer1K: 0.005},
		},
	}
}

func newTestAnalyzer(t *testing.T) (*Analyzer, storage.Store) {
	t.Helper()
	client, err := database.NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	store := storage.NewEmbeddedStore(client)
	t.Cleanup(func() { _ = store.Close() })

	a, err := New(store, testAnalyticsConfig())
	require.NoError(t, err)
	return a, store
}

type evSpec struct {
	typ     models.EventType
	payload map[string]any
}

// insertSession appends a chained session starting at base, one second apart.
func insertSession(t *testing.T, store storage.Store, session string, base time.Time, specs []evSpec) {
	t.Helper()
	base = base.UTC().Truncate(time.Microsecond)
	var prev *string
	events := make([]*models.Event, 0, len(specs))
	for i, spec := range specs {
		payload := spec.payload
		if payload == nil {
			payload = map[string]any{}
		}
		e := &models.Event{
			ID:        models.NewEventID(),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			SessionID: session,
			AgentID:   "agent-1",
			EventType: spec.typ,
			Severity:  models.SeverityInfo,
			Payload:   payload,
			PrevHash:  prev,
		}
		h, err := models.ComputeEventHash(e)
		require.NoError(t, err)
		e.Hash = h
		prev = &e.Hash
		events = append(events, e)
	}
	_, err := store.InsertEvents(context.Background(), storage.DefaultTenant, events)
	require.NoError(t, err)
}

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := testAnalyticsConfig()
	cfg.HealthWeights.ErrorRate = 0.9 // sum 1.6
	_, err := New(nil, cfg)
	assert.Error(t, err)
}

func TestHealthScoreEmptyWindow(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	score, err := a.HealthScore(context.Background(), storage.DefaultTenant, "agent-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 0, score.SessionsAnalyzed)
	assert.Equal(t, models.TrendStable, score.Trend)
	assert.InDelta(t, 100, score.OverallScore, 1e-9)
	assert.InDelta(t, 100, score.Dimensions.ErrorRate, 1e-9)
	assert.InDelta(t, 100, score.Dimensions.ToolSuccess, 1e-9)
}

func TestHealthScoreWindowClamp(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	score, err := a.HealthScore(context.Background(), storage.DefaultTenant, "agent-1", 500)
	require.NoError(t, err)
	assert.Equal(t, MaxWindowDays, score.WindowDays)

	score, err = a.HealthScore(context.Background(), storage.DefaultTenant, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, score.WindowDays)
}

func TestHealthScoreDimensions(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-24 * time.Hour)

	// Session A: clean, 30s, one successful tool call, $0.005.
	insertSession(t, store, "sess-a", base, []evSpec{
		{typ: models.EventSessionStarted},
		{typ: models.EventToolCall, payload: map[string]any{"toolName": "search"}},
		{typ: models.EventToolResponse, payload: map[string]any{"toolName": "search"}},
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 0.005, "model": "gpt-4o"}},
	})
	insertSessionEnd(t, store, "sess-a", base.Add(30*time.Second), "completed")

	// Session B: a failing tool call, ends in error 90s after start, $0.015.
	insertSession(t, store, "sess-b", base.Add(time.Hour), []evSpec{
		{typ: models.EventSessionStarted},
		{typ: models.EventToolCall, payload: map[string]any{"toolName": "search"}},
		{typ: models.EventToolError, payload: map[string]any{"toolName": "search", "error": "timeout"}},
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 0.015, "model": "gpt-4o"}},
	})
	insertSessionEnd(t, store, "sess-b", base.Add(time.Hour).Add(90*time.Second), "error")

	score, err := a.HealthScore(context.Background(), storage.DefaultTenant, "agent-1", 7)
	require.NoError(t, err)

	assert.Equal(t, 2, score.SessionsAnalyzed)
	assert.InDelta(t, 50, score.Dimensions.ErrorRate, 1e-9)      // 1 of 2 sessions with errors
	assert.InDelta(t, 70, score.Dimensions.CostEfficiency, 1e-9) // mean cost $0.01
	assert.InDelta(t, 50, score.Dimensions.ToolSuccess, 1e-9)    // 1 of 2 tool calls succeeded
	assert.InDelta(t, 50, score.Dimensions.Latency, 1e-9)        // mean duration 60s
	assert.InDelta(t, 50, score.Dimensions.CompletionRate, 1e-9) // 1 of 2 completed
	assert.InDelta(t, 54, score.OverallScore, 1e-9)
	assert.Equal(t, models.TrendStable, score.Trend)
}

func TestHealthScoreTrendDegrading(t *testing.T) {
	a, store := newTestAnalyzer(t)

	// Previous window: a near-perfect session nine days ago.
	prevBase := time.Now().UTC().Add(-9 * 24 * time.Hour)
	insertSession(t, store, "old-good", prevBase, []evSpec{
		{typ: models.EventSessionStarted},
		{typ: models.EventSessionEnded, payload: map[string]any{"reason": "completed"}},
	})

	// Current window: an expensive failure yesterday.
	curBase := time.Now().UTC().Add(-24 * time.Hour)
	insertSession(t, store, "new-bad", curBase, []evSpec{
		{typ: models.EventSessionStarted},
		{typ: models.EventToolCall, payload: map[string]any{"toolName": "search"}},
		{typ: models.EventToolError, payload: map[string]any{"toolName": "search"}},
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 0.05}},
	})
	insertSessionEnd(t, store, "new-bad", curBase.Add(300*time.Second), "error")

	score, err := a.HealthScore(context.Background(), storage.DefaultTenant, "agent-1", 7)
	require.NoError(t, err)
	assert.Equal(t, models.TrendDegrading, score.Trend)
}

func TestCostEfficiencyScore(t *testing.T) {
	cases := []struct {
		cost float64
		want float64
	}{
		{0, 100},
		{0.005, 85},
		{0.01, 70},
		{0.055, 35},
		{0.10, 0},
		{0.50, 0},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, costEfficiencyScore(c.cost), 1e-9, "cost %v", c.cost)
	}
}

func TestLatencyScore(t *testing.T) {
	cases := []struct {
		seconds float64
		want    float64
	}{
		{0, 100},
		{30, 75},
		{60, 50},
		{330, 25},
		{600, 0},
		{1200, 0},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, latencyScore(c.seconds), 1e-9, "duration %vs", c.seconds)
	}
}

func TestClassify(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	assert.Equal(t, models.TierSimple, a.classify(llmCall{inputTokens: 500}))
	assert.Equal(t, models.TierModerate, a.classify(llmCall{inputTokens: 500, toolCalls: 1}))
	assert.Equal(t, models.TierModerate, a.classify(llmCall{inputTokens: 5000}))
	assert.Equal(t, models.TierComplex, a.classify(llmCall{inputTokens: 9000}))
	assert.Equal(t, models.TierComplex, a.classify(llmCall{inputTokens: 100, toolCalls: 3}))
}

func TestCostRecommendations(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-48 * time.Hour)

	// Twelve simple-tier calls on the expensive model, all successful.
	for i := 0; i < 12; i++ {
		insertSession(t, store, fmt.Sprintf("big-%d", i), base.Add(time.Duration(i)*time.Minute), llmSession("gpt-4o", "completed"))
	}
	// Ten successful calls on the cheap model give it tier history.
	for i := 0; i < 10; i++ {
		insertSession(t, store, fmt.Sprintf("mini-%d", i), base.Add(time.Hour+time.Duration(i)*time.Minute), llmSession("gpt-4o-mini", "completed"))
	}

	recs, err := a.CostRecommendations(context.Background(), storage.DefaultTenant, "agent-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "gpt-4o", rec.CurrentModel)
	assert.Equal(t, "gpt-4o-mini", rec.RecommendedModel)
	assert.Equal(t, models.TierSimple, rec.Tier)
	assert.Equal(t, 12, rec.CallCount)
	assert.Equal(t, models.ConfidenceLow, rec.Confidence)
	assert.InDelta(t, 100, rec.CurrentSuccessRate, 1e-9)
	assert.InDelta(t, 100, rec.CandidateSuccessRate, 1e-9)
	// Per call: gpt-4o $0.00325, mini $0.000195; 12 calls/month.
	assert.InDelta(t, 12*(0.00325-0.000195), rec.ProjectedMonthlySavings, 1e-9)
}

func TestCostRecommendationsRequireCandidateHistory(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 15; i++ {
		insertSession(t, store, fmt.Sprintf("only-%d", i), base.Add(time.Duration(i)*time.Minute), llmSession("gpt-4o", "completed"))
	}
	recs, err := a.CostRecommendations(context.Background(), storage.DefaultTenant, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCostRecommendationsSuccessRateGate(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 12; i++ {
		insertSession(t, store, fmt.Sprintf("cur-%d", i), base.Add(time.Duration(i)*time.Minute), llmSession("gpt-4o", "completed"))
	}
	// The cheap model's history in the tier is all failures.
	for i := 0; i < 10; i++ {
		insertSession(t, store, fmt.Sprintf("bad-%d", i), base.Add(time.Hour+time.Duration(i)*time.Minute), llmSession("gpt-4o-mini", "error"))
	}
	recs, err := a.CostRecommendations(context.Background(), storage.DefaultTenant, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCostRecommendationsBelowMinimumVolume(t *testing.T) {
	a, store := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		insertSession(t, store, fmt.Sprintf("few-%d", i), base.Add(time.Duration(i)*time.Minute), llmSession("gpt-4o", "completed"))
	}
	for i := 0; i < 10; i++ {
		insertSession(t, store, fmt.Sprintf("alt-%d", i), base.Add(time.Hour+time.Duration(i)*time.Minute), llmSession("gpt-4o-mini", "completed"))
	}
	recs, err := a.CostRecommendations(context.Background(), storage.DefaultTenant, "agent-1")
	require.NoError(t, err)
	for _, rec := range recs {
		assert.NotEqual(t, "gpt-4o", rec.CurrentModel)
	}
}

// llmSession is a minimal session with one simple-tier LLM call.
func llmSession(model, endReason string) []evSpec {
	return []evSpec{
		{typ: models.EventSessionStarted},
		{typ: models.EventLLMCall, payload: map[string]any{"model": model}},
		{typ: models.EventLLMResponse, payload: map[string]any{"model": model, "inputTokens": 500, "outputTokens": 200}},
		{typ: models.EventSessionEnded, payload: map[string]any{"reason": endReason}},
	}
}

// insertSessionEnd extends an existing chain with a session_ended event at ts.
func insertSessionEnd(t *testing.T, store storage.Store, session string, ts time.Time, reason string) {
	t.Helper()
	prev, err := store.GetSessionTailHash(context.Background(), storage.DefaultTenant, session)
	require.NoError(t, err)
	e := &models.Event{
		ID:        models.NewEventID(),
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		SessionID: session,
		AgentID:   "agent-1",
		EventType: models.EventSessionEnded,
		Severity:  models.SeverityInfo,
		Payload:   map[string]any{"reason": reason},
		PrevHash:  prev,
	}
	h, err := models.ComputeEventHash(e)
	require.NoError(t, err)
	e.Hash = h
	_, err = store.InsertEvents(context.Background(), storage.DefaultTenant, []*models.Event{e})
	require.NoError(t, err)
}

package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/analytics"
	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store, *events.Bus) {
	t.Helper()
	client, err := database.NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "guardrail.db"))
	require.NoError(t, err)
	store := storage.NewEmbeddedStore(client)
	t.Cleanup(func() { _ = store.Close() })

	scorer, err := analytics.New(store, config.AnalyticsConfig{
		HealthWeights: config.HealthWeights{
			ErrorRate: 0.30, CostEfficiency: 0.20, ToolSuccess: 0.20,
			Latency: 0.15, CompletionRate: 0.15,
		},
		DefaultWindow: 7,
	})
	require.NoError(t, err)

	bus := events.NewBus(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(store, scorer, bus, config.GuardrailConfig{
		Enabled:                  true,
		TickInterval:             30 * time.Second,
		MinEvents:                5,
		MaxConcurrentEvaluations: 4,
		ActionTimeout:            2 * time.Second,
	}, logger)
	e.allowPrivateTargets = true
	return e, store, bus
}

type evInput struct {
	typ     models.EventType
	sev     models.Severity
	payload map[string]any
}

// insertChain appends chained events for one agent, one second apart.
func insertChain(t *testing.T, store storage.Store, session, agentID string, base time.Time, specs []evInput) {
	t.Helper()
	base = base.UTC().Truncate(time.Microsecond)
	prev, err := store.GetSessionTailHash(context.Background(), storage.DefaultTenant, session)
	require.NoError(t, err)
	batch := make([]*models.Event, 0, len(specs))
	for i, spec := range specs {
		sev := spec.sev
		if sev == "" {
			sev = models.SeverityInfo
		}
		payload := spec.payload
		if payload == nil {
			payload = map[string]any{}
		}
		e := &models.Event{
			ID:        models.NewEventID(),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			SessionID: session,
			AgentID:   agentID,
			EventType: spec.typ,
			Severity:  sev,
			Payload:   payload,
			PrevHash:  prev,
		}
		h, err := models.ComputeEventHash(e)
		require.NoError(t, err)
		e.Hash = h
		prev = &e.Hash
		batch = append(batch, e)
	}
	_, err = store.InsertEvents(context.Background(), storage.DefaultTenant, batch)
	require.NoError(t, err)
}

func createRule(t *testing.T, store storage.Store, rule *models.GuardrailRule) *models.GuardrailRule {
	t.Helper()
	if rule.ID == "" {
		rule.ID = models.NewEventID()
	}
	rule.TenantID = storage.DefaultTenant
	rule.Enabled = true
	if rule.CooldownMinutes == 0 {
		rule.CooldownMinutes = models.DefaultCooldownMinutes
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	require.NoError(t, store.CreateGuardrailRule(context.Background(), storage.DefaultTenant, rule))
	return rule
}

func TestErrorRatePausesAgentOncePerCooldown(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Minute)

	errored := make([]evInput, 0, 8)
	errored = append(errored, evInput{typ: models.EventSessionStarted})
	for i := 0; i < 6; i++ {
		errored = append(errored, evInput{
			typ:     models.EventToolError,
			payload: map[string]any{"toolName": "deploy", "error": "boom"},
		})
	}
	errored = append(errored, evInput{typ: models.EventToolCall, payload: map[string]any{"toolName": "deploy"}})
	insertChain(t, store, "sess-err", "agent-1", base, errored)

	rule := createRule(t, store, &models.GuardrailRule{
		Name:          "high error rate",
		AgentID:       "agent-1",
		ConditionType: models.ConditionErrorRate,
		ConditionConfig: map[string]any{
			"threshold":     50.0,
			"windowMinutes": 60.0,
		},
		ActionType:      models.ActionPauseAgent,
		CooldownMinutes: 15,
	})

	e.tick(ctx)
	// A second tick inside the cooldown stays silent.
	e.tick(ctx)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ActionExecuted)
	assert.Equal(t, "agent-1", history[0].AgentID)
	assert.GreaterOrEqual(t, history[0].ObservedValue, 50.0)

	agent, err := store.GetAgent(ctx, storage.DefaultTenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.PausedAt)
	assert.NotEmpty(t, agent.PauseReason)

	state, err := store.GetGuardrailState(ctx, storage.DefaultTenant, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.TriggerCount)

	// The pause also left an alert event on the rule's session.
	alerts, err := store.GetSessionEvents(ctx, storage.DefaultTenant, "guardrail:"+rule.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.EventAlertTriggered, alerts[0].EventType)
}

func TestErrorRateRespectsMinimumEvents(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	insertChain(t, store, "sparse", "agent-2", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventToolError, payload: map[string]any{"toolName": "x", "error": "boom"}},
		{typ: models.EventToolError, payload: map[string]any{"toolName": "x", "error": "boom"}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "sparse errors",
		AgentID:         "agent-2",
		ConditionType:   models.ConditionErrorRate,
		ConditionConfig: map[string]any{"threshold": 10.0, "windowMinutes": 60.0},
		ActionType:      models.ActionPauseAgent,
	})

	e.tick(ctx)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCostLimitDryRunRecordsWithoutActing(t *testing.T) {
	e, store, bus := newTestEngine(t)
	ctx := context.Background()

	sub := bus.Subscribe(events.Filter{Tenant: storage.DefaultTenant, Types: []models.EventType{models.EventAlertTriggered}})
	defer bus.Unsubscribe(sub)

	insertChain(t, store, "spendy", "agent-3", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 2.0, "model": "gpt-4o"}},
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 2.5, "model": "gpt-4o"}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "daily budget",
		DryRun:          true,
		AgentID:         "agent-3",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 3.0, "scope": "daily"},
		ActionType:      models.ActionPauseAgent,
	})

	e.tick(ctx)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].ActionExecuted)
	assert.InDelta(t, 4.5, history[0].ObservedValue, 1e-9)

	agent, err := store.GetAgent(ctx, storage.DefaultTenant, "agent-3")
	require.NoError(t, err)
	assert.Nil(t, agent.PausedAt)

	// Dry run still announces the alert on the bus.
	select {
	case alert := <-sub.Events():
		assert.Equal(t, models.EventAlertTriggered, alert.EventType)
		assert.Equal(t, rule.ID, alert.Payload["ruleId"])
	case <-time.After(time.Second):
		t.Fatal("expected an alert_triggered event on the bus")
	}
}

func TestCostLimitSessionScopeTakesWorstSession(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insertChain(t, store, "cheap", "agent-4", base, []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 0.5}},
	})
	insertChain(t, store, "pricey", "agent-4", base.Add(time.Minute), []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 1.2}},
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 1.3}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "session budget",
		AgentID:         "agent-4",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 2.0, "scope": "session"},
		ActionType:      models.ActionNotifyWebhook,
		ActionConfig:    map[string]any{"url": "http://example.invalid/hook"},
	})

	ev, err := e.evaluate(ctx, storage.DefaultTenant, rule, "agent-4")
	require.NoError(t, err)
	assert.True(t, ev.triggered)
	assert.InDelta(t, 2.5, ev.observed, 1e-9)
}

func TestCustomMetricOperators(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	insertChain(t, store, "metrics", "agent-5", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventCustom, payload: map[string]any{"name": "queue", "metrics": map[string]any{"depth": 8.0}}},
		{typ: models.EventCustom, payload: map[string]any{"name": "queue", "metrics": map[string]any{"depth": 12.0}}},
	})

	rule := &models.GuardrailRule{
		ID:            models.NewEventID(),
		ConditionType: models.ConditionCustom,
		ConditionConfig: map[string]any{
			"metricKeyPath": "metrics.depth",
			"operator":      "gte",
			"value":         10.0,
			"windowMinutes": 60.0,
		},
	}
	ev, err := e.evaluate(ctx, storage.DefaultTenant, rule, "agent-5")
	require.NoError(t, err)
	assert.True(t, ev.triggered)
	assert.InDelta(t, 10.0, ev.observed, 1e-9) // mean of 8 and 12

	rule.ConditionConfig["operator"] = "lt"
	ev, err = e.evaluate(ctx, storage.DefaultTenant, rule, "agent-5")
	require.NoError(t, err)
	assert.False(t, ev.triggered)

	rule.ConditionConfig["operator"] = "between"
	_, err = e.evaluate(ctx, storage.DefaultTenant, rule, "agent-5")
	assert.Error(t, err)
}

func TestWebhookActionDeliversPayload(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	insertChain(t, store, "hooked", "agent-6", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 9.0}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "spend alert",
		AgentID:         "agent-6",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 5.0, "scope": "daily"},
		ActionType:      models.ActionNotifyWebhook,
		ActionConfig:    map[string]any{"url": srv.URL},
	})

	e.tick(ctx)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ActionExecuted)

	require.NotNil(t, received)
	assert.Equal(t, rule.ID, received["ruleId"])
	assert.Equal(t, "agent-6", received["agentId"])
	assert.InDelta(t, 9.0, received["currentValue"].(float64), 1e-9)
}

func TestWebhookFailureIsRecordedNotFatal(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	insertChain(t, store, "failing-hook", "agent-7", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 9.0}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "flaky hook",
		AgentID:         "agent-7",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 5.0, "scope": "daily"},
		ActionType:      models.ActionNotifyWebhook,
		ActionConfig:    map[string]any{"url": srv.URL},
	})

	e.tick(ctx)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].ActionExecuted)
	assert.Contains(t, history[0].ActionResult, "status 502")
}

func TestDowngradeModelSetsOverride(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	insertChain(t, store, "downgrade", "agent-8", time.Now().UTC().Add(-time.Minute), []evInput{
		{typ: models.EventCostTracked, payload: map[string]any{"costUsd": 9.0}},
	})
	rule := createRule(t, store, &models.GuardrailRule{
		Name:            "too expensive",
		AgentID:         "agent-8",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 5.0, "scope": "daily"},
		ActionType:      models.ActionDowngradeModel,
		ActionConfig:    map[string]any{"targetModel": "gpt-4o-mini"},
	})

	e.tick(ctx)

	agent, err := store.GetAgent(ctx, storage.DefaultTenant, "agent-8")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", agent.ModelOverride)

	history, err := store.ListTriggerHistory(ctx, storage.DefaultTenant, models.TriggerHistoryFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ActionExecuted)
}

func TestValidateTargetURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.com/notify", false},
		{"http://127.0.0.1:8080/x", true},
		{"https://10.0.0.5/internal", true},
		{"https://192.168.1.1/", true},
		{"https://172.16.3.4/", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"ftp://files.example.com/", true},
		{"https://[::1]/", true},
		{"not a url at %%", true},
	}
	for _, c := range cases {
		err := validateTargetURL(c.url)
		if c.wantErr {
			assert.Error(t, err, c.url)
		} else {
			assert.NoError(t, err, c.url)
		}
	}
}

func TestGuardedDialRejectsPrivateAddresses(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.allowPrivateTargets = false

	// A literal private address is rejected at connect time even when no
	// URL validation ran, so a host that re-resolves after the URL check
	// still cannot reach internal infrastructure.
	_, err := e.guardedDial(context.Background(), "tcp", "127.0.0.1:80")
	assert.ErrorContains(t, err, "loopback")

	_, err = e.guardedDial(context.Background(), "tcp", "localhost:80")
	assert.Error(t, err)

	_, err = e.guardedDial(context.Background(), "tcp", "10.0.0.5:443")
	assert.ErrorContains(t, err, "private")
}

func TestGuardedDialConnectsToAllowedTargets(t *testing.T) {
	e, _, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	conn, err := e.guardedDial(context.Background(), "tcp", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestStartStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.cfg.TickInterval = 10 * time.Millisecond
	e.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	e.Stop()
}

func TestAgentgatePolicyPut(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var method, path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()
	e.cfg.AgentgateURL = srv.URL

	rule := &models.GuardrailRule{
		ID:           models.NewEventID(),
		Name:         "tighten policy",
		ActionType:   models.ActionAgentgate,
		ActionConfig: map[string]any{"policyId": "pol-7", "mode": "tighten"},
	}
	result, err := e.dispatch(context.Background(), storage.DefaultTenant, rule, "agent-9", evaluation{})
	require.NoError(t, err)
	assert.Contains(t, result, "pol-7")
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/api/policies/pol-7", path)
	assert.Equal(t, "tighten", body["mode"])
}

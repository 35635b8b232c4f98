package api

import (
	"bufio"
	"bytes"
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
	"github.com/agentlens/agentlens/pkg/replay"
	"github.com/agentlens/agentlens/pkg/services"
	"github.com/agentlens/agentlens/pkg/storage"
)

type testEnv struct {
	server *Server
	store  storage.Store
	keys   *services.KeyService
	bus    *events.Bus
}

func newTestEnv(t *testing.T, auth config.AuthConfig) *testEnv {
	t.Helper()
	client, err := database.NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	store := storage.NewEmbeddedStore(client)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(64)
	analyzer, err := analytics.New(store, config.AnalyticsConfig{
		HealthWeights: config.HealthWeights{ErrorRate: 0.3, CostEfficiency: 0.2, ToolSuccess: 0.2, Latency: 0.15, CompletionRate: 0.15},
	})
	require.NoError(t, err)

	keys := services.NewKeyService(store, auth)
	server := NewServer(
		services.NewIngestService(store, bus, nil, "test", config.IngestConfig{MaxBatchSize: 100}, nil),
		services.NewQueryService(store, replay.NewProjector(store, 0, 0), analyzer),
		services.NewGuardrailService(store),
		keys,
		bus,
		store,
		nil,
		config.HTTPConfig{Port: "0", HeartbeatEvery: 50 * time.Millisecond},
		auth,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return &testEnv{server: server, store: store, keys: keys, bus: bus}
}

func newOpenEnv(t *testing.T) *testEnv {
	return newTestEnv(t, config.AuthConfig{Disabled: true})
}

func (env *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func ingestBody(session string, n int) IngestRequest {
	req := IngestRequest{}
	for i := 0; i < n; i++ {
		req.Events = append(req.Events, &models.Event{
			SessionID: session,
			AgentID:   "agent-1",
			EventType: models.EventCustom,
			Payload:   map[string]any{"name": fmt.Sprintf("step-%d", i)},
		})
	}
	return req
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	env := newOpenEnv(t)

	rec := env.do(t, http.MethodPost, "/api/events", "", ingestBody("sess-1", 3))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Len(t, ack.IDs, 3)

	rec = env.do(t, http.MethodGet, "/api/events?sessionId=sess-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)

	rec = env.do(t, http.MethodGet, "/api/events/"+ack.IDs[0], "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/sess-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/sess-1/replay", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.ReplayResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.ChainValid)
	assert.Len(t, result.Steps, 3)

	rec = env.do(t, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.TenantStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 3, stats.TotalEvents)
}

func TestSessionCountOnly(t *testing.T) {
	env := newOpenEnv(t)
	env.do(t, http.MethodPost, "/api/events", "", ingestBody("sess-1", 1))
	env.do(t, http.MethodPost, "/api/events", "", ingestBody("sess-2", 1))

	rec := env.do(t, http.MethodGet, "/api/sessions?countOnly=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var count SessionCountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, 2, count.Count)
}

func TestQueryValidation(t *testing.T) {
	env := newOpenEnv(t)

	rec := env.do(t, http.MethodGet, "/api/events?severity=loud", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/events?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/events?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGuardrailCRUDOverHTTP(t *testing.T) {
	env := newOpenEnv(t)

	rec := env.do(t, http.MethodPost, "/api/guardrails", "", models.CreateGuardrailRuleRequest{
		Name:            "cost cap",
		ConditionType:   models.ConditionCostLimit,
		ConditionConfig: map[string]any{"maxCostUsd": 10.0, "scope": "daily"},
		ActionType:      models.ActionPauseAgent,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule models.GuardrailRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))

	rec = env.do(t, http.MethodGet, "/api/guardrails", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	name := "cost cap v2"
	rec = env.do(t, http.MethodPut, "/api/guardrails/"+rule.ID, "", models.UpdateGuardrailRuleRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/guardrails/"+rule.ID+"/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/guardrails/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/guardrails/"+rule.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/guardrails/"+rule.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequiredAndScopes(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{CacheTTL: time.Minute})

	// No credential.
	rec := env.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage credential.
	rec = env.do(t, http.MethodGet, "/api/events", "not-a-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ingestOnly, err := env.keys.Create(context.Background(), "acme", &models.CreateAPIKeyRequest{
		Name:   "writer",
		Scopes: []string{models.ScopeIngest},
	})
	require.NoError(t, err)

	// Ingest scope can write but not read or administer.
	rec = env.do(t, http.MethodPost, "/api/events", ingestOnly.RawKey, ingestBody("sess-1", 1))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/events", ingestOnly.RawKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/keys", ingestOnly.RawKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := env.keys.Create(context.Background(), "acme", &models.CreateAPIKeyRequest{
		Name:   "root",
		Scopes: []string{models.ScopeAdmin},
	})
	require.NoError(t, err)

	// Admin implies every scope.
	rec = env.do(t, http.MethodGet, "/api/events", admin.RawKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/keys", admin.RawKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{CacheTTL: time.Minute})

	acme, err := env.keys.Create(context.Background(), "acme", &models.CreateAPIKeyRequest{Name: "acme"})
	require.NoError(t, err)
	rival, err := env.keys.Create(context.Background(), "rival", &models.CreateAPIKeyRequest{Name: "rival"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/events", acme.RawKey, ingestBody("sess-1", 2))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The other tenant sees neither the session nor the events.
	rec = env.do(t, http.MethodGet, "/api/sessions/sess-1", rival.RawKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/events", rival.RawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Zero(t, page.Total)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{CacheTTL: time.Minute})

	admin, err := env.keys.Create(context.Background(), "acme", &models.CreateAPIKeyRequest{
		Name:   "root",
		Scopes: []string{models.ScopeAdmin},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/keys", admin.RawKey, models.CreateAPIKeyRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreatedAPIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.RawKey, "al_live_"))

	rec = env.do(t, http.MethodGet, "/api/keys", admin.RawKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*models.APIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)
	// The stored secret never leaves the server.
	assert.NotContains(t, rec.Body.String(), created.RawKey)

	rec = env.do(t, http.MethodDelete, "/api/keys/"+created.ID, admin.RawKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/events", created.RawKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	env := newOpenEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "agentlens", v.Name)
	assert.Equal(t, string(storage.VariantEmbedded), v.Backend)
}

func TestSecurityHeaders(t *testing.T) {
	env := newOpenEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestStreamDeliversCommittedEvents(t *testing.T) {
	env := newOpenEnv(t)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?sessionId=sess-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	post := env.do(t, http.MethodPost, "/api/events", "", ingestBody("sess-1", 1))
	require.Equal(t, http.StatusAccepted, post.Code)

	scanner := bufio.NewScanner(resp.Body)
	var sawConnected, sawHeartbeat, sawEvent, sawPayload bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: connected" {
			sawConnected = true
		}
		if line == "event: heartbeat" {
			sawHeartbeat = true
		}
		if line == "event: custom" {
			sawEvent = true
		}
		if strings.Contains(line, "\"sessionId\":\"sess-1\"") {
			sawPayload = true
		}
		if sawConnected && sawHeartbeat && sawEvent && sawPayload {
			break
		}
	}
	assert.True(t, sawConnected)
	assert.True(t, sawHeartbeat, "expected a named heartbeat frame")
	assert.True(t, sawEvent)
	assert.True(t, sawPayload)
}

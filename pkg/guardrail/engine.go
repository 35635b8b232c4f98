// Package guardrail runs the reactive control plane: a periodic evaluator
// that checks rule conditions against recent event activity and dispatches
// actions when thresholds are crossed.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/metrics"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// HealthScorer is the analytics dependency of health_score_threshold rules.
type HealthScorer interface {
	HealthScore(ctx context.Context, tenant, agentID string, windowDays int) (*models.HealthScore, error)
}

// Engine evaluates every tenant's enabled rules on a fixed tick.
type Engine struct {
	store  storage.Store
	scorer HealthScorer
	bus    *events.Bus
	cfg     config.GuardrailConfig
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// allowPrivateTargets disables the SSRF guard; tests only.
	allowPrivateTargets bool

	mu       sync.Mutex
	inflight map[string]struct{} // (tenant, rule, agent) evaluations under way

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires the evaluator. The bus may be nil when no subscribers are
// expected (alert events are still persisted).
func NewEngine(store storage.Store, scorer HealthScorer, bus *events.Bus, cfg config.GuardrailConfig, logger *slog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentEvaluations <= 0 {
		cfg.MaxConcurrentEvaluations = 8
	}
	e := &Engine{
		store:    store,
		scorer:   scorer,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "guardrail"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	// The dialer re-validates resolved addresses at connect time so a
	// rebinding host cannot slip past the URL check.
	e.client = &http.Client{
		Timeout:   cfg.ActionTimeout,
		Transport: &http.Transport{DialContext: e.guardedDial},
	}
	return e
}

// SetMetrics attaches trigger instrumentation; nil is fine.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Start launches the tick loop. The passed context scopes startup only; use
// Stop for shutdown.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(loopCtx)
	e.logger.Info("guardrail engine started", "tick_interval", e.cfg.TickInterval)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.logger.Info("guardrail engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick evaluates every tenant once. Tenants are isolated: one tenant's
// failure is logged and does not affect the others.
func (e *Engine) tick(ctx context.Context) {
	tenants, err := e.store.Admin().ListTenants(ctx)
	if err != nil {
		e.logger.Error("failed to list tenants for evaluation", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentEvaluations)
	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			if err := e.evaluateTenant(gctx, tenant); err != nil {
				e.logger.Error("tenant evaluation failed", "tenant", tenant, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) evaluateTenant(ctx context.Context, tenant string) error {
	rules, err := e.store.ListGuardrailRules(ctx, tenant, true)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	var agents []*models.Agent
	for _, rule := range rules {
		targets, err := e.ruleTargets(ctx, tenant, rule, &agents)
		if err != nil {
			e.logger.Error("failed to resolve rule targets", "tenant", tenant, "rule", rule.ID, "error", err)
			continue
		}
		for _, agentID := range targets {
			e.evaluateRuleForAgent(ctx, tenant, rule, agentID)
		}
	}
	return nil
}

// ruleTargets resolves the agents a rule applies to, loading the tenant's
// agent list at most once per pass.
func (e *Engine) ruleTargets(ctx context.Context, tenant string, rule *models.GuardrailRule, agents *[]*models.Agent) ([]string, error) {
	if rule.AgentID != "" {
		return []string{rule.AgentID}, nil
	}
	if *agents == nil {
		list, err := e.store.ListAgents(ctx, tenant)
		if err != nil {
			return nil, err
		}
		*agents = list
	}
	out := make([]string, 0, len(*agents))
	for _, a := range *agents {
		out = append(out, a.ID)
	}
	return out, nil
}

func (e *Engine) evaluateRuleForAgent(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) {
	key := tenant + "\x00" + rule.ID + "\x00" + agentID
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	ev, err := e.evaluate(ctx, tenant, rule, agentID)
	if err != nil {
		e.logger.Error("condition evaluation failed", "tenant", tenant, "rule", rule.ID, "agent", agentID, "error", err)
		return
	}
	if !ev.triggered {
		return
	}

	// Cooldown: at most one trigger per rule per window, silently skipped.
	state, err := e.store.GetGuardrailState(ctx, tenant, rule.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("failed to read rule state", "tenant", tenant, "rule", rule.ID, "error", err)
		return
	}
	if state != nil && state.LastTriggeredAt != nil && e.now().Sub(*state.LastTriggeredAt) < rule.Cooldown() {
		return
	}

	rec := &models.TriggerRecord{
		ID:            models.NewEventID(),
		TenantID:      tenant,
		RuleID:        rule.ID,
		AgentID:       agentID,
		TriggeredAt:   e.now().UTC().Truncate(time.Microsecond),
		ObservedValue: ev.observed,
		Threshold:     ev.threshold,
		Metadata:      map[string]any{"message": ev.message},
	}

	emitAlert := rule.DryRun
	if rule.DryRun {
		rec.ActionExecuted = false
		rec.ActionResult = "dry run"
	} else {
		result, err := e.dispatch(ctx, tenant, rule, agentID, ev)
		if err != nil {
			rec.ActionExecuted = false
			rec.ActionResult = fmt.Sprintf("action failed: %v", err)
			e.logger.Error("action dispatch failed", "tenant", tenant, "rule", rule.ID, "agent", agentID, "error", err)
		} else {
			rec.ActionExecuted = true
			rec.ActionResult = result
			if rule.ActionType == models.ActionPauseAgent || rule.ActionType == models.ActionDowngradeModel {
				emitAlert = true
			}
		}
	}

	if err := e.store.RecordTrigger(ctx, tenant, rec); err != nil {
		e.logger.Error("failed to record trigger", "tenant", tenant, "rule", rule.ID, "error", err)
		return
	}
	e.metrics.GuardrailTriggered(tenant, string(rule.ActionType))
	e.logger.Warn("guardrail triggered",
		"tenant", tenant, "rule", rule.ID, "rule_name", rule.Name, "agent", agentID,
		"observed", ev.observed, "threshold", ev.threshold, "dry_run", rule.DryRun)

	if emitAlert {
		if err := e.emitAlert(ctx, tenant, rule, agentID, ev); err != nil {
			e.logger.Error("failed to emit alert event", "tenant", tenant, "rule", rule.ID, "error", err)
		}
	}
}

// emitAlert appends an alert_triggered event to the rule's own session and
// publishes it for streaming subscribers after commit.
func (e *Engine) emitAlert(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string, ev evaluation) error {
	sessionID := "guardrail:" + rule.ID
	prev, err := e.store.GetSessionTailHash(ctx, tenant, sessionID)
	if err != nil {
		return err
	}

	event := &models.Event{
		ID:        models.NewEventID(),
		Timestamp: e.now().UTC().Truncate(time.Microsecond),
		SessionID: sessionID,
		AgentID:   agentID,
		EventType: models.EventAlertTriggered,
		Severity:  models.SeverityWarn,
		Payload: map[string]any{
			"ruleId":        rule.ID,
			"ruleName":      rule.Name,
			"conditionType": string(rule.ConditionType),
			"currentValue":  ev.observed,
			"threshold":     ev.threshold,
			"message":       ev.message,
		},
		PrevHash: prev,
	}
	hash, err := models.ComputeEventHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash

	appended, err := e.store.InsertEvents(ctx, tenant, []*models.Event{event})
	if err != nil {
		return err
	}
	if e.bus != nil {
		for _, a := range appended {
			e.bus.Publish(a)
		}
	}
	return nil
}

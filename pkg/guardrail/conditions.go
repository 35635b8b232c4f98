package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

const defaultWindowMinutes = 5

// evaluation is the outcome of one condition check for one agent.
type evaluation struct {
	triggered bool
	observed  float64
	threshold float64
	message   string
}

// evaluate runs the rule's condition against one agent.
func (e *Engine) evaluate(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (evaluation, error) {
	switch rule.ConditionType {
	case models.ConditionErrorRate:
		return e.evalErrorRate(ctx, tenant, rule, agentID)
	case models.ConditionCostLimit:
		return e.evalCostLimit(ctx, tenant, rule, agentID)
	case models.ConditionHealthScore:
		return e.evalHealthScore(ctx, tenant, rule, agentID)
	case models.ConditionCustom:
		return e.evalCustomMetric(ctx, tenant, rule, agentID)
	default:
		return evaluation{}, fmt.Errorf("unknown condition type %q", rule.ConditionType)
	}
}

// evalErrorRate triggers when the error fraction of the agent's recent events
// crosses the threshold (in percent). Near-empty windows never trigger.
func (e *Engine) evalErrorRate(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (evaluation, error) {
	threshold, ok := cfgNumber(rule.ConditionConfig, "threshold")
	if !ok {
		return evaluation{}, fmt.Errorf("error_rate_threshold rule %s has no threshold", rule.ID)
	}
	windowMinutes := cfgNumberDefault(rule.ConditionConfig, "windowMinutes", defaultWindowMinutes)
	minEvents := int(cfgNumberDefault(rule.ConditionConfig, "minEvents", float64(e.cfg.MinEvents)))

	from := e.now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	total, errored := 0, 0
	err := e.walkEvents(ctx, tenant, agentID, from, func(ev *models.Event) {
		total++
		if isErrorEvent(ev) {
			errored++
		}
	})
	if err != nil {
		return evaluation{}, err
	}
	if total < minEvents {
		return evaluation{threshold: threshold}, nil
	}
	observed := 100 * float64(errored) / float64(total)
	return evaluation{
		triggered: observed >= threshold,
		observed:  observed,
		threshold: threshold,
		message:   fmt.Sprintf("error rate %.1f%% over the last %.0f minutes (%d of %d events)", observed, windowMinutes, errored, total),
	}, nil
}

func isErrorEvent(e *models.Event) bool {
	if e.Severity.IsErrorLevel() || e.EventType == models.EventToolError {
		return true
	}
	if e.EventType == models.EventSessionEnded {
		reason, _ := e.Payload["reason"].(string)
		return reason == "error"
	}
	return false
}

// evalCostLimit triggers when tracked cost crosses maxCostUsd. Scope
// "session" takes the most expensive session of the last 24 hours; scope
// "daily" sums everything since UTC midnight.
func (e *Engine) evalCostLimit(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (evaluation, error) {
	maxCost, ok := cfgNumber(rule.ConditionConfig, "maxCostUsd")
	if !ok {
		return evaluation{}, fmt.Errorf("cost_limit rule %s has no maxCostUsd", rule.ID)
	}
	scope, _ := rule.ConditionConfig["scope"].(string)
	if scope == "" {
		scope = "session"
	}

	now := e.now().UTC()
	var from time.Time
	switch scope {
	case "daily":
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case "session":
		from = now.Add(-24 * time.Hour)
	default:
		return evaluation{}, fmt.Errorf("cost_limit rule %s has unknown scope %q", rule.ID, scope)
	}

	perSession := map[string]float64{}
	total := 0.0
	err := e.walkEvents(ctx, tenant, agentID, from, func(ev *models.Event) {
		if ev.EventType != models.EventCostTracked {
			return
		}
		if v, ok := models.NumberAt(ev.Payload, "costUsd"); ok {
			perSession[ev.SessionID] += v
			total += v
		}
	})
	if err != nil {
		return evaluation{}, err
	}

	observed := total
	if scope == "session" {
		observed = 0
		for _, v := range perSession {
			if v > observed {
				observed = v
			}
		}
	}
	return evaluation{
		triggered: observed >= maxCost,
		observed:  observed,
		threshold: maxCost,
		message:   fmt.Sprintf("%s cost $%.4f against limit $%.4f", scope, observed, maxCost),
	}, nil
}

// evalHealthScore triggers when the agent's overall health drops to or below
// minScore.
func (e *Engine) evalHealthScore(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (evaluation, error) {
	minScore, ok := cfgNumber(rule.ConditionConfig, "minScore")
	if !ok {
		return evaluation{}, fmt.Errorf("health_score_threshold rule %s has no minScore", rule.ID)
	}
	windowDays := int(cfgNumberDefault(rule.ConditionConfig, "windowDays", 0))

	score, err := e.scorer.HealthScore(ctx, tenant, agentID, windowDays)
	if err != nil {
		return evaluation{}, fmt.Errorf("failed to compute health score: %w", err)
	}
	return evaluation{
		triggered: score.SessionsAnalyzed > 0 && score.OverallScore <= minScore,
		observed:  score.OverallScore,
		threshold: minScore,
		message:   fmt.Sprintf("health score %.1f at or below %.1f (%d sessions)", score.OverallScore, minScore, score.SessionsAnalyzed),
	}, nil
}

// evalCustomMetric extracts a number at metricKeyPath from recent payloads,
// averages it and relates the mean to the configured value.
func (e *Engine) evalCustomMetric(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (evaluation, error) {
	keyPath, _ := rule.ConditionConfig["metricKeyPath"].(string)
	if keyPath == "" {
		return evaluation{}, fmt.Errorf("custom_metric rule %s has no metricKeyPath", rule.ID)
	}
	operator, _ := rule.ConditionConfig["operator"].(string)
	value, ok := cfgNumber(rule.ConditionConfig, "value")
	if !ok {
		return evaluation{}, fmt.Errorf("custom_metric rule %s has no value", rule.ID)
	}
	windowMinutes := cfgNumberDefault(rule.ConditionConfig, "windowMinutes", defaultWindowMinutes)

	from := e.now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	sum, n := 0.0, 0
	err := e.walkEvents(ctx, tenant, agentID, from, func(ev *models.Event) {
		if v, ok := models.NumberAt(ev.Payload, keyPath); ok {
			sum += v
			n++
		}
	})
	if err != nil {
		return evaluation{}, err
	}
	if n == 0 {
		return evaluation{threshold: value}, nil
	}
	mean := sum / float64(n)

	triggered, err := compare(mean, operator, value)
	if err != nil {
		return evaluation{}, fmt.Errorf("custom_metric rule %s: %w", rule.ID, err)
	}
	return evaluation{
		triggered: triggered,
		observed:  mean,
		threshold: value,
		message:   fmt.Sprintf("mean(%s) = %.4f %s %.4f over %d events", keyPath, mean, operator, value, n),
	}, nil
}

func compare(observed float64, operator string, value float64) (bool, error) {
	switch operator {
	case "gt":
		return observed > value, nil
	case "gte":
		return observed >= value, nil
	case "lt":
		return observed < value, nil
	case "lte":
		return observed <= value, nil
	case "eq":
		return observed == value, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

// walkEvents streams the agent's events from the given time forward.
func (e *Engine) walkEvents(ctx context.Context, tenant, agentID string, from time.Time, fn func(*models.Event)) error {
	offset := 0
	for {
		page, err := e.store.QueryEvents(ctx, tenant, models.EventFilter{
			AgentID: agentID,
			From:    &from,
			Order:   models.OrderAsc,
			Limit:   1000,
			Offset:  offset,
		})
		if err != nil {
			return fmt.Errorf("failed to query events for evaluation: %w", err)
		}
		for _, ev := range page.Events {
			fn(ev)
		}
		if !page.HasMore {
			return nil
		}
		offset += len(page.Events)
	}
}

func cfgNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func cfgNumberDefault(m map[string]any, key string, def float64) float64 {
	if v, ok := cfgNumber(m, key); ok {
		return v
	}
	return def
}

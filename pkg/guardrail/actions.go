package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// dispatch executes the rule's action for one agent. A failing action is
// reported through the returned error; it never propagates further than the
// trigger record.
func (e *Engine) dispatch(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string, ev evaluation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	switch rule.ActionType {
	case models.ActionPauseAgent:
		return e.actionPauseAgent(ctx, tenant, rule, agentID, ev)
	case models.ActionNotifyWebhook:
		return e.actionNotifyWebhook(ctx, tenant, rule, agentID, ev)
	case models.ActionDowngradeModel:
		return e.actionDowngradeModel(ctx, tenant, rule, agentID)
	case models.ActionAgentgate:
		return e.actionAgentgatePolicy(ctx, rule)
	default:
		return "", fmt.Errorf("unknown action type %q", rule.ActionType)
	}
}

func (e *Engine) actionPauseAgent(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string, ev evaluation) (string, error) {
	message, _ := rule.ActionConfig["message"].(string)
	if message == "" {
		message = fmt.Sprintf("paused by guardrail %q: %s", rule.Name, ev.message)
	}
	if err := e.store.PauseAgent(ctx, tenant, agentID, message, e.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to pause agent %s: %w", agentID, err)
	}
	return fmt.Sprintf("agent %s paused", agentID), nil
}

func (e *Engine) actionNotifyWebhook(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string, ev evaluation) (string, error) {
	target, _ := rule.ActionConfig["url"].(string)
	if target == "" {
		return "", fmt.Errorf("notify_webhook rule %s has no url", rule.ID)
	}
	if !e.allowPrivateTargets {
		if err := validateTargetURL(target); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(map[string]any{
		"ruleId":        rule.ID,
		"ruleName":      rule.Name,
		"conditionType": rule.ConditionType,
		"currentValue":  ev.observed,
		"threshold":     ev.threshold,
		"message":       ev.message,
		"agentId":       agentID,
		"tenantId":      tenant,
		"triggeredAt":   e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("webhook delivered (status %d)", resp.StatusCode), nil
}

func (e *Engine) actionDowngradeModel(ctx context.Context, tenant string, rule *models.GuardrailRule, agentID string) (string, error) {
	target, _ := rule.ActionConfig["targetModel"].(string)
	if target == "" {
		return "", fmt.Errorf("downgrade_model rule %s has no targetModel", rule.ID)
	}
	if err := e.store.SetAgentModelOverride(ctx, tenant, agentID, target); err != nil {
		return "", fmt.Errorf("failed to set model override: %w", err)
	}
	return fmt.Sprintf("agent %s downgraded to %s", agentID, target), nil
}

func (e *Engine) actionAgentgatePolicy(ctx context.Context, rule *models.GuardrailRule) (string, error) {
	if e.cfg.AgentgateURL == "" {
		return "", fmt.Errorf("agentgate_policy action requires AGENTGATE_URL")
	}
	policyID, _ := rule.ActionConfig["policyId"].(string)
	if policyID == "" {
		return "", fmt.Errorf("agentgate_policy rule %s has no policyId", rule.ID)
	}
	mode, _ := rule.ActionConfig["mode"].(string)
	switch mode {
	case "tighten", "loosen", "disable":
	default:
		return "", fmt.Errorf("agentgate_policy rule %s has unknown mode %q", rule.ID, mode)
	}

	target := fmt.Sprintf("%s/api/policies/%s", e.cfg.AgentgateURL, policyID)
	if !e.allowPrivateTargets {
		if err := validateTargetURL(target); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(map[string]any{"mode": mode, "ruleId": rule.ID})
	if err != nil {
		return "", fmt.Errorf("failed to encode policy payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("policy update failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("policy update returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("policy %s set to %s", policyID, mode), nil
}

package models

import (
	"time"
)

// ConditionType selects the aggregation a guardrail rule evaluates.
type ConditionType string

const (
	ConditionErrorRate   ConditionType = "error_rate_threshold"
	ConditionCostLimit   ConditionType = "cost_limit"
	ConditionHealthScore ConditionType = "health_score_threshold"
	ConditionCustom      ConditionType = "custom_metric"
)

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionErrorRate, ConditionCostLimit, ConditionHealthScore, ConditionCustom:
		return true
	}
	return false
}

// ActionType selects the side effect dispatched when a rule fires.
type ActionType string

const (
	ActionPauseAgent     ActionType = "pause_agent"
	ActionNotifyWebhook  ActionType = "notify_webhook"
	ActionDowngradeModel ActionType = "downgrade_model"
	ActionAgentgate      ActionType = "agentgate_policy"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionPauseAgent, ActionNotifyWebhook, ActionDowngradeModel, ActionAgentgate:
		return true
	}
	return false
}

// Cooldown bounds (minutes).
const (
	MinCooldownMinutes     = 1
	MaxCooldownMinutes     = 1440
	DefaultCooldownMinutes = 15
)

// GuardrailRule is a periodically evaluated predicate bound to an action.
// An empty AgentID scopes the rule to every agent in the tenant.
type GuardrailRule struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	Name            string         `json:"name"`
	Enabled         bool           `json:"enabled"`
	DryRun          bool           `json:"dryRun"`
	AgentID         string         `json:"agentId,omitempty"`
	ConditionType   ConditionType  `json:"conditionType"`
	ConditionConfig map[string]any `json:"conditionConfig"`
	ActionType      ActionType     `json:"actionType"`
	ActionConfig    map[string]any `json:"actionConfig"`
	CooldownMinutes int            `json:"cooldownMinutes"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Cooldown returns the rule's cooldown as a duration.
func (r *GuardrailRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// CreateGuardrailRuleRequest carries the client-supplied fields for creating
// a rule. Enabled defaults to true and CooldownMinutes to
// DefaultCooldownMinutes when omitted.
type CreateGuardrailRuleRequest struct {
	Name            string         `json:"name"`
	Enabled         *bool          `json:"enabled,omitempty"`
	DryRun          bool           `json:"dryRun,omitempty"`
	AgentID         string         `json:"agentId,omitempty"`
	ConditionType   ConditionType  `json:"conditionType"`
	ConditionConfig map[string]any `json:"conditionConfig,omitempty"`
	ActionType      ActionType     `json:"actionType"`
	ActionConfig    map[string]any `json:"actionConfig,omitempty"`
	CooldownMinutes *int           `json:"cooldownMinutes,omitempty"`
}

// UpdateGuardrailRuleRequest carries a partial rule update; nil fields are
// left unchanged.
type UpdateGuardrailRuleRequest struct {
	Name            *string        `json:"name,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	DryRun          *bool          `json:"dryRun,omitempty"`
	AgentID         *string        `json:"agentId,omitempty"`
	ConditionType   *ConditionType `json:"conditionType,omitempty"`
	ConditionConfig map[string]any `json:"conditionConfig,omitempty"`
	ActionType      *ActionType    `json:"actionType,omitempty"`
	ActionConfig    map[string]any `json:"actionConfig,omitempty"`
	CooldownMinutes *int           `json:"cooldownMinutes,omitempty"`
}

// GuardrailState is the per-rule evaluation state. Created on first trigger.
type GuardrailState struct {
	RuleID          string     `json:"ruleId"`
	TenantID        string     `json:"tenantId"`
	TriggerCount    int        `json:"triggerCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CurrentValue    *float64   `json:"currentValue,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TriggerRecord is an append-only row describing one rule trigger. AgentID
// names the specific agent the evaluation applied to, also for rules scoped
// to the whole tenant.
type TriggerRecord struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	RuleID         string         `json:"ruleId"`
	AgentID        string         `json:"agentId,omitempty"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	ObservedValue  float64        `json:"observedValue"`
	Threshold      float64        `json:"threshold"`
	ActionExecuted bool           `json:"actionExecuted"`
	ActionResult   string         `json:"actionResult,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TriggerHistoryFilter narrows a trigger-history query.
type TriggerHistoryFilter struct {
	RuleID  string     `json:"ruleId,omitempty"`
	AgentID string     `json:"agentId,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	Limit   int        `json:"limit,omitempty"`
	Offset  int        `json:"offset,omitempty"`
}

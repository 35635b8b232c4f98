package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// GuardrailService manages rule definitions, their evaluation state and the
// trigger history. Evaluation itself runs in the guardrail engine; this layer
// owns validation and persistence.
type GuardrailService struct {
	store storage.GuardrailStore
	now   func() time.Time
}

// GuardrailStatus pairs a rule with its evaluation state. State is nil until
// the rule has triggered at least once.
type GuardrailStatus struct {
	Rule  *models.GuardrailRule  `json:"rule"`
	State *models.GuardrailState `json:"state,omitempty"`
}

// NewGuardrailService wires guardrail management.
func NewGuardrailService(store storage.GuardrailStore) *GuardrailService {
	return &GuardrailService{
		store: store,
		now:   time.Now,
	}
}

// Create validates and persists a new rule. Enabled defaults to true and the
// cooldown to the default when omitted.
func (s *GuardrailService) Create(ctx context.Context, tenant string, req *models.CreateGuardrailRuleRequest) (*models.GuardrailRule, error) {
	if err := validateRuleFields(req.Name, req.ConditionType, req.ActionType); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	rule := &models.GuardrailRule{
		ID:              models.NewEventID(),
		TenantID:        tenant,
		Name:            req.Name,
		Enabled:         true,
		DryRun:          req.DryRun,
		AgentID:         req.AgentID,
		ConditionType:   req.ConditionType,
		ConditionConfig: req.ConditionConfig,
		ActionType:      req.ActionType,
		ActionConfig:    req.ActionConfig,
		CooldownMinutes: models.DefaultCooldownMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.CooldownMinutes != nil {
		rule.CooldownMinutes = clampCooldown(*req.CooldownMinutes)
	}

	if err := s.store.CreateGuardrailRule(ctx, tenant, rule); err != nil {
		return nil, mapStorageError(err)
	}
	return rule, nil
}

// Get returns a rule by id.
func (s *GuardrailService) Get(ctx context.Context, tenant, id string) (*models.GuardrailRule, error) {
	rule, err := s.store.GetGuardrailRule(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return rule, nil
}

// List returns the tenant's rules, optionally only the enabled ones.
func (s *GuardrailService) List(ctx context.Context, tenant string, enabledOnly bool) ([]*models.GuardrailRule, error) {
	rules, err := s.store.ListGuardrailRules(ctx, tenant, enabledOnly)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return rules, nil
}

// Update applies a partial update; nil request fields leave the rule
// unchanged.
func (s *GuardrailService) Update(ctx context.Context, tenant, id string, req *models.UpdateGuardrailRuleRequest) (*models.GuardrailRule, error) {
	rule, err := s.store.GetGuardrailRule(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.DryRun != nil {
		rule.DryRun = *req.DryRun
	}
	if req.AgentID != nil {
		rule.AgentID = *req.AgentID
	}
	if req.ConditionType != nil {
		rule.ConditionType = *req.ConditionType
	}
	if req.ConditionConfig != nil {
		rule.ConditionConfig = req.ConditionConfig
	}
	if req.ActionType != nil {
		rule.ActionType = *req.ActionType
	}
	if req.ActionConfig != nil {
		rule.ActionConfig = req.ActionConfig
	}
	if req.CooldownMinutes != nil {
		rule.CooldownMinutes = clampCooldown(*req.CooldownMinutes)
	}
	if err := validateRuleFields(rule.Name, rule.ConditionType, rule.ActionType); err != nil {
		return nil, err
	}
	rule.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	if err := s.store.UpdateGuardrailRule(ctx, tenant, rule); err != nil {
		return nil, mapStorageError(err)
	}
	return rule, nil
}

// Delete removes a rule. Its trigger history is kept.
func (s *GuardrailService) Delete(ctx context.Context, tenant, id string) error {
	if err := s.store.DeleteGuardrailRule(ctx, tenant, id); err != nil {
		return mapStorageError(err)
	}
	return nil
}

// Status returns the rule together with its evaluation state.
func (s *GuardrailService) Status(ctx context.Context, tenant, id string) (*GuardrailStatus, error) {
	rule, err := s.store.GetGuardrailRule(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}
	state, err := s.store.GetGuardrailState(ctx, tenant, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, mapStorageError(err)
	}
	return &GuardrailStatus{Rule: rule, State: state}, nil
}

// History returns the tenant's trigger history, newest first.
func (s *GuardrailService) History(ctx context.Context, tenant string, filter models.TriggerHistoryFilter) ([]*models.TriggerRecord, error) {
	records, err := s.store.ListTriggerHistory(ctx, tenant, filter)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return records, nil
}

func validateRuleFields(name string, cond models.ConditionType, action models.ActionType) error {
	if name == "" {
		return invalid(models.NewValidationError("name", "is required"))
	}
	if !cond.Valid() {
		return invalid(models.NewValidationError("conditionType", fmt.Sprintf("unknown condition type %q", cond)))
	}
	if !action.Valid() {
		return invalid(models.NewValidationError("actionType", fmt.Sprintf("unknown action type %q", action)))
	}
	return nil
}

// clampCooldown bounds the cooldown to [1, 1440] minutes; non-positive values
// fall back to the default.
func clampCooldown(minutes int) int {
	switch {
	case minutes <= 0:
		return models.DefaultCooldownMinutes
	case minutes < models.MinCooldownMinutes:
		return models.MinCooldownMinutes
	case minutes > models.MaxCooldownMinutes:
		return models.MaxCooldownMinutes
	default:
		return minutes
	}
}

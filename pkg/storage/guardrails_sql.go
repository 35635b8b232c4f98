package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentlens/agentlens/pkg/models"
)

const guardrailRuleColumns = `id, tenant_id, name, enabled, dry_run, agent_id,
	condition_type, condition_config, action_type, action_config,
	cooldown_minutes, created_at, updated_at`

func scanGuardrailRule(row interface{ Scan(dest ...any) error }) (*models.GuardrailRule, error) {
	var (
		r          models.GuardrailRule
		condConfig []byte
		actConfig  []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Enabled, &r.DryRun, &r.AgentID,
		(*string)(&r.ConditionType), &condConfig, (*string)(&r.ActionType), &actConfig,
		&r.CooldownMinutes, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(condConfig) > 0 {
		if err := json.Unmarshal(condConfig, &r.ConditionConfig); err != nil {
			return nil, fmt.Errorf("failed to decode condition config of rule %s: %w", r.ID, err)
		}
	}
	if len(actConfig) > 0 {
		if err := json.Unmarshal(actConfig, &r.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to decode action config of rule %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (s *sqlStore) CreateGuardrailRule(ctx context.Context, tenant string, rule *models.GuardrailRule) error {
	condConfig, err := json.Marshal(nonNil(rule.ConditionConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal condition config: %w", err)
	}
	actConfig, err := json.Marshal(nonNil(rule.ActionConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}
	rule.TenantID = tenant

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO guardrail_rules (id, tenant_id, name, enabled, dry_run, agent_id,
			                             condition_type, condition_config, action_type, action_config,
			                             cooldown_minutes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rule.ID, tenant, rule.Name, rule.Enabled, rule.DryRun, rule.AgentID,
			string(rule.ConditionType), string(condConfig), string(rule.ActionType), string(actConfig),
			rule.CooldownMinutes, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Resource: "guardrail_rule", ID: rule.ID, Reason: "rule id already exists"}
			}
			return fmt.Errorf("failed to create guardrail rule: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) GetGuardrailRule(ctx context.Context, tenant, id string) (*models.GuardrailRule, error) {
	var rule *models.GuardrailRule
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.q(`SELECT `+guardrailRuleColumns+` FROM guardrail_rules WHERE tenant_id = ? AND id = ?`),
			tenant, id)
		r, err := scanGuardrailRule(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load guardrail rule %s: %w", id, err)
		}
		rule = r
		return nil
	})
	return rule, err
}

func (s *sqlStore) ListGuardrailRules(ctx context.Context, tenant string, enabledOnly bool) ([]*models.GuardrailRule, error) {
	query := `SELECT ` + guardrailRuleColumns + ` FROM guardrail_rules WHERE tenant_id = ?`
	if enabledOnly {
		query += ` AND enabled = ` + s.boolLiteral(true)
	}
	query += ` ORDER BY created_at ASC`

	var out []*models.GuardrailRule
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(query), tenant)
		if err != nil {
			return fmt.Errorf("failed to query guardrail rules: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanGuardrailRule(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *sqlStore) UpdateGuardrailRule(ctx context.Context, tenant string, rule *models.GuardrailRule) error {
	condConfig, err := json.Marshal(nonNil(rule.ConditionConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal condition config: %w", err)
	}
	actConfig, err := json.Marshal(nonNil(rule.ActionConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE guardrail_rules SET name = ?, enabled = ?, dry_run = ?, agent_id = ?,
			       condition_type = ?, condition_config = ?, action_type = ?, action_config = ?,
			       cooldown_minutes = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`),
			rule.Name, rule.Enabled, rule.DryRun, rule.AgentID,
			string(rule.ConditionType), string(condConfig), string(rule.ActionType), string(actConfig),
			rule.CooldownMinutes, rule.UpdatedAt.UTC(), tenant, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to update guardrail rule %s: %w", rule.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteGuardrailRule removes the rule and its evaluation state. Trigger
// history is append-only and survives the rule.
func (s *sqlStore) DeleteGuardrailRule(ctx context.Context, tenant, id string) error {
	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM guardrail_rules WHERE tenant_id = ? AND id = ?`), tenant, id)
		if err != nil {
			return fmt.Errorf("failed to delete guardrail rule %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			s.q(`DELETE FROM guardrail_state WHERE tenant_id = ? AND rule_id = ?`), tenant, id)
		if err != nil {
			return fmt.Errorf("failed to delete guardrail state of %s: %w", id, err)
		}
		return nil
	})
}

func (s *sqlStore) GetGuardrailState(ctx context.Context, tenant, ruleID string) (*models.GuardrailState, error) {
	var state *models.GuardrailState
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		var (
			st            models.GuardrailState
			lastTriggered sql.NullTime
			currentValue  sql.NullFloat64
		)
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT rule_id, tenant_id, trigger_count, last_triggered_at, current_value, updated_at
			FROM guardrail_state WHERE tenant_id = ? AND rule_id = ?`),
			tenant, ruleID).Scan(&st.RuleID, &st.TenantID, &st.TriggerCount,
			&lastTriggered, &currentValue, &st.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load guardrail state of %s: %w", ruleID, err)
		}
		st.LastTriggeredAt = nullTime(lastTriggered)
		if currentValue.Valid {
			v := currentValue.Float64
			st.CurrentValue = &v
		}
		st.UpdatedAt = st.UpdatedAt.UTC()
		state = &st
		return nil
	})
	return state, err
}

// RecordTrigger appends one history row and folds it into the rule's state
// in the same transaction.
func (s *sqlStore) RecordTrigger(ctx context.Context, tenant string, rec *models.TriggerRecord) error {
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal trigger metadata: %w", err)
	}
	rec.TenantID = tenant

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO guardrail_trigger_history (id, tenant_id, rule_id, agent_id, triggered_at,
			                                       observed_value, threshold, action_executed, action_result, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, tenant, rec.RuleID, rec.AgentID, rec.TriggeredAt.UTC(),
			rec.ObservedValue, rec.Threshold, rec.ActionExecuted, rec.ActionResult, string(metadata))
		if err != nil {
			return fmt.Errorf("failed to append trigger history: %w", err)
		}

		var upsert string
		if s.dialect == dialectPostgres {
			upsert = `
				INSERT INTO guardrail_state (rule_id, tenant_id, trigger_count, last_triggered_at, current_value, updated_at)
				VALUES (?, ?, 1, ?, ?, ?)
				ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
					trigger_count = guardrail_state.trigger_count + 1,
					last_triggered_at = excluded.last_triggered_at,
					current_value = excluded.current_value,
					updated_at = excluded.updated_at`
		} else {
			upsert = `
				INSERT INTO guardrail_state (rule_id, tenant_id, trigger_count, last_triggered_at, current_value, updated_at)
				VALUES (?, ?, 1, ?, ?, ?)
				ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
					trigger_count = trigger_count + 1,
					last_triggered_at = excluded.last_triggered_at,
					current_value = excluded.current_value,
					updated_at = excluded.updated_at`
		}
		_, err = tx.ExecContext(ctx, s.q(upsert),
			rec.RuleID, tenant, rec.TriggeredAt.UTC(), rec.ObservedValue, rec.TriggeredAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert guardrail state: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) ListTriggerHistory(ctx context.Context, tenant string, filter models.TriggerHistoryFilter) ([]*models.TriggerRecord, error) {
	clauses := []string{"tenant_id = ?"}
	args := []any{tenant}
	if filter.RuleID != "" {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.From != nil {
		clauses = append(clauses, "triggered_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "triggered_at < ?")
		args = append(args, filter.To.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	var out []*models.TriggerRecord
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT id, tenant_id, rule_id, agent_id, triggered_at, observed_value, threshold,
			       action_executed, action_result, metadata
			FROM guardrail_trigger_history
			WHERE `+strings.Join(clauses, " AND ")+`
			ORDER BY triggered_at DESC LIMIT ? OFFSET ?`), args...)
		if err != nil {
			return fmt.Errorf("failed to query trigger history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				rec      models.TriggerRecord
				metadata []byte
			)
			if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.RuleID, &rec.AgentID, &rec.TriggeredAt,
				&rec.ObservedValue, &rec.Threshold, &rec.ActionExecuted, &rec.ActionResult, &metadata); err != nil {
				return err
			}
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
					return fmt.Errorf("failed to decode trigger metadata of %s: %w", rec.ID, err)
				}
			}
			rec.TriggeredAt = rec.TriggeredAt.UTC()
			out = append(out, &rec)
		}
		return rows.Err()
	})
	return out, err
}

// boolLiteral renders a boolean constant for the dialect; SQLite stores
// booleans as integers.
func (s *sqlStore) boolLiteral(v bool) string {
	if s.dialect == dialectPostgres {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// isUniqueViolation sniffs the driver error for a unique-constraint failure.
// Both drivers expose typed errors, but matching the message keeps this file
// free of driver imports.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}

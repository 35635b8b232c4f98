package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// upsertSessionRow folds one session delta into the sessions projection and
// reports whether the session row was created by this call.
func (s *sqlStore) upsertSessionRow(ctx context.Context, tx *sql.Tx, tenant string, d sessionDelta) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM sessions WHERE tenant_id = ? AND id = ?`), tenant, d.sessionID).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check session %s: %w", d.sessionID, err)
	}
	created := err == sql.ErrNoRows

	tags, errMarshal := json.Marshal(d.tags)
	if errMarshal != nil {
		return false, fmt.Errorf("failed to marshal session tags: %w", errMarshal)
	}
	if d.tags == nil {
		tags = []byte("[]")
	}

	if created {
		status := models.SessionActive
		endedAt := sql.NullTime{}
		if d.ended {
			status = d.endStatus
			endedAt = sql.NullTime{Time: d.endedAt.UTC(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO sessions (id, tenant_id, agent_id, agent_name, started_at, ended_at, status,
			                      event_count, tool_call_count, error_count, llm_call_count,
			                      input_tokens, output_tokens, total_cost_usd, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			d.sessionID, tenant, d.agentID, d.agentName, d.firstTS.UTC(), endedAt, string(status),
			d.events, d.toolCalls, d.errorEvents, d.llmCalls,
			d.inputTokens, d.outputTokens, d.costUSD, string(tags))
		if err != nil {
			return false, fmt.Errorf("failed to create session %s: %w", d.sessionID, err)
		}
		return true, nil
	}

	set := []string{
		"event_count = event_count + ?",
		"tool_call_count = tool_call_count + ?",
		"error_count = error_count + ?",
		"llm_call_count = llm_call_count + ?",
		"input_tokens = input_tokens + ?",
		"output_tokens = output_tokens + ?",
		"total_cost_usd = total_cost_usd + ?",
	}
	args := []any{d.events, d.toolCalls, d.errorEvents, d.llmCalls, d.inputTokens, d.outputTokens, d.costUSD}

	// startedAt tracks the earliest event even when batches arrive out of
	// lifecycle order.
	set = append(set, "started_at = CASE WHEN ? < started_at THEN ? ELSE started_at END")
	args = append(args, d.firstTS.UTC(), d.firstTS.UTC())

	if d.started {
		if d.agentName != "" {
			set = append(set, "agent_name = ?")
			args = append(args, d.agentName)
		}
		set = append(set, "tags = ?")
		args = append(args, string(tags))
	}
	if d.ended {
		set = append(set, "ended_at = ?", "status = ?")
		args = append(args, d.endedAt.UTC(), string(d.endStatus))
	}

	args = append(args, tenant, d.sessionID)
	_, err = tx.ExecContext(ctx,
		s.q(`UPDATE sessions SET `+strings.Join(set, ", ")+` WHERE tenant_id = ? AND id = ?`), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update session %s: %w", d.sessionID, err)
	}
	return false, nil
}

// upsertAgentRow creates the agent on first sight and otherwise advances
// lastSeen monotonically, bumping sessionCount when the batch created a new
// session.
func (s *sqlStore) upsertAgentRow(ctx context.Context, tx *sql.Tx, tenant string, d sessionDelta, newSession bool) error {
	sessionInc := 0
	if newSession {
		sessionInc = 1
	}
	name := d.agentName

	var exists int
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM agents WHERE tenant_id = ? AND id = ?`), tenant, d.agentID).Scan(&exists)
	if err == sql.ErrNoRows {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO agents (id, tenant_id, name, first_seen, last_seen, session_count)
			VALUES (?, ?, ?, ?, ?, ?)`),
			d.agentID, tenant, name, d.firstTS.UTC(), d.lastTS.UTC(), sessionInc)
		if err != nil {
			return fmt.Errorf("failed to create agent %s: %w", d.agentID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check agent %s: %w", d.agentID, err)
	}

	set := []string{
		"last_seen = CASE WHEN ? > last_seen THEN ? ELSE last_seen END",
		"session_count = session_count + ?",
	}
	args := []any{d.lastTS.UTC(), d.lastTS.UTC(), sessionInc}
	if name != "" {
		set = append(set, "name = ?")
		args = append(args, name)
	}
	args = append(args, tenant, d.agentID)
	_, err = tx.ExecContext(ctx,
		s.q(`UPDATE agents SET `+strings.Join(set, ", ")+` WHERE tenant_id = ? AND id = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", d.agentID, err)
	}
	return nil
}

// ── Session reads ────────────────────────────────────────────

const sessionColumns = `id, tenant_id, agent_id, agent_name, started_at, ended_at, status,
	event_count, tool_call_count, error_count, llm_call_count,
	input_tokens, output_tokens, total_cost_usd, tags`

func scanSession(row interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var (
		sess    models.Session
		endedAt sql.NullTime
		tags    []byte
	)
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentID, &sess.AgentName,
		&sess.StartedAt, &endedAt, (*string)(&sess.Status),
		&sess.EventCount, &sess.ToolCallCount, &sess.ErrorCount, &sess.LLMCallCount,
		&sess.InputTokens, &sess.OutputTokens, &sess.TotalCostUSD, &tags)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.EndedAt = nullTime(endedAt)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &sess.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of session %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

func (s *sqlStore) GetSession(ctx context.Context, tenant, id string) (*models.Session, error) {
	var session *models.Session
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.q(`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND id = ?`), tenant, id)
		sess, err := scanSession(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", id, err)
		}
		session = sess
		return nil
	})
	return session, err
}

func buildSessionWhere(tenant string, filter models.SessionFilter) (string, []any) {
	clauses := []string{"tenant_id = ?"}
	args := []any{tenant}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "started_at < ?")
		args = append(args, filter.To.UTC())
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// matchesTags reports whether the session carries every requested tag. Tag
// filtering happens in process; tags are a small JSON array and the listing
// is already narrowed by the indexed predicates.
func matchesTags(sess *models.Session, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range sess.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *sqlStore) ListSessions(ctx context.Context, tenant string, filter models.SessionFilter) (*models.SessionPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	where, args := buildSessionWhere(tenant, filter)

	page := &models.SessionPage{Sessions: []*models.Session{}, Limit: limit, Offset: filter.Offset}
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY started_at DESC`), args...)
		if err != nil {
			return fmt.Errorf("failed to query sessions: %w", err)
		}
		defer rows.Close()

		matched := 0
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return err
			}
			if !matchesTags(sess, filter.Tags) {
				continue
			}
			if matched >= filter.Offset && len(page.Sessions) < limit {
				page.Sessions = append(page.Sessions, sess)
			}
			matched++
		}
		page.Total = matched
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *sqlStore) CountSessions(ctx context.Context, tenant string, filter models.SessionFilter) (int, error) {
	page, err := s.ListSessions(ctx, tenant, models.SessionFilter{
		AgentID: filter.AgentID,
		Status:  filter.Status,
		Tags:    filter.Tags,
		From:    filter.From,
		To:      filter.To,
		Limit:   1,
	})
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// ── Agent reads/writes ───────────────────────────────────────

const agentColumns = `id, tenant_id, name, first_seen, last_seen, session_count, model_override, paused_at, pause_reason`

func scanAgent(row interface{ Scan(dest ...any) error }) (*models.Agent, error) {
	var (
		a        models.Agent
		pausedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.FirstSeen, &a.LastSeen,
		&a.SessionCount, &a.ModelOverride, &pausedAt, &a.PauseReason)
	if err != nil {
		return nil, err
	}
	a.FirstSeen = a.FirstSeen.UTC()
	a.LastSeen = a.LastSeen.UTC()
	a.PausedAt = nullTime(pausedAt)
	return &a, nil
}

func (s *sqlStore) GetAgent(ctx context.Context, tenant, id string) (*models.Agent, error) {
	var agent *models.Agent
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.q(`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND id = ?`), tenant, id)
		a, err := scanAgent(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load agent %s: %w", id, err)
		}
		agent = a
		return nil
	})
	return agent, err
}

func (s *sqlStore) ListAgents(ctx context.Context, tenant string) ([]*models.Agent, error) {
	var out []*models.Agent
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? ORDER BY last_seen DESC`), tenant)
		if err != nil {
			return fmt.Errorf("failed to query agents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// PauseAgent marks the agent paused. Pausing an already paused agent updates
// the reason and timestamp; an empty reason with a zero time resumes it.
func (s *sqlStore) PauseAgent(ctx context.Context, tenant, agentID, reason string, at time.Time) error {
	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		pausedAt := sql.NullTime{}
		if !at.IsZero() {
			pausedAt = sql.NullTime{Time: at.UTC(), Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE agents SET paused_at = ?, pause_reason = ? WHERE tenant_id = ? AND id = ?`),
			pausedAt, reason, tenant, agentID)
		if err != nil {
			return fmt.Errorf("failed to pause agent %s: %w", agentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqlStore) SetAgentModelOverride(ctx context.Context, tenant, agentID, model string) error {
	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE agents SET model_override = ? WHERE tenant_id = ? AND id = ?`),
			model, tenant, agentID)
		if err != nil {
			return fmt.Errorf("failed to set model override on agent %s: %w", agentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ── Stats ────────────────────────────────────────────────────

func (s *sqlStore) GetStats(ctx context.Context, tenant string) (*models.TenantStats, error) {
	stats := &models.TenantStats{}
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM events WHERE tenant_id = ?`), tenant).Scan(&stats.TotalEvents); err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM sessions WHERE tenant_id = ?`), tenant).Scan(&stats.TotalSessions); err != nil {
			return fmt.Errorf("failed to count sessions: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM agents WHERE tenant_id = ?`), tenant).Scan(&stats.TotalAgents); err != nil {
			return fmt.Errorf("failed to count agents: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"

	// retentionBatchSize bounds each DELETE in the partitioned backend so a
	// large purge never holds one long transaction.
	retentionBatchSize = 10000
)

// sqlStore is the shared implementation behind both backends. Dialect
// differences are confined to placeholder style, upsert syntax, tenant
// binding and the partition/vector extras in partitions.go and vector.go.
type sqlStore struct {
	db      *sql.DB
	dialect string
	caps    Capabilities

	// writeMu serialises writers in the embedded backend; SQLite allows a
	// single writer and returning SQLITE_BUSY to callers helps nobody. The
	// partitioned backend serialises per session with advisory locks instead.
	writeMu sync.Mutex

	// vectorDims is the fixed dimensionality of the native vector column,
	// 0 when the pgvector path is unavailable.
	vectorDims int
}

// Capabilities reports what this backend supports.
func (s *sqlStore) Capabilities() Capabilities { return s.caps }

// Close drains the pool.
func (s *sqlStore) Close() error { return s.db.Close() }

// Admin returns the tenant-less view of the store.
func (s *sqlStore) Admin() AdminStore { return &adminStore{s} }

// q rewrites ?-style placeholders to the dialect's native style.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// withTenantTx runs fn inside a transaction with the tenant identity bound.
// The partitioned backend sets the transaction-local app.current_tenant
// variable read by the row-level-security policies; set_config(..., true)
// clears it on commit and rollback alike, so the identity cannot leak to the
// next user of the pooled connection. The embedded backend carries the tenant
// through the queries themselves.
func (s *sqlStore) withTenantTx(ctx context.Context, tenant string, fn func(tx *sql.Tx) error) error {
	if tenant == "" {
		return models.NewValidationError("tenant", "required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenant); err != nil {
			return fmt.Errorf("failed to bind tenant identity: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// withAdminTx runs fn with the admin bypass bound instead of a tenant.
func (s *sqlStore) withAdminTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT set_config('app.admin_bypass', 'on', true)"); err != nil {
			return fmt.Errorf("failed to bind admin scope: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Event append ─────────────────────────────────────────────

// InsertEvents appends a batch atomically per the chain contract: partition
// by session, verify each partition extends the stored tail, then within one
// transaction append the events and fold the session/agent projections.
// Exact duplicates are absorbed silently; the returned slice holds only the
// events actually appended.
func (s *sqlStore) InsertEvents(ctx context.Context, tenant string, events []*models.Event) ([]*models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	for _, e := range events {
		if e.TenantID != "" && e.TenantID != tenant {
			return nil, &ConflictError{Resource: "event", ID: e.ID, Reason: "event is stamped for a different tenant"}
		}
		e.TenantID = tenant
	}

	groups := partitionBySession(events)

	if s.caps.Partitions {
		// Partition DDL is idempotent and kept outside the append
		// transaction.
		if err := s.ensureEventPartitions(ctx, events); err != nil {
			return nil, err
		}
	}

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	var appended []*models.Event
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		appended = appended[:0]
		for _, group := range groups {
			if s.dialect == dialectPostgres {
				// Serialise concurrent appends to the same session so two
				// batches cannot both extend the same tail.
				if _, err := tx.ExecContext(ctx,
					"SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))",
					tenant, group.sessionID); err != nil {
					return fmt.Errorf("failed to lock session %s: %w", group.sessionID, err)
				}
			}

			fresh, err := s.dropDuplicates(ctx, tx, tenant, group.events)
			if err != nil {
				return err
			}
			if len(fresh) == 0 {
				continue
			}

			tail, err := s.sessionTailHash(ctx, tx, tenant, group.sessionID)
			if err != nil {
				return err
			}
			if err := verifyChain(group.sessionID, fresh, tail); err != nil {
				return err
			}

			for _, e := range fresh {
				if err := s.insertEventRow(ctx, tx, e); err != nil {
					return err
				}
			}

			delta := computeSessionDelta(&sessionGroup{sessionID: group.sessionID, events: fresh})
			newSession, err := s.upsertSessionRow(ctx, tx, tenant, delta)
			if err != nil {
				return err
			}
			if err := s.upsertAgentRow(ctx, tx, tenant, delta, newSession); err != nil {
				return err
			}

			appended = append(appended, fresh...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// dropDuplicates removes events whose id already exists with an identical
// hash (idempotent re-delivery) and rejects ids that exist with different
// content.
func (s *sqlStore) dropDuplicates(ctx context.Context, tx *sql.Tx, tenant string, events []*models.Event) ([]*models.Event, error) {
	fresh := make([]*models.Event, 0, len(events))
	for _, e := range events {
		var existing string
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT hash FROM events WHERE tenant_id = ? AND id = ?`),
			tenant, e.ID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			fresh = append(fresh, e)
		case err != nil:
			return nil, fmt.Errorf("failed to check event %s for duplicates: %w", e.ID, err)
		case existing == e.Hash:
			// Identical redelivery; absorb silently.
		default:
			return nil, &ConflictError{Resource: "event", ID: e.ID, Reason: "id exists with different content"}
		}
	}
	return fresh, nil
}

// sessionTailHash returns the hash of the most recent event in the session,
// nil when the session has no events.
func (s *sqlStore) sessionTailHash(ctx context.Context, tx *sql.Tx, tenant, sessionID string) (*string, error) {
	var h string
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT hash FROM events WHERE tenant_id = ? AND session_id = ? ORDER BY ts DESC, seq DESC LIMIT 1`),
		tenant, sessionID).Scan(&h)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session tail: %w", err)
	}
	return &h, nil
}

// GetSessionTailHash exposes the stored tail so in-process producers (the
// guardrail engine's alert events) can extend the chain.
func (s *sqlStore) GetSessionTailHash(ctx context.Context, tenant, sessionID string) (*string, error) {
	var tail *string
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		var err error
		tail, err = s.sessionTailHash(ctx, tx, tenant, sessionID)
		return err
	})
	return tail, err
}

func (s *sqlStore) insertEventRow(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	payload, err := json.Marshal(nonNil(e.Payload))
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", e.ID, err)
	}
	metadata, err := json.Marshal(nonNil(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", e.ID, err)
	}

	var prevHash sql.NullString
	if e.PrevHash != nil {
		prevHash = sql.NullString{String: *e.PrevHash, Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO events (id, tenant_id, session_id, agent_id, event_type, severity, payload, metadata, prev_hash, hash, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TenantID, e.SessionID, e.AgentID, string(e.EventType), string(e.Severity),
		string(payload), string(metadata), prevHash, e.Hash, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// ── Event reads ──────────────────────────────────────────────

const eventColumns = `id, tenant_id, session_id, agent_id, event_type, severity, payload, metadata, prev_hash, hash, ts`

func scanEvent(row interface{ Scan(dest ...any) error }) (*models.Event, error) {
	var (
		e        models.Event
		payload  []byte
		metadata []byte
		prevHash sql.NullString
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.AgentID,
		(*string)(&e.EventType), (*string)(&e.Severity),
		&payload, &metadata, &prevHash, &e.Hash, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", e.ID, err)
		}
	}
	if prevHash.Valid {
		e.PrevHash = &prevHash.String
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func (s *sqlStore) GetEvent(ctx context.Context, tenant, id string) (*models.Event, error) {
	var event *models.Event
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.q(`SELECT `+eventColumns+` FROM events WHERE tenant_id = ? AND id = ?`), tenant, id)
		e, err := scanEvent(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load event %s: %w", id, err)
		}
		event = e
		return nil
	})
	return event, err
}

func (s *sqlStore) GetSessionEvents(ctx context.Context, tenant, sessionID string) ([]*models.Event, error) {
	var out []*models.Event
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT `+eventColumns+` FROM events WHERE tenant_id = ? AND session_id = ? ORDER BY ts ASC, seq ASC`),
			tenant, sessionID)
		if err != nil {
			return fmt.Errorf("failed to query session events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// QueryEvents applies the filter and returns one page plus the unpaginated
// total.
func (s *sqlStore) QueryEvents(ctx context.Context, tenant string, filter models.EventFilter) (*models.EventPage, error) {
	where, args := buildEventWhere(tenant, filter)

	order := "ASC"
	if filter.Order == models.OrderDesc {
		order = "DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	page := &models.EventPage{Events: []*models.Event{}}
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM events `+where), args...).Scan(&page.Total); err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}

		query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY ts %s, seq %s LIMIT ? OFFSET ?`,
			eventColumns, where, order, order)
		rows, err := tx.QueryContext(ctx, s.q(query), append(args, limit, filter.Offset)...)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			page.Events = append(page.Events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	page.HasMore = filter.Offset+len(page.Events) < page.Total
	return page, nil
}

func buildEventWhere(tenant string, filter models.EventFilter) (string, []any) {
	clauses := []string{"tenant_id = ?"}
	args := []any{tenant}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.From != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "ts < ?")
		args = append(args, filter.To.UTC())
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ── Retention ────────────────────────────────────────────────

// ApplyRetention deletes the tenant's events older than cutoff, then removes
// sessions left without any events. The embedded backend does this in one
// transaction; the partitioned backend loops bounded DELETE batches so the
// purge never monopolises the table.
func (s *sqlStore) ApplyRetention(ctx context.Context, tenant string, cutoff time.Time) (*models.RetentionResult, error) {
	result := &models.RetentionResult{}

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				s.q(`DELETE FROM events WHERE tenant_id = ? AND ts < ?`), tenant, cutoff.UTC())
			if err != nil {
				return fmt.Errorf("failed to delete expired events: %w", err)
			}
			n, _ := res.RowsAffected()
			result.DeletedCount = n
			return s.deleteEmptySessions(ctx, tx, tenant)
		})
		return result, err
	}

	for {
		var n int64
		err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.q(`
				DELETE FROM events WHERE ctid IN (
					SELECT ctid FROM events WHERE tenant_id = ? AND ts < ? LIMIT ?
				)`), tenant, cutoff.UTC(), retentionBatchSize)
			if err != nil {
				return fmt.Errorf("failed to delete expired events: %w", err)
			}
			n, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return nil, err
		}
		result.DeletedCount += n
		if n < retentionBatchSize {
			break
		}
	}

	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		return s.deleteEmptySessions(ctx, tx, tenant)
	})
	return result, err
}

// deleteEmptySessions removes session projections whose events have all been
// purged.
func (s *sqlStore) deleteEmptySessions(ctx context.Context, tx *sql.Tx, tenant string) error {
	_, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM sessions WHERE tenant_id = ? AND NOT EXISTS (
			SELECT 1 FROM events e WHERE e.tenant_id = sessions.tenant_id AND e.session_id = sessions.id
		)`), tenant)
	if err != nil {
		return fmt.Errorf("failed to delete empty sessions: %w", err)
	}
	return nil
}

// CountEventsBefore reports how many of the tenant's events are older than
// cutoff. Drives the approaching-expiry warning.
func (s *sqlStore) CountEventsBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM events WHERE tenant_id = ? AND ts < ?`),
			tenant, cutoff.UTC()).Scan(&n)
	})
	return n, err
}

// ── misc helpers ─────────────────────────────────────────────

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// nullTime converts a nullable column to *time.Time in UTC.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}


package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

const apiKeyColumns = `id, tenant_id, prefix, secret_hash, name, scopes, environment, created_at, last_used_at, revoked_at`

func scanAPIKey(row interface{ Scan(dest ...any) error }) (*models.APIKey, error) {
	var (
		k          models.APIKey
		scopes     []byte
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
	)
	err := row.Scan(&k.ID, &k.TenantID, &k.Prefix, &k.SecretHash, &k.Name,
		&scopes, (*string)(&k.Environment), &k.CreatedAt, &lastUsedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &k.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes of key %s: %w", k.ID, err)
		}
	}
	k.CreatedAt = k.CreatedAt.UTC()
	k.LastUsedAt = nullTime(lastUsedAt)
	k.RevokedAt = nullTime(revokedAt)
	return &k, nil
}

func (s *sqlStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal key scopes: %w", err)
	}
	if key.Scopes == nil {
		scopes = []byte("[]")
	}

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, key.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO api_keys (id, tenant_id, prefix, secret_hash, name, scopes, environment, created_at, last_used_at, revoked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			key.ID, key.TenantID, key.Prefix, key.SecretHash, key.Name,
			string(scopes), string(key.Environment), key.CreatedAt.UTC(),
			toNullTime(key.LastUsedAt), toNullTime(key.RevokedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Resource: "api_key", ID: key.ID, Reason: "id or prefix already exists"}
			}
			return fmt.Errorf("failed to create api key: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) ListAPIKeys(ctx context.Context, tenant string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = ? ORDER BY created_at DESC`), tenant)
		if err != nil {
			return fmt.Errorf("failed to query api keys: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			k, err := scanAPIKey(rows)
			if err != nil {
				return err
			}
			out = append(out, k)
		}
		return rows.Err()
	})
	return out, err
}

// RevokeAPIKey is idempotent: revoking an already revoked key keeps the
// original revocation time.
func (s *sqlStore) RevokeAPIKey(ctx context.Context, tenant, id string, at time.Time) error {
	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE api_keys SET revoked_at = ? WHERE tenant_id = ? AND id = ? AND revoked_at IS NULL`),
			at.UTC(), tenant, id)
		if err != nil {
			return fmt.Errorf("failed to revoke api key %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				s.q(`SELECT 1 FROM api_keys WHERE tenant_id = ? AND id = ?`), tenant, id).Scan(&exists)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check api key %s: %w", id, err)
			}
		}
		return nil
	})
}

// ── AdminStore ───────────────────────────────────────────────

// adminStore is the tenant-less view; every query runs with the RLS admin
// bypass bound so authentication and cross-tenant maintenance can see all
// rows.
type adminStore struct {
	s *sqlStore
}

// ListTenants enumerates every tenant that owns agents or keys.
func (a *adminStore) ListTenants(ctx context.Context) ([]string, error) {
	var out []string
	err := a.s.withAdminTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id FROM agents
			UNION
			SELECT tenant_id FROM api_keys
			ORDER BY 1`)
		if err != nil {
			return fmt.Errorf("failed to list tenants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// GetAPIKeyByPrefix resolves a bearer credential before any tenant identity
// exists, which is why it lives on the admin view.
func (a *adminStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	var key *models.APIKey
	err := a.s.withAdminTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			a.s.q(`SELECT `+apiKeyColumns+` FROM api_keys WHERE prefix = ?`), prefix)
		k, err := scanAPIKey(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load api key by prefix: %w", err)
		}
		key = k
		return nil
	})
	return key, err
}

func (a *adminStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	if a.s.dialect == dialectSQLite {
		a.s.writeMu.Lock()
		defer a.s.writeMu.Unlock()
	}
	return a.s.withAdminTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			a.s.q(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), at.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to touch api key %s: %w", id, err)
		}
		return nil
	})
}

// CountAPIKeys counts non-revoked keys across all tenants; the bootstrap
// path uses it to decide whether to seed an initial key.
func (a *adminStore) CountAPIKeys(ctx context.Context) (int, error) {
	var n int
	err := a.s.withAdminTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL`).Scan(&n)
	})
	return n, err
}

func (a *adminStore) Ping(ctx context.Context) error {
	return a.s.db.PingContext(ctx)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// partitionName returns the child table name for the month containing t,
// e.g. events_p202608.
func partitionName(t time.Time) string {
	return fmt.Sprintf("events_p%s", t.UTC().Format("200601"))
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ensureEventPartitions creates the monthly partitions covering every event
// in the batch. Idempotent; concurrent creators serialise on an advisory
// lock because CREATE TABLE IF NOT EXISTS races under partitioned parents.
func (s *sqlStore) ensureEventPartitions(ctx context.Context, events []*models.Event) error {
	months := map[time.Time]struct{}{}
	for _, e := range events {
		months[monthStart(e.Timestamp)] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin partition transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('events_partition_ddl'))`); err != nil {
		return fmt.Errorf("failed to lock partition ddl: %w", err)
	}
	for start := range months {
		end := start.AddDate(0, 1, 0)
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
			partitionName(start), start.Format(time.RFC3339), end.Format(time.RFC3339))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", partitionName(start), err)
		}
	}
	return tx.Commit()
}

// DropExpiredPartitions drops whole monthly partitions whose upper bound is
// at or below cutoff. Dropping a partition is how bulk expiry avoids
// row-by-row deletes; per-tenant overrides above the fleet-wide cutoff are
// handled by the row-level retention pass first.
func (a *adminStore) DropExpiredPartitions(ctx context.Context, cutoff time.Time) ([]string, error) {
	if !a.s.caps.Partitions {
		return nil, nil
	}

	var dropped []string
	err := a.s.withAdminTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT c.relname FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = 'events'
			ORDER BY c.relname`)
		if err != nil {
			return fmt.Errorf("failed to list event partitions: %w", err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, name := range names {
			end, ok := partitionUpperBound(name)
			if !ok || end.After(cutoff.UTC()) {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return fmt.Errorf("failed to drop partition %s: %w", name, err)
			}
			dropped = append(dropped, name)
		}
		return nil
	})
	return dropped, err
}

// partitionUpperBound parses events_pYYYYMM and returns the first instant
// after the month.
func partitionUpperBound(name string) (time.Time, bool) {
	const prefix = "events_p"
	if len(name) != len(prefix)+6 || name[:len(prefix)] != prefix {
		return time.Time{}, false
	}
	start, err := time.Parse("200601", name[len(prefix):])
	if err != nil {
		return time.Time{}, false
	}
	return start.AddDate(0, 1, 0), true
}

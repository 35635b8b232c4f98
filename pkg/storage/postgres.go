package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentlens/agentlens/pkg/database"
)

// PartitionedOptions tunes the PostgreSQL backend.
type PartitionedOptions struct {
	// VectorDims is the dimensionality of the native vector column. Zero
	// disables the pgvector probe entirely.
	VectorDims int
}

// NewPartitionedStore wraps a migrated PostgreSQL client in the storage
// contract. It probes for the pgvector extension once; when the extension is
// missing the store still works, with similarity search served by the
// in-memory fallback.
func NewPartitionedStore(ctx context.Context, client *database.Client, opts PartitionedOptions) (Store, error) {
	s := &sqlStore{
		db:      client.DB(),
		dialect: dialectPostgres,
		caps: Capabilities{
			Variant:     VariantPartitioned,
			AppendOnly:  true,
			Projections: true,
			Retention:   true,
			Partitions:  true,
			Notify:      true,
		},
	}

	if opts.VectorDims > 0 {
		native, err := s.probeVector(ctx, opts.VectorDims)
		if err != nil {
			return nil, err
		}
		s.caps.VectorSearch = native
		if native {
			s.vectorDims = opts.VectorDims
		}
	}
	if !s.caps.VectorSearch {
		slog.Info("pgvector unavailable, similarity search uses the in-memory fallback")
	}
	return s, nil
}

// probeVector checks for the pgvector extension and, when present, makes
// sure the native column and index exist. The column lives outside the
// migrations because its presence depends on the deployment.
func (s *sqlStore) probeVector(ctx context.Context, dims int) (bool, error) {
	var installed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&installed)
	if err != nil {
		return false, fmt.Errorf("failed to probe pgvector: %w", err)
	}
	if !installed {
		return false, nil
	}

	ddl := []string{
		fmt.Sprintf(`ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS vec vector(%d)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_vec ON embeddings USING hnsw (vec vector_cosine_ops)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("failed to prepare native vector column: %w", err)
		}
	}
	slog.Info("pgvector enabled", "dimensions", dims)
	return true, nil
}

// Announce publishes a NOTIFY payload on the given channel inside its own
// transaction. The stream bridge uses it to fan appended events out to other
// replicas.
func (s *sqlStore) Announce(ctx context.Context, channel, payload string) error {
	if !s.caps.Notify {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}

// Announcer is implemented by backends that support cross-replica
// notifications.
type Announcer interface {
	Announce(ctx context.Context, channel, payload string) error
}

var _ Announcer = (*sqlStore)(nil)

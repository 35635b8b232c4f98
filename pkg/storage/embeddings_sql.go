package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// fallbackCandidateCap bounds how many rows the in-memory similarity scan
// loads. Hitting the cap means results may be incomplete and is logged.
const fallbackCandidateCap = 10000

const embeddingColumns = `id, tenant_id, source_type, source_id, content_hash, content, vector, model, dimensions, created_at, updated_at`

func scanEmbedding(row interface{ Scan(dest ...any) error }) (*models.Embedding, error) {
	var (
		e   models.Embedding
		vec []byte
	)
	err := row.Scan(&e.ID, &e.TenantID, (*string)(&e.SourceType), &e.SourceID,
		&e.ContentHash, &e.Content, &vec, &e.Model, &e.Dimensions, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Vector, err = DecodeVector(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vector of embedding %s: %w", e.ID, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// StoreEmbedding inserts the row, or updates it in place when the (tenant,
// sourceType, sourceId) triple already exists. The stored id and creation
// time survive updates.
func (s *sqlStore) StoreEmbedding(ctx context.Context, tenant string, e *models.Embedding) (*models.Embedding, error) {
	if e.SourceID == "" {
		return nil, models.NewValidationError("sourceId", "required")
	}
	if !e.SourceType.Valid() {
		return nil, models.NewValidationError("sourceType", fmt.Sprintf("unknown source type %q", e.SourceType))
	}
	if len(e.Vector) == 0 {
		return nil, models.NewValidationError("vector", "must not be empty")
	}
	if s.vectorDims > 0 && len(e.Vector) != s.vectorDims {
		return nil, models.NewValidationError("vector",
			fmt.Sprintf("dimension mismatch: got %d, index expects %d", len(e.Vector), s.vectorDims))
	}

	now := time.Now().UTC()
	sum := sha256.Sum256([]byte(e.Content))
	stored := *e
	stored.TenantID = tenant
	stored.ContentHash = hex.EncodeToString(sum[:])
	stored.Dimensions = len(e.Vector)
	stored.UpdatedAt = now

	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		var existingID string
		var createdAt time.Time
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT id, created_at FROM embeddings
			WHERE tenant_id = ? AND source_type = ? AND source_id = ?`),
			tenant, string(stored.SourceType), stored.SourceID).Scan(&existingID, &createdAt)
		switch {
		case err == sql.ErrNoRows:
			if stored.ID == "" {
				stored.ID = models.NewEventID()
			}
			stored.CreatedAt = now
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO embeddings (id, tenant_id, source_type, source_id, content_hash, content,
				                        vector, model, dimensions, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				stored.ID, tenant, string(stored.SourceType), stored.SourceID,
				stored.ContentHash, stored.Content, EncodeVector(stored.Vector),
				stored.Model, stored.Dimensions, stored.CreatedAt, stored.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert embedding: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to check embedding for %s/%s: %w", stored.SourceType, stored.SourceID, err)
		default:
			stored.ID = existingID
			stored.CreatedAt = createdAt.UTC()
			_, err := tx.ExecContext(ctx, s.q(`
				UPDATE embeddings SET content_hash = ?, content = ?, vector = ?, model = ?, dimensions = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ?`),
				stored.ContentHash, stored.Content, EncodeVector(stored.Vector),
				stored.Model, stored.Dimensions, stored.UpdatedAt, tenant, existingID)
			if err != nil {
				return fmt.Errorf("failed to update embedding %s: %w", existingID, err)
			}
		}

		if s.caps.VectorSearch {
			_, err := tx.ExecContext(ctx,
				`UPDATE embeddings SET vec = $1::vector WHERE tenant_id = $2 AND id = $3`,
				pgvectorLiteral(stored.Vector), tenant, stored.ID)
			if err != nil {
				return fmt.Errorf("failed to update native vector column: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *sqlStore) GetEmbedding(ctx context.Context, tenant string, sourceType models.EmbeddingSourceType, sourceID string) (*models.Embedding, error) {
	var emb *models.Embedding
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`
			SELECT `+embeddingColumns+` FROM embeddings
			WHERE tenant_id = ? AND source_type = ? AND source_id = ?`),
			tenant, string(sourceType), sourceID)
		e, err := scanEmbedding(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load embedding %s/%s: %w", sourceType, sourceID, err)
		}
		emb = e
		return nil
	})
	return emb, err
}

func (s *sqlStore) DeleteEmbedding(ctx context.Context, tenant string, sourceType models.EmbeddingSourceType, sourceID string) error {
	if s.dialect == dialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM embeddings WHERE tenant_id = ? AND source_type = ? AND source_id = ?`),
			tenant, string(sourceType), sourceID)
		if err != nil {
			return fmt.Errorf("failed to delete embedding %s/%s: %w", sourceType, sourceID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SimilaritySearch ranks stored embeddings by cosine similarity to the query
// vector. The partitioned backend with pgvector delegates ordering to the
// index; everything else scans candidates in memory up to
// fallbackCandidateCap.
func (s *sqlStore) SimilaritySearch(ctx context.Context, tenant string, query []float32, filter models.SimilarityFilter) ([]*models.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, models.NewValidationError("query", "vector must not be empty")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	if s.caps.VectorSearch {
		return s.similaritySearchNative(ctx, tenant, query, filter, limit)
	}
	return s.similaritySearchFallback(ctx, tenant, query, filter, limit)
}

func buildEmbeddingWhere(tenant string, filter models.SimilarityFilter) (string, []any) {
	clauses := []string{"tenant_id = ?"}
	args := []any{tenant}
	if filter.SourceType != "" {
		clauses = append(clauses, "source_type = ?")
		args = append(args, string(filter.SourceType))
	}
	if filter.From != nil {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, filter.To.UTC())
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlStore) similaritySearchNative(ctx context.Context, tenant string, query []float32, filter models.SimilarityFilter, limit int) ([]*models.SimilarityMatch, error) {
	where, args := buildEmbeddingWhere(tenant, filter)
	literal := pgvectorLiteral(query)

	var out []*models.SimilarityMatch
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		// cosine distance operator; similarity = 1 - distance.
		q := s.q(fmt.Sprintf(`
			SELECT %s, 1 - (vec <=> ?::vector) AS score
			FROM embeddings %s AND vec IS NOT NULL
			ORDER BY vec <=> ?::vector LIMIT ?`, embeddingColumns, where))
		// Placeholder order follows the query text: score literal, filter
		// args, order literal, limit.
		qargs := append([]any{literal}, args...)
		qargs = append(qargs, literal, limit)
		rows, err := tx.QueryContext(ctx, q, qargs...)
		if err != nil {
			return fmt.Errorf("failed to run native similarity search: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e     models.Embedding
				vec   []byte
				score float64
			)
			if err := rows.Scan(&e.ID, &e.TenantID, (*string)(&e.SourceType), &e.SourceID,
				&e.ContentHash, &e.Content, &vec, &e.Model, &e.Dimensions,
				&e.CreatedAt, &e.UpdatedAt, &score); err != nil {
				return err
			}
			if score < filter.MinScore {
				continue
			}
			var decodeErr error
			e.Vector, decodeErr = DecodeVector(vec)
			if decodeErr != nil {
				return fmt.Errorf("failed to decode vector of embedding %s: %w", e.ID, decodeErr)
			}
			e.CreatedAt = e.CreatedAt.UTC()
			e.UpdatedAt = e.UpdatedAt.UTC()
			out = append(out, &models.SimilarityMatch{Embedding: &e, Score: score})
		}
		return rows.Err()
	})
	return out, err
}

func (s *sqlStore) similaritySearchFallback(ctx context.Context, tenant string, query []float32, filter models.SimilarityFilter, limit int) ([]*models.SimilarityMatch, error) {
	where, args := buildEmbeddingWhere(tenant, filter)

	var matches []*models.SimilarityMatch
	err := s.withTenantTx(ctx, tenant, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(fmt.Sprintf(
			`SELECT %s FROM embeddings %s ORDER BY updated_at DESC LIMIT ?`,
			embeddingColumns, where)), append(args, fallbackCandidateCap+1)...)
		if err != nil {
			return fmt.Errorf("failed to load similarity candidates: %w", err)
		}
		defer rows.Close()

		loaded := 0
		for rows.Next() {
			if loaded >= fallbackCandidateCap {
				slog.Warn("similarity search candidate cap reached, results may be incomplete",
					"tenant", tenant, "cap", fallbackCandidateCap)
				break
			}
			e, err := scanEmbedding(rows)
			if err != nil {
				return err
			}
			loaded++
			score := CosineSimilarity(query, e.Vector)
			if score < filter.MinScore {
				continue
			}
			matches = append(matches, &models.SimilarityMatch{Embedding: e, Score: score})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

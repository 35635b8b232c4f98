package storage

import (
	"context"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

// DefaultTenant is the tenant id every row belongs to when the embedded
// backend runs without multi-tenant auth.
const DefaultTenant = "default"

// Variant names a storage backend implementation.
type Variant string

const (
	VariantEmbedded    Variant = "embedded"
	VariantPartitioned Variant = "partitioned"
)

// Capabilities describes what a backend supports beyond the common contract.
// Probed once at startup.
type Capabilities struct {
	Variant      Variant
	AppendOnly   bool
	Projections  bool
	Retention    bool
	VectorSearch bool // native ANN (pgvector HNSW); false means in-memory fallback
	Partitions   bool // monthly range partitions with drop support
	Notify       bool // LISTEN/NOTIFY announcements for cross-replica fan-out
}

// EventStore is the core append/query contract. Every operation is scoped to
// a tenant and must never return rows belonging to another tenant.
type EventStore interface {
	// InsertEvents appends a validated batch atomically and maintains the
	// session and agent projections in the same transaction. Duplicate ids
	// with identical hashes are absorbed silently; the returned slice holds
	// only the events actually appended, for post-commit publication.
	InsertEvents(ctx context.Context, tenant string, events []*models.Event) ([]*models.Event, error)
	GetEvent(ctx context.Context, tenant, id string) (*models.Event, error)
	GetSessionEvents(ctx context.Context, tenant, sessionID string) ([]*models.Event, error)
	// GetSessionTailHash returns the hash of the session's most recent event,
	// nil for an empty session. In-process producers use it to extend the
	// chain without re-reading the whole session.
	GetSessionTailHash(ctx context.Context, tenant, sessionID string) (*string, error)
	QueryEvents(ctx context.Context, tenant string, filter models.EventFilter) (*models.EventPage, error)

	GetSession(ctx context.Context, tenant, id string) (*models.Session, error)
	ListSessions(ctx context.Context, tenant string, filter models.SessionFilter) (*models.SessionPage, error)
	CountSessions(ctx context.Context, tenant string, filter models.SessionFilter) (int, error)

	GetAgent(ctx context.Context, tenant, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, tenant string) ([]*models.Agent, error)
	PauseAgent(ctx context.Context, tenant, agentID, reason string, at time.Time) error
	SetAgentModelOverride(ctx context.Context, tenant, agentID, model string) error

	GetStats(ctx context.Context, tenant string) (*models.TenantStats, error)

	// ApplyRetention deletes events older than cutoff for the tenant, then
	// removes sessions whose last event was purged. Runs in one transaction.
	ApplyRetention(ctx context.Context, tenant string, cutoff time.Time) (*models.RetentionResult, error)
	// CountEventsBefore supports approaching-expiry warnings.
	CountEventsBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
}

// EmbeddingStore persists vectors with source-level dedup and serves
// similarity queries, natively or via the in-memory fallback.
type EmbeddingStore interface {
	StoreEmbedding(ctx context.Context, tenant string, e *models.Embedding) (*models.Embedding, error)
	GetEmbedding(ctx context.Context, tenant string, sourceType models.EmbeddingSourceType, sourceID string) (*models.Embedding, error)
	SimilaritySearch(ctx context.Context, tenant string, query []float32, filter models.SimilarityFilter) ([]*models.SimilarityMatch, error)
	DeleteEmbedding(ctx context.Context, tenant string, sourceType models.EmbeddingSourceType, sourceID string) error
}

// GuardrailStore persists rules, per-rule state and the append-only trigger
// history.
type GuardrailStore interface {
	CreateGuardrailRule(ctx context.Context, tenant string, rule *models.GuardrailRule) error
	GetGuardrailRule(ctx context.Context, tenant, id string) (*models.GuardrailRule, error)
	ListGuardrailRules(ctx context.Context, tenant string, enabledOnly bool) ([]*models.GuardrailRule, error)
	UpdateGuardrailRule(ctx context.Context, tenant string, rule *models.GuardrailRule) error
	DeleteGuardrailRule(ctx context.Context, tenant, id string) error

	GetGuardrailState(ctx context.Context, tenant, ruleID string) (*models.GuardrailState, error)
	// RecordTrigger appends a history row and upserts the rule state
	// (incremented trigger count, last-triggered timestamp, observed value)
	// in one transaction.
	RecordTrigger(ctx context.Context, tenant string, rec *models.TriggerRecord) error
	ListTriggerHistory(ctx context.Context, tenant string, filter models.TriggerHistoryFilter) ([]*models.TriggerRecord, error)
}

// KeyStore persists API keys. Lookup by prefix lives on AdminStore because
// authentication runs before any tenant identity is established.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenant string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenant, id string, at time.Time) error
}

// AdminStore groups the operations that intentionally run without a tenant
// scope. Keeping them on a separate type makes tenant-less access explicit at
// every call site.
type AdminStore interface {
	ListTenants(ctx context.Context) ([]string, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	CountAPIKeys(ctx context.Context) (int, error)
	// DropExpiredPartitions removes whole monthly partitions whose upper
	// bound is below the given cutoff. No-op on backends without partition
	// support; returns the names of dropped partitions.
	DropExpiredPartitions(ctx context.Context, cutoff time.Time) ([]string, error)
	Ping(ctx context.Context) error
}

// Store is the complete persistence contract both backends satisfy.
type Store interface {
	EventStore
	EmbeddingStore
	GuardrailStore
	KeyStore

	Capabilities() Capabilities
	Admin() AdminStore
	Close() error
}

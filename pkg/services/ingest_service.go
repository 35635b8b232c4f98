package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/metrics"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// IngestService is the write path: it validates and stamps a batch, extends
// each session's hash chain, persists atomically, and only after commit fans
// the appended events out to the local bus and (on backends that support it)
// to the other replicas.
type IngestService struct {
	store     storage.Store
	bus       *events.Bus
	announcer storage.Announcer
	origin    string
	cfg       config.IngestConfig
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewIngestService wires the write path. The announcer may be nil (embedded
// backend); origin identifies this replica in cross-replica announcements.
func NewIngestService(store storage.Store, bus *events.Bus, announcer storage.Announcer, origin string, cfg config.IngestConfig, m *metrics.Metrics) *IngestService {
	return &IngestService{
		store:     store,
		bus:       bus,
		announcer: announcer,
		origin:    origin,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Ingest appends a batch for the tenant and returns the ids in batch order.
// The batch is atomic: one bad event rejects all of it.
func (s *IngestService) Ingest(ctx context.Context, tenant string, batch []*models.Event) ([]string, error) {
	if len(batch) == 0 {
		return nil, invalid(models.NewValidationError("events", "batch is empty"))
	}
	if s.cfg.MaxBatchSize > 0 && len(batch) > s.cfg.MaxBatchSize {
		s.metrics.IngestRejected("batch_too_large")
		return nil, invalid(models.NewValidationError("events",
			fmt.Sprintf("batch of %d exceeds the maximum of %d", len(batch), s.cfg.MaxBatchSize)))
	}

	if !s.allow(tenant, len(batch)) {
		s.metrics.IngestRejected("rate_limited")
		return nil, fmt.Errorf("%w: tenant %s exceeded the ingest rate", ErrRateLimited, tenant)
	}
	if err := s.checkQuota(ctx, tenant, len(batch)); err != nil {
		return nil, err
	}

	if err := s.stampBatch(ctx, tenant, batch); err != nil {
		s.metrics.IngestRejected("validation")
		return nil, err
	}

	appended, err := s.store.InsertEvents(ctx, tenant, batch)
	if err != nil {
		s.metrics.IngestRejected("storage")
		return nil, mapStorageError(err)
	}
	s.metrics.EventsIngested(tenant, len(appended))

	// Post-commit only: subscribers must never see an event that failed to
	// persist.
	for _, e := range appended {
		if s.bus != nil {
			s.bus.Publish(e)
		}
		if s.announcer != nil {
			payload, err := events.EncodeEnvelope(s.origin, e)
			if err != nil {
				slog.Error("failed to encode event announcement", "event", e.ID, "error", err)
				continue
			}
			if err := s.announcer.Announce(ctx, events.NotifyChannel, payload); err != nil {
				slog.Error("failed to announce event", "event", e.ID, "error", err)
			}
		}
	}

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return ids, nil
}

// allow consumes n tokens from the tenant's bucket; limiting is disabled when
// RatePerSecond is unset.
func (s *IngestService) allow(tenant string, n int) bool {
	if s.cfg.RatePerSecond <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[tenant]
	if !ok {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = int(s.cfg.RatePerSecond)
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
		s.limiters[tenant] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(s.now(), n)
}

func (s *IngestService) checkQuota(ctx context.Context, tenant string, incoming int) error {
	if s.cfg.MaxStoredEvents <= 0 {
		return nil
	}
	stats, err := s.store.GetStats(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to check storage quota: %w", err)
	}
	if stats.TotalEvents+int64(incoming) > s.cfg.MaxStoredEvents {
		s.metrics.IngestRejected("quota")
		return fmt.Errorf("%w: tenant %s would exceed %d stored events", ErrQuotaExceeded, tenant, s.cfg.MaxStoredEvents)
	}
	return nil
}

// stampBatch validates every event and fills the server-assigned fields:
// tenant, id, timestamp, severity, and the hash chain for events the client
// did not hash itself.
func (s *IngestService) stampBatch(ctx context.Context, tenant string, batch []*models.Event) error {
	// Tail hashes are read once per session touched by the batch.
	tails := map[string]*string{}

	for _, e := range batch {
		if e.TenantID != "" && e.TenantID != tenant {
			return fmt.Errorf("%w: event %s is stamped for tenant %q", ErrConflict, e.ID, e.TenantID)
		}
		e.TenantID = tenant
		if e.ID == "" {
			e.ID = models.NewEventID()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now().UTC().Truncate(time.Microsecond)
		} else {
			e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
		}
		if e.Severity == "" {
			e.Severity = models.SeverityInfo
		}
		if err := models.ValidateEvent(e); err != nil {
			return invalid(err)
		}

		if e.Hash != "" {
			// Client-computed chains are verified, not restamped; remember
			// the tail for any hashless successor in the same batch.
			h := e.Hash
			tails[e.SessionID] = &h
			continue
		}

		prev, seen := tails[e.SessionID]
		if !seen {
			stored, err := s.store.GetSessionTailHash(ctx, tenant, e.SessionID)
			if err != nil {
				return mapStorageError(err)
			}
			prev = stored
		}
		e.PrevHash = prev
		hash, err := models.ComputeEventHash(e)
		if err != nil {
			return fmt.Errorf("failed to hash event %s: %w", e.ID, err)
		}
		e.Hash = hash
		h := hash
		tails[e.SessionID] = &h
	}
	return nil
}

package services

import (
	"context"
	"fmt"

	"github.com/agentlens/agentlens/pkg/analytics"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/replay"
	"github.com/agentlens/agentlens/pkg/storage"
)

// QueryService is the read path over the event log and its projections:
// event queries, session listings, replays and the analytics derived from
// them.
type QueryService struct {
	store     storage.Store
	projector *replay.Projector
	analyzer  *analytics.Analyzer
}

// NewQueryService wires the read path.
func NewQueryService(store storage.Store, projector *replay.Projector, analyzer *analytics.Analyzer) *QueryService {
	return &QueryService{
		store:     store,
		projector: projector,
		analyzer:  analyzer,
	}
}

// QueryEvents returns a filtered, paginated slice of the tenant's event log.
func (s *QueryService) QueryEvents(ctx context.Context, tenant string, filter models.EventFilter) (*models.EventPage, error) {
	if filter.Order != "" && filter.Order != models.OrderAsc && filter.Order != models.OrderDesc {
		return nil, invalid(models.NewValidationError("order", "must be asc or desc"))
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		return nil, invalid(models.NewValidationError("eventType", fmt.Sprintf("unknown event type %q", filter.EventType)))
	}
	page, err := s.store.QueryEvents(ctx, tenant, filter)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return page, nil
}

// GetEvent returns a single event by id.
func (s *QueryService) GetEvent(ctx context.Context, tenant, id string) (*models.Event, error) {
	if id == "" {
		return nil, invalid(models.NewValidationError("id", "is required"))
	}
	event, err := s.store.GetEvent(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return event, nil
}

// ListSessions returns a filtered session page.
func (s *QueryService) ListSessions(ctx context.Context, tenant string, filter models.SessionFilter) (*models.SessionPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid(models.NewValidationError("status", fmt.Sprintf("unknown session status %q", filter.Status)))
	}
	page, err := s.store.ListSessions(ctx, tenant, filter)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return page, nil
}

// CountSessions returns only the number of sessions matching the filter.
func (s *QueryService) CountSessions(ctx context.Context, tenant string, filter models.SessionFilter) (int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return 0, invalid(models.NewValidationError("status", fmt.Sprintf("unknown session status %q", filter.Status)))
	}
	n, err := s.store.CountSessions(ctx, tenant, filter)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return n, nil
}

// GetSession returns a session projection by id.
func (s *QueryService) GetSession(ctx context.Context, tenant, id string) (*models.Session, error) {
	if id == "" {
		return nil, invalid(models.NewValidationError("id", "is required"))
	}
	session, err := s.store.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return session, nil
}

// Replay returns one page of the session's ordered replay.
func (s *QueryService) Replay(ctx context.Context, tenant string, req models.ReplayRequest) (*models.ReplayResult, error) {
	if req.SessionID == "" {
		return nil, invalid(models.NewValidationError("sessionId", "is required"))
	}
	for _, t := range req.EventTypes {
		if !t.Valid() {
			return nil, invalid(models.NewValidationError("eventTypes", fmt.Sprintf("unknown event type %q", t)))
		}
	}
	result, err := s.projector.Replay(ctx, tenant, req)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return result, nil
}

// ListAgents returns every agent the tenant's events have created.
func (s *QueryService) ListAgents(ctx context.Context, tenant string) ([]*models.Agent, error) {
	agents, err := s.store.ListAgents(ctx, tenant)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return agents, nil
}

// GetAgent returns a single agent descriptor.
func (s *QueryService) GetAgent(ctx context.Context, tenant, id string) (*models.Agent, error) {
	if id == "" {
		return nil, invalid(models.NewValidationError("id", "is required"))
	}
	agent, err := s.store.GetAgent(ctx, tenant, id)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return agent, nil
}

// Health scores the agent over the requested window. A zero windowDays
// selects the configured default.
func (s *QueryService) Health(ctx context.Context, tenant, agentID string, windowDays int) (*models.HealthScore, error) {
	if agentID == "" {
		return nil, invalid(models.NewValidationError("agentId", "is required"))
	}
	if _, err := s.store.GetAgent(ctx, tenant, agentID); err != nil {
		return nil, mapStorageError(err)
	}
	score, err := s.analyzer.HealthScore(ctx, tenant, agentID, windowDays)
	if err != nil {
		return nil, err
	}
	return score, nil
}

// CostOptimization returns model substitution recommendations for the agent.
func (s *QueryService) CostOptimization(ctx context.Context, tenant, agentID string) ([]*models.CostRecommendation, error) {
	if agentID == "" {
		return nil, invalid(models.NewValidationError("agentId", "is required"))
	}
	if _, err := s.store.GetAgent(ctx, tenant, agentID); err != nil {
		return nil, mapStorageError(err)
	}
	return s.analyzer.CostRecommendations(ctx, tenant, agentID)
}

// Stats summarises the tenant's stored volume.
func (s *QueryService) Stats(ctx context.Context, tenant string) (*models.TenantStats, error) {
	stats, err := s.store.GetStats(ctx, tenant)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return stats, nil
}

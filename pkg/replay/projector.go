// Package replay projects a session's event log into an ordered, paginated
// replay with optional per-step context.
package replay

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// Defaults for the projection cache and pagination.
const (
	DefaultCacheTTL     = 10 * time.Minute
	DefaultCacheEntries = 100
	DefaultPageLimit    = 100
	MaxPageSteps        = 5000
	contextLLMWindow    = 50
)

// projection is the cached, pagination-independent view of one session.
type projection struct {
	events     []*models.Event
	summary    models.ReplaySummary
	chainValid bool
	builtAt    time.Time
}

type cacheKey struct {
	tenant  string
	session string
}

// Projector builds replays on top of the event store, memoising one
// projection per (tenant, session) for a short TTL so repeated pagination of
// the same session reads storage once.
type Projector struct {
	store storage.EventStore

	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[cacheKey]*list.Element
	lru   *list.List // front = most recent

	now func() time.Time
}

type cacheEntry struct {
	key  cacheKey
	proj *projection
}

// NewProjector creates a projector with the given cache bounds; zero values
// select the defaults.
func NewProjector(store storage.EventStore, ttl time.Duration, maxEntries int) *Projector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Projector{
		store:      store,
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      make(map[cacheKey]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
}

// Replay returns one page of the session's replay. The summary and the chain
// verification cover the whole session regardless of pagination; a session
// with no events yields storage.ErrNotFound.
func (p *Projector) Replay(ctx context.Context, tenant string, req models.ReplayRequest) (*models.ReplayResult, error) {
	proj, err := p.projection(ctx, tenant, req.SessionID)
	if err != nil {
		return nil, err
	}

	events := proj.events
	if len(req.EventTypes) > 0 {
		events = filterTypes(events, req.EventTypes)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageSteps {
		limit = MaxPageSteps
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(events)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	steps := make([]*models.ReplayStep, 0, end-start)
	for i := start; i < end; i++ {
		step := &models.ReplayStep{Index: i, Event: events[i]}
		if req.IncludeContext {
			step.Context = buildContext(proj.events, events[i])
		}
		steps = append(steps, step)
	}

	return &models.ReplayResult{
		SessionID:  req.SessionID,
		Steps:      steps,
		Summary:    proj.summary,
		ChainValid: proj.chainValid,
		Total:      total,
		HasMore:    end < total,
	}, nil
}

// Invalidate drops the cached projection, e.g. after new events arrive for a
// session an operator is replaying.
func (p *Projector) Invalidate(tenant, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := cacheKey{tenant: tenant, session: sessionID}
	if el, ok := p.cache[key]; ok {
		p.lru.Remove(el)
		delete(p.cache, key)
	}
}

// projection returns the cached projection, rebuilding it on miss or expiry.
func (p *Projector) projection(ctx context.Context, tenant, sessionID string) (*projection, error) {
	key := cacheKey{tenant: tenant, session: sessionID}

	p.mu.Lock()
	if el, ok := p.cache[key]; ok {
		entry := el.Value.(*cacheEntry)
		if p.now().Sub(entry.proj.builtAt) < p.ttl {
			p.lru.MoveToFront(el)
			p.mu.Unlock()
			return entry.proj, nil
		}
		p.lru.Remove(el)
		delete(p.cache, key)
	}
	p.mu.Unlock()

	events, err := p.store.GetSessionEvents(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}

	proj := &projection{
		events:     events,
		summary:    summarise(events),
		chainValid: verifySession(events),
		builtAt:    p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.cache[key]; ok {
		p.lru.Remove(el)
		delete(p.cache, key)
	}
	p.cache[key] = p.lru.PushFront(&cacheEntry{key: key, proj: proj})
	for p.lru.Len() > p.maxEntries {
		oldest := p.lru.Back()
		p.lru.Remove(oldest)
		delete(p.cache, oldest.Value.(*cacheEntry).key)
	}
	return proj, nil
}

// summarise folds the whole session into the replay summary.
func summarise(events []*models.Event) models.ReplaySummary {
	s := models.ReplaySummary{}
	tools := map[string]struct{}{}
	for _, e := range events {
		switch e.EventType {
		case models.EventToolCall:
			s.TotalToolCalls++
			if name, ok := e.Payload["toolName"].(string); ok && name != "" {
				tools[name] = struct{}{}
			}
		case models.EventLLMCall:
			s.TotalLLMCalls++
		case models.EventCostTracked:
			if v, ok := models.NumberAt(e.Payload, "costUsd"); ok {
				s.TotalCostUSD += v
			}
		}
		if e.Severity.IsErrorLevel() || e.EventType == models.EventToolError {
			s.ErrorCount++
		}
	}
	s.DistinctToolNames = make([]string, 0, len(tools))
	for name := range tools {
		s.DistinctToolNames = append(s.DistinctToolNames, name)
	}
	sort.Strings(s.DistinctToolNames)
	return s
}

// verifySession walks the stored chain once: every self-hash must recompute
// and every prevHash must equal the preceding event's hash.
func verifySession(events []*models.Event) bool {
	var prev *string
	for _, e := range events {
		ok, err := models.VerifyEventHash(e)
		if err != nil || !ok {
			return false
		}
		switch {
		case prev == nil && e.PrevHash != nil:
			return false
		case prev != nil && (e.PrevHash == nil || *e.PrevHash != *prev):
			return false
		}
		h := e.Hash
		prev = &h
	}
	return true
}

// buildContext collects what was available to the agent at the step: the
// last 50 LLM exchanges and every tool result preceding the event.
func buildContext(all []*models.Event, at *models.Event) *models.StepContext {
	ctx := &models.StepContext{}
	for _, e := range all {
		if e == at {
			break
		}
		switch e.EventType {
		case models.EventLLMCall, models.EventLLMResponse:
			ctx.LLMExchanges = append(ctx.LLMExchanges, e)
		case models.EventToolResponse:
			ctx.ToolResults = append(ctx.ToolResults, e)
		}
	}
	if len(ctx.LLMExchanges) > contextLLMWindow {
		ctx.LLMExchanges = ctx.LLMExchanges[len(ctx.LLMExchanges)-contextLLMWindow:]
	}
	return ctx
}

func filterTypes(events []*models.Event, types []models.EventType) []*models.Event {
	want := make(map[models.EventType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []*models.Event
	for _, e := range events {
		if _, ok := want[e.EventType]; ok {
			out = append(out, e)
		}
	}
	return out
}

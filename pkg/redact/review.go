package redact

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReviewItem is one artifact awaiting human review.
type ReviewItem struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Content    string    `json:"content"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ReviewQueue is the in-memory queue behind the pending_review outcome. A
// resolved item disappears; the resolution itself (approve with edits,
// reject) is an operator workflow outside this package.
type ReviewQueue struct {
	mu    sync.Mutex
	items map[string]*ReviewItem
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{items: make(map[string]*ReviewItem)}
}

// Enqueue adds an item and returns its review token.
func (q *ReviewQueue) Enqueue(tenant, content, reason string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.items[id] = &ReviewItem{
		ID:         id,
		TenantID:   tenant,
		Content:    content,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
	return id
}

// Get returns the pending item, or nil when unknown or already resolved.
func (q *ReviewQueue) Get(id string) *ReviewItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[id]
}

// List returns the pending items of one tenant.
func (q *ReviewQueue) List(tenant string) []*ReviewItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*ReviewItem
	for _, item := range q.items {
		if item.TenantID == tenant {
			out = append(out, item)
		}
	}
	return out
}

// Resolve removes the item and reports whether it existed.
func (q *ReviewQueue) Resolve(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return false
	}
	delete(q.items, id)
	return true
}

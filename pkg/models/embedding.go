package models

import (
	"time"
)

// EmbeddingSourceType names the kind of entity an embedding was derived from.
type EmbeddingSourceType string

const (
	EmbeddingSourceEvent   EmbeddingSourceType = "event"
	EmbeddingSourceSession EmbeddingSourceType = "session"
	EmbeddingSourceLesson  EmbeddingSourceType = "lesson"
)

// Valid reports whether t is a known source type.
func (t EmbeddingSourceType) Valid() bool {
	switch t {
	case EmbeddingSourceEvent, EmbeddingSourceSession, EmbeddingSourceLesson:
		return true
	}
	return false
}

// Embedding stores one vector alongside the text it was derived from.
// Rows are unique per (tenant, sourceType, sourceId); re-storing the same
// source updates the row in place.
type Embedding struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenantId"`
	SourceType  EmbeddingSourceType `json:"sourceType"`
	SourceID    string              `json:"sourceId"`
	ContentHash string              `json:"contentHash"`
	Content     string              `json:"content"`
	Vector      []float32           `json:"-"`
	Model       string              `json:"model"`
	Dimensions  int                 `json:"dimensions"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// SimilarityFilter narrows a similarity search beyond the query vector.
type SimilarityFilter struct {
	SourceType EmbeddingSourceType `json:"sourceType,omitempty"`
	From       *time.Time          `json:"from,omitempty"`
	To         *time.Time          `json:"to,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	MinScore   float64             `json:"minScore,omitempty"`
}

// SimilarityMatch pairs an embedding row with its cosine similarity to the
// query vector.
type SimilarityMatch struct {
	Embedding *Embedding `json:"embedding"`
	Score     float64    `json:"score"`
}

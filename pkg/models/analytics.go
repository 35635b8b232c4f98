package models

import (
	"time"
)

// Trend compares the current health window to the preceding one.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// DimensionScores holds the five health dimensions, each on a 0–100 scale.
type DimensionScores struct {
	ErrorRate      float64 `json:"errorRate"`
	CostEfficiency float64 `json:"costEfficiency"`
	ToolSuccess    float64 `json:"toolSuccess"`
	Latency        float64 `json:"latency"`
	CompletionRate float64 `json:"completionRate"`
}

// HealthScore is the weighted health assessment of one agent over a window.
type HealthScore struct {
	AgentID          string          `json:"agentId"`
	TenantID         string          `json:"tenantId"`
	WindowDays       int             `json:"windowDays"`
	Dimensions       DimensionScores `json:"dimensions"`
	OverallScore     float64         `json:"overallScore"`
	Trend            Trend           `json:"trend"`
	SessionsAnalyzed int             `json:"sessionsAnalyzed"`
	ComputedAt       time.Time       `json:"computedAt"`
}

// CallTier classifies LLM calls by size for cost analysis.
type CallTier string

const (
	TierSimple   CallTier = "simple"
	TierModerate CallTier = "moderate"
	TierComplex  CallTier = "complex"
)

// Confidence grades a cost recommendation by its supporting call volume.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// CostRecommendation proposes switching an agent's model for one call tier.
type CostRecommendation struct {
	AgentID                 string     `json:"agentId"`
	CurrentModel            string     `json:"currentModel"`
	RecommendedModel        string     `json:"recommendedModel"`
	Tier                    CallTier   `json:"tier"`
	CallCount               int        `json:"callCount"`
	CurrentSuccessRate      float64    `json:"currentSuccessRate"`
	CandidateSuccessRate    float64    `json:"candidateSuccessRate"`
	ProjectedMonthlySavings float64    `json:"projectedMonthlySavings"`
	Confidence              Confidence `json:"confidence"`
}

// Package analytics computes agent health scores and cost-optimisation
// recommendations from the stored event log and session projections.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// Window bounds (days).
const (
	MinWindowDays     = 1
	MaxWindowDays     = 90
	DefaultWindowDays = 7

	// trendDelta is the overall-score change that flips the trend away from
	// stable.
	trendDelta = 5.0

	// sessionScanLimit bounds how many sessions one scoring pass loads.
	sessionScanLimit = 10000
)

// Analyzer scores agents and proposes cheaper models.
type Analyzer struct {
	store storage.EventStore
	cfg   config.AnalyticsConfig
	now   func() time.Time
}

// New validates the weight configuration and builds an analyzer.
func New(store storage.EventStore, cfg config.AnalyticsConfig) (*Analyzer, error) {
	if sum := cfg.HealthWeights.Sum(); sum < 0.95 || sum > 1.05 {
		return nil, fmt.Errorf("health weights must sum to ~1.0 (0.95–1.05), got %.3f", sum)
	}
	return &Analyzer{store: store, cfg: cfg, now: time.Now}, nil
}

// HealthScore computes the weighted five-dimension health of an agent over
// the window. An agent with no sessions in the window scores a clean 100 on
// every dimension with SessionsAnalyzed zero.
func (a *Analyzer) HealthScore(ctx context.Context, tenant, agentID string, windowDays int) (*models.HealthScore, error) {
	if windowDays <= 0 {
		windowDays = a.cfg.DefaultWindow
	}
	if windowDays < MinWindowDays {
		windowDays = MinWindowDays
	}
	if windowDays > MaxWindowDays {
		windowDays = MaxWindowDays
	}

	now := a.now().UTC()
	from := now.AddDate(0, 0, -windowDays)

	current, err := a.windowScores(ctx, tenant, agentID, from, now)
	if err != nil {
		return nil, err
	}

	score := &models.HealthScore{
		AgentID:          agentID,
		TenantID:         tenant,
		WindowDays:       windowDays,
		Dimensions:       current.dims,
		OverallScore:     a.overall(current.dims),
		Trend:            models.TrendStable,
		SessionsAnalyzed: current.sessions,
		ComputedAt:       now,
	}

	previous, err := a.windowScores(ctx, tenant, agentID, from.AddDate(0, 0, -windowDays), from)
	if err != nil {
		return nil, err
	}
	// A preceding window with no activity gives no baseline; the trend stays
	// stable rather than flagging a perfect-score comparison.
	if previous.sessions > 0 {
		delta := score.OverallScore - a.overall(previous.dims)
		switch {
		case delta >= trendDelta:
			score.Trend = models.TrendImproving
		case delta <= -trendDelta:
			score.Trend = models.TrendDegrading
		}
	}
	return score, nil
}

func (a *Analyzer) overall(d models.DimensionScores) float64 {
	w := a.cfg.HealthWeights
	return d.ErrorRate*w.ErrorRate +
		d.CostEfficiency*w.CostEfficiency +
		d.ToolSuccess*w.ToolSuccess +
		d.Latency*w.Latency +
		d.CompletionRate*w.CompletionRate
}

type windowResult struct {
	dims     models.DimensionScores
	sessions int
}

func (a *Analyzer) windowScores(ctx context.Context, tenant, agentID string, from, to time.Time) (windowResult, error) {
	page, err := a.store.ListSessions(ctx, tenant, models.SessionFilter{
		AgentID: agentID,
		From:    &from,
		To:      &to,
		Limit:   sessionScanLimit,
	})
	if err != nil {
		return windowResult{}, fmt.Errorf("failed to list sessions for scoring: %w", err)
	}
	sessions := page.Sessions
	if len(sessions) == 0 {
		return windowResult{
			dims: models.DimensionScores{
				ErrorRate: 100, CostEfficiency: 100, ToolSuccess: 100,
				Latency: 100, CompletionRate: 100,
			},
		}, nil
	}

	var (
		withErrors   int
		completed    int
		totalCost    float64
		durationSum  float64
		durationObs  int
	)
	for _, s := range sessions {
		if s.ErrorCount > 0 {
			withErrors++
		}
		if s.Status == models.SessionCompleted {
			completed++
		}
		totalCost += s.TotalCostUSD
		if s.EndedAt != nil {
			durationSum += s.EndedAt.Sub(s.StartedAt).Seconds()
			durationObs++
		}
	}

	n := float64(len(sessions))
	meanCost := totalCost / n
	meanDuration := 0.0
	if durationObs > 0 {
		meanDuration = durationSum / float64(durationObs)
	}

	toolSuccess, err := a.toolSuccessFraction(ctx, tenant, agentID, from, to)
	if err != nil {
		return windowResult{}, err
	}

	return windowResult{
		dims: models.DimensionScores{
			ErrorRate:      100 * (1 - float64(withErrors)/n),
			CostEfficiency: costEfficiencyScore(meanCost),
			ToolSuccess:    100 * toolSuccess,
			Latency:        latencyScore(meanDuration),
			CompletionRate: 100 * float64(completed) / n,
		},
		sessions: len(sessions),
	}, nil
}

// toolSuccessFraction walks the agent's tool events in order, pairing each
// tool_call with the next response or error in its session. No tool calls
// in the window counts as full success.
func (a *Analyzer) toolSuccessFraction(ctx context.Context, tenant, agentID string, from, to time.Time) (float64, error) {
	succeeded, failed := 0, 0
	pending := map[string]int{} // sessionID -> outstanding tool calls

	offset := 0
	for {
		page, err := a.store.QueryEvents(ctx, tenant, models.EventFilter{
			AgentID: agentID,
			From:    &from,
			To:      &to,
			Order:   models.OrderAsc,
			Limit:   1000,
			Offset:  offset,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to query tool events: %w", err)
		}
		for _, e := range page.Events {
			switch e.EventType {
			case models.EventToolCall:
				pending[e.SessionID]++
			case models.EventToolResponse:
				if pending[e.SessionID] > 0 {
					pending[e.SessionID]--
					succeeded++
				}
			case models.EventToolError:
				if pending[e.SessionID] > 0 {
					pending[e.SessionID]--
					failed++
				}
			}
		}
		if !page.HasMore {
			break
		}
		offset += len(page.Events)
	}

	total := succeeded + failed
	if total == 0 {
		return 1, nil
	}
	return float64(succeeded) / float64(total), nil
}

// costEfficiencyScore maps mean cost per session to 0–100:
// $0→100, $0.01→70, $0.10→0, clamped.
func costEfficiencyScore(meanCost float64) float64 {
	switch {
	case meanCost <= 0:
		return 100
	case meanCost <= 0.01:
		return 100 - 30*(meanCost/0.01)
	case meanCost <= 0.10:
		return 70 * (1 - (meanCost-0.01)/0.09)
	default:
		return 0
	}
}

// latencyScore maps mean session duration (seconds) to 0–100:
// 0s→100, 60s→50, 600s→0, clamped.
func latencyScore(meanSeconds float64) float64 {
	switch {
	case meanSeconds <= 0:
		return 100
	case meanSeconds <= 60:
		return 100 - 50*(meanSeconds/60)
	case meanSeconds <= 600:
		return 50 * (1 - (meanSeconds-60)/540)
	default:
		return 0
	}
}

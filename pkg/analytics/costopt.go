package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/models"
)

// minTierCalls is the smallest call volume for which a tier is considered at
// all; confidence grades grow from there.
const (
	minTierCalls          = 10
	mediumConfidenceCalls = 50
	highConfidenceCalls   = 100

	// successRateTolerance is how many points below the current model's
	// success rate a cheaper candidate may sit and still be recommended.
	successRateTolerance = 5.0

	// complexToolThreshold pushes a call into the complex tier regardless of
	// its token volume.
	complexToolThreshold = 3
)

// llmCall is one reconstructed LLM invocation: the call event joined with the
// response that followed it and the tool activity it triggered.
type llmCall struct {
	sessionID    string
	model        string
	inputTokens  float64
	outputTokens float64
	toolCalls    int
}

// modelTierStats aggregates the calls of one (model, tier) pair.
type modelTierStats struct {
	calls         int
	succeeded     int
	inputTokenSum float64
	outputTokSum  float64
}

func (s *modelTierStats) successRate() float64 {
	if s.calls == 0 {
		return 0
	}
	return 100 * float64(s.succeeded) / float64(s.calls)
}

// CostRecommendations analyses the agent's LLM traffic over the cost window
// and proposes cheaper models per call tier where the data supports it.
func (a *Analyzer) CostRecommendations(ctx context.Context, tenant, agentID string) ([]*models.CostRecommendation, error) {
	windowDays := a.cfg.CostWindow
	if windowDays <= 0 {
		windowDays = 30
	}
	now := a.now().UTC()
	from := now.AddDate(0, 0, -windowDays)

	calls, err := a.collectLLMCalls(ctx, tenant, agentID, from, now)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, nil
	}

	completed, err := a.completedSessions(ctx, tenant, agentID, from, now)
	if err != nil {
		return nil, err
	}

	// Aggregate per (model, tier). Every model's history in a tier is kept so
	// candidates can be judged on their own observed success rate.
	stats := map[models.CallTier]map[string]*modelTierStats{}
	for _, c := range calls {
		tier := a.classify(c)
		byModel := stats[tier]
		if byModel == nil {
			byModel = map[string]*modelTierStats{}
			stats[tier] = byModel
		}
		st := byModel[c.model]
		if st == nil {
			st = &modelTierStats{}
			byModel[c.model] = st
		}
		st.calls++
		if completed[c.sessionID] {
			st.succeeded++
		}
		st.inputTokenSum += c.inputTokens
		st.outputTokSum += c.outputTokens
	}

	var recs []*models.CostRecommendation
	for tier, byModel := range stats {
		for model, st := range byModel {
			if st.calls < minTierCalls {
				continue
			}
			currentCost, ok := a.cfg.ModelCosts[model]
			if !ok {
				continue
			}
			avgIn := st.inputTokenSum / float64(st.calls)
			avgOut := st.outputTokSum / float64(st.calls)
			currentPerCall := perCallCost(currentCost, avgIn, avgOut)

			best := a.cheapestViableCandidate(byModel, model, st.successRate(), avgIn, avgOut, currentPerCall)
			if best == nil {
				continue
			}

			monthlyCalls := float64(st.calls) * 30 / float64(windowDays)
			recs = append(recs, &models.CostRecommendation{
				AgentID:                 agentID,
				CurrentModel:            model,
				RecommendedModel:        best.model,
				Tier:                    tier,
				CallCount:               st.calls,
				CurrentSuccessRate:      st.successRate(),
				CandidateSuccessRate:    best.successRate,
				ProjectedMonthlySavings: monthlyCalls * (currentPerCall - best.perCall),
				Confidence:              confidenceFor(st.calls),
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ProjectedMonthlySavings > recs[j].ProjectedMonthlySavings
	})
	return recs, nil
}

type candidate struct {
	model       string
	perCall     float64
	successRate float64
}

// cheapestViableCandidate picks the cheapest configured model that has been
// observed in the same tenant and tier with a success rate within tolerance
// of the current model's.
func (a *Analyzer) cheapestViableCandidate(byModel map[string]*modelTierStats, current string, currentSuccess, avgIn, avgOut, currentPerCall float64) *candidate {
	var best *candidate
	for model, cost := range a.cfg.ModelCosts {
		if model == current {
			continue
		}
		perCall := perCallCost(cost, avgIn, avgOut)
		if perCall >= currentPerCall {
			continue
		}
		observed := byModel[model]
		if observed == nil || observed.calls == 0 {
			// No history for this model in the tier, so its success rate
			// cannot be compared.
			continue
		}
		if observed.successRate() < currentSuccess-successRateTolerance {
			continue
		}
		if best == nil || perCall < best.perCall {
			best = &candidate{model: model, perCall: perCall, successRate: observed.successRate()}
		}
	}
	return best
}

// perCallCost prices one call from the tier's average token volumes.
func perCallCost(c config.ModelCost, avgIn, avgOut float64) float64 {
	return avgIn/1000*c.InputPer1K + avgOut/1000*c.OutputPer1K
}

// classify assigns a call to a tier from its input size and tool fan-out.
func (a *Analyzer) classify(c llmCall) models.CallTier {
	switch {
	case int(c.inputTokens) > a.cfg.ModerateMaxInput || c.toolCalls >= complexToolThreshold:
		return models.TierComplex
	case int(c.inputTokens) <= a.cfg.SimpleMaxInput && c.toolCalls == 0:
		return models.TierSimple
	default:
		return models.TierModerate
	}
}

func confidenceFor(calls int) models.Confidence {
	switch {
	case calls >= highConfidenceCalls:
		return models.ConfidenceHigh
	case calls >= mediumConfidenceCalls:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// collectLLMCalls reconstructs the agent's LLM invocations from the event
// stream: each llm_call is joined with the llm_response that follows it in
// the same session, and tool_calls seen before the next llm_call are
// attributed to it.
func (a *Analyzer) collectLLMCalls(ctx context.Context, tenant, agentID string, from, to time.Time) ([]llmCall, error) {
	var calls []llmCall
	open := map[string]int{} // sessionID -> index into calls of the open call

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
			return nil, fmt.Errorf("failed to query llm events: %w", err)
		}
		for _, e := range page.Events {
			switch e.EventType {
			case models.EventLLMCall:
				model, _ := e.Payload["model"].(string)
				calls = append(calls, llmCall{sessionID: e.SessionID, model: model})
				open[e.SessionID] = len(calls) - 1
			case models.EventLLMResponse:
				if idx, ok := open[e.SessionID]; ok {
					if v, ok := models.NumberAt(e.Payload, "inputTokens"); ok {
						calls[idx].inputTokens = v
					}
					if v, ok := models.NumberAt(e.Payload, "outputTokens"); ok {
						calls[idx].outputTokens = v
					}
				}
			case models.EventToolCall:
				if idx, ok := open[e.SessionID]; ok {
					calls[idx].toolCalls++
				}
			}
		}
		if !page.HasMore {
			break
		}
		offset += len(page.Events)
	}

	// Calls without a model can't be priced.
	out := calls[:0]
	for _, c := range calls {
		if c.model != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// completedSessions maps sessionID -> whether it finished successfully.
func (a *Analyzer) completedSessions(ctx context.Context, tenant, agentID string, from, to time.Time) (map[string]bool, error) {
	page, err := a.store.ListSessions(ctx, tenant, models.SessionFilter{
		AgentID: agentID,
		From:    &from,
		To:      &to,
		Limit:   sessionScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for cost analysis: %w", err)
	}
	out := make(map[string]bool, len(page.Sessions))
	for _, s := range page.Sessions {
		out[s.ID] = s.Status == models.SessionCompleted
	}
	return out, nil
}

package redact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Layer orders. Layers run ascending; the numbering leaves room for custom
// layers between the built-ins.
const (
	LayerSecrets    = 100
	LayerPII        = 200
	LayerURLScrub   = 300
	LayerDeident    = 400
	LayerDenyList   = 500
	LayerReview     = 600
)

// layerOutput is what one layer reports back to the pipeline.
type layerOutput struct {
	text     string
	findings []Finding
	blocked  bool
	reason   string
	review   bool
	reviewID string
}

// layer is one step of the chain. prior carries the findings accumulated by
// earlier layers; only the review layer reads it.
type layer interface {
	order() int
	name() string
	process(ctx context.Context, text string, raw RawArtifact, prior []Finding) (layerOutput, error)
}

// DenyRule is one per-tenant deny-list entry. Regex selects between
// substring and compiled-pattern matching.
type DenyRule struct {
	Pattern string
	Regex   bool
}

// NERProvider optionally contributes extra PII spans (layer 200). Findings
// use offsets into the given text.
type NERProvider interface {
	Detect(ctx context.Context, text string) ([]Finding, error)
}

// Config assembles a pipeline.
type Config struct {
	// HostAllowlist lists hosts whose URL paths survive layer 300.
	HostAllowlist []string
	// TenantTerms are tenant-specific strings layer 400 removes.
	TenantTerms []string
	// DenyRules feed layer 500; any hit blocks the artifact.
	DenyRules []DenyRule
	// RequireReview forces every artifact through the review queue.
	RequireReview bool
	// ReviewConfidenceThreshold routes artifacts with any finding below it
	// to human review. Zero disables confidence-based review.
	ReviewConfidenceThreshold float64
	// NER optionally augments PII detection.
	NER NERProvider
}

// Pipeline folds the configured layers left-to-right over artifact text.
type Pipeline struct {
	layers []layer
	queue  *ReviewQueue
}

// NewPipeline compiles the configuration. Deny-list regex rules are
// compiled once here; a malformed pattern fails construction rather than
// every request.
func NewPipeline(cfg Config) (*Pipeline, error) {
	denyRegexps := make([]*regexp.Regexp, 0, len(cfg.DenyRules))
	denySubstrings := make([]string, 0, len(cfg.DenyRules))
	for _, rule := range cfg.DenyRules {
		if rule.Regex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("failed to compile deny rule %q: %w", rule.Pattern, err)
			}
			denyRegexps = append(denyRegexps, re)
		} else {
			denySubstrings = append(denySubstrings, rule.Pattern)
		}
	}

	queue := NewReviewQueue()
	layers := []layer{
		&secretLayer{},
		&piiLayer{ner: cfg.NER},
		&urlScrubLayer{allowlist: cfg.HostAllowlist},
		&deidentLayer{terms: cfg.TenantTerms},
		&denyListLayer{substrings: denySubstrings, patterns: denyRegexps},
		&reviewLayer{
			queue:         queue,
			requireReview: cfg.RequireReview,
			threshold:     cfg.ReviewConfidenceThreshold,
		},
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].order() < layers[j].order() })
	return &Pipeline{layers: layers, queue: queue}, nil
}

// Queue exposes the human review queue for the ops surface.
func (p *Pipeline) Queue() *ReviewQueue { return p.queue }

// Process runs the artifact through every layer in order. Deterministic:
// the same input yields the same output and findings.
func (p *Pipeline) Process(ctx context.Context, raw RawArtifact) (*Result, error) {
	text := raw.Content
	var findings []Finding

	for _, l := range p.layers {
		out, err := l.process(ctx, text, raw, findings)
		if err != nil {
			return nil, fmt.Errorf("redaction layer %s failed: %w", l.name(), err)
		}
		// Layers report order, category and span; the pipeline stamps the
		// producing layer's name and the original span length.
		for i := range out.findings {
			f := &out.findings[i]
			if f.LayerName == "" {
				f.LayerName = l.name()
			}
			if f.Length == 0 {
				f.Length = f.End - f.Start
			}
		}
		findings = append(findings, out.findings...)
		if out.blocked {
			return &Result{Status: StatusBlocked, Reason: out.reason, Layer: l.order(), Findings: findings}, nil
		}
		if out.review {
			return &Result{Status: StatusPendingReview, ReviewID: out.reviewID, Findings: findings}, nil
		}
		text = out.text
	}

	artifact := &RedactedArtifact{content: text, findings: findings}
	return &Result{
		Status:   StatusRedacted,
		Artifact: artifact,
		Content:  text,
		Findings: findings,
	}, nil
}

// dedupSpans resolves overlapping spans by keeping the highest-confidence
// one and returns the survivors in ascending start order.
func dedupSpans(spans []Finding) []Finding {
	if len(spans) == 0 {
		return nil
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Confidence > spans[j].Confidence
	})

	var kept []Finding
	for _, s := range spans {
		overlapped := false
		for i, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				if s.Confidence > k.Confidence {
					kept[i] = s
				}
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// replaceSpans rewrites the text, replacing from the highest start offset
// down so earlier offsets are not invalidated.
func replaceSpans(text string, kept []Finding) string {
	for i := len(kept) - 1; i >= 0; i-- {
		s := kept[i]
		text = text[:s.Start] + s.Replacement + text[s.End:]
	}
	return text
}

// applySpans is the common layer epilogue: dedup, replace, report.
func applySpans(text string, spans []Finding) (string, []Finding) {
	kept := dedupSpans(spans)
	return replaceSpans(text, kept), kept
}

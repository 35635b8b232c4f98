package redact

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
)

// ── Layer 100: secret detection ──────────────────────────────

// entropyThreshold and entropyMinRun tune the high-entropy scan: contiguous
// URL-safe runs of at least entropyMinRun characters with Shannon entropy
// above entropyThreshold are treated as credentials.
const (
	entropyThreshold = 4.5
	entropyMinRun    = 20
)

type secretPattern struct {
	category   string
	re         *regexp.Regexp
	confidence float64
}

var secretPatterns = []secretPattern{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0.99},
	{"aws_secret_key", regexp.MustCompile(`\baws_secret_access_key\s*[:=]\s*\S+`), 0.95},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0.99},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), 0.98},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), 0.97},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`), 0.90},
	{"pem_block", regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`), 0.99},
}

var urlSafeRun = regexp.MustCompile(`[A-Za-z0-9_-]{` + fmt.Sprint(entropyMinRun) + `,}`)

type secretLayer struct{}

func (l *secretLayer) order() int   { return LayerSecrets }
func (l *secretLayer) name() string { return "secrets" }

func (l *secretLayer) process(_ context.Context, text string, _ RawArtifact, _ []Finding) (layerOutput, error) {
	var spans []Finding
	for _, p := range secretPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Finding{
				Layer:      LayerSecrets,
				Category:   p.category,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.confidence,
			})
		}
	}
	for _, loc := range urlSafeRun.FindAllStringIndex(text, -1) {
		run := text[loc[0]:loc[1]]
		if shannonEntropy(run) > entropyThreshold {
			spans = append(spans, Finding{
				Layer:      LayerSecrets,
				Category:   "high_entropy",
				Start:      loc[0],
				End:        loc[1],
				Confidence: 0.70,
			})
		}
	}

	kept := dedupSpans(spans)
	for i := range kept {
		kept[i].Replacement = fmt.Sprintf("[SECRET_REDACTED_%d]", i+1)
	}
	return layerOutput{text: replaceSpans(text, kept), findings: kept}, nil
}

// shannonEntropy computes bits per character over s.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := map[rune]int{}
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// ── Layer 200: PII detection ─────────────────────────────────

var (
	emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRe = regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ipv4Re  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re  = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
)

type piiLayer struct {
	ner NERProvider
}

func (l *piiLayer) order() int   { return LayerPII }
func (l *piiLayer) name() string { return "pii" }

func (l *piiLayer) process(ctx context.Context, text string, _ RawArtifact, _ []Finding) (layerOutput, error) {
	var spans []Finding
	add := func(re *regexp.Regexp, category, replacement string, confidence float64) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, Finding{
				Layer: LayerPII, Category: category,
				Start: loc[0], End: loc[1],
				Confidence: confidence, Replacement: replacement,
			})
		}
	}
	add(emailRe, "email", "[EMAIL_REDACTED]", 0.95)
	add(ssnRe, "ssn", "[SSN_REDACTED]", 0.95)
	add(phoneRe, "phone", "[PHONE_REDACTED]", 0.80)
	add(ipv4Re, "ipv4", "[IP_REDACTED]", 0.85)
	add(ipv6Re, "ipv6", "[IP_REDACTED]", 0.85)

	// Card numbers only count when the digits pass the Luhn check.
	for _, loc := range cardRe.FindAllStringIndex(text, -1) {
		if luhnValid(text[loc[0]:loc[1]]) {
			spans = append(spans, Finding{
				Layer: LayerPII, Category: "credit_card",
				Start: loc[0], End: loc[1],
				Confidence: 0.90, Replacement: "[CARD_REDACTED]",
			})
		}
	}

	if l.ner != nil {
		extra, err := l.ner.Detect(ctx, text)
		if err != nil {
			return layerOutput{}, fmt.Errorf("ner provider failed: %w", err)
		}
		for _, f := range extra {
			f.Layer = LayerPII
			if f.Replacement == "" {
				f.Replacement = "[PII_REDACTED]"
			}
			spans = append(spans, f)
		}
	}

	out, kept := applySpans(text, spans)
	return layerOutput{text: out, findings: kept}, nil
}

// luhnValid runs the Luhn checksum over the digits in s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ── Layer 300: URL path scrubbing ────────────────────────────

var urlRe = regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)

type urlScrubLayer struct {
	allowlist []string
}

func (l *urlScrubLayer) order() int   { return LayerURLScrub }
func (l *urlScrubLayer) name() string { return "url_scrub" }

func (l *urlScrubLayer) allowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range l.allowlist {
		if host == strings.ToLower(a) {
			return true
		}
	}
	return false
}

func (l *urlScrubLayer) process(_ context.Context, text string, _ RawArtifact, _ []Finding) (layerOutput, error) {
	var spans []Finding
	for _, loc := range urlRe.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || l.allowed(u.Hostname()) {
			continue
		}
		if u.Path == "" && u.RawQuery == "" && u.Fragment == "" {
			continue
		}
		spans = append(spans, Finding{
			Layer: LayerURLScrub, Category: "url_path",
			Start: loc[0], End: loc[1],
			Confidence:  0.90,
			Replacement: u.Scheme + "://" + u.Host,
		})
	}
	out, kept := applySpans(text, spans)
	return layerOutput{text: out, findings: kept}, nil
}

// ── Layer 400: tenant de-identification ──────────────────────

var uuidRe = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

type deidentLayer struct {
	terms []string
}

func (l *deidentLayer) order() int   { return LayerDeident }
func (l *deidentLayer) name() string { return "deident" }

func (l *deidentLayer) process(_ context.Context, text string, raw RawArtifact, _ []Finding) (layerOutput, error) {
	var spans []Finding
	addTerm := func(term, category, replacement string) {
		if term == "" {
			return
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(term))
		if err != nil {
			return
		}
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, Finding{
				Layer: LayerDeident, Category: category,
				Start: loc[0], End: loc[1],
				Confidence: 0.99, Replacement: replacement,
			})
		}
	}
	addTerm(raw.TenantID, "tenant_id", "[TENANT]")
	addTerm(raw.AgentID, "agent_id", "[AGENT]")
	for _, term := range l.terms {
		addTerm(term, "tenant_term", "[TERM_REDACTED]")
	}
	for _, loc := range uuidRe.FindAllStringIndex(text, -1) {
		spans = append(spans, Finding{
			Layer: LayerDeident, Category: "uuid",
			Start: loc[0], End: loc[1],
			Confidence: 0.95, Replacement: "[UUID_REDACTED]",
		})
	}
	out, kept := applySpans(text, spans)
	return layerOutput{text: out, findings: kept}, nil
}

// ── Layer 500: semantic deny-list ────────────────────────────

type denyListLayer struct {
	substrings []string
	patterns   []*regexp.Regexp
}

func (l *denyListLayer) order() int   { return LayerDenyList }
func (l *denyListLayer) name() string { return "deny_list" }

func (l *denyListLayer) process(_ context.Context, text string, _ RawArtifact, _ []Finding) (layerOutput, error) {
	lower := strings.ToLower(text)
	for _, sub := range l.substrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return layerOutput{blocked: true, reason: fmt.Sprintf("deny-list match: %q", sub)}, nil
		}
	}
	for _, re := range l.patterns {
		if re.MatchString(text) {
			return layerOutput{blocked: true, reason: fmt.Sprintf("deny-list pattern match: %s", re.String())}, nil
		}
	}
	return layerOutput{text: text}, nil
}

// ── Layer 600: human review ──────────────────────────────────

type reviewLayer struct {
	queue         *ReviewQueue
	requireReview bool
	threshold     float64
}

func (l *reviewLayer) order() int   { return LayerReview }
func (l *reviewLayer) name() string { return "review" }

func (l *reviewLayer) process(_ context.Context, text string, raw RawArtifact, prior []Finding) (layerOutput, error) {
	switch {
	case l.requireReview:
		id := l.queue.Enqueue(raw.TenantID, text, "policy requires review")
		return layerOutput{review: true, reviewID: id}, nil
	case needsReview(prior, l.threshold):
		id := l.queue.Enqueue(raw.TenantID, text, "low-confidence findings")
		return layerOutput{review: true, reviewID: id}, nil
	}
	return layerOutput{text: text}, nil
}

// needsReview reports whether any finding falls below the confidence
// threshold.
func needsReview(findings []Finding, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	for _, f := range findings {
		if f.Confidence < threshold {
			return true
		}
	}
	return false
}

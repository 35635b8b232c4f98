// Package redact implements the ordered redaction pipeline that turns raw
// artifact text into a redacted artifact, a blocked verdict, or a
// pending-review token.
package redact

// RawArtifact is un-redacted material entering the pipeline, together with
// the identity context the de-identification layer needs.
type RawArtifact struct {
	Content  string
	TenantID string
	AgentID  string
}

// RedactedArtifact is the pipeline's output form. Its fields are unexported
// so a value can only be produced inside this package; code holding a
// RedactedArtifact therefore holds provably processed content.
type RedactedArtifact struct {
	content  string
	findings []Finding
}

// Content returns the redacted text.
func (a *RedactedArtifact) Content() string { return a.content }

// Findings returns what the layers detected, in layer order.
func (a *RedactedArtifact) Findings() []Finding { return a.findings }

// Finding is one detected and replaced span. Start and End are byte offsets
// into the text as it entered the finding's layer; Length is the size of the
// original matched span before replacement. Layer is the numeric order of the
// producing layer, LayerName its registered name.
type Finding struct {
	Layer       int     `json:"layer"`
	LayerName   string  `json:"layerName"`
	Category    string  `json:"category"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Length      int     `json:"length"`
	Confidence  float64 `json:"confidence"`
	Replacement string  `json:"replacement"`
}

// Status is the pipeline outcome.
type Status string

const (
	StatusRedacted      Status = "redacted"
	StatusBlocked       Status = "blocked"
	StatusPendingReview Status = "pending_review"
)

// Result is the outcome of one pipeline run.
type Result struct {
	Status   Status           `json:"status"`
	Artifact *RedactedArtifact `json:"-"`
	Content  string           `json:"content,omitempty"`
	Findings []Finding        `json:"findings,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Layer    int              `json:"layer,omitempty"`
	ReviewID string           `json:"reviewId,omitempty"`
}

package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CanonicalTimestamp renders t in the canonical wire form: UTC, RFC 3339,
// nanosecond precision with trailing zeros trimmed. Formatting a parsed
// canonical timestamp yields the same string, which keeps hashes stable
// across decode/encode round trips.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeEventHash returns the hex SHA-256 digest over the canonical JSON
// serialisation of {id, timestamp, sessionId, agentId, eventType, severity,
// payload, metadata, prevHash}. Object keys are sorted lexicographically at
// every nesting level, no insignificant whitespace is emitted, and HTML
// escaping is disabled, so the digest is reproducible byte-for-byte from any
// decoded copy of the event. TenantID and Hash itself are not covered.
func ComputeEventHash(e *Event) (string, error) {
	var prevHash any
	if e.PrevHash != nil {
		prevHash = *e.PrevHash
	}
	doc := map[string]any{
		"id":        e.ID,
		"timestamp": CanonicalTimestamp(e.Timestamp),
		"sessionId": e.SessionID,
		"agentId":   e.AgentID,
		"eventType": string(e.EventType),
		"severity":  string(e.Severity),
		"payload":   nonNilMap(e.Payload),
		"metadata":  nonNilMap(e.Metadata),
		"prevHash":  prevHash,
	}

	raw, err := CanonicalJSON(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialise event %s for hashing: %w", e.ID, err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEventHash recomputes the event's hash and reports whether it matches
// the stored one.
func VerifyEventHash(e *Event) (bool, error) {
	h, err := ComputeEventHash(e)
	if err != nil {
		return false, err
	}
	return h == e.Hash, nil
}

// CanonicalJSON serialises v with sorted object keys, compact separators and
// HTML escaping disabled. encoding/json already emits map keys in sorted
// order at every level; this wrapper removes the escaping and the trailing
// newline the Encoder adds.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// NewEventID returns a time-ordered, lexicographically sortable identifier
// (UUIDv7). Used by the gateway when a client omits the event id.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than dropping the event.
		return uuid.NewString()
	}
	return id.String()
}

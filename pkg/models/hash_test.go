package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEvent builds a minimal valid event for hash tests.
func newTestEvent(t *testing.T) *Event {
	t.Helper()
	return &Event{
		ID:        "evt-1",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		TenantID:  "default",
		SessionID: "sess-1",
		AgentID:   "agent-1",
		EventType: EventToolCall,
		Severity:  SeverityInfo,
		Payload:   map[string]any{"toolName": "search", "arguments": map[string]any{"q": "status"}},
		Metadata:  map[string]any{"source": "sdk"},
	}
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	e := newTestEvent(t)

	h1, err := ComputeEventHash(e)
	require.NoError(t, err)
	h2, err := ComputeEventHash(e)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "hashing the same event twice must be stable")
	assert.Len(t, h1, 64, "hash should be a hex SHA-256 digest")
}

func TestComputeEventHash_KeyOrderIndependent(t *testing.T) {
	a := newTestEvent(t)
	a.Payload = map[string]any{"toolName": "search", "arguments": map[string]any{"q": "x", "limit": float64(3)}}

	b := newTestEvent(t)
	b.Payload = map[string]any{}
	b.Payload["arguments"] = map[string]any{"limit": float64(3), "q": "x"}
	b.Payload["toolName"] = "search"

	ha, err := ComputeEventHash(a)
	require.NoError(t, err)
	hb, err := ComputeEventHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "map insertion order must not affect the hash")
}

func TestComputeEventHash_PrevHashDistinguishesNull(t *testing.T) {
	first := newTestEvent(t)
	require.Nil(t, first.PrevHash)

	h1, err := ComputeEventHash(first)
	require.NoError(t, err)

	linked := newTestEvent(t)
	prev := h1
	linked.PrevHash = &prev

	h2, err := ComputeEventHash(linked)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "prevHash must be part of the digest")
}

func TestComputeEventHash_RoundTripThroughJSON(t *testing.T) {
	e := newTestEvent(t)
	hash, err := ComputeEventHash(e)
	require.NoError(t, err)
	e.Hash = hash

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	recomputed, err := ComputeEventHash(&decoded)
	require.NoError(t, err)
	assert.Equal(t, e.Hash, recomputed, "hash must survive a JSON encode/decode round trip")
}

func TestComputeEventHash_TimestampZoneNormalised(t *testing.T) {
	utc := newTestEvent(t)

	zoned := newTestEvent(t)
	loc := time.FixedZone("CET", 3600)
	zoned.Timestamp = utc.Timestamp.In(loc)

	h1, err := ComputeEventHash(utc)
	require.NoError(t, err)
	h2, err := ComputeEventHash(zoned)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "the same instant in different zones must hash identically")
}

func TestCanonicalJSON_SortsNestedKeys(t *testing.T) {
	raw, err := CanonicalJSON(map[string]any{
		"b": float64(1),
		"a": map[string]any{"z": true, "y": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"v","z":true},"b":1}`, string(raw))
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	raw, err := CanonicalJSON(map[string]any{"url": "https://example.com/a?b=1&c=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://example.com/a?b=1&c=<2>"}`, string(raw))
}

func TestCanonicalTimestamp(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "whole seconds drop the fraction",
			in:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			want: "2026-01-02T03:04:05Z",
		},
		{
			name: "trailing zeros trimmed",
			in:   time.Date(2026, 1, 2, 3, 4, 5, 120000000, time.UTC),
			want: "2026-01-02T03:04:05.12Z",
		},
		{
			name: "zoned times convert to UTC",
			in:   time.Date(2026, 1, 2, 3, 4, 5, 0, loc),
			want: "2026-01-02T11:04:05Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalTimestamp(tt.in))

			parsed, err := time.Parse(time.RFC3339Nano, tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.want, CanonicalTimestamp(parsed), "formatting must be idempotent")
		})
	}
}

func TestVerifyEventHash(t *testing.T) {
	e := newTestEvent(t)
	h, err := ComputeEventHash(e)
	require.NoError(t, err)
	e.Hash = h

	ok, err := VerifyEventHash(e)
	require.NoError(t, err)
	assert.True(t, ok)

	e.Payload["toolName"] = "tampered"
	ok, err = VerifyEventHash(e)
	require.NoError(t, err)
	assert.False(t, ok, "mutating the payload must invalidate the hash")
}

func TestNewEventID_TimeOrdered(t *testing.T) {
	first := NewEventID()
	time.Sleep(2 * time.Millisecond)
	second := NewEventID()

	assert.NotEqual(t, first, second)
	assert.Less(t, first, second, "ids generated later must sort later")
}

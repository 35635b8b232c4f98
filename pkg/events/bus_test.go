package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/models"
)

func testEvent(tenant, session, agent string, typ models.EventType) *models.Event {
	return &models.Event{
		ID:        models.NewEventID(),
		Timestamp: time.Now().UTC(),
		TenantID:  tenant,
		SessionID: session,
		AgentID:   agent,
		EventType: typ,
		Severity:  models.SeverityInfo,
	}
}

func receiveOne(t *testing.T, sub *Subscription) *models.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(8)
	all := bus.Subscribe(Filter{Tenant: "acme"})
	session := bus.Subscribe(Filter{Tenant: "acme", SessionID: "s1"})
	typed := bus.Subscribe(Filter{Tenant: "acme", Types: []models.EventType{models.EventToolCall}})
	defer bus.Unsubscribe(all)
	defer bus.Unsubscribe(session)
	defer bus.Unsubscribe(typed)

	e := testEvent("acme", "s1", "a1", models.EventCustom)
	bus.Publish(e)

	assert.Equal(t, e.ID, receiveOne(t, all).ID)
	assert.Equal(t, e.ID, receiveOne(t, session).ID)
	select {
	case got := <-typed.Events():
		t.Fatalf("type-filtered subscriber received %s", got.EventType)
	default:
	}

	tc := testEvent("acme", "s2", "a1", models.EventToolCall)
	bus.Publish(tc)
	assert.Equal(t, tc.ID, receiveOne(t, typed).ID)
	// Session-filtered subscriber skips events from other sessions.
	select {
	case <-session.Events():
		t.Fatal("session-filtered subscriber received a foreign session event")
	default:
	}
}

func TestBusTenantIsolation(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe(Filter{Tenant: "acme"})
	defer bus.Unsubscribe(sub)

	bus.Publish(testEvent("globex", "s1", "a1", models.EventCustom))
	select {
	case <-sub.Events():
		t.Fatal("subscriber received another tenant's event")
	default:
	}
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(2)
	slow := bus.Subscribe(Filter{Tenant: "acme"})
	defer bus.Unsubscribe(slow)

	for i := 0; i < 5; i++ {
		bus.Publish(testEvent("acme", "s", "a", models.EventCustom))
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(3), bus.DroppedTotal())

	// The buffered events are still deliverable.
	require.NotNil(t, receiveOne(t, slow))
	require.NotNil(t, receiveOne(t, slow))
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(Filter{Tenant: "acme"})
	bus.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())

	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	e := testEvent("acme", "s1", "a1", models.EventToolCall)
	payload, err := EncodeEnvelope("replica-1", e)
	require.NoError(t, err)
	assert.Contains(t, payload, `"origin":"replica-1"`)
	assert.Contains(t, payload, e.ID)
}

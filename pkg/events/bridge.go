package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// NotifyChannel is the PostgreSQL channel every replica announces appended
// events on.
const NotifyChannel = "agentlens_events"

// Envelope is the NOTIFY payload. It carries identifiers only; the receiving
// replica re-reads the event from storage, so a lost or truncated
// notification can never corrupt a stream, only delay it.
type Envelope struct {
	Origin    string `json:"origin"`
	TenantID  string `json:"tenantId"`
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId"`
	EventType string `json:"eventType"`
}

// EncodeEnvelope serialises the announcement for one appended event.
func EncodeEnvelope(origin string, e *models.Event) (string, error) {
	raw, err := json.Marshal(Envelope{
		Origin:    origin,
		TenantID:  e.TenantID,
		EventID:   e.ID,
		SessionID: e.SessionID,
		EventType: string(e.EventType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode notify envelope: %w", err)
	}
	return string(raw), nil
}

// Bridge connects the local bus to the other replicas through LISTEN/NOTIFY.
// It holds one dedicated connection; the receive loop is the sole goroutine
// touching it. Replicas identify themselves by origin so a replica never
// re-publishes its own announcements.
type Bridge struct {
	connString string
	origin     string
	bus        *Bus
	store      storage.EventStore

	conn   *pgx.Conn
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewBridge creates a bridge for this replica. origin must be unique across
// replicas (the replica id from configuration).
func NewBridge(connString, origin string, bus *Bus, store storage.EventStore) *Bridge {
	return &Bridge{
		connString: connString,
		origin:     origin,
		bus:        bus,
		store:      store,
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (b *Bridge) Start(ctx context.Context) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelLoop = cancel
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		b.receiveLoop(loopCtx)
	}()

	slog.Info("stream bridge started", "channel", NotifyChannel, "origin", b.origin)
	return nil
}

func (b *Bridge) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// receiveLoop waits for notifications and republishes foreign events on the
// local bus. Connection failures trigger exponential-backoff reconnects.
func (b *Bridge) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()

		if conn == nil {
			b.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			b.reconnect(ctx)
			continue
		}

		b.dispatch(ctx, notification.Payload)
	}
}

// dispatch decodes an announcement, skips our own, loads the durable event
// and publishes it locally.
func (b *Bridge) dispatch(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("discarding malformed notify payload", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	event, err := b.store.GetEvent(loadCtx, env.TenantID, env.EventID)
	if err != nil {
		slog.Warn("failed to load announced event",
			"tenant", env.TenantID, "event", env.EventID, "error", err)
		return
	}
	b.bus.Publish(event)
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (b *Bridge) reconnect(ctx context.Context) {
	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
	b.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := b.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()
		slog.Info("stream bridge reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (b *Bridge) Stop(ctx context.Context) {
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	if b.loopDone != nil {
		<-b.loopDone
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/models"
)

const defaultHeartbeat = 30 * time.Second

// streamHandler handles GET /api/stream: a server-sent-event stream of the
// tenant's events as they commit, filtered by optional sessionId, agentId and
// eventTypes parameters. Heartbeat frames keep idle connections open through
// proxies and give clients a liveness signal to watch for.
func (s *Server) streamHandler(c *echo.Context) error {
	filter := events.Filter{
		Tenant:    tenantOf(c),
		SessionID: c.QueryParam("sessionId"),
		AgentID:   c.QueryParam("agentId"),
	}
	if v := c.QueryParam("eventTypes"); v != "" {
		for _, t := range strings.Split(v, ",") {
			et := models.EventType(t)
			if !et.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid event type: "+t)
			}
			filter.Types = append(filter.Types, et)
		}
	}

	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)
	s.metrics.SSEConnected()
	defer s.metrics.SSEDisconnected()

	fmt.Fprint(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	heartbeat := s.cfg.HeartbeatEvery
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to marshal stream event", "event", event.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}

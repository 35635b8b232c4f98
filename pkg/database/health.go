package database

import (
	"context"
	"time"
)

// PoolHealth reports backend connectivity together with connection pool
// pressure. Logged at startup and available to operational tooling.
type PoolHealth struct {
	Healthy      bool  `json:"healthy"`
	LatencyMS    int64 `json:"latency_ms"`
	Open         int   `json:"open_connections"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	WaitCount    int64 `json:"wait_count"`
	WaitMS       int64 `json:"wait_ms"`
	MaxOpenConns int   `json:"max_open_conns"`
}

// Health pings the backend and samples pool statistics. A ping failure still
// returns the populated status alongside the error.
func (c *Client) Health(ctx context.Context) (*PoolHealth, error) {
	start := time.Now()
	err := c.db.PingContext(ctx)
	stats := c.db.Stats()

	return &PoolHealth{
		Healthy:      err == nil,
		LatencyMS:    time.Since(start).Milliseconds(),
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitMS:       stats.WaitDuration.Milliseconds(),
		MaxOpenConns: stats.MaxOpenConnections,
	}, err
}

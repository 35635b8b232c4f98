// Package retention enforces per-tenant data retention: a daily purge of
// expired events, partition drops where the backend supports them, and
// approaching-expiry warnings.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/metrics"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// Purger runs the retention policy once a day at the configured UTC time.
// All operations are idempotent and safe to run from multiple replicas.
type Purger struct {
	store   storage.Store
	cfg     config.RetentionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPurger wires the purger; it does not start it.
func NewPurger(store storage.Store, cfg config.RetentionConfig, logger *slog.Logger) *Purger {
	return &Purger{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
}

// SetMetrics attaches deletion instrumentation; nil is fine.
func (p *Purger) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Start launches the daily loop. The passed context scopes startup only; use
// Stop for shutdown.
func (p *Purger) Start(ctx context.Context) error {
	if p.cancel != nil {
		return nil
	}
	runAt, err := config.ParseRunAt(p.cfg.RunAt)
	if err != nil {
		return fmt.Errorf("invalid retention run time: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, runAt)

	p.logger.Info("retention purger started",
		"run_at", p.cfg.RunAt,
		"default_days", p.cfg.DefaultDays)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (p *Purger) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("retention purger stopped")
}

func (p *Purger) run(ctx context.Context, runAt time.Duration) {
	defer close(p.done)
	for {
		timer := time.NewTimer(p.untilNextRun(runAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.RunOnce(ctx)
		}
	}
}

// untilNextRun returns the wait until the next daily run time, always in the
// future so a just-finished run does not repeat.
func (p *Purger) untilNextRun(runAt time.Duration) time.Duration {
	now := p.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(runAt)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// RunOnce applies retention to every tenant, then drops whole expired
// partitions on backends that support it. Per-tenant failures are logged and
// isolated.
func (p *Purger) RunOnce(ctx context.Context) {
	tenants, err := p.store.Admin().ListTenants(ctx)
	if err != nil {
		p.logger.Error("failed to list tenants for retention", "error", err)
		return
	}

	// Partitions are shared across tenants, so dropping one is only safe
	// when every tenant has a finite window folded into the cutoff and
	// purged cleanly this pass. A keep-forever tenant (days <= 0) or a
	// failed purge suppresses the drop entirely.
	maxDays := 0
	dropSafe := true
	var totalDeleted int64
	for _, tenant := range tenants {
		if days := p.EffectiveRetentionDays(tenant); days <= 0 {
			dropSafe = false
		} else if days > maxDays {
			maxDays = days
		}
		result, err := p.purgeTenant(ctx, tenant)
		if err != nil {
			p.logger.Error("tenant purge failed", "tenant", tenant, "error", err)
			dropSafe = false
			continue
		}
		if result.Skipped {
			continue
		}
		totalDeleted += result.DeletedCount
		if result.DeletedCount > 0 {
			p.logger.Info("retention purge completed", "tenant", tenant, "deleted", result.DeletedCount)
		}
	}

	// Whole partitions older than every tenant's window can go as a unit,
	// which is far cheaper than row deletes.
	if dropSafe && maxDays > 0 && p.store.Capabilities().Partitions {
		cutoff := p.now().UTC().AddDate(0, 0, -maxDays)
		dropped, err := p.store.Admin().DropExpiredPartitions(ctx, cutoff)
		if err != nil {
			p.logger.Error("partition drop failed", "error", err)
		} else if len(dropped) > 0 {
			p.logger.Info("dropped expired partitions", "partitions", dropped)
		}
	}

	if totalDeleted > 0 {
		p.metrics.RetentionDeleted(totalDeleted)
		p.logger.Info("retention pass finished", "tenants", len(tenants), "deleted", totalDeleted)
	}
}

// purgeTenant applies the tenant's effective window and logs an
// approaching-expiry warning when events are close to the cutoff.
func (p *Purger) purgeTenant(ctx context.Context, tenant string) (*models.RetentionResult, error) {
	days := p.EffectiveRetentionDays(tenant)
	if days <= 0 {
		return &models.RetentionResult{Skipped: true}, nil
	}
	now := p.now().UTC()
	cutoff := now.AddDate(0, 0, -days)

	if p.cfg.WarnLeadDays > 0 {
		warnCutoff := cutoff.AddDate(0, 0, p.cfg.WarnLeadDays)
		expiring, err := p.store.CountEventsBefore(ctx, tenant, warnCutoff)
		if err != nil {
			p.logger.Error("expiry count failed", "tenant", tenant, "error", err)
		} else if expiring > 0 {
			p.logger.Warn("events approaching retention expiry",
				"tenant", tenant, "count", expiring, "within_days", p.cfg.WarnLeadDays)
		}
	}

	return p.store.ApplyRetention(ctx, tenant, cutoff)
}

// EffectiveRetentionDays resolves a tenant's window: explicit override wins,
// then the plan tier's window, then the global default. Zero or negative
// disables retention for the tenant.
func (p *Purger) EffectiveRetentionDays(tenant string) int {
	if days, ok := p.cfg.TenantOverrideDays[tenant]; ok {
		return days
	}
	if tier, ok := p.cfg.TenantTiers[tenant]; ok {
		if days, ok := p.cfg.TierDays[tier]; ok {
			return days
		}
	}
	return p.cfg.DefaultDays
}

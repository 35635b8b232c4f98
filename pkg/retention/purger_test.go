package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	client, err := database.NewSQLiteClient(context.Background(), filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	store := storage.NewEmbeddedStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPurger(store storage.Store, cfg config.RetentionConfig) *Purger {
	return NewPurger(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func insertAt(t *testing.T, store storage.Store, tenant, session string, ts time.Time, n int) {
	t.Helper()
	ts = ts.UTC().Truncate(time.Microsecond)
	prev, err := store.GetSessionTailHash(context.Background(), tenant, session)
	require.NoError(t, err)
	batch := make([]*models.Event, 0, n)
	for i := 0; i < n; i++ {
		e := &models.Event{
			ID:        models.NewEventID(),
			Timestamp: ts.Add(time.Duration(i) * time.Second),
			SessionID: session,
			AgentID:   "agent-1",
			EventType: models.EventCustom,
			Severity:  models.SeverityInfo,
			Payload:   map[string]any{"name": "tick"},
			PrevHash:  prev,
		}
		h, err := models.ComputeEventHash(e)
		require.NoError(t, err)
		e.Hash = h
		prev = &e.Hash
		batch = append(batch, e)
	}
	_, err = store.InsertEvents(context.Background(), tenant, batch)
	require.NoError(t, err)
}

// partitionedStub reports partition support on top of the embedded store and
// records drop requests. failTenant makes that tenant's purge error.
type partitionedStub struct {
	storage.Store
	failTenant string

	dropCalled bool
	dropCutoff time.Time
}

func (s *partitionedStub) Capabilities() storage.Capabilities {
	caps := s.Store.Capabilities()
	caps.Partitions = true
	return caps
}

func (s *partitionedStub) ApplyRetention(ctx context.Context, tenant string, cutoff time.Time) (*models.RetentionResult, error) {
	if tenant == s.failTenant {
		return nil, errors.New("purge failed")
	}
	return s.Store.ApplyRetention(ctx, tenant, cutoff)
}

func (s *partitionedStub) Admin() storage.AdminStore {
	return &adminStub{AdminStore: s.Store.Admin(), stub: s}
}

type adminStub struct {
	storage.AdminStore
	stub *partitionedStub
}

func (a *adminStub) DropExpiredPartitions(ctx context.Context, cutoff time.Time) ([]string, error) {
	a.stub.dropCalled = true
	a.stub.dropCutoff = cutoff
	return nil, nil
}

func TestEffectiveRetentionDays(t *testing.T) {
	p := newPurger(nil, config.RetentionConfig{
		DefaultDays:        30,
		TierDays:           map[string]int{"free": 7, "enterprise": 365},
		TenantTiers:        map[string]string{"acme": "enterprise", "hobby": "free"},
		TenantOverrideDays: map[string]int{"special": 90, "keep-forever": 0},
	})

	assert.Equal(t, 365, p.EffectiveRetentionDays("acme"))
	assert.Equal(t, 7, p.EffectiveRetentionDays("hobby"))
	assert.Equal(t, 90, p.EffectiveRetentionDays("special"))
	assert.Equal(t, 0, p.EffectiveRetentionDays("keep-forever"))
	assert.Equal(t, 30, p.EffectiveRetentionDays("unknown"))
}

func TestRunOncePurgesExpiredEvents(t *testing.T) {
	store := newTestStore(t)
	p := newPurger(store, config.RetentionConfig{
		Enabled:     true,
		DefaultDays: 7,
		RunAt:       "03:00",
	})

	insertAt(t, store, storage.DefaultTenant, "old-sess", time.Now().UTC().AddDate(0, 0, -30), 3)
	insertAt(t, store, storage.DefaultTenant, "new-sess", time.Now().UTC().Add(-time.Hour), 2)

	p.RunOnce(context.Background())

	_, err := store.GetSession(context.Background(), storage.DefaultTenant, "old-sess")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	remaining, err := store.GetSessionEvents(context.Background(), storage.DefaultTenant, "new-sess")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestRunOnceSkipsDisabledTenant(t *testing.T) {
	store := newTestStore(t)
	p := newPurger(store, config.RetentionConfig{
		Enabled:            true,
		DefaultDays:        7,
		TenantOverrideDays: map[string]int{storage.DefaultTenant: 0},
		RunAt:              "03:00",
	})

	insertAt(t, store, storage.DefaultTenant, "ancient", time.Now().UTC().AddDate(0, 0, -400), 2)

	p.RunOnce(context.Background())

	events, err := store.GetSessionEvents(context.Background(), storage.DefaultTenant, "ancient")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRunOnceDropsPartitionsAtMaxWindow(t *testing.T) {
	store := &partitionedStub{Store: newTestStore(t)}
	p := newPurger(store, config.RetentionConfig{
		Enabled:            true,
		DefaultDays:        7,
		TenantOverrideDays: map[string]int{"acme": 30},
		RunAt:              "03:00",
	})

	insertAt(t, store, "acme", "s1", time.Now().UTC().Add(-time.Hour), 1)
	insertAt(t, store, "hobby", "s1", time.Now().UTC().Add(-time.Hour), 1)

	p.RunOnce(context.Background())

	require.True(t, store.dropCalled)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), store.dropCutoff, time.Minute)
}

func TestRunOnceNeverDropsPartitionsWithKeepForeverTenant(t *testing.T) {
	store := &partitionedStub{Store: newTestStore(t)}
	p := newPurger(store, config.RetentionConfig{
		Enabled:            true,
		DefaultDays:        7,
		TenantOverrideDays: map[string]int{"keep-forever": 0},
		RunAt:              "03:00",
	})

	insertAt(t, store, "hobby", "s1", time.Now().UTC().Add(-time.Hour), 1)
	insertAt(t, store, "keep-forever", "s1", time.Now().UTC().AddDate(0, 0, -400), 2)

	p.RunOnce(context.Background())

	// A tenant that keeps data forever shares partitions with everyone
	// else; no partition may be dropped on its behalf or anyone's.
	assert.False(t, store.dropCalled)

	events, err := store.GetSessionEvents(context.Background(), "keep-forever", "s1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRunOnceSkipsPartitionDropAfterPurgeFailure(t *testing.T) {
	store := &partitionedStub{Store: newTestStore(t), failTenant: "flaky"}
	p := newPurger(store, config.RetentionConfig{
		Enabled:     true,
		DefaultDays: 7,
		RunAt:       "03:00",
	})

	insertAt(t, store, "hobby", "s1", time.Now().UTC().Add(-time.Hour), 1)
	insertAt(t, store, "flaky", "s1", time.Now().UTC().Add(-time.Hour), 1)

	p.RunOnce(context.Background())

	assert.False(t, store.dropCalled)
}

func TestPurgeTenantSkippedResult(t *testing.T) {
	store := newTestStore(t)
	p := newPurger(store, config.RetentionConfig{
		DefaultDays:        30,
		TenantOverrideDays: map[string]int{"frozen": -1},
	})

	res, err := p.purgeTenant(context.Background(), "frozen")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.DeletedCount)
}

func TestUntilNextRun(t *testing.T) {
	p := newPurger(nil, config.RetentionConfig{RunAt: "03:00"})
	runAt, err := config.ParseRunAt("03:00")
	require.NoError(t, err)

	p.now = func() time.Time {
		return time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC)
	}
	assert.Equal(t, 2*time.Hour, p.untilNextRun(runAt))

	// At or past the run time, the next run is tomorrow.
	p.now = func() time.Time {
		return time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	}
	assert.Equal(t, 24*time.Hour, p.untilNextRun(runAt))
}

func TestStartRejectsBadRunAt(t *testing.T) {
	p := newPurger(newTestStore(t), config.RetentionConfig{RunAt: "25:99"})
	assert.Error(t, p.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	p := newPurger(newTestStore(t), config.RetentionConfig{DefaultDays: 30, RunAt: "03:00"})
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
}

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/infrastructure/persistence"
)

func newTestMigrator(t *testing.T) (*Migrator, *Manager, *memTier, *memTier, *memTier) {
	t.Helper()
	m, hot, warm, cold := newTestManager(t)
	g := NewMigrator(m, testStorageConfig(), nil, zap.NewNop())
	return g, m, hot, warm, cold
}

func TestMigrationMovesAgedEntries(t *testing.T) {
	g, _, hot, warm, cold := newTestMigrator(t)
	now := time.Now().UTC()
	g.now = func() time.Time { return now }

	ctx := context.Background()
	// Fresh entry stays hot; aged entry moves to warm; ancient entry placed in
	// warm moves to cold.
	require.NoError(t, hot.Store(ctx, storageEntry("fresh", now.Add(-time.Hour))))
	require.NoError(t, hot.Store(ctx, storageEntry("aged", now.Add(-8*24*time.Hour))))
	require.NoError(t, warm.Store(ctx, storageEntry("ancient", now.Add(-40*24*time.Hour))))

	require.NoError(t, g.RunOnce(ctx))

	assert.Equal(t, 1, hot.count())
	assert.Equal(t, 1, warm.count())
	assert.Equal(t, 1, cold.count())

	// The migrated entry carries its new tier stamp.
	q := &query.Query{TimeRange: query.TimeRange{
		From: now.Add(-9 * 24 * time.Hour),
		To:   now.Add(-7 * 24 * time.Hour),
	}}
	res, err := warm.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, persistence.TierWarm, res.Logs[0].Storage.Tier)
}

func TestMigrationIsIdempotent(t *testing.T) {
	g, _, hot, warm, cold := newTestMigrator(t)
	now := time.Now().UTC()
	g.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, hot.Store(ctx, storageEntry("aged", now.Add(-8*24*time.Hour))))

	require.NoError(t, g.RunOnce(ctx))
	require.NoError(t, g.RunOnce(ctx))

	assert.Equal(t, 0, hot.count())
	assert.Equal(t, 1, warm.count())
	assert.Equal(t, 0, cold.count())
}

func TestMigrationChunksToBatchSize(t *testing.T) {
	g, _, hot, warm, _ := newTestMigrator(t)
	now := time.Now().UTC()
	g.now = func() time.Time { return now }
	g.cfg.MigrationBatch = 10

	ctx := context.Background()
	for i := 0; i < 35; i++ {
		require.NoError(t, hot.Store(ctx,
			storageEntry(fmt.Sprintf("aged-%02d", i), now.Add(-8*24*time.Hour).Add(time.Duration(i)*time.Second))))
	}

	require.NoError(t, g.RunOnce(ctx))
	assert.Equal(t, 0, hot.count())
	assert.Equal(t, 35, warm.count())
}

func TestMigrationStopsOnDestinationFailure(t *testing.T) {
	g, _, hot, warm, _ := newTestMigrator(t)
	now := time.Now().UTC()
	g.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, hot.Store(ctx, storageEntry("aged", now.Add(-8*24*time.Hour))))
	warm.setFailing(true)

	require.Error(t, g.RunOnce(ctx))
	// The source keeps the entry: delete never runs before a successful
	// destination write.
	assert.Equal(t, 1, hot.count())
}

func TestMigratorStartStop(t *testing.T) {
	g, _, _, _, _ := newTestMigrator(t)
	g.SetInterval(time.Hour) // never fires during the test
	g.Start()
	g.Stop()
}

type retentionTier struct {
	*memTier
	enforced []time.Time
}

func (r *retentionTier) EnforceRetention(ctx context.Context, cutoff time.Time) (int, error) {
	r.enforced = append(r.enforced, cutoff)
	return 1, nil
}

func TestRetentionEnforcementRunsForWarm(t *testing.T) {
	m := NewManager(testStorageConfig(), testBreakerConfig(), nil, zap.NewNop())
	hot := newMemTier(persistence.TierHot)
	warm := &retentionTier{memTier: newMemTier(persistence.TierWarm)}
	cold := newMemTier(persistence.TierCold)
	require.NoError(t, m.Register(hot))
	require.NoError(t, m.Register(warm))
	require.NoError(t, m.Register(cold))
	m.Seal()

	g := NewMigrator(m, testStorageConfig(), nil, zap.NewNop())
	now := time.Now().UTC()
	g.now = func() time.Time { return now }

	require.NoError(t, g.RunOnce(context.Background()))
	require.Len(t, warm.enforced, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), warm.enforced[0])
}

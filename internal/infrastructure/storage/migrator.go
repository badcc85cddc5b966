package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/persistence"
	"heimdall-backend/internal/observability"
)

// Migrator periodically moves entries past their tier's retention into the
// next colder tier. Each chunk is read, written to the destination, then
// deleted from the source; destination writes are keyed on entry identity, so
// re-running over an already-migrated range is a no-op.
type Migrator struct {
	manager  *Manager
	cfg      config.StorageConfig
	logger   *zap.Logger
	metrics  *observability.Collector
	now      func() time.Time
	interval atomic64Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// atomic64Duration lets the config watcher retune the interval while the
// migrator loop is running.
type atomic64Duration struct {
	mu sync.Mutex
	d  time.Duration
}

func (a *atomic64Duration) get() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.d
}

func (a *atomic64Duration) set(d time.Duration) {
	a.mu.Lock()
	a.d = d
	a.mu.Unlock()
}

// NewMigrator creates the lifecycle migrator. Call Start to begin the loop.
func NewMigrator(manager *Manager, cfg config.StorageConfig, metrics *observability.Collector, logger *zap.Logger) *Migrator {
	g := &Migrator{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	g.interval.set(cfg.MigrationInterval)
	return g
}

// SetInterval retunes the migration cadence. Takes effect after the current
// sleep completes.
func (g *Migrator) SetInterval(d time.Duration) {
	if d > 0 {
		g.interval.set(d)
	}
}

// Start launches the migration loop.
func (g *Migrator) Start() {
	g.wg.Add(1)
	go g.loop()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (g *Migrator) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Migrator) loop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case <-time.After(g.interval.get()):
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				select {
				case <-g.stopCh:
					cancel()
				case <-done:
				}
			}()
			if err := g.RunOnce(ctx); err != nil {
				g.logger.Error("migration pass failed", zap.Error(err))
			}
			close(done)
			cancel()
		}
	}
}

// RunOnce executes one full migration pass: hot to warm, then warm to cold,
// then retention enforcement on tiers that expire data wholesale.
func (g *Migrator) RunOnce(ctx context.Context) error {
	now := g.now()

	moved, err := g.migrate(ctx, persistence.TierHot, persistence.TierWarm, now.Add(-g.cfg.HotRetention))
	if err != nil {
		return err
	}
	if moved > 0 {
		g.logger.Info("migrated entries hot to warm", zap.Int("entries", moved))
	}

	moved, err = g.migrate(ctx, persistence.TierWarm, persistence.TierCold, now.Add(-g.cfg.WarmRetention))
	if err != nil {
		return err
	}
	if moved > 0 {
		g.logger.Info("migrated entries warm to cold", zap.Int("entries", moved))
	}

	g.enforceRetention(ctx, now)
	return nil
}

// migrate drains entries older than cutoff from the source tier in chunks.
func (g *Migrator) migrate(ctx context.Context, from, to string, cutoff time.Time) (int, error) {
	src, srcBreaker, err := g.manager.tier(from)
	if err != nil {
		return 0, err
	}
	dst, dstBreaker, err := g.manager.tier(to)
	if err != nil {
		return 0, err
	}

	moved := 0
	for {
		if err := ctx.Err(); err != nil {
			return moved, errors.Timeout(errors.CodeMigrationFailed, "migration pass canceled").
				WithOperation("migrator.migrate").WithCause(err).Build()
		}

		var batch []*logentry.Entry
		err := srcBreaker.Execute(ctx, func(ctx context.Context) error {
			var rerr error
			batch, rerr = src.ReadBefore(ctx, cutoff, g.cfg.MigrationBatch)
			return rerr
		})
		if err != nil {
			return moved, errors.Wrap(err, "migrator.migrate", "failed to read migration batch from "+from)
		}
		if len(batch) == 0 {
			return moved, nil
		}

		for _, e := range batch {
			e.Storage.Tier = to
			e.Storage.Compressed = to == persistence.TierCold
		}

		if err := dstBreaker.Execute(ctx, func(ctx context.Context) error {
			return dst.StoreBatch(ctx, batch)
		}); err != nil {
			return moved, errors.Wrap(err, "migrator.migrate", "failed to write migration batch to "+to)
		}

		// Delete only after the destination write succeeded. A crash between
		// the two leaves duplicates, which the warmest-wins merge hides and
		// the next pass removes.
		if err := srcBreaker.Execute(ctx, func(ctx context.Context) error {
			return src.Delete(ctx, batch)
		}); err != nil {
			return moved, errors.Wrap(err, "migrator.migrate", "failed to delete migrated batch from "+from)
		}

		moved += len(batch)
		if g.metrics != nil {
			g.metrics.MigratedTotal.WithLabelValues(from, to).Add(float64(len(batch)))
		}
		if len(batch) < g.cfg.MigrationBatch {
			return moved, nil
		}
	}
}

// enforceRetention lets tiers expire data wholesale (partition drops, object
// deletes). Failures log and continue: retention catches up on the next pass.
func (g *Migrator) enforceRetention(ctx context.Context, now time.Time) {
	cutoffs := map[string]time.Time{
		persistence.TierWarm: now.Add(-g.cfg.WarmRetention),
	}
	for name, cutoff := range cutoffs {
		adapter, _, err := g.manager.tier(name)
		if err != nil {
			continue
		}
		enforcer, ok := adapter.(persistence.RetentionEnforcer)
		if !ok {
			continue
		}
		removed, err := enforcer.EnforceRetention(ctx, cutoff)
		if err != nil {
			g.logger.Warn("retention enforcement failed",
				zap.String("tier", name), zap.Error(err))
			continue
		}
		if removed > 0 {
			g.logger.Info("retention enforcement removed expired data",
				zap.String("tier", name), zap.Int("removed", removed))
		}
	}
}

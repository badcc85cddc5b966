// Package ingestion implements the write path: validate, enrich, batch, and
// fan out to storage, the message bus, and live subscriptions. Backpressure is
// blocking: a full buffer stalls producers, it never drops entries.
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/resilience"
	"heimdall-backend/internal/ml"
	"heimdall-backend/internal/observability"
)

// Store is the storage manager surface the pipeline writes to.
type Store interface {
	StoreBatch(ctx context.Context, entries []*logentry.Entry) error
}

// Bus publishes ingested entries to downstream consumers. Optional.
type Bus interface {
	Publish(ctx context.Context, entries []*logentry.Entry) error
}

// Dispatcher delivers ingested entries to live subscriptions. Optional.
type Dispatcher interface {
	Dispatch(entries []*logentry.Entry)
}

// Invalidator drops cached query results whose tags intersect a write.
type Invalidator interface {
	InvalidateByTags(tags []string) int
}

// EntryError reports why one entry of a batch was rejected.
type EntryError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of a batch submission. PartialSuccess is set when a
// batch had both accepted and rejected entries.
type Result struct {
	Accepted       int          `json:"accepted"`
	Failed         int          `json:"failed"`
	PartialSuccess bool         `json:"partialSuccess,omitempty"`
	Errors         []EntryError `json:"errors,omitempty"`
}

// Pipeline is the ingestion engine. Producers block on the buffer when it is
// full; the flusher drains it in batches on size or interval.
type Pipeline struct {
	cfg         config.IngestionConfig
	store       Store
	bus         Bus
	dispatcher  Dispatcher
	invalidator Invalidator
	enricher    ml.Enricher
	logger      *zap.Logger
	metrics     *observability.Collector
	now         func() time.Time

	storeBreaker *resilience.Breaker
	busBreaker   *resilience.Breaker

	buffer     chan *logentry.Entry
	deadLetter chan []*logentry.Entry

	mu      sync.Mutex
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Bus         Bus
	Dispatcher  Dispatcher
	Invalidator Invalidator
	Enricher    ml.Enricher
}

// New creates the pipeline. Call Start to begin flushing.
func New(cfg config.IngestionConfig, breakerCfg config.BreakerConfig, store Store, opts Options, metrics *observability.Collector, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		store:        store,
		bus:          opts.Bus,
		dispatcher:   opts.Dispatcher,
		invalidator:  opts.Invalidator,
		enricher:     opts.Enricher,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		storeBreaker: resilience.NewBreaker("ingest-storage", breakerCfg, logger),
		busBreaker:   resilience.NewBreaker("ingest-bus", breakerCfg, logger),
		buffer:       make(chan *logentry.Entry, cfg.BufferCapacity),
		deadLetter:   make(chan []*logentry.Entry, cfg.DeadLetterSize),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the flusher and the dead-letter redelivery loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.flushLoop()
	if p.bus != nil {
		p.wg.Add(1)
		go p.deadLetterLoop()
	}
}

// Stop closes intake, flushes what is buffered, and waits for the loops.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Ingest validates and buffers a single entry. A missing id is assigned; other
// validation failures reject the entry. Blocks when the buffer is full.
func (p *Pipeline) Ingest(ctx context.Context, e *logentry.Entry) error {
	res, err := p.IngestBatch(ctx, []*logentry.Entry{e})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return errors.Validation(errors.CodeInvalidEntry, res.Errors[0].Reason).Build()
	}
	return nil
}

// IngestBatch validates and buffers a batch. Invalid entries are reported per
// index; valid entries are accepted independently. Accepted means buffered:
// durability follows within a flush interval plus the hot write latency.
func (p *Pipeline) IngestBatch(ctx context.Context, entries []*logentry.Entry) (Result, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return Result{}, errors.Unavailable(errors.CodePipelineStopped, "ingestion pipeline is stopped").
			WithOperation("pipeline.IngestBatch").Build()
	}

	var res Result
	now := p.now()
	for i, e := range entries {
		if e != nil && e.ID == "" {
			e.ID = uuid.NewString()
		}
		if err := logentry.Normalize(e, now); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, EntryError{Index: i, Reason: err.Error()})
			if p.metrics != nil {
				p.metrics.LogsFailed.Inc()
			}
			continue
		}

		select {
		case p.buffer <- e:
			res.Accepted++
		case <-ctx.Done():
			res.Failed++
			res.Errors = append(res.Errors, EntryError{Index: i, Reason: "canceled while waiting for buffer space"})
			return res, errors.Timeout(errors.CodeBatchRejected, "batch submission canceled under backpressure").
				WithOperation("pipeline.IngestBatch").WithCause(ctx.Err()).Build()
		}
	}
	res.PartialSuccess = res.Accepted > 0 && res.Failed > 0
	return res, nil
}

// ============================================================================
// FLUSH LOOP
// ============================================================================

func (p *Pipeline) flushLoop() {
	defer p.wg.Done()

	batch := make([]*logentry.Entry, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flush(batch)
		batch = make([]*logentry.Entry, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case e := <-p.buffer:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopCh:
			// Drain what producers managed to buffer before intake closed.
			for {
				select {
				case e := <-p.buffer:
					batch = append(batch, e)
					if len(batch) >= p.cfg.BatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// flush enriches the batch and fans it out. The storage write is retried until
// it lands or shutdown: entries are never dropped, producers stall on the
// buffer in the meantime.
func (p *Pipeline) flush(batch []*logentry.Entry) {
	start := p.now()
	p.enrich(batch)

	if !p.writeHot(batch) {
		return // shutting down; entries are lost only on process exit
	}
	if p.metrics != nil {
		p.metrics.LogsIngested.Add(float64(len(batch)))
		p.metrics.BatchSize.Observe(float64(len(batch)))
		p.metrics.IngestTime.Observe(p.now().Sub(start).Seconds())
	}

	var wg sync.WaitGroup
	if p.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.publishBus(batch)
		}()
	}
	if p.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dispatcher.Dispatch(batch)
		}()
	}
	wg.Wait()

	p.invalidateCache(batch)
}

func (p *Pipeline) enrich(batch []*logentry.Entry) {
	for _, e := range batch {
		e.Storage = logentry.StorageMeta{Tier: "hot", Compressed: false, Indexed: false}
		if p.enricher == nil {
			continue
		}
		enriched, err := p.enricher.Enrich(context.Background(), e)
		if err != nil {
			// Best effort only. The entry proceeds un-enriched.
			p.logger.Warn("ml enrichment failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if enriched != nil {
			e.ML = enriched
		}
	}
}

// writeHot blocks until the hot write succeeds or the pipeline stops.
func (p *Pipeline) writeHot(batch []*logentry.Entry) bool {
	delay := p.cfg.BusRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := p.storeBreaker.Execute(context.Background(), func(ctx context.Context) error {
			return p.store.StoreBatch(ctx, batch)
		})
		if err == nil {
			return true
		}
		p.logger.Error("hot tier write failed, batch held for retry",
			zap.Int("entries", len(batch)), zap.Error(err))

		select {
		case <-p.stopCh:
			p.logger.Error("shutdown with unflushed batch", zap.Int("entries", len(batch)))
			return false
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) publishBus(batch []*logentry.Entry) {
	err := p.busBreaker.Execute(context.Background(), func(ctx context.Context) error {
		return p.bus.Publish(ctx, batch)
	})
	if err == nil {
		return
	}

	select {
	case p.deadLetter <- batch:
		p.logger.Warn("bus publish failed, batch queued for redelivery",
			zap.Int("entries", len(batch)), zap.Error(err))
	default:
		p.logger.Error("dead-letter queue full, bus delivery abandoned for batch",
			zap.String("code", errors.CodeDeadLetterFull),
			zap.Int("entries", len(batch)), zap.Error(err))
	}
}

func (p *Pipeline) deadLetterLoop() {
	defer p.wg.Done()
	delay := p.cfg.BusRetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			select {
			case batch := <-p.deadLetter:
				p.publishBus(batch)
			default:
			}
		}
	}
}

// invalidateCache publishes tag invalidation for the services a batch touched.
// Broad invalidation is fine: the cache is authoritative only for repeat reads.
func (p *Pipeline) invalidateCache(batch []*logentry.Entry) {
	if p.invalidator == nil {
		return
	}
	seen := make(map[string]struct{})
	tags := []string{"timerange:short"}
	for _, e := range batch {
		tag := "service:" + e.Source.Service
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	p.invalidator.InvalidateByTags(tags)
}

// DeadLetterDepth reports how many bus batches await redelivery.
func (p *Pipeline) DeadLetterDepth() int {
	return len(p.deadLetter)
}

// Breakers exposes the fan-out breaker snapshots for health reporting.
func (p *Pipeline) Breakers() map[string]resilience.Snapshot {
	return map[string]resilience.Snapshot{
		"ingest-storage": p.storeBreaker.Snapshot(),
		"ingest-bus":     p.busBreaker.Snapshot(),
	}
}

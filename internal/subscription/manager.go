// Package subscription maintains live subscriptions and delivers ingested
// entries that match their queries. Delivery is per-subscription,
// single-threaded, at-least-once; a slow consumer affects only its own stream
// unless it explicitly opted into blocking overflow handling.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/observability"
)

// Historical selects what a new subscription receives from the past.
type Historical string

const (
	HistoricalNone      Historical = "none"
	HistoricalFromRange Historical = "from_time_range"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock stalls delivery into this subscription until the
	// consumer catches up. Upstream dispatch waits with it.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest buffered entry to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Options tunes delivery for one subscription. Zero values take the manager
// defaults: no historical delivery, the configured buffer size, and blocking
// overflow handling.
type Options struct {
	DeliverHistorical Historical
	BufferSize        int
	OnOverflow        OverflowPolicy
}

// Callback receives matched entries, one at a time, on a dedicated goroutine.
type Callback func(e *logentry.Entry)

// Querier serves historical delivery at subscribe time.
type Querier interface {
	Query(ctx context.Context, q *query.Query) (*query.Result, error)
}

// Limiter enforces the process-wide subscription ceiling.
type Limiter interface {
	BeginSubscription() error
	EndSubscription()
}

// Subscription is one registered consumer.
type Subscription struct {
	ID        string
	Query     *query.Query
	CreatedAt time.Time

	opts     Options
	callback Callback
	ch       chan *logentry.Entry
	done     chan struct{}
	doneOnce sync.Once
	dropped  atomic.Int64

	mu         sync.Mutex
	status     Status
	lastActive time.Time
}

// StatusNow returns the lifecycle state.
func (s *Subscription) StatusNow() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Dropped reports how many entries drop_oldest evicted so far.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Touch marks the subscription active. The delivery loop calls it on every
// delivery; owners with quiet streams call it to survive idle expiry.
func (s *Subscription) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Subscription) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Subscription) close(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// enqueue applies the overflow policy. drop_oldest never blocks; block waits
// for buffer space or cancellation.
func (s *Subscription) enqueue(e *logentry.Entry) {
	if s.opts.OnOverflow == OverflowDropOldest {
		for {
			select {
			case s.ch <- e:
				return
			case <-s.done:
				return
			default:
			}
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
		}
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

// deliver drains the buffer into the callback until cancellation.
func (s *Subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.ch:
			s.callback(e)
			s.Touch()
		}
	}
}

// Manager owns the subscription registry and the idle sweeper.
type Manager struct {
	cfg     config.SubscriptionConfig
	querier Querier
	limiter Limiter
	metrics *observability.Collector
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.RWMutex
	subs map[string]*Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the manager. querier and limiter may be nil; historical
// delivery and ceiling enforcement are then disabled.
func NewManager(cfg config.SubscriptionConfig, querier Querier, limiter Limiter, metrics *observability.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		querier: querier,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		subs:    make(map[string]*Subscription),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweep()
}

// Stop cancels every subscription and halts the sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, s := range subs {
		m.release(s, StatusCancelled)
	}
}

// Subscribe registers a query with a delivery callback and returns the
// subscription. Historical entries are delivered before live dispatch begins
// when the option asks for them.
func (m *Manager) Subscribe(ctx context.Context, q *query.Query, opts Options, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, errors.Validation(errors.CodeInvalidQuery, "subscription callback is required").
			WithOperation("subscription.Subscribe").Build()
	}
	if err := q.ValidateUnbounded(); err != nil {
		return nil, err
	}
	if m.limiter != nil {
		if err := m.limiter.BeginSubscription(); err != nil {
			return nil, err
		}
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = m.cfg.DefaultBufferSize
	}
	if opts.OnOverflow == "" {
		opts.OnOverflow = OverflowBlock
	}
	if opts.DeliverHistorical == "" {
		opts.DeliverHistorical = HistoricalNone
	}

	s := &Subscription{
		ID:         uuid.NewString(),
		Query:      q,
		CreatedAt:  m.now(),
		opts:       opts,
		callback:   cb,
		ch:         make(chan *logentry.Entry, opts.BufferSize),
		done:       make(chan struct{}),
		status:     StatusActive,
		lastActive: m.now(),
	}

	go s.deliver()

	// Backfill before the subscription joins live dispatch, so history lands
	// ahead of new entries. Overlap between the backfill read and concurrent
	// ingestion can duplicate entries, which at-least-once delivery permits.
	if opts.DeliverHistorical == HistoricalFromRange && m.querier != nil {
		res, err := m.querier.Query(ctx, q)
		if err != nil {
			m.logger.Warn("historical backfill failed, subscription continues live-only",
				zap.String("subscription", s.ID), zap.Error(err))
		} else {
			for _, e := range res.Logs {
				s.enqueue(e)
			}
		}
	}

	m.mu.Lock()
	m.subs[s.ID] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Inc()
	}
	m.logger.Info("subscription registered",
		zap.String("subscription", s.ID),
		zap.String("overflow", string(opts.OnOverflow)),
		zap.Int("buffer", opts.BufferSize))
	return s, nil
}

// Unsubscribe cancels a subscription by id.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return errors.NotFound(errors.CodeSubscriptionNotFound, "no such subscription").
			WithOperation("subscription.Unsubscribe").WithResource(id).Build()
	}
	m.release(s, StatusCancelled)
	return nil
}

// Dispatch delivers a batch to every matching subscription. Called by the
// ingestion pipeline after the hot write lands.
func (m *Manager) Dispatch(entries []*logentry.Entry) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		for _, s := range subs {
			if s.Query.Matches(e) {
				s.enqueue(e)
			}
		}
	}
}

// Count returns the number of registered subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Manager) release(s *Subscription, status Status) {
	s.close(status)
	if m.limiter != nil {
		m.limiter.EndSubscription()
	}
	if m.metrics != nil {
		m.metrics.ActiveSubscriptions.Dec()
	}
}

// sweep expires subscriptions whose consumer has been idle past MaxIdle.
func (m *Manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.cfg.MaxIdle)
			var expired []*Subscription

			m.mu.Lock()
			for id, s := range m.subs {
				if s.idleSince().Before(cutoff) {
					delete(m.subs, id)
					expired = append(expired, s)
				}
			}
			m.mu.Unlock()

			for _, s := range expired {
				m.release(s, StatusExpired)
				m.logger.Info("subscription expired after idle timeout",
					zap.String("subscription", s.ID))
			}
		}
	}
}

package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/resilience"
	"heimdall-backend/internal/observability"
)

// LifecycleObserver receives connection lifecycle events. Notifications run
// outside the pool lock.
type LifecycleObserver interface {
	OnConnectionCreated(pool, connID string)
	OnConnectionDestroyed(pool, connID string, reason string)
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxSize   int    `json:"maxSize"`
	MinSize   int    `json:"minSize"`
	Created   int64  `json:"createdTotal"`
	Destroyed int64  `json:"destroyedTotal"`
	Timeouts  int64  `json:"acquireTimeoutsTotal"`
}

// Pool multiplexes a bounded set of backend connections. A single mutex guards
// the connection map, the tag index, and the waiter queue; validation and
// creation I/O always run outside the lock.
type Pool struct {
	name    string
	cfg     config.PoolConfig
	factory Factory
	breaker *resilience.Breaker // trips on sustained creation failures
	logger  *zap.Logger
	metrics *observability.Collector

	mu       sync.Mutex
	conns    map[string]*Conn
	idle     []*Conn
	tagIndex map[string]map[string]map[string]*Conn // key -> value -> connID
	waiters  waiterQueue
	seq      uint64
	reserved int // creation slots claimed but not yet registered
	closed   bool

	created   int64
	destroyed int64
	timeouts  int64

	observers []LifecycleObserver
	janitorCh chan struct{}
}

// New creates a pool and starts its janitor. The pool is usable immediately;
// connections are created lazily up to MinSize on first demand and by the
// janitor afterwards.
func New(name string, cfg config.PoolConfig, factory Factory, breaker *resilience.Breaker, metrics *observability.Collector, logger *zap.Logger) *Pool {
	p := &Pool{
		name:      name,
		cfg:       cfg,
		factory:   factory,
		breaker:   breaker,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[string]*Conn),
		tagIndex:  make(map[string]map[string]map[string]*Conn),
		janitorCh: make(chan struct{}),
	}
	go p.janitor()
	return p
}

// Name returns the pool name used in metrics and resource accounting.
func (p *Pool) Name() string { return p.name }

// AddObserver registers a lifecycle observer.
func (p *Pool) AddObserver(obs LifecycleObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// ============================================================================
// ACQUISITION
// ============================================================================

// Acquire returns a validated connection, creating one when the pool is under
// MaxSize and queueing the caller otherwise. Queued callers are served in
// priority order, FIFO among equals.
func (p *Pool) Acquire(ctx context.Context, priority Priority) (*Conn, error) {
	return p.acquire(ctx, priority, "", "")
}

// AcquireByTag prefers an idle connection whose tag(key) == value; it falls
// back to plain Acquire when no such idle connection exists.
func (p *Pool) AcquireByTag(ctx context.Context, key, value string, priority Priority) (*Conn, error) {
	return p.acquire(ctx, priority, key, value)
}

func (p *Pool) acquire(ctx context.Context, priority Priority, tagKey, tagValue string) (*Conn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.PoolClosed(errors.CodePoolShutDown, "pool is closed").
				WithResource(p.name).Build()
		}

		// 1. Tagged idle connection, when affinity was requested.
		if conn := p.takeTaggedIdleLocked(tagKey, tagValue); conn != nil {
			return p.validateAndActivate(ctx, conn, priority, tagKey, tagValue)
		}

		// 2. Any idle connection.
		if conn := p.takeIdleLocked(); conn != nil {
			return p.validateAndActivate(ctx, conn, priority, tagKey, tagValue)
		}

		// 3. Room to grow: reserve a slot and create outside the lock.
		if len(p.conns)+p.reserved < p.cfg.MaxSize {
			p.reserved++
			p.mu.Unlock()

			conn, err := p.createConnection(ctx)

			p.mu.Lock()
			p.reserved--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.registerLocked(conn)
			conn.state = StateActive
			conn.useCount++
			conn.lastUsed = time.Now()
			p.mu.Unlock()
			p.publishGauges()
			return conn, nil
		}

		// 4. At capacity: queue and wait.
		w := &waiter{
			priority: priority,
			seq:      p.seq,
			result:   make(chan waiterResult, 1),
			tagKey:   tagKey,
			tagValue: tagValue,
		}
		p.seq++
		p.waiters.push(w)
		p.mu.Unlock()
		p.publishGauges()

		select {
		case res := <-w.result:
			if res.err != nil {
				return nil, res.err
			}
			// Handed connections are validated by the releaser; retry the
			// validation only if the hand-off was stale.
			return res.conn, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.remove(w)
			p.timeouts++
			p.mu.Unlock()

			// The releaser may have handed a connection concurrently with the
			// cancellation; give it back rather than leaking the slot.
			select {
			case res := <-w.result:
				if res.conn != nil {
					p.Release(res.conn)
				}
			default:
			}

			p.publishGauges()
			return nil, errors.Timeout(errors.CodeAcquireTimeout, "connection acquire timed out").
				WithResource(p.name).WithCause(ctx.Err()).Build()
		}
	}
}

// takeIdleLocked pops the most recently used idle connection. Caller holds the lock.
func (p *Pool) takeIdleLocked() *Conn {
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if conn.state != StateIdle {
			continue
		}
		conn.state = StateValidating
		return conn
	}
	return nil
}

// takeTaggedIdleLocked finds an idle connection with the requested tag.
func (p *Pool) takeTaggedIdleLocked(key, value string) *Conn {
	if key == "" {
		return nil
	}
	byValue, ok := p.tagIndex[key]
	if !ok {
		return nil
	}
	for _, conn := range byValue[value] {
		if conn.state == StateIdle {
			p.removeFromIdleLocked(conn)
			conn.state = StateValidating
			return conn
		}
	}
	return nil
}

func (p *Pool) removeFromIdleLocked(target *Conn) {
	for i, c := range p.idle {
		if c == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// validateAndActivate runs validation I/O outside the lock, then activates or
// destroys the connection. Called with the lock held; returns with it released.
func (p *Pool) validateAndActivate(ctx context.Context, conn *Conn, priority Priority, tagKey, tagValue string) (*Conn, error) {
	needsValidation := p.cfg.IdleValidationWindow <= 0 ||
		time.Since(conn.lastValidated) > p.cfg.IdleValidationWindow
	p.mu.Unlock()

	if needsValidation {
		if err := p.factory.Validate(ctx, conn.Handle); err != nil {
			p.destroyConnection(conn, "validation failed")
			// Retry the acquisition loop with a fresh candidate.
			return p.acquire(ctx, priority, tagKey, tagValue)
		}
		conn.lastValidated = time.Now()
	}

	p.mu.Lock()
	conn.state = StateActive
	conn.useCount++
	conn.lastUsed = time.Now()
	p.mu.Unlock()
	p.publishGauges()
	return conn, nil
}

// createConnection creates a backend handle through the creation breaker.
func (p *Pool) createConnection(ctx context.Context) (*Conn, error) {
	var handle any
	create := func(ctx context.Context) error {
		var err error
		handle, err = p.factory.Create(ctx)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return nil, err
		}
		return nil, errors.Unavailable(errors.CodePoolExhausted, "connection creation failed").
			WithResource(p.name).WithCause(err).Build()
	}

	conn := &Conn{
		ID:            uuid.NewString(),
		Handle:        handle,
		state:         StateIdle,
		tags:          make(map[string]string),
		createdAt:     time.Now(),
		lastUsed:      time.Now(),
		lastValidated: time.Now(),
	}

	p.notifyCreated(conn.ID)
	return conn, nil
}

func (p *Pool) registerLocked(conn *Conn) {
	p.conns[conn.ID] = conn
	p.created++
}

// ============================================================================
// RELEASE
// ============================================================================

// Release returns a connection to the pool. The connection is re-validated;
// invalid connections are destroyed and, when the pool is under MinSize, a
// replacement is spawned for the head waiter.
func (p *Pool) Release(conn *Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyConnection(conn, "pool closed")
		return
	}
	if conn.state != StateActive {
		p.mu.Unlock()
		return
	}
	conn.state = StateValidating
	needsValidation := p.cfg.IdleValidationWindow <= 0 ||
		time.Since(conn.lastValidated) > p.cfg.IdleValidationWindow
	expired := conn.expired(time.Now(), p.cfg.MaxLifetime, 0)
	p.mu.Unlock()

	if expired {
		p.destroyConnection(conn, "max lifetime exceeded")
		p.maybeReplace()
		return
	}
	if needsValidation {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		err := p.factory.Validate(ctx, conn.Handle)
		cancel()
		if err != nil {
			p.destroyConnection(conn, "release validation failed")
			p.maybeReplace()
			return
		}
		conn.lastValidated = time.Now()
	}

	p.mu.Lock()
	// Hand directly to the highest-priority waiter when one is queued.
	if w := p.waiters.pop(); w != nil {
		conn.state = StateActive
		conn.useCount++
		conn.lastUsed = time.Now()
		p.mu.Unlock()
		w.result <- waiterResult{conn: conn}
		p.publishGauges()
		return
	}
	conn.state = StateIdle
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.publishGauges()
}

// maybeReplace spawns a replacement connection when the pool dropped under
// MinSize. A creation failure propagates to the waiter at the head of the
// queue, matching the failure semantics of direct creation.
func (p *Pool) maybeReplace() {
	p.mu.Lock()
	if p.closed || len(p.conns)+p.reserved >= p.cfg.MinSize {
		p.mu.Unlock()
		return
	}
	p.reserved++
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		defer cancel()
		conn, err := p.createConnection(ctx)

		p.mu.Lock()
		p.reserved--
		if err != nil {
			w := p.waiters.pop()
			p.mu.Unlock()
			if w != nil {
				w.result <- waiterResult{err: err}
			}
			return
		}
		p.registerLocked(conn)
		if w := p.waiters.pop(); w != nil {
			conn.state = StateActive
			conn.useCount++
			conn.lastUsed = time.Now()
			p.mu.Unlock()
			w.result <- waiterResult{conn: conn}
			p.publishGauges()
			return
		}
		conn.state = StateIdle
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		p.publishGauges()
	}()
}

// destroyConnection removes the connection from all indexes and destroys the
// backend handle outside the lock.
func (p *Pool) destroyConnection(conn *Conn, reason string) {
	p.mu.Lock()
	conn.state = StateDestroying
	delete(p.conns, conn.ID)
	p.removeFromIdleLocked(conn)
	for key, value := range conn.tags {
		p.removeTagLocked(conn, key, value)
	}
	p.destroyed++
	p.mu.Unlock()

	if err := p.factory.Destroy(conn.Handle); err != nil {
		p.logger.Warn("connection destroy failed",
			zap.String("pool", p.name),
			zap.String("conn", conn.ID),
			zap.Error(err),
		)
	}
	p.notifyDestroyed(conn.ID, reason)
	p.publishGauges()
}

// ============================================================================
// TAGGING
// ============================================================================

// SetTag tags a connection and updates the inverse index.
func (p *Pool) SetTag(conn *Conn, key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := conn.tags[key]; ok {
		p.removeTagLocked(conn, key, old)
	}
	conn.tags[key] = value
	byValue, ok := p.tagIndex[key]
	if !ok {
		byValue = make(map[string]map[string]*Conn)
		p.tagIndex[key] = byValue
	}
	byID, ok := byValue[value]
	if !ok {
		byID = make(map[string]*Conn)
		byValue[value] = byID
	}
	byID[conn.ID] = conn
}

// RemoveTag removes a tag from a connection and the inverse index.
func (p *Pool) RemoveTag(conn *Conn, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value, ok := conn.tags[key]; ok {
		delete(conn.tags, key)
		p.removeTagLocked(conn, key, value)
	}
}

func (p *Pool) removeTagLocked(conn *Conn, key, value string) {
	if byValue, ok := p.tagIndex[key]; ok {
		if byID, ok := byValue[value]; ok {
			delete(byID, conn.ID)
			if len(byID) == 0 {
				delete(byValue, value)
			}
		}
		if len(byValue) == 0 {
			delete(p.tagIndex, key)
		}
	}
}

// ============================================================================
// MAINTENANCE AND SHUTDOWN
// ============================================================================

// DrainIdle destroys idle connections above MinSize. Used by the resource
// manager during pressure relief.
func (p *Pool) DrainIdle() int {
	p.mu.Lock()
	var victims []*Conn
	for len(p.idle) > 0 && len(p.conns)-len(victims) > p.cfg.MinSize {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		victims = append(victims, conn)
	}
	p.mu.Unlock()

	for _, conn := range victims {
		p.destroyConnection(conn, "pressure relief")
	}
	return len(victims)
}

// janitor reaps idle-timeout and max-lifetime expirations.
func (p *Pool) janitor() {
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.janitorCh:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			var victims []*Conn
			for _, conn := range p.conns {
				if conn.state == StateIdle && conn.expired(now, p.cfg.MaxLifetime, p.cfg.IdleTimeout) &&
					len(p.conns)-len(victims) > p.cfg.MinSize {
					victims = append(victims, conn)
				}
			}
			p.mu.Unlock()
			for _, conn := range victims {
				p.destroyConnection(conn, "expired")
			}
		}
	}
}

// Close shuts the pool down. Pending waiters receive POOL_CLOSED; all
// connections are destroyed concurrently.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.janitorCh)

	for {
		w := p.waiters.pop()
		if w == nil {
			break
		}
		w.result <- waiterResult{err: errors.PoolClosed(errors.CodePoolShutDown, "pool is closed").
			WithResource(p.name).Build()}
	}

	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			p.destroyConnection(c, "pool closed")
		}(conn)
	}
	wg.Wait()

	p.logger.Info("pool closed", zap.String("pool", p.name))
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, conn := range p.conns {
		if conn.state == StateActive {
			active++
		}
	}
	return Stats{
		Name:      p.name,
		Active:    active,
		Idle:      len(p.idle),
		Total:     len(p.conns),
		Waiting:   p.waiters.Len(),
		MaxSize:   p.cfg.MaxSize,
		MinSize:   p.cfg.MinSize,
		Created:   p.created,
		Destroyed: p.destroyed,
		Timeouts:  p.timeouts,
	}
}

// ActiveCount returns the number of ACTIVE connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conn := range p.conns {
		if conn.state == StateActive {
			n++
		}
	}
	return n
}

func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.PoolActive.WithLabelValues(p.name).Set(float64(stats.Active))
	p.metrics.PoolIdle.WithLabelValues(p.name).Set(float64(stats.Idle))
	p.metrics.PoolWaiters.WithLabelValues(p.name).Set(float64(stats.Waiting))
}

func (p *Pool) notifyCreated(connID string) {
	p.mu.Lock()
	observers := append([]LifecycleObserver(nil), p.observers...)
	p.mu.Unlock()
	for _, obs := range observers {
		obs.OnConnectionCreated(p.name, connID)
	}
}

func (p *Pool) notifyDestroyed(connID, reason string) {
	p.mu.Lock()
	observers := append([]LifecycleObserver(nil), p.observers...)
	p.mu.Unlock()
	for _, obs := range observers {
		obs.OnConnectionDestroyed(p.name, connID, reason)
	}
}


// Package resource enforces process-wide ceilings (memory, connections,
// concurrent queries, stream subscriptions) and publishes pressure signals to
// registered listeners. There is no hidden event bus: pressure consumers
// implement the listener interface and register explicitly.
package resource

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/pool"
)

// PressureKind identifies which ceiling is under pressure.
type PressureKind string

const (
	PressureMemory      PressureKind = "memory"
	PressureConnections PressureKind = "connections"
)

// PressureEvent describes a ceiling approaching saturation.
type PressureEvent struct {
	Kind  PressureKind
	Usage int64
	Limit int64
	At    time.Time
}

// PressureListener is notified when a ceiling crosses the pressure ratio.
// Caches reduce their resident set; pools drain idle connections.
type PressureListener interface {
	OnPressure(ev PressureEvent)
}

// SizeReporter reports the resident size of a component (the cache) so the
// manager can police the aggregate cache ceiling.
type SizeReporter interface {
	SizeBytes() int64
}

// Usage is a snapshot of current consumption against the ceilings.
type Usage struct {
	HeapMB               int64 `json:"heapMb"`
	MaxMemoryMB          int64 `json:"maxMemoryMb"`
	ActiveConnections    int   `json:"activeConnections"`
	MaxConnections       int   `json:"maxConnections"`
	ActiveQueries        int64 `json:"activeQueries"`
	MaxConcurrentQueries int   `json:"maxConcurrentQueries"`
	Subscriptions        int64 `json:"subscriptions"`
	MaxSubscriptions     int   `json:"maxSubscriptions"`
	CacheBytes           int64 `json:"cacheBytes"`
	MaxCacheBytes        int64 `json:"maxCacheBytes"`
}

// Statistics extends Usage with per-pool breakdowns.
type Statistics struct {
	Usage Usage                 `json:"usage"`
	Pools map[string]pool.Stats `json:"pools"`
}

// Manager owns the global ceilings. Aggregate counters are updated atomically;
// the manager never holds its lock across a listener callback.
type Manager struct {
	cfg    config.ResourceConfig
	logger *zap.Logger

	mu        sync.Mutex
	pools     map[string]*pool.Pool
	listeners []PressureListener
	reporters []SizeReporter

	activeQueries atomic.Int64
	subscriptions atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a resource manager and starts its monitor loop.
func NewManager(cfg config.ResourceConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*pool.Pool),
		stopCh: make(chan struct{}),
	}
	go m.monitor()
	return m
}

// RegisterPool places a pool under global connection accounting.
func (m *Manager) RegisterPool(p *pool.Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.Name()] = p
}

// UnregisterPool removes a pool from accounting.
func (m *Manager) UnregisterPool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, name)
}

// AddListener registers a pressure listener.
func (m *Manager) AddListener(l PressureListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddSizeReporter registers a cache size reporter.
func (m *Manager) AddSizeReporter(r SizeReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters = append(m.reporters, r)
}

// Acquire checks the global connection ceiling, then delegates to the named
// pool. No acquisition succeeds when the ceiling would be breached by the
// returned handle.
func (m *Manager) Acquire(ctx context.Context, poolName string, priority pool.Priority) (*pool.Conn, error) {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	m.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.CodeTierNotRegistered, "pool not registered").
			WithResource(poolName).Build()
	}

	if total := m.totalActive(); total >= m.cfg.MaxConnections {
		m.relieve(PressureConnections, int64(total), int64(m.cfg.MaxConnections))
		return nil, errors.Overloaded(errors.CodeCeilingBreached, "global connection ceiling reached").
			WithResource(poolName).Build()
	}

	return p.Acquire(ctx, priority)
}

// Release returns a connection to its pool.
func (m *Manager) Release(poolName string, conn *pool.Conn) {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	m.mu.Unlock()
	if ok {
		p.Release(conn)
	}
}

// BeginQuery claims a concurrent-query slot. Callers must pair it with
// EndQuery. Returns OVERLOADED at the ceiling.
func (m *Manager) BeginQuery() error {
	if m.activeQueries.Add(1) > int64(m.cfg.MaxConcurrentQueries) {
		m.activeQueries.Add(-1)
		return errors.Overloaded(errors.CodeOverloaded, "concurrent query ceiling reached").Build()
	}
	return nil
}

// EndQuery releases a concurrent-query slot.
func (m *Manager) EndQuery() {
	m.activeQueries.Add(-1)
}

// BeginSubscription claims a stream-subscription slot.
func (m *Manager) BeginSubscription() error {
	if m.subscriptions.Add(1) > int64(m.cfg.MaxStreamSubscriptions) {
		m.subscriptions.Add(-1)
		return errors.Overloaded(errors.CodeOverloaded, "subscription ceiling reached").Build()
	}
	return nil
}

// EndSubscription releases a stream-subscription slot.
func (m *Manager) EndSubscription() {
	m.subscriptions.Add(-1)
}

// Usage returns the current consumption snapshot.
func (m *Manager) Usage() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Usage{
		HeapMB:               int64(ms.HeapAlloc / (1024 * 1024)),
		MaxMemoryMB:          int64(m.cfg.MaxMemoryMB),
		ActiveConnections:    m.totalActive(),
		MaxConnections:       m.cfg.MaxConnections,
		ActiveQueries:        m.activeQueries.Load(),
		MaxConcurrentQueries: m.cfg.MaxConcurrentQueries,
		Subscriptions:        m.subscriptions.Load(),
		MaxSubscriptions:     m.cfg.MaxStreamSubscriptions,
		CacheBytes:           m.cacheBytes(),
		MaxCacheBytes:        m.cfg.MaxCacheBytes,
	}
}

// Statistics returns usage plus per-pool stats.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	pools := make(map[string]pool.Stats, len(m.pools))
	for name, p := range m.pools {
		pools[name] = p.Stats()
	}
	m.mu.Unlock()

	return Statistics{Usage: m.Usage(), Pools: pools}
}

// Shutdown stops the monitor and closes every registered pool.
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) totalActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.pools {
		total += p.ActiveCount()
	}
	return total
}

func (m *Manager) cacheBytes() int64 {
	m.mu.Lock()
	reporters := append([]SizeReporter(nil), m.reporters...)
	m.mu.Unlock()

	var total int64
	for _, r := range reporters {
		total += r.SizeBytes()
	}
	return total
}

// monitor periodically checks the ceilings and emits pressure events.
func (m *Manager) monitor() {
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Manager) check() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapMB := int64(ms.HeapAlloc / (1024 * 1024))
	memLimit := int64(m.cfg.MaxMemoryMB)
	if memLimit > 0 && float64(heapMB) > float64(memLimit)*m.cfg.PressureRatio {
		m.relieve(PressureMemory, heapMB, memLimit)
	}

	active := int64(m.totalActive())
	connLimit := int64(m.cfg.MaxConnections)
	if connLimit > 0 && float64(active) > float64(connLimit)*m.cfg.PressureRatio {
		m.relieve(PressureConnections, active, connLimit)
	}
}

// relieve notifies listeners and drains idle pool connections. It never holds
// the manager lock across a callback.
func (m *Manager) relieve(kind PressureKind, usage, limit int64) {
	ev := PressureEvent{Kind: kind, Usage: usage, Limit: limit, At: time.Now()}

	m.mu.Lock()
	listeners := append([]PressureListener(nil), m.listeners...)
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnPressure(ev)
	}
	for _, p := range pools {
		if n := p.DrainIdle(); n > 0 {
			m.logger.Info("drained idle connections under pressure",
				zap.String("pool", p.Name()),
				zap.String("kind", string(kind)),
				zap.Int("drained", n),
			)
		}
	}
}

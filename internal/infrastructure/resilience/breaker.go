// Package resilience provides the reliability primitives wrapped around every
// outbound call: a rolling-window circuit breaker and a bounded retry helper
// with exponential backoff and jitter.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/errors"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	}
	return "UNKNOWN"
}

// StateObserver is notified on every state transition. Implementations must
// not call back into the breaker; the notification runs outside the lock.
type StateObserver interface {
	OnStateChange(name string, from, to State)
}

// StateObserverFunc adapts a function to the StateObserver interface.
type StateObserverFunc func(name string, from, to State)

func (f StateObserverFunc) OnStateChange(name string, from, to State) { f(name, from, to) }

// outcome is one recorded call result in the rolling window.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a per-dependency circuit breaker with rolling-ratio tripping.
//
// The decision window is a ring buffer of timestamped outcomes; outcomes older
// than the monitoring window are dropped from the decision. The breaker trips
// only when at least VolumeThreshold calls landed inside the window and the
// failure ratio among them reaches FailureThreshold.
type Breaker struct {
	name string
	cfg  config.BreakerConfig

	mu             sync.Mutex
	state          State
	window         []outcome // ring buffer
	head, count    int
	nextRetry      time.Time
	lastFailure    time.Time
	halfOpenInflight int
	halfOpenSuccess  int
	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64

	observers []StateObserver
	logger    *zap.Logger
	now       func() time.Time
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int64     `json:"failureCount"`
	SuccessCount     int64     `json:"successCount"`
	TotalCalls       int64     `json:"totalCalls"`
	LastFailure      time.Time `json:"lastFailure,omitempty"`
	NextRetry        time.Time `json:"nextRetry,omitempty"`
	HalfOpenInflight int       `json:"halfOpenInflight"`
}

// NewBreaker creates a breaker with the given configuration.
func NewBreaker(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	ringSize := cfg.VolumeThreshold * 4
	if ringSize < 64 {
		ringSize = 64
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		window: make([]outcome, ringSize),
		logger: logger,
		now:    time.Now,
	}
}

// AddObserver registers a state-change observer.
func (b *Breaker) AddObserver(obs StateObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Execute runs fn under the breaker. When the circuit is open the call fails
// in O(1) with a CIRCUIT_OPEN error and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed given the current state.
func (b *Breaker) admit() error {
	b.mu.Lock()

	now := b.now()
	if b.state == StateOpen {
		if now.Before(b.nextRetry) {
			b.mu.Unlock()
			return errors.CircuitOpen(errors.CodeCircuitOpen, "circuit is open").
				WithResource(b.name).
				WithRetryAfter(b.nextRetry.Sub(now)).
				Build()
		}
		b.transition(StateHalfOpen, now)
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInflight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return errors.CircuitOpen(errors.CodeCircuitOpen, "half-open admission cap reached").
				WithResource(b.name).
				Build()
		}
		b.halfOpenInflight++
	}

	b.mu.Unlock()
	return nil
}

// record folds a call outcome into the window and drives state transitions.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	now := b.now()

	b.totalCalls++
	if success {
		b.totalSuccesses++
	} else {
		b.totalFailures++
		b.lastFailure = now
	}

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInflight--
		if !success {
			// Any half-open failure reopens and restarts the reset timer.
			b.nextRetry = now.Add(b.cfg.ResetTimeout)
			b.halfOpenSuccess = 0
			b.transition(StateOpen, now)
		} else {
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.cfg.HalfOpenMaxCalls {
				b.resetWindow()
				b.halfOpenSuccess = 0
				b.transition(StateClosed, now)
			}
		}
	case StateClosed:
		b.push(outcome{at: now, success: success})
		if !success && b.shouldTrip(now) {
			b.nextRetry = now.Add(b.cfg.ResetTimeout)
			b.transition(StateOpen, now)
		}
	case StateOpen:
		// A call admitted just before the trip finished late; nothing to do.
	}

	b.mu.Unlock()
}

// push appends an outcome to the ring buffer, overwriting the oldest slot
// when full.
func (b *Breaker) push(o outcome) {
	idx := (b.head + b.count) % len(b.window)
	if b.count == len(b.window) {
		b.head = (b.head + 1) % len(b.window)
		b.window[idx] = o
		return
	}
	b.window[idx] = o
	b.count++
}

// shouldTrip evaluates the rolling-ratio rule over outcomes inside the
// monitoring window. Caller holds the lock.
func (b *Breaker) shouldTrip(now time.Time) bool {
	cutoff := now.Add(-b.cfg.MonitoringWindow)

	recent, failures := 0, 0
	for i := 0; i < b.count; i++ {
		o := b.window[(b.head+i)%len(b.window)]
		if o.at.Before(cutoff) {
			continue
		}
		recent++
		if !o.success {
			failures++
		}
	}

	if recent < b.cfg.VolumeThreshold {
		return false
	}
	return float64(failures)/float64(recent) >= b.cfg.FailureThreshold
}

func (b *Breaker) resetWindow() {
	b.head, b.count = 0, 0
}

// transition changes state and notifies observers outside the lock. Caller
// holds the lock.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenInflight = 0
		b.halfOpenSuccess = 0
	}

	observers := append([]StateObserver(nil), b.observers...)
	go func() {
		for _, obs := range observers {
			obs.OnStateChange(b.name, from, to)
		}
	}()

	if b.logger != nil {
		b.logger.Info("circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

// State returns the current state, advancing OPEN to HALF_OPEN when the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.nextRetry) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the externally visible counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.totalFailures,
		SuccessCount:     b.totalSuccesses,
		TotalCalls:       b.totalCalls,
		LastFailure:      b.lastFailure,
		NextRetry:        b.nextRetry,
		HalfOpenInflight: b.halfOpenInflight,
	}
}

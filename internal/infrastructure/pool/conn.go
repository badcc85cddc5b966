// Package pool provides a bounded, priority-aware connection pool with health
// validation, tag-indexed affinity lookup, and observable lifecycle events.
package pool

import (
	"context"
	"time"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateActive
	StateValidating
	StateDestroying
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateValidating:
		return "VALIDATING"
	case StateDestroying:
		return "DESTROYING"
	}
	return "UNKNOWN"
}

// Priority orders acquisition waiters. CRITICAL > HIGH > NORMAL > LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Factory creates, validates, and destroys the backend handles the pool
// multiplexes. Implementations wrap a database driver, bus client, or cache
// client.
type Factory interface {
	Create(ctx context.Context) (any, error)
	Validate(ctx context.Context, handle any) error
	Destroy(handle any) error
}

// Conn is one pooled connection. All fields except Handle are guarded by the
// owning pool's lock.
type Conn struct {
	ID     string
	Handle any

	state         ConnState
	tags          map[string]string
	createdAt     time.Time
	lastUsed      time.Time
	lastValidated time.Time
	useCount      int64
}

// State returns the connection's lifecycle state. Only meaningful while the
// pool lock is held; exposed for stats snapshots.
func (c *Conn) State() ConnState { return c.state }

// UseCount returns how many times the connection has been acquired.
func (c *Conn) UseCount() int64 { return c.useCount }

// Tag returns the tag value for key, if set.
func (c *Conn) Tag(key string) (string, bool) {
	v, ok := c.tags[key]
	return v, ok
}

// expired reports whether the connection exceeded its maximum lifetime or has
// been idle past the idle timeout.
func (c *Conn) expired(now time.Time, maxLifetime, idleTimeout time.Duration) bool {
	if maxLifetime > 0 && now.Sub(c.createdAt) > maxLifetime {
		return true
	}
	if idleTimeout > 0 && c.state == StateIdle && now.Sub(c.lastUsed) > idleTimeout {
		return true
	}
	return false
}

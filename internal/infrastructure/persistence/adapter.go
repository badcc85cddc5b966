// Package persistence defines the contract every storage tier implements. The
// storage manager routes writes, queries, migration, and retention through this
// interface and never touches tier clients directly.
package persistence

import (
	"context"
	"time"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
)

// Capability advertises what a tier can do natively. The storage manager and
// the query planner consult capabilities instead of switching on tier names.
type Capability string

const (
	CapSearch           Capability = "search"
	CapAggregations     Capability = "aggregations"
	CapTextSearch       Capability = "text_search"
	CapTimeRangePruning Capability = "time_range_pruning"
	CapRestore          Capability = "restore"
)

// Tier names used for registration, routing, and metrics labels.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// Stats is a tier's self-reported footprint and health.
type Stats struct {
	Tier        string    `json:"tier"`
	EntryCount  int64     `json:"entryCount"`
	SizeBytes   int64     `json:"sizeBytes"`
	OldestEntry time.Time `json:"oldestEntry,omitempty"`
	NewestEntry time.Time `json:"newestEntry,omitempty"`
	Healthy     bool      `json:"healthy"`
}

// Adapter is the uniform surface over one storage tier.
type Adapter interface {
	// Name returns the tier name (hot, warm, cold).
	Name() string

	// Capabilities returns what the tier supports natively.
	Capabilities() []Capability

	// Store persists a single entry.
	Store(ctx context.Context, e *logentry.Entry) error

	// StoreBatch persists a batch. Implementations chunk to their backend's
	// batch limits and surface the first hard failure.
	StoreBatch(ctx context.Context, entries []*logentry.Entry) error

	// Query executes a query against this tier only. Result.Performance is
	// filled by the caller, not the adapter.
	Query(ctx context.Context, q *query.Query) (*query.Result, error)

	// ReadBefore returns up to limit entries with timestamps strictly before
	// cutoff, oldest first. Used by the lifecycle migrator.
	ReadBefore(ctx context.Context, cutoff time.Time, limit int) ([]*logentry.Entry, error)

	// Delete removes the given entries. Migration deletes from the source tier
	// only after the destination write succeeded.
	Delete(ctx context.Context, entries []*logentry.Entry) error

	// Stats reports the tier's footprint.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Restorer is implemented by tiers whose data must be rehydrated before it is
// queryable at full speed (the cold tier's archive restore).
type Restorer interface {
	// Restore initiates rehydration for entries in [from, to). It is
	// asynchronous: callers poll via Query until data is available.
	Restore(ctx context.Context, from, to time.Time) error
}

// RetentionEnforcer is implemented by tiers that expire data themselves
// (partition drops, object deletion) rather than through per-entry Delete.
type RetentionEnforcer interface {
	// EnforceRetention removes data with timestamps before cutoff. Returns the
	// number of entries, partitions, or objects removed.
	EnforceRetention(ctx context.Context, cutoff time.Time) (int, error)
}

// HasCapability reports whether caps contains c.
func HasCapability(caps []Capability, c Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

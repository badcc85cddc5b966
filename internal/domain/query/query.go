// Package query defines the query model shared by the cache, the storage
// manager, and the query service, plus the result envelope returned to callers.
package query

import (
	"strings"
	"time"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/errors"
)

// Operator is the comparison applied by a structured filter.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpContains    Operator = "contains"
	OpExists      Operator = "exists"
)

// Filter is a single structured predicate over an entry field.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// TimeRange bounds a query. From <= To is required.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns the span of the range.
func (r TimeRange) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// Contains reports whether ts falls inside the range (inclusive bounds).
func (r TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(r.From) && !ts.After(r.To)
}

// AggregationType enumerates supported aggregations.
type AggregationType string

const (
	AggCount         AggregationType = "count"
	AggSum           AggregationType = "sum"
	AggAvg           AggregationType = "avg"
	AggMin           AggregationType = "min"
	AggMax           AggregationType = "max"
	AggTerms         AggregationType = "terms"
	AggDateHistogram AggregationType = "date_histogram"
)

// Aggregation requests one aggregate over the matched set.
type Aggregation struct {
	Type     AggregationType `json:"type"`
	Field    string          `json:"field,omitempty"`
	Interval time.Duration   `json:"interval,omitempty"` // date_histogram only
}

// CacheStrategy controls how the query service consults the cache.
type CacheStrategy string

const (
	CacheDefault    CacheStrategy = "default"
	CacheAggressive CacheStrategy = "aggressive"
	CacheBypass     CacheStrategy = "bypass"
)

// Hints carry caller preferences that change routing and failure semantics.
type Hints struct {
	Urgent        bool          `json:"urgent,omitempty"`
	CacheStrategy CacheStrategy `json:"cacheStrategy,omitempty"`
}

// SortOrder for result ordering. The default is timestamp descending.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// Query is the full query surface accepted by the query service.
type Query struct {
	TimeRange       TimeRange        `json:"timeRange"`
	NaturalLanguage string           `json:"naturalLanguage,omitempty"`
	Filters         []Filter         `json:"filters,omitempty"`
	Levels          []logentry.Level `json:"levels,omitempty"`
	Sources         []string         `json:"sources,omitempty"`
	TextSearch      string           `json:"textSearch,omitempty"`
	Aggregations    []Aggregation    `json:"aggregations,omitempty"`
	Sort            SortOrder        `json:"sort,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
	Hints           Hints            `json:"hints,omitempty"`
	MLFeatures      bool             `json:"mlFeatures,omitempty"`
}

// Validate checks the structural invariants of a query. The future-skew check
// belongs to the query service, which owns the clock.
func (q *Query) Validate() error {
	if q.TimeRange.From.IsZero() || q.TimeRange.To.IsZero() {
		return errors.Validation(errors.CodeInvalidTimeRange, "time range is required").Build()
	}
	return q.validateBody()
}

// ValidateUnbounded applies every check except requiring a time range. Live
// subscriptions may leave the range open to match all future entries.
func (q *Query) ValidateUnbounded() error {
	return q.validateBody()
}

func (q *Query) validateBody() error {
	if q.TimeRange.From.IsZero() != q.TimeRange.To.IsZero() {
		return errors.Validation(errors.CodeInvalidTimeRange, "time range must set both bounds or neither").Build()
	}
	if !q.TimeRange.From.IsZero() && q.TimeRange.From.After(q.TimeRange.To) {
		return errors.Validation(errors.CodeInvalidTimeRange, "time range from is after to").Build()
	}
	if q.Limit < 0 || q.Offset < 0 {
		return errors.Validation(errors.CodeInvalidQuery, "limit and offset must be non-negative").Build()
	}
	for _, l := range q.Levels {
		if !l.Valid() {
			return errors.Validation(errors.CodeInvalidQuery, "unknown level in levels filter").Build()
		}
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return errors.Validation(errors.CodeInvalidQuery, "filter field is required").Build()
		}
	}
	return nil
}

// EffectiveLimit returns the limit to apply, defaulting when unset.
func (q *Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

// ServiceFilters returns the set of services the query is constrained to,
// from both Sources and structured filters on source.service.
func (q *Query) ServiceFilters() []string {
	services := append([]string(nil), q.Sources...)
	for _, f := range q.Filters {
		if f.Field == "source.service" && f.Operator == OpEquals {
			services = append(services, f.Value)
		}
	}
	return services
}

// Matches reports whether a single entry satisfies the query's filters. It is
// used by the subscription manager and by the cold tier's client-side filter.
func (q *Query) Matches(e *logentry.Entry) bool {
	if !q.TimeRange.From.IsZero() && !q.TimeRange.Contains(e.Timestamp) {
		return false
	}
	if len(q.Levels) > 0 {
		found := false
		for _, l := range q.Levels {
			if e.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Sources) > 0 {
		found := false
		for _, s := range q.Sources {
			if e.Source.Service == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.TextSearch != "" &&
		!strings.Contains(strings.ToLower(e.Message.Raw), strings.ToLower(q.TextSearch)) {
		return false
	}
	for _, f := range q.Filters {
		if !matchFilter(e, f) {
			return false
		}
	}
	return true
}

// Package cache implements the two-level in-process query cache: a fast,
// full-fidelity L1 and a dense, snappy-compressed L2 sharing one eviction
// candidate pool. Entries are keyed by a deterministic query fingerprint and
// invalidated by free-form tags.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"heimdall-backend/internal/domain/query"
)

// Fingerprint computes a deterministic identity for a query. Two queries with
// structurally equal fields after canonicalization produce the same
// fingerprint and must be eligible to share a result.
func Fingerprint(q *query.Query) string {
	var b strings.Builder

	// Natural language: lowercased, whitespace collapsed.
	b.WriteString("nl=")
	b.WriteString(strings.Join(strings.Fields(strings.ToLower(q.NaturalLanguage)), " "))

	// Time range at millisecond precision.
	fmt.Fprintf(&b, ";from=%d;to=%d", q.TimeRange.From.UnixMilli(), q.TimeRange.To.UnixMilli())

	// Structured filters in stable order.
	filters := append([]query.Filter(nil), q.Filters...)
	sort.Slice(filters, func(i, j int) bool {
		if filters[i].Field != filters[j].Field {
			return filters[i].Field < filters[j].Field
		}
		if filters[i].Operator != filters[j].Operator {
			return filters[i].Operator < filters[j].Operator
		}
		return filters[i].Value < filters[j].Value
	})
	for _, f := range filters {
		fmt.Fprintf(&b, ";f=%s,%s,%s", f.Field, f.Operator, f.Value)
	}

	levels := make([]string, 0, len(q.Levels))
	for _, l := range q.Levels {
		levels = append(levels, string(l))
	}
	sort.Strings(levels)
	b.WriteString(";lv=")
	b.WriteString(strings.Join(levels, ","))

	sources := append([]string(nil), q.Sources...)
	sort.Strings(sources)
	b.WriteString(";src=")
	b.WriteString(strings.Join(sources, ","))

	b.WriteString(";txt=")
	b.WriteString(strings.ToLower(strings.TrimSpace(q.TextSearch)))

	aggs := append([]query.Aggregation(nil), q.Aggregations...)
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Type != aggs[j].Type {
			return aggs[i].Type < aggs[j].Type
		}
		return aggs[i].Field < aggs[j].Field
	})
	for _, a := range aggs {
		fmt.Fprintf(&b, ";agg=%s,%s,%d", a.Type, a.Field, a.Interval.Milliseconds())
	}

	fmt.Fprintf(&b, ";sort=%s;limit=%d;offset=%d;cs=%s",
		q.Sort, q.Limit, q.Offset, q.Hints.CacheStrategy)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// DerivedTags computes the implicit invalidation tags for a query:
// service:<name> for each service constraint and a timerange bucket tag.
func DerivedTags(q *query.Query) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, svc := range q.ServiceFilters() {
		tag := "service:" + svc
		if _, ok := seen[tag]; !ok {
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}

	span := q.TimeRange.Duration()
	switch {
	case span <= time.Hour:
		tags = append(tags, "timerange:short")
	case span <= 24*time.Hour:
		tags = append(tags, "timerange:medium")
	default:
		tags = append(tags, "timerange:long")
	}
	return tags
}

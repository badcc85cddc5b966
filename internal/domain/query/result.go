package query

import (
	"sort"
	"time"

	"heimdall-backend/internal/domain/logentry"
)

// AggregationResult holds the computed value(s) for one requested aggregation.
// Scalar aggregations fill Value; terms fills Buckets keyed by term;
// date_histogram fills Buckets keyed by RFC3339 bucket start.
type AggregationResult struct {
	Type    AggregationType    `json:"type"`
	Field   string             `json:"field,omitempty"`
	Value   float64            `json:"value,omitempty"`
	Buckets map[string]float64 `json:"buckets,omitempty"`
}

// Performance describes how a query was served. Took is the max across tiers
// queried in parallel, not the sum.
type Performance struct {
	TookMS          int64    `json:"tookMs"`
	TimedOut        bool     `json:"timedOut"`
	CacheHit        bool     `json:"cacheHit"`
	StorageAccessed []string `json:"storageAccessed"`
	Degraded        bool     `json:"degraded"`
}

// Insight is an ML annotation attached to a result when mlFeatures is set.
type Insight struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Result is the envelope returned by the query service and cached by the
// query cache.
type Result struct {
	Logs         []*logentry.Entry   `json:"logs"`
	Total        int                 `json:"total"`
	Aggregations []AggregationResult `json:"aggregations,omitempty"`
	Performance  Performance         `json:"performance"`
	Insights     []Insight           `json:"insights,omitempty"`
}

// SizeEstimate approximates the in-memory footprint of the result for cache
// accounting. It intentionally overcounts slightly rather than undercounting.
func (r *Result) SizeEstimate() int {
	size := 256
	for _, e := range r.Logs {
		size += 256 + len(e.Message.Raw) + len(e.Message.Template)
		for k, v := range e.Message.Parameters {
			size += len(k) + len(v) + 16
		}
	}
	size += len(r.Aggregations) * 128
	return size
}

// SortLogs orders logs by timestamp according to order, tie-broken on ID so
// that merge output is deterministic.
func SortLogs(logs []*logentry.Entry, order SortOrder) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		if order == SortAsc {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

// Paginate applies offset and limit to logs, returning the page.
func Paginate(logs []*logentry.Entry, offset, limit int) []*logentry.Entry {
	if offset >= len(logs) {
		return nil
	}
	logs = logs[offset:]
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}

// BucketStart aligns ts to epoch + k*interval in UTC.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = time.Hour
	}
	return time.Unix(0, (ts.UnixNano()/int64(interval))*int64(interval)).UTC()
}

package query

import (
	"strconv"
	"time"

	"heimdall-backend/internal/domain/logentry"
)

// Aggregate computes the requested aggregations over entries. Tiers without
// native aggregation support call this after fetching; the merge path calls it
// again over the combined set so cross-tier aggregates stay exact.
func Aggregate(entries []*logentry.Entry, aggs []Aggregation) []AggregationResult {
	if len(aggs) == 0 {
		return nil
	}
	results := make([]AggregationResult, 0, len(aggs))
	for _, a := range aggs {
		results = append(results, aggregateOne(entries, a))
	}
	return results
}

func aggregateOne(entries []*logentry.Entry, a Aggregation) AggregationResult {
	res := AggregationResult{Type: a.Type, Field: a.Field}

	switch a.Type {
	case AggCount:
		res.Value = float64(len(entries))

	case AggSum, AggAvg, AggMin, AggMax:
		var sum float64
		var n int
		var min, max float64
		for _, e := range entries {
			v, ok := numericField(e, a.Field)
			if !ok {
				continue
			}
			if n == 0 {
				min, max = v, v
			} else {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			sum += v
			n++
		}
		switch a.Type {
		case AggSum:
			res.Value = sum
		case AggAvg:
			if n > 0 {
				res.Value = sum / float64(n)
			}
		case AggMin:
			res.Value = min
		case AggMax:
			res.Value = max
		}

	case AggTerms:
		buckets := make(map[string]float64)
		for _, e := range entries {
			if v, ok := fieldValue(e, a.Field); ok {
				buckets[v]++
			}
		}
		res.Buckets = buckets

	case AggDateHistogram:
		buckets := make(map[string]float64)
		for _, e := range entries {
			key := BucketStart(e.Timestamp, a.Interval).Format(time.RFC3339)
			buckets[key]++
		}
		res.Buckets = buckets
	}

	return res
}

func numericField(e *logentry.Entry, field string) (float64, bool) {
	v, ok := fieldValue(e, field)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

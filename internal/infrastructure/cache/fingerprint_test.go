package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
)

func fpQuery() *query.Query {
	to := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return &query.Query{
		TimeRange:       query.TimeRange{From: to.Add(-time.Hour), To: to},
		NaturalLanguage: "errors in checkout",
		Filters: []query.Filter{
			{Field: "source.service", Operator: query.OpEquals, Value: "checkout"},
			{Field: "level", Operator: query.OpEquals, Value: "ERROR"},
		},
		Levels:  []logentry.Level{logentry.LevelError, logentry.LevelWarn},
		Sources: []string{"checkout", "payments"},
		Limit:   50,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := fpQuery()
	b := fpQuery()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresFieldOrder(t *testing.T) {
	a := fpQuery()

	b := fpQuery()
	b.Filters[0], b.Filters[1] = b.Filters[1], b.Filters[0]
	b.Levels[0], b.Levels[1] = b.Levels[1], b.Levels[0]
	b.Sources[0], b.Sources[1] = b.Sources[1], b.Sources[0]

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintNormalizesText(t *testing.T) {
	a := fpQuery()
	b := fpQuery()
	b.NaturalLanguage = "  Errors   IN   checkout "

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintSensitiveToSemantics(t *testing.T) {
	base := fpQuery()

	shifted := fpQuery()
	shifted.TimeRange.To = shifted.TimeRange.To.Add(time.Minute)
	assert.NotEqual(t, Fingerprint(base), Fingerprint(shifted))

	limited := fpQuery()
	limited.Limit = 10
	assert.NotEqual(t, Fingerprint(base), Fingerprint(limited))

	filtered := fpQuery()
	filtered.Filters = filtered.Filters[:1]
	assert.NotEqual(t, Fingerprint(base), Fingerprint(filtered))
}

func TestDerivedTags(t *testing.T) {
	q := fpQuery()
	tags := DerivedTags(q)

	assert.Contains(t, tags, "service:checkout")
	assert.Contains(t, tags, "service:payments")
	assert.Contains(t, tags, "timerange:short")

	// Duplicate service constraints collapse to one tag.
	count := 0
	for _, tag := range tags {
		if tag == "service:checkout" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDerivedTagsTimerangeBuckets(t *testing.T) {
	to := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	medium := &query.Query{TimeRange: query.TimeRange{From: to.Add(-6 * time.Hour), To: to}}
	assert.Contains(t, DerivedTags(medium), "timerange:medium")

	long := &query.Query{TimeRange: query.TimeRange{From: to.Add(-72 * time.Hour), To: to}}
	assert.Contains(t, DerivedTags(long), "timerange:long")
}

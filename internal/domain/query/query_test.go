package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/errors"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func boundedRange() TimeRange {
	return TimeRange{From: ts("2026-08-01T00:00:00Z"), To: ts("2026-08-02T00:00:00Z")}
}

func TestValidateRequiresTimeRange(t *testing.T) {
	q := &Query{}
	err := q.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.CodeInvalidTimeRange, errors.CodeOf(err))

	q.TimeRange = boundedRange()
	require.NoError(t, q.Validate())
}

func TestValidateRejectsInvertedRange(t *testing.T) {
	q := &Query{TimeRange: TimeRange{
		From: ts("2026-08-02T00:00:00Z"),
		To:   ts("2026-08-01T00:00:00Z"),
	}}
	err := q.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidTimeRange, errors.CodeOf(err))
}

func TestValidateUnboundedAllowsOpenRange(t *testing.T) {
	q := &Query{Levels: []logentry.Level{logentry.LevelError}}
	require.NoError(t, q.ValidateUnbounded())

	// A half-set range stays invalid even for subscriptions.
	q.TimeRange.From = ts("2026-08-01T00:00:00Z")
	err := q.ValidateUnbounded()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidTimeRange, errors.CodeOf(err))
}

func TestValidateBodyRejections(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"negative limit", Query{TimeRange: boundedRange(), Limit: -1}},
		{"negative offset", Query{TimeRange: boundedRange(), Offset: -5}},
		{"unknown level", Query{TimeRange: boundedRange(), Levels: []logentry.Level{"VERBOSE"}}},
		{"empty filter field", Query{TimeRange: boundedRange(), Filters: []Filter{{Operator: OpEquals, Value: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestEffectiveLimitDefaults(t *testing.T) {
	q := &Query{}
	assert.Equal(t, 100, q.EffectiveLimit())
	q.Limit = 25
	assert.Equal(t, 25, q.EffectiveLimit())
}

func TestServiceFiltersMergesSourcesAndFilters(t *testing.T) {
	q := &Query{
		Sources: []string{"api"},
		Filters: []Filter{
			{Field: "source.service", Operator: OpEquals, Value: "worker"},
			{Field: "source.service", Operator: OpNotEquals, Value: "ignored"},
			{Field: "level", Operator: OpEquals, Value: "ERROR"},
		},
	}
	assert.ElementsMatch(t, []string{"api", "worker"}, q.ServiceFilters())
}

func matchEntry() *logentry.Entry {
	dur := 1200.0
	return &logentry.Entry{
		ID:        "e-1",
		Timestamp: ts("2026-08-01T12:00:00Z"),
		Level:     logentry.LevelError,
		Source:    logentry.Source{Service: "payments", Region: "eu-west-1"},
		Message: logentry.Message{
			Raw:        "charge declined for order 81",
			Parameters: map[string]string{"order": "81"},
		},
		Metrics: &logentry.Metrics{DurationMS: &dur},
	}
}

func TestMatchesLevelsSourcesAndRange(t *testing.T) {
	e := matchEntry()

	q := &Query{TimeRange: boundedRange(), Levels: []logentry.Level{logentry.LevelError}, Sources: []string{"payments"}}
	assert.True(t, q.Matches(e))

	q.Levels = []logentry.Level{logentry.LevelInfo}
	assert.False(t, q.Matches(e))

	q.Levels = nil
	q.Sources = []string{"checkout"}
	assert.False(t, q.Matches(e))

	q.Sources = nil
	q.TimeRange = TimeRange{From: ts("2026-08-03T00:00:00Z"), To: ts("2026-08-04T00:00:00Z")}
	assert.False(t, q.Matches(e))

	// Unbounded range matches any timestamp.
	q.TimeRange = TimeRange{}
	assert.True(t, q.Matches(e))
}

func TestMatchesTextSearch(t *testing.T) {
	e := matchEntry()

	q := &Query{TextSearch: "Charge Declined"}
	assert.True(t, q.Matches(e))

	q.TextSearch = "refund issued"
	assert.False(t, q.Matches(e))
}

func TestMatchesStructuredFilters(t *testing.T) {
	e := matchEntry()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"equals hit", Filter{Field: "source.service", Operator: OpEquals, Value: "payments"}, true},
		{"equals miss", Filter{Field: "source.service", Operator: OpEquals, Value: "search"}, false},
		{"not equals", Filter{Field: "level", Operator: OpNotEquals, Value: "INFO"}, true},
		{"contains", Filter{Field: "message.raw", Operator: OpContains, Value: "declined"}, true},
		{"numeric gt", Filter{Field: "metrics.durationMs", Operator: OpGreaterThan, Value: "1000"}, true},
		{"numeric lt miss", Filter{Field: "metrics.durationMs", Operator: OpLessThan, Value: "1000"}, false},
		{"exists", Filter{Field: "source.region", Operator: OpExists}, true},
		{"exists negated", Filter{Field: "trace.traceId", Operator: OpExists, Value: "false"}, true},
		{"message parameter", Filter{Field: "message.parameters.order", Operator: OpEquals, Value: "81"}, true},
		{"absent field equals", Filter{Field: "entities.user", Operator: OpEquals, Value: "u-1"}, false},
		{"absent field not equals", Filter{Field: "entities.user", Operator: OpNotEquals, Value: "u-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &Query{Filters: []Filter{tt.filter}}
			assert.Equal(t, tt.want, q.Matches(e))
		})
	}
}

func TestSortLogsDeterministicTieBreak(t *testing.T) {
	at := ts("2026-08-01T10:00:00Z")
	logs := []*logentry.Entry{
		{ID: "b", Timestamp: at},
		{ID: "a", Timestamp: at},
		{ID: "c", Timestamp: at.Add(time.Minute)},
	}

	SortLogs(logs, SortDesc)
	assert.Equal(t, []string{"c", "a", "b"}, []string{logs[0].ID, logs[1].ID, logs[2].ID})

	SortLogs(logs, SortAsc)
	assert.Equal(t, []string{"a", "b", "c"}, []string{logs[0].ID, logs[1].ID, logs[2].ID})
}

func TestPaginate(t *testing.T) {
	logs := []*logentry.Entry{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}

	page := Paginate(logs, 1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].ID)

	assert.Nil(t, Paginate(logs, 10, 2))
	assert.Len(t, Paginate(logs, 0, 0), 4)
}

func TestBucketStartAlignsToInterval(t *testing.T) {
	at := ts("2026-08-01T10:37:12Z")
	assert.Equal(t, ts("2026-08-01T10:30:00Z"), BucketStart(at, 15*time.Minute))
	// Non-positive intervals fall back to hourly buckets.
	assert.Equal(t, ts("2026-08-01T10:00:00Z"), BucketStart(at, 0))
}

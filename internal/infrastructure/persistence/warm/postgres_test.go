package warm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/infrastructure/pool"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func warmEntry(t *testing.T, id string, ts time.Time, level logentry.Level, service string) (*logentry.Entry, []byte) {
	t.Helper()
	e := &logentry.Entry{
		ID:        id,
		Timestamp: ts,
		Level:     level,
		Message:   logentry.Message{Raw: "connection reset by peer"},
		Source:    logentry.Source{Service: service},
	}
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return e, payload
}

func TestStoreBatchCreatesPartitionAndInserts(t *testing.T) {
	a, mock := newMockAdapter(t)
	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	e, _ := warmEntry(t, "e-1", ts, logentry.LevelInfo, "api")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS log_entries_202608 PARTITION OF log_entries FOR VALUES FROM ('2026-08-01') TO ('2026-09-01')").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO log_entries (id, ts, level, service, payload) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (ts, id) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.StoreBatch(context.Background(), []*logentry.Entry{e}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryPushesDownLevelAndService(t *testing.T) {
	a, mock := newMockAdapter(t)
	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	from, to := ts, ts.Add(time.Hour)

	_, p1 := warmEntry(t, "e-1", ts.Add(time.Minute), logentry.LevelError, "checkout")
	_, p2 := warmEntry(t, "e-2", ts.Add(2*time.Minute), logentry.LevelError, "checkout")

	mock.ExpectQuery("SELECT payload FROM log_entries WHERE ts >= $1 AND ts <= $2 AND level IN ($3) AND service IN ($4)").
		WithArgs(from, to, "ERROR", "checkout").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(p1).AddRow(p2))

	q := &query.Query{
		TimeRange: query.TimeRange{From: from, To: to},
		Levels:    []logentry.Level{logentry.LevelError},
		Sources:   []string{"checkout"},
	}
	res, err := a.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, "e-2", res.Logs[0].ID) // timestamp descending
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryTextSearchPushdown(t *testing.T) {
	a, mock := newMockAdapter(t)
	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT payload FROM log_entries WHERE ts >= $1 AND ts <= $2 AND payload->'message'->>'raw' ILIKE $3").
		WithArgs(ts, ts.Add(time.Hour), "%reset%").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	q := &query.Query{
		TimeRange:  query.TimeRange{From: ts, To: ts.Add(time.Hour)},
		TextSearch: "reset",
	}
	res, err := a.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAppliesResidualFiltersClientSide(t *testing.T) {
	a, mock := newMockAdapter(t)
	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	match, p1 := warmEntry(t, "e-1", ts.Add(time.Minute), logentry.LevelError, "checkout")
	match.Trace = &logentry.Trace{TraceID: "abc"}
	p1, _ = json.Marshal(match)
	_, p2 := warmEntry(t, "e-2", ts.Add(2*time.Minute), logentry.LevelError, "checkout")

	mock.ExpectQuery("SELECT payload FROM log_entries WHERE ts >= $1 AND ts <= $2").
		WithArgs(ts, ts.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(p1).AddRow(p2))

	q := &query.Query{
		TimeRange: query.TimeRange{From: ts, To: ts.Add(time.Hour)},
		Filters: []query.Filter{
			{Field: "trace.traceId", Operator: query.OpEquals, Value: "abc"},
		},
	}
	res, err := a.Query(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "e-1", res.Logs[0].ID)
}

func TestQueryRunsOnPooledConnection(t *testing.T) {
	a, mock := newMockAdapter(t)
	p := pool.New("warm-db", config.PoolConfig{
		MaxSize:        2,
		AcquireTimeout: time.Second,
	}, a.ConnFactory(), nil, nil, zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })
	a.UsePool(p)

	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT payload FROM log_entries WHERE ts >= $1 AND ts <= $2").
		WithArgs(ts, ts.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	q := &query.Query{TimeRange: query.TimeRange{From: ts, To: ts.Add(time.Hour)}}
	_, err := a.Query(context.Background(), q)
	require.NoError(t, err)

	// The query checked a dedicated connection out of the pool and returned it.
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, 0, stats.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadBefore(t *testing.T) {
	a, mock := newMockAdapter(t)
	cutoff := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	_, p1 := warmEntry(t, "old-1", cutoff.Add(-time.Hour), logentry.LevelInfo, "api")
	mock.ExpectQuery("SELECT payload FROM log_entries WHERE ts < $1 ORDER BY ts ASC LIMIT $2").
		WithArgs(cutoff, 1000).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(p1))

	entries, err := a.ReadBefore(context.Background(), cutoff, 1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old-1", entries[0].ID)
}

func TestDeleteByCompositeKey(t *testing.T) {
	a, mock := newMockAdapter(t)
	ts := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	e1, _ := warmEntry(t, "e-1", ts, logentry.LevelInfo, "api")
	e2, _ := warmEntry(t, "e-2", ts.Add(time.Second), logentry.LevelInfo, "api")

	mock.ExpectExec("DELETE FROM log_entries WHERE (ts, id) IN (($1, $2), ($3, $4))").
		WithArgs(e1.Timestamp, "e-1", e2.Timestamp, "e-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, a.Delete(context.Background(), []*logentry.Entry{e1, e2}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnforceRetentionDropsWholeMonths(t *testing.T) {
	a, mock := newMockAdapter(t)
	cutoff := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT tablename FROM pg_tables WHERE tablename LIKE $1").
		WithArgs("log_entries_%").
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).
			AddRow("log_entries_202606").
			AddRow("log_entries_202607").
			AddRow("log_entries_202608"))

	// June and July end before August; the current month survives.
	mock.ExpectExec("DROP TABLE IF EXISTS log_entries_202606").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS log_entries_202607").WillReturnResult(sqlmock.NewResult(0, 0))

	dropped, err := a.EnforceRetention(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	a, mock := newMockAdapter(t)
	oldest := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT count(*), coalesce(min(ts), 'epoch'), coalesce(max(ts), 'epoch'), pg_total_relation_size('log_entries') FROM log_entries").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min", "max", "size"}).
			AddRow(int64(1234), oldest, newest, int64(5<<20)))

	s, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Healthy)
	assert.Equal(t, int64(1234), s.EntryCount)
	assert.Equal(t, oldest, s.OldestEntry)
	assert.Equal(t, newest, s.NewestEntry)
}

// Package warm implements the warm storage tier on PostgreSQL. Entries land in
// a parent table partitioned by month, so retention is a partition drop rather
// than a bulk delete.
package warm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/persistence"
	"heimdall-backend/internal/infrastructure/pool"
)

const (
	parentTable     = "log_entries"
	partitionFormat = "200601" // log_entries_YYYYMM
	insertChunk     = 500
)

// Adapter is the warm-tier storage adapter.
type Adapter struct {
	db     *sqlx.DB
	pool   *pool.Pool
	logger *zap.Logger
}

// dbtx is the database surface the adapter executes against: the shared
// handle, or a dedicated pooled connection.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New wraps an existing database handle. Tests inject a sqlmock-backed handle.
func New(db *sqlx.DB, logger *zap.Logger) *Adapter {
	return &Adapter{db: db, logger: logger}
}

// Open connects to Postgres and bootstraps the schema.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Adapter, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier connection failed").
			WithOperation("warm.Open").WithCause(err).Build()
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier ping failed").
			WithOperation("warm.Open").WithCause(err).Build()
	}

	a := &Adapter{db: db, logger: logger}
	if err := a.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// UsePool routes every operation through a bounded connection pool instead of
// the driver's built-in pooling. Called once during wiring, before traffic.
func (a *Adapter) UsePool(p *pool.Pool) { a.pool = p }

// ConnFactory adapts the database handle to the connection pool: each pooled
// handle is a dedicated *sql.Conn checked out of the driver.
func (a *Adapter) ConnFactory() pool.Factory { return connFactory{db: a.db} }

type connFactory struct{ db *sqlx.DB }

func (f connFactory) Create(ctx context.Context) (any, error) { return f.db.DB.Conn(ctx) }

func (f connFactory) Validate(ctx context.Context, handle any) error {
	return handle.(*sql.Conn).PingContext(ctx)
}

func (f connFactory) Destroy(handle any) error { return handle.(*sql.Conn).Close() }

// session returns the handle to execute against and a release func. With a
// pool attached, each operation runs on one acquired connection.
func (a *Adapter) session(ctx context.Context) (dbtx, func(), error) {
	if a.pool == nil {
		return a.db, func() {}, nil
	}
	conn, err := a.pool.Acquire(ctx, pool.PriorityNormal)
	if err != nil {
		return nil, nil, err
	}
	return conn.Handle.(*sql.Conn), func() { a.pool.Release(conn) }, nil
}

func (a *Adapter) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
			id      text        NOT NULL,
			ts      timestamptz NOT NULL,
			level   text        NOT NULL,
			service text        NOT NULL,
			payload jsonb       NOT NULL,
			PRIMARY KEY (ts, id)
		) PARTITION BY RANGE (ts)`,
		`CREATE INDEX IF NOT EXISTS log_entries_service_level_ts
			ON log_entries (service, level, ts)`,
	}
	for _, stmt := range ddl {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return errors.Unavailable(errors.CodeStorageUnavailable, "warm tier schema bootstrap failed").
				WithOperation("warm.ensureSchema").WithCause(err).Build()
		}
	}
	return nil
}

func (a *Adapter) Name() string { return persistence.TierWarm }

func (a *Adapter) Capabilities() []persistence.Capability {
	return []persistence.Capability{
		persistence.CapSearch,
		persistence.CapAggregations,
		persistence.CapTextSearch,
		persistence.CapTimeRangePruning,
	}
}

// Store persists one entry. Duplicate (ts, id) pairs are ignored so migration
// re-runs stay idempotent.
func (a *Adapter) Store(ctx context.Context, e *logentry.Entry) error {
	return a.StoreBatch(ctx, []*logentry.Entry{e})
}

// StoreBatch inserts entries in chunks with a multi-row VALUES list. Every
// month the batch touches gets its partition created first.
func (a *Adapter) StoreBatch(ctx context.Context, entries []*logentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	db, release, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := a.ensurePartitions(ctx, db, entries); err != nil {
		return err
	}

	for start := 0; start < len(entries); start += insertChunk {
		end := start + insertChunk
		if end > len(entries) {
			end = len(entries)
		}
		if err := a.insertChunk(ctx, db, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) insertChunk(ctx context.Context, db dbtx, entries []*logentry.Entry) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO log_entries (id, ts, level, service, payload) VALUES ")
	args := make([]any, 0, len(entries)*5)
	for i, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return errors.Internal(errors.CodeStorageUnavailable, "failed to encode entry payload").
				WithOperation("warm.StoreBatch").WithCause(err).Build()
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, e.ID, e.Timestamp, string(e.Level), e.Source.Service, payload)
	}
	sb.WriteString(" ON CONFLICT (ts, id) DO NOTHING")

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Unavailable(errors.CodeStorageUnavailable, "warm tier insert failed").
			WithOperation("warm.StoreBatch").WithResource(parentTable).WithCause(err).Build()
	}
	return nil
}

func (a *Adapter) ensurePartitions(ctx context.Context, db dbtx, entries []*logentry.Entry) error {
	months := make(map[time.Time]struct{})
	for _, e := range entries {
		months[monthStart(e.Timestamp)] = struct{}{}
	}
	for month := range months {
		name := partitionName(month)
		stmt := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s PARTITION OF log_entries FOR VALUES FROM ('%s') TO ('%s')",
			name,
			month.Format("2006-01-02"),
			month.AddDate(0, 1, 0).Format("2006-01-02"),
		)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Unavailable(errors.CodeStorageUnavailable, "warm tier partition creation failed").
				WithOperation("warm.ensurePartitions").WithResource(name).WithCause(err).Build()
		}
	}
	return nil
}

// Query pushes the time range, level, service, and text predicates down to
// Postgres, then applies the remaining filters client-side for full fidelity.
func (a *Adapter) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	sqlText, args := buildSelect(q)

	db, release, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier query failed").
			WithOperation("warm.Query").WithResource(parentTable).WithCause(err).Build()
	}
	defer rows.Close()

	matched, err := scanEntries(rows, q)
	if err != nil {
		return nil, err
	}

	query.SortLogs(matched, q.Sort)
	aggs := query.Aggregate(matched, q.Aggregations)
	page := query.Paginate(matched, q.Offset, q.EffectiveLimit())

	return &query.Result{
		Logs:         page,
		Total:        len(matched),
		Aggregations: aggs,
	}, nil
}

// buildSelect assembles the pushdown query. Placeholders are generated, never
// concatenated from caller input.
func buildSelect(q *query.Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT payload FROM log_entries WHERE ts >= $1 AND ts <= $2")
	args := []any{q.TimeRange.From, q.TimeRange.To}

	if len(q.Levels) > 0 {
		sb.WriteString(" AND level IN (")
		for i, l := range q.Levels {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, string(l))
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	if len(q.Sources) > 0 {
		sb.WriteString(" AND service IN (")
		for i, s := range q.Sources {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, s)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	if q.TextSearch != "" {
		args = append(args, "%"+q.TextSearch+"%")
		fmt.Fprintf(&sb, " AND payload->'message'->>'raw' ILIKE $%d", len(args))
	}

	return sb.String(), args
}

func scanEntries(rows *sql.Rows, q *query.Query) ([]*logentry.Entry, error) {
	var matched []*logentry.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Internal(errors.CodeStorageUnavailable, "warm tier row scan failed").
				WithOperation("warm.Query").WithCause(err).Build()
		}
		var e logentry.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			continue // skip corrupt payloads, do not fail the query
		}
		if q == nil || q.Matches(&e) {
			matched = append(matched, &e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier row iteration failed").
			WithOperation("warm.Query").WithCause(err).Build()
	}
	return matched, nil
}

// ReadBefore returns up to limit entries older than cutoff, oldest first.
func (a *Adapter) ReadBefore(ctx context.Context, cutoff time.Time, limit int) ([]*logentry.Entry, error) {
	db, release, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx,
		"SELECT payload FROM log_entries WHERE ts < $1 ORDER BY ts ASC LIMIT $2",
		cutoff, limit)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier migration read failed").
			WithOperation("warm.ReadBefore").WithResource(parentTable).WithCause(err).Build()
	}
	defer rows.Close()
	return scanEntries(rows, nil)
}

// Delete removes entries by primary key.
func (a *Adapter) Delete(ctx context.Context, entries []*logentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("DELETE FROM log_entries WHERE (ts, id) IN (")
	args := make([]any, 0, len(entries)*2)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, e.Timestamp, e.ID)
		fmt.Fprintf(&sb, "($%d, $%d)", len(args)-1, len(args))
	}
	sb.WriteString(")")

	db, release, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Unavailable(errors.CodeStorageUnavailable, "warm tier delete failed").
			WithOperation("warm.Delete").WithResource(parentTable).WithCause(err).Build()
	}
	return nil
}

// EnforceRetention drops every partition wholly before cutoff's month.
func (a *Adapter) EnforceRetention(ctx context.Context, cutoff time.Time) (int, error) {
	db, release, err := a.session(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	rows, err := db.QueryContext(ctx,
		"SELECT tablename FROM pg_tables WHERE tablename LIKE $1", parentTable+"_%")
	if err != nil {
		return 0, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier partition listing failed").
			WithOperation("warm.EnforceRetention").WithCause(err).Build()
	}
	defer rows.Close()

	var stale []string
	limit := monthStart(cutoff)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, errors.Internal(errors.CodeStorageUnavailable, "warm tier partition scan failed").
				WithOperation("warm.EnforceRetention").WithCause(err).Build()
		}
		month, err := time.Parse(partitionFormat, strings.TrimPrefix(name, parentTable+"_"))
		if err != nil {
			continue // not one of ours
		}
		if month.AddDate(0, 1, 0).Before(limit) || month.AddDate(0, 1, 0).Equal(limit) {
			stale = append(stale, name)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier partition iteration failed").
			WithOperation("warm.EnforceRetention").WithCause(err).Build()
	}

	for _, name := range stale {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return 0, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier partition drop failed").
				WithOperation("warm.EnforceRetention").WithResource(name).WithCause(err).Build()
		}
		a.logger.Info("dropped expired warm partition", zap.String("partition", name))
	}
	return len(stale), nil
}

// Stats reports the warm tier footprint.
func (a *Adapter) Stats(ctx context.Context) (persistence.Stats, error) {
	s := persistence.Stats{Tier: persistence.TierWarm}

	db, release, err := a.session(ctx)
	if err != nil {
		return s, err
	}
	defer release()

	row := db.QueryRowContext(ctx,
		"SELECT count(*), coalesce(min(ts), 'epoch'), coalesce(max(ts), 'epoch'), pg_total_relation_size('log_entries') FROM log_entries")
	var oldest, newest time.Time
	if err := row.Scan(&s.EntryCount, &oldest, &newest, &s.SizeBytes); err != nil {
		return s, errors.Unavailable(errors.CodeStorageUnavailable, "warm tier stats failed").
			WithOperation("warm.Stats").WithResource(parentTable).WithCause(err).Build()
	}
	if s.EntryCount > 0 {
		s.OldestEntry, s.NewestEntry = oldest, newest
	}
	s.Healthy = true
	return s, nil
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

func monthStart(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(month time.Time) string {
	return parentTable + "_" + month.Format(partitionFormat)
}

// Package hot implements the hot storage tier on DynamoDB. Entries live in
// daily partitions (PK "LOGS#<day>") sorted by "<ts-nanos>#<id>" so time-range
// queries prune to the partitions the range touches.
package hot

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/persistence"
)

const (
	partitionPrefix  = "LOGS#"
	batchWriteMax    = 25
	unprocessedTries = 3
)

// DynamoAPI is the slice of the DynamoDB client the adapter uses. Tests
// substitute an in-memory fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// item is the DynamoDB shape of an entry. The full entry rides along as JSON;
// the projected attributes exist for server-side filtering.
type item struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	ID      string `dynamodbav:"ID"`
	TsNanos int64  `dynamodbav:"TsNanos"`
	Level   string `dynamodbav:"Level"`
	Service string `dynamodbav:"Service"`
	Payload []byte `dynamodbav:"Payload"`
	TTL     int64  `dynamodbav:"TTL,omitempty"`
}

// Adapter is the hot-tier storage adapter.
type Adapter struct {
	client    DynamoAPI
	table     string
	retention time.Duration
	logger    *zap.Logger
}

// New creates the hot tier adapter over an existing DynamoDB client.
func New(client DynamoAPI, table string, retention time.Duration, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, table: table, retention: retention, logger: logger}
}

// callError classifies a failed DynamoDB call. Throttling carries a
// Retry-After hint so callers back off instead of hammering the table.
func callError(op, table, msg string, err error) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
			return errors.Unavailable(errors.CodeStorageUnavailable, "hot tier throttled").
				WithOperation(op).WithResource(table).
				WithRetryAfter(time.Second).WithCause(err).Build()
		}
	}
	return errors.Unavailable(errors.CodeStorageUnavailable, msg).
		WithOperation(op).WithResource(table).WithCause(err).Build()
}

func (a *Adapter) Name() string { return persistence.TierHot }

func (a *Adapter) Capabilities() []persistence.Capability {
	return []persistence.Capability{
		persistence.CapSearch,
		persistence.CapAggregations,
		persistence.CapTimeRangePruning,
	}
}

// Store persists a single entry.
func (a *Adapter) Store(ctx context.Context, e *logentry.Entry) error {
	it, err := marshalEntry(e, a.retention)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return errors.Internal(errors.CodeStorageUnavailable, "failed to marshal entry item").
			WithOperation("hot.Store").WithCause(err).Build()
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      av,
	})
	if err != nil {
		return callError("hot.Store", a.table, "hot tier write failed", err)
	}
	return nil
}

// StoreBatch persists entries in chunks of 25, re-driving unprocessed items
// with backoff before failing.
func (a *Adapter) StoreBatch(ctx context.Context, entries []*logentry.Entry) error {
	for start := 0; start < len(entries); start += batchWriteMax {
		end := start + batchWriteMax
		if end > len(entries) {
			end = len(entries)
		}

		requests := make([]types.WriteRequest, 0, end-start)
		for _, e := range entries[start:end] {
			it, err := marshalEntry(e, a.retention)
			if err != nil {
				return err
			}
			av, err := attributevalue.MarshalMap(it)
			if err != nil {
				return errors.Internal(errors.CodeStorageUnavailable, "failed to marshal entry item").
					WithOperation("hot.StoreBatch").WithCause(err).Build()
			}
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: av},
			})
		}

		if err := a.writeChunk(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) writeChunk(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{a.table: requests}

	for attempt := 0; attempt < unprocessedTries; attempt++ {
		out, err := a.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return callError("hot.StoreBatch", a.table, "hot tier batch write failed", err)
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		a.logger.Warn("hot tier returned unprocessed items, retrying",
			zap.Int("remaining", len(pending[a.table])),
			zap.Int("attempt", attempt+1))

		select {
		case <-ctx.Done():
			return errors.Timeout(errors.CodeStorageUnavailable, "hot tier batch write canceled").
				WithOperation("hot.StoreBatch").WithCause(ctx.Err()).Build()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return errors.Unavailable(errors.CodeStorageUnavailable, "hot tier batch write left unprocessed items").
		WithOperation("hot.StoreBatch").WithResource(a.table).Build()
}

// Query executes a time-range query. Partitions outside the range are never
// touched; level and service predicates push down as a filter expression, and
// the remaining predicates apply client-side for full fidelity.
func (a *Adapter) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	var matched []*logentry.Entry

	for _, day := range daysInRange(q.TimeRange.From, q.TimeRange.To) {
		entries, err := a.queryDay(ctx, day, q)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if q.Matches(e) {
				matched = append(matched, e)
			}
		}
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

func (a *Adapter) queryDay(ctx context.Context, day string, q *query.Query) ([]*logentry.Entry, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(partitionPrefix + day)).
		And(expression.Key("SK").Between(
			expression.Value(sortKeyLowerBound(q.TimeRange.From)),
			expression.Value(sortKeyUpperBound(q.TimeRange.To)),
		))

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if filter, ok := pushdownFilter(q); ok {
		builder = builder.WithFilter(filter)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, errors.Internal(errors.CodeInvalidQuery, "failed to build hot tier expression").
			WithOperation("hot.Query").WithCause(err).Build()
	}

	var entries []*logentry.Entry
	var startKey map[string]types.AttributeValue
	for {
		out, err := a.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(a.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, callError("hot.Query", a.table, "hot tier query failed", err)
		}

		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				a.logger.Warn("skipping undecodable hot tier item", zap.Error(err))
				continue
			}
			e, err := unmarshalEntry(&it)
			if err != nil {
				a.logger.Warn("skipping corrupt hot tier payload",
					zap.String("id", it.ID), zap.Error(err))
				continue
			}
			entries = append(entries, e)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return entries, nil
}

// pushdownFilter builds a server-side filter for the predicates DynamoDB can
// evaluate cheaply. Returns false when nothing pushes down.
func pushdownFilter(q *query.Query) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder

	if len(q.Levels) > 0 {
		operands := make([]expression.OperandBuilder, 0, len(q.Levels))
		for _, l := range q.Levels {
			operands = append(operands, expression.Value(string(l)))
		}
		first := operands[0]
		conds = append(conds, expression.Name("Level").In(first, operands[1:]...))
	}
	if len(q.Sources) > 0 {
		operands := make([]expression.OperandBuilder, 0, len(q.Sources))
		for _, s := range q.Sources {
			operands = append(operands, expression.Value(s))
		}
		first := operands[0]
		conds = append(conds, expression.Name("Service").In(first, operands[1:]...))
	}

	switch len(conds) {
	case 0:
		return expression.ConditionBuilder{}, false
	case 1:
		return conds[0], true
	default:
		return expression.And(conds[0], conds[1]), true
	}
}

// ReadBefore returns up to limit entries older than cutoff, oldest first. The
// scan walks day partitions from the retention horizon forward. The table TTL
// expires entries at retention age, but TTL deletion can lag by up to two
// days, so the horizon reaches three days further back to catch entries a
// stalled migrator left behind.
func (a *Adapter) ReadBefore(ctx context.Context, cutoff time.Time, limit int) ([]*logentry.Entry, error) {
	horizon := cutoff.Add(-a.retention).Add(-3 * 24 * time.Hour)
	var collected []*logentry.Entry

	for _, day := range daysInRange(horizon, cutoff) {
		if len(collected) >= limit {
			break
		}
		keyCond := expression.Key("PK").Equal(expression.Value(partitionPrefix + day)).
			And(expression.Key("SK").LessThan(expression.Value(sortKeyLowerBound(cutoff))))
		expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
		if err != nil {
			return nil, errors.Internal(errors.CodeStorageUnavailable, "failed to build migration expression").
				WithOperation("hot.ReadBefore").WithCause(err).Build()
		}

		remaining := int32(limit - len(collected))
		out, err := a.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(a.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			Limit:                     aws.Int32(remaining),
			ScanIndexForward:          aws.Bool(true),
		})
		if err != nil {
			return nil, callError("hot.ReadBefore", a.table, "hot tier migration read failed", err)
		}

		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				continue
			}
			e, err := unmarshalEntry(&it)
			if err != nil {
				continue
			}
			collected = append(collected, e)
		}
	}
	return collected, nil
}

// Delete removes entries in chunks of 25.
func (a *Adapter) Delete(ctx context.Context, entries []*logentry.Entry) error {
	for start := 0; start < len(entries); start += batchWriteMax {
		end := start + batchWriteMax
		if end > len(entries) {
			end = len(entries)
		}

		requests := make([]types.WriteRequest, 0, end-start)
		for _, e := range entries[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: partitionPrefix + e.Day()},
						"SK": &types.AttributeValueMemberS{Value: sortKey(e)},
					},
				},
			})
		}
		if err := a.writeChunk(ctx, requests); err != nil {
			return errors.Wrap(err, "hot.Delete", "hot tier delete failed")
		}
	}
	return nil
}

// Stats reports the table's footprint from DescribeTable. ItemCount is
// eventually consistent, which is acceptable for capacity reporting.
func (a *Adapter) Stats(ctx context.Context) (persistence.Stats, error) {
	out, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.table),
	})
	if err != nil {
		return persistence.Stats{Tier: persistence.TierHot, Healthy: false},
			errors.Unavailable(errors.CodeStorageUnavailable, "hot tier describe failed").
				WithOperation("hot.Stats").WithResource(a.table).WithCause(err).Build()
	}

	s := persistence.Stats{Tier: persistence.TierHot, Healthy: true}
	if out.Table != nil {
		if out.Table.ItemCount != nil {
			s.EntryCount = *out.Table.ItemCount
		}
		if out.Table.TableSizeBytes != nil {
			s.SizeBytes = *out.Table.TableSizeBytes
		}
	}
	return s, nil
}

func (a *Adapter) Close() error { return nil }

// ============================================================================
// KEY AND PAYLOAD ENCODING
// ============================================================================

func marshalEntry(e *logentry.Entry, retention time.Duration) (*item, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Internal(errors.CodeStorageUnavailable, "failed to encode entry payload").
			WithOperation("hot.marshal").WithCause(err).Build()
	}
	return &item{
		PK:      partitionPrefix + e.Day(),
		SK:      sortKey(e),
		ID:      e.ID,
		TsNanos: e.Timestamp.UnixNano(),
		Level:   string(e.Level),
		Service: e.Source.Service,
		Payload: payload,
		TTL:     e.Timestamp.Add(retention).Unix(),
	}, nil
}

func unmarshalEntry(it *item) (*logentry.Entry, error) {
	var e logentry.Entry
	if err := json.Unmarshal(it.Payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// sortKey zero-pads nanoseconds so lexicographic order equals time order. The
// entry ID breaks ties between same-nanosecond entries.
func sortKey(e *logentry.Entry) string {
	return fmt.Sprintf("%020d#%s", e.Timestamp.UnixNano(), e.ID)
}

func sortKeyLowerBound(ts time.Time) string {
	return fmt.Sprintf("%020d#", ts.UnixNano())
}

func sortKeyUpperBound(ts time.Time) string {
	// "~" sorts after any hex/uuid character, making the bound inclusive of
	// every ID at the final nanosecond.
	return fmt.Sprintf("%020d#~", ts.UnixNano())
}

// daysInRange returns the UTC day keys a range touches, oldest first.
func daysInRange(from, to time.Time) []string {
	if to.Before(from) {
		return nil
	}
	var days []string
	day := time.Date(from.UTC().Year(), from.UTC().Month(), from.UTC().Day(), 0, 0, 0, 0, time.UTC)
	last := to.UTC()
	for !day.After(last) {
		days = append(days, day.Format("2006-01-02"))
		day = day.AddDate(0, 0, 1)
	}
	return days
}

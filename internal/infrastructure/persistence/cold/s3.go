// Package cold implements the cold storage tier on S3. Entries are batched
// into hour-aligned gzip JSONL objects under
// logs/YYYY/MM/DD/HH/<epoch-ms>.jsonl.gz, so a time-range query lists only the
// hour prefixes the range touches.
package cold

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/infrastructure/persistence"
)

const (
	keyPrefix   = "logs/"
	hourFormat  = "2006/01/02/15"
	deleteChunk = 1000 // DeleteObjects hard limit
	restoreDays = 1
)

// S3API is the slice of the S3 client the adapter uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
}

// Adapter is the cold-tier storage adapter.
type Adapter struct {
	client S3API
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

// New creates the cold tier adapter over an existing S3 client.
func New(client S3API, bucket string, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, bucket: bucket, logger: logger, now: time.Now}
}

func (a *Adapter) Name() string { return persistence.TierCold }

func (a *Adapter) Capabilities() []persistence.Capability {
	return []persistence.Capability{
		persistence.CapSearch,
		persistence.CapTimeRangePruning,
		persistence.CapRestore,
	}
}

// Store persists a single entry as a one-line object.
func (a *Adapter) Store(ctx context.Context, e *logentry.Entry) error {
	return a.StoreBatch(ctx, []*logentry.Entry{e})
}

// StoreBatch groups entries by hour and writes one gzip JSONL object per
// group. Object metadata carries the entry count and timestamp bounds so
// operators can reason about an object without downloading it.
func (a *Adapter) StoreBatch(ctx context.Context, entries []*logentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	groups := make(map[string][]*logentry.Entry)
	for _, e := range entries {
		groups[e.Hour().Format(hourFormat)] = append(groups[e.Hour().Format(hourFormat)], e)
	}

	for hour, group := range groups {
		body, first, last, err := encodeGroup(group)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%s/%d.jsonl.gz", keyPrefix, hour, a.now().UnixMilli())

		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
			Metadata: map[string]string{
				"log-count":       strconv.Itoa(len(group)),
				"first-timestamp": first.Format(time.RFC3339Nano),
				"last-timestamp":  last.Format(time.RFC3339Nano),
				"format":          "jsonl",
				"compression":     "gzip",
			},
		})
		if err != nil {
			return errors.Unavailable(errors.CodeStorageUnavailable, "cold tier write failed").
				WithOperation("cold.StoreBatch").WithResource(key).WithCause(err).Build()
		}
	}
	return nil
}

func encodeGroup(group []*logentry.Entry) ([]byte, time.Time, time.Time, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	first, last := group[0].Timestamp, group[0].Timestamp
	for _, e := range group {
		if err := enc.Encode(e); err != nil {
			return nil, time.Time{}, time.Time{}, errors.Internal(errors.CodeStorageUnavailable, "failed to encode entry line").
				WithOperation("cold.StoreBatch").WithCause(err).Build()
		}
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	if err := gz.Close(); err != nil {
		return nil, time.Time{}, time.Time{}, errors.Internal(errors.CodeStorageUnavailable, "failed to finish gzip stream").
			WithOperation("cold.StoreBatch").WithCause(err).Build()
	}
	return buf.Bytes(), first, last, nil
}

// Query lists the hour prefixes the range touches, downloads each object, and
// filters client-side. An archived object fails the query with a
// restore-required error rather than blocking on rehydration.
func (a *Adapter) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	var matched []*logentry.Entry

	for _, hour := range hoursInRange(q.TimeRange.From, q.TimeRange.To) {
		keys, err := a.listHour(ctx, hour)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			entries, err := a.readObject(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if q.Matches(e) {
					matched = append(matched, e)
				}
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

func (a *Adapter) listHour(ctx context.Context, hour string) ([]string, error) {
	prefix := keyPrefix + hour + "/"
	var keys []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.Unavailable(errors.CodeStorageUnavailable, "cold tier listing failed").
				WithOperation("cold.Query").WithResource(prefix).WithCause(err).Build()
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func (a *Adapter) readObject(ctx context.Context, key string) ([]*logentry.Entry, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var invalidState *s3types.InvalidObjectState
		if stderrors.As(err, &invalidState) {
			return nil, errors.Unavailable(errors.CodeRestoreRequired, "cold tier object is archived").
				WithOperation("cold.Query").WithResource(key).
				WithDetails("initiate a restore and retry once rehydration completes").
				WithCause(err).Build()
		}
		return nil, errors.Unavailable(errors.CodeStorageUnavailable, "cold tier read failed").
			WithOperation("cold.Query").WithResource(key).WithCause(err).Build()
	}
	defer out.Body.Close()

	return decodeObject(out.Body, key, a.logger)
}

func decodeObject(body io.Reader, key string, logger *zap.Logger) ([]*logentry.Entry, error) {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, errors.Internal(errors.CodeStorageUnavailable, "cold tier object is not valid gzip").
			WithOperation("cold.Query").WithResource(key).WithCause(err).Build()
	}
	defer gz.Close()

	var entries []*logentry.Entry
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), logentry.MaxRawMessageBytes*2)
	for scanner.Scan() {
		var e logentry.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logger.Warn("skipping corrupt cold tier line", zap.String("key", key), zap.Error(err))
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Internal(errors.CodeStorageUnavailable, "cold tier object read failed").
			WithOperation("cold.Query").WithResource(key).WithCause(err).Build()
	}
	return entries, nil
}

// ReadBefore returns up to limit entries older than cutoff, oldest first. Cold
// is the final tier, so this only serves operator tooling.
func (a *Adapter) ReadBefore(ctx context.Context, cutoff time.Time, limit int) ([]*logentry.Entry, error) {
	keys, err := a.keysBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var collected []*logentry.Entry
	for _, key := range keys {
		if len(collected) >= limit {
			break
		}
		entries, err := a.readObject(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				collected = append(collected, e)
			}
		}
	}
	query.SortLogs(collected, query.SortAsc)
	if len(collected) > limit {
		collected = collected[:limit]
	}
	return collected, nil
}

// Delete is not supported per entry: cold objects are immutable archives and
// expire whole via retention.
func (a *Adapter) Delete(ctx context.Context, entries []*logentry.Entry) error {
	return errors.Validation(errors.CodeInvalidQuery, "cold tier does not support per-entry deletes").
		WithOperation("cold.Delete").Build()
}

// EnforceRetention removes every object in hour prefixes wholly before cutoff.
func (a *Adapter) EnforceRetention(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := a.keysBefore(ctx, cutoff.Truncate(time.Hour))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	for start := 0; start < len(keys); start += deleteChunk {
		end := start + deleteChunk
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return 0, errors.Unavailable(errors.CodeStorageUnavailable, "cold tier retention delete failed").
				WithOperation("cold.EnforceRetention").WithResource(a.bucket).WithCause(err).Build()
		}
	}
	a.logger.Info("cold tier retention removed objects",
		zap.Int("objects", len(keys)),
		zap.Time("cutoff", cutoff))
	return len(keys), nil
}

// Restore initiates rehydration for every object in [from, to). Restore is
// asynchronous; queries succeed once S3 completes the jobs.
func (a *Adapter) Restore(ctx context.Context, from, to time.Time) error {
	for _, hour := range hoursInRange(from, to) {
		keys, err := a.listHour(ctx, hour)
		if err != nil {
			return err
		}
		for _, key := range keys {
			_, err := a.client.RestoreObject(ctx, &s3.RestoreObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(key),
				RestoreRequest: &s3types.RestoreRequest{
					Days: aws.Int32(restoreDays),
					GlacierJobParameters: &s3types.GlacierJobParameters{
						Tier: s3types.TierStandard,
					},
				},
			})
			if err != nil {
				return errors.Unavailable(errors.CodeStorageUnavailable, "cold tier restore request failed").
					WithOperation("cold.Restore").WithResource(key).WithCause(err).Build()
			}
		}
	}
	return nil
}

// Stats lists the full prefix and sums object sizes. Entry counts live in
// object metadata and are not aggregated here.
func (a *Adapter) Stats(ctx context.Context) (persistence.Stats, error) {
	s := persistence.Stats{Tier: persistence.TierCold}

	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return s, errors.Unavailable(errors.CodeStorageUnavailable, "cold tier stats listing failed").
				WithOperation("cold.Stats").WithResource(a.bucket).WithCause(err).Build()
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				s.SizeBytes += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	s.Healthy = true
	return s, nil
}

func (a *Adapter) Close() error { return nil }

// keysBefore lists every object in hour prefixes strictly before cutoff's hour.
func (a *Adapter) keysBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	boundary := keyPrefix + cutoff.UTC().Format(hourFormat) + "/"

	var keys []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.Unavailable(errors.CodeStorageUnavailable, "cold tier listing failed").
				WithOperation("cold.keysBefore").WithResource(a.bucket).WithCause(err).Build()
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			// Zero-padded date components make lexicographic order time order.
			if key < boundary {
				keys = append(keys, key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// hoursInRange returns the UTC hour prefixes a range touches, oldest first.
func hoursInRange(from, to time.Time) []string {
	if to.Before(from) {
		return nil
	}
	var hours []string
	hour := from.UTC().Truncate(time.Hour)
	last := to.UTC()
	for !hour.After(last) {
		hours = append(hours, hour.Format(hourFormat))
		hour = hour.Add(time.Hour)
	}
	return hours
}

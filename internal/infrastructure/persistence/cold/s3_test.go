package cold

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
)

// fakeS3 is an in-memory bucket. Keys listed in archived return
// InvalidObjectState from GetObject until restored.
type fakeS3 struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	archived map[string]bool
	restored []string
	deleted  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		archived: make(map[string]bool),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = body
	f.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	if f.archived[key] {
		return nil, &s3types.InvalidObjectState{}
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		size := int64(len(f.objects[key]))
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(size),
		})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		key := aws.ToString(obj.Key)
		delete(f.objects, key)
		f.deleted = append(f.deleted, key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, _ ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.archived[key] = false
	f.restored = append(f.restored, key)
	return &s3.RestoreObjectOutput{}, nil
}

func newTestAdapter(f *fakeS3) *Adapter {
	a := New(f, "heimdall-archive", zap.NewNop())
	ms := int64(0)
	a.now = func() time.Time {
		ms++
		return time.Unix(0, ms*int64(time.Millisecond)).UTC()
	}
	return a
}

func coldEntry(id string, ts time.Time, level logentry.Level, service string) *logentry.Entry {
	return &logentry.Entry{
		ID:        id,
		Timestamp: ts,
		Level:     level,
		Message:   logentry.Message{Raw: "archived line"},
		Source:    logentry.Source{Service: service},
	}
}

func TestStoreBatchGroupsByHourWithMetadata(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	ts := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	entries := []*logentry.Entry{
		coldEntry("e-1", ts, logentry.LevelInfo, "api"),
		coldEntry("e-2", ts.Add(time.Minute), logentry.LevelInfo, "api"),
		coldEntry("e-3", ts.Add(time.Hour), logentry.LevelInfo, "api"), // next hour
	}
	require.NoError(t, a.StoreBatch(context.Background(), entries))
	require.Len(t, f.objects, 2)

	for key, md := range f.metadata {
		assert.Equal(t, "jsonl", md["format"])
		assert.Equal(t, "gzip", md["compression"])
		if strings.HasPrefix(key, "logs/2026/08/20/10/") {
			assert.Equal(t, "2", md["log-count"])
			assert.Equal(t, ts.Format(time.RFC3339Nano), md["first-timestamp"])
		}
	}
}

func TestQueryRoundTrip(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.StoreBatch(context.Background(), []*logentry.Entry{
		coldEntry("e-1", ts.Add(time.Minute), logentry.LevelError, "checkout"),
		coldEntry("e-2", ts.Add(2*time.Minute), logentry.LevelInfo, "checkout"),
	}))

	q := &query.Query{
		TimeRange: query.TimeRange{From: ts, To: ts.Add(time.Hour)},
		Levels:    []logentry.Level{logentry.LevelError},
	}
	res, err := a.Query(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "e-1", res.Logs[0].ID)
}

func TestQueryArchivedObjectNeedsRestore(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.Store(context.Background(), coldEntry("e-1", ts, logentry.LevelInfo, "api")))
	for key := range f.objects {
		f.archived[key] = true
	}

	q := &query.Query{TimeRange: query.TimeRange{From: ts, To: ts.Add(time.Hour)}}
	_, err := a.Query(context.Background(), q)
	require.Error(t, err)

	var ue *errors.UnifiedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, errors.CodeRestoreRequired, ue.Code)
}

func TestRestoreThenQuery(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.Store(context.Background(), coldEntry("e-1", ts, logentry.LevelInfo, "api")))
	for key := range f.objects {
		f.archived[key] = true
	}

	require.NoError(t, a.Restore(context.Background(), ts, ts.Add(time.Hour)))
	require.Len(t, f.restored, 1)

	q := &query.Query{TimeRange: query.TimeRange{From: ts, To: ts.Add(time.Hour)}}
	res, err := a.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestEnforceRetentionDeletesOldHours(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	old := time.Date(2026, 7, 1, 5, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.Store(context.Background(), coldEntry("old", old, logentry.LevelInfo, "api")))
	require.NoError(t, a.Store(context.Background(), coldEntry("new", fresh, logentry.LevelInfo, "api")))

	removed, err := a.EnforceRetention(context.Background(), fresh.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, f.objects, 1)
	for key := range f.objects {
		assert.True(t, strings.HasPrefix(key, "logs/2026/08/20/10/"))
	}
}

func TestReadBefore(t *testing.T) {
	f := newFakeS3()
	a := newTestAdapter(f)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.StoreBatch(context.Background(), []*logentry.Entry{
		coldEntry("e-1", ts, logentry.LevelInfo, "api"),
		coldEntry("e-2", ts.Add(time.Minute), logentry.LevelInfo, "api"),
	}))

	entries, err := a.ReadBefore(context.Background(), ts.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e-1", entries[0].ID) // oldest first
}

func TestDeletePerEntryRejected(t *testing.T) {
	a := newTestAdapter(newFakeS3())
	err := a.Delete(context.Background(), []*logentry.Entry{coldEntry("e", time.Now(), logentry.LevelInfo, "api")})
	assert.True(t, errors.IsValidation(err))
}

func TestHoursInRange(t *testing.T) {
	from := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	to := time.Date(2026, 8, 20, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, []string{"2026/08/20/10", "2026/08/20/11", "2026/08/20/12"}, hoursInRange(from, to))
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/ingestion"
	"heimdall-backend/internal/subscription"
	"heimdall-backend/pkg/api"
)

type stubIngestor struct {
	singleErr error
	batchRes  ingestion.Result
	batchErr  error
	got       []*logentry.Entry
}

func (s *stubIngestor) Ingest(_ context.Context, e *logentry.Entry) error {
	s.got = append(s.got, e)
	return s.singleErr
}

func (s *stubIngestor) IngestBatch(_ context.Context, entries []*logentry.Entry) (ingestion.Result, error) {
	s.got = append(s.got, entries...)
	return s.batchRes, s.batchErr
}

type stubQuerier struct {
	res *query.Result
	err error
}

func (s *stubQuerier) Execute(context.Context, *query.Query) (*query.Result, error) {
	return s.res, s.err
}

type stubSubscriber struct {
	sub      *subscription.Subscription
	subErr   error
	unsubErr error
	unsubbed []string

	// onSubscribe lets a test feed entries through the callback before the
	// stream loop starts.
	onSubscribe func(cb subscription.Callback)
}

func (s *stubSubscriber) Subscribe(_ context.Context, _ *query.Query, _ subscription.Options, cb subscription.Callback) (*subscription.Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	if s.onSubscribe != nil {
		s.onSubscribe(cb)
	}
	return s.sub, nil
}

func (s *stubSubscriber) Unsubscribe(id string) error {
	s.unsubbed = append(s.unsubbed, id)
	return s.unsubErr
}

func healthyReport(context.Context) api.HealthResponse {
	return api.HealthResponse{Status: api.StatusHealthy}
}

func newTestHandler(ing Ingestor, q Querier, subs Subscriber, health HealthFunc) *Handler {
	if health == nil {
		health = healthyReport
	}
	return NewHandler(ing, q, subs, health, zap.NewNop())
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestIngestLogAccepted(t *testing.T) {
	ing := &stubIngestor{}
	h := newTestHandler(ing, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs",
		strings.NewReader(`{"message":{"raw":"disk almost full"},"source":{"service":"api"}}`))
	rec := httptest.NewRecorder()
	h.IngestLog(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body api.IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Accepted)
	require.Len(t, ing.got, 1)
	assert.Equal(t, "disk almost full", ing.got[0].Message.Raw)
}

func TestIngestLogMalformedBody(t *testing.T) {
	h := newTestHandler(&stubIngestor{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.IngestLog(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.CodeInvalidEntry, decodeErrorResponse(t, rec).Code)
}

func TestIngestLogPipelineStopped(t *testing.T) {
	ing := &stubIngestor{
		singleErr: errors.Unavailable(errors.CodePipelineStopped, "pipeline stopped").Build(),
	}
	h := newTestHandler(ing, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader(`{"message":{"raw":"x"}}`))
	rec := httptest.NewRecorder()
	h.IngestLog(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errors.CodePipelineStopped, decodeErrorResponse(t, rec).Code)
}

func TestIngestBatchPartialSuccess(t *testing.T) {
	ing := &stubIngestor{
		batchRes: ingestion.Result{
			Accepted:       2,
			Failed:         1,
			PartialSuccess: true,
			Errors:         []ingestion.EntryError{{Index: 1, Reason: "message is required"}},
		},
	}
	h := newTestHandler(ing, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs/batch",
		strings.NewReader(`[{"message":{"raw":"a"}},{"message":{"raw":""}},{"message":{"raw":"c"}}]`))
	rec := httptest.NewRecorder()
	h.IngestBatch(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body api.IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Accepted)
	assert.Equal(t, 1, body.Failed)
	assert.True(t, body.PartialSuccess)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, 1, body.Errors[0].Index)
}

func TestIngestBatchAllRejected(t *testing.T) {
	ing := &stubIngestor{
		batchRes: ingestion.Result{
			Failed: 2,
			Errors: []ingestion.EntryError{
				{Index: 0, Reason: "message is required"},
				{Index: 1, Reason: "message is required"},
			},
		},
	}
	h := newTestHandler(ing, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs/batch",
		strings.NewReader(`[{"message":{"raw":""}},{"message":{"raw":""}}]`))
	rec := httptest.NewRecorder()
	h.IngestBatch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryReturnsResult(t *testing.T) {
	q := &stubQuerier{res: &query.Result{
		Logs:  []*logentry.Entry{{ID: "e-1", Message: logentry.Message{Raw: "hello"}}},
		Total: 1,
	}}
	h := newTestHandler(nil, q, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query",
		strings.NewReader(`{"timeRange":{"from":"2026-08-26T00:00:00Z","to":"2026-08-26T01:00:00Z"}}`))
	rec := httptest.NewRecorder()
	h.Query(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res query.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "e-1", res.Logs[0].ID)
}

func TestQueryOverloadedSetsRetryAfter(t *testing.T) {
	q := &stubQuerier{
		err: errors.Overloaded(errors.CodeCeilingBreached, "query ceiling reached").
			WithRetryAfter(2 * time.Second).Build(),
	}
	h := newTestHandler(nil, q, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Query(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, errors.CodeCeilingBreached, decodeErrorResponse(t, rec).Code)
}

func TestQueryValidationFailure(t *testing.T) {
	q := &stubQuerier{
		err: errors.Validation(errors.CodeInvalidTimeRange, "time range start must precede end").Build(),
	}
	h := newTestHandler(nil, q, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Query(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(t, rec)
	assert.Equal(t, errors.CodeInvalidTimeRange, body.Code)
	assert.False(t, body.Retryable)
}

func TestHealthStatuses(t *testing.T) {
	tests := []struct {
		name       string
		report     api.HealthResponse
		wantStatus int
	}{
		{"healthy", api.HealthResponse{Status: api.StatusHealthy}, http.StatusOK},
		{"degraded still serves", api.HealthResponse{Status: api.StatusDegraded}, http.StatusOK},
		{"down", api.HealthResponse{Status: api.StatusDown}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(nil, nil, nil, func(context.Context) api.HealthResponse {
				return tt.report
			})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			rec := httptest.NewRecorder()
			h.Health(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHealthReportsVersion(t *testing.T) {
	h := newTestHandler(nil, nil, nil, func(context.Context) api.HealthResponse {
		return api.HealthResponse{Status: api.StatusHealthy, Version: "1.4.2"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body api.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "1.4.2", body.Version)
}

func TestUnsubscribeNotFound(t *testing.T) {
	subs := &stubSubscriber{
		unsubErr: errors.NotFound(errors.CodeSubscriptionNotFound, "no such subscription").Build(),
	}
	h := newTestHandler(nil, nil, subs, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/subscriptions/missing", nil)
	rec := httptest.NewRecorder()
	h.Unsubscribe(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeRejectsBadOverflowPolicy(t *testing.T) {
	h := newTestHandler(nil, nil, &stubSubscriber{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions",
		strings.NewReader(`{"options":{"onOverflow":"drop_newest"}}`))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(t, rec)
	assert.Equal(t, errors.CodeInvalidQuery, body.Code)
	assert.Contains(t, body.Error, "OnOverflow")
}

func TestSubscribeStreamsEvents(t *testing.T) {
	subs := &stubSubscriber{
		sub: &subscription.Subscription{ID: "sub-1"},
		onSubscribe: func(cb subscription.Callback) {
			cb(&logentry.Entry{ID: "e-1", Message: logentry.Message{Raw: "payment failed"}})
		},
	}
	h := newTestHandler(nil, nil, subs, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions",
		strings.NewReader(`{"query":{"levels":["error"]}}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `event: subscription`)
	assert.Contains(t, body, `"id":"sub-1"`)
	assert.Contains(t, body, "event: log")
	assert.Contains(t, body, "payment failed")
	assert.Equal(t, []string{"sub-1"}, subs.unsubbed)
}

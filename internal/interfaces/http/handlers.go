// Package httpapi is the HTTP surface: ingest, query, streaming
// subscriptions, health, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/ingestion"
	"heimdall-backend/pkg/api"
)

// Ingestor is the pipeline surface the handlers submit to.
type Ingestor interface {
	Ingest(ctx context.Context, e *logentry.Entry) error
	IngestBatch(ctx context.Context, entries []*logentry.Entry) (ingestion.Result, error)
}

// Querier executes queries end to end.
type Querier interface {
	Execute(ctx context.Context, q *query.Query) (*query.Result, error)
}

// HealthFunc builds the health report. The container composes it from the
// component health sources.
type HealthFunc func(ctx context.Context) api.HealthResponse

// Handler carries the dependencies of every route.
type Handler struct {
	ingestor Ingestor
	querier  Querier
	subs     Subscriber
	health   HealthFunc
	logger   *zap.Logger
}

// NewHandler wires the route dependencies.
func NewHandler(ingestor Ingestor, querier Querier, subs Subscriber, health HealthFunc, logger *zap.Logger) *Handler {
	return &Handler{
		ingestor: ingestor,
		querier:  querier,
		subs:     subs,
		health:   health,
		logger:   logger,
	}
}

// IngestLog handles POST /api/v1/logs.
func (h *Handler) IngestLog(w http.ResponseWriter, r *http.Request) {
	var e logentry.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, r, errors.Validation(errors.CodeInvalidEntry, "malformed log entry").
			WithCause(err).Build())
		return
	}

	if err := h.ingestor.Ingest(r.Context(), &e); err != nil {
		writeError(w, r, err)
		return
	}
	api.Success(w, http.StatusAccepted, api.IngestResponse{Accepted: 1})
}

// IngestBatch handles POST /api/v1/logs/batch. Entries are accepted
// independently; the response locates each rejected entry by index.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var entries []*logentry.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, r, errors.Validation(errors.CodeBatchRejected, "malformed batch").
			WithCause(err).Build())
		return
	}

	res, err := h.ingestor.IngestBatch(r.Context(), entries)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := api.IngestResponse{
		Accepted:       res.Accepted,
		Failed:         res.Failed,
		PartialSuccess: res.PartialSuccess,
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, api.EntryError{Index: e.Index, Reason: e.Reason})
	}

	status := http.StatusAccepted
	if res.Accepted == 0 && res.Failed > 0 {
		status = http.StatusBadRequest
	}
	api.Success(w, status, out)
}

// Query handles POST /api/v1/query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var q query.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, r, errors.Validation(errors.CodeInvalidQuery, "malformed query").
			WithCause(err).Build())
		return
	}

	res, err := h.querier.Execute(r.Context(), &q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, res)
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health(r.Context())
	status := http.StatusOK
	if report.Status == api.StatusDown {
		status = http.StatusServiceUnavailable
	}
	api.Success(w, status, report)
}

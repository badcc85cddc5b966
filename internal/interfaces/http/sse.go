package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/subscription"
	"heimdall-backend/pkg/api"
)

// Subscriber is the subscription manager surface the SSE routes use.
type Subscriber interface {
	Subscribe(ctx context.Context, q *query.Query, opts subscription.Options, cb subscription.Callback) (*subscription.Subscription, error)
	Unsubscribe(id string) error
}

const keepaliveInterval = 15 * time.Second

// Subscribe handles POST /api/v1/subscriptions: it registers a subscription
// and streams matched entries to the caller as server-sent events until the
// connection closes.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.Internal(errors.CodeDependencyDown, "streaming unsupported by connection").Build())
		return
	}

	var req api.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errors.Validation(errors.CodeInvalidQuery, "malformed subscribe request").
			WithCause(err).Build())
		return
	}
	if err := checkStruct(req.Options); err != nil {
		writeError(w, r, err)
		return
	}
	var q query.Query
	if len(req.Query) > 0 {
		if err := json.Unmarshal(req.Query, &q); err != nil {
			writeError(w, r, errors.Validation(errors.CodeInvalidQuery, "malformed subscription query").
				WithCause(err).Build())
			return
		}
	}

	ctx := r.Context()
	events := make(chan *logentry.Entry, 16)
	cb := func(e *logentry.Entry) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	sub, err := h.subs.Subscribe(ctx, &q, subscription.Options{
		DeliverHistorical: subscription.Historical(req.Options.DeliverHistorical),
		BufferSize:        req.Options.BufferSize,
		OnOverflow:        subscription.OverflowPolicy(req.Options.OnOverflow),
	}, cb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.subs.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: subscription\ndata: {\"id\":%q}\n\n", sub.ID)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			sub.Touch()
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("failed to encode entry for stream",
					zap.String("subscription", sub.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Unsubscribe handles DELETE /api/v1/subscriptions/{subscriptionID}.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	if err := h.subs.Unsubscribe(id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

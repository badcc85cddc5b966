// Package ml defines the optional machine-learning hooks. The pipeline and
// the query service call them best-effort: a hook failure never fails the
// operation that invoked it.
package ml

import (
	"context"

	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/domain/query"
)

// Enricher annotates entries during ingestion.
type Enricher interface {
	// Enrich returns the annotation for one entry, or nil when the hook has
	// nothing to say.
	Enrich(ctx context.Context, e *logentry.Entry) (*logentry.MLEnrichment, error)
}

// Insighter produces result-level insights for queries that opted in.
type Insighter interface {
	Insights(ctx context.Context, q *query.Query, res *query.Result) ([]query.Insight, error)
}

// HeuristicEnricher is the built-in enricher: a severity-driven anomaly score
// with no model behind it. It stands in until a real scoring service is wired.
type HeuristicEnricher struct{}

// Enrich scores by severity and flags slow operations.
func (HeuristicEnricher) Enrich(ctx context.Context, e *logentry.Entry) (*logentry.MLEnrichment, error) {
	score := 0.0
	switch e.Level {
	case logentry.LevelFatal:
		score = 0.9
	case logentry.LevelError:
		score = 0.6
	case logentry.LevelWarn:
		score = 0.3
	}
	if e.Metrics != nil && e.Metrics.DurationMS != nil && *e.Metrics.DurationMS > 5000 {
		score += 0.1
	}
	if score == 0 {
		return nil, nil
	}
	if score > 1 {
		score = 1
	}
	return &logentry.MLEnrichment{AnomalyScore: score}, nil
}

// HeuristicInsighter summarizes error density over the result window.
type HeuristicInsighter struct{}

// Insights reports an error-rate observation when the sample is large enough
// to mean anything.
func (HeuristicInsighter) Insights(ctx context.Context, q *query.Query, res *query.Result) ([]query.Insight, error) {
	if len(res.Logs) < 10 {
		return nil, nil
	}
	errorCount := 0
	for _, e := range res.Logs {
		if e.Level == logentry.LevelError || e.Level == logentry.LevelFatal {
			errorCount++
		}
	}
	rate := float64(errorCount) / float64(len(res.Logs))
	if rate < 0.25 {
		return nil, nil
	}
	return []query.Insight{{
		Kind:        "error_density",
		Description: "errors make up a high share of the matched window",
		Confidence:  rate,
	}}, nil
}

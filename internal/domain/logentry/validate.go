package logentry

import (
	"time"

	"heimdall-backend/internal/errors"
)

// ClockSkewSlack is how far into the future a producer timestamp may point
// before the pipeline replaces it with its own clock.
const ClockSkewSlack = 5 * time.Minute

// Normalize validates required fields and applies pipeline defaults in place.
// It is the single entry point the pipeline uses before an entry is buffered.
func Normalize(e *Entry, now time.Time) error {
	if e == nil {
		return errors.Validation(errors.CodeInvalidEntry, "entry is nil").Build()
	}
	if e.ID == "" {
		return errors.Validation(errors.CodeInvalidEntry, "entry id is required").Build()
	}
	if e.Source.Service == "" {
		return errors.Validation(errors.CodeInvalidEntry, "source.service is required").
			WithResource(e.ID).Build()
	}
	if e.Message.Raw == "" {
		return errors.Validation(errors.CodeInvalidEntry, "message.raw is required").
			WithResource(e.ID).Build()
	}
	if len(e.Message.Raw) > MaxRawMessageBytes {
		return errors.Validation(errors.CodeMessageTooLong, "message.raw exceeds size ceiling").
			WithResource(e.ID).Build()
	}
	if !e.Level.Valid() {
		return errors.Validation(errors.CodeInvalidEntry, "unknown log level").
			WithResource(e.ID).Build()
	}

	// Timestamps are normalized, never trusted raw: a zero or far-future
	// timestamp is replaced with the pipeline clock.
	if e.Timestamp.IsZero() || e.Timestamp.After(now.Add(ClockSkewSlack)) {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()

	if e.Security.Classification == "" {
		e.Security.Classification = ClassificationPublic
	}
	if e.Version == 0 {
		e.Version = 1
	}
	return nil
}

// Package logentry defines the canonical ingested event and its validation
// rules. The Entry struct is the wire and storage representation; the pipeline
// owns an Entry exclusively from submission until the hot tier acknowledges it.
package logentry

import (
	"time"
)

// Classification values recognized for Security.Classification.
const (
	ClassificationPublic       = "public"
	ClassificationInternal     = "internal"
	ClassificationConfidential = "confidential"
	ClassificationRestricted   = "restricted"
)

// MaxRawMessageBytes is the ceiling applied to Message.Raw during validation.
const MaxRawMessageBytes = 64 * 1024

// Source identifies the emitter of an entry. Service is required.
type Source struct {
	Service        string `json:"service" validate:"required"`
	Instance       string `json:"instance,omitempty"`
	Region         string `json:"region,omitempty"`
	Environment    string `json:"environment,omitempty"`
	ServiceVersion string `json:"serviceVersion,omitempty"`
	Hostname       string `json:"hostname,omitempty"`
}

// Message carries the log text. Raw is required; Template and Parameters are
// present when the producer emits structured messages.
type Message struct {
	Raw        string            `json:"raw" validate:"required"`
	Template   string            `json:"template,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Trace carries distributed-tracing correlation.
type Trace struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId,omitempty"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	Flags        int    `json:"flags,omitempty"`
}

// Entities carries business correlation identifiers.
type Entities struct {
	User        string `json:"user,omitempty"`
	Session     string `json:"session,omitempty"`
	Request     string `json:"request,omitempty"`
	Customer    string `json:"customer,omitempty"`
	Correlation string `json:"correlation,omitempty"`
}

// Metrics carries optional numeric annotations.
type Metrics struct {
	DurationMS  *float64 `json:"durationMs,omitempty"`
	CPUUsage    *float64 `json:"cpuUsage,omitempty"`
	MemoryBytes *int64   `json:"memoryBytes,omitempty"`
	ErrorRate   *float64 `json:"errorRate,omitempty"`
	Throughput  *float64 `json:"throughput,omitempty"`
}

// Security carries the data-handling contract for an entry. Classification is
// required; the pipeline defaults it to "public" when absent.
type Security struct {
	Classification  string   `json:"classification" validate:"required"`
	RetentionPolicy string   `json:"retentionPolicy,omitempty"`
	PIIFields       []string `json:"piiFields,omitempty"`
	AccessGroups    []string `json:"accessGroups,omitempty"`
}

// MLEnrichment is attached by the enrichment hook, never by the producer.
type MLEnrichment struct {
	AnomalyScore      float64  `json:"anomalyScore"` // in [0,1]
	PredictedCategory string   `json:"predictedCategory,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	SuggestedActions  []string `json:"suggestedActions,omitempty"`
	RelatedPatterns   []string `json:"relatedPatterns,omitempty"`
}

// StorageMeta is filled in by the pipeline, not the producer.
type StorageMeta struct {
	Tier       string `json:"tier"`
	Compressed bool   `json:"compressed"`
	Indexed    bool   `json:"indexed"`
}

// Entry is the canonical ingested event.
//
// Invariants: ID is unique across all tiers and is the dedup key for
// multi-tier merges; Timestamp is assigned or validated by the pipeline and
// never trusted raw for ordering decisions; once written to a tier the pair
// (ID, tier) is immutable until lifecycle migration or explicit deletion.
type Entry struct {
	ID        string        `json:"id" validate:"required"`
	Timestamp time.Time     `json:"timestamp"`
	Version   int           `json:"version"`
	Level     Level         `json:"level" validate:"required"`
	Source    Source        `json:"source"`
	Message   Message       `json:"message"`
	Trace     *Trace        `json:"trace,omitempty"`
	Entities  *Entities     `json:"entities,omitempty"`
	Metrics   *Metrics      `json:"metrics,omitempty"`
	Security  Security      `json:"security"`
	ML        *MLEnrichment `json:"ml,omitempty"`
	Storage   StorageMeta   `json:"storage"`
}

// Day returns the UTC day the entry belongs to, used for hot-tier segmenting.
func (e *Entry) Day() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// Hour returns the UTC hour bucket, used for cold-tier object grouping.
func (e *Entry) Hour() time.Time {
	return e.Timestamp.UTC().Truncate(time.Hour)
}

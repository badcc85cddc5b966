package api

import "encoding/json"

// IngestResponse reports the outcome of a log submission.
type IngestResponse struct {
	Accepted       int          `json:"accepted"`
	Failed         int          `json:"failed"`
	PartialSuccess bool         `json:"partialSuccess,omitempty"`
	Errors         []EntryError `json:"errors,omitempty"`
}

// EntryError locates one rejected entry within a batch.
type EntryError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SubscribeRequest opens a streaming subscription.
type SubscribeRequest struct {
	Query   json.RawMessage  `json:"query"`
	Options SubscribeOptions `json:"options"`
}

// SubscribeOptions tunes delivery for one subscription.
type SubscribeOptions struct {
	DeliverHistorical string `json:"deliverHistorical,omitempty" validate:"omitempty,oneof=none from_time_range"`
	BufferSize        int    `json:"bufferSize,omitempty" validate:"gte=0,lte=65536"`
	OnOverflow        string `json:"onOverflow,omitempty" validate:"omitempty,oneof=block drop_oldest"`
}

// ComponentStatus is one entry of the health report.
type ComponentStatus struct {
	Status string `json:"status"` // healthy | degraded | down
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the health report envelope.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

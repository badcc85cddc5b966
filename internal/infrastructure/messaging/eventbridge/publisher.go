// Package eventbridge publishes ingested entries to an AWS EventBridge bus so
// downstream consumers (alerting, long-term analytics) receive them without
// coupling to the ingestion pipeline.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"heimdall-backend/internal/config"
	"heimdall-backend/internal/domain/logentry"
	"heimdall-backend/internal/errors"
)

// EventBridge limits PutEvents to 10 entries per call.
const putEventsMax = 10

const detailType = "log.entry.ingested"

// EventBridgeAPI is the slice of the EventBridge client the publisher uses.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends entries to EventBridge in PutEvents batches.
type Publisher struct {
	client       EventBridgeAPI
	eventBusName string
	source       string
	logger       *zap.Logger
}

// NewPublisher creates an EventBridge publisher.
func NewPublisher(client EventBridgeAPI, cfg config.BusConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:       client,
		eventBusName: cfg.EventBusName,
		source:       cfg.Source,
		logger:       logger,
	}
}

// Publish sends entries to the bus, chunked to the PutEvents limit. A batch
// with partial failures is an error: the pipeline's dead-letter queue keeps
// the whole batch for redelivery, so duplicates are possible and acceptable.
func (p *Publisher) Publish(ctx context.Context, entries []*logentry.Entry) error {
	for start := 0; start < len(entries); start += putEventsMax {
		end := start + putEventsMax
		if end > len(entries) {
			end = len(entries)
		}
		if err := p.publishChunk(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishChunk(ctx context.Context, entries []*logentry.Entry) error {
	requests := make([]types.PutEventsRequestEntry, 0, len(entries))
	for _, e := range entries {
		detail, err := json.Marshal(e)
		if err != nil {
			p.logger.Error("failed to marshal entry for bus, skipping",
				zap.String("id", e.ID), zap.Error(err))
			continue
		}
		requests = append(requests, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(e.Timestamp),
			Resources:    []string{fmt.Sprintf("arn:aws:heimdall::%s", e.Source.Service)},
		})
	}
	if len(requests) == 0 {
		return nil
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: requests})
	if err != nil {
		return errors.Unavailable(errors.CodeBusUnavailable, "event bus publish failed").
			WithOperation("bus.Publish").WithResource(p.eventBusName).WithCause(err).Build()
	}

	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode != nil {
				p.logger.Error("event bus rejected entry",
					zap.String("id", entries[i].ID),
					zap.String("errorCode", aws.ToString(entry.ErrorCode)),
					zap.String("errorMessage", aws.ToString(entry.ErrorMessage)))
			}
		}
		return errors.Unavailable(errors.CodeBusUnavailable,
			fmt.Sprintf("event bus rejected %d entries", out.FailedEntryCount)).
			WithOperation("bus.Publish").WithResource(p.eventBusName).Build()
	}

	p.logger.Debug("published entries to event bus",
		zap.Int("count", len(requests)),
		zap.String("eventBus", p.eventBusName))
	return nil
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"greencart/internal/models"
	"greencart/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topics names where each family of events goes
type Topics struct {
	Order   string
	Payment string
	Replay  string
}

// EventPublisher routes domain events to their topics. It is called after
// the unit of work commits, so a failure is logged and counted but never
// undoes anything.
type EventPublisher struct {
	producer *Producer
	topics   Topics
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer, topics Topics) *EventPublisher {
	return &EventPublisher{producer: producer, topics: topics, logger: util.Component("events")}
}

// Publish sends each event to its topic, keyed by PartitionKey
func (ep *EventPublisher) Publish(ctx context.Context, events ...models.DomainEvent) {
	for _, e := range events {
		topic := ep.topicFor(e)
		if err := ep.producer.PublishEvent(ctx, topic, e.PartitionKey(), e); err != nil {
			util.EventPublishErrorsTotal.WithLabelValues(topic).Inc()
			ep.logger.Error("Failed to publish event",
				zap.String("topic", topic),
				zap.String("key", e.PartitionKey()),
				zap.Error(err))
		}
	}
}

// PublishReplayRequest asks the replay worker to reprocess a stored webhook.
// Unlike Publish it reports failure, since nothing else records the request.
func (ep *EventPublisher) PublishReplayRequest(ctx context.Context, gatewayEventID, requestedBy string) (*models.WebhookReplayRequestedEvent, error) {
	evt := &models.WebhookReplayRequestedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeWebhookReplayRequested, time.Now().UTC()),
		GatewayEventID: gatewayEventID,
		RequestedBy:    requestedBy,
	}
	if err := ep.producer.PublishEvent(ctx, ep.topics.Replay, evt.PartitionKey(), evt); err != nil {
		util.EventPublishErrorsTotal.WithLabelValues(ep.topics.Replay).Inc()
		return nil, err
	}
	return evt, nil
}

func (ep *EventPublisher) topicFor(e models.DomainEvent) string {
	switch e.(type) {
	case *models.OrderCreatedEvent, *models.OrderStatusChangedEvent:
		return ep.topics.Order
	case *models.WebhookReplayRequestedEvent:
		return ep.topics.Replay
	default:
		return ep.topics.Payment
	}
}

// EventHandler handles incoming events
type EventHandler struct {
	onReplayRequested func(context.Context, *models.WebhookReplayRequestedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("events")}
}

// OnReplayRequested registers a handler for WebhookReplayRequested events
func (eh *EventHandler) OnReplayRequested(handler func(context.Context, *models.WebhookReplayRequestedEvent) error) {
	eh.onReplayRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeWebhookReplayRequested:
		if eh.onReplayRequested != nil {
			var event models.WebhookReplayRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal WebhookReplayRequested event: %w", err)
			}
			return eh.onReplayRequested(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated           = "ORDER_CREATED"
	EventTypeOrderStatusChanged     = "ORDER_STATUS_CHANGED"
	EventTypePaymentStatusChanged   = "PAYMENT_STATUS_CHANGED"
	EventTypeRefundStatusChanged    = "REFUND_STATUS_CHANGED"
	EventTypeWebhookReplayRequested = "WEBHOOK_REPLAY_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// DomainEvent is anything the publisher can route to a partition
type DomainEvent interface {
	PartitionKey() string
}

// OrderCreatedEvent published after checkout commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	ConsumerID  uuid.UUID       `json:"consumer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

func (e *OrderCreatedEvent) PartitionKey() string { return "order-" + e.OrderID.String() }

// OrderStatusChangedEvent published for every applied order transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   uuid.UUID   `json:"order_id"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
	Actor     string      `json:"actor"`
	Reason    string      `json:"reason,omitempty"`
}

func (e *OrderStatusChangedEvent) PartitionKey() string { return "order-" + e.OrderID.String() }

// PaymentStatusChangedEvent published for every applied payment transition
type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID uuid.UUID       `json:"payment_id"`
	OrderID   uuid.UUID       `json:"order_id"`
	OldStatus PaymentStatus   `json:"old_status"`
	NewStatus PaymentStatus   `json:"new_status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (e *PaymentStatusChangedEvent) PartitionKey() string { return "order-" + e.OrderID.String() }

// RefundStatusChangedEvent published when a refund is requested or settled
type RefundStatusChangedEvent struct {
	BaseEvent
	RefundID  uuid.UUID       `json:"refund_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	Status    RefundStatus    `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

func (e *RefundStatusChangedEvent) PartitionKey() string { return "payment-" + e.PaymentID.String() }

// WebhookReplayRequestedEvent asks the replay worker to reprocess a stored webhook
type WebhookReplayRequestedEvent struct {
	BaseEvent
	GatewayEventID string `json:"gateway_event_id"`
	RequestedBy    string `json:"requested_by"`
}

func (e *WebhookReplayRequestedEvent) PartitionKey() string { return "webhook-" + e.GatewayEventID }

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID  uuid.UUID       `json:"product_id"`
	ProducerID uuid.UUID       `json:"producer_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

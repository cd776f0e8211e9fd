package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Product is the slice of the catalog entity this service reads and the ledger mutates
type Product struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	ProducerID        uuid.UUID       `db:"producer_id" json:"producer_id"`
	Name              string          `db:"name" json:"name"`
	Price             decimal.Decimal `db:"price" json:"price"`
	QuantityAvailable int             `db:"quantity_available" json:"quantity_available"`
	IsActive          bool            `db:"is_active" json:"is_active"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Cart is the single in-progress cart of a consumer
type Cart struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ConsumerID uuid.UUID `db:"consumer_id" json:"consumer_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// CartLine is one product in a cart. PriceAtTime is captured when the line is added.
type CartLine struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	CartID      uuid.UUID       `db:"cart_id" json:"cart_id"`
	ProductID   uuid.UUID       `db:"product_id" json:"product_id"`
	Quantity    int             `db:"quantity" json:"quantity"`
	PriceAtTime decimal.Decimal `db:"price_at_time" json:"price_at_time"`
	AddedAt     time.Time       `db:"added_at" json:"added_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// TotalPrice returns quantity × price_at_time
func (l CartLine) TotalPrice() decimal.Decimal {
	return l.PriceAtTime.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order is the immutable-once-created record of a checkout
type Order struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	OrderNumber        string          `db:"order_number" json:"order_number"`
	ConsumerID         uuid.UUID       `db:"consumer_id" json:"consumer_id"`
	Status             OrderStatus     `db:"status" json:"status"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"total_amount"`
	DeliveryAddress    string          `db:"delivery_address" json:"delivery_address"`
	DeliveryCity       string          `db:"delivery_city" json:"delivery_city"`
	DeliveryPostalCode string          `db:"delivery_postal_code" json:"delivery_postal_code"`
	DeliveryDate       *time.Time      `db:"delivery_date" json:"delivery_date,omitempty"`
	Notes              string          `db:"notes" json:"notes"`
	OrderDate          time.Time       `db:"order_date" json:"order_date"`
	ConfirmedAt        *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ShippedAt          *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is a frozen copy of a cart line
type OrderItem struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	OrderID    uuid.UUID       `db:"order_id" json:"order_id"`
	ProductID  uuid.UUID       `db:"product_id" json:"product_id"`
	ProducerID uuid.UUID       `db:"producer_id" json:"producer_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// OrderStatusHistory rows are append-only
type OrderStatusHistory struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	OrderID   uuid.UUID   `db:"order_id" json:"order_id"`
	OldStatus OrderStatus `db:"old_status" json:"old_status"`
	NewStatus OrderStatus `db:"new_status" json:"new_status"`
	Actor     string      `db:"actor" json:"actor"`
	Reason    string      `db:"reason" json:"reason"`
	ChangedAt time.Time   `db:"changed_at" json:"changed_at"`
}

// Payment mirrors one gateway payment intent and belongs to exactly one order
type Payment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	OrderID         uuid.UUID       `db:"order_id" json:"order_id"`
	ConsumerID      uuid.UUID       `db:"consumer_id" json:"consumer_id"`
	GatewayIntentID string          `db:"gateway_intent_id" json:"gateway_intent_id"`
	ClientSecret    string          `db:"client_secret" json:"-"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          PaymentStatus   `db:"status" json:"status"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method,omitempty"`
	FailureReason   string          `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Refund is a request to return part or all of a payment
type Refund struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PaymentID       uuid.UUID       `db:"payment_id" json:"payment_id"`
	GatewayRefundID *string         `db:"gateway_refund_id" json:"gateway_refund_id,omitempty"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          RefundStatus    `db:"status" json:"status"`
	Reason          RefundReason    `db:"reason" json:"reason"`
	Description     string          `db:"description" json:"description"`
	RequestedBy     uuid.UUID       `db:"requested_by" json:"requested_by"`
	FailureReason   string          `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// WebhookEvent records every verified gateway notification, keyed by the gateway event id
type WebhookEvent struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	EventID      string         `db:"event_id" json:"event_id"`
	EventType    string         `db:"event_type" json:"event_type"`
	Payload      types.JSONText `db:"payload" json:"payload"`
	Status       WebhookStatus  `db:"status" json:"status"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
	ReceivedAt   time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt  *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// Role of an authenticated caller, as supplied by the identity collaborator
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProducer Role = "producer"
	RoleStaff    Role = "staff"
	RoleSystem   Role = "system"
)

// Actor is the opaque authenticated identity performing an operation
type Actor struct {
	UserID     uuid.UUID
	Role       Role
	ProducerID *uuid.UUID
}

// SystemActor is used for transitions driven by gateway events
var SystemActor = Actor{Role: RoleSystem}

// IsStaff reports whether the actor bypasses ownership checks
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff
}

// String is the value stored in status history rows
func (a Actor) String() string {
	if a.Role == RoleSystem || a.UserID == uuid.Nil {
		return string(RoleSystem)
	}
	return string(a.Role) + ":" + a.UserID.String()
}

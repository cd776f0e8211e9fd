package gateway

import (
	"context"
	"time"

	"greencart/internal/models"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow boundary to the external payment provider.
// Implementations carry no business rules; every remote failure is
// returned as *apperr.GatewayError.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error)
	RetrieveIntent(ctx context.Context, intentID string) (*IntentState, error)
	CancelIntent(ctx context.Context, intentID string) error
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundRef, error)
	RetrieveRefund(ctx context.Context, refundID string) (*RefundState, error)
	// ListRefunds returns every refund the provider holds for an intent
	ListRefunds(ctx context.Context, intentID string) ([]RefundState, error)

	// VerifyAndParseWebhook authenticates a raw delivery. A bad signature
	// yields *apperr.SignatureError.
	VerifyAndParseWebhook(payload []byte, signatureHeader string) (*Event, error)

	// ParseEvent decodes a payload that was verified when it was first received.
	ParseEvent(payload []byte) (*Event, error)
}

// IntentRequest asks the gateway to start collecting money
type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentRef is what the client needs to complete a payment
type IntentRef struct {
	ID           string
	ClientSecret string
	Status       models.PaymentStatus
}

// IntentState is the gateway's current view of an intent
type IntentState struct {
	ID            string
	Status        models.PaymentStatus
	RawStatus     string
	FailureReason string
	PaymentMethod string
}

// RefundRequest returns money for an intent. A nil Amount refunds the remainder.
type RefundRequest struct {
	IntentID       string
	Amount         *decimal.Decimal
	Currency       string
	Reason         models.RefundReason
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundRef identifies an accepted refund request
type RefundRef struct {
	ID     string
	Status models.RefundStatus
}

// RefundState is the gateway's current view of a refund
type RefundState struct {
	ID            string
	Status        models.RefundStatus
	FailureReason string
	Metadata      map[string]string
}

// EventKind is the closed set of notifications this system understands
type EventKind string

const (
	EventPaymentProcessing     EventKind = "payment_processing"
	EventPaymentSucceeded      EventKind = "payment_succeeded"
	EventPaymentFailed         EventKind = "payment_failed"
	EventPaymentCanceled       EventKind = "payment_canceled"
	EventPaymentRequiresAction EventKind = "payment_requires_action"
	EventRefundUpdated         EventKind = "refund_updated"
	EventDisputeCreated        EventKind = "dispute_created"
	EventUnknown               EventKind = "unknown"
)

// Event is a verified gateway notification. Exactly one payload is set
// for known kinds; Unknown events carry none. DecodeError is set instead of
// a payload when the event verified but its data object could not be read.
type Event struct {
	ID          string
	Type        string
	Kind        EventKind
	CreatedAt   time.Time
	DecodeError string

	Intent  *IntentPayload
	Refund  *RefundPayload
	Dispute *DisputePayload
}

// IntentPayload is the slice of a payment intent the handlers need
type IntentPayload struct {
	IntentID      string
	Status        models.PaymentStatus
	FailureReason string
	PaymentMethod string
	Metadata      map[string]string
}

// RefundPayload is the slice of a refund the handlers need
type RefundPayload struct {
	RefundID      string
	IntentID      string
	Status        models.RefundStatus
	Amount        decimal.Decimal
	FailureReason string
	Metadata      map[string]string
}

// DisputePayload describes a chargeback opened by the card holder
type DisputePayload struct {
	DisputeID string
	ChargeID  string
	Reason    string
	Amount    decimal.Decimal
}

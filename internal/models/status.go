package models

// OrderStatus is the lifecycle state of a placed order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// position along the forward path, used to treat a late confirm as satisfied
var orderProgress = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusConfirmed: 1,
	OrderStatusShipped:   2,
	OrderStatusDelivered: 3,
}

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Reached reports whether s is target or further along the fulfilment path.
// A cancelled order has not reached any fulfilment state.
func (s OrderStatus) Reached(target OrderStatus) bool {
	cur, ok := orderProgress[s]
	if !ok {
		return false
	}
	want, ok := orderProgress[target]
	if !ok {
		return false
	}
	return cur >= want
}

// PaymentStatus is the lifecycle state of the money movement tied to an order
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusCancelled         PaymentStatus = "CANCELLED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing:        {PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusSucceeded:         {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
}

var paymentRank = map[PaymentStatus]int{
	PaymentStatusPending:           0,
	PaymentStatusProcessing:        1,
	PaymentStatusSucceeded:         2,
	PaymentStatusFailed:            2,
	PaymentStatusCancelled:         2,
	PaymentStatusPartiallyRefunded: 3,
	PaymentStatusRefunded:          4,
}

// Rank orders payment states for out-of-order delivery checks
func (s PaymentStatus) Rank() int {
	return paymentRank[s]
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsRefundable reports whether refunds may be requested against the payment
func (s PaymentStatus) IsRefundable() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusPartiallyRefunded
}

// IsPending reports whether the gateway has not reached a decision yet
func (s PaymentStatus) IsPending() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

// RefundStatus is the lifecycle state of a refund
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusSucceeded RefundStatus = "SUCCEEDED"
	RefundStatusFailed    RefundStatus = "FAILED"
	RefundStatusCancelled RefundStatus = "CANCELLED"
)

// IsTerminal reports whether the refund reached a final gateway outcome
func (s RefundStatus) IsTerminal() bool {
	return s != RefundStatusPending
}

// RefundReason enumerates why money is returned
type RefundReason string

const (
	RefundReasonRequestedByCustomer RefundReason = "REQUESTED_BY_CUSTOMER"
	RefundReasonDuplicate           RefundReason = "DUPLICATE"
	RefundReasonFraudulent          RefundReason = "FRAUDULENT"
	RefundReasonProductUnacceptable RefundReason = "PRODUCT_UNACCEPTABLE"
	RefundReasonProductNotReceived  RefundReason = "PRODUCT_NOT_RECEIVED"
	RefundReasonGeneral             RefundReason = "GENERAL"
)

// Valid reports whether r is a known refund reason
func (r RefundReason) Valid() bool {
	switch r {
	case RefundReasonRequestedByCustomer, RefundReasonDuplicate, RefundReasonFraudulent,
		RefundReasonProductUnacceptable, RefundReasonProductNotReceived, RefundReasonGeneral:
		return true
	}
	return false
}

// WebhookStatus is the processing outcome of a recorded webhook
type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "RECEIVED"
	WebhookStatusProcessed WebhookStatus = "PROCESSED"
	WebhookStatusFailed    WebhookStatus = "FAILED"
	WebhookStatusIgnored   WebhookStatus = "IGNORED"
)

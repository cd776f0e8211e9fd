package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusPending, OrderStatusConfirmed, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusPending, OrderStatusDelivered, false},
		{OrderStatusConfirmed, OrderStatusShipped, true},
		{OrderStatusConfirmed, OrderStatusCancelled, true},
		{OrderStatusConfirmed, OrderStatusPending, false},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestOrderStatusReached(t *testing.T) {
	assert.True(t, OrderStatusConfirmed.Reached(OrderStatusConfirmed))
	assert.True(t, OrderStatusDelivered.Reached(OrderStatusConfirmed))
	assert.False(t, OrderStatusPending.Reached(OrderStatusConfirmed))
	assert.False(t, OrderStatusCancelled.Reached(OrderStatusConfirmed))
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())
}

func TestPaymentStatusTransitions(t *testing.T) {
	tests := []struct {
		from PaymentStatus
		to   PaymentStatus
		want bool
	}{
		{PaymentStatusPending, PaymentStatusProcessing, true},
		{PaymentStatusPending, PaymentStatusSucceeded, true},
		{PaymentStatusPending, PaymentStatusFailed, true},
		{PaymentStatusPending, PaymentStatusCancelled, true},
		{PaymentStatusPending, PaymentStatusRefunded, false},
		{PaymentStatusProcessing, PaymentStatusSucceeded, true},
		{PaymentStatusProcessing, PaymentStatusCancelled, false},
		{PaymentStatusSucceeded, PaymentStatusPartiallyRefunded, true},
		{PaymentStatusSucceeded, PaymentStatusRefunded, true},
		{PaymentStatusSucceeded, PaymentStatusFailed, false},
		{PaymentStatusPartiallyRefunded, PaymentStatusRefunded, true},
		{PaymentStatusFailed, PaymentStatusSucceeded, false},
		{PaymentStatusCancelled, PaymentStatusSucceeded, false},
		{PaymentStatusRefunded, PaymentStatusPartiallyRefunded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPaymentStatusRank(t *testing.T) {
	assert.Less(t, PaymentStatusPending.Rank(), PaymentStatusProcessing.Rank())
	assert.Less(t, PaymentStatusProcessing.Rank(), PaymentStatusSucceeded.Rank())
	assert.Equal(t, PaymentStatusSucceeded.Rank(), PaymentStatusFailed.Rank())
	assert.Equal(t, PaymentStatusSucceeded.Rank(), PaymentStatusCancelled.Rank())
	assert.Less(t, PaymentStatusSucceeded.Rank(), PaymentStatusPartiallyRefunded.Rank())
	assert.Less(t, PaymentStatusPartiallyRefunded.Rank(), PaymentStatusRefunded.Rank())
}

func TestRefundReasonValid(t *testing.T) {
	assert.True(t, RefundReasonDuplicate.Valid())
	assert.False(t, RefundReason("BECAUSE").Valid())
}

package service

import (
	"context"
	"testing"

	"greencart/internal/apperr"
	"greencart/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartAddItemMergesAndKeepsCapturedPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := consumer()
	p := h.product(t, 10, "2.50")

	h.addToCart(t, alice, p.ID, 2)

	p.Price = decimal.RequireFromString("3.00")
	h.store.SetProduct(p)

	view, err := h.cart.AddItem(ctx, alice, CartItemInput{ProductID: p.ID, Quantity: 3})
	require.NoError(t, err)

	require.Len(t, view.Lines, 1)
	line := view.Lines[0]
	assert.Equal(t, 5, line.Quantity)
	assert.True(t, line.PriceAtTime.Equal(decimal.RequireFromString("2.50")))
	assert.True(t, line.CurrentPrice.Equal(decimal.RequireFromString("3.00")))
	assert.True(t, line.PriceChanged)
	assert.True(t, line.IsAvailable)
	assert.Equal(t, 5, view.TotalItems)
	assert.True(t, view.TotalAmount.Equal(decimal.RequireFromString("12.50")))
}

func TestCartAddItemRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := consumer()
	p := h.product(t, 2, "1.00")
	inactive := h.product(t, 5, "1.00")
	inactive.IsActive = false
	h.store.SetProduct(inactive)

	tests := []struct {
		name  string
		actor models.Actor
		in    CartItemInput
		check func(t *testing.T, err error)
	}{
		{
			name:  "more than stock",
			actor: alice,
			in:    CartItemInput{ProductID: p.ID, Quantity: 3},
			check: func(t *testing.T, err error) {
				var stock *apperr.StockUnavailableError
				require.ErrorAs(t, err, &stock)
				assert.Equal(t, 2, stock.Available)
			},
		},
		{
			name:  "zero quantity",
			actor: alice,
			in:    CartItemInput{ProductID: p.ID, Quantity: 0},
			check: func(t *testing.T, err error) {
				var validation *apperr.ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Equal(t, "quantity", validation.Field)
			},
		},
		{
			name:  "missing product id",
			actor: alice,
			in:    CartItemInput{Quantity: 1},
			check: func(t *testing.T, err error) {
				var validation *apperr.ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Equal(t, "product_id", validation.Field)
			},
		},
		{
			name:  "inactive product",
			actor: alice,
			in:    CartItemInput{ProductID: inactive.ID, Quantity: 1},
			check: func(t *testing.T, err error) {
				var validation *apperr.ValidationError
				require.ErrorAs(t, err, &validation)
			},
		},
		{
			name:  "unknown product",
			actor: alice,
			in:    CartItemInput{ProductID: uuid.New(), Quantity: 1},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, apperr.ErrNotFound)
			},
		},
		{
			name:  "staff has no cart",
			actor: staff(),
			in:    CartItemInput{ProductID: p.ID, Quantity: 1},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, apperr.ErrForbidden)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.cart.AddItem(ctx, tt.actor, tt.in)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCartUpdateQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := consumer()
	p := h.product(t, 10, "1.00")
	q := h.product(t, 10, "4.00")
	h.addToCart(t, alice, p.ID, 1)
	h.addToCart(t, alice, q.ID, 1)

	view, err := h.cart.UpdateQuantity(ctx, alice, p.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, view.TotalItems)

	view, err = h.cart.UpdateQuantity(ctx, alice, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, q.ID, view.Lines[0].ProductID)

	_, err = h.cart.UpdateQuantity(ctx, alice, q.ID, 11)
	var stock *apperr.StockUnavailableError
	assert.ErrorAs(t, err, &stock)
}

func TestCartAvailabilityFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := consumer()
	p := h.product(t, 3, "1.00")
	h.addToCart(t, alice, p.ID, 3)

	p.QuantityAvailable = 1
	h.store.SetProduct(p)

	view, err := h.cart.GetCart(ctx, alice)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.False(t, view.Lines[0].IsAvailable)
	assert.False(t, view.Lines[0].PriceChanged)
}

func TestCartRemoveAndClear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := consumer()
	p := h.product(t, 10, "1.00")
	q := h.product(t, 10, "1.00")
	h.addToCart(t, alice, p.ID, 1)
	h.addToCart(t, alice, q.ID, 2)

	view, err := h.cart.RemoveItem(ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)

	_, err = h.cart.RemoveItem(ctx, alice, p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, h.cart.Clear(ctx, alice))
	view, err = h.cart.GetCart(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
}

func TestCartGetWithoutCart(t *testing.T) {
	h := newHarness(t)

	view, err := h.cart.GetCart(context.Background(), consumer())
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
	assert.True(t, view.TotalAmount.IsZero())
}

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(s *Store, qty int) models.Product {
	p := models.Product{
		ID:                uuid.New(),
		ProducerID:        uuid.New(),
		Name:              "Raw honey",
		Price:             decimal.RequireFromString("8.00"),
		QuantityAvailable: qty,
		IsActive:          true,
	}
	s.AddProduct(p)
	return p
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(s, 5)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.DecrementStock(ctx, p.ID, 5)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = tx.NextOrderSequence(ctx, "GC", 2025)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, s.Product(p.ID).QuantityAvailable)

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.NextOrderSequence(ctx, "GC", 2025)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "rolled back sequence is reused")
		return nil
	})
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(s, 3)

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx store.Tx) error {
			_, _ = tx.DecrementStock(ctx, p.ID, 3)
			panic("handler bug")
		})
	})
	assert.Equal(t, 3, s.Product(p.ID).QuantityAvailable)
}

func TestDecrementStockIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(s, 2)

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.DecrementStock(ctx, p.ID, 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.DecrementStock(ctx, p.ID, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	assert.Equal(t, 0, s.Product(p.ID).QuantityAvailable)
}

func TestInsertWebhookEventIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	insert := func() bool {
		var inserted bool
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			var err error
			inserted, err = tx.InsertWebhookEvent(ctx, &models.WebhookEvent{
				EventID:    "evt_1",
				EventType:  "payment_intent.succeeded",
				Status:     models.WebhookStatusReceived,
				ReceivedAt: time.Now(),
			})
			return err
		}))
		return inserted
	}

	assert.True(t, insert())
	assert.False(t, insert())
	assert.Equal(t, 1, s.WebhookCount())
}

func TestFailOn(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(s, 1)
	boom := errors.New("boom")

	s.FailOn("DecrementStock", boom)
	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.DecrementStock(ctx, p.ID, 1)
		return err
	})
	assert.ErrorIs(t, err, boom)

	s.FailOn("DecrementStock", nil)
	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.DecrementStock(ctx, p.ID, 1)
		return err
	})
	assert.NoError(t, err)
}

func TestMissingRowIsNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetPayment(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

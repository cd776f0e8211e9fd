package service

import (
	"context"
	"fmt"

	"greencart/internal/apperr"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryLedger is the only path through which product stock changes.
// Both operations run inside the caller's unit of work.
type InventoryLedger struct {
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{logger: util.Component("inventory")}
}

// Reserve decrements stock by qty, or fails with StockUnavailableError and writes nothing
func (l *InventoryLedger) Reserve(ctx context.Context, tx store.ProductTx, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}

	ok, err := tx.DecrementStock(ctx, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	if ok {
		return nil
	}

	p, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	util.StockShortfallsTotal.Inc()
	l.logger.Info("Stock shortfall",
		zap.String("product_id", productID.String()),
		zap.Int("requested", qty),
		zap.Int("available", p.QuantityAvailable))
	return &apperr.StockUnavailableError{ProductID: productID, Requested: qty, Available: p.QuantityAvailable}
}

// Release returns qty units to stock
func (l *InventoryLedger) Release(ctx context.Context, tx store.ProductTx, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}

	if err := tx.IncrementStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	util.StockReleasedUnitsTotal.Add(float64(qty))
	return nil
}

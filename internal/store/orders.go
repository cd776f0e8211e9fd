package store

import (
	"context"
	"fmt"

	"greencart/internal/models"

	"github.com/google/uuid"
)

const orderColumns = `id, order_number, consumer_id, status, total_amount, delivery_address, delivery_city,
	delivery_postal_code, delivery_date, notes, order_date, confirmed_at, shipped_at, delivered_at,
	cancelled_at, updated_at`

const orderItemColumns = `id, order_id, product_id, producer_id, quantity, unit_price, total_price, created_at`

// NextOrderSequence atomically allocates the next number for (prefix, year).
// The counter row stays locked until the checkout ends, so concurrent
// checkouts queue here instead of racing on max(order_number).
func (t *sqlTx) NextOrderSequence(ctx context.Context, prefix string, year int) (int64, error) {
	var next int64
	err := t.tx.GetContext(ctx, &next,
		`INSERT INTO order_number_counters (prefix, year, last_value)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (prefix, year) DO UPDATE SET last_value = order_number_counters.last_value + 1
		 RETURNING last_value`,
		prefix, year)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate order number: %w", err)
	}
	return next, nil
}

// CreateOrder creates a new order
func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (:id, :order_number, :consumer_id, :status, :total_amount, :delivery_address, :delivery_city,
			:delivery_postal_code, :delivery_date, :notes, :order_date, :confirmed_at, :shipped_at, :delivered_at,
			:cancelled_at, :updated_at)`,
		order)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// CreateOrderItem creates a new order item
func (t *sqlTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO order_items (`+orderItemColumns+`)
		 VALUES (:id, :order_id, :product_id, :producer_id, :quantity, :unit_price, :total_price, :created_at)`,
		item)
	if err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (t *sqlTx) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "order", "SELECT "+orderColumns+" FROM orders WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder retrieves an order and holds its row lock
func (t *sqlTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "order", "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrderItems retrieves all items for an order
func (t *sqlTx) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY product_id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	return items, nil
}

// UpdateOrderStatus writes the status and lifecycle timestamps
func (t *sqlTx) UpdateOrderStatus(ctx context.Context, order *models.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = $2, confirmed_at = $3, shipped_at = $4, delivered_at = $5, cancelled_at = $6, updated_at = $7
		 WHERE id = $1`,
		order.ID, order.Status, order.ConfirmedAt, order.ShippedAt, order.DeliveredAt, order.CancelledAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// AppendOrderHistory appends one audit row
func (t *sqlTx) AppendOrderHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO order_status_history (id, order_id, old_status, new_status, actor, reason, changed_at)
		 VALUES (:id, :order_id, :old_status, :new_status, :actor, :reason, :changed_at)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to append order history: %w", err)
	}
	return nil
}

// ListOrderHistory returns the audit trail oldest first
func (t *sqlTx) ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT id, order_id, old_status, new_status, actor, reason, changed_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY changed_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order history: %w", err)
	}
	return rows, nil
}

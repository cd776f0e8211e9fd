package store

import (
	"context"
	"fmt"

	"greencart/internal/apperr"
	"greencart/internal/models"

	"github.com/google/uuid"
)

const productColumns = `id, producer_id, name, price, quantity_available, is_active, updated_at`

// GetProduct retrieves a product by ID
func (t *sqlTx) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var p models.Product
	err := t.get(ctx, &p, "product",
		"SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LockProducts locks product rows FOR UPDATE in ascending id order so two
// checkouts over overlapping carts cannot deadlock.
func (t *sqlTx) LockProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	var products []models.Product
	err := t.tx.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM products WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE",
		uuidArray(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	return products, nil
}

// DecrementStock is the conditional decrement behind a reservation
func (t *sqlTx) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products
		 SET quantity_available = quantity_available - $2, updated_at = NOW()
		 WHERE id = $1 AND quantity_available >= $2`,
		productID, qty)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementStock returns units to a product
func (t *sqlTx) IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE products SET quantity_available = quantity_available + $2, updated_at = NOW() WHERE id = $1",
		productID, qty)
	if err != nil {
		return fmt.Errorf("failed to increment stock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %s: %w", productID, apperr.ErrNotFound)
	}
	return nil
}

const cartLineColumns = `id, cart_id, product_id, quantity, price_at_time, added_at, updated_at`

// GetCart retrieves the consumer's cart
func (t *sqlTx) GetCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error) {
	var c models.Cart
	err := t.get(ctx, &c, "cart",
		"SELECT id, consumer_id, created_at, updated_at FROM carts WHERE consumer_id = $1", consumerID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateCart returns the consumer's cart, creating it on first use
func (t *sqlTx) GetOrCreateCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error) {
	var c models.Cart
	err := t.tx.GetContext(ctx, &c,
		`INSERT INTO carts (id, consumer_id)
		 VALUES ($1, $2)
		 ON CONFLICT (consumer_id) DO UPDATE SET updated_at = carts.updated_at
		 RETURNING id, consumer_id, created_at, updated_at`,
		uuid.New(), consumerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create cart: %w", err)
	}
	return &c, nil
}

// ListCartLines returns lines in the order they were added
func (t *sqlTx) ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := t.tx.SelectContext(ctx, &lines,
		"SELECT "+cartLineColumns+" FROM cart_lines WHERE cart_id = $1 ORDER BY added_at, product_id", cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart lines: %w", err)
	}
	return lines, nil
}

// GetCartLine retrieves one line
func (t *sqlTx) GetCartLine(ctx context.Context, cartID, productID uuid.UUID) (*models.CartLine, error) {
	var l models.CartLine
	err := t.get(ctx, &l, "cart line",
		"SELECT "+cartLineColumns+" FROM cart_lines WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveCartLine inserts or overwrites the line for (cart, product)
func (t *sqlTx) SaveCartLine(ctx context.Context, line *models.CartLine) error {
	if line.ID == uuid.Nil {
		line.ID = uuid.New()
	}

	err := t.tx.GetContext(ctx, line,
		`INSERT INTO cart_lines (id, cart_id, product_id, quantity, price_at_time)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, price_at_time = EXCLUDED.price_at_time, updated_at = NOW()
		 RETURNING `+cartLineColumns,
		line.ID, line.CartID, line.ProductID, line.Quantity, line.PriceAtTime)
	if err != nil {
		return fmt.Errorf("failed to save cart line: %w", err)
	}
	return nil
}

// DeleteCartLine removes a line and reports whether one existed
func (t *sqlTx) DeleteCartLine(ctx context.Context, cartID, productID uuid.UUID) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM cart_lines WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return false, fmt.Errorf("failed to delete cart line: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearCart removes every line of a cart
func (t *sqlTx) ClearCart(ctx context.Context, cartID uuid.UUID) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM cart_lines WHERE cart_id = $1", cartID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart: %w", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"greencart/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, order_id, consumer_id, gateway_intent_id, client_secret, amount, currency, status,
	payment_method, failure_reason, processed_at, created_at, updated_at`

const refundColumns = `id, payment_id, gateway_refund_id, amount, currency, status, reason, description,
	requested_by, failure_reason, processed_at, created_at, updated_at`

const webhookColumns = `id, event_id, event_type, payload, status, error_message, received_at, processed_at`

// CreatePayment creates a new payment record
func (t *sqlTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (:id, :order_id, :consumer_id, :gateway_intent_id, :client_secret, :amount, :currency, :status,
			:payment_method, :failure_reason, :processed_at, :created_at, :updated_at)`,
		payment)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID
func (t *sqlTx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := t.get(ctx, &p, "payment", "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &p, nil
}

// LockPayment retrieves a payment and holds its row lock
func (t *sqlTx) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := t.get(ctx, &p, "payment", "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByOrder retrieves the payment for an order
func (t *sqlTx) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := t.get(ctx, &p, "payment", "SELECT "+paymentColumns+" FROM payments WHERE order_id = $1", orderID); err != nil {
		return nil, err
	}
	return &p, nil
}

// LockPaymentByIntent is how webhook handlers find their payment
func (t *sqlTx) LockPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	var p models.Payment
	err := t.get(ctx, &p, "payment",
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_intent_id = $1 FOR UPDATE", intentID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment writes the mutable payment columns
func (t *sqlTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payments
		 SET status = $2, payment_method = $3, failure_reason = $4, processed_at = $5, updated_at = $6
		 WHERE id = $1`,
		payment.ID, payment.Status, payment.PaymentMethod, payment.FailureReason, payment.ProcessedAt, payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

// ListPaymentsByStatus returns payments created since the cutoff, oldest first
func (t *sqlTx) ListPaymentsByStatus(ctx context.Context, statuses []models.PaymentStatus, since time.Time) ([]models.Payment, error) {
	if len(statuses) == 0 {
		return []models.Payment{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+paymentColumns+" FROM payments WHERE status IN (?) AND created_at >= ? ORDER BY created_at",
		statuses, since)
	if err != nil {
		return nil, err
	}

	var payments []models.Payment
	if err := t.tx.SelectContext(ctx, &payments, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// CreateRefund creates a new refund record
func (t *sqlTx) CreateRefund(ctx context.Context, refund *models.Refund) error {
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO refunds (`+refundColumns+`)
		 VALUES (:id, :payment_id, :gateway_refund_id, :amount, :currency, :status, :reason, :description,
			:requested_by, :failure_reason, :processed_at, :created_at, :updated_at)`,
		refund)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

// GetRefund retrieves a refund by ID
func (t *sqlTx) GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var r models.Refund
	if err := t.get(ctx, &r, "refund", "SELECT "+refundColumns+" FROM refunds WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &r, nil
}

// LockRefund retrieves a refund and holds its row lock
func (t *sqlTx) LockRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var r models.Refund
	if err := t.get(ctx, &r, "refund", "SELECT "+refundColumns+" FROM refunds WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &r, nil
}

// LockRefundByGatewayID finds a refund by the provider's id
func (t *sqlTx) LockRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*models.Refund, error) {
	var r models.Refund
	err := t.get(ctx, &r, "refund",
		"SELECT "+refundColumns+" FROM refunds WHERE gateway_refund_id = $1 FOR UPDATE", gatewayRefundID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRefund writes the mutable refund columns
func (t *sqlTx) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE refunds
		 SET gateway_refund_id = $2, status = $3, failure_reason = $4, processed_at = $5, updated_at = $6
		 WHERE id = $1`,
		refund.ID, refund.GatewayRefundID, refund.Status, refund.FailureReason, refund.ProcessedAt, refund.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update refund: %w", err)
	}
	return nil
}

// SumRefunds totals the refunds of a payment in the given statuses
func (t *sqlTx) SumRefunds(ctx context.Context, paymentID uuid.UUID, statuses ...models.RefundStatus) (decimal.Decimal, error) {
	if len(statuses) == 0 {
		return decimal.Zero, nil
	}

	query, args, err := sqlx.In(
		"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = ? AND status IN (?)",
		paymentID, statuses)
	if err != nil {
		return decimal.Zero, err
	}

	var total decimal.Decimal
	if err := t.tx.GetContext(ctx, &total, t.tx.Rebind(query), args...); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// ListRefundsByStatus returns refunds created since the cutoff, oldest first
func (t *sqlTx) ListRefundsByStatus(ctx context.Context, status models.RefundStatus, since time.Time) ([]models.Refund, error) {
	var refunds []models.Refund
	err := t.tx.SelectContext(ctx, &refunds,
		"SELECT "+refundColumns+" FROM refunds WHERE status = $1 AND created_at >= $2 ORDER BY created_at",
		status, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return refunds, nil
}

// InsertWebhookEvent records a delivery unless its event id is already known
func (t *sqlTx) InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}

	var id uuid.UUID
	err := t.tx.GetContext(ctx, &id,
		`INSERT INTO webhook_events (id, event_id, event_type, payload, status, error_message, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING id`,
		evt.ID, evt.EventID, evt.EventType, evt.Payload, evt.Status, evt.ErrorMessage, evt.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return true, nil
}

// GetWebhookEvent retrieves a delivery by the gateway's event id
func (t *sqlTx) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	err := t.get(ctx, &evt, "webhook event",
		"SELECT "+webhookColumns+" FROM webhook_events WHERE event_id = $1", eventID)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// LockWebhookEvent serializes processing of a single delivery
func (t *sqlTx) LockWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	err := t.get(ctx, &evt, "webhook event",
		"SELECT "+webhookColumns+" FROM webhook_events WHERE event_id = $1 FOR UPDATE", eventID)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// UpdateWebhookOutcome records the processing result; nothing else is ever rewritten
func (t *sqlTx) UpdateWebhookOutcome(ctx context.Context, eventID string, status models.WebhookStatus, errMsg string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE webhook_events SET status = $2, error_message = $3, processed_at = $4 WHERE event_id = $1",
		eventID, status, errMsg, at)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// ListWebhookEventsByStatus returns deliveries in one status received at or
// before cutoff, oldest first. A limit of zero or less means no limit.
func (t *sqlTx) ListWebhookEventsByStatus(ctx context.Context, status models.WebhookStatus, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	var rows interface{}
	if limit > 0 {
		rows = limit
	}
	var events []models.WebhookEvent
	err := t.tx.SelectContext(ctx, &events,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE status = $1 AND received_at <= $2 ORDER BY received_at LIMIT $3",
		status, cutoff, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, nil
}

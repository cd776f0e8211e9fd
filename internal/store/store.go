package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// TxRunner runs fn inside one unit of work. fn's error rolls everything back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is every persistence operation the services need, bound to one transaction.
// Lock* variants take a row lock held until the unit of work ends.
type Tx interface {
	ProductTx
	CartTx
	OrderTx
	PaymentTx
	RefundTx
	WebhookTx
}

type ProductTx interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	// LockProducts locks the rows in ascending id order; missing ids are omitted
	LockProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error)
	// DecrementStock reports false, without writing, when stock is short
	DecrementStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error)
	IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error
}

type CartTx interface {
	GetCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error)
	GetOrCreateCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error)
	ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error)
	GetCartLine(ctx context.Context, cartID, productID uuid.UUID) (*models.CartLine, error)
	SaveCartLine(ctx context.Context, line *models.CartLine) error
	DeleteCartLine(ctx context.Context, cartID, productID uuid.UUID) (bool, error)
	ClearCart(ctx context.Context, cartID uuid.UUID) (int64, error)
}

type OrderTx interface {
	NextOrderSequence(ctx context.Context, prefix string, year int) (int64, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, order *models.Order) error
	AppendOrderHistory(ctx context.Context, entry *models.OrderStatusHistory) error
	ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error)
}

type PaymentTx interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	LockPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	ListPaymentsByStatus(ctx context.Context, statuses []models.PaymentStatus, since time.Time) ([]models.Payment, error)
}

type RefundTx interface {
	CreateRefund(ctx context.Context, refund *models.Refund) error
	GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	LockRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	LockRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*models.Refund, error)
	UpdateRefund(ctx context.Context, refund *models.Refund) error
	SumRefunds(ctx context.Context, paymentID uuid.UUID, statuses ...models.RefundStatus) (decimal.Decimal, error)
	ListRefundsByStatus(ctx context.Context, status models.RefundStatus, since time.Time) ([]models.Refund, error)
}

type WebhookTx interface {
	// InsertWebhookEvent reports false when the event id is already recorded
	InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	LockWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	UpdateWebhookOutcome(ctx context.Context, eventID string, status models.WebhookStatus, errMsg string, at time.Time) error
	ListWebhookEventsByStatus(ctx context.Context, status models.WebhookStatus, cutoff time.Time, limit int) ([]models.WebhookEvent, error)
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by readiness probes
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type sqlTx struct {
	tx *sqlx.Tx
}

// get runs a single-row query, mapping no rows to apperr.ErrNotFound
func (t *sqlTx) get(ctx context.Context, dest interface{}, what string, query string, args ...interface{}) error {
	err := t.tx.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", what, err)
	}
	return nil
}

func uuidArray(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

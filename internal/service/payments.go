package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/gateway"
	"greencart/internal/models"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentListener is told about payment outcomes inside the unit of work
// that applied them. Each method fires once per applied transition.
type PaymentListener interface {
	PaymentSucceeded(ctx context.Context, u *Unit, p *models.Payment) error
	// PaymentVoided fires on FAILED and CANCELLED
	PaymentVoided(ctx context.Context, u *Unit, p *models.Payment) error
	// PaymentRefunded fires when the last refundable unit was refunded
	PaymentRefunded(ctx context.Context, u *Unit, p *models.Payment) error
}

// PaymentUpdate is a target status plus whatever the gateway told us about it
type PaymentUpdate struct {
	Status        models.PaymentStatus
	FailureReason string
	PaymentMethod string
	Source        string
}

// PaymentService owns the payment state machine
type PaymentService struct {
	runner    store.TxRunner
	gateway   gateway.Gateway
	currency  string
	pub       Publisher
	listeners []PaymentListener
	logger    *zap.Logger
	now       func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(runner store.TxRunner, gw gateway.Gateway, currency string, pub Publisher, listeners ...PaymentListener) *PaymentService {
	return &PaymentService{
		runner:    runner,
		gateway:   gw,
		currency:  currency,
		pub:       pub,
		listeners: listeners,
		logger:    util.Component("payments"),
		now:       timeNow,
	}
}

// IntentResult is returned to the consumer so the client can complete payment
type IntentResult struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

// IntentInput names the order to pay
type IntentInput struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
}

func intentIdempotencyKey(orderID uuid.UUID) string {
	return "order:" + orderID.String() + ":intent"
}

// CreateIntent asks the gateway for a payment intent covering the order total.
// The payment row is written only after the gateway accepted; a retry after a
// timeout reuses the same idempotency key and so the same intent.
func (s *PaymentService) CreateIntent(ctx context.Context, actor models.Actor, in IntentInput) (res *IntentResult, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateIntent")
	defer func() { util.EndSpan(span, err) }()

	if err := validateInput(in); err != nil {
		return nil, err
	}

	var (
		order    *models.Order
		existing *models.Payment
	)
	err = read(ctx, s.runner, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleConsumer || actor.UserID != order.ConsumerID {
			return fmt.Errorf("order %s: %w", order.ID, apperr.ErrForbidden)
		}
		existing, err = tx.GetPaymentByOrder(ctx, order.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Status.IsPending() {
			return &IntentResult{Payment: existing, ClientSecret: existing.ClientSecret}, nil
		}
		return nil, apperr.Validation("order_id", "order already has a %s payment", existing.Status)
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.Validation("order_id", "order is %s, not awaiting payment", order.Status)
	}

	ref, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		Amount:   order.TotalAmount,
		Currency: s.currency,
		Metadata: map[string]string{
			"order_id":     order.ID.String(),
			"order_number": order.OrderNumber,
			"consumer_id":  order.ConsumerID.String(),
		},
		IdempotencyKey: intentIdempotencyKey(order.ID),
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	payment := &models.Payment{
		ID:              uuid.New(),
		OrderID:         order.ID,
		ConsumerID:      order.ConsumerID,
		GatewayIntentID: ref.ID,
		ClientSecret:    ref.ClientSecret,
		Amount:          order.TotalAmount,
		Currency:        s.currency,
		Status:          models.PaymentStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		locked, err := u.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.OrderStatusPending {
			return apperr.Validation("order_id", "order is %s, not awaiting payment", locked.Status)
		}
		if err := u.CreatePayment(ctx, payment); err != nil {
			return err
		}
		u.Raise(&models.PaymentStatusChangedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypePaymentStatusChanged, now),
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			NewStatus: payment.Status,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
		})
		return nil
	})

	if store.IsUniqueViolation(err) {
		// a concurrent request for the same order won; both got the same intent
		var winner *models.Payment
		if rerr := read(ctx, s.runner, func(tx store.Tx) error {
			var err error
			winner, err = tx.GetPaymentByOrder(ctx, order.ID)
			return err
		}); rerr != nil {
			return nil, rerr
		}
		return &IntentResult{Payment: winner, ClientSecret: winner.ClientSecret}, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payment intent created",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("intent_id", ref.ID))
	return &IntentResult{Payment: payment, ClientSecret: payment.ClientSecret}, nil
}

// Get returns a payment to its owner or to staff
func (s *PaymentService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	var payment *models.Payment
	err := read(ctx, s.runner, func(tx store.Tx) error {
		var err error
		payment, err = tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if !ownsPayment(actor, payment) {
			return fmt.Errorf("payment %s: %w", id, apperr.ErrForbidden)
		}
		return nil
	})
	return payment, err
}

// Cancel voids a PENDING payment. The gateway cancel runs while the payment
// row is locked, so a racing success webhook waits and then sees CANCELLED.
// If the gateway refuses because the intent already succeeded, nothing changes
// here and the webhook applies SUCCEEDED.
func (s *PaymentService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Cancel")
	var payment *models.Payment
	err := runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		var err error
		payment, err = u.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if !ownsPayment(actor, payment) {
			return fmt.Errorf("payment %s: %w", id, apperr.ErrForbidden)
		}

		switch payment.Status {
		case models.PaymentStatusCancelled:
			return nil
		case models.PaymentStatusPending:
		default:
			return &apperr.InvalidTransitionError{Entity: "payment", From: string(payment.Status), To: string(models.PaymentStatusCancelled)}
		}

		if err := s.gateway.CancelIntent(ctx, payment.GatewayIntentID); err != nil {
			return err
		}
		_, err = s.ApplyStatus(ctx, u, payment, PaymentUpdate{
			Status:        models.PaymentStatusCancelled,
			FailureReason: "cancelled by " + actor.String(),
			Source:        "consumer",
		})
		return err
	})
	util.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ApplyStatus moves a locked payment to upd.Status. Re-applying the current
// status and moving to a lower rank are ignored and reported as not applied.
// Listeners fire only for applied transitions.
func (s *PaymentService) ApplyStatus(ctx context.Context, u *Unit, p *models.Payment, upd PaymentUpdate) (bool, error) {
	from, to := p.Status, upd.Status

	switch {
	case from == to:
		util.PaymentTransitionsSkippedTotal.WithLabelValues("same_state").Inc()
		return false, nil
	case to.Rank() < from.Rank():
		util.PaymentTransitionsSkippedTotal.WithLabelValues("stale").Inc()
		s.logger.Info("Ignoring stale payment status",
			zap.String("payment_id", p.ID.String()),
			zap.String("current", string(from)),
			zap.String("target", string(to)),
			zap.String("source", upd.Source))
		return false, nil
	case !from.CanTransitionTo(to) && to.Rank() == from.Rank():
		util.PaymentTransitionsSkippedTotal.WithLabelValues("terminal_conflict").Inc()
		s.logger.Warn("Ignoring conflicting terminal payment status",
			zap.String("payment_id", p.ID.String()),
			zap.String("current", string(from)),
			zap.String("target", string(to)),
			zap.String("source", upd.Source))
		return false, nil
	case !from.CanTransitionTo(to):
		return false, &apperr.InvalidTransitionError{Entity: "payment", From: string(from), To: string(to)}
	}

	now := s.now()
	p.Status = to
	p.UpdatedAt = now
	if upd.FailureReason != "" {
		p.FailureReason = upd.FailureReason
	}
	if upd.PaymentMethod != "" {
		p.PaymentMethod = upd.PaymentMethod
	}
	switch to {
	case models.PaymentStatusSucceeded, models.PaymentStatusFailed, models.PaymentStatusCancelled:
		if p.ProcessedAt == nil {
			p.ProcessedAt = ptrTime(now)
		}
	}

	if err := u.UpdatePayment(ctx, p); err != nil {
		return false, err
	}

	util.PaymentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	u.Raise(&models.PaymentStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentStatusChanged, now),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		OldStatus: from,
		NewStatus: to,
		Amount:    p.Amount,
		Currency:  p.Currency,
	})
	s.logger.Info("Payment status changed",
		zap.String("payment_id", p.ID.String()),
		zap.String("order_id", p.OrderID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("source", upd.Source))

	for _, l := range s.listeners {
		var err error
		switch to {
		case models.PaymentStatusSucceeded:
			err = l.PaymentSucceeded(ctx, u, p)
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			err = l.PaymentVoided(ctx, u, p)
		case models.PaymentStatusRefunded:
			err = l.PaymentRefunded(ctx, u, p)
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func ownsPayment(actor models.Actor, p *models.Payment) bool {
	return actor.IsStaff() || (actor.Role == models.RoleConsumer && actor.UserID == p.ConsumerID)
}

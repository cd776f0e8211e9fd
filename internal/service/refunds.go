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
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RefundService validates refund requests, forwards them to the gateway and
// settles them when the gateway reports the outcome
type RefundService struct {
	runner     store.TxRunner
	gateway    gateway.Gateway
	payments   *PaymentService
	currencies gateway.CurrencyConfig
	pub        Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewRefundService creates a new refund service. currencies must match the
// precision rules the gateway applies when converting amounts.
func NewRefundService(runner store.TxRunner, gw gateway.Gateway, payments *PaymentService, currencies gateway.CurrencyConfig, pub Publisher) *RefundService {
	return &RefundService{
		runner:     runner,
		gateway:    gw,
		payments:   payments,
		currencies: currencies,
		pub:        pub,
		logger:     util.Component("refunds"),
		now:        timeNow,
	}
}

// RefundInput requests money back. A nil Amount refunds whatever remains.
type RefundInput struct {
	PaymentID   uuid.UUID           `json:"payment_id" validate:"required"`
	Amount      *decimal.Decimal    `json:"amount,omitempty"`
	Reason      models.RefundReason `json:"reason"`
	Description string              `json:"description" validate:"max=500"`
}

// RefundUpdate is a gateway-reported refund outcome
type RefundUpdate struct {
	Status          models.RefundStatus
	FailureReason   string
	GatewayRefundID string
	Source          string
}

// committedRefundStatuses hold headroom against the payment amount
var committedRefundStatuses = []models.RefundStatus{models.RefundStatusSucceeded, models.RefundStatusPending}

// RequestRefund checks the request against the payment under its row lock and
// records a PENDING refund in the same unit of work, which reserves the amount.
// Only then is the gateway called. The refund settles later, from a webhook.
// When the gateway call fails without a definite rejection the refund stays
// PENDING and keeps its headroom until a webhook or the reconciler settles it.
func (s *RefundService) RequestRefund(ctx context.Context, actor models.Actor, in RefundInput) (refund *models.Refund, err error) {
	ctx, span := util.StartSpan(ctx, "RefundService.RequestRefund", attribute.String("payment.id", in.PaymentID.String()))
	defer func() { util.EndSpan(span, err) }()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Reason == "" {
		in.Reason = models.RefundReasonRequestedByCustomer
	}
	if !in.Reason.Valid() {
		return nil, apperr.Validation("reason", "unknown refund reason %q", in.Reason)
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}

	var payment *models.Payment
	err = runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		var err error
		payment, err = u.LockPayment(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if !ownsPayment(actor, payment) {
			return fmt.Errorf("payment %s: %w", payment.ID, apperr.ErrForbidden)
		}
		if !payment.Status.IsRefundable() {
			return &apperr.InvalidTransitionError{Entity: "payment", From: string(payment.Status), To: string(models.PaymentStatusRefunded)}
		}

		committed, err := u.SumRefunds(ctx, payment.ID, committedRefundStatuses...)
		if err != nil {
			return err
		}
		remaining := payment.Amount.Sub(committed)
		if !remaining.IsPositive() {
			return apperr.Validation("amount", "payment %s has nothing left to refund", payment.ID)
		}

		amount := remaining
		if in.Amount != nil {
			amount = *in.Amount
		}
		if amount.GreaterThan(remaining) {
			return apperr.Validation("amount", "%s exceeds the refundable remainder %s", amount, remaining)
		}
		if _, err := s.currencies.ToMinorUnits(amount, payment.Currency); err != nil {
			return apperr.Validation("amount", "%v", err)
		}

		now := s.now()
		refund = &models.Refund{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			Amount:      amount,
			Currency:    payment.Currency,
			Status:      models.RefundStatusPending,
			Reason:      in.Reason,
			Description: in.Description,
			RequestedBy: actor.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := u.CreateRefund(ctx, refund); err != nil {
			return err
		}
		u.Raise(refundEvent(refund, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.RefundsTotal.WithLabelValues(string(models.RefundStatusPending)).Inc()

	amount := refund.Amount
	ref, gwErr := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		IntentID: payment.GatewayIntentID,
		Amount:   &amount,
		Currency: refund.Currency,
		Reason:   refund.Reason,
		Metadata: map[string]string{
			"refund_id":  refund.ID.String(),
			"payment_id": payment.ID.String(),
			"order_id":   payment.OrderID.String(),
		},
		IdempotencyKey: refund.ID.String(),
	})
	if gwErr != nil && !apperr.IsGatewayRejection(gwErr) {
		s.logger.Warn("Refund outcome unknown, left pending",
			zap.String("refund_id", refund.ID.String()),
			zap.String("payment_id", payment.ID.String()),
			zap.Error(gwErr))
		return nil, gwErr
	}

	err = runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		locked, err := u.LockRefund(ctx, refund.ID)
		if err != nil {
			return err
		}
		refund = locked

		if gwErr != nil {
			// rejected outright, so the headroom goes back
			return s.SettleRefund(ctx, u, refund, RefundUpdate{
				Status:        models.RefundStatusFailed,
				FailureReason: gwErr.Error(),
				Source:        "request",
			})
		}

		if refund.GatewayRefundID == nil {
			refund.GatewayRefundID = &ref.ID
			refund.UpdatedAt = s.now()
			return u.UpdateRefund(ctx, refund)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record gateway refund for %s: %w", refund.ID, err)
	}
	if gwErr != nil {
		return nil, gwErr
	}

	s.logger.Info("Refund requested",
		zap.String("refund_id", refund.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway_refund_id", ref.ID),
		zap.String("amount", refund.Amount.String()))
	return refund, nil
}

// SettleRefund applies a gateway outcome to a locked refund. Terminal refunds
// do not change again. A success recomputes the payment's refunded status.
func (s *RefundService) SettleRefund(ctx context.Context, u *Unit, refund *models.Refund, upd RefundUpdate) error {
	if upd.GatewayRefundID != "" && refund.GatewayRefundID == nil {
		id := upd.GatewayRefundID
		refund.GatewayRefundID = &id
	}

	if refund.Status.IsTerminal() {
		if refund.Status != upd.Status {
			s.logger.Warn("Ignoring status for settled refund",
				zap.String("refund_id", refund.ID.String()),
				zap.String("current", string(refund.Status)),
				zap.String("reported", string(upd.Status)),
				zap.String("source", upd.Source))
		}
		return nil
	}

	now := s.now()
	refund.UpdatedAt = now
	if upd.Status == models.RefundStatusPending {
		return u.UpdateRefund(ctx, refund)
	}

	refund.Status = upd.Status
	refund.ProcessedAt = ptrTime(now)
	if upd.FailureReason != "" {
		refund.FailureReason = upd.FailureReason
	}
	if err := u.UpdateRefund(ctx, refund); err != nil {
		return err
	}
	util.RefundsTotal.WithLabelValues(string(refund.Status)).Inc()
	u.Raise(refundEvent(refund, now))

	s.logger.Info("Refund settled",
		zap.String("refund_id", refund.ID.String()),
		zap.String("status", string(refund.Status)),
		zap.String("source", upd.Source))

	if refund.Status != models.RefundStatusSucceeded {
		return nil
	}

	payment, err := u.LockPayment(ctx, refund.PaymentID)
	if err != nil {
		return err
	}
	refunded, err := u.SumRefunds(ctx, payment.ID, models.RefundStatusSucceeded)
	if err != nil {
		return err
	}

	target := models.PaymentStatusPartiallyRefunded
	if refunded.GreaterThanOrEqual(payment.Amount) {
		target = models.PaymentStatusRefunded
	}
	_, err = s.payments.ApplyStatus(ctx, u, payment, PaymentUpdate{Status: target, Source: upd.Source})
	return err
}

// settleFromEvent finds the refund a webhook talks about. The gateway id may
// not be stored yet when the webhook wins the race against RequestRefund, so
// the refund id we put in the metadata is the fallback.
func (s *RefundService) settleFromEvent(ctx context.Context, u *Unit, p *gateway.RefundPayload) (models.WebhookStatus, error) {
	refund, err := u.LockRefundByGatewayID(ctx, p.RefundID)
	if errors.Is(err, apperr.ErrNotFound) {
		refund, err = s.lockByMetadata(ctx, u, p.Metadata)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("Refund event for unknown refund",
			zap.String("gateway_refund_id", p.RefundID),
			zap.String("intent_id", p.IntentID))
		return models.WebhookStatusIgnored, nil
	}
	if err != nil {
		return "", err
	}

	err = s.SettleRefund(ctx, u, refund, RefundUpdate{
		Status:          p.Status,
		FailureReason:   p.FailureReason,
		GatewayRefundID: p.RefundID,
		Source:          "webhook",
	})
	if err != nil {
		return "", err
	}
	return models.WebhookStatusProcessed, nil
}

func (s *RefundService) lockByMetadata(ctx context.Context, u *Unit, metadata map[string]string) (*models.Refund, error) {
	id, err := uuid.Parse(metadata["refund_id"])
	if err != nil {
		return nil, fmt.Errorf("refund: %w", apperr.ErrNotFound)
	}
	return u.LockRefund(ctx, id)
}

func refundEvent(r *models.Refund, at time.Time) *models.RefundStatusChangedEvent {
	return &models.RefundStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeRefundStatusChanged, at),
		RefundID:  r.ID,
		PaymentID: r.PaymentID,
		Status:    r.Status,
		Amount:    r.Amount,
	}
}

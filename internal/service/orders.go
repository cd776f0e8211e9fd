package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService drives the order state machine. It also listens for payment
// outcomes so a paid order confirms and a voided or refunded one releases stock.
type OrderService struct {
	runner store.TxRunner
	ledger *InventoryLedger
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(runner store.TxRunner, ledger *InventoryLedger, pub Publisher) *OrderService {
	return &OrderService{
		runner: runner,
		ledger: ledger,
		pub:    pub,
		logger: util.Component("orders"),
		now:    timeNow,
	}
}

var _ PaymentListener = (*OrderService)(nil)

// OrderDetail is an order with its items and, once requested, its payment
type OrderDetail struct {
	models.Order
	Items   []models.OrderItem `json:"items"`
	Payment *models.Payment    `json:"payment,omitempty"`
}

// StatusUpdateInput moves an order forward on behalf of staff or a producer
type StatusUpdateInput struct {
	Status models.OrderStatus `json:"status" validate:"required,oneof=CONFIRMED SHIPPED DELIVERED"`
	Reason string             `json:"reason" validate:"max=500"`
}

// Get returns an order visible to the actor
func (s *OrderService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*OrderDetail, error) {
	var detail *OrderDetail
	err := read(ctx, s.runner, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		items, err := tx.ListOrderItems(ctx, id)
		if err != nil {
			return err
		}
		if !canView(actor, order, items) {
			return fmt.Errorf("order %s: %w", id, apperr.ErrForbidden)
		}

		detail = &OrderDetail{Order: *order, Items: items}
		payment, err := tx.GetPaymentByOrder(ctx, id)
		switch {
		case err == nil:
			detail.Payment = payment
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		return nil
	})
	return detail, err
}

// History returns the audit trail of an order, oldest first
func (s *OrderService) History(ctx context.Context, actor models.Actor, id uuid.UUID) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := read(ctx, s.runner, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		items, err := tx.ListOrderItems(ctx, id)
		if err != nil {
			return err
		}
		if !canView(actor, order, items) {
			return fmt.Errorf("order %s: %w", id, apperr.ErrForbidden)
		}
		rows, err = tx.ListOrderHistory(ctx, id)
		return err
	})
	return rows, err
}

// Cancel cancels a PENDING or CONFIRMED order and returns its stock
func (s *OrderService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	var order *models.Order
	err := runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		var err error
		order, err = u.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !(actor.Role == models.RoleConsumer && actor.UserID == order.ConsumerID) {
			return fmt.Errorf("order %s: %w", id, apperr.ErrForbidden)
		}
		return s.cancel(ctx, u, order, actor, reason)
	})
	util.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order cancelled",
		zap.String("order_id", id.String()),
		zap.String("actor", actor.String()))
	return order, nil
}

// UpdateStatus confirms, ships or delivers an order. Confirming is staff-only;
// shipping and delivery are open to staff and producers supplying the order.
func (s *OrderService) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, in StatusUpdateInput) (*models.Order, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	var order *models.Order
	err := runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		var err error
		order, err = u.LockOrder(ctx, id)
		if err != nil {
			return err
		}

		if in.Status == models.OrderStatusConfirmed {
			if !actor.IsStaff() {
				return fmt.Errorf("only staff confirm orders: %w", apperr.ErrForbidden)
			}
			return s.confirm(ctx, u, order, actor, in.Reason)
		}

		if !actor.IsStaff() {
			items, err := u.ListOrderItems(ctx, id)
			if err != nil {
				return err
			}
			if !suppliesOrder(actor, items) {
				return fmt.Errorf("order %s: %w", id, apperr.ErrForbidden)
			}
		}
		return s.apply(ctx, u, order, in.Status, actor, in.Reason)
	})
	util.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// PaymentSucceeded confirms the paid order
func (s *OrderService) PaymentSucceeded(ctx context.Context, u *Unit, p *models.Payment) error {
	order, err := u.LockOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	return s.confirm(ctx, u, order, models.SystemActor, "payment succeeded")
}

// PaymentVoided cancels a still-PENDING order whose payment failed or was cancelled
func (s *OrderService) PaymentVoided(ctx context.Context, u *Unit, p *models.Payment) error {
	order, err := u.LockOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending {
		s.logger.Info("Payment voided on non-pending order, leaving it",
			zap.String("order_id", order.ID.String()),
			zap.String("order_status", string(order.Status)),
			zap.String("payment_status", string(p.Status)))
		return nil
	}
	return s.cancel(ctx, u, order, models.SystemActor, "payment "+strings.ToLower(string(p.Status)))
}

// PaymentRefunded cancels the order if it has not shipped yet
func (s *OrderService) PaymentRefunded(ctx context.Context, u *Unit, p *models.Payment) error {
	order, err := u.LockOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransitionTo(models.OrderStatusCancelled) {
		s.logger.Info("Payment fully refunded after order left cancellable states",
			zap.String("order_id", order.ID.String()),
			zap.String("order_status", string(order.Status)))
		return nil
	}
	return s.cancel(ctx, u, order, models.SystemActor, "payment refunded")
}

// confirm is a no-op once the order is CONFIRMED or beyond, and on a cancelled order
func (s *OrderService) confirm(ctx context.Context, u *Unit, order *models.Order, actor models.Actor, reason string) error {
	switch {
	case order.Status == models.OrderStatusCancelled:
		if actor.Role == models.RoleSystem {
			util.OrdersPaidAfterCancelTotal.Inc()
		}
		s.logger.Warn("Confirm ignored, order already cancelled",
			zap.String("order_id", order.ID.String()),
			zap.String("actor", actor.String()))
		return nil
	case order.Status.Reached(models.OrderStatusConfirmed):
		return nil
	}
	return s.apply(ctx, u, order, models.OrderStatusConfirmed, actor, reason)
}

// cancel releases every item through the ledger and then flips the status
func (s *OrderService) cancel(ctx context.Context, u *Unit, order *models.Order, actor models.Actor, reason string) error {
	if !order.Status.CanTransitionTo(models.OrderStatusCancelled) {
		return &apperr.InvalidTransitionError{Entity: "order", From: string(order.Status), To: string(models.OrderStatusCancelled)}
	}

	items, err := u.ListOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.ledger.Release(ctx, u, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return s.apply(ctx, u, order, models.OrderStatusCancelled, actor, reason)
}

// apply performs one transition: status, timestamp, history row, event
func (s *OrderService) apply(ctx context.Context, u *Unit, order *models.Order, to models.OrderStatus, actor models.Actor, reason string) error {
	from := order.Status
	if !from.CanTransitionTo(to) {
		return &apperr.InvalidTransitionError{Entity: "order", From: string(from), To: string(to)}
	}

	now := s.now()
	order.Status = to
	order.UpdatedAt = now
	switch to {
	case models.OrderStatusConfirmed:
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = ptrTime(now)
		}
	case models.OrderStatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = ptrTime(now)
		}
	case models.OrderStatusDelivered:
		if order.DeliveredAt == nil {
			order.DeliveredAt = ptrTime(now)
		}
	case models.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = ptrTime(now)
		}
	}

	if err := u.UpdateOrderStatus(ctx, order); err != nil {
		return err
	}
	if err := u.AppendOrderHistory(ctx, &models.OrderStatusHistory{
		OrderID:   order.ID,
		OldStatus: from,
		NewStatus: to,
		Actor:     actor.String(),
		Reason:    reason,
		ChangedAt: now,
	}); err != nil {
		return err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	u.Raise(&models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged, now),
		OrderID:   order.ID,
		OldStatus: from,
		NewStatus: to,
		Actor:     actor.String(),
		Reason:    reason,
	})
	return nil
}

func canView(actor models.Actor, order *models.Order, items []models.OrderItem) bool {
	switch actor.Role {
	case models.RoleStaff:
		return true
	case models.RoleConsumer:
		return actor.UserID == order.ConsumerID
	case models.RoleProducer:
		return suppliesOrder(actor, items)
	}
	return false
}

func suppliesOrder(actor models.Actor, items []models.OrderItem) bool {
	if actor.Role != models.RoleProducer || actor.ProducerID == nil {
		return false
	}
	for _, item := range items {
		if item.ProducerID == *actor.ProducerID {
			return true
		}
	}
	return false
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const deliveryDateLayout = "2006-01-02"

// CheckoutService turns a consumer's cart into an order in one unit of work
type CheckoutService struct {
	runner   store.TxRunner
	ledger   *InventoryLedger
	pub      Publisher
	prefix   string
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewCheckoutService creates a checkout service. Order numbers are
// prefix + year + sequence, with the year taken in loc.
func NewCheckoutService(runner store.TxRunner, ledger *InventoryLedger, pub Publisher, prefix string, loc *time.Location) *CheckoutService {
	if loc == nil {
		loc = time.UTC
	}
	return &CheckoutService{
		runner:   runner,
		ledger:   ledger,
		pub:      pub,
		prefix:   prefix,
		location: loc,
		logger:   util.Component("checkout"),
		now:      timeNow,
	}
}

// CheckoutInput carries the delivery snapshot copied onto the order
type CheckoutInput struct {
	DeliveryAddress    string `json:"delivery_address" validate:"required,max=500"`
	DeliveryCity       string `json:"delivery_city" validate:"required,max=100"`
	DeliveryPostalCode string `json:"delivery_postal_code" validate:"required,max=20"`
	DeliveryDate       string `json:"delivery_date" validate:"omitempty,datetime=2006-01-02"`
	Notes              string `json:"notes" validate:"max=1000"`
}

// FormatOrderNumber renders PREFIX<year><seq>, seq padded to three digits
func FormatOrderNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s%d%03d", prefix, year, seq)
}

// Checkout validates the input and the cart, then creates the order,
// reserves stock and clears the cart. Any failure leaves nothing behind.
func (s *CheckoutService) Checkout(ctx context.Context, actor models.Actor, in CheckoutInput) (detail *OrderDetail, err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
		util.CheckoutsTotal.WithLabelValues(checkoutOutcome(err)).Inc()
		util.EndSpan(span, err)
	}()

	if err := requireConsumer(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := s.now()
	deliveryDate, err := s.parseDeliveryDate(in.DeliveryDate, now)
	if err != nil {
		return nil, err
	}

	err = runUnit(ctx, s.runner, s.pub, func(u *Unit) error {
		var err error
		detail, err = s.placeOrder(ctx, u, actor, in, deliveryDate, now)
		return err
	})
	if err != nil {
		var stock *apperr.StockUnavailableError
		if errors.As(err, &stock) {
			s.logger.Info("Checkout rejected, stock unavailable",
				zap.String("consumer_id", actor.UserID.String()),
				zap.String("product_id", stock.ProductID.String()))
		}
		return nil, err
	}

	s.logger.Info("Order placed",
		zap.String("order_id", detail.ID.String()),
		zap.String("order_number", detail.OrderNumber),
		zap.String("total", detail.TotalAmount.String()))
	return detail, nil
}

func (s *CheckoutService) placeOrder(ctx context.Context, u *Unit, actor models.Actor, in CheckoutInput, deliveryDate *time.Time, now time.Time) (*OrderDetail, error) {
	cart, err := u.GetCart(ctx, actor.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Validation("cart", "cart is empty")
	}
	if err != nil {
		return nil, err
	}

	lines, err := u.ListCartLines(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperr.Validation("cart", "cart is empty")
	}

	ids := make([]uuid.UUID, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	locked, err := u.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	products := make(map[uuid.UUID]models.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}

	total := decimal.Zero
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok || !p.IsActive {
			return nil, &apperr.StockUnavailableError{ProductID: l.ProductID, Requested: l.Quantity}
		}
		if p.QuantityAvailable < l.Quantity {
			return nil, &apperr.StockUnavailableError{ProductID: l.ProductID, Requested: l.Quantity, Available: p.QuantityAvailable}
		}
		total = total.Add(l.TotalPrice())
	}

	year := now.In(s.location).Year()
	seq, err := u.NextOrderSequence(ctx, s.prefix, year)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:                 uuid.New(),
		OrderNumber:        FormatOrderNumber(s.prefix, year, seq),
		ConsumerID:         actor.UserID,
		Status:             models.OrderStatusPending,
		TotalAmount:        total,
		DeliveryAddress:    in.DeliveryAddress,
		DeliveryCity:       in.DeliveryCity,
		DeliveryPostalCode: in.DeliveryPostalCode,
		DeliveryDate:       deliveryDate,
		Notes:              in.Notes,
		OrderDate:          now,
		UpdatedAt:          now,
	}
	if err := u.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	items := make([]models.OrderItem, 0, len(lines))
	eventItems := make([]models.OrderItemData, 0, len(lines))
	for _, l := range lines {
		item := models.OrderItem{
			ID:         uuid.New(),
			OrderID:    order.ID,
			ProductID:  l.ProductID,
			ProducerID: products[l.ProductID].ProducerID,
			Quantity:   l.Quantity,
			UnitPrice:  l.PriceAtTime,
			TotalPrice: l.TotalPrice(),
			CreatedAt:  now,
		}
		if err := u.CreateOrderItem(ctx, &item); err != nil {
			return nil, err
		}
		if err := s.ledger.Reserve(ctx, u, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
		eventItems = append(eventItems, models.OrderItemData{
			ProductID:  item.ProductID,
			ProducerID: item.ProducerID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	if err := u.AppendOrderHistory(ctx, &models.OrderStatusHistory{
		OrderID:   order.ID,
		NewStatus: models.OrderStatusPending,
		Actor:     actor.String(),
		Reason:    "checkout",
		ChangedAt: now,
	}); err != nil {
		return nil, err
	}

	if _, err := u.ClearCart(ctx, cart.ID); err != nil {
		return nil, err
	}

	u.Raise(&models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated, now),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		ConsumerID:  order.ConsumerID,
		TotalAmount: order.TotalAmount,
		Items:       eventItems,
	})
	return &OrderDetail{Order: *order, Items: items}, nil
}

// parseDeliveryDate accepts an empty value or a date strictly after today
func (s *CheckoutService) parseDeliveryDate(raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	date, err := time.ParseInLocation(deliveryDateLayout, raw, s.location)
	if err != nil {
		return nil, apperr.Validation("delivery_date", "must be a date formatted %s", deliveryDateLayout)
	}

	local := now.In(s.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	if !date.After(today) {
		return nil, apperr.Validation("delivery_date", "must be after %s", today.Format(deliveryDateLayout))
	}
	return &date, nil
}

func checkoutOutcome(err error) string {
	var (
		validation *apperr.ValidationError
		stock      *apperr.StockUnavailableError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &stock):
		return "stock_unavailable"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

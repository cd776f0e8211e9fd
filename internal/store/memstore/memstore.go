// Package memstore is an in-memory store.TxRunner for tests. A unit of work
// holds one global lock, which is at least as strict as the row locks the
// Postgres store takes, and a failed unit of work restores the prior snapshot.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type state struct {
	products  map[uuid.UUID]models.Product
	carts     map[uuid.UUID]models.Cart // keyed by consumer
	cartLines map[uuid.UUID]map[uuid.UUID]models.CartLine
	counters  map[string]int64
	orders    map[uuid.UUID]models.Order
	items     map[uuid.UUID][]models.OrderItem
	history   map[uuid.UUID][]models.OrderStatusHistory
	payments  map[uuid.UUID]models.Payment
	refunds   map[uuid.UUID]models.Refund
	webhooks  map[string]models.WebhookEvent
}

func newState() *state {
	return &state{
		products:  map[uuid.UUID]models.Product{},
		carts:     map[uuid.UUID]models.Cart{},
		cartLines: map[uuid.UUID]map[uuid.UUID]models.CartLine{},
		counters:  map[string]int64{},
		orders:    map[uuid.UUID]models.Order{},
		items:     map[uuid.UUID][]models.OrderItem{},
		history:   map[uuid.UUID][]models.OrderStatusHistory{},
		payments:  map[uuid.UUID]models.Payment{},
		refunds:   map[uuid.UUID]models.Refund{},
		webhooks:  map[string]models.WebhookEvent{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = v
	}
	for k, lines := range s.cartLines {
		m := make(map[uuid.UUID]models.CartLine, len(lines))
		for pk, l := range lines {
			m[pk] = l
		}
		c.cartLines[k] = m
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range s.history {
		c.history[k] = append([]models.OrderStatusHistory(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

// Store implements store.TxRunner in memory
type Store struct {
	mu   sync.Mutex
	data *state

	faults map[string]error
}

// New returns an empty store
func New() *Store {
	return &Store{data: newState(), faults: map[string]error{}}
}

var _ store.TxRunner = (*Store)(nil)

// WithTx runs fn with exclusive access and rolls back on error or panic
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.data.clone()
	defer func() {
		if p := recover(); p != nil {
			s.data = snapshot
			panic(p)
		}
	}()

	if err := fn(&memTx{s: s, st: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// FailOn makes the named Tx method return err until cleared with a nil err
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

// AddProduct seeds a catalog row
func (s *Store) AddProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.data.products[p.ID] = p
}

// SetProduct overwrites a catalog row, e.g. to change its price
func (s *Store) SetProduct(p models.Product) {
	s.AddProduct(p)
}

// Product reads a product outside any unit of work
func (s *Store) Product(id uuid.UUID) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.products[id]
}

// Order reads an order outside any unit of work
func (s *Store) Order(id uuid.UUID) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data.orders[id]
	return o, ok
}

// OrderCount returns how many orders exist
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.orders)
}

// History returns an order's audit rows
func (s *Store) History(orderID uuid.UUID) []models.OrderStatusHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), s.data.history[orderID]...)
}

// Payment reads a payment outside any unit of work
func (s *Store) Payment(id uuid.UUID) (models.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.payments[id]
	return p, ok
}

// PaymentCount returns how many payments exist
func (s *Store) PaymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.payments)
}

// Refunds returns every refund of a payment
func (s *Store) Refunds(paymentID uuid.UUID) []models.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Refund
	for _, r := range s.data.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Webhook reads a webhook row
func (s *Store) Webhook(eventID string) (models.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.data.webhooks[eventID]
	return w, ok
}

// WebhookCount returns how many deliveries were recorded
func (s *Store) WebhookCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.webhooks)
}

type memTx struct {
	s  *Store
	st *state
}

func (t *memTx) fault(method string) error {
	if err, ok := t.s.faults[method]; ok {
		return err
	}
	return nil
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
}

func uniqueViolation(constraint string) error {
	return &pq.Error{Code: "23505", Constraint: constraint, Message: "duplicate key value violates unique constraint"}
}

func (t *memTx) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, notFound("product")
	}
	return &p, nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	if err := t.fault("LockProducts"); err != nil {
		return nil, err
	}
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := []models.Product{}
	for _, id := range sorted {
		if p, ok := t.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	if err := t.fault("DecrementStock"); err != nil {
		return false, err
	}
	p, ok := t.st.products[productID]
	if !ok || p.QuantityAvailable < qty {
		return false, nil
	}
	p.QuantityAvailable -= qty
	p.UpdatedAt = time.Now()
	t.st.products[productID] = p
	return true, nil
}

func (t *memTx) IncrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	if err := t.fault("IncrementStock"); err != nil {
		return err
	}
	p, ok := t.st.products[productID]
	if !ok {
		return notFound("product " + productID.String())
	}
	p.QuantityAvailable += qty
	p.UpdatedAt = time.Now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) GetCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error) {
	c, ok := t.st.carts[consumerID]
	if !ok {
		return nil, notFound("cart")
	}
	return &c, nil
}

func (t *memTx) GetOrCreateCart(ctx context.Context, consumerID uuid.UUID) (*models.Cart, error) {
	if c, ok := t.st.carts[consumerID]; ok {
		return &c, nil
	}
	now := time.Now()
	c := models.Cart{ID: uuid.New(), ConsumerID: consumerID, CreatedAt: now, UpdatedAt: now}
	t.st.carts[consumerID] = c
	t.st.cartLines[c.ID] = map[uuid.UUID]models.CartLine{}
	return &c, nil
}

func (t *memTx) ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error) {
	out := []models.CartLine{}
	for _, l := range t.st.cartLines[cartID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ProductID.String() < out[j].ProductID.String()
	})
	return out, nil
}

func (t *memTx) GetCartLine(ctx context.Context, cartID, productID uuid.UUID) (*models.CartLine, error) {
	l, ok := t.st.cartLines[cartID][productID]
	if !ok {
		return nil, notFound("cart line")
	}
	return &l, nil
}

func (t *memTx) SaveCartLine(ctx context.Context, line *models.CartLine) error {
	if err := t.fault("SaveCartLine"); err != nil {
		return err
	}
	lines, ok := t.st.cartLines[line.CartID]
	if !ok {
		lines = map[uuid.UUID]models.CartLine{}
		t.st.cartLines[line.CartID] = lines
	}

	now := time.Now()
	if existing, ok := lines[line.ProductID]; ok {
		line.ID = existing.ID
		line.AddedAt = existing.AddedAt
	} else {
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		line.AddedAt = now
	}
	line.UpdatedAt = now
	lines[line.ProductID] = *line
	return nil
}

func (t *memTx) DeleteCartLine(ctx context.Context, cartID, productID uuid.UUID) (bool, error) {
	if _, ok := t.st.cartLines[cartID][productID]; !ok {
		return false, nil
	}
	delete(t.st.cartLines[cartID], productID)
	return true, nil
}

func (t *memTx) ClearCart(ctx context.Context, cartID uuid.UUID) (int64, error) {
	if err := t.fault("ClearCart"); err != nil {
		return 0, err
	}
	n := int64(len(t.st.cartLines[cartID]))
	t.st.cartLines[cartID] = map[uuid.UUID]models.CartLine{}
	return n, nil
}

func (t *memTx) NextOrderSequence(ctx context.Context, prefix string, year int) (int64, error) {
	key := fmt.Sprintf("%s/%d", prefix, year)
	t.st.counters[key]++
	return t.st.counters[key], nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := t.fault("CreateOrder"); err != nil {
		return err
	}
	for _, o := range t.st.orders {
		if o.OrderNumber == order.OrderNumber {
			return uniqueViolation("orders_order_number_key")
		}
	}
	t.st.orders[order.ID] = *order
	return nil
}

func (t *memTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	if err := t.fault("CreateOrderItem"); err != nil {
		return err
	}
	if _, ok := t.st.orders[item.OrderID]; !ok {
		return fmt.Errorf("order item references missing order %s", item.OrderID)
	}
	t.st.items[item.OrderID] = append(t.st.items[item.OrderID], *item)
	return nil
}

func (t *memTx) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, notFound("order")
	}
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	out := append([]models.OrderItem{}, t.st.items[orderID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID.String() < out[j].ProductID.String() })
	return out, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, order *models.Order) error {
	if err := t.fault("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := t.st.orders[order.ID]
	if !ok {
		return notFound("order")
	}
	o.Status = order.Status
	o.ConfirmedAt = order.ConfirmedAt
	o.ShippedAt = order.ShippedAt
	o.DeliveredAt = order.DeliveredAt
	o.CancelledAt = order.CancelledAt
	o.UpdatedAt = order.UpdatedAt
	t.st.orders[order.ID] = o
	return nil
}

func (t *memTx) AppendOrderHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	if err := t.fault("AppendOrderHistory"); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	t.st.history[entry.OrderID] = append(t.st.history[entry.OrderID], *entry)
	return nil
}

func (t *memTx) ListOrderHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	return append([]models.OrderStatusHistory{}, t.st.history[orderID]...), nil
}

func (t *memTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if err := t.fault("CreatePayment"); err != nil {
		return err
	}
	for _, p := range t.st.payments {
		if p.OrderID == payment.OrderID {
			return uniqueViolation("payments_order_id_key")
		}
		if p.GatewayIntentID == payment.GatewayIntentID {
			return uniqueViolation("payments_gateway_intent_id_key")
		}
	}
	t.st.payments[payment.ID] = *payment
	return nil
}

func (t *memTx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, notFound("payment")
	}
	return &p, nil
}

func (t *memTx) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *memTx) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	for _, p := range t.st.payments {
		if p.OrderID == orderID {
			p := p
			return &p, nil
		}
	}
	return nil, notFound("payment")
}

func (t *memTx) LockPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	for _, p := range t.st.payments {
		if p.GatewayIntentID == intentID {
			p := p
			return &p, nil
		}
	}
	return nil, notFound("payment")
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	if err := t.fault("UpdatePayment"); err != nil {
		return err
	}
	p, ok := t.st.payments[payment.ID]
	if !ok {
		return notFound("payment")
	}
	p.Status = payment.Status
	p.PaymentMethod = payment.PaymentMethod
	p.FailureReason = payment.FailureReason
	p.ProcessedAt = payment.ProcessedAt
	p.UpdatedAt = payment.UpdatedAt
	t.st.payments[payment.ID] = p
	return nil
}

func (t *memTx) ListPaymentsByStatus(ctx context.Context, statuses []models.PaymentStatus, since time.Time) ([]models.Payment, error) {
	want := map[models.PaymentStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := []models.Payment{}
	for _, p := range t.st.payments {
		if want[p.Status] && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) CreateRefund(ctx context.Context, refund *models.Refund) error {
	if err := t.fault("CreateRefund"); err != nil {
		return err
	}
	if refund.GatewayRefundID != nil {
		for _, r := range t.st.refunds {
			if r.GatewayRefundID != nil && *r.GatewayRefundID == *refund.GatewayRefundID {
				return uniqueViolation("refunds_gateway_refund_id_key")
			}
		}
	}
	t.st.refunds[refund.ID] = *refund
	return nil
}

func (t *memTx) GetRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	r, ok := t.st.refunds[id]
	if !ok {
		return nil, notFound("refund")
	}
	return &r, nil
}

func (t *memTx) LockRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	return t.GetRefund(ctx, id)
}

func (t *memTx) LockRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*models.Refund, error) {
	for _, r := range t.st.refunds {
		if r.GatewayRefundID != nil && *r.GatewayRefundID == gatewayRefundID {
			r := r
			return &r, nil
		}
	}
	return nil, notFound("refund")
}

func (t *memTx) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	if err := t.fault("UpdateRefund"); err != nil {
		return err
	}
	r, ok := t.st.refunds[refund.ID]
	if !ok {
		return notFound("refund")
	}
	r.GatewayRefundID = refund.GatewayRefundID
	r.Status = refund.Status
	r.FailureReason = refund.FailureReason
	r.ProcessedAt = refund.ProcessedAt
	r.UpdatedAt = refund.UpdatedAt
	t.st.refunds[refund.ID] = r
	return nil
}

func (t *memTx) SumRefunds(ctx context.Context, paymentID uuid.UUID, statuses ...models.RefundStatus) (decimal.Decimal, error) {
	want := map[models.RefundStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	total := decimal.Zero
	for _, r := range t.st.refunds {
		if r.PaymentID == paymentID && want[r.Status] {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (t *memTx) ListRefundsByStatus(ctx context.Context, status models.RefundStatus, since time.Time) ([]models.Refund, error) {
	out := []models.Refund{}
	for _, r := range t.st.refunds {
		if r.Status == status && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	if err := t.fault("InsertWebhookEvent"); err != nil {
		return false, err
	}
	if _, ok := t.st.webhooks[evt.EventID]; ok {
		return false, nil
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	t.st.webhooks[evt.EventID] = *evt
	return true, nil
}

func (t *memTx) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	w, ok := t.st.webhooks[eventID]
	if !ok {
		return nil, notFound("webhook event")
	}
	return &w, nil
}

func (t *memTx) LockWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	return t.GetWebhookEvent(ctx, eventID)
}

func (t *memTx) UpdateWebhookOutcome(ctx context.Context, eventID string, status models.WebhookStatus, errMsg string, at time.Time) error {
	if err := t.fault("UpdateWebhookOutcome"); err != nil {
		return err
	}
	w, ok := t.st.webhooks[eventID]
	if !ok {
		return notFound("webhook event")
	}
	w.Status = status
	w.ErrorMessage = errMsg
	w.ProcessedAt = &at
	t.st.webhooks[eventID] = w
	return nil
}

func (t *memTx) ListWebhookEventsByStatus(ctx context.Context, status models.WebhookStatus, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	out := []models.WebhookEvent{}
	for _, w := range t.st.webhooks {
		if w.Status == status && !w.ReceivedAt.After(cutoff) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/gateway"
	"greencart/internal/models"
	"greencart/internal/store/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const validSignature = "t=1,v1=ok"

var errGatewayDown = errors.New("gateway unavailable")

// fakeGateway implements gateway.Gateway in memory
type fakeGateway struct {
	mu sync.Mutex

	intents     map[string]*gateway.IntentState
	secrets     map[string]string
	intentByKey map[string]string
	refunds      map[string]*gateway.RefundState
	refundByKey  map[string]string
	refundIntent map[string]string

	CreateIntentErr error
	CancelErr       error
	// CreateRefundErr is returned as a definite rejection
	CreateRefundErr error
	// CreateRefundLostErr is returned after the refund was created, as when
	// the response never reaches us
	CreateRefundLostErr error
	RetrieveErr         error
	ListRefundsErr      error

	CreateIntentCalls int
	CancelCalls       int
	CreateRefundCalls int
	LastIntent        gateway.IntentRequest
	LastRefund        gateway.RefundRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:     map[string]*gateway.IntentState{},
		secrets:     map[string]string{},
		intentByKey: map[string]string{},
		refunds:      map[string]*gateway.RefundState{},
		refundByKey:  map[string]string{},
		refundIntent: map[string]string{},
	}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.IntentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CreateIntentCalls++
	g.LastIntent = req
	if g.CreateIntentErr != nil {
		return nil, &apperr.GatewayError{Op: "create_intent", Err: g.CreateIntentErr}
	}

	id, ok := g.intentByKey[req.IdempotencyKey]
	if !ok {
		id = fmt.Sprintf("pi_%d", len(g.intents)+1)
		g.intents[id] = &gateway.IntentState{ID: id, Status: models.PaymentStatusPending, RawStatus: "requires_payment_method"}
		g.secrets[id] = id + "_secret"
		g.intentByKey[req.IdempotencyKey] = id
	}
	return &gateway.IntentRef{ID: id, ClientSecret: g.secrets[id], Status: models.PaymentStatusPending}, nil
}

func (g *fakeGateway) RetrieveIntent(ctx context.Context, intentID string) (*gateway.IntentState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RetrieveErr != nil {
		return nil, &apperr.GatewayError{Op: "retrieve_intent", Err: g.RetrieveErr}
	}
	st, ok := g.intents[intentID]
	if !ok {
		return nil, &apperr.GatewayError{Op: "retrieve_intent", Err: fmt.Errorf("no such intent %s", intentID)}
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) CancelIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CancelCalls++
	if g.CancelErr != nil {
		return &apperr.GatewayError{Op: "cancel_intent", Err: g.CancelErr}
	}
	if st, ok := g.intents[intentID]; ok {
		st.Status = models.PaymentStatusCancelled
		st.RawStatus = "canceled"
	}
	return nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CreateRefundCalls++
	g.LastRefund = req
	if g.CreateRefundErr != nil {
		return nil, &apperr.GatewayError{Op: "create_refund", Err: g.CreateRefundErr, Rejected: true}
	}

	id, ok := g.refundByKey[req.IdempotencyKey]
	if !ok {
		id = fmt.Sprintf("re_%d", len(g.refunds)+1)
		g.refunds[id] = &gateway.RefundState{ID: id, Status: models.RefundStatusPending, Metadata: req.Metadata}
		g.refundByKey[req.IdempotencyKey] = id
		g.refundIntent[id] = req.IntentID
	}
	if g.CreateRefundLostErr != nil {
		return nil, &apperr.GatewayError{Op: "create_refund", Err: g.CreateRefundLostErr}
	}
	return &gateway.RefundRef{ID: id, Status: models.RefundStatusPending}, nil
}

func (g *fakeGateway) RetrieveRefund(ctx context.Context, refundID string) (*gateway.RefundState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RetrieveErr != nil {
		return nil, &apperr.GatewayError{Op: "retrieve_refund", Err: g.RetrieveErr}
	}
	st, ok := g.refunds[refundID]
	if !ok {
		return nil, &apperr.GatewayError{Op: "retrieve_refund", Err: fmt.Errorf("no such refund %s", refundID)}
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) ListRefunds(ctx context.Context, intentID string) ([]gateway.RefundState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ListRefundsErr != nil {
		return nil, &apperr.GatewayError{Op: "list_refunds", Err: g.ListRefundsErr}
	}
	out := []gateway.RefundState{}
	for id, st := range g.refunds {
		if g.refundIntent[id] == intentID {
			out = append(out, *st)
		}
	}
	return out, nil
}

// VerifyAndParseWebhook accepts validSignature and JSON-encoded gateway.Event payloads
func (g *fakeGateway) VerifyAndParseWebhook(payload []byte, signatureHeader string) (*gateway.Event, error) {
	if signatureHeader != validSignature {
		return nil, &apperr.SignatureError{Err: errors.New("signature mismatch")}
	}
	return g.ParseEvent(payload)
}

func (g *fakeGateway) ParseEvent(payload []byte) (*gateway.Event, error) {
	var evt gateway.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// setIntent changes what the gateway reports for an intent
func (g *fakeGateway) setIntent(id string, status models.PaymentStatus, failure string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id] = &gateway.IntentState{ID: id, Status: status, FailureReason: failure}
}

func (g *fakeGateway) setRefund(id string, status models.RefundStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.refunds[id]; ok {
		st.Status = status
		return
	}
	g.refunds[id] = &gateway.RefundState{ID: id, Status: status}
}

func (g *fakeGateway) calls() (intents, cancels, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CreateIntentCalls, g.CancelCalls, g.CreateRefundCalls
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...models.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if eventTypeOf(e) == eventType {
			n++
		}
	}
	return n
}

func eventTypeOf(e models.DomainEvent) string {
	switch ev := e.(type) {
	case *models.OrderCreatedEvent:
		return ev.EventType
	case *models.OrderStatusChangedEvent:
		return ev.EventType
	case *models.PaymentStatusChangedEvent:
		return ev.EventType
	case *models.RefundStatusChangedEvent:
		return ev.EventType
	case *models.WebhookReplayRequestedEvent:
		return ev.EventType
	}
	return ""
}

// countingListener counts payment outcome notifications
type countingListener struct {
	mu        sync.Mutex
	Succeeded int
	Voided    int
	Refunded  int
}

func (l *countingListener) PaymentSucceeded(ctx context.Context, u *Unit, p *models.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Succeeded++
	return nil
}

func (l *countingListener) PaymentVoided(ctx context.Context, u *Unit, p *models.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Voided++
	return nil
}

func (l *countingListener) PaymentRefunded(ctx context.Context, u *Unit, p *models.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Refunded++
	return nil
}

// fakeSeenCache is a map-backed SeenCache
type fakeSeenCache struct {
	mu   sync.Mutex
	seen map[string]bool
	Err  error
}

func (c *fakeSeenCache) SeenWebhook(ctx context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	return c.seen[eventID], nil
}

func (c *fakeSeenCache) MarkWebhookSeen(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	c.seen[eventID] = true
	return nil
}

// fakeLocker grants a key to one holder at a time
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

// fakeClock ticks one second per reading so rows get distinct timestamps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires every service over one in-memory store
type harness struct {
	store    *memstore.Store
	gw       *fakeGateway
	pub      *recordingPublisher
	listener *countingListener
	seen     *fakeSeenCache
	locker   *fakeLocker
	clock    *fakeClock

	ledger     *InventoryLedger
	cart       *CartService
	checkout   *CheckoutService
	orders     *OrderService
	payments   *PaymentService
	refunds    *RefundService
	webhooks   *WebhookProcessor
	reconciler *Reconciler

	events int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    memstore.New(),
		gw:       newFakeGateway(),
		pub:      &recordingPublisher{},
		listener: &countingListener{},
		seen:     &fakeSeenCache{},
		locker:   &fakeLocker{},
		clock:    &fakeClock{now: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)},
	}

	h.ledger = NewInventoryLedger()
	h.cart = NewCartService(h.store)
	h.checkout = NewCheckoutService(h.store, h.ledger, h.pub, "GC", time.UTC)
	h.orders = NewOrderService(h.store, h.ledger, h.pub)
	h.payments = NewPaymentService(h.store, h.gw, "EUR", h.pub, h.orders, h.listener)
	h.refunds = NewRefundService(h.store, h.gw, h.payments, gateway.NewCurrencyConfig("EUR", gateway.DefaultZeroDecimalCurrencies), h.pub)
	h.webhooks = NewWebhookProcessor(h.store, h.gw, h.payments, h.refunds, h.seen, h.pub)
	h.reconciler = NewReconciler(h.store, h.gw, h.payments, h.refunds, h.locker, h.pub)

	h.checkout.now = h.clock.Now
	h.orders.now = h.clock.Now
	h.payments.now = h.clock.Now
	h.refunds.now = h.clock.Now
	h.webhooks.now = h.clock.Now
	h.reconciler.now = h.clock.Now
	return h
}

func consumer() models.Actor {
	return models.Actor{UserID: uuid.New(), Role: models.RoleConsumer}
}

func staff() models.Actor {
	return models.Actor{UserID: uuid.New(), Role: models.RoleStaff}
}

func producer(id uuid.UUID) models.Actor {
	return models.Actor{UserID: uuid.New(), Role: models.RoleProducer, ProducerID: &id}
}

func (h *harness) product(t *testing.T, qty int, price string) models.Product {
	t.Helper()
	p := models.Product{
		ID:                uuid.New(),
		ProducerID:        uuid.New(),
		Name:              "Organic carrots",
		Price:             decimal.RequireFromString(price),
		QuantityAvailable: qty,
		IsActive:          true,
	}
	h.store.AddProduct(p)
	return p
}

func (h *harness) addToCart(t *testing.T, actor models.Actor, productID uuid.UUID, qty int) {
	t.Helper()
	_, err := h.cart.AddItem(context.Background(), actor, CartItemInput{ProductID: productID, Quantity: qty})
	require.NoError(t, err)
}

func checkoutInput() CheckoutInput {
	return CheckoutInput{
		DeliveryAddress:    "12 rue des Lilas",
		DeliveryCity:       "Lyon",
		DeliveryPostalCode: "69001",
	}
}

// placeOrder fills a cart with qty units of p and checks it out
func (h *harness) placeOrder(t *testing.T, actor models.Actor, p models.Product, qty int) *OrderDetail {
	t.Helper()
	h.addToCart(t, actor, p.ID, qty)
	order, err := h.checkout.Checkout(context.Background(), actor, checkoutInput())
	require.NoError(t, err)
	return order
}

// pendingPayment places an order and opens a payment for it
func (h *harness) pendingPayment(t *testing.T, actor models.Actor, p models.Product, qty int) (*OrderDetail, *models.Payment) {
	t.Helper()
	order := h.placeOrder(t, actor, p, qty)
	res, err := h.payments.CreateIntent(context.Background(), actor, IntentInput{OrderID: order.ID})
	require.NoError(t, err)
	return order, res.Payment
}

func (h *harness) nextEventID() string {
	h.events++
	return fmt.Sprintf("evt_%d", h.events)
}

func encodeEvent(t *testing.T, evt *gateway.Event) []byte {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return payload
}

func intentEvent(id string, kind gateway.EventKind, intentID string) *gateway.Event {
	return &gateway.Event{
		ID:   id,
		Type: string(kind),
		Kind: kind,
		Intent: &gateway.IntentPayload{
			IntentID:      intentID,
			PaymentMethod: "CARD",
		},
	}
}

func refundEventPayload(id, gatewayRefundID string, status models.RefundStatus, refundID uuid.UUID) *gateway.Event {
	return &gateway.Event{
		ID:   id,
		Type: "refund.updated",
		Kind: gateway.EventRefundUpdated,
		Refund: &gateway.RefundPayload{
			RefundID: gatewayRefundID,
			Status:   status,
			Metadata: map[string]string{"refund_id": refundID.String()},
		},
	}
}

func (h *harness) deliver(t *testing.T, evt *gateway.Event) (*WebhookResult, error) {
	t.Helper()
	return h.webhooks.Handle(context.Background(), encodeEvent(t, evt), validSignature)
}

func (h *harness) succeed(t *testing.T, payment *models.Payment) {
	t.Helper()
	res, err := h.deliver(t, intentEvent(h.nextEventID(), gateway.EventPaymentSucceeded, payment.GatewayIntentID))
	require.NoError(t, err)
	require.Equal(t, models.WebhookStatusProcessed, res.Status, res.Error)
}

func (h *harness) mustPayment(t *testing.T, id uuid.UUID) models.Payment {
	t.Helper()
	p, ok := h.store.Payment(id)
	require.True(t, ok)
	return p
}

func (h *harness) mustOrder(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	o, ok := h.store.Order(id)
	require.True(t, ok)
	return o
}

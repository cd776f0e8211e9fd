package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/gateway"
	"greencart/internal/models"
	"greencart/internal/service"
	"greencart/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubGateway accepts the signature "ok" and JSON-encoded gateway.Event bodies
type stubGateway struct {
	mu      sync.Mutex
	intents int
}

func (g *stubGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.IntentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents++
	id := fmt.Sprintf("pi_%d", g.intents)
	return &gateway.IntentRef{ID: id, ClientSecret: id + "_secret", Status: models.PaymentStatusPending}, nil
}

func (g *stubGateway) RetrieveIntent(ctx context.Context, intentID string) (*gateway.IntentState, error) {
	return &gateway.IntentState{ID: intentID, Status: models.PaymentStatusPending}, nil
}

func (g *stubGateway) CancelIntent(ctx context.Context, intentID string) error { return nil }

func (g *stubGateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundRef, error) {
	return &gateway.RefundRef{ID: "re_" + req.IdempotencyKey, Status: models.RefundStatusPending}, nil
}

func (g *stubGateway) RetrieveRefund(ctx context.Context, refundID string) (*gateway.RefundState, error) {
	return &gateway.RefundState{ID: refundID, Status: models.RefundStatusPending}, nil
}

func (g *stubGateway) ListRefunds(ctx context.Context, intentID string) ([]gateway.RefundState, error) {
	return nil, nil
}

func (g *stubGateway) VerifyAndParseWebhook(payload []byte, signatureHeader string) (*gateway.Event, error) {
	if signatureHeader != "ok" {
		return nil, &apperr.SignatureError{Err: errors.New("signature mismatch")}
	}
	return g.ParseEvent(payload)
}

func (g *stubGateway) ParseEvent(payload []byte) (*gateway.Event, error) {
	var evt gateway.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, err
	}
	if evt.ID == "" {
		return nil, apperr.Validation("id", "event has no id")
	}
	return &evt, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, events ...models.DomainEvent) {}

type fakeReplays struct {
	requests []string
	err      error
}

func (f *fakeReplays) PublishReplayRequest(ctx context.Context, gatewayEventID, requestedBy string) (*models.WebhookReplayRequestedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, gatewayEventID)
	return &models.WebhookReplayRequestedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeWebhookReplayRequested, time.Now()),
		GatewayEventID: gatewayEventID,
		RequestedBy:    requestedBy,
	}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type testServer struct {
	router  *gin.Engine
	store   *memstore.Store
	replays *fakeReplays
	product models.Product
}

func newTestServer(t *testing.T, deps map[string]Pinger) *testServer {
	t.Helper()

	st := memstore.New()
	gw := &stubGateway{}
	pub := nopPublisher{}

	ledger := service.NewInventoryLedger()
	orders := service.NewOrderService(st, ledger, pub)
	payments := service.NewPaymentService(st, gw, "EUR", pub, orders)
	refunds := service.NewRefundService(st, gw, payments, gateway.NewCurrencyConfig("EUR", gateway.DefaultZeroDecimalCurrencies), pub)

	replays := &fakeReplays{}
	h := NewHandler(Services{
		Cart:     service.NewCartService(st),
		Checkout: service.NewCheckoutService(st, ledger, pub, "GC", time.UTC),
		Orders:   orders,
		Payments: payments,
		Refunds:  refunds,
		Webhooks: service.NewWebhookProcessor(st, gw, payments, refunds, nil, pub),
	}, replays, deps)

	router := gin.New()
	h.SetupRoutes(router)

	p := models.Product{
		ID:                uuid.New(),
		ProducerID:        uuid.New(),
		Name:              "Goat cheese",
		Price:             decimal.RequireFromString("4.50"),
		QuantityAvailable: 5,
		IsActive:          true,
	}
	st.AddProduct(p)

	return &testServer{router: router, store: st, replays: replays, product: p}
}

type caller struct {
	id   uuid.UUID
	role models.Role
}

func consumerCaller() caller { return caller{id: uuid.New(), role: models.RoleConsumer} }
func staffCaller() caller    { return caller{id: uuid.New(), role: models.RoleStaff} }

func (s *testServer) do(t *testing.T, who *caller, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set("X-User-ID", who.id.String())
		req.Header.Set("X-User-Role", string(who.role))
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) webhook(t *testing.T, evt *gateway.Event, signature string) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// checkout puts one unit in the caller's cart and checks it out
func (s *testServer) checkout(t *testing.T, who caller) string {
	t.Helper()

	w := s.do(t, &who, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": s.product.ID, "quantity": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, &who, http.MethodPost, "/api/v1/orders/checkout", gin.H{
		"delivery_address":     "3 place Bellecour",
		"delivery_city":        "Lyon",
		"delivery_postal_code": "69002",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestIdentityHeadersRequired(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "none", headers: map[string]string{}},
		{name: "bad user id", headers: map[string]string{"X-User-ID": "42", "X-User-Role": "consumer"}},
		{name: "unknown role", headers: map[string]string{"X-User-ID": uuid.NewString(), "X-User-Role": "admin"}},
		{name: "system role", headers: map[string]string{"X-User-ID": uuid.NewString(), "X-User-Role": "system"}},
		{name: "bad producer id", headers: map[string]string{"X-User-ID": uuid.NewString(), "X-User-Role": "producer", "X-Producer-ID": "farm"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestCheckoutPayAndConfirmOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	alice := consumerCaller()

	orderID := s.checkout(t, alice)

	w := s.do(t, &alice, http.MethodPost, "/api/v1/payments", gin.H{"order_id": orderID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "pi_1_secret", body["client_secret"])

	evt := &gateway.Event{
		ID:     "evt_http_1",
		Type:   "payment_intent.succeeded",
		Kind:   gateway.EventPaymentSucceeded,
		Intent: &gateway.IntentPayload{IntentID: "pi_1", PaymentMethod: "CARD"},
	}

	w = s.webhook(t, evt, "forged")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.webhook(t, evt, "ok")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "PROCESSED", decode(t, w)["status"])

	w = s.webhook(t, evt, "ok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])

	w = s.do(t, &alice, http.MethodGet, "/api/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CONFIRMED", decode(t, w)["status"])

	w = s.do(t, &alice, http.MethodGet, "/api/v1/orders/"+orderID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["history"], 2)
}

func TestWebhookHandlerFailureIsAcknowledged(t *testing.T) {
	s := newTestServer(t, nil)

	evt := &gateway.Event{
		ID:     "evt_orphan",
		Type:   "payment_intent.succeeded",
		Kind:   gateway.EventPaymentSucceeded,
		Intent: &gateway.IntentPayload{IntentID: "pi_unknown"},
	}
	w := s.webhook(t, evt, "ok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FAILED", decode(t, w)["status"])
}

func TestWebhookMalformedEvents(t *testing.T) {
	tests := []struct {
		name       string
		evt        *gateway.Event
		wantCode   int
		wantStatus string
		wantStored bool
	}{
		{
			name: "undecodable data is recorded as failed",
			evt: &gateway.Event{
				ID:          "evt_bad_data",
				Type:        "payment_intent.succeeded",
				Kind:        gateway.EventPaymentSucceeded,
				DecodeError: "failed to unmarshal payment intent",
			},
			wantCode:   http.StatusOK,
			wantStatus: "FAILED",
			wantStored: true,
		},
		{
			name:     "event without id",
			evt:      &gateway.Event{Type: "payment_intent.succeeded", Kind: gateway.EventPaymentSucceeded},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			w := s.webhook(t, tt.evt, "ok")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, decode(t, w)["status"])
			}

			ev, ok := s.store.Webhook(tt.evt.ID)
			require.Equal(t, tt.wantStored, ok)
			if ok {
				assert.Equal(t, models.WebhookStatusFailed, ev.Status)
				assert.Contains(t, ev.ErrorMessage, "could not be decoded")
			}
		})
	}
}

func TestWebhookNotRecordedIs500(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.FailOn("InsertWebhookEvent", errors.New("disk full"))

	w := s.webhook(t, &gateway.Event{ID: "evt_x", Kind: gateway.EventUnknown}, "ok")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk full")
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	alice := consumerCaller()
	orderID := s.checkout(t, alice)
	bob := consumerCaller()
	ops := staffCaller()

	tests := []struct {
		name   string
		who    caller
		method string
		path   string
		body   interface{}
		want   int
		field  string
	}{
		{
			name: "validation", who: alice, method: http.MethodPost, path: "/api/v1/orders/checkout",
			body: gin.H{"delivery_city": "Lyon"}, want: http.StatusBadRequest, field: "delivery_address",
		},
		{
			name: "empty cart", who: alice, method: http.MethodPost, path: "/api/v1/orders/checkout",
			body: gin.H{"delivery_address": "a", "delivery_city": "b", "delivery_postal_code": "c"},
			want: http.StatusBadRequest, field: "cart",
		},
		{
			name: "stock", who: bob, method: http.MethodPost, path: "/api/v1/cart/items",
			body: gin.H{"product_id": s.product.ID, "quantity": 99}, want: http.StatusConflict,
		},
		{
			name: "forbidden", who: bob, method: http.MethodGet, path: "/api/v1/orders/" + orderID,
			want: http.StatusForbidden,
		},
		{
			name: "not found", who: ops, method: http.MethodGet, path: "/api/v1/orders/" + uuid.NewString(),
			want: http.StatusNotFound,
		},
		{
			name: "bad path id", who: ops, method: http.MethodGet, path: "/api/v1/orders/GC2025001",
			want: http.StatusBadRequest,
		},
		{
			name: "skipping states", who: ops, method: http.MethodPost, path: "/api/v1/orders/" + orderID + "/status",
			body: gin.H{"status": "DELIVERED"}, want: http.StatusConflict,
		},
		{
			name: "malformed json", who: alice, method: http.MethodPost, path: "/api/v1/refunds",
			body: "not an object", want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who := tt.who
			w := s.do(t, &who, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.field != "" {
				assert.Equal(t, tt.field, decode(t, w)["field"])
			}
		})
	}
}

func TestCancelOrderOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	alice := consumerCaller()
	orderID := s.checkout(t, alice)

	w := s.do(t, &alice, http.MethodPost, "/api/v1/orders/"+orderID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CANCELLED", decode(t, w)["status"])
	assert.Equal(t, 5, s.store.Product(s.product.ID).QuantityAvailable)

	w = s.do(t, &alice, http.MethodPost, "/api/v1/orders/"+orderID+"/cancel", gin.H{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCartOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	alice := consumerCaller()
	item := "/api/v1/cart/items/" + s.product.ID.String()

	w := s.do(t, &alice, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": s.product.ID, "quantity": 2})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, &alice, http.MethodPut, item, gin.H{"quantity": 3})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["total_items"])

	w = s.do(t, &alice, http.MethodDelete, item, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, &alice, http.MethodDelete, item, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, &alice, http.MethodDelete, "/api/v1/cart", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestReplayEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	alice := consumerCaller()
	ops := staffCaller()

	w := s.do(t, &alice, http.MethodPost, "/api/v1/admin/webhooks/evt_9/replay", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &ops, http.MethodPost, "/api/v1/admin/webhooks/evt_9/replay", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"evt_9"}, s.replays.requests)

	s.replays.err = errors.New("broker unreachable")
	w = s.do(t, &ops, http.MethodPost, "/api/v1/admin/webhooks/evt_9/replay", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProbes(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("connection refused")}})

	w := s.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")

	s = newTestServer(t, map[string]Pinger{"postgres": pinger{}})
	w = s.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

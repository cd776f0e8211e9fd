package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/service"
	"greencart/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// ReplayPublisher queues a webhook replay for the worker
type ReplayPublisher interface {
	PublishReplayRequest(ctx context.Context, gatewayEventID, requestedBy string) (*models.WebhookReplayRequestedEvent, error)
}

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	cart     *service.CartService
	checkout *service.CheckoutService
	orders   *service.OrderService
	payments *service.PaymentService
	refunds  *service.RefundService
	webhooks *service.WebhookProcessor
	replays  ReplayPublisher
	deps     map[string]Pinger
	logger   *zap.Logger
}

// Services groups what the handler dispatches to
type Services struct {
	Cart     *service.CartService
	Checkout *service.CheckoutService
	Orders   *service.OrderService
	Payments *service.PaymentService
	Refunds  *service.RefundService
	Webhooks *service.WebhookProcessor
}

// NewHandler creates a new HTTP handler. deps are checked by /ready.
func NewHandler(svc Services, replays ReplayPublisher, deps map[string]Pinger) *Handler {
	return &Handler{
		cart:     svc.Cart,
		checkout: svc.Checkout,
		orders:   svc.Orders,
		payments: svc.Payments,
		refunds:  svc.Refunds,
		webhooks: svc.Webhooks,
		replays:  replays,
		deps:     deps,
		logger:   util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// authenticated by signature, not by identity headers
	router.POST("/webhooks/payments", h.paymentWebhook)

	v1 := router.Group("/api/v1", identityMiddleware())
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PUT("/cart/items/:product_id", h.updateCartItem)
		v1.DELETE("/cart/items/:product_id", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)

		v1.POST("/orders/checkout", h.checkoutOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/history", h.getOrderHistory)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/status", h.updateOrderStatus)

		v1.POST("/payments", h.createPayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/cancel", h.cancelPayment)

		v1.POST("/refunds", h.createRefund)

		v1.POST("/admin/webhooks/:event_id/replay", h.replayWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": failed})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.cart.GetCart(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req service.CartItemInput
	if !bindJSON(c, &req) {
		return
	}

	view, err := h.cart.AddItem(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) updateCartItem(c *gin.Context) {
	productID, ok := pathUUID(c, "product_id")
	if !ok {
		return
	}
	var req quantityRequest
	if !bindJSON(c, &req) {
		return
	}

	view, err := h.cart.UpdateQuantity(c.Request.Context(), actorFrom(c), productID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, ok := pathUUID(c, "product_id")
	if !ok {
		return
	}

	view, err := h.cart.RemoveItem(c.Request.Context(), actorFrom(c), productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.cart.Clear(c.Request.Context(), actorFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) checkoutOrder(c *gin.Context) {
	var req service.CheckoutInput
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.checkout.Checkout(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.Get(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderHistory(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	history, err := h.orders.History(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req service.StatusUpdateInput
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), actorFrom(c), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) createPayment(c *gin.Context) {
	var req service.IntentInput
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.payments.CreateIntent(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":       res.Payment,
		"client_secret": res.ClientSecret,
	})
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	payment, err := h.payments.Get(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	payment, err := h.payments.Cancel(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) createRefund(c *gin.Context) {
	var req service.RefundInput
	if !bindJSON(c, &req) {
		return
	}

	refund, err := h.refunds.RequestRefund(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// paymentWebhook acknowledges every delivery it durably recorded, including
// ones whose handler failed, so the gateway stops retrying them. Those are
// replayed from our side.
func (h *Handler) paymentWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "unreadable body"})
		return
	}

	res, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	var sigErr *apperr.SignatureError
	var valErr *apperr.ValidationError
	switch {
	case errors.As(err, &sigErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
	case errors.Is(err, apperr.ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
	case err != nil:
		h.logger.Error("Webhook not recorded", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not recorded"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "status": res.Status})
	}
}

func (h *Handler) replayWebhook(c *gin.Context) {
	actor := actorFrom(c)
	if !actor.IsStaff() {
		h.respondError(c, apperr.ErrForbidden)
		return
	}

	evt, err := h.replays.PublishReplayRequest(c.Request.Context(), c.Param("event_id"), actor.String())
	if err != nil {
		h.logger.Error("Failed to queue webhook replay", zap.String("event_id", c.Param("event_id")), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "replay could not be queued"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "request_id": evt.EventID})
}

// respondError maps service errors to responses. Internal errors are logged
// and not echoed back.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	var (
		validation *apperr.ValidationError
		stock      *apperr.StockUnavailableError
	)
	if errors.As(err, &validation) {
		body["field"] = validation.Field
	}
	if errors.As(err, &stock) {
		body["product_id"] = stock.ProductID
		body["available"] = stock.Available
	}
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// StripeConfig configures the Stripe adapter
type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	Timeout           time.Duration
	MaxNetworkRetries int64
	// APIURL overrides the API host; empty means the public endpoint
	APIURL     string
	Currencies CurrencyConfig
}

// StripeGateway implements Gateway on top of stripe-go
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	currencies    CurrencyConfig
	logger        *zap.Logger
}

// NewStripeGateway creates a new Stripe-backed gateway
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		currencies:    cfg.Currencies,
		logger:        util.GetLogger(),
	}
}

// CreateIntent creates a payment intent with automatic payment methods
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("create_intent", time.Now())

	minor, err := g.currencies.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, &apperr.GatewayError{Op: "create_intent", Err: err, Rejected: true}
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.wrap("create_intent", err)
	}

	g.logger.Info("Payment intent created",
		zap.String("intent_id", pi.ID),
		zap.Int64("amount_minor", minor),
		zap.String("currency", req.Currency))

	return &IntentRef{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
	}, nil
}

// RetrieveIntent fetches the current state of an intent
func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (*IntentState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("retrieve_intent", time.Now())

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, g.wrap("retrieve_intent", err)
	}

	return &IntentState{
		ID:            pi.ID,
		Status:        intentStatus(pi.Status),
		RawStatus:     string(pi.Status),
		FailureReason: intentFailure(pi),
		PaymentMethod: intentPaymentMethod(pi),
	}, nil
}

// CancelIntent cancels an intent that has not been captured
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("cancel_intent", time.Now())

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return g.wrap("cancel_intent", err)
	}
	return nil
}

// CreateRefund asks the provider to return money for an intent
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*RefundRef, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("create_refund", time.Now())

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	if req.Amount != nil {
		minor, err := g.currencies.ToMinorUnits(*req.Amount, req.Currency)
		if err != nil {
			return nil, &apperr.GatewayError{Op: "create_refund", Err: err, Rejected: true}
		}
		params.Amount = stripe.Int64(minor)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, g.wrap("create_refund", err)
	}

	return &RefundRef{ID: r.ID, Status: refundStatus(r.Status)}, nil
}

// RetrieveRefund fetches the current state of a refund
func (g *StripeGateway) RetrieveRefund(ctx context.Context, refundID string) (*RefundState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("retrieve_refund", time.Now())

	params := &stripe.RefundParams{}
	params.Context = ctx

	r, err := g.api.Refunds.Get(refundID, params)
	if err != nil {
		return nil, g.wrap("retrieve_refund", err)
	}

	state := toRefundState(r)
	return &state, nil
}

// ListRefunds pages through the refunds of one intent
func (g *StripeGateway) ListRefunds(ctx context.Context, intentID string) ([]RefundState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	defer observeGateway("list_refunds", time.Now())

	params := &stripe.RefundListParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx

	states := []RefundState{}
	it := g.api.Refunds.List(params)
	for it.Next() {
		states = append(states, toRefundState(it.Refund()))
	}
	if err := it.Err(); err != nil {
		return nil, g.wrap("list_refunds", err)
	}
	return states, nil
}

func toRefundState(r *stripe.Refund) RefundState {
	return RefundState{
		ID:            r.ID,
		Status:        refundStatus(r.Status),
		FailureReason: string(r.FailureReason),
		Metadata:      r.Metadata,
	}
}

// VerifyAndParseWebhook checks the Stripe-Signature header and decodes the event
func (g *StripeGateway) VerifyAndParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	if signatureHeader == "" {
		return nil, &apperr.SignatureError{Err: errors.New("missing signature header")}
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &apperr.SignatureError{Err: err}
	}

	return g.toEvent(evt)
}

// ParseEvent decodes a stored, previously verified payload
func (g *StripeGateway) ParseEvent(payload []byte) (*Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return g.toEvent(evt)
}

var eventKinds = map[string]EventKind{
	"payment_intent.processing":      EventPaymentProcessing,
	"payment_intent.succeeded":       EventPaymentSucceeded,
	"payment_intent.payment_failed":  EventPaymentFailed,
	"payment_intent.canceled":        EventPaymentCanceled,
	"payment_intent.requires_action": EventPaymentRequiresAction,
	"refund.created":                 EventRefundUpdated,
	"refund.updated":                 EventRefundUpdated,
	"charge.refund.updated":          EventRefundUpdated,
	"charge.dispute.created":         EventDisputeCreated,
}

func (g *StripeGateway) toEvent(evt stripe.Event) (*Event, error) {
	if evt.ID == "" {
		return nil, apperr.Validation("id", "event has no id")
	}

	out := &Event{
		ID:        evt.ID,
		Type:      string(evt.Type),
		Kind:      EventUnknown,
		CreatedAt: time.Unix(evt.Created, 0).UTC(),
	}

	kind, ok := eventKinds[string(evt.Type)]
	if !ok {
		return out, nil
	}
	out.Kind = kind
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		out.DecodeError = "event has no data object"
		return out, nil
	}
	if err := g.decodePayload(out, evt.Data.Raw); err != nil {
		out.DecodeError = err.Error()
	}
	return out, nil
}

// decodePayload fills the typed payload for out.Kind
func (g *StripeGateway) decodePayload(out *Event, raw json.RawMessage) error {
	switch out.Kind {
	case EventPaymentProcessing, EventPaymentSucceeded, EventPaymentFailed,
		EventPaymentCanceled, EventPaymentRequiresAction:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		out.Intent = &IntentPayload{
			IntentID:      pi.ID,
			Status:        intentStatus(pi.Status),
			FailureReason: intentFailure(&pi),
			PaymentMethod: intentPaymentMethod(&pi),
			Metadata:      pi.Metadata,
		}

	case EventRefundUpdated:
		var r stripe.Refund
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("failed to unmarshal refund: %w", err)
		}
		payload := &RefundPayload{
			RefundID:      r.ID,
			Status:        refundStatus(r.Status),
			Amount:        g.currencies.FromMinorUnits(r.Amount, string(r.Currency)),
			FailureReason: string(r.FailureReason),
			Metadata:      r.Metadata,
		}
		if r.PaymentIntent != nil {
			payload.IntentID = r.PaymentIntent.ID
		}
		out.Refund = payload

	case EventDisputeCreated:
		var d stripe.Dispute
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
		payload := &DisputePayload{
			DisputeID: d.ID,
			Reason:    string(d.Reason),
			Amount:    g.currencies.FromMinorUnits(d.Amount, string(d.Currency)),
		}
		if d.Charge != nil {
			payload.ChargeID = d.Charge.ID
		}
		out.Dispute = payload
	}
	return nil
}

func (g *StripeGateway) wrap(op string, err error) error {
	rejected := false
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		rejected = definiteRejection(stripeErr.HTTPStatusCode)
		g.logger.Warn("Stripe request failed",
			zap.String("op", op),
			zap.String("type", string(stripeErr.Type)),
			zap.String("code", string(stripeErr.Code)),
			zap.Int("http_status", stripeErr.HTTPStatusCode),
			zap.String("request_id", stripeErr.RequestID))
	} else {
		g.logger.Warn("Stripe request failed", zap.String("op", op), zap.Error(err))
	}
	util.GatewayErrorsTotal.WithLabelValues(op).Inc()
	return &apperr.GatewayError{Op: op, Err: err, Rejected: rejected}
}

// definiteRejection reports whether a provider response proves the request
// had no effect. 408, 409 and 429 may still be in flight or retried.
func definiteRejection(httpStatus int) bool {
	switch httpStatus {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return httpStatus >= 400 && httpStatus < 500
}

func observeGateway(op string, start time.Time) {
	util.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// intentStatus maps provider intent states onto the payment vocabulary
func intentStatus(s stripe.PaymentIntentStatus) models.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentStatusCancelled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return models.PaymentStatusProcessing
	default:
		// requires_payment_method, requires_confirmation, requires_action
		return models.PaymentStatusPending
	}
}

func intentFailure(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError == nil {
		return ""
	}
	if pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return string(pi.LastPaymentError.Code)
}

func intentPaymentMethod(pi *stripe.PaymentIntent) string {
	switch {
	case pi.PaymentMethod != nil && pi.PaymentMethod.Type != "":
		return strings.ToUpper(string(pi.PaymentMethod.Type))
	case pi.LatestCharge != nil && pi.LatestCharge.PaymentMethodDetails != nil:
		return strings.ToUpper(string(pi.LatestCharge.PaymentMethodDetails.Type))
	case len(pi.PaymentMethodTypes) == 1:
		return strings.ToUpper(pi.PaymentMethodTypes[0])
	}
	return ""
}

func refundStatus(s stripe.RefundStatus) models.RefundStatus {
	switch s {
	case stripe.RefundStatusSucceeded:
		return models.RefundStatusSucceeded
	case stripe.RefundStatusFailed:
		return models.RefundStatusFailed
	case stripe.RefundStatusCanceled:
		return models.RefundStatusCancelled
	default:
		return models.RefundStatusPending
	}
}

// refundReason narrows our reasons to the three the provider accepts
func refundReason(r models.RefundReason) string {
	switch r {
	case models.RefundReasonDuplicate:
		return string(stripe.RefundReasonDuplicate)
	case models.RefundReasonFraudulent:
		return string(stripe.RefundReasonFraudulent)
	case "":
		return ""
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

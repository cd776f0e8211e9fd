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

	"github.com/jmoiron/sqlx/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SeenCache is a fast path in front of the webhook_events unique key.
// It may forget; the table never does.
type SeenCache interface {
	SeenWebhook(ctx context.Context, eventID string) (bool, error)
	MarkWebhookSeen(ctx context.Context, eventID string) error
}

// WebhookResult describes what happened to one delivery
type WebhookResult struct {
	EventID   string               `json:"event_id"`
	Kind      gateway.EventKind    `json:"kind"`
	Status    models.WebhookStatus `json:"status"`
	Duplicate bool                 `json:"duplicate"`
	Error     string               `json:"error,omitempty"`
}

type eventHandler func(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error)

// receivedReplayGrace is how long a RECEIVED delivery may stay unprocessed
// before ReplayFailed treats it as abandoned
const receivedReplayGrace = 10 * time.Minute

// WebhookProcessor is the single entry point for gateway notifications
type WebhookProcessor struct {
	runner   store.TxRunner
	gateway  gateway.Gateway
	payments *PaymentService
	refunds  *RefundService
	seen     SeenCache
	pub      Publisher
	logger   *zap.Logger
	now      func() time.Time
	handlers map[gateway.EventKind]eventHandler
}

// NewWebhookProcessor creates a new webhook processor. seen may be nil.
func NewWebhookProcessor(runner store.TxRunner, gw gateway.Gateway, payments *PaymentService, refunds *RefundService, seen SeenCache, pub Publisher) *WebhookProcessor {
	p := &WebhookProcessor{
		runner:   runner,
		gateway:  gw,
		payments: payments,
		refunds:  refunds,
		seen:     seen,
		pub:      pub,
		logger:   util.Component("webhooks"),
		now:      timeNow,
	}
	p.handlers = map[gateway.EventKind]eventHandler{
		gateway.EventPaymentProcessing:     p.intentStatus(models.PaymentStatusProcessing),
		gateway.EventPaymentSucceeded:      p.intentStatus(models.PaymentStatusSucceeded),
		gateway.EventPaymentFailed:         p.intentStatus(models.PaymentStatusFailed),
		gateway.EventPaymentCanceled:       p.intentStatus(models.PaymentStatusCancelled),
		gateway.EventPaymentRequiresAction: p.requiresAction,
		gateway.EventRefundUpdated:         p.refundUpdated,
		gateway.EventDisputeCreated:        p.disputeCreated,
		gateway.EventUnknown:               p.ignore,
	}
	return p
}

// Handle verifies, records and processes one delivery. The returned error is
// non-nil only when the delivery was not durably recorded (bad signature or
// store failure) or was already known (apperr.ErrDuplicateEvent). A handler
// failure is recorded as FAILED and reported in the result, not as an error.
func (p *WebhookProcessor) Handle(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Handle")
	defer span.End()

	evt, err := p.gateway.VerifyAndParseWebhook(payload, signature)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		p.logger.Warn("Rejected webhook", zap.Error(err))
		return nil, err
	}

	res := &WebhookResult{EventID: evt.ID, Kind: evt.Kind}
	span.SetAttributes(attribute.String("webhook.event_id", evt.ID), attribute.String("webhook.event_type", evt.Type))
	log := p.logger.With(util.TraceFields(ctx)...).With(zap.String("event_id", evt.ID), zap.String("event_type", evt.Type))

	if p.seen != nil {
		seen, err := p.seen.SeenWebhook(ctx, evt.ID)
		if err != nil {
			log.Warn("Seen cache unavailable, falling back to the event table", zap.Error(err))
		} else if seen {
			return p.duplicate(res)
		}
	}

	var inserted bool
	err = p.runner.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertWebhookEvent(ctx, &models.WebhookEvent{
			EventID:    evt.ID,
			EventType:  evt.Type,
			Payload:    types.JSONText(payload),
			Status:     models.WebhookStatusReceived,
			ReceivedAt: p.now(),
		})
		return err
	})
	if err != nil {
		log.Error("Failed to record webhook", zap.Error(err))
		return nil, fmt.Errorf("failed to record webhook %s: %w", evt.ID, err)
	}
	if !inserted {
		p.markSeen(ctx, evt.ID)
		return p.duplicate(res)
	}
	p.markSeen(ctx, evt.ID)

	res.Status, err = p.process(ctx, evt)
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// Replay reprocesses a stored delivery that is FAILED or stuck in RECEIVED.
// Deliveries that already completed report apperr.ErrDuplicateEvent.
func (p *WebhookProcessor) Replay(ctx context.Context, eventID string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Replay", attribute.String("webhook.event_id", eventID))
	defer span.End()

	var stored *models.WebhookEvent
	err := read(ctx, p.runner, func(tx store.Tx) error {
		var err error
		stored, err = tx.GetWebhookEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if stored.Status == models.WebhookStatusProcessed || stored.Status == models.WebhookStatusIgnored {
		return &WebhookResult{EventID: eventID, Status: stored.Status, Duplicate: true}, apperr.ErrDuplicateEvent
	}

	evt, err := p.gateway.ParseEvent(stored.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored webhook %s: %w", eventID, err)
	}

	p.logger.Info("Replaying webhook",
		zap.String("event_id", eventID),
		zap.String("previous_status", string(stored.Status)))

	res := &WebhookResult{EventID: evt.ID, Kind: evt.Kind}
	res.Status, err = p.process(ctx, evt)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// ReplayFailed replays up to limit deliveries, oldest first: every FAILED one
// and those left RECEIVED for longer than receivedReplayGrace, which were
// recorded by a process that died before finishing them.
func (p *WebhookProcessor) ReplayFailed(ctx context.Context, limit int) ([]*WebhookResult, error) {
	now := p.now()
	var pending []models.WebhookEvent
	err := read(ctx, p.runner, func(tx store.Tx) error {
		failed, err := tx.ListWebhookEventsByStatus(ctx, models.WebhookStatusFailed, now, limit)
		if err != nil {
			return err
		}
		pending = failed
		if limit > 0 && len(pending) >= limit {
			return nil
		}

		remaining := 0
		if limit > 0 {
			remaining = limit - len(pending)
		}
		stuck, err := tx.ListWebhookEventsByStatus(ctx, models.WebhookStatusReceived, now.Add(-receivedReplayGrace), remaining)
		if err != nil {
			return err
		}
		pending = append(pending, stuck...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]*WebhookResult, 0, len(pending))
	for _, w := range pending {
		res, err := p.Replay(ctx, w.EventID)
		if res == nil {
			res = &WebhookResult{EventID: w.EventID, Status: models.WebhookStatusFailed}
			if err != nil {
				res.Error = err.Error()
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// process runs the handler and records its outcome in one unit of work. If
// the handler fails, that unit rolls back and FAILED is recorded separately.
func (p *WebhookProcessor) process(ctx context.Context, evt *gateway.Event) (models.WebhookStatus, error) {
	handler, ok := p.handlers[evt.Kind]
	if !ok {
		handler = p.ignore
	}
	if evt.DecodeError != "" {
		handler = p.undecodable
	}

	var outcome models.WebhookStatus
	err := runUnit(ctx, p.runner, p.pub, func(u *Unit) error {
		row, err := u.LockWebhookEvent(ctx, evt.ID)
		if err != nil {
			return err
		}
		if row.Status == models.WebhookStatusProcessed || row.Status == models.WebhookStatusIgnored {
			// a concurrent replay finished first
			outcome = row.Status
			return nil
		}

		outcome, err = handler(ctx, u, evt)
		if err != nil {
			return err
		}
		return u.UpdateWebhookOutcome(ctx, evt.ID, outcome, "", p.now())
	})
	if err == nil {
		util.WebhookEventsTotal.WithLabelValues(string(evt.Kind), string(outcome)).Inc()
		return outcome, nil
	}

	util.WebhookEventsTotal.WithLabelValues(string(evt.Kind), string(models.WebhookStatusFailed)).Inc()
	p.logger.Error("Webhook handler failed",
		zap.String("event_id", evt.ID),
		zap.String("kind", string(evt.Kind)),
		zap.Error(err))

	markErr := p.runner.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWebhookOutcome(ctx, evt.ID, models.WebhookStatusFailed, err.Error(), p.now())
	})
	if markErr != nil {
		p.logger.Error("Failed to mark webhook failed, it stays RECEIVED",
			zap.String("event_id", evt.ID),
			zap.Error(markErr))
	}
	return models.WebhookStatusFailed, err
}

func (p *WebhookProcessor) duplicate(res *WebhookResult) (*WebhookResult, error) {
	res.Duplicate = true
	util.WebhookEventsTotal.WithLabelValues(string(res.Kind), "duplicate").Inc()
	p.logger.Debug("Duplicate webhook", zap.String("event_id", res.EventID))
	return res, apperr.ErrDuplicateEvent
}

func (p *WebhookProcessor) markSeen(ctx context.Context, eventID string) {
	if p.seen == nil {
		return
	}
	if err := p.seen.MarkWebhookSeen(ctx, eventID); err != nil {
		p.logger.Warn("Failed to mark webhook seen", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (p *WebhookProcessor) intentStatus(target models.PaymentStatus) eventHandler {
	return func(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
		if evt.Intent == nil {
			return "", fmt.Errorf("event %s has no payment intent", evt.ID)
		}

		payment, err := u.LockPaymentByIntent(ctx, evt.Intent.IntentID)
		if errors.Is(err, apperr.ErrNotFound) {
			return "", fmt.Errorf("no payment for intent %s: %w", evt.Intent.IntentID, err)
		}
		if err != nil {
			return "", err
		}

		_, err = p.payments.ApplyStatus(ctx, u, payment, PaymentUpdate{
			Status:        target,
			FailureReason: evt.Intent.FailureReason,
			PaymentMethod: evt.Intent.PaymentMethod,
			Source:        "webhook",
		})
		if err != nil {
			return "", err
		}
		return models.WebhookStatusProcessed, nil
	}
}

func (p *WebhookProcessor) requiresAction(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
	if evt.Intent == nil {
		return "", fmt.Errorf("event %s has no payment intent", evt.ID)
	}
	// the customer still has to authenticate; the payment stays where it is
	p.logger.Info("Payment requires customer action",
		zap.String("event_id", evt.ID),
		zap.String("intent_id", evt.Intent.IntentID))
	return models.WebhookStatusProcessed, nil
}

func (p *WebhookProcessor) refundUpdated(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
	if evt.Refund == nil {
		return "", fmt.Errorf("event %s has no refund", evt.ID)
	}
	return p.refunds.settleFromEvent(ctx, u, evt.Refund)
}

func (p *WebhookProcessor) disputeCreated(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
	util.DisputesTotal.Inc()
	fields := []zap.Field{zap.String("event_id", evt.ID)}
	if evt.Dispute != nil {
		fields = append(fields,
			zap.String("dispute_id", evt.Dispute.DisputeID),
			zap.String("charge_id", evt.Dispute.ChargeID),
			zap.String("reason", evt.Dispute.Reason),
			zap.String("amount", evt.Dispute.Amount.String()))
	}
	p.logger.Warn("Payment disputed", fields...)
	return models.WebhookStatusProcessed, nil
}

func (p *WebhookProcessor) undecodable(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
	return "", fmt.Errorf("event %s could not be decoded: %s", evt.ID, evt.DecodeError)
}

func (p *WebhookProcessor) ignore(ctx context.Context, u *Unit, evt *gateway.Event) (models.WebhookStatus, error) {
	p.logger.Debug("Ignoring webhook", zap.String("event_id", evt.ID), zap.String("event_type", evt.Type))
	return models.WebhookStatusIgnored, nil
}

package worker

import (
	"context"
	"errors"

	"greencart/internal/apperr"
	"greencart/internal/broker"
	"greencart/internal/models"
	"greencart/internal/service"
	"greencart/internal/util"

	"go.uber.org/zap"
)

// Replayer reprocesses one stored webhook delivery
type Replayer interface {
	Replay(ctx context.Context, eventID string) (*service.WebhookResult, error)
}

// ReplayWorker consumes replay requests published by the admin API
type ReplayWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	replayer     Replayer
	logger       *zap.Logger
}

// NewReplayWorker creates a new replay worker
func NewReplayWorker(consumer *broker.Consumer, replayer Replayer) *ReplayWorker {
	w := &ReplayWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		replayer:     replayer,
		logger:       util.Component("replay-worker"),
	}
	w.eventHandler.OnReplayRequested(w.handleReplay)
	return w
}

// Start starts the worker
func (w *ReplayWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting replay worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReplayWorker) Stop() error {
	w.logger.Info("Stopping replay worker")
	return w.consumer.Close()
}

// handleReplay returns an error only when the request should be retried. A
// replay whose handler fails is already recorded as FAILED on the event row.
func (w *ReplayWorker) handleReplay(ctx context.Context, evt *models.WebhookReplayRequestedEvent) error {
	log := w.logger.With(
		zap.String("gateway_event_id", evt.GatewayEventID),
		zap.String("requested_by", evt.RequestedBy))

	res, err := w.replayer.Replay(ctx, evt.GatewayEventID)
	switch {
	case errors.Is(err, apperr.ErrDuplicateEvent):
		log.Info("Webhook already processed, nothing to replay")
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		log.Warn("Replay requested for unknown webhook")
		return nil
	case err != nil && res != nil:
		log.Error("Replayed webhook failed again", zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	log.Info("Webhook replayed", zap.String("status", string(res.Status)))
	return nil
}

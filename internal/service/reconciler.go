package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greencart/internal/gateway"
	"greencart/internal/models"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSyncInProgress is returned when another reconciler holds the lock
var ErrSyncInProgress = errors.New("another payment sync is running")

const syncLockKey = "lock:paysync"

// Locker hands out a cluster-wide lock. ok is false when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Reconciler closes the gap left by lost or failed webhooks by asking the
// gateway for the truth and applying it through the same guarded transitions
type Reconciler struct {
	runner   store.TxRunner
	gateway  gateway.Gateway
	payments *PaymentService
	refunds  *RefundService
	locker   Locker
	pub      Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler. locker may be nil for single-instance use.
func NewReconciler(runner store.TxRunner, gw gateway.Gateway, payments *PaymentService, refunds *RefundService, locker Locker, pub Publisher) *Reconciler {
	return &Reconciler{
		runner:   runner,
		gateway:  gw,
		payments: payments,
		refunds:  refunds,
		locker:   locker,
		pub:      pub,
		logger:   util.Component("reconciler"),
		now:      timeNow,
	}
}

// SyncOptions bounds a reconciliation pass
type SyncOptions struct {
	Days   int
	DryRun bool
}

// SyncChange is one status the pass applied, or would apply in a dry run
type SyncChange struct {
	Entity string
	ID     uuid.UUID
	From   string
	To     string
}

// SyncReport summarizes a pass
type SyncReport struct {
	PaymentsChecked int
	RefundsChecked  int
	Changes         []SyncChange
	Errors          int
}

// Sync reconciles PENDING/PROCESSING payments and PENDING refunds created in
// the last opts.Days days
func (r *Reconciler) Sync(ctx context.Context, opts SyncOptions) (report *SyncReport, err error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Sync")
	defer func() { util.EndSpan(span, err) }()

	if opts.Days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", opts.Days)
	}

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, syncLockKey)
		if err != nil {
			return nil, fmt.Errorf("failed to take sync lock: %w", err)
		}
		if !ok {
			return nil, ErrSyncInProgress
		}
		defer release()
	}

	since := r.now().AddDate(0, 0, -opts.Days)
	report = &SyncReport{}

	var (
		payments []models.Payment
		refunds  []models.Refund
	)
	err = read(ctx, r.runner, func(tx store.Tx) error {
		var err error
		payments, err = tx.ListPaymentsByStatus(ctx,
			[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing}, since)
		if err != nil {
			return err
		}
		refunds, err = tx.ListRefundsByStatus(ctx, models.RefundStatusPending, since)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range payments {
		r.syncPayment(ctx, &payments[i], opts.DryRun, report)
	}
	for i := range refunds {
		r.syncRefund(ctx, &refunds[i], opts.DryRun, report)
	}

	r.logger.Info("Payment sync finished",
		zap.Int("days", opts.Days),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("payments_checked", report.PaymentsChecked),
		zap.Int("refunds_checked", report.RefundsChecked),
		zap.Int("changes", len(report.Changes)),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (r *Reconciler) syncPayment(ctx context.Context, p *models.Payment, dryRun bool, report *SyncReport) {
	report.PaymentsChecked++
	log := r.logger.With(zap.String("payment_id", p.ID.String()), zap.String("intent_id", p.GatewayIntentID))

	state, err := r.gateway.RetrieveIntent(ctx, p.GatewayIntentID)
	if err != nil {
		report.Errors++
		log.Error("Failed to retrieve intent", zap.Error(err))
		return
	}

	target := state.Status
	if target == models.PaymentStatusPending && state.FailureReason != "" {
		// back to requires_payment_method after a declined attempt
		target = models.PaymentStatusFailed
	}
	if target == p.Status {
		return
	}

	change := SyncChange{Entity: "payment", ID: p.ID, From: string(p.Status), To: string(target)}
	if dryRun {
		report.Changes = append(report.Changes, change)
		return
	}

	var applied bool
	err = runUnit(ctx, r.runner, r.pub, func(u *Unit) error {
		locked, err := u.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		change.From = string(locked.Status)
		applied, err = r.payments.ApplyStatus(ctx, u, locked, PaymentUpdate{
			Status:        target,
			FailureReason: state.FailureReason,
			PaymentMethod: state.PaymentMethod,
			Source:        "reconciler",
		})
		return err
	})
	if err != nil {
		report.Errors++
		log.Error("Failed to apply reconciled status", zap.String("target", string(target)), zap.Error(err))
		return
	}
	if applied {
		util.ReconciledPaymentsTotal.WithLabelValues(string(target)).Inc()
		report.Changes = append(report.Changes, change)
	}
}

// syncRefund settles a PENDING refund from the gateway's view of it. A refund
// without a gateway id had its create call end without a clear answer, so it
// is looked up by the refund id carried in the gateway metadata.
func (r *Reconciler) syncRefund(ctx context.Context, refund *models.Refund, dryRun bool, report *SyncReport) {
	report.RefundsChecked++
	log := r.logger.With(zap.String("refund_id", refund.ID.String()))

	state, err := r.refundState(ctx, refund)
	if err != nil {
		report.Errors++
		log.Error("Failed to retrieve refund", zap.Error(err))
		return
	}
	if state == nil {
		if r.now().Sub(refund.CreatedAt) < refundLookupGrace {
			return
		}
		state = &gateway.RefundState{Status: models.RefundStatusFailed, FailureReason: "no matching refund at the gateway"}
	}

	if !state.Status.IsTerminal() {
		if refund.GatewayRefundID == nil && state.ID != "" && !dryRun {
			r.attachGatewayID(ctx, refund.ID, state.ID, log)
		}
		return
	}

	change := SyncChange{Entity: "refund", ID: refund.ID, From: string(refund.Status), To: string(state.Status)}
	if dryRun {
		report.Changes = append(report.Changes, change)
		return
	}

	var settled bool
	err = runUnit(ctx, r.runner, r.pub, func(u *Unit) error {
		locked, err := u.LockRefund(ctx, refund.ID)
		if err != nil {
			return err
		}
		if locked.Status.IsTerminal() {
			return nil
		}
		settled = true
		return r.refunds.SettleRefund(ctx, u, locked, RefundUpdate{
			Status:          state.Status,
			FailureReason:   state.FailureReason,
			GatewayRefundID: state.ID,
			Source:          "reconciler",
		})
	})
	if err != nil {
		report.Errors++
		log.Error("Failed to settle refund", zap.Error(err))
		return
	}
	if settled {
		report.Changes = append(report.Changes, change)
	}
}

// refundLookupGrace keeps a refund the gateway has not listed yet from being
// failed while its create call may still be in flight
const refundLookupGrace = 15 * time.Minute

// refundState returns nil when the gateway holds no refund for this row
func (r *Reconciler) refundState(ctx context.Context, refund *models.Refund) (*gateway.RefundState, error) {
	if refund.GatewayRefundID != nil {
		return r.gateway.RetrieveRefund(ctx, *refund.GatewayRefundID)
	}

	var payment *models.Payment
	err := read(ctx, r.runner, func(tx store.Tx) error {
		var err error
		payment, err = tx.GetPayment(ctx, refund.PaymentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	states, err := r.gateway.ListRefunds(ctx, payment.GatewayIntentID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		if states[i].Metadata["refund_id"] == refund.ID.String() {
			return &states[i], nil
		}
	}
	return nil, nil
}

func (r *Reconciler) attachGatewayID(ctx context.Context, refundID uuid.UUID, gatewayRefundID string, log *zap.Logger) {
	err := runUnit(ctx, r.runner, r.pub, func(u *Unit) error {
		locked, err := u.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		return r.refunds.SettleRefund(ctx, u, locked, RefundUpdate{
			Status:          models.RefundStatusPending,
			GatewayRefundID: gatewayRefundID,
			Source:          "reconciler",
		})
	})
	if err != nil {
		log.Warn("Failed to record gateway refund id", zap.String("gateway_refund_id", gatewayRefundID), zap.Error(err))
	}
}

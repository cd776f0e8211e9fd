package service

import (
	"context"
	"time"

	"greencart/internal/models"
	"greencart/internal/store"
)

// Publisher delivers domain events after the unit of work that raised them
// committed. Delivery is best effort; failures are the publisher's to log.
type Publisher interface {
	Publish(ctx context.Context, events ...models.DomainEvent)
}

// Unit is an open unit of work plus the events it will publish on commit
type Unit struct {
	store.Tx
	events []models.DomainEvent
}

// Raise queues an event for publication after commit
func (u *Unit) Raise(e models.DomainEvent) {
	u.events = append(u.events, e)
}

// runUnit executes fn in one transaction and publishes its events only if it committed
func runUnit(ctx context.Context, runner store.TxRunner, pub Publisher, fn func(u *Unit) error) error {
	var unit *Unit
	err := runner.WithTx(ctx, func(tx store.Tx) error {
		unit = &Unit{Tx: tx}
		return fn(unit)
	})
	if err != nil {
		return err
	}
	if pub != nil && len(unit.events) > 0 {
		pub.Publish(ctx, unit.events...)
	}
	return nil
}

// read runs fn in a transaction that raises no events
func read(ctx context.Context, runner store.TxRunner, fn func(tx store.Tx) error) error {
	return runner.WithTx(ctx, fn)
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goldvault/gold-engine/internal/events"
	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

// outcome collects what a transition committed, for the post-commit work.
type outcome struct {
	order     *model.Order
	inventory *model.Inventory
	entries   []*model.LedgerEntry
	events    []string
	noop      bool // the order was already terminal
}

// ConfirmBuy executes a pending buy lock. See Confirm.
func (e *Engine) ConfirmBuy(ctx context.Context, token string) (*model.Order, error) {
	return e.confirmSide(ctx, token, model.SideBuy)
}

// ConfirmSell executes a pending sell lock. See Confirm.
func (e *Engine) ConfirmSell(ctx context.Context, token string) (*model.Order, error) {
	return e.confirmSide(ctx, token, model.SideSell)
}

func (e *Engine) confirmSide(ctx context.Context, token string, side model.Side) (*model.Order, error) {
	o, err := e.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.Side != side {
		return nil, model.Invalid(model.ErrOrderNotConfirmable, "order %s is a %s order", token, o.Side)
	}
	return e.Confirm(ctx, token)
}

// Confirm executes the order with token after payment has succeeded.
//
// A buy reduces the inventory total, frees its reservation and credits the
// wallet. A sell adds the held grams to the inventory. Confirming an
// EXECUTED order returns it unchanged. Confirming past the deadline expires
// the order and fails with model.ErrOrderExpired; an order already EXPIRED or
// CANCELLED fails with model.ErrOrderNotConfirmable.
func (e *Engine) Confirm(ctx context.Context, token string) (*model.Order, error) {
	start := time.Now()
	op := "confirm"
	o, err := e.confirm(ctx, token)
	if o != nil {
		op = "confirm_" + sideOp(o.Side)
	}
	e.observe(op, start, err)
	return o, err
}

func (e *Engine) confirm(ctx context.Context, token string) (*model.Order, error) {
	var out outcome
	expired := false
	err := e.transition(ctx, token, func(tx store.Tx, o *model.Order, now time.Time) error {
		switch o.Status {
		case model.StatusExecuted:
			out = outcome{order: o, noop: true}
			return nil
		case model.StatusExpired:
			return fmt.Errorf("%w: %w: %s", model.ErrOrderNotConfirmable, model.ErrOrderExpired, token)
		case model.StatusCancelled:
			return fmt.Errorf("%w: order %s was cancelled", model.ErrOrderNotConfirmable, token)
		}

		if now.After(o.ExpiresAt) {
			expired = true
			var err error
			out, err = e.reverse(ctx, tx, o, model.StatusExpired, model.EventLockExpired, now)
			return err
		}

		var err error
		out, err = e.execute(ctx, tx, o, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.committed(ctx, out)
	if expired {
		return nil, fmt.Errorf("%w: %s passed its deadline at %s", model.ErrOrderExpired, token, out.order.ExpiresAt.Format(time.RFC3339))
	}
	return out.order, nil
}

// Expire moves a pending order past its deadline to EXPIRED and reverses its
// hold. It reports false, doing nothing, when the order is no longer pending
// or not yet due.
func (e *Engine) Expire(ctx context.Context, token string) (bool, error) {
	var out outcome
	err := e.transition(ctx, token, func(tx store.Tx, o *model.Order, now time.Time) error {
		if o.Status.Terminal() || !now.After(o.ExpiresAt) {
			out = outcome{order: o, noop: true}
			return nil
		}
		var err error
		out, err = e.reverse(ctx, tx, o, model.StatusExpired, model.EventLockExpired, now)
		return err
	})
	if err != nil {
		return false, err
	}
	e.committed(ctx, out)
	return !out.noop, nil
}

// Cancel releases a pending order at its owner's request. Orders of other
// users are reported as not found. An order already past its deadline is
// expired instead and Cancel fails with model.ErrOrderExpired.
func (e *Engine) Cancel(ctx context.Context, token, userID string) (*model.Order, error) {
	start := time.Now()
	o, err := e.cancel(ctx, token, userID)
	e.observe("cancel", start, err)
	return o, err
}

func (e *Engine) cancel(ctx context.Context, token, userID string) (*model.Order, error) {
	var out outcome
	expired := false
	err := e.transition(ctx, token, func(tx store.Tx, o *model.Order, now time.Time) error {
		if o.UserID != userID {
			return fmt.Errorf("%w: %s", model.ErrOrderNotFound, token)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotConfirmable, token, o.Status)
		}
		var err error
		if now.After(o.ExpiresAt) {
			expired = true
			out, err = e.reverse(ctx, tx, o, model.StatusExpired, model.EventLockExpired, now)
			return err
		}
		out, err = e.reverse(ctx, tx, o, model.StatusCancelled, model.EventCancelledByUser, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.committed(ctx, out)
	if expired {
		return nil, fmt.Errorf("%w: %s passed its deadline", model.ErrOrderExpired, token)
	}
	return out.order, nil
}

// transition runs fn on the locked order with token. Rows are locked
// inventory first, then the wallet, then the order; every branch of fn may
// touch the first two.
func (e *Engine) transition(ctx context.Context, token string, fn func(tx store.Tx, o *model.Order, now time.Time) error) error {
	peek, err := e.Get(ctx, token)
	if err != nil {
		return err
	}
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockInventory(ctx); err != nil {
			return fmt.Errorf("lock inventory: %w", err)
		}
		if _, err := tx.LockWallet(ctx, peek.WalletID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.ErrWalletNotFound
			}
			return fmt.Errorf("lock wallet: %w", err)
		}
		o, err := tx.LockOrder(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrOrderNotFound, token)
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		return fn(tx, o, e.now().UTC())
	})
}

// execute applies the side's confirm effect and marks o EXECUTED.
func (e *Engine) execute(ctx context.Context, tx store.Tx, o *model.Order, now time.Time) (outcome, error) {
	out := outcome{order: o}
	var err error
	switch o.Side {
	case model.SideBuy:
		// Release first: the reduced total must still cover the other
		// reservations.
		if _, err = e.pool.Release(ctx, tx, o.SoftAllocatedGrams); err != nil {
			return out, err
		}
		if out.inventory, err = e.pool.ReduceTotal(ctx, tx, o.QuantityGrams); err != nil {
			return out, err
		}
		entry, err := e.ledger.CreditTx(ctx, tx, ledger.Posting{
			WalletID:       o.WalletID,
			Grams:          o.QuantityGrams,
			Kind:           model.KindBuy,
			Reference:      o.ID,
			IdempotencyKey: o.OrderToken + ":credit",
			FiatAmount:     o.FiatAmount,
		})
		if err != nil {
			return out, err
		}
		out.entries = append(out.entries, entry)
	case model.SideSell:
		if out.inventory, err = e.pool.IncreaseTotal(ctx, tx, o.QuantityGrams); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("order %s has unknown side %q", o.OrderToken, o.Side)
	}

	o.Status = model.StatusExecuted
	o.ExecutedAt = &now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return out, fmt.Errorf("update order: %w", err)
	}
	out.events = []string{model.EventExecuted}
	return out, e.audit(ctx, tx, o, model.EventExecuted, "payment confirmed", now)
}

// reverse undoes the hold of a pending order and closes it with status.
func (e *Engine) reverse(ctx context.Context, tx store.Tx, o *model.Order, status model.OrderStatus, eventType string, now time.Time) (outcome, error) {
	out := outcome{order: o}
	var err error
	switch o.Side {
	case model.SideBuy:
		if out.inventory, err = e.pool.Release(ctx, tx, o.SoftAllocatedGrams); err != nil {
			return out, err
		}
	case model.SideSell:
		entry, err := e.ledger.CreditTx(ctx, tx, ledger.Posting{
			WalletID:       o.WalletID,
			Grams:          o.SoftAllocatedGrams,
			Kind:           model.KindSellRelease,
			Reference:      o.ID,
			IdempotencyKey: o.OrderToken + ":release",
		})
		if err != nil {
			return out, err
		}
		out.entries = append(out.entries, entry)
	default:
		return out, fmt.Errorf("order %s has unknown side %q", o.OrderToken, o.Side)
	}

	o.Status = status
	o.ClosedAt = &now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return out, fmt.Errorf("update order: %w", err)
	}
	desc := "lock expired"
	if status == model.StatusCancelled {
		desc = "cancelled by user"
	}
	if err := e.audit(ctx, tx, o, eventType, desc, now); err != nil {
		return out, err
	}
	if err := e.audit(ctx, tx, o, model.EventReversalCompleted, "hold of "+o.SoftAllocatedGrams.String()+"g returned", now); err != nil {
		return out, err
	}
	out.events = []string{eventType, model.EventReversalCompleted}
	return out, nil
}

// audit appends an order_events row inside tx.
func (e *Engine) audit(ctx context.Context, tx store.Tx, o *model.Order, eventType, desc string, at time.Time) error {
	err := tx.InsertOrderEvent(ctx, &model.OrderEvent{
		ID:            uuid.New().String(),
		OrderID:       o.ID,
		OrderToken:    o.OrderToken,
		UserID:        o.UserID,
		Side:          o.Side,
		Type:          eventType,
		PricePerGram:  o.LockedPricePerGram,
		QuantityGrams: o.QuantityGrams,
		Description:   desc,
		Timestamp:     at,
	})
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

// committed records metrics, logs and publishes a committed transition.
func (e *Engine) committed(ctx context.Context, out outcome) {
	if out.noop || out.order == nil {
		return
	}
	o := out.order
	inventory.Observe(out.inventory)
	for _, entry := range out.entries {
		metrics.LedgerEntries.WithLabelValues(string(entry.Kind)).Inc()
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	if o.Status == model.StatusExecuted {
		metrics.GramsTraded.WithLabelValues(string(o.Side)).Add(o.QuantityGrams.InexactFloat64())
	}

	e.logger.Info("order transitioned",
		"order_token", o.OrderToken,
		"user_id", o.UserID,
		"side", string(o.Side),
		"status", string(o.Status),
		"grams", o.QuantityGrams.String(),
	)
	for _, ev := range out.events {
		e.publish(ctx, ev, o)
	}
}

// publish delivers one event. The transition is already committed, so a
// failure is only logged.
func (e *Engine) publish(ctx context.Context, eventType string, o *model.Order) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(pctx, events.FromOrder(eventType, o, e.now())); err != nil {
		e.logger.Warn("order event not delivered",
			"order_token", o.OrderToken,
			"event_type", eventType,
			"error", err,
		)
	}
}

func sideOp(s model.Side) string {
	if s == model.SideSell {
		return "sell"
	}
	return "buy"
}

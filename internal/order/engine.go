// Package order implements the price-locking order engine. A lock fixes the
// price of a buy or sell for LockDuration and holds the goods (inventory
// grams for a buy, wallet grams for a sell). The lock then leaves
// PENDING_LOCKED exactly once: EXECUTED on confirm, EXPIRED past its
// deadline, or CANCELLED by its owner.
//
// Every transition runs in one store transaction that locks rows in the
// order inventory → wallet → order and re-reads the order status under the
// lock, so the first committed transition wins and any racer sees a
// terminal order and does nothing.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/events"
	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/limits"
	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PriceSource supplies the quote a lock is priced at.
type PriceSource interface {
	CurrentPrice(ctx context.Context) (*model.Quote, error)
}

// Config holds the order policy.
type Config struct {
	LockDuration time.Duration
	BuyFeePct    decimal.Decimal
	SellFeePct   decimal.Decimal
	MinBuyAmount decimal.Decimal
}

// Engine runs the order lifecycle.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	pool      *inventory.Pool
	prices    PriceSource
	limiter   *limits.OrderLimiter
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an engine. limiter and publisher may be nil.
func NewEngine(st store.Store, lg *ledger.Ledger, pool *inventory.Pool, prices PriceSource,
	limiter *limits.OrderLimiter, publisher events.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Engine{
		store:     st,
		ledger:    lg,
		pool:      pool,
		prices:    prices,
		limiter:   limiter,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// LockBuy prices a purchase of amount PKR at the current buy price and
// reserves the resulting grams from inventory for LockDuration.
func (e *Engine) LockBuy(ctx context.Context, userID string, amount decimal.Decimal) (*model.Order, error) {
	start := time.Now()
	o, err := e.lockBuy(ctx, userID, amount)
	e.observe("lock_buy", start, err)
	return o, err
}

func (e *Engine) lockBuy(ctx context.Context, userID string, amount decimal.Decimal) (*model.Order, error) {
	if !amount.IsPositive() {
		return nil, model.Invalid(model.ErrInvalidAmount, "amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Round(model.FiatPlaces)) {
		return nil, model.Invalid(model.ErrInvalidAmount, "amount %s has more than %d decimal places", amount, model.FiatPlaces)
	}
	if amount.LessThan(e.cfg.MinBuyAmount) {
		return nil, model.Invalid(model.ErrBelowMinimum, "amount %s is below the minimum of %s", amount, e.cfg.MinBuyAmount)
	}

	wallet, err := e.ledger.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	quote, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	price := quote.PerGram.Buy
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive buy price %s", model.ErrPriceUnavailable, price)
	}
	grams := amount.Div(price).Truncate(model.GramPlaces)
	if !grams.IsPositive() {
		return nil, model.Invalid(model.ErrInvalidAmount, "amount %s buys less than 1e-%d grams", amount, model.GramPlaces)
	}
	fee := amount.Mul(e.cfg.BuyFeePct).Div(hundred).Round(model.FiatPlaces)

	now := e.now().UTC()
	o := &model.Order{
		ID:                 uuid.New().String(),
		Side:               model.SideBuy,
		UserID:             userID,
		WalletID:           wallet.ID,
		QuantityGrams:      grams,
		LockedPricePerGram: price,
		FiatAmount:         amount,
		FeeAmount:          fee,
		TotalPayable:       amount.Add(fee),
		SoftAllocatedGrams: grams,
		PriceSnapshotRef:   quote.SnapshotID,
		OrderToken:         uuid.New().String(),
		Status:             model.StatusPendingLocked,
		LockedAt:           now,
		ExpiresAt:          now.Add(e.cfg.LockDuration),
	}

	var inv *model.Inventory
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		// Concurrent buys serialize on the inventory row, so the pending
		// sum read next already includes every committed lock.
		if _, err := tx.LockInventory(ctx); err != nil {
			return fmt.Errorf("lock inventory: %w", err)
		}
		if err := e.checkLimits(ctx, tx, o); err != nil {
			return err
		}
		var err error
		if inv, err = e.pool.Reserve(ctx, tx, grams); err != nil {
			return err
		}
		return e.insert(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}

	inventory.Observe(inv)
	e.locked(ctx, o)
	return o, nil
}

// LockSell prices a sale of grams at the current sell price and moves the
// grams out of the user's wallet into a hold for LockDuration.
func (e *Engine) LockSell(ctx context.Context, userID string, grams decimal.Decimal) (*model.Order, error) {
	start := time.Now()
	o, err := e.lockSell(ctx, userID, grams)
	e.observe("lock_sell", start, err)
	return o, err
}

func (e *Engine) lockSell(ctx context.Context, userID string, grams decimal.Decimal) (*model.Order, error) {
	if !grams.IsPositive() {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams must be positive, got %s", grams)
	}
	if !grams.Equal(grams.Truncate(model.GramPlaces)) {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams %s has more than %d decimal places", grams, model.GramPlaces)
	}

	wallet, err := e.ledger.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if grams.GreaterThan(wallet.BalanceGrams) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", model.ErrInsufficientBalance, wallet.BalanceGrams, grams)
	}
	quote, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	price := quote.PerGram.Sell
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive sell price %s", model.ErrPriceUnavailable, price)
	}
	gross := grams.Mul(price).Round(model.FiatPlaces)
	fee := gross.Mul(e.cfg.SellFeePct).Div(hundred).Round(model.FiatPlaces)

	now := e.now().UTC()
	o := &model.Order{
		ID:                 uuid.New().String(),
		Side:               model.SideSell,
		UserID:             userID,
		WalletID:           wallet.ID,
		QuantityGrams:      grams,
		LockedPricePerGram: price,
		FiatAmount:         gross,
		FeeAmount:          fee,
		TotalPayable:       gross.Sub(fee),
		SoftAllocatedGrams: grams,
		PriceSnapshotRef:   quote.SnapshotID,
		OrderToken:         uuid.New().String(),
		Status:             model.StatusPendingLocked,
		LockedAt:           now,
		ExpiresAt:          now.Add(e.cfg.LockDuration),
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		// Concurrent sells by one user serialize on the wallet row.
		if _, err := tx.LockWallet(ctx, wallet.ID); err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if err := e.checkLimits(ctx, tx, o); err != nil {
			return err
		}
		// The balance check above is advisory; DebitTx re-checks under the
		// wallet lock.
		if _, err := e.ledger.DebitTx(ctx, tx, ledger.Posting{
			WalletID:       wallet.ID,
			Grams:          grams,
			Kind:           model.KindSellHold,
			Reference:      o.ID,
			IdempotencyKey: o.OrderToken + ":hold",
			FiatAmount:     gross,
		}); err != nil {
			return err
		}
		return e.insert(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(model.KindSellHold)).Inc()
	e.locked(ctx, o)
	return o, nil
}

// Get returns the order with token.
func (e *Engine) Get(ctx context.Context, token string) (*model.Order, error) {
	o, err := e.store.GetOrderByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, token)
	}
	return o, err
}

// ListUserOrders returns the orders of userID, newest first.
func (e *Engine) ListUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListUserOrders(ctx, userID)
}

// Events returns the audit trail of the order with token, oldest first.
func (e *Engine) Events(ctx context.Context, token string) ([]model.OrderEvent, error) {
	o, err := e.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.store.ListOrderEvents(ctx, o.ID)
}

func (e *Engine) checkLimits(ctx context.Context, tx store.Tx, o *model.Order) error {
	if e.limiter == nil {
		return nil
	}
	pending, err := tx.PendingGrams(ctx, o.UserID, o.Side)
	if err != nil {
		return fmt.Errorf("pending grams: %w", err)
	}
	return e.limiter.CheckLimit(o.Side, o.QuantityGrams, pending)
}

func (e *Engine) insert(ctx context.Context, tx store.Tx, o *model.Order) error {
	if err := tx.InsertOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("%w: order token %s already exists", model.ErrConcurrencyConflict, o.OrderToken)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return e.audit(ctx, tx, o, model.EventLockCreated, "price locked", o.LockedAt)
}

func (e *Engine) locked(ctx context.Context, o *model.Order) {
	metrics.OrdersLocked.WithLabelValues(string(o.Side)).Inc()
	e.logger.Info("order locked",
		"order_token", o.OrderToken,
		"user_id", o.UserID,
		"side", string(o.Side),
		"grams", o.QuantityGrams.String(),
		"price_per_gram", o.LockedPricePerGram.String(),
		"total_payable", o.TotalPayable.String(),
		"expires_at", o.ExpiresAt,
	)
	e.publish(ctx, model.EventLockCreated, o)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	metrics.OrderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OrderRejections.WithLabelValues(op, reason(err)).Inc()
	}
}

// reason is the metrics label for err.
func reason(err error) string {
	for _, sentinel := range []error{
		model.ErrBelowMinimum,
		model.ErrLimitExceeded,
		model.ErrInvalidAmount,
		model.ErrInsufficientBalance,
		model.ErrInsufficientInventory,
		model.ErrPriceUnavailable,
		model.ErrWalletNotFound,
		model.ErrOrderNotFound,
		model.ErrOrderExpired,
		model.ErrOrderNotConfirmable,
		model.ErrConcurrencyConflict,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if model.IsValidation(err) {
		return "validation"
	}
	return "internal"
}

// Package inventory owns the platform's gold stock: the singleton pool of
// total grams and the grams reserved by pending buy locks. All arithmetic
// runs on the locked pool row inside the caller's transaction, and the
// invariant 0 <= reserved <= total holds at every commit.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

// Pool manages reservations against the inventory singleton.
type Pool struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewPool creates a pool over st.
func NewPool(st store.Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: st, now: time.Now, logger: logger}
}

// Reserve holds g grams for a pending buy. It fails with
// model.ErrInsufficientInventory when g exceeds the available grams.
func (p *Pool) Reserve(ctx context.Context, tx store.Tx, g decimal.Decimal) (*model.Inventory, error) {
	return p.mutate(ctx, tx, g, func(inv *model.Inventory) error {
		if g.GreaterThan(inv.AvailableGrams()) {
			return fmt.Errorf("%w: available %s, requested %s", model.ErrInsufficientInventory, inv.AvailableGrams(), g)
		}
		inv.ReservedGrams = inv.ReservedGrams.Add(g)
		return nil
	})
}

// Release returns g reserved grams to the available stock. Reserved grams
// never drop below zero.
func (p *Pool) Release(ctx context.Context, tx store.Tx, g decimal.Decimal) (*model.Inventory, error) {
	return p.mutate(ctx, tx, g, func(inv *model.Inventory) error {
		if g.GreaterThan(inv.ReservedGrams) {
			p.logger.Warn("release exceeds reserved grams, flooring at zero",
				"reserved_grams", inv.ReservedGrams.String(),
				"release_grams", g.String(),
			)
			inv.ReservedGrams = decimal.Zero
			return nil
		}
		inv.ReservedGrams = inv.ReservedGrams.Sub(g)
		return nil
	})
}

// ReduceTotal removes g grams from the stock, as when a buy executes. It
// fails with model.ErrInsufficientInventory when g exceeds the total or
// when the remaining total would no longer cover the reservations.
func (p *Pool) ReduceTotal(ctx context.Context, tx store.Tx, g decimal.Decimal) (*model.Inventory, error) {
	return p.mutate(ctx, tx, g, func(inv *model.Inventory) error {
		if g.GreaterThan(inv.TotalGrams) {
			return fmt.Errorf("%w: total %s, requested %s", model.ErrInsufficientInventory, inv.TotalGrams, g)
		}
		if inv.TotalGrams.Sub(g).LessThan(inv.ReservedGrams) {
			return fmt.Errorf("%w: %s grams reserved, cannot reduce total %s by %s",
				model.ErrInsufficientInventory, inv.ReservedGrams, inv.TotalGrams, g)
		}
		inv.TotalGrams = inv.TotalGrams.Sub(g)
		return nil
	})
}

// IncreaseTotal adds g grams to the stock, as when a sell executes.
func (p *Pool) IncreaseTotal(ctx context.Context, tx store.Tx, g decimal.Decimal) (*model.Inventory, error) {
	return p.mutate(ctx, tx, g, func(inv *model.Inventory) error {
		inv.TotalGrams = inv.TotalGrams.Add(g)
		return nil
	})
}

// Restock adds g grams in its own transaction.
func (p *Pool) Restock(ctx context.Context, g decimal.Decimal) (*model.Inventory, error) {
	return p.standalone(ctx, "restock", g, p.IncreaseTotal)
}

// WriteOff removes g unreserved grams in its own transaction.
func (p *Pool) WriteOff(ctx context.Context, g decimal.Decimal) (*model.Inventory, error) {
	return p.standalone(ctx, "write_off", g, p.ReduceTotal)
}

// Seed tops the pool up to g total grams when it holds less. Used on start.
func (p *Pool) Seed(ctx context.Context, g decimal.Decimal) (*model.Inventory, error) {
	if !g.IsPositive() {
		return p.Snapshot(ctx)
	}
	var out *model.Inventory
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.LockInventory(ctx)
		if err != nil {
			return err
		}
		out = inv
		if inv.TotalGrams.GreaterThanOrEqual(g) {
			return nil
		}
		out, err = p.IncreaseTotal(ctx, tx, g.Sub(inv.TotalGrams))
		return err
	})
	if err != nil {
		return nil, err
	}
	Observe(out)
	return out, nil
}

// Snapshot reads the pool without locking it.
func (p *Pool) Snapshot(ctx context.Context) (*model.Inventory, error) {
	return p.store.GetInventory(ctx)
}

// Observe publishes the pool to the inventory gauges. Call after commit.
func Observe(inv *model.Inventory) {
	if inv == nil {
		return
	}
	metrics.InventoryTotalGrams.Set(inv.TotalGrams.InexactFloat64())
	metrics.InventoryReservedGrams.Set(inv.ReservedGrams.InexactFloat64())
}

type txOp func(ctx context.Context, tx store.Tx, g decimal.Decimal) (*model.Inventory, error)

func (p *Pool) standalone(ctx context.Context, op string, g decimal.Decimal, fn txOp) (*model.Inventory, error) {
	var out *model.Inventory
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = fn(ctx, tx, g)
		return err
	})
	if err != nil {
		return nil, err
	}
	Observe(out)
	p.logger.Info("inventory adjusted",
		"op", op,
		"grams", g.String(),
		"total_grams", out.TotalGrams.String(),
		"reserved_grams", out.ReservedGrams.String(),
	)
	return out, nil
}

// mutate locks the pool, applies fn to a copy and writes it back.
func (p *Pool) mutate(ctx context.Context, tx store.Tx, g decimal.Decimal, fn func(inv *model.Inventory) error) (*model.Inventory, error) {
	if !g.IsPositive() {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams must be positive, got %s", g)
	}
	if !g.Equal(g.Truncate(model.GramPlaces)) {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams %s has more than %d decimal places", g, model.GramPlaces)
	}
	inv, err := tx.LockInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock inventory: %w", err)
	}
	if err := fn(inv); err != nil {
		return nil, err
	}
	inv.UpdatedAt = p.now().UTC()
	if err := tx.SaveInventory(ctx, inv); err != nil {
		return nil, fmt.Errorf("save inventory: %w", err)
	}
	return inv, nil
}

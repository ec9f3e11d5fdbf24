// Package sweeper expires PENDING_LOCKED orders whose deadline has passed
// without anyone trying to confirm them.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
)

// OrderLister finds pending orders past their deadline.
type OrderLister interface {
	ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
}

// Expirer applies the expiry transition to one order. It reports false when
// the order was no longer eligible.
type Expirer interface {
	Expire(ctx context.Context, token string) (bool, error)
}

// Sweeper periodically expires overdue orders in batches.
type Sweeper struct {
	orders    OrderLister
	expirer   Expirer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// New creates a sweeper. A non-positive batchSize defaults to 100.
func New(orders OrderLister, expirer Expirer, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		orders:    orders,
		expirer:   expirer,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start runs RunOnce every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				if _, err := s.RunOnce(ctx, t.UTC()); err != nil && ctx.Err() == nil {
					s.logger.Error("expiry sweep failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce expires every order overdue at now and returns how many it
// expired. Orders confirmed or cancelled since they were listed are skipped
// by the engine's own status re-check. A failure on one order is logged and
// the sweep moves on.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (int, error) {
	metrics.SweeperRuns.Inc()
	total := 0
	for {
		batch, err := s.orders.ListExpiredOrders(ctx, now, s.batchSize)
		if err != nil {
			return total, err
		}

		expired := 0
		for _, o := range batch {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			ok, err := s.expirer.Expire(ctx, o.OrderToken)
			if err != nil {
				s.logger.Warn("order expiry failed", "order_token", o.OrderToken, "error", err)
				continue
			}
			if ok {
				expired++
			}
		}
		total += expired
		metrics.SweeperExpired.Add(float64(expired))

		// A short batch means the backlog is drained. A pass that expired
		// nothing would list the same orders again.
		if len(batch) < s.batchSize || expired == 0 {
			break
		}
	}

	if total > 0 {
		s.logger.Info("expired overdue orders", "count", total)
	}
	return total, nil
}

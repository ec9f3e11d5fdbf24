package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

// QuoteBroadcaster receives every quote the poller produces.
type QuoteBroadcaster interface {
	BroadcastQuote(q *model.Quote)
}

// CloseStore is the persistence the poller needs for daily closes.
type CloseStore interface {
	LatestPriceSnapshot(ctx context.Context, before time.Time) (*model.PriceSnapshot, error)
	UpsertDailyClose(ctx context.Context, c *model.DailyClose) error
}

// Poller refreshes the oracle on a fixed interval, pushes each quote to
// the broadcaster and records the closing price when a day rolls over.
type Poller struct {
	oracle      *Oracle
	closes      CloseStore
	broadcaster QuoteBroadcaster
	interval    time.Duration
	loc         *time.Location
	logger      *slog.Logger

	lastDay string
}

// NewPoller creates a poller. closes and broadcaster may be nil. Day
// boundaries are computed in loc (UTC when nil).
func NewPoller(oracle *Oracle, closes CloseStore, broadcaster QuoteBroadcaster, interval time.Duration, loc *time.Location, logger *slog.Logger) *Poller {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		oracle:      oracle,
		closes:      closes,
		broadcaster: broadcaster,
		interval:    interval,
		loc:         loc,
		logger:      logger,
	}
}

// Start launches the polling goroutine. It refreshes once immediately and
// stops when ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		p.Poll(ctx, p.oracle.opts.Now())

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("price poller stopped")
				return
			case <-ticker.C:
				p.Poll(ctx, p.oracle.opts.Now())
			}
		}
	}()
}

// Poll runs one refresh at now. A failed refresh is logged and skipped.
func (p *Poller) Poll(ctx context.Context, now time.Time) {
	day := now.In(p.loc).Format(time.DateOnly)
	if p.lastDay != "" && p.lastDay != day {
		if err := p.RecordClose(ctx, p.lastDay); err != nil {
			p.logger.Error("failed to record daily close", "day", p.lastDay, "error", err)
		}
	}
	p.lastDay = day

	q, err := p.oracle.Refresh(ctx)
	if err != nil {
		p.logger.Warn("scheduled price refresh failed", "error", err)
		return
	}
	if p.broadcaster != nil {
		p.broadcaster.BroadcastQuote(q)
	}
}

// RecordClose stores the last snapshot taken on day (YYYY-MM-DD) as that
// day's closing price. A day without snapshots records nothing.
func (p *Poller) RecordClose(ctx context.Context, day string) error {
	if p.closes == nil {
		return nil
	}
	start, err := time.ParseInLocation(time.DateOnly, day, p.loc)
	if err != nil {
		return fmt.Errorf("parse day %q: %w", day, err)
	}
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)

	snap, err := p.closes.LatestPriceSnapshot(ctx, end)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Timestamp.Before(start) {
		p.logger.Info("no price snapshot for day, close not recorded", "day", day)
		return nil
	}

	c := &model.DailyClose{
		Day:              day,
		ClosingPerGram:   snap.FinalPerGram,
		ClosingPerTola:   snap.FinalPerTola,
		ClosingPerOunce:  snap.FinalPerOunce,
		SourceSnapshotID: snap.ID,
	}
	if err := p.closes.UpsertDailyClose(ctx, c); err != nil {
		return err
	}
	p.logger.Info("daily close recorded", "day", day, "closing_per_gram", c.ClosingPerGram.String())
	return nil
}

// Package pricing converts international gold spot prices into PKR prices
// per gram, tola and ounce, and caches the market inputs behind a TTL.
//
// Pipeline for one unit:
//
//	raw  = spot(USD/oz) * fx(USD->PKR) / gramsPerOunce * unitGrams
//	mid  = raw * (1 + safeguard/100)
//	buy  = mid * (1 + spread/100)
//	sell = mid * (1 - sellSpread/100)
//
// Every served value is rounded to 4 decimal places, half up.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
)

// PricePlaces is the number of decimal places of every served price.
const PricePlaces = model.FiatPlaces

var hundred = decimal.NewFromInt(100)

// Feed fetches the raw market inputs. Implementations must honour ctx and
// return model.ErrFeedUnavailable (wrapped) on any failure.
type Feed interface {
	FetchSpotAndFX(ctx context.Context) (spotUSDPerOunce, fxRate decimal.Decimal, err error)
}

// SnapshotSaver persists one PriceSnapshot per external fetch.
type SnapshotSaver interface {
	SavePriceSnapshot(ctx context.Context, s *model.PriceSnapshot) error
}

// Margins are the percentages applied on top of the raw price.
type Margins struct {
	SafeguardPct  decimal.Decimal `json:"safeguard_pct"`
	SpreadPct     decimal.Decimal `json:"spread_pct"`
	SellSpreadPct decimal.Decimal `json:"sell_spread_pct"`
}

// Validate rejects negative margins and a sell spread of 100% or more.
func (m Margins) Validate() error {
	if m.SafeguardPct.IsNegative() || m.SpreadPct.IsNegative() || m.SellSpreadPct.IsNegative() {
		return model.Invalid(model.ErrInvalidAmount, "margins must not be negative")
	}
	if m.SellSpreadPct.GreaterThanOrEqual(hundred) {
		return model.Invalid(model.ErrInvalidAmount, "sell spread must be below 100%%")
	}
	return nil
}

// Units are the weight conversions used for tola and ounce prices.
type Units struct {
	GramsPerOunce decimal.Decimal
	GramsPerTola  decimal.Decimal
}

// DefaultUnits are the troy ounce and the standard tola.
var DefaultUnits = Units{
	GramsPerOunce: decimal.RequireFromString("31.1034768"),
	GramsPerTola:  decimal.RequireFromString("11.6638038"),
}

// Options tune the oracle cache.
type Options struct {
	// CacheTTL is how long fetched spot/fx are reused without refetching.
	CacheTTL time.Duration
	// MaxStale is how old cached inputs may be when a refresh fails and
	// they are served anyway. Zero disables stale serving.
	MaxStale time.Duration
	// FetchTimeout bounds one feed call.
	FetchTimeout time.Duration
	// Now overrides the clock in tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// marketInputs is one successful feed result.
type marketInputs struct {
	spot       decimal.Decimal
	fx         decimal.Decimal
	fetchedAt  time.Time
	snapshotID string
}

// Oracle serves current prices. It is safe for concurrent use; concurrent
// refreshes collapse into one feed call.
type Oracle struct {
	feed      Feed
	snapshots SnapshotSaver
	units     Units
	opts      Options
	logger    *slog.Logger

	mu      sync.RWMutex
	margins Margins
	cached  *marketInputs

	group singleflight.Group
}

// NewOracle creates an oracle. snapshots may be nil.
func NewOracle(feed Feed, snapshots SnapshotSaver, units Units, margins Margins, opts Options) *Oracle {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		feed:      feed,
		snapshots: snapshots,
		units:     units,
		opts:      opts,
		logger:    logger,
		margins:   margins,
	}
}

// Margins returns the margins currently applied.
func (o *Oracle) Margins() Margins {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.margins
}

// SetMargins replaces the margins. Cached inputs are kept; the next quote
// is recomputed through the new margins.
func (o *Oracle) SetMargins(m Margins) error {
	if err := m.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.margins = m
	o.mu.Unlock()
	o.logger.Info("price margins updated",
		"safeguard_pct", m.SafeguardPct.String(),
		"spread_pct", m.SpreadPct.String(),
		"sell_spread_pct", m.SellSpreadPct.String(),
	)
	return nil
}

// CurrentPrice returns the current quote. Inputs younger than CacheTTL are
// reused; otherwise the feed is called. If the feed fails, inputs younger
// than MaxStale are served with Stale set. With no usable inputs the result
// is model.ErrPriceUnavailable.
func (o *Oracle) CurrentPrice(ctx context.Context) (*model.Quote, error) {
	now := o.opts.Now()

	o.mu.RLock()
	cached, margins := o.cached, o.margins
	o.mu.RUnlock()

	if cached != nil && now.Sub(cached.fetchedAt) < o.opts.CacheTTL {
		metrics.PriceServed.WithLabelValues("cache").Inc()
		return o.quote(cached, margins, false), nil
	}

	fresh, err := o.fetch(ctx)
	if err == nil {
		metrics.PriceServed.WithLabelValues("fresh").Inc()
		return o.quote(fresh, o.Margins(), false), nil
	}

	if cached != nil && o.opts.MaxStale > 0 && now.Sub(cached.fetchedAt) < o.opts.MaxStale {
		o.logger.Warn("serving stale price after failed refresh",
			"age", now.Sub(cached.fetchedAt).String(),
			"error", err,
		)
		metrics.PriceServed.WithLabelValues("stale").Inc()
		return o.quote(cached, o.Margins(), true), nil
	}
	return nil, fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
}

// Refresh forces a feed call regardless of the cache and returns the
// resulting quote. Used by the background poller.
func (o *Oracle) Refresh(ctx context.Context) (*model.Quote, error) {
	fresh, err := o.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return o.quote(fresh, o.Margins(), false), nil
}

// fetch calls the feed once for all concurrent callers, persists a
// snapshot, and stores the inputs in the cache.
func (o *Oracle) fetch(ctx context.Context) (*marketInputs, error) {
	v, err, _ := o.group.Do("feed", func() (any, error) {
		// One caller going away must not fail the others sharing this call.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FetchTimeout)
		defer cancel()

		spot, fx, err := o.feed.FetchSpotAndFX(fctx)
		if err == nil && (!spot.IsPositive() || !fx.IsPositive()) {
			err = fmt.Errorf("%w: non-positive market data spot=%s fx=%s", model.ErrFeedUnavailable, spot, fx)
		}
		if err != nil {
			metrics.PriceFetches.WithLabelValues("error").Inc()
			if !errors.Is(err, model.ErrFeedUnavailable) {
				err = fmt.Errorf("%w: %w", model.ErrFeedUnavailable, err)
			}
			o.logger.Warn("price feed fetch failed", "error", err)
			return nil, err
		}
		metrics.PriceFetches.WithLabelValues("ok").Inc()

		in := &marketInputs{spot: spot, fx: fx, fetchedAt: o.opts.Now()}
		snap := o.snapshot(in, o.Margins())
		if o.snapshots != nil {
			if err := o.snapshots.SavePriceSnapshot(fctx, snap); err != nil {
				o.logger.Error("failed to persist price snapshot", "error", err)
			} else {
				in.snapshotID = snap.ID
			}
		}

		o.mu.Lock()
		o.cached = in
		o.mu.Unlock()

		metrics.BuyPricePerGram.Set(snap.FinalPerGram.InexactFloat64())
		o.logger.Debug("price refreshed",
			"spot_usd_per_ounce", spot.String(),
			"fx_rate", fx.String(),
			"buy_per_gram", snap.FinalPerGram.String(),
		)
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*marketInputs), nil
}

// rawPerGram is the unrounded PKR price of one gram before margins.
func (o *Oracle) rawPerGram(in *marketInputs) decimal.Decimal {
	return in.spot.Mul(in.fx).Div(o.units.GramsPerOunce)
}

// perGram is the unrounded mid/buy/sell price of one gram.
func perGram(raw decimal.Decimal, m Margins) (mid, buy, sell decimal.Decimal) {
	one := decimal.NewFromInt(1)
	mid = raw.Mul(one.Add(m.SafeguardPct.Div(hundred)))
	buy = mid.Mul(one.Add(m.SpreadPct.Div(hundred)))
	sell = mid.Mul(one.Sub(m.SellSpreadPct.Div(hundred)))
	return mid, buy, sell
}

// scaled rounds the gram prices multiplied by unitGrams.
func scaled(mid, buy, sell, unitGrams decimal.Decimal) model.UnitPrices {
	return model.UnitPrices{
		Mid:  mid.Mul(unitGrams).Round(PricePlaces),
		Buy:  buy.Mul(unitGrams).Round(PricePlaces),
		Sell: sell.Mul(unitGrams).Round(PricePlaces),
	}
}

func (o *Oracle) quote(in *marketInputs, m Margins, stale bool) *model.Quote {
	mid, buy, sell := perGram(o.rawPerGram(in), m)
	one := decimal.NewFromInt(1)
	return &model.Quote{
		SnapshotID:      in.snapshotID,
		FetchedAt:       in.fetchedAt,
		SpotUSDPerOunce: in.spot,
		FXRate:          in.fx,
		PerGram:         scaled(mid, buy, sell, one),
		PerTola:         scaled(mid, buy, sell, o.units.GramsPerTola),
		PerOunce:        scaled(mid, buy, sell, o.units.GramsPerOunce),
		Stale:           stale,
	}
}

func (o *Oracle) snapshot(in *marketInputs, m Margins) *model.PriceSnapshot {
	raw := o.rawPerGram(in)
	_, buy, _ := perGram(raw, m)
	return &model.PriceSnapshot{
		ID:              uuid.New().String(),
		Timestamp:       in.fetchedAt,
		SpotUSDPerOunce: in.spot,
		FXRate:          in.fx,
		RawPerGram:      raw.Round(PricePlaces),
		RawPerTola:      raw.Mul(o.units.GramsPerTola).Round(PricePlaces),
		RawPerOunce:     raw.Mul(o.units.GramsPerOunce).Round(PricePlaces),
		FinalPerGram:    buy.Round(PricePlaces),
		FinalPerTola:    buy.Mul(o.units.GramsPerTola).Round(PricePlaces),
		FinalPerOunce:   buy.Mul(o.units.GramsPerOunce).Round(PricePlaces),
	}
}

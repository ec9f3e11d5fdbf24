package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

// StaticFeed returns fixed market inputs. Used in development and tests.
type StaticFeed struct {
	mu   sync.RWMutex
	spot decimal.Decimal
	fx   decimal.Decimal
	err  error
}

// NewStaticFeed creates a feed that always returns spot and fx.
func NewStaticFeed(spot, fx decimal.Decimal) *StaticFeed {
	return &StaticFeed{spot: spot, fx: fx}
}

// Set changes the returned inputs and clears any failure.
func (f *StaticFeed) Set(spot, fx decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spot, f.fx, f.err = spot, fx, nil
}

// Fail makes every later fetch return err until Set is called.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) FetchSpotAndFX(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %w", model.ErrFeedUnavailable, err)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %w", model.ErrFeedUnavailable, f.err)
	}
	return f.spot, f.fx, nil
}

// yahooChartResponse is the subset of the Yahoo Finance chart API we read.
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string          `json:"currency"`
				Symbol             string          `json:"symbol"`
				RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DefaultUserAgent avoids the bot filter on the chart API.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// YahooFeed reads gold spot (USD/oz) and USD->PKR from the Yahoo Finance
// chart API, one request per symbol.
type YahooFeed struct {
	baseURL    string
	goldSymbol string
	fxSymbol   string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewYahooFeed creates a feed. baseURL is the chart endpoint prefix the
// symbol is appended to.
func NewYahooFeed(baseURL, goldSymbol, fxSymbol string, timeout time.Duration, logger *slog.Logger) *YahooFeed {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &YahooFeed{
		baseURL:    baseURL,
		goldSymbol: goldSymbol,
		fxSymbol:   fxSymbol,
		httpClient: &http.Client{Timeout: timeout},
		retries:    2,
		backoff:    250 * time.Millisecond,
		logger:     logger,
	}
}

func (f *YahooFeed) FetchSpotAndFX(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	spot, err := f.fetchPrice(ctx, f.goldSymbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s: %w", model.ErrFeedUnavailable, f.goldSymbol, err)
	}
	fx, err := f.fetchPrice(ctx, f.fxSymbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s: %w", model.ErrFeedUnavailable, f.fxSymbol, err)
	}
	return spot, fx, nil
}

// fetchPrice retries with exponential backoff, giving up early when ctx ends.
func (f *YahooFeed) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for i := 0; i <= f.retries; i++ {
		if i > 0 {
			delay := f.backoff * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		price, err := f.doFetch(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		f.logger.Warn("price fetch attempt failed", "symbol", symbol, "attempt", i+1, "error", err)
	}
	return decimal.Zero, lastErr
}

func (f *YahooFeed) doFetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}

	var data yahooChartResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, err
	}
	if data.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("yahoo api error: %s - %s", data.Chart.Error.Code, data.Chart.Error.Description)
	}
	if len(data.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("empty chart response")
	}

	price := data.Chart.Result[0].Meta.RegularMarketPrice
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

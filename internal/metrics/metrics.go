// Package metrics provides Prometheus instrumentation for the gold engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersLocked counts successful locks, partitioned by side.
	OrdersLocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_orders_locked_total",
		Help: "Total number of price locks created",
	}, []string{"side"})

	// OrderTransitions counts exits from PENDING_LOCKED by side and final status.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_order_transitions_total",
		Help: "Order transitions out of PENDING_LOCKED",
	}, []string{"side", "status"})

	// OrderRejections counts lock/confirm attempts rejected with a domain error.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_order_rejections_total",
		Help: "Order operations rejected, by operation and reason",
	}, []string{"op", "reason"})

	// OrderLatency tracks lock/confirm latency in seconds.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gold_order_latency_seconds",
		Help:    "Order operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// GramsTraded tracks cumulative executed volume in grams.
	GramsTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_grams_traded_total",
		Help: "Cumulative executed volume in grams",
	}, []string{"side"})

	// LedgerEntries counts appended ledger entries by kind.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_ledger_entries_total",
		Help: "Ledger entries appended",
	}, []string{"kind"})

	// InventoryTotalGrams and InventoryReservedGrams mirror the pool after
	// each committed change.
	InventoryTotalGrams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gold_inventory_total_grams",
		Help: "Platform inventory total grams",
	})
	InventoryReservedGrams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gold_inventory_reserved_grams",
		Help: "Platform inventory grams reserved by pending buys",
	})

	// PriceFetches counts feed fetches by result (ok, error).
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_price_fetches_total",
		Help: "External price feed fetches",
	}, []string{"result"})

	// PriceServed counts quotes served by source (cache, fresh, stale).
	PriceServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_price_served_total",
		Help: "Quotes served by the oracle, by source",
	}, []string{"source"})

	// BuyPricePerGram is the latest buy price per gram in PKR.
	BuyPricePerGram = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gold_buy_price_per_gram_pkr",
		Help: "Latest buy price per gram",
	})

	// SweeperRuns counts sweeper passes; SweeperExpired counts orders it expired.
	SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gold_sweeper_runs_total",
		Help: "Expiry sweeper passes",
	})
	SweeperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gold_sweeper_expired_total",
		Help: "Orders expired by the sweeper",
	})

	// EventPublishes counts order event deliveries by sink and status.
	EventPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_event_publishes_total",
		Help: "Order event deliveries",
	}, []string{"sink", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gold_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gold_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gold_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

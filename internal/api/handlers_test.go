package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/api"
	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/limits"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/order"
	"github.com/goldvault/gold-engine/internal/pricing"
	"github.com/goldvault/gold-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	feed   *pricing.StaticFeed
	engine *order.Engine
	ledger *ledger.Ledger
}

// newTestEnv wires the full stack over an in-memory store. With spot 100
// USD/oz, fx 10 and 10 g/oz the price is 100 PKR per gram on both sides.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	feed := pricing.NewStaticFeed(d("100"), d("10"))
	oracle := pricing.NewOracle(feed, ms,
		pricing.Units{GramsPerOunce: d("10"), GramsPerTola: d("5")},
		pricing.Margins{},
		pricing.Options{CacheTTL: time.Minute, MaxStale: 0, FetchTimeout: time.Second},
	)
	lg := ledger.New(ms, nil)
	pool := inventory.NewPool(ms, nil)
	if _, err := pool.Seed(ctx, d("100")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng := order.NewEngine(ms, lg, pool, oracle, limits.NewOrderLimiter(d("1000"), d("5000")), nil, order.Config{
		LockDuration: 2 * time.Minute,
		BuyFeePct:    d("1"),
		SellFeePct:   d("1"),
		MinBuyAmount: d("1000"),
	}, nil)
	svc := api.NewService(eng, lg, pool, oracle, ms, nil)

	return &testEnv{
		router: api.NewRouter(svc, nil, "gold-engine"),
		store:  ms,
		feed:   feed,
		engine: eng,
		ledger: lg,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openWallet(t *testing.T, userID string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/wallets", api.WalletRequest{UserID: userID})
	if w.Code != http.StatusCreated {
		t.Fatalf("open wallet: %d %s", w.Code, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	return body["code"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q model.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if !q.PerGram.Buy.Equal(d("100")) || !q.PerTola.Buy.Equal(d("500")) {
		t.Errorf("per gram buy = %s, per tola buy = %s", q.PerGram.Buy, q.PerTola.Buy)
	}
}

func TestGetPrice_FeedDown(t *testing.T) {
	env := newTestEnv(t)
	env.feed.Fail(model.ErrFeedUnavailable)

	w := env.do(t, "GET", "/api/v1/price", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if code := errorCode(t, w); code != "price_unavailable" {
		t.Errorf("code = %q", code)
	}
}

func TestBuyFlow(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("1000")})
	if w.Code != http.StatusCreated {
		t.Fatalf("lock: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var lock api.LockResponse
	json.Unmarshal(w.Body.Bytes(), &lock)
	if lock.OrderToken == "" {
		t.Fatal("expected order token")
	}
	if !lock.QuantityGrams.Equal(d("10")) || lock.TotalPayable == nil || !lock.TotalPayable.Equal(d("1010")) {
		t.Errorf("grams = %s, total = %v", lock.QuantityGrams, lock.TotalPayable)
	}

	w = env.do(t, "GET", "/api/v1/inventory", nil)
	var inv api.InventoryResponse
	json.Unmarshal(w.Body.Bytes(), &inv)
	if !inv.ReservedGrams.Equal(d("10")) || !inv.AvailableGrams.Equal(d("90")) {
		t.Errorf("reserved = %s, available = %s", inv.ReservedGrams, inv.AvailableGrams)
	}

	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var conf api.ConfirmResponse
	json.Unmarshal(w.Body.Bytes(), &conf)
	if conf.Status != model.StatusExecuted {
		t.Errorf("status = %s", conf.Status)
	}

	w = env.do(t, "GET", "/api/v1/wallets/user1/balance", nil)
	var bal api.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.BalanceGrams.Equal(d("10")) {
		t.Errorf("balance = %s, want 10", bal.BalanceGrams)
	}

	w = env.do(t, "GET", "/api/v1/wallets/user1/ledger", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Kind != model.KindBuy {
		t.Errorf("ledger = %+v", entries)
	}

	w = env.do(t, "GET", "/api/v1/orders/"+lock.OrderToken, nil)
	var got api.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Order == nil || got.Order.Status != model.StatusExecuted || len(got.Events) != 2 {
		t.Errorf("order response = %+v", got)
	}

	w = env.do(t, "GET", "/api/v1/wallets/user1/audit", nil)
	var audit ledger.AuditReport
	json.Unmarshal(w.Body.Bytes(), &audit)
	if !audit.Consistent {
		t.Errorf("audit = %+v", audit)
	}
}

func TestBuyLock_BelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("999")})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "below_minimum" {
		t.Errorf("code = %q", code)
	}
}

func TestBuyLock_LimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("200000")})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "limit_exceeded" {
		t.Errorf("code = %q", code)
	}
}

func TestBuyLock_InsufficientInventory(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	// 101g against 100g of stock, within the order limit.
	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("10100")})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuyLock_UnknownWallet(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "ghost", Amount: d("1000")})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuyLock_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/orders/buy/lock", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSellFlow_InsufficientThenOK(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/sell/lock", api.SellLockRequest{UserID: "user1", Grams: d("5")})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on empty wallet, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/admin/rewards", api.RewardRequest{UserID: "user1", Grams: d("5"), Reference: "referral"})
	if w.Code != http.StatusCreated {
		t.Fatalf("reward: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/orders/sell/lock", api.SellLockRequest{UserID: "user1", Grams: d("5")})
	if w.Code != http.StatusCreated {
		t.Fatalf("sell lock: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var lock api.LockResponse
	json.Unmarshal(w.Body.Bytes(), &lock)
	if lock.NetPayable == nil || !lock.NetPayable.Equal(d("495")) {
		t.Errorf("net payable = %v, want 495", lock.NetPayable)
	}

	w = env.do(t, "POST", "/api/v1/orders/sell/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusOK {
		t.Fatalf("sell confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/inventory", nil)
	var inv api.InventoryResponse
	json.Unmarshal(w.Body.Bytes(), &inv)
	if !inv.TotalGrams.Equal(d("105")) {
		t.Errorf("total = %s, want 105", inv.TotalGrams)
	}
}

func TestConfirm_WrongSideAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("1000")})
	var lock api.LockResponse
	json.Unmarshal(w.Body.Bytes(), &lock)

	w = env.do(t, "POST", "/api/v1/orders/sell/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong side: expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{OrderToken: "missing"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty token: expected 400, got %d", w.Code)
	}
}

func TestConfirm_ExpiredIsGone(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("1000")})
	var lock api.LockResponse
	json.Unmarshal(w.Body.Bytes(), &lock)

	env.engine.WithClock(func() time.Time { return time.Now().Add(time.Hour) })

	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusGone {
		t.Fatalf("second confirm: expected 410, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/inventory", nil)
	var inv api.InventoryResponse
	json.Unmarshal(w.Body.Bytes(), &inv)
	if !inv.ReservedGrams.IsZero() {
		t.Errorf("reserved = %s, want 0", inv.ReservedGrams)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")

	w := env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("1000")})
	var lock api.LockResponse
	json.Unmarshal(w.Body.Bytes(), &lock)

	w = env.do(t, "POST", "/api/v1/orders/"+lock.OrderToken+"/cancel", api.CancelRequest{UserID: "user2"})
	if w.Code != http.StatusNotFound {
		t.Errorf("other user: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/orders/"+lock.OrderToken+"/cancel", api.CancelRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var conf api.ConfirmResponse
	json.Unmarshal(w.Body.Bytes(), &conf)
	if conf.Status != model.StatusCancelled {
		t.Errorf("status = %s", conf.Status)
	}

	w = env.do(t, "POST", "/api/v1/orders/buy/confirm", api.ConfirmRequest{OrderToken: lock.OrderToken})
	if w.Code != http.StatusConflict {
		t.Errorf("confirm after cancel: expected 409, got %d", w.Code)
	}
}

func TestListOrders(t *testing.T) {
	env := newTestEnv(t)
	env.openWallet(t, "user1")
	env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("1000")})
	env.do(t, "POST", "/api/v1/orders/buy/lock", api.BuyLockRequest{UserID: "user1", Amount: d("2000")})

	w := env.do(t, "GET", "/api/v1/wallets/user1/orders", nil)
	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 {
		t.Errorf("orders = %d, want 2", len(orders))
	}

	w = env.do(t, "GET", "/api/v1/wallets/nobody/orders", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("empty list = %d %q", w.Code, w.Body.String())
	}
}

func TestInventoryAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/inventory/restock", api.GramsRequest{Grams: d("50")})
	if w.Code != http.StatusOK {
		t.Fatalf("restock: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var inv api.InventoryResponse
	json.Unmarshal(w.Body.Bytes(), &inv)
	if !inv.TotalGrams.Equal(d("150")) {
		t.Errorf("total = %s, want 150", inv.TotalGrams)
	}

	w = env.do(t, "POST", "/api/v1/admin/inventory/writeoff", api.GramsRequest{Grams: d("500")})
	if w.Code != http.StatusConflict {
		t.Errorf("oversized write-off: expected 409, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/admin/inventory/restock", api.GramsRequest{Grams: d("-1")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative restock: expected 400, got %d", w.Code)
	}
}

func TestUpdateMargins(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/admin/margins", pricing.Margins{SafeguardPct: d("0"), SpreadPct: d("10"), SellSpreadPct: d("0")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/price", nil)
	var q model.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if !q.PerGram.Buy.Equal(d("110")) || !q.PerGram.Sell.Equal(d("100")) {
		t.Errorf("buy = %s, sell = %s, want 110 and 100", q.PerGram.Buy, q.PerGram.Sell)
	}

	w = env.do(t, "PUT", "/api/v1/admin/margins", pricing.Margins{SafeguardPct: d("-1")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative margin: expected 400, got %d", w.Code)
	}
}

func TestDailyClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.UpsertDailyClose(ctx, &model.DailyClose{
		Day:             "2025-03-01",
		ClosingPerGram:  d("100"),
		ClosingPerTola:  d("500"),
		ClosingPerOunce: d("1000"),
	})

	w := env.do(t, "GET", "/api/v1/price/close/2025-03-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "GET", "/api/v1/price/close/2025-03-02", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing day: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/price/close/yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad day: expected 400, got %d", w.Code)
	}
}

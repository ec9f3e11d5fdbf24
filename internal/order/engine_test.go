package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/events"
	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/limits"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/order"
	"github.com/goldvault/gold-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixedPrices struct {
	mu   sync.Mutex
	buy  decimal.Decimal
	sell decimal.Decimal
	err  error
}

func (p *fixedPrices) CurrentPrice(context.Context) (*model.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &model.Quote{
		SnapshotID: "snap-1",
		PerGram:    model.UnitPrices{Mid: p.sell, Buy: p.buy, Sell: p.sell},
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type harness struct {
	engine *order.Engine
	store  *store.MemoryStore
	ledger *ledger.Ledger
	pool   *inventory.Pool
	prices *fixedPrices
	events *recordingPublisher
	clock  *clock
}

func newHarness(t *testing.T, stockGrams string) *harness {
	t.Helper()
	return buildHarness(t, stockGrams, nil)
}

// buildHarness wires an engine over a MemoryStore. wrap, when set, wraps
// the store every component sees.
func buildHarness(t *testing.T, stockGrams string, wrap func(*store.MemoryStore) store.Store) *harness {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	var st store.Store = ms
	if wrap != nil {
		st = wrap(ms)
	}
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	lg := ledger.New(st, nil).WithClock(clk.Now)
	pool := inventory.NewPool(st, nil)
	if _, err := pool.Seed(ctx, d(stockGrams)); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	prices := &fixedPrices{buy: d("100"), sell: d("100")}
	pub := &recordingPublisher{}
	eng := order.NewEngine(st, lg, pool, prices, limits.NewOrderLimiter(d("1000"), d("5000")), pub, order.Config{
		LockDuration: 2 * time.Minute,
		BuyFeePct:    d("1"),
		SellFeePct:   d("1"),
		MinBuyAmount: d("100"),
	}, nil).WithClock(clk.Now)

	return &harness{engine: eng, store: ms, ledger: lg, pool: pool, prices: prices, events: pub, clock: clk}
}

func (h *harness) wallet(t *testing.T, userID, grams string) *model.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := h.ledger.OpenWallet(ctx, userID)
	if err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	if g := d(grams); g.IsPositive() {
		if _, err := h.ledger.Credit(ctx, ledger.Posting{WalletID: w.ID, Grams: g, Kind: model.KindReward}); err != nil {
			t.Fatalf("fund wallet: %v", err)
		}
	}
	return w
}

func (h *harness) inventory(t *testing.T) *model.Inventory {
	t.Helper()
	inv, err := h.pool.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return inv
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestBuy_LockReservesAndConfirmExecutes(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	if !o.QuantityGrams.Equal(d("10")) {
		t.Errorf("grams = %s, want 10", o.QuantityGrams)
	}
	if !o.FeeAmount.Equal(d("10")) || !o.TotalPayable.Equal(d("1010")) {
		t.Errorf("fee = %s, total = %s, want 10 and 1010", o.FeeAmount, o.TotalPayable)
	}
	if !o.ExpiresAt.Equal(o.LockedAt.Add(2 * time.Minute)) {
		t.Errorf("expires_at = %s, want locked_at + 2m", o.ExpiresAt)
	}
	if o.PriceSnapshotRef != "snap-1" {
		t.Errorf("snapshot ref = %q", o.PriceSnapshotRef)
	}

	inv := h.inventory(t)
	if !inv.ReservedGrams.Equal(d("10")) || !inv.AvailableGrams().Equal(d("90")) {
		t.Errorf("after lock reserved = %s, available = %s, want 10 and 90", inv.ReservedGrams, inv.AvailableGrams())
	}

	done, err := h.engine.ConfirmBuy(ctx, o.OrderToken)
	if err != nil {
		t.Fatalf("confirm buy: %v", err)
	}
	if done.Status != model.StatusExecuted || done.ExecutedAt == nil {
		t.Errorf("status = %s, executed_at = %v", done.Status, done.ExecutedAt)
	}

	inv = h.inventory(t)
	if !inv.TotalGrams.Equal(d("90")) || !inv.ReservedGrams.IsZero() {
		t.Errorf("after confirm total = %s, reserved = %s, want 90 and 0", inv.TotalGrams, inv.ReservedGrams)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("10")) {
		t.Errorf("balance = %s, want 10", b)
	}

	got := h.events.types()
	want := []string{model.EventLockCreated, model.EventExecuted}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("published %v, want %v", got, want)
	}
}

func TestBuy_DoubleConfirmCreditsOnce(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	if _, err := h.engine.Confirm(ctx, o.OrderToken); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	again, err := h.engine.Confirm(ctx, o.OrderToken)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if again.Status != model.StatusExecuted {
		t.Errorf("status = %s, want EXECUTED", again.Status)
	}

	if b := h.balance(t, "u1"); !b.Equal(d("10")) {
		t.Errorf("balance = %s, want 10 after two confirms", b)
	}
	entries, _ := h.ledger.Entries(ctx, "u1")
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
	if inv := h.inventory(t); !inv.TotalGrams.Equal(d("90")) {
		t.Errorf("total = %s, want 90", inv.TotalGrams)
	}
}

func TestBuy_BelowMinimumReservesNothing(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")

	_, err := h.engine.LockBuy(context.Background(), "u1", d("99.99"))
	if !errors.Is(err, model.ErrBelowMinimum) || !model.IsValidation(err) {
		t.Fatalf("expected BelowMinimum validation error, got %v", err)
	}
	if inv := h.inventory(t); !inv.ReservedGrams.IsZero() {
		t.Errorf("reserved = %s, want 0", inv.ReservedGrams)
	}
	orders, _ := h.engine.ListUserOrders(context.Background(), "u1")
	if len(orders) != 0 {
		t.Errorf("orders = %d, want none", len(orders))
	}
}

func TestBuy_InsufficientInventoryCreatesNoOrder(t *testing.T) {
	h := newHarness(t, "5")
	h.wallet(t, "u1", "0")

	_, err := h.engine.LockBuy(context.Background(), "u1", d("1000"))
	if !errors.Is(err, model.ErrInsufficientInventory) {
		t.Fatalf("expected ErrInsufficientInventory, got %v", err)
	}
	orders, _ := h.engine.ListUserOrders(context.Background(), "u1")
	if len(orders) != 0 {
		t.Errorf("orders = %d, want none", len(orders))
	}
}

func TestBuy_PriceUnavailable(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	h.prices.err = model.ErrPriceUnavailable

	if _, err := h.engine.LockBuy(context.Background(), "u1", d("1000")); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if inv := h.inventory(t); !inv.ReservedGrams.IsZero() {
		t.Errorf("reserved = %s, want 0", inv.ReservedGrams)
	}
}

func TestBuy_UnknownWallet(t *testing.T) {
	h := newHarness(t, "100")
	if _, err := h.engine.LockBuy(context.Background(), "ghost", d("1000")); !errors.Is(err, model.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestBuy_TruncatesGrams(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	h.prices.buy = d("300")

	o, err := h.engine.LockBuy(context.Background(), "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	if !o.QuantityGrams.Equal(d("3.33333333")) {
		t.Errorf("grams = %s, want 3.33333333", o.QuantityGrams)
	}
}

func TestBuy_LimitExceeded(t *testing.T) {
	h := newHarness(t, "5000")
	h.wallet(t, "u1", "0")

	// 200000 / 100 = 2000g, above the 1000g per-order limit.
	_, err := h.engine.LockBuy(context.Background(), "u1", d("200000"))
	if !errors.Is(err, model.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if inv := h.inventory(t); !inv.ReservedGrams.IsZero() {
		t.Errorf("reserved = %s, want 0", inv.ReservedGrams)
	}
}

func TestBuy_LazyExpiryOnConfirm(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	h.clock.Advance(2*time.Minute + time.Second)

	if _, err := h.engine.Confirm(ctx, o.OrderToken); !errors.Is(err, model.ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}

	got, _ := h.engine.Get(ctx, o.OrderToken)
	if got.Status != model.StatusExpired || got.ClosedAt == nil {
		t.Errorf("status = %s, closed_at = %v, want EXPIRED", got.Status, got.ClosedAt)
	}
	inv := h.inventory(t)
	if !inv.TotalGrams.Equal(d("100")) || !inv.ReservedGrams.IsZero() {
		t.Errorf("inventory total = %s, reserved = %s, want 100 and 0", inv.TotalGrams, inv.ReservedGrams)
	}
	if b := h.balance(t, "u1"); !b.IsZero() {
		t.Errorf("balance = %s, want 0", b)
	}

	// A second confirm sees the terminal state and reverses nothing.
	_, err = h.engine.Confirm(ctx, o.OrderToken)
	if !errors.Is(err, model.ErrOrderNotConfirmable) || !errors.Is(err, model.ErrOrderExpired) {
		t.Fatalf("expected not confirmable and expired, got %v", err)
	}
	evs, _ := h.engine.Events(ctx, o.OrderToken)
	reversals := 0
	for _, ev := range evs {
		if ev.Type == model.EventReversalCompleted {
			reversals++
		}
	}
	if reversals != 1 {
		t.Errorf("reversals = %d, want 1", reversals)
	}
}

func TestSell_LockHoldsAndConfirmAddsInventory(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "5")
	ctx := context.Background()

	o, err := h.engine.LockSell(ctx, "u1", d("5"))
	if err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	if !o.FiatAmount.Equal(d("500")) || !o.FeeAmount.Equal(d("5")) || !o.TotalPayable.Equal(d("495")) {
		t.Errorf("gross = %s, fee = %s, net = %s, want 500, 5, 495", o.FiatAmount, o.FeeAmount, o.TotalPayable)
	}
	if b := h.balance(t, "u1"); !b.IsZero() {
		t.Errorf("balance after lock = %s, want 0", b)
	}

	if _, err := h.engine.ConfirmSell(ctx, o.OrderToken); err != nil {
		t.Fatalf("confirm sell: %v", err)
	}
	if inv := h.inventory(t); !inv.TotalGrams.Equal(d("105")) {
		t.Errorf("total = %s, want 105", inv.TotalGrams)
	}
	if b := h.balance(t, "u1"); !b.IsZero() {
		t.Errorf("balance after confirm = %s, want 0", b)
	}
}

func TestSell_ExpiryReturnsHold(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "5")
	ctx := context.Background()

	o, err := h.engine.LockSell(ctx, "u1", d("5"))
	if err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	h.clock.Advance(3 * time.Minute)

	expired, err := h.engine.Expire(ctx, o.OrderToken)
	if err != nil || !expired {
		t.Fatalf("expire = %v, %v", expired, err)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("5")) {
		t.Errorf("balance = %s, want 5", b)
	}
	if inv := h.inventory(t); !inv.TotalGrams.Equal(d("100")) {
		t.Errorf("total = %s, want 100", inv.TotalGrams)
	}

	again, err := h.engine.Expire(ctx, o.OrderToken)
	if err != nil || again {
		t.Errorf("second expire = %v, %v, want no-op", again, err)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("5")) {
		t.Errorf("balance after second expire = %s, want 5", b)
	}

	audit, err := h.ledger.Audit(ctx, "u1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !audit.Consistent {
		t.Errorf("ledger replay inconsistent: %+v", audit)
	}
}

func TestSell_InsufficientBalance(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "1")

	_, err := h.engine.LockSell(context.Background(), "u1", d("1.5"))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("1")) {
		t.Errorf("balance = %s, want 1", b)
	}
}

func TestConfirm_WrongSide(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	if _, err := h.engine.ConfirmSell(ctx, o.OrderToken); !errors.Is(err, model.ErrOrderNotConfirmable) {
		t.Errorf("expected ErrOrderNotConfirmable, got %v", err)
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	h := newHarness(t, "100")
	if _, err := h.engine.Confirm(context.Background(), "nope"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancel_ReleasesReservation(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}

	if _, err := h.engine.Cancel(ctx, o.OrderToken, "someone-else"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for another user, got %v", err)
	}

	got, err := h.engine.Cancel(ctx, o.OrderToken, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if inv := h.inventory(t); !inv.ReservedGrams.IsZero() {
		t.Errorf("reserved = %s, want 0", inv.ReservedGrams)
	}
	if _, err := h.engine.Confirm(ctx, o.OrderToken); !errors.Is(err, model.ErrOrderNotConfirmable) {
		t.Errorf("expected ErrOrderNotConfirmable after cancel, got %v", err)
	}
	if _, err := h.engine.Cancel(ctx, o.OrderToken, "u1"); !errors.Is(err, model.ErrOrderNotConfirmable) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}
}

func TestCancel_PastDeadlineExpires(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "5")
	ctx := context.Background()

	o, err := h.engine.LockSell(ctx, "u1", d("2"))
	if err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	if _, err := h.engine.Cancel(ctx, o.OrderToken, "u1"); !errors.Is(err, model.ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}
	got, _ := h.engine.Get(ctx, o.OrderToken)
	if got.Status != model.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("5")) {
		t.Errorf("balance = %s, want 5", b)
	}
}

func TestConfirm_AtDeadlineBeatsSweeper(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, "100")
		h.wallet(t, "u1", "0")
		ctx := context.Background()

		o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
		if err != nil {
			t.Fatalf("lock buy: %v", err)
		}
		h.clock.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.engine.Confirm(ctx, o.OrderToken)
		}()
		go func() {
			defer wg.Done()
			h.engine.Expire(ctx, o.OrderToken)
		}()
		wg.Wait()

		got, _ := h.engine.Get(ctx, o.OrderToken)
		inv := h.inventory(t)
		bal := h.balance(t, "u1")
		switch got.Status {
		case model.StatusExecuted:
			if !bal.Equal(d("10")) || !inv.TotalGrams.Equal(d("90")) {
				t.Fatalf("executed but balance = %s, total = %s", bal, inv.TotalGrams)
			}
		case model.StatusExpired:
			t.Fatalf("order expired exactly at its deadline")
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
		if !inv.ReservedGrams.IsZero() {
			t.Fatalf("reserved = %s, want 0", inv.ReservedGrams)
		}
	}
}

func TestConfirmAndExpire_PastDeadlineRace(t *testing.T) {
	h := newHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	h.clock.Advance(3 * time.Minute)

	var wg sync.WaitGroup
	var confirmErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = h.engine.Confirm(ctx, o.OrderToken)
	}()
	go func() {
		defer wg.Done()
		h.engine.Expire(ctx, o.OrderToken)
	}()
	wg.Wait()

	if !errors.Is(confirmErr, model.ErrOrderExpired) {
		t.Errorf("confirm error = %v, want ErrOrderExpired", confirmErr)
	}
	inv := h.inventory(t)
	if !inv.TotalGrams.Equal(d("100")) || !inv.ReservedGrams.IsZero() {
		t.Errorf("total = %s, reserved = %s, want 100 and 0", inv.TotalGrams, inv.ReservedGrams)
	}
	evs, _ := h.engine.Events(ctx, o.OrderToken)
	reversals := 0
	for _, ev := range evs {
		if ev.Type == model.EventReversalCompleted {
			reversals++
		}
	}
	if reversals != 1 {
		t.Errorf("reversals = %d, want 1", reversals)
	}
}

func TestConcurrentBuyLocks_NeverOversell(t *testing.T) {
	h := newHarness(t, "50")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h.wallet(t, "u"+string(rune('a'+i)), "0")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	locked := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, err := h.engine.LockBuy(ctx, user, d("1000")); err == nil {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}("u" + string(rune('a'+i)))
	}
	wg.Wait()

	if locked != 5 {
		t.Errorf("locked = %d, want 5 of 10g from 50g", locked)
	}
	if inv := h.inventory(t); !inv.ReservedGrams.Equal(d("50")) {
		t.Errorf("reserved = %s, want 50", inv.ReservedGrams)
	}
}

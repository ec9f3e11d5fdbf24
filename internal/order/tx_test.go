package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

// tracingStore records the row locks and reads each transaction makes and
// can fail the insert of one audit event type.
type tracingStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	calls  []string
	failOn string
}

func (s *tracingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx store.Tx) error {
		return fn(&tracingTx{Tx: tx, s: s})
	})
}

func (s *tracingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *tracingStore) reset(failOn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.failOn = failOn
}

// indexOf returns the position of the first call named call, or -1.
func (s *tracingStore) indexOf(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type tracingTx struct {
	store.Tx
	s *tracingStore
}

func (t *tracingTx) LockInventory(ctx context.Context) (*model.Inventory, error) {
	t.s.record("LockInventory")
	return t.Tx.LockInventory(ctx)
}

func (t *tracingTx) LockWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	t.s.record("LockWallet")
	return t.Tx.LockWallet(ctx, walletID)
}

func (t *tracingTx) PendingGrams(ctx context.Context, userID string, side model.Side) (decimal.Decimal, error) {
	t.s.record("PendingGrams")
	return t.Tx.PendingGrams(ctx, userID, side)
}

func (t *tracingTx) InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error {
	t.s.mu.Lock()
	fail := t.s.failOn != "" && t.s.failOn == ev.Type
	t.s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return t.Tx.InsertOrderEvent(ctx, ev)
}

func newTracedHarness(t *testing.T, stockGrams string) (*harness, *tracingStore) {
	t.Helper()
	var ts *tracingStore
	h := buildHarness(t, stockGrams, func(ms *store.MemoryStore) store.Store {
		ts = &tracingStore{MemoryStore: ms}
		return ts
	})
	return h, ts
}

func TestLockBuy_LocksInventoryBeforeReadingPending(t *testing.T) {
	h, ts := newTracedHarness(t, "100")
	h.wallet(t, "u1", "0")
	ts.reset("")

	if _, err := h.engine.LockBuy(context.Background(), "u1", d("1000")); err != nil {
		t.Fatalf("lock buy: %v", err)
	}
	lock, pending := ts.indexOf("LockInventory"), ts.indexOf("PendingGrams")
	if lock < 0 || pending < 0 || lock > pending {
		t.Errorf("inventory lock at %d, pending read at %d: want the lock first", lock, pending)
	}
}

func TestLockSell_LocksWalletBeforeReadingPending(t *testing.T) {
	h, ts := newTracedHarness(t, "100")
	h.wallet(t, "u1", "10")
	ts.reset("")

	if _, err := h.engine.LockSell(context.Background(), "u1", d("5")); err != nil {
		t.Fatalf("lock sell: %v", err)
	}
	lock, pending := ts.indexOf("LockWallet"), ts.indexOf("PendingGrams")
	if lock < 0 || pending < 0 || lock > pending {
		t.Errorf("wallet lock at %d, pending read at %d: want the lock first", lock, pending)
	}
}

func TestConfirmBuy_FailedStepLeavesLockIntact(t *testing.T) {
	h, ts := newTracedHarness(t, "100")
	h.wallet(t, "u1", "0")
	ctx := context.Background()

	o, err := h.engine.LockBuy(ctx, "u1", d("1000"))
	if err != nil {
		t.Fatalf("lock buy: %v", err)
	}

	ts.reset(model.EventExecuted)
	if _, err := h.engine.ConfirmBuy(ctx, o.OrderToken); err == nil {
		t.Fatal("expected confirm to fail")
	}

	got, _ := h.engine.Get(ctx, o.OrderToken)
	if got.Status != model.StatusPendingLocked {
		t.Errorf("status = %s, want PENDING_LOCKED", got.Status)
	}
	inv := h.inventory(t)
	if !inv.TotalGrams.Equal(d("100")) || !inv.ReservedGrams.Equal(d("10")) {
		t.Errorf("inventory total = %s, reserved = %s, want 100 and 10", inv.TotalGrams, inv.ReservedGrams)
	}
	if b := h.balance(t, "u1"); !b.IsZero() {
		t.Errorf("balance = %s, want 0", b)
	}

	ts.reset("")
	if _, err := h.engine.ConfirmBuy(ctx, o.OrderToken); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	inv = h.inventory(t)
	if !inv.TotalGrams.Equal(d("90")) || !inv.ReservedGrams.IsZero() {
		t.Errorf("inventory total = %s, reserved = %s, want 90 and 0", inv.TotalGrams, inv.ReservedGrams)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("10")) {
		t.Errorf("balance = %s, want 10", b)
	}
}

func TestConfirmSell_FailedStepLeavesLockIntact(t *testing.T) {
	h, ts := newTracedHarness(t, "100")
	h.wallet(t, "u1", "10")
	ctx := context.Background()

	o, err := h.engine.LockSell(ctx, "u1", d("5"))
	if err != nil {
		t.Fatalf("lock sell: %v", err)
	}

	ts.reset(model.EventExecuted)
	if _, err := h.engine.ConfirmSell(ctx, o.OrderToken); err == nil {
		t.Fatal("expected confirm to fail")
	}
	got, _ := h.engine.Get(ctx, o.OrderToken)
	if got.Status != model.StatusPendingLocked {
		t.Errorf("status = %s, want PENDING_LOCKED", got.Status)
	}
	if inv := h.inventory(t); !inv.TotalGrams.Equal(d("100")) {
		t.Errorf("inventory total = %s, want 100", inv.TotalGrams)
	}
	if b := h.balance(t, "u1"); !b.Equal(d("5")) {
		t.Errorf("balance = %s, want 5 while the hold is open", b)
	}

	ts.reset("")
	if _, err := h.engine.ConfirmSell(ctx, o.OrderToken); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if inv := h.inventory(t); !inv.TotalGrams.Equal(d("105")) {
		t.Errorf("inventory total = %s, want 105", inv.TotalGrams)
	}
}

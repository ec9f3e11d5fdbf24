package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized: one WithTx runs at a time, its writes are
// staged and only applied to the maps on commit, so a failing transaction
// leaves no trace.
type MemoryStore struct {
	txMu sync.Mutex // one writer transaction at a time

	mu           sync.RWMutex
	wallets      map[string]*model.Wallet // by wallet ID
	walletByUser map[string]string
	ledger       []model.LedgerEntry
	ledgerKeys   map[string]struct{}
	seq          int64
	inventory    model.Inventory
	orders       map[string]*model.Order // by order token
	pending      *btree.BTreeG[expiryItem]
	events       []model.OrderEvent
	snapshots    []model.PriceSnapshot
	closes       map[string]model.DailyClose
}

// expiryItem indexes a PENDING_LOCKED order by deadline.
type expiryItem struct {
	expiresAt time.Time
	token     string
}

func expiryLess(a, b expiryItem) bool {
	if !a.expiresAt.Equal(b.expiresAt) {
		return a.expiresAt.Before(b.expiresAt)
	}
	return a.token < b.token
}

// NewMemoryStore creates a new in-memory store with an empty inventory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*model.Wallet),
		walletByUser: make(map[string]string),
		ledgerKeys:   make(map[string]struct{}),
		orders:       make(map[string]*model.Order),
		pending:      btree.NewG[expiryItem](16, expiryLess),
		closes:       make(map[string]model.DailyClose),
		inventory: model.Inventory{
			TotalGrams:    decimal.Zero,
			ReservedGrams: decimal.Zero,
		},
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:       s,
		wallets: make(map[string]*model.Wallet),
		orders:  make(map[string]*model.Order),
		keys:    make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.inventory != nil {
		s.inventory = *tx.inventory
	}
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for token, o := range tx.orders {
		if prev, ok := s.orders[token]; ok && prev.Status == model.StatusPendingLocked {
			s.pending.Delete(expiryItem{expiresAt: prev.ExpiresAt, token: token})
		}
		s.orders[token] = o
		if o.Status == model.StatusPendingLocked {
			s.pending.ReplaceOrInsert(expiryItem{expiresAt: o.ExpiresAt, token: token})
		}
	}
	for _, e := range tx.entries {
		s.ledger = append(s.ledger, e)
		s.ledgerKeys[e.IdempotencyKey] = struct{}{}
		s.seq = e.Seq
	}
	s.events = append(s.events, tx.events...)
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.walletByUser[w.UserID]; ok {
		existing := *s.wallets[id]
		return &existing, nil
	}
	if _, ok := s.wallets[w.ID]; ok {
		return nil, ErrDuplicate
	}

	// Store a copy to avoid external mutation.
	copy := *w
	s.wallets[w.ID] = &copy
	s.walletByUser[w.UserID] = w.ID
	out := copy
	return &out, nil
}

func (s *MemoryStore) GetWalletByUser(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walletByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s.wallets[id]
	return &copy, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, walletID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.WalletID == walletID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetInventory(_ context.Context) (*model.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv := s.inventory
	return &inv, nil
}

func (s *MemoryStore) GetOrderByToken(_ context.Context, token string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[token]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LockedAt.After(result[j].LockedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	s.pending.Ascend(func(item expiryItem) bool {
		if !item.expiresAt.Before(now) || (limit > 0 && len(result) >= limit) {
			return false
		}
		if o, ok := s.orders[item.token]; ok && o.Status == model.StatusPendingLocked {
			result = append(result, *o)
		}
		return true
	})
	return result, nil
}

func (s *MemoryStore) ListOrderEvents(_ context.Context, orderID string) ([]model.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderEvent
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) SavePriceSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) LatestPriceSnapshot(_ context.Context, before time.Time) (*model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.PriceSnapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.Timestamp.After(before) {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copy := *latest
	return &copy, nil
}

func (s *MemoryStore) UpsertDailyClose(_ context.Context, c *model.DailyClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes[c.Day] = *c
	return nil
}

func (s *MemoryStore) GetDailyClose(_ context.Context, day string) (*model.DailyClose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.closes[day]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// memTx stages writes on top of the committed maps. Reads see staged rows
// first. The owning MemoryStore holds txMu for the lifetime of a memTx, so
// no other writer can change the committed rows underneath it.
type memTx struct {
	s         *MemoryStore
	inventory *model.Inventory
	wallets   map[string]*model.Wallet
	orders    map[string]*model.Order
	entries   []model.LedgerEntry
	keys      map[string]struct{}
	events    []model.OrderEvent
}

func (t *memTx) LockInventory(_ context.Context) (*model.Inventory, error) {
	if t.inventory == nil {
		t.s.mu.RLock()
		inv := t.s.inventory
		t.s.mu.RUnlock()
		t.inventory = &inv
	}
	inv := *t.inventory
	return &inv, nil
}

func (t *memTx) SaveInventory(_ context.Context, inv *model.Inventory) error {
	if !ValidInventory(inv) {
		return ErrConstraint
	}
	copy := *inv
	t.inventory = &copy
	return nil
}

func (t *memTx) LockWallet(_ context.Context, walletID string) (*model.Wallet, error) {
	if w, ok := t.wallets[walletID]; ok {
		copy := *w
		return &copy, nil
	}
	t.s.mu.RLock()
	w, ok := t.s.wallets[walletID]
	var staged model.Wallet
	if ok {
		staged = *w
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	t.wallets[walletID] = &staged
	copy := staged
	return &copy, nil
}

func (t *memTx) SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	if _, err := t.LockWallet(ctx, walletID); err != nil {
		return err
	}
	if balance.IsNegative() {
		return ErrConstraint
	}
	w := t.wallets[walletID]
	w.BalanceGrams = balance
	w.UpdatedAt = at
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if _, ok := t.keys[e.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	t.s.mu.RLock()
	_, exists := t.s.ledgerKeys[e.IdempotencyKey]
	seq := t.s.seq
	t.s.mu.RUnlock()
	if exists {
		return ErrDuplicate
	}

	e.Seq = seq + int64(len(t.entries)) + 1
	t.keys[e.IdempotencyKey] = struct{}{}
	t.entries = append(t.entries, *e)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.orders[o.OrderToken]; ok {
		return ErrDuplicate
	}
	t.s.mu.RLock()
	_, exists := t.s.orders[o.OrderToken]
	t.s.mu.RUnlock()
	if exists {
		return ErrDuplicate
	}
	copy := *o
	t.orders[o.OrderToken] = &copy
	return nil
}

func (t *memTx) LockOrder(_ context.Context, token string) (*model.Order, error) {
	if o, ok := t.orders[token]; ok {
		copy := *o
		return &copy, nil
	}
	t.s.mu.RLock()
	o, ok := t.s.orders[token]
	var staged model.Order
	if ok {
		staged = *o
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	t.orders[token] = &staged
	copy := staged
	return &copy, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if _, err := t.LockOrder(ctx, o.OrderToken); err != nil {
		return err
	}
	copy := *o
	t.orders[o.OrderToken] = &copy
	return nil
}

func (t *memTx) InsertOrderEvent(_ context.Context, ev *model.OrderEvent) error {
	t.events = append(t.events, *ev)
	return nil
}

func (t *memTx) PendingGrams(_ context.Context, userID string, side model.Side) (decimal.Decimal, error) {
	total := decimal.Zero
	seen := make(map[string]bool, len(t.orders))
	for token, o := range t.orders {
		seen[token] = true
		if o.UserID == userID && o.Side == side && o.Status == model.StatusPendingLocked {
			total = total.Add(o.QuantityGrams)
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for token, o := range t.s.orders {
		if seen[token] {
			continue
		}
		if o.UserID == userID && o.Side == side && o.Status == model.StatusPendingLocked {
			total = total.Add(o.QuantityGrams)
		}
	}
	return total, nil
}

// Package store defines the persistence interface for the gold engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint (order token,
	// idempotency key, wallet per user) would be violated.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrConstraint is returned when a write would break a row invariant,
	// such as inventory reserved grams exceeding total grams.
	ErrConstraint = errors.New("store: constraint violated")
)

// Store is the persistence interface. Every multi-row mutation runs inside
// WithTx; plain reads outside a transaction take no locks.
type Store interface {
	// WithTx runs fn in one atomic transaction. If fn returns an error the
	// transaction is rolled back and nothing fn wrote is visible.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Wallets ---

	// CreateWallet inserts w, or returns the existing wallet for w.UserID.
	CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error)

	// GetWalletByUser retrieves the wallet owned by userID.
	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)

	// --- Immutable ledger ---

	// ListLedgerEntries returns all entries for a wallet in commit order.
	ListLedgerEntries(ctx context.Context, walletID string) ([]model.LedgerEntry, error)

	// --- Inventory ---

	// GetInventory reads the singleton pool without locking it.
	GetInventory(ctx context.Context) (*model.Inventory, error)

	// --- Orders ---

	// GetOrderByToken retrieves an order by its client-facing token.
	GetOrderByToken(ctx context.Context, token string) (*model.Order, error)

	// ListUserOrders returns a user's orders, newest first.
	ListUserOrders(ctx context.Context, userID string) ([]model.Order, error)

	// ListExpiredOrders returns up to limit PENDING_LOCKED orders whose
	// deadline is before now, oldest deadline first.
	ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error)

	// ListOrderEvents returns the audit trail of one order, oldest first.
	ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error)

	// --- Prices ---

	// SavePriceSnapshot appends a snapshot.
	SavePriceSnapshot(ctx context.Context, s *model.PriceSnapshot) error

	// LatestPriceSnapshot returns the newest snapshot at or before t.
	LatestPriceSnapshot(ctx context.Context, before time.Time) (*model.PriceSnapshot, error)

	// UpsertDailyClose records (or replaces) the closing price of a day.
	UpsertDailyClose(ctx context.Context, c *model.DailyClose) error

	// GetDailyClose returns the closing price of day (YYYY-MM-DD).
	GetDailyClose(ctx context.Context, day string) (*model.DailyClose, error)
}

// Tx is the set of operations available inside a transaction. Lock* calls
// take a row lock held until commit or rollback; locking the same row twice
// in one transaction is allowed. Callers lock in the global order
// inventory → wallet → order.
type Tx interface {
	// LockInventory locks and returns the singleton pool.
	LockInventory(ctx context.Context) (*model.Inventory, error)

	// SaveInventory writes the pool. It fails with ErrConstraint if the
	// pool invariant 0 <= reserved <= total would not hold.
	SaveInventory(ctx context.Context, inv *model.Inventory) error

	// LockWallet locks and returns a wallet.
	LockWallet(ctx context.Context, walletID string) (*model.Wallet, error)

	// SaveWalletBalance writes a wallet's balance.
	SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error

	// InsertLedgerEntry appends an immutable entry and assigns its Seq.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// LockOrder locks and returns an order by token.
	LockOrder(ctx context.Context, token string) (*model.Order, error)

	// UpdateOrder writes an order's status and terminal timestamps.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// InsertOrderEvent appends an audit event.
	InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error

	// PendingGrams sums QuantityGrams over a user's PENDING_LOCKED orders
	// of one side.
	PendingGrams(ctx context.Context, userID string, side model.Side) (decimal.Decimal, error)
}

// ValidInventory reports whether inv satisfies 0 <= reserved <= total.
func ValidInventory(inv *model.Inventory) bool {
	return !inv.ReservedGrams.IsNegative() &&
		!inv.TotalGrams.IsNegative() &&
		inv.ReservedGrams.LessThanOrEqual(inv.TotalGrams)
}

// Package ledger owns wallet balances. Every balance change is an append of
// an immutable LedgerEntry made in the same transaction as the locked
// read-modify-write of the wallet row, so replaying a wallet's entries from
// zero always reproduces each BalanceAfterGrams.
//
// The ledger does not deduplicate requests. Callers get exactly-once by
// checking their own state (an order's status) inside the same transaction;
// the unique idempotency key is the storage-level backstop.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/metrics"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/store"
)

// Posting describes one balance change.
type Posting struct {
	WalletID       string
	Grams          decimal.Decimal // always positive; the direction is the operation
	Kind           model.EntryKind
	Reference      string
	IdempotencyKey string          // generated when empty
	FiatAmount     decimal.Decimal // audit only
}

// Ledger appends entries and maintains wallet balances.
type Ledger struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a ledger over st.
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, now: time.Now, logger: logger}
}

// WithClock overrides the entry timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// OpenWallet provisions the wallet of userID. Calling it again returns the
// existing wallet unchanged.
func (l *Ledger) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID == "" {
		return nil, model.Invalid(model.ErrInvalidAmount, "user_id is required")
	}
	now := l.now().UTC()
	w, err := l.store.CreateWallet(ctx, &model.Wallet{
		ID:           uuid.New().String(),
		UserID:       userID,
		BalanceGrams: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	return w, nil
}

// Wallet returns the wallet of userID or model.ErrWalletNotFound.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := l.store.GetWalletByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Balance returns the committed balance of userID in grams.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.BalanceGrams, nil
}

// Entries returns the ledger of userID in commit order.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.store.ListLedgerEntries(ctx, w.ID)
}

// CreditTx adds p.Grams to the wallet inside tx.
func (l *Ledger) CreditTx(ctx context.Context, tx store.Tx, p Posting) (*model.LedgerEntry, error) {
	return l.apply(ctx, tx, p, model.EntryCredit)
}

// DebitTx removes p.Grams from the wallet inside tx. It fails with
// model.ErrInsufficientBalance, leaving the balance unchanged, when the
// wallet holds less than p.Grams.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, p Posting) (*model.LedgerEntry, error) {
	return l.apply(ctx, tx, p, model.EntryDebit)
}

// Credit runs CreditTx in its own transaction. Used for rewards and
// adjustments that are not tied to an order.
func (l *Ledger) Credit(ctx context.Context, p Posting) (*model.LedgerEntry, error) {
	return l.standalone(ctx, p, model.EntryCredit)
}

// Debit runs DebitTx in its own transaction.
func (l *Ledger) Debit(ctx context.Context, p Posting) (*model.LedgerEntry, error) {
	return l.standalone(ctx, p, model.EntryDebit)
}

func (l *Ledger) standalone(ctx context.Context, p Posting, typ model.EntryType) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.apply(ctx, tx, p, typ)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerEntries.WithLabelValues(string(entry.Kind)).Inc()
	l.logger.Info("ledger entry committed",
		"wallet_id", entry.WalletID,
		"type", string(entry.Type),
		"kind", string(entry.Kind),
		"delta_grams", entry.DeltaGrams.String(),
		"balance_after_grams", entry.BalanceAfterGrams.String(),
		"reference", entry.Reference,
	)
	return entry, nil
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, p Posting, typ model.EntryType) (*model.LedgerEntry, error) {
	if !p.Grams.IsPositive() {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams must be positive, got %s", p.Grams)
	}
	if !p.Grams.Equal(p.Grams.Truncate(model.GramPlaces)) {
		return nil, model.Invalid(model.ErrInvalidAmount, "grams %s has more than %d decimal places", p.Grams, model.GramPlaces)
	}

	w, err := tx.LockWallet(ctx, p.WalletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", p.WalletID, err)
	}

	delta := p.Grams
	if typ == model.EntryDebit {
		if p.Grams.GreaterThan(w.BalanceGrams) {
			return nil, fmt.Errorf("%w: balance %s, requested %s", model.ErrInsufficientBalance, w.BalanceGrams, p.Grams)
		}
		delta = p.Grams.Neg()
	}
	after := w.BalanceGrams.Add(delta)

	key := p.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	kind := p.Kind
	if kind == "" {
		kind = model.KindAdjust
	}
	now := l.now().UTC()
	entry := &model.LedgerEntry{
		ID:                uuid.New().String(),
		WalletID:          w.ID,
		Type:              typ,
		Kind:              kind,
		DeltaGrams:        delta,
		BalanceAfterGrams: after,
		FiatAmount:        p.FiatAmount,
		Reference:         p.Reference,
		IdempotencyKey:    key,
		Timestamp:         now,
	}

	if err := tx.SaveWalletBalance(ctx, w.ID, after, now); err != nil {
		return nil, fmt.Errorf("save wallet balance: %w", err)
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: idempotency key %s already applied", model.ErrConcurrencyConflict, key)
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

// ErrReplayMismatch is returned when a wallet's entries do not replay to
// their recorded balances.
var ErrReplayMismatch = errors.New("ledger: replay mismatch")

// Replay applies entries in order starting from a zero balance and checks
// every BalanceAfterGrams, the sign of every delta and that no prefix goes
// negative. It returns the final balance.
func Replay(entries []model.LedgerEntry) (decimal.Decimal, error) {
	balance := decimal.Zero
	for i, e := range entries {
		switch e.Type {
		case model.EntryCredit:
			if !e.DeltaGrams.IsPositive() {
				return balance, fmt.Errorf("%w: entry %d (%s) credit with delta %s", ErrReplayMismatch, i, e.ID, e.DeltaGrams)
			}
		case model.EntryDebit:
			if !e.DeltaGrams.IsNegative() {
				return balance, fmt.Errorf("%w: entry %d (%s) debit with delta %s", ErrReplayMismatch, i, e.ID, e.DeltaGrams)
			}
		default:
			return balance, fmt.Errorf("%w: entry %d (%s) unknown type %q", ErrReplayMismatch, i, e.ID, e.Type)
		}

		balance = balance.Add(e.DeltaGrams)
		if balance.IsNegative() {
			return balance, fmt.Errorf("%w: entry %d (%s) drives balance to %s", ErrReplayMismatch, i, e.ID, balance)
		}
		if !balance.Equal(e.BalanceAfterGrams) {
			return balance, fmt.Errorf("%w: entry %d (%s) records %s, replay gives %s", ErrReplayMismatch, i, e.ID, e.BalanceAfterGrams, balance)
		}
	}
	return balance, nil
}

// AuditReport is the result of replaying one wallet.
type AuditReport struct {
	UserID          string          `json:"user_id"`
	WalletID        string          `json:"wallet_id"`
	Entries         int             `json:"entries"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance_grams"`
	WalletBalance   decimal.Decimal `json:"wallet_balance_grams"`
	Consistent      bool            `json:"consistent"`
	Problem         string          `json:"problem,omitempty"`
}

// Audit replays the ledger of userID and compares the result with the
// wallet's stored balance.
func (l *Ledger) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListLedgerEntries(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		UserID:        userID,
		WalletID:      w.ID,
		Entries:       len(entries),
		WalletBalance: w.BalanceGrams,
	}
	replayed, err := Replay(entries)
	report.ReplayedBalance = replayed
	switch {
	case err != nil:
		report.Problem = err.Error()
	case !replayed.Equal(w.BalanceGrams):
		report.Problem = fmt.Sprintf("wallet balance %s differs from replayed %s", w.BalanceGrams, replayed)
	default:
		report.Consistent = true
	}
	if !report.Consistent {
		l.logger.Error("ledger audit failed", "user_id", userID, "wallet_id", w.ID, "problem", report.Problem)
	}
	return report, nil
}

// Package model defines the core domain types shared across the gold engine.
// All gram and PKR values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Precision of stored quantities. Grams are truncated to GramPlaces;
// PKR amounts and prices are rounded half up to FiatPlaces.
const (
	GramPlaces = 8
	FiatPlaces = 4
)

// Side tags an order as a purchase from or a sale to the platform inventory.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPendingLocked OrderStatus = "PENDING_LOCKED"
	StatusExecuted      OrderStatus = "EXECUTED"
	StatusExpired       OrderStatus = "EXPIRED"
	StatusCancelled     OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s != StatusPendingLocked
}

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// EntryKind records why a ledger entry exists.
type EntryKind string

const (
	KindBuy         EntryKind = "BUY"
	KindSellHold    EntryKind = "SELL_HOLD"
	KindSellRelease EntryKind = "SELL_RELEASE"
	KindReward      EntryKind = "REWARD"
	KindAdjust      EntryKind = "ADJUST"
)

// Wallet holds one user's gold balance. Only the ledger mutates BalanceGrams.
type Wallet struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	BalanceGrams decimal.Decimal `json:"balance_grams" db:"balance_grams"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of one balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID                string          `json:"id" db:"id"`
	Seq               int64           `json:"seq" db:"seq"` // commit order within the store
	WalletID          string          `json:"wallet_id" db:"wallet_id"`
	Type              EntryType       `json:"type" db:"type"`
	Kind              EntryKind       `json:"kind" db:"kind"`
	DeltaGrams        decimal.Decimal `json:"delta_grams" db:"delta_grams"` // signed: +credit, -debit
	BalanceAfterGrams decimal.Decimal `json:"balance_after_grams" db:"balance_after_grams"`
	FiatAmount        decimal.Decimal `json:"fiat_amount" db:"fiat_amount"` // audit only, zero when unknown
	Reference         string          `json:"reference" db:"reference"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
}

// Inventory is the singleton pool of platform-held gold.
type Inventory struct {
	TotalGrams    decimal.Decimal `json:"total_grams" db:"total_grams"`
	ReservedGrams decimal.Decimal `json:"reserved_grams" db:"reserved_grams"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableGrams is the stock not held by any pending buy lock.
func (i Inventory) AvailableGrams() decimal.Decimal {
	return i.TotalGrams.Sub(i.ReservedGrams)
}

// Order is a buy or sell lock. Buy and sell share this shape; Side selects
// the effect applied on confirm and on reversal.
type Order struct {
	ID                 string          `json:"id" db:"id"`
	Side               Side            `json:"side" db:"side"`
	UserID             string          `json:"user_id" db:"user_id"`
	WalletID           string          `json:"wallet_id" db:"wallet_id"`
	QuantityGrams      decimal.Decimal `json:"quantity_grams" db:"quantity_grams"`
	LockedPricePerGram decimal.Decimal `json:"locked_price_per_gram" db:"locked_price_per_gram"`
	FiatAmount         decimal.Decimal `json:"fiat_amount" db:"fiat_amount"` // buy: requested amount, sell: gross proceeds
	FeeAmount          decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	TotalPayable       decimal.Decimal `json:"total_payable" db:"total_payable"` // buy: user pays, sell: user receives
	SoftAllocatedGrams decimal.Decimal `json:"soft_allocated_grams" db:"soft_allocated_grams"`
	PriceSnapshotRef   string          `json:"price_snapshot_ref" db:"price_snapshot_ref"`
	OrderToken         string          `json:"order_token" db:"order_token"`
	Status             OrderStatus     `json:"status" db:"status"`
	LockedAt           time.Time       `json:"locked_at" db:"locked_at"`
	ExpiresAt          time.Time       `json:"expires_at" db:"expires_at"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty" db:"closed_at"` // set on EXPIRED / CANCELLED
}

// Audit event types written alongside every order transition.
const (
	EventLockCreated       = "LOCK_CREATED"
	EventLockExpired       = "LOCK_EXPIRED"
	EventExecuted          = "EXECUTED"
	EventCancelledByUser   = "CANCELLED_BY_USER"
	EventReversalCompleted = "REVERSAL_COMPLETED"
)

// OrderEvent is an append-only audit record of an order transition.
type OrderEvent struct {
	ID            string          `json:"id" db:"id"`
	OrderID       string          `json:"order_id" db:"order_id"`
	OrderToken    string          `json:"order_token" db:"order_token"`
	UserID        string          `json:"user_id" db:"user_id"`
	Side          Side            `json:"side" db:"side"`
	Type          string          `json:"type" db:"type"`
	PricePerGram  decimal.Decimal `json:"price_per_gram" db:"price_per_gram"`
	QuantityGrams decimal.Decimal `json:"quantity_grams" db:"quantity_grams"`
	Description   string          `json:"description" db:"description"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// UnitPrices is a mid/buy/sell triple for one unit of weight.
type UnitPrices struct {
	Mid  decimal.Decimal `json:"mid"`
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// PriceSnapshot records the market inputs of one external fetch and the
// prices derived from them at that moment.
type PriceSnapshot struct {
	ID              string          `json:"id" db:"id"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	SpotUSDPerOunce decimal.Decimal `json:"spot_usd_per_ounce" db:"spot_usd_per_ounce"`
	FXRate          decimal.Decimal `json:"fx_rate" db:"fx_rate"`
	RawPerGram      decimal.Decimal `json:"raw_per_gram" db:"raw_per_gram"`
	RawPerTola      decimal.Decimal `json:"raw_per_tola" db:"raw_per_tola"`
	RawPerOunce     decimal.Decimal `json:"raw_per_ounce" db:"raw_per_ounce"`
	FinalPerGram    decimal.Decimal `json:"final_per_gram" db:"final_per_gram"` // buy price
	FinalPerTola    decimal.Decimal `json:"final_per_tola" db:"final_per_tola"`
	FinalPerOunce   decimal.Decimal `json:"final_per_ounce" db:"final_per_ounce"`
}

// Quote is the current price as served by the oracle.
type Quote struct {
	SnapshotID      string          `json:"snapshot_id"`
	FetchedAt       time.Time       `json:"fetched_at"`
	SpotUSDPerOunce decimal.Decimal `json:"spot_usd_per_ounce"`
	FXRate          decimal.Decimal `json:"fx_rate"`
	PerGram         UnitPrices      `json:"per_gram"`
	PerTola         UnitPrices      `json:"per_tola"`
	PerOunce        UnitPrices      `json:"per_ounce"`
	Stale           bool            `json:"stale"` // served from cache after a failed refresh
}

// DailyClose is the closing price of one calendar day.
type DailyClose struct {
	Day              string          `json:"day" db:"day"` // YYYY-MM-DD
	ClosingPerGram   decimal.Decimal `json:"closing_per_gram" db:"closing_per_gram"`
	ClosingPerTola   decimal.Decimal `json:"closing_per_tola" db:"closing_per_tola"`
	ClosingPerOunce  decimal.Decimal `json:"closing_per_ounce" db:"closing_per_ounce"`
	SourceSnapshotID string          `json:"source_snapshot_id" db:"source_snapshot_id"`
}

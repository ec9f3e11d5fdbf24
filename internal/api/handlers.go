// Package api provides the HTTP handlers for prices, wallets, orders and
// inventory administration, plus the WebSocket hub for live updates.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/inventory"
	"github.com/goldvault/gold-engine/internal/ledger"
	"github.com/goldvault/gold-engine/internal/model"
	"github.com/goldvault/gold-engine/internal/order"
	"github.com/goldvault/gold-engine/internal/pricing"
	"github.com/goldvault/gold-engine/internal/store"
)

// Prices is the oracle surface the handlers use.
type Prices interface {
	CurrentPrice(ctx context.Context) (*model.Quote, error)
	Margins() pricing.Margins
	SetMargins(m pricing.Margins) error
}

// CloseReader looks up recorded daily closing prices.
type CloseReader interface {
	GetDailyClose(ctx context.Context, day string) (*model.DailyClose, error)
}

// Service handles the HTTP surface of the engine.
type Service struct {
	engine *order.Engine
	ledger *ledger.Ledger
	pool   *inventory.Pool
	prices Prices
	closes CloseReader
	logger *slog.Logger
}

// NewService creates the HTTP service.
func NewService(engine *order.Engine, lg *ledger.Ledger, pool *inventory.Pool, prices Prices, closes CloseReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: engine,
		ledger: lg,
		pool:   pool,
		prices: prices,
		closes: closes,
		logger: logger,
	}
}

// Routes mounts the /api/v1 handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/price", s.GetPrice)
	r.Get("/price/close/{day}", s.GetDailyClose)

	r.Post("/wallets", s.OpenWallet)
	r.Get("/wallets/{userID}/balance", s.GetBalance)
	r.Get("/wallets/{userID}/ledger", s.GetLedger)
	r.Get("/wallets/{userID}/audit", s.AuditWallet)
	r.Get("/wallets/{userID}/orders", s.ListOrders)

	r.Post("/orders/buy/lock", s.LockBuy)
	r.Post("/orders/buy/confirm", s.ConfirmBuy)
	r.Post("/orders/sell/lock", s.LockSell)
	r.Post("/orders/sell/confirm", s.ConfirmSell)
	r.Post("/orders/{token}/cancel", s.CancelOrder)
	r.Get("/orders/{token}", s.GetOrder)

	r.Get("/inventory", s.GetInventory)
	r.Post("/admin/inventory/restock", s.Restock)
	r.Post("/admin/inventory/writeoff", s.WriteOff)
	r.Post("/admin/rewards", s.CreditReward)
	r.Put("/admin/margins", s.UpdateMargins)
}

// --- Request/Response types ---

// WalletRequest is the JSON body for wallet provisioning.
type WalletRequest struct {
	UserID string `json:"user_id"`
}

// BuyLockRequest is the JSON body for POST /orders/buy/lock.
type BuyLockRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"` // PKR to spend, before fees
}

// SellLockRequest is the JSON body for POST /orders/sell/lock.
type SellLockRequest struct {
	UserID string          `json:"user_id"`
	Grams  decimal.Decimal `json:"grams"`
}

// ConfirmRequest is the JSON body for the confirm endpoints.
type ConfirmRequest struct {
	OrderToken string `json:"order_token"`
}

// CancelRequest is the JSON body for POST /orders/{token}/cancel.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

// GramsRequest is the JSON body for inventory adjustments.
type GramsRequest struct {
	Grams decimal.Decimal `json:"grams"`
}

// RewardRequest is the JSON body for POST /admin/rewards.
type RewardRequest struct {
	UserID         string          `json:"user_id"`
	Grams          decimal.Decimal `json:"grams"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// LockResponse is returned by both lock endpoints.
type LockResponse struct {
	OrderToken         string            `json:"order_token"`
	Side               model.Side        `json:"side"`
	Status             model.OrderStatus `json:"status"`
	QuantityGrams      decimal.Decimal   `json:"quantity_grams"`
	LockedPricePerGram decimal.Decimal   `json:"locked_price_per_gram"`
	FiatAmount         decimal.Decimal   `json:"fiat_amount"`
	FeeAmount          decimal.Decimal   `json:"fee_amount"`
	TotalPayable       *decimal.Decimal  `json:"total_payable,omitempty"` // buy: amount + fee
	NetPayable         *decimal.Decimal  `json:"net_payable,omitempty"`   // sell: proceeds - fee
	ExpiresAt          time.Time         `json:"expires_at"`
}

// ConfirmResponse is returned by the confirm and cancel endpoints.
type ConfirmResponse struct {
	OrderToken string            `json:"order_token"`
	Status     model.OrderStatus `json:"status"`
	ExecutedAt *time.Time        `json:"executed_at,omitempty"`
	ClosedAt   *time.Time        `json:"closed_at,omitempty"`
}

// BalanceResponse is returned by GET /wallets/{userID}/balance.
type BalanceResponse struct {
	UserID       string          `json:"user_id"`
	WalletID     string          `json:"wallet_id"`
	BalanceGrams decimal.Decimal `json:"balance_grams"`
}

// OrderResponse is an order with its audit trail.
type OrderResponse struct {
	Order  *model.Order       `json:"order"`
	Events []model.OrderEvent `json:"events"`
}

// InventoryResponse is the pool with its derived available grams.
type InventoryResponse struct {
	TotalGrams     decimal.Decimal `json:"total_grams"`
	ReservedGrams  decimal.Decimal `json:"reserved_grams"`
	AvailableGrams decimal.Decimal `json:"available_grams"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// --- HTTP Handlers ---

// GetPrice handles GET /api/v1/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.prices.CurrentPrice(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetDailyClose handles GET /api/v1/price/close/{day}
func (s *Service) GetDailyClose(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	c, err := s.closes.GetDailyClose(r.Context(), day)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// OpenWallet handles POST /api/v1/wallets
func (s *Service) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.ledger.OpenWallet(r.Context(), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// GetBalance handles GET /api/v1/wallets/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.Wallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:       wallet.UserID,
		WalletID:     wallet.ID,
		BalanceGrams: wallet.BalanceGrams,
	})
}

// GetLedger handles GET /api/v1/wallets/{userID}/ledger
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.Entries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// AuditWallet handles GET /api/v1/wallets/{userID}/audit
// Replays the ledger and compares it with the stored balance.
func (s *Service) AuditWallet(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListOrders handles GET /api/v1/wallets/{userID}/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ListUserOrders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// LockBuy handles POST /api/v1/orders/buy/lock
func (s *Service) LockBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyLockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.engine.LockBuy(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockResponse(o))
}

// LockSell handles POST /api/v1/orders/sell/lock
func (s *Service) LockSell(w http.ResponseWriter, r *http.Request) {
	var req SellLockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.engine.LockSell(r.Context(), req.UserID, req.Grams)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockResponse(o))
}

// ConfirmBuy handles POST /api/v1/orders/buy/confirm
func (s *Service) ConfirmBuy(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.engine.ConfirmBuy)
}

// ConfirmSell handles POST /api/v1/orders/sell/confirm
func (s *Service) ConfirmSell(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.engine.ConfirmSell)
}

func (s *Service) confirm(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*model.Order, error)) {
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OrderToken == "" {
		writeError(w, "order_token is required", http.StatusBadRequest)
		return
	}
	o, err := fn(r.Context(), req.OrderToken)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse(o))
}

// CancelOrder handles POST /api/v1/orders/{token}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "token"), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse(o))
}

// GetOrder handles GET /api/v1/orders/{token}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	o, err := s.engine.Get(r.Context(), token)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	evs, err := s.engine.Events(r.Context(), token)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if evs == nil {
		evs = []model.OrderEvent{}
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: o, Events: evs})
}

// GetInventory handles GET /api/v1/inventory
func (s *Service) GetInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := s.pool.Snapshot(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inventoryResponse(inv))
}

// Restock handles POST /api/v1/admin/inventory/restock
func (s *Service) Restock(w http.ResponseWriter, r *http.Request) {
	s.adjustInventory(w, r, s.pool.Restock)
}

// WriteOff handles POST /api/v1/admin/inventory/writeoff
func (s *Service) WriteOff(w http.ResponseWriter, r *http.Request) {
	s.adjustInventory(w, r, s.pool.WriteOff)
}

func (s *Service) adjustInventory(w http.ResponseWriter, r *http.Request, fn func(context.Context, decimal.Decimal) (*model.Inventory, error)) {
	var req GramsRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := fn(r.Context(), req.Grams)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inventoryResponse(inv))
}

// CreditReward handles POST /api/v1/admin/rewards
// Credits grams outside any order, e.g. a referral reward.
func (s *Service) CreditReward(w http.ResponseWriter, r *http.Request) {
	var req RewardRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	wallet, err := s.ledger.Wallet(ctx, req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	entry, err := s.ledger.Credit(ctx, ledger.Posting{
		WalletID:       wallet.ID,
		Grams:          req.Grams,
		Kind:           model.KindReward,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// UpdateMargins handles PUT /api/v1/admin/margins
func (s *Service) UpdateMargins(w http.ResponseWriter, r *http.Request) {
	var req pricing.Margins
	if !decode(w, r, &req) {
		return
	}
	if err := s.prices.SetMargins(req); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.prices.Margins())
}

func lockResponse(o *model.Order) LockResponse {
	resp := LockResponse{
		OrderToken:         o.OrderToken,
		Side:               o.Side,
		Status:             o.Status,
		QuantityGrams:      o.QuantityGrams,
		LockedPricePerGram: o.LockedPricePerGram,
		FiatAmount:         o.FiatAmount,
		FeeAmount:          o.FeeAmount,
		ExpiresAt:          o.ExpiresAt,
	}
	total := o.TotalPayable
	if o.Side == model.SideSell {
		resp.NetPayable = &total
	} else {
		resp.TotalPayable = &total
	}
	return resp
}

func confirmResponse(o *model.Order) ConfirmResponse {
	return ConfirmResponse{
		OrderToken: o.OrderToken,
		Status:     o.Status,
		ExecutedAt: o.ExecutedAt,
		ClosedAt:   o.ClosedAt,
	}
}

func inventoryResponse(inv *model.Inventory) InventoryResponse {
	return InventoryResponse{
		TotalGrams:     inv.TotalGrams,
		ReservedGrams:  inv.ReservedGrams,
		AvailableGrams: inv.AvailableGrams(),
		UpdatedAt:      inv.UpdatedAt,
	}
}

// --- Error mapping ---

// statusFor maps a domain error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case model.IsValidation(err):
		var ve *model.ValidationError
		errors.As(err, &ve)
		code := "validation_error"
		if ve.Err != nil {
			code = ve.Err.Error()
			if errors.Is(ve.Err, model.ErrLimitExceeded) {
				code = model.ErrLimitExceeded.Error()
			}
		}
		return http.StatusBadRequest, code
	case errors.Is(err, model.ErrWalletNotFound):
		return http.StatusNotFound, model.ErrWalletNotFound.Error()
	case errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound, model.ErrOrderNotFound.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrOrderExpired):
		return http.StatusGone, model.ErrOrderExpired.Error()
	case errors.Is(err, model.ErrOrderNotConfirmable):
		return http.StatusConflict, model.ErrOrderNotConfirmable.Error()
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusConflict, model.ErrInsufficientBalance.Error()
	case errors.Is(err, model.ErrInsufficientInventory):
		return http.StatusConflict, model.ErrInsufficientInventory.Error()
	case errors.Is(err, model.ErrPriceUnavailable), errors.Is(err, model.ErrFeedUnavailable):
		return http.StatusServiceUnavailable, model.ErrPriceUnavailable.Error()
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, model.ErrConcurrencyConflict.Error()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Service) writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

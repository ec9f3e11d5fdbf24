package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	// maxTxAttempts bounds retries of a transaction aborted by a
	// serialization failure, deadlock, or lock timeout.
	maxTxAttempts = 3

	// lockTimeout caps how long a statement waits for a row lock.
	lockTimeout = "5s"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All gram and PKR values are stored as NUMERIC for exact decimal precision
// and read back as text.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.Warn("transaction conflict, retrying", "attempt", attempt, "err", err)

		delay := time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, user_id, balance_grams, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		w.ID, w.UserID, w.BalanceGrams.String(), w.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return s.GetWalletByUser(ctx, w.UserID)
}

func (s *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, balance_grams::TEXT, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, fmt.Errorf("get wallet for user %s: %w", userID, translate(err))
	}
	return w, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, walletID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, wallet_id, type, kind,
		        delta_grams::TEXT, balance_after_grams::TEXT, fiat_amount::TEXT,
		        reference, idempotency_key, timestamp
		 FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetInventory(ctx context.Context) (*model.Inventory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT total_grams::TEXT, reserved_grams::TEXT, updated_at FROM inventory WHERE id = 1`)
	inv, err := scanInventory(row)
	if err != nil {
		return nil, fmt.Errorf("get inventory: %w", translate(err))
	}
	return inv, nil
}

func (s *PostgresStore) GetOrderByToken(ctx context.Context, token string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_token = $1`, token)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", token, translate(err))
	}
	return o, nil
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY locked_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'PENDING_LOCKED' AND expires_at < $1
		 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, order_token, user_id, side, type,
		        price_per_gram::TEXT, quantity_grams::TEXT, description, timestamp
		 FROM order_events WHERE order_id = $1 ORDER BY timestamp`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OrderEvent
	for rows.Next() {
		var ev model.OrderEvent
		var priceS, qtyS string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.OrderToken, &ev.UserID, &ev.Side, &ev.Type,
			&priceS, &qtyS, &ev.Description, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals(decField{priceS, &ev.PricePerGram}, decField{qtyS, &ev.QuantityGrams}); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) SavePriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (id, timestamp, spot_usd_per_ounce, fx_rate,
		        raw_per_gram, raw_per_tola, raw_per_ounce,
		        final_per_gram, final_per_tola, final_per_ounce)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)`,
		p.ID, p.Timestamp, p.SpotUSDPerOunce.String(), p.FXRate.String(),
		p.RawPerGram.String(), p.RawPerTola.String(), p.RawPerOunce.String(),
		p.FinalPerGram.String(), p.FinalPerTola.String(), p.FinalPerOunce.String(),
	)
	return translate(err)
}

func (s *PostgresStore) LatestPriceSnapshot(ctx context.Context, before time.Time) (*model.PriceSnapshot, error) {
	var p model.PriceSnapshot
	var spotS, fxS, rawGS, rawTS, rawOS, finGS, finTS, finOS string

	err := s.pool.QueryRow(ctx,
		`SELECT id, timestamp, spot_usd_per_ounce::TEXT, fx_rate::TEXT,
		        raw_per_gram::TEXT, raw_per_tola::TEXT, raw_per_ounce::TEXT,
		        final_per_gram::TEXT, final_per_tola::TEXT, final_per_ounce::TEXT
		 FROM price_snapshots WHERE timestamp <= $1
		 ORDER BY timestamp DESC LIMIT 1`, before).
		Scan(&p.ID, &p.Timestamp, &spotS, &fxS, &rawGS, &rawTS, &rawOS, &finGS, &finTS, &finOS)
	if err != nil {
		return nil, fmt.Errorf("latest price snapshot: %w", translate(err))
	}
	if err := parseDecimals(
		decField{spotS, &p.SpotUSDPerOunce}, decField{fxS, &p.FXRate},
		decField{rawGS, &p.RawPerGram}, decField{rawTS, &p.RawPerTola}, decField{rawOS, &p.RawPerOunce},
		decField{finGS, &p.FinalPerGram}, decField{finTS, &p.FinalPerTola}, decField{finOS, &p.FinalPerOunce},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertDailyClose(ctx context.Context, c *model.DailyClose) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_closing_prices (day, closing_per_gram, closing_per_tola, closing_per_ounce, source_snapshot_id)
		 VALUES ($1::DATE, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, NULLIF($5, ''))
		 ON CONFLICT (day) DO UPDATE
		 SET closing_per_gram = EXCLUDED.closing_per_gram,
		     closing_per_tola = EXCLUDED.closing_per_tola,
		     closing_per_ounce = EXCLUDED.closing_per_ounce,
		     source_snapshot_id = EXCLUDED.source_snapshot_id`,
		c.Day, c.ClosingPerGram.String(), c.ClosingPerTola.String(), c.ClosingPerOunce.String(),
		c.SourceSnapshotID,
	)
	return translate(err)
}

func (s *PostgresStore) GetDailyClose(ctx context.Context, day string) (*model.DailyClose, error) {
	var c model.DailyClose
	var gramS, tolaS, ounceS string
	var source *string

	err := s.pool.QueryRow(ctx,
		`SELECT day::TEXT, closing_per_gram::TEXT, closing_per_tola::TEXT, closing_per_ounce::TEXT,
		        source_snapshot_id
		 FROM daily_closing_prices WHERE day = $1::DATE`, day).
		Scan(&c.Day, &gramS, &tolaS, &ounceS, &source)
	if err != nil {
		return nil, fmt.Errorf("get daily close %s: %w", day, translate(err))
	}
	if source != nil {
		c.SourceSnapshotID = *source
	}
	if err := parseDecimals(
		decField{gramS, &c.ClosingPerGram}, decField{tolaS, &c.ClosingPerTola}, decField{ounceS, &c.ClosingPerOunce},
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// pgTx implements Tx on a pgx transaction with SELECT ... FOR UPDATE locks.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockInventory(ctx context.Context) (*model.Inventory, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT total_grams::TEXT, reserved_grams::TEXT, updated_at
		 FROM inventory WHERE id = 1 FOR UPDATE`)
	inv, err := scanInventory(row)
	if err != nil {
		return nil, fmt.Errorf("lock inventory: %w", translate(err))
	}
	return inv, nil
}

func (t *pgTx) SaveInventory(ctx context.Context, inv *model.Inventory) error {
	if !ValidInventory(inv) {
		return ErrConstraint
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE inventory
		 SET total_grams = $1::NUMERIC, reserved_grams = $2::NUMERIC, updated_at = $3
		 WHERE id = 1`,
		inv.TotalGrams.String(), inv.ReservedGrams.String(), inv.UpdatedAt,
	)
	return translate(err)
}

func (t *pgTx) LockWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, balance_grams::TEXT, created_at, updated_at
		 FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", walletID, translate(err))
	}
	return w, nil
}

func (t *pgTx) SaveWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance_grams = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		walletID, balance.String(), at,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, wallet_id, type, kind, delta_grams, balance_after_grams,
		        fiat_amount, reference, idempotency_key, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 RETURNING seq`,
		e.ID, e.WalletID, string(e.Type), string(e.Kind), e.DeltaGrams.String(), e.BalanceAfterGrams.String(),
		e.FiatAmount.String(), e.Reference, e.IdempotencyKey, e.Timestamp,
	).Scan(&e.Seq)
	return translate(err)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, side, user_id, wallet_id, quantity_grams, locked_price_per_gram,
		        fiat_amount, fee_amount, total_payable, soft_allocated_grams, price_snapshot_ref,
		        order_token, status, locked_at, expires_at, executed_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, string(o.Side), o.UserID, o.WalletID, o.QuantityGrams.String(), o.LockedPricePerGram.String(),
		o.FiatAmount.String(), o.FeeAmount.String(), o.TotalPayable.String(),
		o.SoftAllocatedGrams.String(), o.PriceSnapshotRef,
		o.OrderToken, string(o.Status), o.LockedAt, o.ExpiresAt, o.ExecutedAt, o.ClosedAt,
	)
	return translate(err)
}

func (t *pgTx) LockOrder(ctx context.Context, token string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_token = $1 FOR UPDATE`, token)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", token, translate(err))
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, executed_at = $3, closed_at = $4 WHERE order_token = $1`,
		o.OrderToken, string(o.Status), o.ExecutedAt, o.ClosedAt,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertOrderEvent(ctx context.Context, ev *model.OrderEvent) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_events (id, order_id, order_token, user_id, side, type,
		        price_per_gram, quantity_grams, description, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		ev.ID, ev.OrderID, ev.OrderToken, ev.UserID, string(ev.Side), ev.Type,
		ev.PricePerGram.String(), ev.QuantityGrams.String(), ev.Description, ev.Timestamp,
	)
	return translate(err)
}

func (t *pgTx) PendingGrams(ctx context.Context, userID string, side model.Side) (decimal.Decimal, error) {
	var sumS string
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity_grams), 0)::TEXT FROM orders
		 WHERE user_id = $1 AND side = $2 AND status = 'PENDING_LOCKED'`, userID, string(side)).Scan(&sumS)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sumS)
}

// --- Scanning helpers ---

const orderColumns = `id, side, user_id, wallet_id, quantity_grams::TEXT, locked_price_per_gram::TEXT,
	fiat_amount::TEXT, fee_amount::TEXT, total_payable::TEXT, soft_allocated_grams::TEXT,
	price_snapshot_ref, order_token, status, locked_at, expires_at, executed_at, closed_at`

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type decField struct {
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.text)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", f.text, err)
		}
		*f.dst = v
	}
	return nil
}

func scanWallet(row pgxRow) (*model.Wallet, error) {
	var w model.Wallet
	var balS string
	if err := row.Scan(&w.ID, &w.UserID, &balS, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(decField{balS, &w.BalanceGrams}); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanInventory(row pgxRow) (*model.Inventory, error) {
	var inv model.Inventory
	var totalS, reservedS string
	if err := row.Scan(&totalS, &reservedS, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(decField{totalS, &inv.TotalGrams}, decField{reservedS, &inv.ReservedGrams}); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var qtyS, priceS, fiatS, feeS, totalS, softS string
	if err := row.Scan(&o.ID, &o.Side, &o.UserID, &o.WalletID, &qtyS, &priceS,
		&fiatS, &feeS, &totalS, &softS,
		&o.PriceSnapshotRef, &o.OrderToken, &o.Status, &o.LockedAt, &o.ExpiresAt,
		&o.ExecutedAt, &o.ClosedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		decField{qtyS, &o.QuantityGrams}, decField{priceS, &o.LockedPricePerGram},
		decField{fiatS, &o.FiatAmount}, decField{feeS, &o.FeeAmount},
		decField{totalS, &o.TotalPayable}, decField{softS, &o.SoftAllocatedGrams},
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var deltaS, afterS, fiatS string

		if err := rows.Scan(&e.Seq, &e.ID, &e.WalletID, &e.Type, &e.Kind,
			&deltaS, &afterS, &fiatS, &e.Reference, &e.IdempotencyKey, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decField{deltaS, &e.DeltaGrams}, decField{afterS, &e.BalanceAfterGrams}, decField{fiatS, &e.FiatAmount},
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Error translation ---

// translate maps driver errors onto the store's sentinel errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.ConstraintName)
		}
	}
	return err
}

// isRetryable reports serialization failures, deadlocks and lock timeouts.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goldvault/gold-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store and invalidate the wallets
// they touched after commit; reads check Redis first then fall back to the
// primary.
//
// Every invalidation bumps a per-user generation. A read fills the cache
// only if the generation is unchanged since before it read the primary, so
// a balance read before a commit is never cached after it.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched map[string]struct{}
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		// A retried attempt starts from a clean set.
		ct := &cachedTx{Tx: tx, users: make(map[string]struct{})}
		touched = ct.users
		return fn(ct)
	})
	if err != nil {
		return err
	}
	for userID := range touched {
		s.invalidateWallet(ctx, userID)
	}
	return nil
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error) {
	gen, genOK := s.walletGeneration(ctx, w.UserID)
	created, err := s.Store.CreateWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.fillWallet(ctx, created, gen)
	}
	return created, nil
}

func (s *CachedStore) SavePriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	if err := s.Store.SavePriceSnapshot(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, latestSnapshotKey, p)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	// Cache miss: read from primary.
	gen, genOK := s.walletGeneration(ctx, userID)
	w, err := s.Store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if genOK {
		s.fillWallet(ctx, w, gen)
	}
	return w, nil
}

// LatestPriceSnapshot serves the newest snapshot from Redis when it is not
// newer than before; older lookups go to the primary.
func (s *CachedStore) LatestPriceSnapshot(ctx context.Context, before time.Time) (*model.PriceSnapshot, error) {
	data, err := s.rdb.Get(ctx, latestSnapshotKey).Bytes()
	if err == nil {
		var p model.PriceSnapshot
		if json.Unmarshal(data, &p) == nil && !p.Timestamp.After(before) {
			return &p, nil
		}
	}
	return s.Store.LatestPriceSnapshot(ctx, before)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// walletGeneration returns the current invalidation generation of userID.
// ok is false when Redis could not answer, in which case nothing is cached.
func (s *CachedStore) walletGeneration(ctx context.Context, userID string) (gen string, ok bool) {
	gen, err := s.rdb.Get(ctx, walletGenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

// fillWallet caches w unless the wallet was invalidated after gen was read.
func (s *CachedStore) fillWallet(ctx context.Context, w *model.Wallet, gen string) {
	data, err := json.Marshal(w)
	if err != nil {
		return
	}
	genKey := walletGenKey(w.UserID)
	// A failed or aborted fill only costs a later cache miss.
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, walletKey(w.UserID), data, s.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (s *CachedStore) invalidateWallet(ctx context.Context, userID string) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, walletGenKey(userID))
	pipe.Del(ctx, walletKey(userID))
	pipe.Exec(ctx)
}

// cachedTx records which users' wallets a transaction locked so their
// cache entries can be dropped after commit.
type cachedTx struct {
	Tx
	users map[string]struct{}
}

func (t *cachedTx) LockWallet(ctx context.Context, walletID string) (*model.Wallet, error) {
	w, err := t.Tx.LockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	t.users[w.UserID] = struct{}{}
	return w, nil
}

const latestSnapshotKey = "price:latest"

func walletKey(userID string) string { return fmt.Sprintf("wallet:user:%s", userID) }

func walletGenKey(userID string) string { return fmt.Sprintf("wallet:gen:%s", userID) }

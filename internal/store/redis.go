package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/convergence-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the two hot read paths: wallet lookups and the active signal
// feed. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) EnsureWallet(ctx context.Context, address string) error {
	return s.primary.EnsureWallet(ctx, address)
}

func (s *CachedStore) UpsertWalletQuality(ctx context.Context, q *model.WalletQuality) error {
	if err := s.primary.UpsertWalletQuality(ctx, q); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(q.Address))
	return nil
}

func (s *CachedStore) UpsertSignal(ctx context.Context, sig *model.Signal) error {
	if err := s.primary.UpsertSignal(ctx, sig); err != nil {
		return err
	}
	s.rdb.Del(ctx, activeSignalsKey)
	return nil
}

func (s *CachedStore) DeactivateSignals(ctx context.Context, keys []model.Key, reason string, at time.Time) (int, error) {
	n, err := s.primary.DeactivateSignals(ctx, keys, reason, at)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.rdb.Del(ctx, activeSignalsKey)
	}
	return n, nil
}

func (s *CachedStore) ExpireSignals(ctx context.Context, now time.Time) (int, error) {
	n, err := s.primary.ExpireSignals(ctx, now)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.rdb.Del(ctx, activeSignalsKey)
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWalletQuality(ctx context.Context, address string) (*model.WalletQuality, error) {
	data, err := s.rdb.Get(ctx, walletKey(address)).Bytes()
	if err == nil {
		var q model.WalletQuality
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := s.primary.GetWalletQuality(ctx, address)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, walletKey(address), data, s.ttl)
	}
	return q, nil
}

// ListSignals serves active-only queries from a cached copy of the full
// active set; every other query goes to the primary.
func (s *CachedStore) ListSignals(ctx context.Context, f model.SignalFilter) ([]model.Signal, error) {
	if !f.ActiveOnly || f.CreatedAfter != nil {
		return s.primary.ListSignals(ctx, f)
	}

	data, err := s.rdb.Get(ctx, activeSignalsKey).Bytes()
	if err == nil {
		var active []model.Signal
		if json.Unmarshal(data, &active) == nil {
			return filterSignals(active, f), nil
		}
	}

	active, err := s.primary.ListSignals(ctx, model.SignalFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(active); err == nil {
		s.rdb.Set(ctx, activeSignalsKey, data, s.ttl)
	}
	return filterSignals(active, f), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListWallets(ctx context.Context) ([]model.WalletQuality, error) {
	return s.primary.ListWallets(ctx)
}

func (s *CachedStore) ListTracked(ctx context.Context) ([]model.WalletQuality, error) {
	return s.primary.ListTracked(ctx)
}

func (s *CachedStore) UpsertPositions(ctx context.Context, positions []model.Position) error {
	return s.primary.UpsertPositions(ctx, positions)
}

func (s *CachedStore) DeletePosition(ctx context.Context, wallet, coin string) error {
	return s.primary.DeletePosition(ctx, wallet, coin)
}

func (s *CachedStore) DeleteStalePositions(ctx context.Context, before time.Time) (int, error) {
	return s.primary.DeleteStalePositions(ctx, before)
}

func (s *CachedStore) ListWalletPositions(ctx context.Context, wallet string) ([]model.Position, error) {
	return s.primary.ListWalletPositions(ctx, wallet)
}

func (s *CachedStore) GetTrackedWalletPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.GetTrackedWalletPositions(ctx)
}

func (s *CachedStore) GetActiveSignal(ctx context.Context, key model.Key) (*model.Signal, error) {
	return s.primary.GetActiveSignal(ctx, key)
}

func (s *CachedStore) DeleteSignals(ctx context.Context, inactiveBefore time.Time) (int, error) {
	return s.primary.DeleteSignals(ctx, inactiveBefore)
}

// --- Cache helpers ---

const activeSignalsKey = "signals:active"

func walletKey(address string) string { return fmt.Sprintf("wallet:%s", address) }

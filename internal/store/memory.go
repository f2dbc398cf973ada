package store

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/convergence-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]model.WalletQuality
	positions map[positionKey]model.Position
	signals   map[string]model.Signal
}

type positionKey struct {
	wallet string
	coin   string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]model.WalletQuality),
		positions: make(map[positionKey]model.Position),
		signals:   make(map[string]model.Signal),
	}
}

func (s *MemoryStore) EnsureWallet(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[address]; ok {
		return nil
	}
	s.wallets[address] = model.WalletQuality{Address: address, Tier: model.TierUnqualified}
	return nil
}

func (s *MemoryStore) UpsertWalletQuality(_ context.Context, q *model.WalletQuality) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *q
	if q.AnalyzedAt != nil {
		at := *q.AnalyzedAt
		copy.AnalyzedAt = &at
	}
	s.wallets[q.Address] = copy
	return nil
}

func (s *MemoryStore) GetWalletQuality(_ context.Context, address string) (*model.WalletQuality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.wallets[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (s *MemoryStore) ListWallets(_ context.Context) ([]model.WalletQuality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.WalletQuality, 0, len(s.wallets))
	for _, q := range s.wallets {
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) ListTracked(_ context.Context) ([]model.WalletQuality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WalletQuality
	for _, q := range s.wallets {
		if q.IsTracked {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertPositions(_ context.Context, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range positions {
		k := positionKey{wallet: p.Wallet, coin: p.Coin}
		if p.Size.IsZero() {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, wallet, coin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, positionKey{wallet: wallet, coin: coin})
	return nil
}

func (s *MemoryStore) DeleteStalePositions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, p := range s.positions {
		if p.UpdatedAt.Before(before) {
			delete(s.positions, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListWalletPositions(_ context.Context, wallet string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.wallet == wallet {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTrackedWalletPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if q, ok := s.wallets[k.wallet]; ok && q.IsTracked {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpsertSignal mirrors the Postgres conflict rule: an active signal replaces
// the active row for its key, keeping that row's ID and CreatedAt.
func (s *MemoryStore) UpsertSignal(_ context.Context, sig *model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.IsActive {
		for id, cur := range s.signals {
			if id != sig.ID && cur.IsActive && cur.Key() == sig.Key() {
				sig.ID, sig.CreatedAt = cur.ID, cur.CreatedAt
				break
			}
		}
	}
	s.signals[sig.ID] = *sig
	return nil
}

func (s *MemoryStore) GetActiveSignal(_ context.Context, key model.Key) (*model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sig := range s.signals {
		if sig.IsActive && sig.Key() == key {
			return &sig, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListSignals(_ context.Context, f model.SignalFilter) ([]model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		all = append(all, sig)
	}
	return filterSignals(all, f), nil
}

func (s *MemoryStore) DeactivateSignals(_ context.Context, keys []model.Key, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[model.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	n := 0
	for id, sig := range s.signals {
		if sig.IsActive && want[sig.Key()] {
			s.signals[id] = deactivate(sig, reason, at)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ExpireSignals(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sig := range s.signals {
		if sig.IsActive && sig.ExpiresAt.Before(now) {
			s.signals[id] = deactivate(sig, model.ReasonExpired, now)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteSignals(_ context.Context, inactiveBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sig := range s.signals {
		if !sig.IsActive && sig.CreatedAt.Before(inactiveBefore) {
			delete(s.signals, id)
			n++
		}
	}
	return n, nil
}

func deactivate(sig model.Signal, reason string, at time.Time) model.Signal {
	sig.IsActive = false
	sig.InvalidReason = reason
	sig.UpdatedAt = at
	sig.InvalidatedAt = &at
	return sig
}

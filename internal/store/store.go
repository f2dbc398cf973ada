// Package store defines the persistence interface for the convergence engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every write is an idempotent upsert or delete keyed by a natural key, so
// concurrent writers reconcile as last-writer-wins and retries are safe.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/atmx/convergence-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wallet quality ---

	// EnsureWallet records a newly seen wallet as unqualified and untracked.
	// Existing rows are left untouched.
	EnsureWallet(ctx context.Context, address string) error

	// UpsertWalletQuality writes a wallet's classification keyed by address.
	UpsertWalletQuality(ctx context.Context, q *model.WalletQuality) error

	// GetWalletQuality returns one wallet or ErrNotFound.
	GetWalletQuality(ctx context.Context, address string) (*model.WalletQuality, error)

	// ListWallets returns every known wallet.
	ListWallets(ctx context.Context) ([]model.WalletQuality, error)

	// ListTracked returns wallets with is_tracked set.
	ListTracked(ctx context.Context) ([]model.WalletQuality, error)

	// --- Position snapshots ---

	// UpsertPositions writes snapshots keyed by (wallet, coin).
	UpsertPositions(ctx context.Context, positions []model.Position) error

	// DeletePosition removes a closed position.
	DeletePosition(ctx context.Context, wallet, coin string) error

	// DeleteStalePositions removes snapshots not refreshed since before.
	DeleteStalePositions(ctx context.Context, before time.Time) (int, error)

	// ListWalletPositions returns the open positions of one wallet.
	ListWalletPositions(ctx context.Context, wallet string) ([]model.Position, error)

	// GetTrackedWalletPositions returns open positions of tracked wallets.
	GetTrackedWalletPositions(ctx context.Context) ([]model.Position, error)

	// --- Signals ---

	// UpsertSignal inserts or overwrites a signal row by ID.
	UpsertSignal(ctx context.Context, s *model.Signal) error

	// GetActiveSignal returns the active signal for a key or ErrNotFound.
	GetActiveSignal(ctx context.Context, key model.Key) (*model.Signal, error)

	// ListSignals returns signals matching the filter, highest confidence
	// first, then newest first.
	ListSignals(ctx context.Context, f model.SignalFilter) ([]model.Signal, error)

	// DeactivateSignals marks the active rows for the given keys inactive.
	DeactivateSignals(ctx context.Context, keys []model.Key, reason string, at time.Time) (int, error)

	// ExpireSignals marks every active row with expires_at < now inactive.
	ExpireSignals(ctx context.Context, now time.Time) (int, error)

	// DeleteSignals removes inactive rows created before the cut-off.
	DeleteSignals(ctx context.Context, inactiveBefore time.Time) (int, error)
}

// filterSignals applies f to an in-memory slice and sorts the result.
func filterSignals(all []model.Signal, f model.SignalFilter) []model.Signal {
	out := make([]model.Signal, 0, len(all))
	for _, s := range all {
		if f.ActiveOnly && !s.IsActive {
			continue
		}
		if f.Coin != "" && s.Coin != f.Coin {
			continue
		}
		if s.Confidence < f.MinConfidence {
			continue
		}
		if f.CreatedAfter != nil && s.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		out = append(out, s)
	}
	sortSignals(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortSignals(signals []model.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Confidence != signals[j].Confidence {
			return signals[i].Confidence > signals[j].Confidence
		}
		return signals[i].CreatedAt.After(signals[j].CreatedAt)
	})
}

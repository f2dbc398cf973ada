// Package lifecycle persists synthesized signals and retires them.
//
// A signal dies from one of two independent causes: its (coin, direction)
// group stops qualifying (Reconcile), or its expiry time passes
// (SweepExpired). Neither path consults the other.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

// DefaultExpiry is how long a signal stays active without being refreshed.
const DefaultExpiry = 4 * time.Hour

const writeAttempts = 3

// Result reports what one Reconcile call changed.
type Result struct {
	Created     []model.Signal
	Updated     []model.Signal
	Invalidated []model.Key
	Failed      int
}

// Manager owns every write to the signal table.
type Manager struct {
	store  store.Store
	expiry time.Duration

	// retryDelay is the pause before re-attempting a failed write.
	retryDelay time.Duration
}

// NewManager creates a lifecycle manager. expiry <= 0 uses DefaultExpiry.
func NewManager(st store.Store, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Manager{store: st, expiry: expiry, retryDelay: 200 * time.Millisecond}
}

// Expiry returns the configured time-to-live.
func (m *Manager) Expiry() time.Duration { return m.expiry }

// Reconcile makes the active signal set match newSignals. Active keys absent
// from newSignals are deactivated; present keys are updated in place when an
// active row exists and inserted otherwise. Calling it twice with the same
// input leaves the same active set.
func (m *Manager) Reconcile(ctx context.Context, newSignals []model.Signal, now time.Time) (Result, error) {
	return m.ReconcileExcept(ctx, newSignals, nil, now)
}

// ReconcileExcept is Reconcile with the active signals of the held coins left
// untouched: they are neither invalidated nor refreshed. Used for coins that
// could not be evaluated this cycle.
func (m *Manager) ReconcileExcept(ctx context.Context, newSignals []model.Signal, held map[string]bool, now time.Time) (Result, error) {
	var res Result

	active, err := m.store.ListSignals(ctx, model.SignalFilter{ActiveOnly: true})
	if err != nil {
		return res, fmt.Errorf("list active signals: %w", err)
	}

	incoming := make(map[model.Key]bool, len(newSignals))
	for i := range newSignals {
		incoming[newSignals[i].Key()] = true
	}

	var stale []model.Key
	seen := make(map[model.Key]bool)
	for i := range active {
		k := active[i].Key()
		if held[k.Coin] {
			continue
		}
		if !incoming[k] && !seen[k] {
			stale = append(stale, k)
			seen[k] = true
		}
	}

	if len(stale) > 0 {
		err := m.retry(ctx, func() error {
			_, err := m.store.DeactivateSignals(ctx, stale, model.ReasonNoLongerQualifies, now)
			return err
		})
		if err != nil {
			slog.Error("deactivate signals failed", "keys", len(stale), "err", err)
			res.Failed += len(stale)
		} else {
			res.Invalidated = stale
		}
	}

	for i := range newSignals {
		sig := newSignals[i]
		created, err := m.upsert(ctx, &sig, now)
		if err != nil {
			slog.Error("upsert signal failed", "coin", sig.Coin, "direction", sig.Direction, "err", err)
			res.Failed++
			continue
		}
		if created {
			res.Created = append(res.Created, sig)
		} else {
			res.Updated = append(res.Updated, sig)
		}
	}

	return res, nil
}

// upsert writes sig, reusing the identity of the active row for its key.
// It reports whether a new row was inserted.
func (m *Manager) upsert(ctx context.Context, sig *model.Signal, now time.Time) (bool, error) {
	existing, err := m.store.GetActiveSignal(ctx, sig.Key())
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		sig.ID = uuid.New().String()
		sig.CreatedAt = now
		created = true
	case err != nil:
		return false, err
	default:
		sig.ID = existing.ID
		sig.CreatedAt = existing.CreatedAt
	}

	sig.IsActive = true
	sig.InvalidReason = ""
	sig.InvalidatedAt = nil
	sig.UpdatedAt = now
	sig.ExpiresAt = now.Add(m.expiry)

	if err := m.retry(ctx, func() error { return m.store.UpsertSignal(ctx, sig) }); err != nil {
		return false, err
	}
	return created, nil
}

// SweepExpired deactivates every active signal whose expiry has passed,
// whether or not its group still qualifies.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := m.retry(ctx, func() error {
		var err error
		n, err = m.store.ExpireSignals(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire signals: %w", err)
	}
	if n > 0 {
		slog.Info("signals expired", "count", n)
	}
	return n, nil
}

// Prune deletes inactive signals created before the cut-off.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := m.store.DeleteSignals(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune signals: %w", err)
	}
	if n > 0 {
		slog.Info("signals pruned", "count", n, "before", before)
	}
	return n, nil
}

func (m *Manager) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == writeAttempts {
			break
		}
		slog.Warn("signal write failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
	return err
}

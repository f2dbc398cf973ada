// Package collector keeps the position snapshots and wallet qualities in the
// store current with the exchange.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/convergence-engine/internal/batch"
	"github.com/atmx/convergence-engine/internal/buffer"
	"github.com/atmx/convergence-engine/internal/metrics"
	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

// DefaultPositionTTL is how long a snapshot survives without a refresh.
const DefaultPositionTTL = 30 * time.Minute

// PositionSource supplies a wallet's open positions.
type PositionSource interface {
	Positions(ctx context.Context, wallet string) ([]model.Position, error)
}

// PositionResult reports one refresh.
type PositionResult struct {
	Wallets   int
	Failed    int
	Positions int
	Closed    int
	Stale     int
}

// PositionCollector refreshes snapshots for every tracked wallet.
type PositionCollector struct {
	source PositionSource
	store  store.Store
	batch  batch.Options
	ttl    time.Duration
	buf    *buffer.Buffer[model.Position]
	now    func() time.Time

	// flushMu serializes writes so a size-triggered flush and the final
	// drain never interleave.
	flushMu sync.Mutex
}

// NewPositionCollector creates a collector. ttl <= 0 uses DefaultPositionTTL.
func NewPositionCollector(src PositionSource, st store.Store, opts batch.Options, ttl time.Duration) *PositionCollector {
	if ttl <= 0 {
		ttl = DefaultPositionTTL
	}
	return &PositionCollector{
		source: src,
		store:  st,
		batch:  opts,
		ttl:    ttl,
		buf:    buffer.New[model.Position](buffer.Policy{MaxSize: 200, MaxAge: 5 * time.Second}),
		now:    time.Now,
	}
}

// Refresh fetches positions for all tracked wallets, writes them through the
// buffer, removes closed coins, and prunes snapshots older than the TTL.
// A wallet that fails to fetch keeps its old rows until they go stale.
func (c *PositionCollector) Refresh(ctx context.Context) (PositionResult, error) {
	var res PositionResult

	tracked, err := c.store.ListTracked(ctx)
	if err != nil {
		return res, fmt.Errorf("list tracked wallets: %w", err)
	}
	addrs := make([]string, len(tracked))
	for i, w := range tracked {
		addrs[i] = w.Address
	}
	res.Wallets = len(addrs)

	var positions, closed atomic.Int64
	failed, err := batch.Run(ctx, addrs, c.batch, func(ctx context.Context, wallet string) error {
		n, gone, err := c.refreshWallet(ctx, wallet)
		if err != nil {
			slog.Warn("position refresh failed", "wallet", wallet, "err", err)
			return err
		}
		positions.Add(int64(n))
		closed.Add(int64(gone))
		return nil
	})
	res.Failed = failed
	res.Positions = int(positions.Load())
	res.Closed = int(closed.Load())

	if ferr := c.flush(ctx, c.buf.Drain(), "drain"); ferr != nil {
		return res, ferr
	}
	if err != nil {
		return res, err
	}

	stale, err := c.store.DeleteStalePositions(ctx, c.now().UTC().Add(-c.ttl))
	if err != nil {
		return res, fmt.Errorf("delete stale positions: %w", err)
	}
	res.Stale = stale

	slog.Info("positions refreshed",
		"wallets", res.Wallets,
		"failed", res.Failed,
		"positions", res.Positions,
		"closed", res.Closed,
		"stale", res.Stale,
	)
	return res, nil
}

func (c *PositionCollector) refreshWallet(ctx context.Context, wallet string) (int, int, error) {
	fresh, err := c.source.Positions(ctx, wallet)
	if err != nil {
		return 0, 0, err
	}
	now := c.now().UTC()

	open := make(map[string]bool, len(fresh))
	for i := range fresh {
		p := fresh[i]
		if p.Size.IsZero() {
			continue
		}
		p.Wallet = wallet
		p.UpdatedAt = now
		open[p.Coin] = true
		if out := c.buf.Add(p, now); out != nil {
			if err := c.flush(ctx, out, "size_or_age"); err != nil {
				return 0, 0, err
			}
		}
	}

	stored, err := c.store.ListWalletPositions(ctx, wallet)
	if err != nil {
		return len(open), 0, fmt.Errorf("list stored positions: %w", err)
	}
	gone := 0
	for _, p := range stored {
		if open[p.Coin] {
			continue
		}
		if err := c.store.DeletePosition(ctx, wallet, p.Coin); err != nil {
			return len(open), gone, fmt.Errorf("delete closed %s: %w", p.Coin, err)
		}
		gone++
	}
	return len(open), gone, nil
}

func (c *PositionCollector) flush(ctx context.Context, items []model.Position, trigger string) error {
	if len(items) == 0 {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if err := c.store.UpsertPositions(ctx, items); err != nil {
		return fmt.Errorf("upsert %d positions: %w", len(items), err)
	}
	metrics.BufferFlushes.WithLabelValues(trigger).Inc()
	return nil
}

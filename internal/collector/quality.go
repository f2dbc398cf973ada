package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/atmx/convergence-engine/internal/batch"
	"github.com/atmx/convergence-engine/internal/metrics"
	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/quality"
	"github.com/atmx/convergence-engine/internal/store"
)

// QualityResult reports one quality refresh.
type QualityResult struct {
	Wallets      int
	Analyzed     int
	Insufficient int
	Failed       int
	Tracked      map[model.Tier]int
}

// QualityCollector re-classifies every known wallet.
type QualityCollector struct {
	analyzer *quality.Analyzer
	store    store.Store
	batch    batch.Options
}

// NewQualityCollector creates a quality collector.
func NewQualityCollector(a *quality.Analyzer, st store.Store, opts batch.Options) *QualityCollector {
	return &QualityCollector{analyzer: a, store: st, batch: opts}
}

// Refresh analyzes every wallet in the store. Wallets with too little
// history keep their previous classification.
func (c *QualityCollector) Refresh(ctx context.Context) (QualityResult, error) {
	var res QualityResult

	wallets, err := c.store.ListWallets(ctx)
	if err != nil {
		return res, fmt.Errorf("list wallets: %w", err)
	}
	addrs := make([]string, len(wallets))
	for i, w := range wallets {
		addrs[i] = w.Address
	}
	res.Wallets = len(addrs)

	var analyzed, insufficient atomic.Int64
	failed, err := batch.Run(ctx, addrs, c.batch, func(ctx context.Context, addr string) error {
		_, err := c.analyzer.Analyze(ctx, addr)
		switch {
		case errors.Is(err, quality.ErrInsufficientData):
			insufficient.Add(1)
			return nil
		case err != nil:
			slog.Warn("wallet analysis failed", "wallet", addr, "err", err)
			return err
		}
		analyzed.Add(1)
		return nil
	})
	res.Failed = failed
	res.Analyzed = int(analyzed.Load())
	res.Insufficient = int(insufficient.Load())
	if err != nil {
		return res, err
	}

	tracked, err := c.store.ListTracked(ctx)
	if err != nil {
		return res, fmt.Errorf("list tracked wallets: %w", err)
	}
	res.Tracked = map[model.Tier]int{model.TierElite: 0, model.TierGood: 0}
	for _, w := range tracked {
		res.Tracked[w.Tier]++
	}
	for tier, n := range res.Tracked {
		metrics.TrackedWallets.WithLabelValues(string(tier)).Set(float64(n))
	}

	slog.Info("wallet qualities refreshed",
		"wallets", res.Wallets,
		"analyzed", res.Analyzed,
		"insufficient", res.Insufficient,
		"failed", res.Failed,
		"elite", res.Tracked[model.TierElite],
		"good", res.Tracked[model.TierGood],
	)
	return res, nil
}

// Discover records addresses not seen before as unqualified wallets and
// returns how many were new.
func (c *QualityCollector) Discover(ctx context.Context, addresses []string) (int, error) {
	added := 0
	for _, raw := range addresses {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if addr == "" {
			continue
		}
		_, err := c.store.GetWalletQuality(ctx, addr)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return added, fmt.Errorf("lookup wallet %s: %w", addr, err)
		}
		if err := c.store.EnsureWallet(ctx, addr); err != nil {
			return added, fmt.Errorf("ensure wallet %s: %w", addr, err)
		}
		added++
	}
	if added > 0 {
		slog.Info("wallets discovered", "count", added)
	}
	return added, nil
}

package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

// CandleSource supplies historical candles.
type CandleSource interface {
	Candles(ctx context.Context, coin, interval string, start, end time.Time) ([]model.Candle, error)
}

// Harness replays persisted signal history.
type Harness struct {
	store   store.Store
	candles CandleSource
	horizon time.Duration
	workers int
	now     func() time.Time
}

// NewHarness creates a backtest harness. horizon <= 0 uses DefaultHorizon.
func NewHarness(st store.Store, candles CandleSource, horizon time.Duration) *Harness {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Harness{store: st, candles: candles, horizon: horizon, workers: 4, now: time.Now}
}

// Run replays the most recent maxSignals signals created in the last
// lookbackDays. Signals whose candles cannot be fetched are skipped.
func (h *Harness) Run(ctx context.Context, lookbackDays, maxSignals int) (Summary, error) {
	return h.RunAt(ctx, h.now(), lookbackDays, maxSignals)
}

// RunAt is Run with an explicit current time.
func (h *Harness) RunAt(ctx context.Context, now time.Time, lookbackDays, maxSignals int) (Summary, error) {
	now = now.UTC()
	since := now.AddDate(0, 0, -lookbackDays)

	signals, err := h.store.ListSignals(ctx, model.SignalFilter{CreatedAfter: &since})
	if err != nil {
		return Summary{}, fmt.Errorf("load signals: %w", err)
	}
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].CreatedAt.After(signals[j].CreatedAt)
	})
	if maxSignals > 0 && len(signals) > maxSignals {
		signals = signals[:maxSignals]
	}

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for i := range signals {
		sig := signals[i]
		g.Go(func() error {
			end := sig.CreatedAt.Add(h.horizon)
			if end.After(now) {
				end = now
			}
			candles, err := h.candles.Candles(gctx, sig.Coin, "1h", sig.CreatedAt, end)
			if err != nil {
				slog.Warn("backtest candles unavailable", "coin", sig.Coin, "signal", sig.ID, "err", err)
				return nil
			}
			o := Replay(&sig, candles, h.horizon)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := Summarize(outcomes)
	slog.Info("backtest complete",
		"signals", sum.Signals,
		"closed", sum.Closed,
		"win_rate", sum.WinRate,
		"total_pnl_pct", sum.TotalPnlPct,
		"max_drawdown_pct", sum.MaxDrawdown,
	)
	return sum, nil
}

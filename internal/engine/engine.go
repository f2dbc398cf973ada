// Package engine runs the convergence pipeline: read tracked positions,
// aggregate them per coin, synthesize signals at current prices and reconcile
// the active signal set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/backtest"
	"github.com/atmx/convergence-engine/internal/batch"
	"github.com/atmx/convergence-engine/internal/convergence"
	"github.com/atmx/convergence-engine/internal/lifecycle"
	"github.com/atmx/convergence-engine/internal/metrics"
	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
	"github.com/atmx/convergence-engine/internal/synth"
)

// Backtest request bounds.
const (
	DefaultLookbackDays = 30
	DefaultMaxSignals   = 100
	MaxLookbackDays     = 365
	MaxSignalsLimit     = 1000
)

// ErrInvalidArgument is returned for out-of-range request parameters.
var ErrInvalidArgument = errors.New("engine: invalid argument")

// PriceSource supplies current prices.
type PriceSource interface {
	Price(ctx context.Context, coin string) (decimal.Decimal, error)
}

// CycleResult summarizes one synthesis cycle.
type CycleResult struct {
	SignalsCreated     int `json:"signals_created"`
	SignalsUpdated     int `json:"signals_updated"`
	SignalsInvalidated int `json:"signals_invalidated"`
	CoinsSkipped       int `json:"coins_skipped"`
}

// Options configures an Engine.
type Options struct {
	Synth           synth.Config
	Expiry          time.Duration
	Batch           batch.Options
	BacktestHorizon time.Duration
}

// Engine wires the pipeline stages together.
type Engine struct {
	store     store.Store
	prices    PriceSource
	synth     *synth.Synthesizer
	lifecycle *lifecycle.Manager
	harness   *backtest.Harness
	batch     batch.Options
	publisher Publisher
	now       func() time.Time

	// cycleMu keeps synthesis cycles from overlapping.
	cycleMu sync.Mutex
}

// New creates an engine.
func New(st store.Store, prices PriceSource, candles backtest.CandleSource, opts Options) *Engine {
	return &Engine{
		store:     st,
		prices:    prices,
		synth:     synth.New(opts.Synth),
		lifecycle: lifecycle.NewManager(st, opts.Expiry),
		harness:   backtest.NewHarness(st, candles, opts.BacktestHorizon),
		batch:     opts.Batch,
		publisher: nopPublisher{},
		now:       time.Now,
	}
}

// SetPublisher routes lifecycle events to p. Pass nil to disable.
func (e *Engine) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	e.publisher = p
}

// RunSynthesisCycle produces the current signal set and reconciles it with
// the store. Coins whose price cannot be fetched are skipped for this cycle
// only; their active signals are left alone rather than invalidated.
func (e *Engine) RunSynthesisCycle(ctx context.Context) (CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var res CycleResult
	now := e.now().UTC()

	positions, err := e.store.GetTrackedWalletPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("load tracked positions: %w", err)
	}
	tracked, err := e.store.ListTracked(ctx)
	if err != nil {
		return res, fmt.Errorf("load tracked wallets: %w", err)
	}

	candidates := convergence.Aggregate(positions, convergence.QualityIndex(tracked))

	var eligible []model.SignalCandidate
	for i := range candidates {
		if e.synth.Eligible(&candidates[i]) {
			eligible = append(eligible, candidates[i])
		}
	}

	prices := e.fetchPrices(ctx, eligible)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var (
		signals []model.Signal
		skipped = make(map[string]bool)
	)
	for i := range eligible {
		c := &eligible[i]
		px, ok := prices[c.Coin]
		if !ok {
			skipped[c.Coin] = true
			continue
		}
		if sig, ok := e.synth.Synthesize(c, px); ok {
			signals = append(signals, *sig)
		}
	}
	res.CoinsSkipped = len(skipped)
	metrics.CoinsSkipped.Add(float64(res.CoinsSkipped))

	// A skipped coin keeps its active signals: they were not re-evaluated.
	rec, err := e.lifecycle.ReconcileExcept(ctx, signals, skipped, now)
	if err != nil {
		return res, fmt.Errorf("reconcile signals: %w", err)
	}

	res.SignalsCreated = len(rec.Created)
	res.SignalsUpdated = len(rec.Updated)
	res.SignalsInvalidated = len(rec.Invalidated)
	e.publishCycle(rec, now)

	metrics.SignalEvents.WithLabelValues("created").Add(float64(res.SignalsCreated))
	metrics.SignalEvents.WithLabelValues("updated").Add(float64(res.SignalsUpdated))
	metrics.SignalEvents.WithLabelValues("invalidated").Add(float64(res.SignalsInvalidated))
	e.refreshActiveGauge(ctx)

	slog.Info("synthesis cycle complete",
		"positions", len(positions),
		"candidates", len(candidates),
		"eligible", len(eligible),
		"created", res.SignalsCreated,
		"updated", res.SignalsUpdated,
		"invalidated", res.SignalsInvalidated,
		"coins_skipped", res.CoinsSkipped,
		"write_failures", rec.Failed,
	)
	return res, nil
}

func (e *Engine) fetchPrices(ctx context.Context, candidates []model.SignalCandidate) map[string]decimal.Decimal {
	seen := make(map[string]bool)
	var coins []string
	for _, c := range candidates {
		if !seen[c.Coin] {
			seen[c.Coin] = true
			coins = append(coins, c.Coin)
		}
	}

	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(coins))
	batch.Run(ctx, coins, e.batch, func(ctx context.Context, coin string) error {
		px, err := e.prices.Price(ctx, coin)
		if err == nil && !px.IsPositive() {
			err = fmt.Errorf("non-positive price %s", px)
		}
		if err != nil {
			slog.Warn("price unavailable, skipping coin", "coin", coin, "err", err)
			return err
		}
		mu.Lock()
		prices[coin] = px
		mu.Unlock()
		return nil
	})
	return prices
}

// SweepExpired deactivates signals past their expiry.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	n, err := e.lifecycle.SweepExpired(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SignalEvents.WithLabelValues("expired").Add(float64(n))
		e.publisher.Publish(Event{Type: EventSignalsExpired, Count: n, At: e.now().UTC()})
		e.refreshActiveGauge(ctx)
	}
	return n, nil
}

// Prune deletes inactive signals older than retention.
func (e *Engine) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return e.lifecycle.Prune(ctx, e.now().UTC().Add(-retention))
}

// GetActiveSignals returns active signals with at least minConfidence,
// highest confidence first.
func (e *Engine) GetActiveSignals(ctx context.Context, minConfidence int) ([]model.Signal, error) {
	if minConfidence < 0 || minConfidence > 100 {
		return nil, fmt.Errorf("%w: min_confidence must be in [0, 100]", ErrInvalidArgument)
	}
	return e.store.ListSignals(ctx, model.SignalFilter{ActiveOnly: true, MinConfidence: minConfidence})
}

// GetCoinSignals returns the active signals for one coin.
func (e *Engine) GetCoinSignals(ctx context.Context, coin string) ([]model.Signal, error) {
	if coin == "" {
		return nil, fmt.Errorf("%w: coin is required", ErrInvalidArgument)
	}
	return e.store.ListSignals(ctx, model.SignalFilter{ActiveOnly: true, Coin: coin})
}

// RunBacktest replays recent signal history. Zero arguments use defaults.
func (e *Engine) RunBacktest(ctx context.Context, lookbackDays, maxSignals int) (backtest.Summary, error) {
	if lookbackDays == 0 {
		lookbackDays = DefaultLookbackDays
	}
	if maxSignals == 0 {
		maxSignals = DefaultMaxSignals
	}
	if lookbackDays < 0 || lookbackDays > MaxLookbackDays {
		return backtest.Summary{}, fmt.Errorf("%w: lookback_days must be in [1, %d]", ErrInvalidArgument, MaxLookbackDays)
	}
	if maxSignals < 0 || maxSignals > MaxSignalsLimit {
		return backtest.Summary{}, fmt.Errorf("%w: max_signals must be in [1, %d]", ErrInvalidArgument, MaxSignalsLimit)
	}
	return e.harness.RunAt(ctx, e.now(), lookbackDays, maxSignals)
}

func (e *Engine) refreshActiveGauge(ctx context.Context) {
	active, err := e.store.ListSignals(ctx, model.SignalFilter{ActiveOnly: true})
	if err != nil {
		return
	}
	metrics.ActiveSignals.Set(float64(len(active)))
}

func (e *Engine) publishCycle(rec lifecycle.Result, at time.Time) {
	for i := range rec.Created {
		s := rec.Created[i]
		e.publisher.Publish(Event{Type: EventSignalCreated, Signal: &s, At: at})
	}
	for i := range rec.Updated {
		s := rec.Updated[i]
		e.publisher.Publish(Event{Type: EventSignalUpdated, Signal: &s, At: at})
	}
	keys := append([]model.Key(nil), rec.Invalidated...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		e.publisher.Publish(Event{
			Type:      EventSignalInvalidated,
			Coin:      k.Coin,
			Direction: k.Direction,
			Reason:    model.ReasonNoLongerQualifies,
			At:        at,
		})
	}
}

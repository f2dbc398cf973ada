package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var created = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func longSignal() *model.Signal {
	return &model.Signal{
		ID:             "s1",
		Coin:           "BTC",
		Direction:      model.Long,
		SuggestedEntry: d(100),
		StopLoss:       d(97),
		TakeProfit1:    d(103),
		TakeProfit2:    d(106),
		TakeProfit3:    d(109),
		CreatedAt:      created,
	}
}

func shortSignal() *model.Signal {
	return &model.Signal{
		ID:             "s2",
		Coin:           "ETH",
		Direction:      model.Short,
		SuggestedEntry: d(100),
		StopLoss:       d(103),
		TakeProfit1:    d(97),
		TakeProfit2:    d(94),
		TakeProfit3:    d(91),
		CreatedAt:      created,
	}
}

func candle(hour int, low, high, close float64) model.Candle {
	return model.Candle{
		OpenTime: created.Add(time.Duration(hour) * time.Hour),
		Open:     d(100),
		High:     d(high),
		Low:      d(low),
		Close:    d(close),
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Replay ---

func TestReplay_StopCheckedFirst(t *testing.T) {
	// One candle touches both the stop and tp3.
	o := Replay(longSignal(), []model.Candle{candle(0, 96, 110, 100)}, 0)
	if o.Status != StatusStopped || !o.Exit.Equal(d(97)) {
		t.Errorf("expected stop at 97, got %s at %s", o.Status, o.Exit)
	}
	if !approx(o.PnlPct, -3) {
		t.Errorf("pnl = %f, want -3", o.PnlPct)
	}
}

func TestReplay_HighestTargetWins(t *testing.T) {
	o := Replay(longSignal(), []model.Candle{
		candle(0, 99, 101, 100),
		candle(1, 100, 107, 106),
	}, 0)
	if o.Status != StatusTarget || o.TargetHit != 2 {
		t.Fatalf("expected tp2, got %s/%d", o.Status, o.TargetHit)
	}
	if !approx(o.PnlPct, 6) || o.Bars != 2 {
		t.Errorf("pnl=%f bars=%d", o.PnlPct, o.Bars)
	}
}

func TestReplay_ShortMirror(t *testing.T) {
	o := Replay(shortSignal(), []model.Candle{candle(0, 90, 101, 92)}, 0)
	if o.Status != StatusTarget || o.TargetHit != 3 {
		t.Fatalf("expected tp3, got %s/%d", o.Status, o.TargetHit)
	}
	if !approx(o.PnlPct, 9) {
		t.Errorf("pnl = %f, want 9", o.PnlPct)
	}

	o = Replay(shortSignal(), []model.Candle{candle(0, 99, 103, 102)}, 0)
	if o.Status != StatusStopped || !approx(o.PnlPct, -3) {
		t.Errorf("expected short stop at -3%%, got %s %f", o.Status, o.PnlPct)
	}
}

func TestReplay_ExpiresAtHorizon(t *testing.T) {
	var candles []model.Candle
	for h := 0; h < 10; h++ {
		candles = append(candles, candle(h, 99, 101, 101))
	}
	o := Replay(longSignal(), candles, 5*time.Hour)
	if o.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", o.Status)
	}
	if o.Bars != 5 || !o.Exit.Equal(d(101)) || !approx(o.PnlPct, 1) {
		t.Errorf("bars=%d exit=%s pnl=%f", o.Bars, o.Exit, o.PnlPct)
	}
}

func TestReplay_OpenBeforeHorizon(t *testing.T) {
	o := Replay(longSignal(), []model.Candle{candle(0, 99, 101, 100.5)}, 0)
	if o.Status != StatusOpen || o.Closed() {
		t.Errorf("expected open, got %s", o.Status)
	}
}

func TestReplay_SkipsCandlesBeforeCreation(t *testing.T) {
	o := Replay(longSignal(), []model.Candle{
		candle(-2, 50, 150, 100), // would stop out, but precedes the signal
		candle(0, 99, 104, 103),
	}, 0)
	if o.Status != StatusTarget || o.TargetHit != 1 {
		t.Errorf("expected tp1, got %s/%d", o.Status, o.TargetHit)
	}
}

func TestReplay_NoCandles(t *testing.T) {
	o := Replay(longSignal(), nil, 0)
	if o.Status != StatusOpen || o.Bars != 0 {
		t.Errorf("expected open with no bars, got %s/%d", o.Status, o.Bars)
	}
}

// --- Summarize ---

func TestSummarize_Statistics(t *testing.T) {
	at := func(h int) time.Time { return created.Add(time.Duration(h) * time.Hour) }
	outcomes := []Outcome{
		{Status: StatusTarget, TargetHit: 1, PnlPct: 3, CreatedAt: at(0)},
		{Status: StatusStopped, PnlPct: -2, CreatedAt: at(1)},
		{Status: StatusStopped, PnlPct: -3, CreatedAt: at(2)},
		{Status: StatusTarget, TargetHit: 3, PnlPct: 9, CreatedAt: at(3)},
		{Status: StatusExpired, PnlPct: -1, CreatedAt: at(4)},
		{Status: StatusOpen, PnlPct: 50, CreatedAt: at(5)},
	}
	// Pass out of order; drawdown must follow creation time.
	outcomes[0], outcomes[3] = outcomes[3], outcomes[0]

	s := Summarize(outcomes)
	if s.Signals != 6 || s.Closed != 5 || s.Open != 1 {
		t.Errorf("counts signals=%d closed=%d open=%d", s.Signals, s.Closed, s.Open)
	}
	if s.Stopped != 2 || s.Expired != 1 || s.Targets != [3]int{1, 0, 1} {
		t.Errorf("stopped=%d expired=%d targets=%v", s.Stopped, s.Expired, s.Targets)
	}
	if !approx(s.WinRate, 0.4) {
		t.Errorf("win rate = %f, want 0.4", s.WinRate)
	}
	if !approx(s.TotalPnlPct, 6) || !approx(s.AvgPnlPct, 1.2) {
		t.Errorf("total=%f avg=%f", s.TotalPnlPct, s.AvgPnlPct)
	}
	// Cumulative: 3, 1, -2, 7, 6 → peak 3, trough -2.
	if !approx(s.MaxDrawdown, 5) {
		t.Errorf("max drawdown = %f, want 5", s.MaxDrawdown)
	}
	if !approx(s.ProfitFactor, 2) {
		t.Errorf("profit factor = %f, want 2", s.ProfitFactor)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Signals != 0 || s.WinRate != 0 || s.ProfitFactor != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

// --- Harness ---

type fakeCandles struct {
	byCoin map[string][]model.Candle
}

func (f *fakeCandles) Candles(_ context.Context, coin, _ string, _, _ time.Time) ([]model.Candle, error) {
	c, ok := f.byCoin[coin]
	if !ok {
		return nil, errors.New("no data")
	}
	return c, nil
}

func TestHarness_RunSkipsUnavailableCoins(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	btc := longSignal()
	eth := shortSignal()
	eth.ID = "s2"
	doge := longSignal()
	doge.ID = "s3"
	doge.Coin = "DOGE"
	for _, s := range []*model.Signal{btc, eth, doge} {
		if err := ms.UpsertSignal(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	src := &fakeCandles{byCoin: map[string][]model.Candle{
		"BTC": {candle(0, 99, 104, 103)},
		"ETH": {candle(0, 99, 104, 103)},
	}}
	h := NewHarness(ms, src, 0)
	h.now = func() time.Time { return created.Add(200 * time.Hour) }

	sum, err := h.Run(ctx, 30, 10)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Signals != 2 {
		t.Fatalf("expected 2 replayed signals, got %d", sum.Signals)
	}
	if sum.Targets[0] != 1 || sum.Stopped != 1 {
		t.Errorf("expected one tp1 and one stop, got targets=%v stopped=%d", sum.Targets, sum.Stopped)
	}
}

func TestHarness_RespectsMaxSignalsAndLookback(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	old := longSignal()
	old.ID = "old"
	old.IsActive = false
	old.CreatedAt = created.Add(-60 * 24 * time.Hour)
	ms.UpsertSignal(ctx, old)
	for i, id := range []string{"a", "b", "c"} {
		s := longSignal()
		s.ID = id
		s.IsActive = false
		s.CreatedAt = created.Add(time.Duration(i) * time.Hour)
		ms.UpsertSignal(ctx, s)
	}

	src := &fakeCandles{byCoin: map[string][]model.Candle{"BTC": {candle(5, 99, 101, 100)}}}
	h := NewHarness(ms, src, 0)
	h.now = func() time.Time { return created.Add(24 * time.Hour) }

	sum, err := h.Run(ctx, 7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Signals != 2 {
		t.Fatalf("expected 2 signals, got %d", sum.Signals)
	}
	for _, o := range sum.Outcomes {
		if o.SignalID == "old" || o.SignalID == "a" {
			t.Errorf("unexpected signal %s in replay", o.SignalID)
		}
	}
}

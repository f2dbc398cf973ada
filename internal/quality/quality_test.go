package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func fill(ago time.Duration, pnl float64) model.Fill {
	return model.Fill{Wallet: "0xabc", Coin: "BTC", ClosedPnl: d(pnl), Time: now.Add(-ago)}
}

const day = 24 * time.Hour

// --- Trailing-window filter ---

func TestPnlInWindow_IgnoresOlderFills(t *testing.T) {
	// Six months of daily fills, each +100, unfiltered as the API returns them.
	var fills []model.Fill
	for i := 0; i < 180; i++ {
		fills = append(fills, fill(time.Duration(i)*day+time.Hour, 100))
	}

	got := PnlInWindow(fills, now, Window7d)
	// Days 0..6 fall inside [now-7d, now].
	if !got.Equal(d(700)) {
		t.Errorf("7d pnl = %s, want 700", got)
	}

	got30 := PnlInWindow(fills, now, Window30d)
	if !got30.Equal(d(3000)) {
		t.Errorf("30d pnl = %s, want 3000", got30)
	}
}

func TestPnlInWindow_MatchesExplicitSubsetSum(t *testing.T) {
	fills := []model.Fill{
		fill(1*time.Hour, 500),
		fill(6*day, -200),
		fill(7*day, 300), // exactly at the window start: included
		fill(7*day+time.Second, 10000),
		fill(90*day, 50000),
		fill(170*day, -40000),
	}

	var want decimal.Decimal
	start := now.Add(-Window7d)
	for _, f := range fills {
		if !f.Time.Before(start) {
			want = want.Add(f.ClosedPnl)
		}
	}

	got := PnlInWindow(fills, now, Window7d)
	if !got.Equal(want) || !got.Equal(d(600)) {
		t.Errorf("7d pnl = %s, want %s (600)", got, want)
	}
}

func TestPnlInWindow_Empty(t *testing.T) {
	if got := PnlInWindow(nil, now, Window7d); !got.IsZero() {
		t.Errorf("expected zero, got %s", got)
	}
}

// --- Stats ---

func TestComputeStats_WinRateIgnoresOpeningFills(t *testing.T) {
	fills := []model.Fill{
		fill(day, 100),
		fill(day, 200),
		fill(day, -100),
		fill(day, 0), // opening fill
		fill(day, 0),
	}
	s := ComputeStats(fills, now)
	if s.TradeCount != 3 {
		t.Errorf("trade count = %d, want 3", s.TradeCount)
	}
	if s.WinRate < 0.666 || s.WinRate > 0.667 {
		t.Errorf("win rate = %f, want 2/3", s.WinRate)
	}
	if s.ProfitFactor != 3 {
		t.Errorf("profit factor = %f, want 3", s.ProfitFactor)
	}
}

func TestComputeStats_OldLossesExcludedFromProfitFactor(t *testing.T) {
	fills := []model.Fill{
		fill(day, 100),
		fill(2*day, 100),
		fill(60*day, -1000),
	}
	s := ComputeStats(fills, now)
	if s.ProfitFactor != NoLossProfitFactor {
		t.Errorf("profit factor = %f, want sentinel %f", s.ProfitFactor, NoLossProfitFactor)
	}
}

func TestProfitFactor_Sentinels(t *testing.T) {
	if pf := ProfitFactor(d(100), decimal.Zero); pf != NoLossProfitFactor {
		t.Errorf("wins without losses: got %f", pf)
	}
	if pf := ProfitFactor(decimal.Zero, decimal.Zero); pf != 0 {
		t.Errorf("no trades: got %f", pf)
	}
	if pf := ProfitFactor(decimal.Zero, d(50)); pf != 0 {
		t.Errorf("losses only: got %f", pf)
	}
	if pf := ProfitFactor(d(300), d(200)); pf != 1.5 {
		t.Errorf("300/200: got %f", pf)
	}
}

// --- Tiers ---

func TestAssignTier_Thresholds(t *testing.T) {
	elite := Stats{Pnl7d: d(25000), Pnl30d: d(25000), WinRate: 0.5, TradeCount: 15, ProfitFactor: 1.5}
	if got := AssignTier(elite); got != model.TierElite {
		t.Errorf("expected elite at exact thresholds, got %s", got)
	}

	good := Stats{Pnl7d: d(5000), Pnl30d: d(5000), WinRate: 0.48, TradeCount: 8, ProfitFactor: 1.2}
	if got := AssignTier(good); got != model.TierGood {
		t.Errorf("expected good at exact thresholds, got %s", got)
	}

	// Elite PnL but too few trades for elite falls through to good.
	highPnlFewTrades := Stats{Pnl7d: d(90000), Pnl30d: d(90000), WinRate: 0.6, TradeCount: 10, ProfitFactor: 2}
	if got := AssignTier(highPnlFewTrades); got != model.TierGood {
		t.Errorf("expected good, got %s", got)
	}

	below := Stats{Pnl7d: d(4999), Pnl30d: d(90000), WinRate: 0.9, TradeCount: 50, ProfitFactor: 5}
	if got := AssignTier(below); got != model.TierUnqualified {
		t.Errorf("expected unqualified, got %s", got)
	}
}

func TestAssignTier_MonotonicInPnl(t *testing.T) {
	fixed := []Stats{
		{WinRate: 0.55, TradeCount: 20, ProfitFactor: 2.0},
		{WinRate: 0.49, TradeCount: 9, ProfitFactor: 1.3},
		{WinRate: 0.40, TradeCount: 30, ProfitFactor: 3.0},
	}
	for _, base := range fixed {
		prev := -1
		for pnl := -10000; pnl <= 100000; pnl += 2500 {
			s := base
			s.Pnl7d = decimal.NewFromInt(int64(pnl))
			s.Pnl30d = decimal.NewFromInt(int64(pnl))
			rank := AssignTier(s).Rank()
			if rank < prev {
				t.Fatalf("tier decreased at pnl=%d for %+v", pnl, base)
			}
			prev = rank
		}
	}
}

// --- Classify ---

func TestClassify_InsufficientData(t *testing.T) {
	fills := []model.Fill{fill(day, 100000), fill(day, 100000), fill(day, 100000), fill(day, 100000)}
	_, err := Classify("0xabc", fills, d(1e6), now)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestClassify_UnqualifiedIsUntracked(t *testing.T) {
	var fills []model.Fill
	for i := 0; i < 10; i++ {
		fills = append(fills, fill(day, -100))
	}
	q, err := Classify("0xabc", fills, d(5000), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Tier != model.TierUnqualified || q.IsTracked {
		t.Errorf("expected untracked unqualified, got tier=%s tracked=%v", q.Tier, q.IsTracked)
	}
	if q.AnalyzedAt == nil {
		t.Error("analyzed_at should be set")
	}
}

func TestClassify_EliteIsTracked(t *testing.T) {
	var fills []model.Fill
	for i := 0; i < 12; i++ {
		fills = append(fills, fill(time.Duration(i)*12*time.Hour, 4000))
	}
	for i := 0; i < 6; i++ {
		fills = append(fills, fill(time.Duration(i)*12*time.Hour, -1000))
	}
	q, err := Classify("0xabc", fills, d(250000), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Tier != model.TierElite || !q.IsTracked {
		t.Errorf("expected tracked elite, got tier=%s tracked=%v (%+v)", q.Tier, q.IsTracked, q)
	}
	if !q.AccountValue.Equal(d(250000)) {
		t.Errorf("account value not carried: %s", q.AccountValue)
	}
}

// --- Analyzer ---

type fakeHistory struct {
	fills []model.Fill
	err   error
}

func (f *fakeHistory) Fills(_ context.Context, _ string, _ time.Time) ([]model.Fill, error) {
	return f.fills, f.err
}

func (f *fakeHistory) AccountValue(_ context.Context, _ string) (decimal.Decimal, error) {
	return d(1000), nil
}

func TestAnalyze_InsufficientDataLeavesRecord(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	at := now.Add(-day)
	existing := &model.WalletQuality{Address: "0xabc", Tier: model.TierGood, IsTracked: true, AnalyzedAt: &at}
	if err := ms.UpsertWalletQuality(ctx, existing); err != nil {
		t.Fatal(err)
	}

	a := NewAnalyzer(&fakeHistory{fills: []model.Fill{fill(day, -5)}}, ms)
	a.now = func() time.Time { return now }

	if _, err := a.Analyze(ctx, "0xabc"); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}

	got, err := ms.GetWalletQuality(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != model.TierGood || !got.IsTracked {
		t.Errorf("record should be unchanged, got tier=%s tracked=%v", got.Tier, got.IsTracked)
	}
}

func TestAnalyze_PersistsClassification(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	var fills []model.Fill
	for i := 0; i < 10; i++ {
		fills = append(fills, fill(day, 1000))
	}
	a := NewAnalyzer(&fakeHistory{fills: fills}, ms)
	a.now = func() time.Time { return now }

	if _, err := a.Analyze(ctx, "0xabc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ms.GetWalletQuality(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != model.TierGood || !got.IsTracked {
		t.Errorf("expected tracked good wallet, got %+v", got)
	}
}

func TestAnalyze_FetchErrorWrapped(t *testing.T) {
	boom := errors.New("timeout")
	a := NewAnalyzer(&fakeHistory{err: boom}, store.NewMemoryStore())
	if _, err := a.Analyze(context.Background(), "0xabc"); !errors.Is(err, boom) {
		t.Errorf("expected wrapped fetch error, got %v", err)
	}
}

// Package quality scores wallets by their realized trading results and
// assigns the elite / good / unqualified tier that decides whether a wallet
// counts toward convergence.
//
// Fills arrive from an upstream API that returns a fixed-size page
// regardless of the requested time range, so every windowed aggregate here
// filters by timestamp before summing.
package quality

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
)

var (
	// ErrInsufficientData is returned when a wallet has too few closed
	// trades in the window to be classified. Callers must leave the stored
	// record untouched rather than demote it.
	ErrInsufficientData = errors.New("quality: insufficient trade history")
)

const (
	// Window7d and Window30d are the trailing PnL windows.
	Window7d  = 7 * 24 * time.Hour
	Window30d = 30 * 24 * time.Hour

	// MinTrades is the fewest closed trades that allow classification.
	MinTrades = 5

	// NoLossProfitFactor is reported when a wallet has wins and no losses.
	NoLossProfitFactor = 999.0
)

// Criteria is one tier's entry requirements. All must hold.
type Criteria struct {
	MinPnl7d        decimal.Decimal
	MinPnl30d       decimal.Decimal
	MinWinRate      float64
	MinTrades       int
	MinProfitFactor float64
}

var (
	EliteCriteria = Criteria{
		MinPnl7d:        decimal.NewFromInt(25000),
		MinPnl30d:       decimal.NewFromInt(25000),
		MinWinRate:      0.50,
		MinTrades:       15,
		MinProfitFactor: 1.5,
	}
	GoodCriteria = Criteria{
		MinPnl7d:        decimal.NewFromInt(5000),
		MinPnl30d:       decimal.NewFromInt(5000),
		MinWinRate:      0.48,
		MinTrades:       8,
		MinProfitFactor: 1.2,
	}
)

// Stats are the trailing-window aggregates a tier is decided from.
type Stats struct {
	Pnl7d        decimal.Decimal
	Pnl30d       decimal.Decimal
	WinRate      float64
	ProfitFactor float64
	TradeCount   int
}

func (c Criteria) met(s Stats) bool {
	return s.Pnl7d.GreaterThanOrEqual(c.MinPnl7d) &&
		s.Pnl30d.GreaterThanOrEqual(c.MinPnl30d) &&
		s.WinRate >= c.MinWinRate &&
		s.TradeCount >= c.MinTrades &&
		s.ProfitFactor >= c.MinProfitFactor
}

// AssignTier returns the first tier whose criteria hold, elite first.
func AssignTier(s Stats) model.Tier {
	switch {
	case EliteCriteria.met(s):
		return model.TierElite
	case GoodCriteria.met(s):
		return model.TierGood
	default:
		return model.TierUnqualified
	}
}

// PnlInWindow sums ClosedPnl over fills with Time >= now-window.
func PnlInWindow(fills []model.Fill, now time.Time, window time.Duration) decimal.Decimal {
	start := now.Add(-window)
	sum := decimal.Zero
	for _, f := range inWindow(fills, start) {
		sum = sum.Add(f.ClosedPnl)
	}
	return sum
}

func inWindow(fills []model.Fill, start time.Time) []model.Fill {
	out := make([]model.Fill, 0, len(fills))
	for _, f := range fills {
		if !f.Time.Before(start) {
			out = append(out, f)
		}
	}
	return out
}

// ComputeStats derives Stats from raw fills. Win rate, profit factor and
// trade count use closing fills (nonzero ClosedPnl) in the 30-day window.
func ComputeStats(fills []model.Fill, now time.Time) Stats {
	s := Stats{
		Pnl7d:  PnlInWindow(fills, now, Window7d),
		Pnl30d: PnlInWindow(fills, now, Window30d),
	}

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	wins, losses := 0, 0
	for _, f := range inWindow(fills, now.Add(-Window30d)) {
		switch f.ClosedPnl.Sign() {
		case 1:
			wins++
			grossWin = grossWin.Add(f.ClosedPnl)
		case -1:
			losses++
			grossLoss = grossLoss.Add(f.ClosedPnl.Abs())
		}
	}

	s.TradeCount = wins + losses
	if s.TradeCount > 0 {
		s.WinRate = float64(wins) / float64(s.TradeCount)
	}
	s.ProfitFactor = ProfitFactor(grossWin, grossLoss)
	return s
}

// ProfitFactor returns grossWin / grossLoss, NoLossProfitFactor when there
// are wins and no losses, and 0 when there are neither.
func ProfitFactor(grossWin, grossLoss decimal.Decimal) float64 {
	if grossLoss.IsZero() {
		if grossWin.IsPositive() {
			return NoLossProfitFactor
		}
		return 0
	}
	return grossWin.Div(grossLoss).InexactFloat64()
}

// Classify scores one wallet from its fills. accountValue is carried into
// the record unchanged. Returns ErrInsufficientData below MinTrades.
func Classify(address string, fills []model.Fill, accountValue decimal.Decimal, now time.Time) (*model.WalletQuality, error) {
	s := ComputeStats(fills, now)
	if s.TradeCount < MinTrades {
		return nil, ErrInsufficientData
	}

	tier := AssignTier(s)
	analyzedAt := now
	return &model.WalletQuality{
		Address:      address,
		Tier:         tier,
		Pnl7d:        s.Pnl7d,
		Pnl30d:       s.Pnl30d,
		WinRate:      s.WinRate,
		ProfitFactor: s.ProfitFactor,
		TradeCount:   s.TradeCount,
		AccountValue: accountValue,
		IsTracked:    tier.Qualified(),
		AnalyzedAt:   &analyzedAt,
	}, nil
}

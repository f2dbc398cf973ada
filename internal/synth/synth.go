// Package synth turns a convergence candidate into a tradeable signal:
// eligibility gate, entry range, stop-loss, take-profit ladder, suggested
// leverage, risk score, confidence and strength.
//
// Synthesis is pure. It performs no I/O and never fails; a candidate that
// does not pass the gate simply yields no signal.
package synth

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
)

// Config holds the gate thresholds and the leverage cap.
type Config struct {
	MinAgreement     float64
	MinCombinedPnl7d decimal.Decimal
	MinAvgWinRate    float64
	MaxLeverage      float64

	// RiskBudget is the fraction of equity a stop-out may cost at the
	// suggested leverage.
	RiskBudget float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinAgreement:     0.65,
		MinCombinedPnl7d: decimal.NewFromInt(10000),
		MinAvgWinRate:    0.50,
		MaxLeverage:      10,
		RiskBudget:       0.02,
	}
}

var (
	one = decimal.NewFromInt(1)

	defaultStopPct   = decimal.NewFromFloat(0.03)
	entryFallbackPct = decimal.NewFromFloat(0.01)
	liqBuffer        = decimal.NewFromFloat(0.20)

	// maxShortStep caps one short ladder step so tp3 stays above 10% of entry.
	maxShortStep = decimal.NewFromFloat(0.30)
)

// Synthesizer applies Config to candidates.
type Synthesizer struct {
	cfg Config
}

// New creates a Synthesizer. Zero-valued fields fall back to defaults.
func New(cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.MinAgreement <= 0 {
		cfg.MinAgreement = def.MinAgreement
	}
	if cfg.MinCombinedPnl7d.IsZero() {
		cfg.MinCombinedPnl7d = def.MinCombinedPnl7d
	}
	if cfg.MinAvgWinRate <= 0 {
		cfg.MinAvgWinRate = def.MinAvgWinRate
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = def.MaxLeverage
	}
	if cfg.RiskBudget <= 0 {
		cfg.RiskBudget = def.RiskBudget
	}
	return &Synthesizer{cfg: cfg}
}

// Eligible reports whether a candidate passes the gate.
func (s *Synthesizer) Eligible(c *model.SignalCandidate) bool {
	elite, good := len(c.EliteTraders), len(c.GoodTraders)
	if c.DirectionalAgreement < s.cfg.MinAgreement {
		return false
	}
	if !(elite >= 1 || good >= 2) {
		return false
	}
	if c.CombinedPnl7d.LessThan(s.cfg.MinCombinedPnl7d) {
		return false
	}
	return c.AvgWinRate >= s.cfg.MinAvgWinRate
}

// Synthesize builds a signal for c at the current market price. It returns
// false when the candidate is ineligible or the price is not positive.
// Lifecycle fields (ID, timestamps, IsActive) are left for the caller.
func (s *Synthesizer) Synthesize(c *model.SignalCandidate, price decimal.Decimal) (*model.Signal, bool) {
	if !price.IsPositive() || !s.Eligible(c) {
		return nil, false
	}

	members := c.Members()
	elite, good := len(c.EliteTraders), len(c.GoodTraders)

	low, high := EntryRange(members, price)
	stop := StopLoss(c.Direction, members, price)
	stopDist := stop.Sub(price).Abs().Div(price).InexactFloat64()
	tp1, tp2, tp3 := TakeProfits(c.Direction, price, stop)

	return &model.Signal{
		Coin:                 c.Coin,
		Direction:            c.Direction,
		EliteCount:           elite,
		GoodCount:            good,
		TotalTraders:         elite + good,
		OpposingCount:        c.OpposingCount,
		DirectionalAgreement: c.DirectionalAgreement,
		CombinedPnl7d:        c.CombinedPnl7d,
		AvgWinRate:           c.AvgWinRate,
		AvgProfitFactor:      c.AvgProfitFactor,
		TotalPositionValue:   c.TotalPositionValue,
		SuggestedEntry:       price,
		EntryRangeLow:        low,
		EntryRangeHigh:       high,
		StopLoss:             stop,
		StopDistancePct:      stopDist,
		TakeProfit1:          tp1,
		TakeProfit2:          tp2,
		TakeProfit3:          tp3,
		SuggestedLeverage:    SuggestedLeverage(c.AvgLeverage, stopDist, s.cfg.RiskBudget, s.cfg.MaxLeverage),
		RiskScore:            RiskScore(c, stopDist),
		Confidence:           Confidence(c),
		SignalStrength:       Strength(elite, good),
	}, true
}

// EntryRange returns the min and max member entry price, or price ±1% when
// no member has an entry price.
func EntryRange(members []model.TraderPosition, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var low, high decimal.Decimal
	found := false
	for _, m := range members {
		e := m.Position.EntryPrice
		if !e.IsPositive() {
			continue
		}
		if !found {
			low, high, found = e, e, true
			continue
		}
		low = decimal.Min(low, e)
		high = decimal.Max(high, e)
	}
	if !found {
		return price.Mul(one.Sub(entryFallbackPct)), price.Mul(one.Add(entryFallbackPct))
	}
	return low, high
}

// StopLoss places the stop beyond the most exposed member liquidation price
// and keeps it at least 3% on the losing side of price. Longs use the
// highest liquidation price plus 20%, shorts the lowest minus 20%. Without
// liquidation data the stop is price ∓3%.
func StopLoss(dir model.Direction, members []model.TraderPosition, price decimal.Decimal) decimal.Decimal {
	longCap := price.Mul(one.Sub(defaultStopPct))
	shortFloor := price.Mul(one.Add(defaultStopPct))

	var liq decimal.Decimal
	found := false
	for _, m := range members {
		lp := m.Position.LiquidationPrice
		if lp == nil || !lp.IsPositive() {
			continue
		}
		switch {
		case !found:
			liq, found = *lp, true
		case dir == model.Long:
			liq = decimal.Max(liq, *lp)
		default:
			liq = decimal.Min(liq, *lp)
		}
	}

	if dir == model.Short {
		if !found {
			return shortFloor
		}
		return decimal.Max(liq.Mul(one.Sub(liqBuffer)), shortFloor)
	}
	if !found {
		return longCap
	}
	return decimal.Min(liq.Mul(one.Add(liqBuffer)), longCap)
}

// TakeProfits returns the 1R, 2R and 3R targets from entry, where R is the
// entry-to-stop distance. Short steps are capped at 30% of entry so no
// target reaches zero.
func TakeProfits(dir model.Direction, entry, stop decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	r := entry.Sub(stop).Abs()
	if dir == model.Short {
		r = decimal.Min(r, entry.Mul(maxShortStep)).Neg()
	}
	return entry.Add(r),
		entry.Add(r.Mul(decimal.NewFromInt(2))),
		entry.Add(r.Mul(decimal.NewFromInt(3)))
}

// minLeverage is the rounding unit; wide stops never suggest 0x.
const minLeverage = 0.5

// SuggestedLeverage is min(avg member leverage, riskBudget/stopDist, cap)
// rounded to the nearest 0.5x, never below 0.5x. Members with unknown leverage
// (zero average) do not constrain the result.
func SuggestedLeverage(avgLeverage, stopDist, riskBudget, maxLeverage float64) float64 {
	lev := maxLeverage
	if avgLeverage > 0 {
		lev = math.Min(lev, avgLeverage)
	}
	if stopDist > 0 {
		lev = math.Min(lev, riskBudget/stopDist)
	}
	lev = math.Round(lev*2) / 2
	if lev < minLeverage {
		lev = minLeverage
	}
	return lev
}

// RiskScore starts at 50 and moves down for agreement, profit factor, win
// rate and elite participation, up for tight stops. Lower is safer.
func RiskScore(c *model.SignalCandidate, stopDist float64) int {
	score := 50

	switch a := c.DirectionalAgreement; {
	case a >= 0.9:
		score -= 15
	case a >= 0.8:
		score -= 10
	case a >= 0.7:
		score -= 5
	}

	switch pf := c.AvgProfitFactor; {
	case pf >= 2.0:
		score -= 10
	case pf >= 1.5:
		score -= 5
	}

	switch wr := c.AvgWinRate; {
	case wr >= 0.6:
		score -= 10
	case wr >= 0.55:
		score -= 5
	}

	switch e := len(c.EliteTraders); {
	case e >= 3:
		score -= 10
	case e >= 2:
		score -= 5
	}

	switch {
	case stopDist < 0.02:
		score += 10
	case stopDist < 0.03:
		score += 5
	}

	return clamp(score, 0, 100)
}

var (
	pnlBand25k  = decimal.NewFromInt(25000)
	pnlBand50k  = decimal.NewFromInt(50000)
	pnlBand100k = decimal.NewFromInt(100000)
)

// Confidence sums capped contributions from elite count, good count,
// agreement, win rate, profit factor and combined 7-day PnL, clamped to 100.
func Confidence(c *model.SignalCandidate) int {
	score := min(len(c.EliteTraders)*15, 30) + min(len(c.GoodTraders)*5, 15)

	switch a := c.DirectionalAgreement; {
	case a < 0.7:
		score += 5
	case a < 0.8:
		score += 10
	case a < 0.9:
		score += 15
	default:
		score += 20
	}

	switch wr := c.AvgWinRate; {
	case wr < 0.5:
	case wr < 0.55:
		score += 5
	case wr < 0.6:
		score += 10
	default:
		score += 15
	}

	switch pf := c.AvgProfitFactor; {
	case pf < 1.2:
	case pf < 1.5:
		score += 5
	case pf < 2.0:
		score += 10
	default:
		score += 15
	}

	switch p := c.CombinedPnl7d; {
	case p.LessThan(pnlBand25k):
	case p.LessThan(pnlBand50k):
		score += 5
	case p.LessThan(pnlBand100k):
		score += 7
	default:
		score += 10
	}

	return clamp(score, 0, 100)
}

// Strength grades the signal by participation.
func Strength(elite, good int) model.Strength {
	if elite >= 2 || good >= 4 || (elite >= 1 && good >= 2) {
		return model.StrengthStrong
	}
	return model.StrengthMedium
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

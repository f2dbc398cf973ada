// Package backtest replays persisted signals against hourly candles.
//
// The replay is single-exit: the first candle that touches the stop or a
// target closes the trade. Within one candle the stop is checked first, then
// targets from tp3 down to tp1, so a stop and a target in the same bar count
// as a stop and the highest target touched wins otherwise.
package backtest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/quality"
)

// DefaultHorizon is how long a signal is followed before it expires.
const DefaultHorizon = 168 * time.Hour

// CandleInterval is the bar size replays use.
const CandleInterval = time.Hour

// Status is the replay result of one signal.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusTarget  Status = "target_hit"
	StatusExpired Status = "expired"
	StatusOpen    Status = "open"
)

// Outcome is the replay of one signal.
type Outcome struct {
	SignalID   string          `json:"signal_id"`
	Coin       string          `json:"coin"`
	Direction  model.Direction `json:"direction"`
	Confidence int             `json:"confidence"`
	Status     Status          `json:"status"`
	TargetHit  int             `json:"target_hit"` // 1..3 when Status is target_hit
	Entry      decimal.Decimal `json:"entry"`
	Exit       decimal.Decimal `json:"exit"`
	PnlPct     float64         `json:"pnl_pct"`
	CreatedAt  time.Time       `json:"created_at"`
	ExitAt     time.Time       `json:"exit_at"`
	Bars       int             `json:"bars"`
}

// Closed reports whether the outcome is final.
func (o Outcome) Closed() bool { return o.Status != StatusOpen }

// Replay walks candles opening at or after the signal's creation time.
// horizon <= 0 uses DefaultHorizon. Candles must be ordered by OpenTime.
func Replay(sig *model.Signal, candles []model.Candle, horizon time.Duration) Outcome {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	out := Outcome{
		SignalID:   sig.ID,
		Coin:       sig.Coin,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Status:     StatusOpen,
		Entry:      sig.SuggestedEntry,
		Exit:       sig.SuggestedEntry,
		CreatedAt:  sig.CreatedAt,
	}

	long := sig.Direction == model.Long
	targets := []decimal.Decimal{sig.TakeProfit3, sig.TakeProfit2, sig.TakeProfit1}

	var last *model.Candle
	for i := range candles {
		c := &candles[i]
		if c.OpenTime.Before(sig.CreatedAt) {
			continue
		}
		if c.OpenTime.Sub(sig.CreatedAt) >= horizon {
			break
		}
		last = c
		out.Bars++

		if stopTouched(long, c, sig.StopLoss) {
			return closeAt(out, StatusStopped, 0, sig.StopLoss, c.OpenTime.Add(CandleInterval))
		}
		for n, tp := range targets {
			if targetTouched(long, c, tp) {
				return closeAt(out, StatusTarget, 3-n, tp, c.OpenTime.Add(CandleInterval))
			}
		}
	}

	if last == nil {
		return out
	}
	out.Exit = last.Close
	out.ExitAt = last.OpenTime.Add(CandleInterval)
	out.PnlPct = pnlPct(long, out.Entry, out.Exit)
	if out.ExitAt.Sub(sig.CreatedAt) >= horizon {
		out.Status = StatusExpired
	}
	return out
}

func stopTouched(long bool, c *model.Candle, stop decimal.Decimal) bool {
	if long {
		return c.Low.LessThanOrEqual(stop)
	}
	return c.High.GreaterThanOrEqual(stop)
}

func targetTouched(long bool, c *model.Candle, tp decimal.Decimal) bool {
	if long {
		return c.High.GreaterThanOrEqual(tp)
	}
	return c.Low.LessThanOrEqual(tp)
}

func closeAt(o Outcome, status Status, target int, exit decimal.Decimal, at time.Time) Outcome {
	o.Status = status
	o.TargetHit = target
	o.Exit = exit
	o.ExitAt = at
	o.PnlPct = pnlPct(o.Direction == model.Long, o.Entry, exit)
	return o
}

func pnlPct(long bool, entry, exit decimal.Decimal) float64 {
	if !entry.IsPositive() {
		return 0
	}
	move := exit.Sub(entry)
	if !long {
		move = move.Neg()
	}
	return move.Div(entry).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Summary aggregates replay outcomes.
type Summary struct {
	Signals      int       `json:"signals"`
	Closed       int       `json:"closed"`
	Open         int       `json:"open"`
	Stopped      int       `json:"stopped"`
	Expired      int       `json:"expired"`
	Targets      [3]int    `json:"targets"` // hits at tp1, tp2, tp3
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	WinRate      float64   `json:"win_rate"`
	AvgPnlPct    float64   `json:"avg_pnl_pct"`
	TotalPnlPct  float64   `json:"total_pnl_pct"`
	MaxDrawdown  float64   `json:"max_drawdown_pct"`
	ProfitFactor float64   `json:"profit_factor"`
	Outcomes     []Outcome `json:"outcomes,omitempty"`
}

// Summarize computes statistics over closed outcomes. Drawdown is the
// largest peak-to-trough fall of cumulative PnL% in creation order.
func Summarize(outcomes []Outcome) Summary {
	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	s := Summary{Signals: len(sorted), Outcomes: sorted}
	var grossWin, grossLoss, cum, peak float64
	for _, o := range sorted {
		switch o.Status {
		case StatusOpen:
			s.Open++
			continue
		case StatusStopped:
			s.Stopped++
		case StatusExpired:
			s.Expired++
		case StatusTarget:
			if o.TargetHit >= 1 && o.TargetHit <= 3 {
				s.Targets[o.TargetHit-1]++
			}
		}

		s.Closed++
		s.TotalPnlPct += o.PnlPct
		switch {
		case o.PnlPct > 0:
			s.Wins++
			grossWin += o.PnlPct
		case o.PnlPct < 0:
			s.Losses++
			grossLoss -= o.PnlPct
		}

		cum += o.PnlPct
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	if s.Closed > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Closed)
		s.AvgPnlPct = s.TotalPnlPct / float64(s.Closed)
	}
	s.ProfitFactor = quality.ProfitFactor(decimal.NewFromFloat(grossWin), decimal.NewFromFloat(grossLoss))
	return s
}

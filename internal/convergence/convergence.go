// Package convergence groups the open positions of tracked, quality-tiered
// wallets by coin and reduces each coin to its dominant direction.
package convergence

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
)

// DirectionalAgreement returns max(longs, shorts) / (longs + shorts), the
// fraction of wallets on the majority side. Zero when there are no wallets.
func DirectionalAgreement(longs, shorts int) float64 {
	total := longs + shorts
	if total <= 0 {
		return 0
	}
	return float64(max(longs, shorts)) / float64(total)
}

// DominantDirection returns the majority side; ties go to long.
func DominantDirection(longs, shorts int) model.Direction {
	if shorts > longs {
		return model.Short
	}
	return model.Long
}

// Aggregate builds one candidate per coin from positions whose wallet is
// tracked with an elite or good tier. Metrics cover the dominant side only.
// Candidates are returned sorted by coin.
func Aggregate(positions []model.Position, qualities map[string]model.WalletQuality) []model.SignalCandidate {
	byCoin := make(map[string][]model.TraderPosition)
	for _, p := range positions {
		q, ok := qualities[p.Wallet]
		if !ok || !q.IsTracked || !q.Tier.Qualified() {
			continue
		}
		if p.Size.IsZero() {
			continue
		}
		byCoin[p.Coin] = append(byCoin[p.Coin], model.TraderPosition{Position: p, Quality: q})
	}

	coins := make([]string, 0, len(byCoin))
	for coin := range byCoin {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	var out []model.SignalCandidate
	for _, coin := range coins {
		if c, ok := aggregateCoin(coin, byCoin[coin]); ok {
			out = append(out, c)
		}
	}
	return out
}

func aggregateCoin(coin string, traders []model.TraderPosition) (model.SignalCandidate, bool) {
	longs, shorts := 0, 0
	for _, tp := range traders {
		if tp.Position.Direction == model.Short {
			shorts++
		} else {
			longs++
		}
	}

	dir := DominantDirection(longs, shorts)
	c := model.SignalCandidate{
		Coin:                 coin,
		Direction:            dir,
		DirectionalAgreement: DirectionalAgreement(longs, shorts),
		CombinedPnl7d:        decimal.Zero,
		CombinedPnl30d:       decimal.Zero,
		TotalPositionValue:   decimal.Zero,
	}
	if dir == model.Long {
		c.OpposingCount = shorts
	} else {
		c.OpposingCount = longs
	}

	var winRate, profitFactor, leverage float64
	n := 0
	for _, tp := range traders {
		if tp.Position.Direction != dir {
			continue
		}
		switch tp.Quality.Tier {
		case model.TierElite:
			c.EliteTraders = append(c.EliteTraders, tp)
		case model.TierGood:
			c.GoodTraders = append(c.GoodTraders, tp)
		}
		c.CombinedPnl7d = c.CombinedPnl7d.Add(tp.Quality.Pnl7d)
		c.CombinedPnl30d = c.CombinedPnl30d.Add(tp.Quality.Pnl30d)
		c.TotalPositionValue = c.TotalPositionValue.Add(tp.Position.NotionalValue.Abs())
		winRate += tp.Quality.WinRate
		profitFactor += tp.Quality.ProfitFactor
		leverage += tp.Position.Leverage
		n++
	}
	if n == 0 {
		return model.SignalCandidate{}, false
	}

	c.AvgWinRate = winRate / float64(n)
	c.AvgProfitFactor = profitFactor / float64(n)
	c.AvgLeverage = leverage / float64(n)
	return c, true
}

// QualityIndex keys wallet records by address.
func QualityIndex(wallets []model.WalletQuality) map[string]model.WalletQuality {
	idx := make(map[string]model.WalletQuality, len(wallets))
	for _, w := range wallets {
		idx[w.Address] = w
	}
	return idx
}

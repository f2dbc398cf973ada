// Package model defines the core domain types shared across the convergence
// engine. Money and prices use shopspring/decimal; ratios and scores are
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a wallet quality classification.
type Tier string

const (
	TierElite       Tier = "elite"
	TierGood        Tier = "good"
	TierUnqualified Tier = "unqualified"
)

// Rank orders tiers: unqualified < good < elite.
func (t Tier) Rank() int {
	switch t {
	case TierElite:
		return 2
	case TierGood:
		return 1
	default:
		return 0
	}
}

// Qualified reports whether wallets of this tier count toward convergence.
func (t Tier) Qualified() bool {
	return t == TierElite || t == TierGood
}

// Direction is the side of a perpetual position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// DirectionOf derives the direction from a signed position size.
// Positive is long, negative is short.
func DirectionOf(size decimal.Decimal) Direction {
	if size.IsNegative() {
		return Short
	}
	return Long
}

// Strength grades a synthesized signal.
type Strength string

const (
	StrengthStrong Strength = "strong"
	StrengthMedium Strength = "medium"
)

// Reasons recorded when a signal is deactivated.
const (
	ReasonNoLongerQualifies = "no_longer_qualifies"
	ReasonExpired           = "expired"
)

// WalletQuality is the persisted skill classification of one wallet.
// A tracked wallet always has AnalyzedAt set and a qualified tier.
type WalletQuality struct {
	Address      string          `json:"address" db:"address"`
	Tier         Tier            `json:"tier" db:"tier"`
	Pnl7d        decimal.Decimal `json:"pnl_7d" db:"pnl_7d"`
	Pnl30d       decimal.Decimal `json:"pnl_30d" db:"pnl_30d"`
	WinRate      float64         `json:"win_rate" db:"win_rate"`
	ProfitFactor float64         `json:"profit_factor" db:"profit_factor"`
	TradeCount   int             `json:"trade_count" db:"trade_count"`
	AccountValue decimal.Decimal `json:"account_value" db:"account_value"`
	IsTracked    bool            `json:"is_tracked" db:"is_tracked"`
	AnalyzedAt   *time.Time      `json:"analyzed_at" db:"analyzed_at"`
}

// Position is the latest open position of a wallet in one coin.
// Size is signed: positive long, negative short.
type Position struct {
	Wallet           string           `json:"wallet" db:"wallet"`
	Coin             string           `json:"coin" db:"coin"`
	Direction        Direction        `json:"direction" db:"direction"`
	Size             decimal.Decimal  `json:"size" db:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Leverage         float64          `json:"leverage" db:"leverage"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	NotionalValue    decimal.Decimal  `json:"notional_value" db:"notional_value"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Fill is one execution from a wallet's trade history. ClosedPnl is the
// realized PnL booked by the fill (zero for opening fills).
type Fill struct {
	Wallet    string          `json:"wallet"`
	Coin      string          `json:"coin"`
	Dir       string          `json:"dir"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	ClosedPnl decimal.Decimal `json:"closed_pnl"`
	Hash      string          `json:"hash"`
	Time      time.Time       `json:"time"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// TraderPosition is a candidate member: a qualified wallet's position joined
// with its quality record.
type TraderPosition struct {
	Position Position      `json:"position"`
	Quality  WalletQuality `json:"quality"`
}

// SignalCandidate is the per-cycle aggregate of one coin's dominant side.
// It is never persisted.
type SignalCandidate struct {
	Coin                 string           `json:"coin"`
	Direction            Direction        `json:"direction"`
	EliteTraders         []TraderPosition `json:"elite_traders"`
	GoodTraders          []TraderPosition `json:"good_traders"`
	OpposingCount        int              `json:"opposing_count"`
	DirectionalAgreement float64          `json:"directional_agreement"`
	CombinedPnl7d        decimal.Decimal  `json:"combined_pnl_7d"`
	CombinedPnl30d       decimal.Decimal  `json:"combined_pnl_30d"`
	AvgWinRate           float64          `json:"avg_win_rate"`
	AvgProfitFactor      float64          `json:"avg_profit_factor"`
	AvgLeverage          float64          `json:"avg_leverage"`
	TotalPositionValue   decimal.Decimal  `json:"total_position_value"`
}

// Members returns elite members followed by good members.
func (c *SignalCandidate) Members() []TraderPosition {
	out := make([]TraderPosition, 0, len(c.EliteTraders)+len(c.GoodTraders))
	out = append(out, c.EliteTraders...)
	return append(out, c.GoodTraders...)
}

// Key identifies the (coin, direction) pair a signal belongs to.
type Key struct {
	Coin      string
	Direction Direction
}

func (k Key) String() string { return k.Coin + ":" + string(k.Direction) }

// Signal is a persisted convergence signal. (Coin, Direction) is the natural
// key; at most one row per key is active at any time.
type Signal struct {
	ID                   string          `json:"id" db:"id"`
	Coin                 string          `json:"coin" db:"coin"`
	Direction            Direction       `json:"direction" db:"direction"`
	EliteCount           int             `json:"elite_count" db:"elite_count"`
	GoodCount            int             `json:"good_count" db:"good_count"`
	TotalTraders         int             `json:"total_traders" db:"total_traders"`
	OpposingCount        int             `json:"opposing_count" db:"opposing_count"`
	DirectionalAgreement float64         `json:"directional_agreement" db:"directional_agreement"`
	CombinedPnl7d        decimal.Decimal `json:"combined_pnl_7d" db:"combined_pnl_7d"`
	AvgWinRate           float64         `json:"avg_win_rate" db:"avg_win_rate"`
	AvgProfitFactor      float64         `json:"avg_profit_factor" db:"avg_profit_factor"`
	TotalPositionValue   decimal.Decimal `json:"total_position_value" db:"total_position_value"`
	SuggestedEntry       decimal.Decimal `json:"suggested_entry" db:"suggested_entry"`
	EntryRangeLow        decimal.Decimal `json:"entry_range_low" db:"entry_range_low"`
	EntryRangeHigh       decimal.Decimal `json:"entry_range_high" db:"entry_range_high"`
	StopLoss             decimal.Decimal `json:"stop_loss" db:"stop_loss"`
	StopDistancePct      float64         `json:"stop_distance_pct" db:"stop_distance_pct"`
	TakeProfit1          decimal.Decimal `json:"take_profit_1" db:"take_profit_1"`
	TakeProfit2          decimal.Decimal `json:"take_profit_2" db:"take_profit_2"`
	TakeProfit3          decimal.Decimal `json:"take_profit_3" db:"take_profit_3"`
	SuggestedLeverage    float64         `json:"suggested_leverage" db:"suggested_leverage"`
	RiskScore            int             `json:"risk_score" db:"risk_score"`
	Confidence           int             `json:"confidence" db:"confidence"`
	SignalStrength       Strength        `json:"signal_strength" db:"signal_strength"`
	IsActive             bool            `json:"is_active" db:"is_active"`
	InvalidReason        string          `json:"invalid_reason,omitempty" db:"invalid_reason"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	ExpiresAt            time.Time       `json:"expires_at" db:"expires_at"`
	InvalidatedAt        *time.Time      `json:"invalidated_at,omitempty" db:"invalidated_at"`
}

// Key returns the signal's natural key.
func (s *Signal) Key() Key { return Key{Coin: s.Coin, Direction: s.Direction} }

// SignalFilter narrows signal queries.
type SignalFilter struct {
	ActiveOnly    bool
	Coin          string
	MinConfidence int
	CreatedAfter  *time.Time
	Limit         int
}

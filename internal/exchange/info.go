package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
)

type userRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type fillsRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
}

type candleRequest struct {
	Type string        `json:"type"`
	Req  candleReqBody `json:"req"`
}

type candleReqBody struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position rawPosition `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
}

type rawPosition struct {
	Coin          string  `json:"coin"`
	Szi           string  `json:"szi"`
	EntryPx       string  `json:"entryPx"`
	PositionValue string  `json:"positionValue"`
	LiquidationPx *string `json:"liquidationPx"`
	Leverage      struct {
		Type  string  `json:"type"`
		Value float64 `json:"value"`
	} `json:"leverage"`
}

type rawFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Dir       string `json:"dir"`
	ClosedPnl string `json:"closedPnl"`
	Hash      string `json:"hash"`
	Time      int64  `json:"time"`
}

// rawCandle names both "t" and "T": encoding/json matches keys
// case-insensitively, so an untagged close time would overwrite the open time.
type rawCandle struct {
	OpenT  int64  `json:"t"`
	CloseT int64  `json:"T"`
	O      string `json:"o"`
	H      string `json:"h"`
	L      string `json:"l"`
	C      string `json:"c"`
	V      string `json:"v"`
}

// Positions returns the wallet's open positions. Zero-size entries are dropped.
func (c *Client) Positions(ctx context.Context, wallet string) ([]model.Position, error) {
	state, err := c.clearinghouse(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return normalizePositions(wallet, state, time.Now().UTC())
}

// AccountValue returns the wallet's margin account value.
func (c *Client) AccountValue(ctx context.Context, wallet string) (decimal.Decimal, error) {
	state, err := c.clearinghouse(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(state.MarginSummary.AccountValue, "accountValue")
}

func (c *Client) clearinghouse(ctx context.Context, wallet string) (*clearinghouseState, error) {
	var state clearinghouseState
	req := userRequest{Type: "clearinghouseState", User: wallet}
	if err := c.post(ctx, "clearinghouseState", req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Fills returns the wallet's fills since start. The upstream returns a fixed
// page whatever range is requested, so callers must filter by time.
func (c *Client) Fills(ctx context.Context, wallet string, start time.Time) ([]model.Fill, error) {
	var raw []rawFill
	req := fillsRequest{Type: "userFillsByTime", User: wallet, StartTime: start.UnixMilli()}
	if err := c.post(ctx, "userFillsByTime", req, &raw); err != nil {
		return nil, err
	}
	return normalizeFills(wallet, raw)
}

// Mids returns the current mid price of every listed coin.
func (c *Client) Mids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.post(ctx, "allMids", map[string]string{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for coin, px := range raw {
		v, err := decimal.NewFromString(px)
		if err != nil {
			continue
		}
		out[coin] = v
	}
	return out, nil
}

// Price returns one coin's mid price, reusing a recent allMids response
// when MidsTTL is set.
func (c *Client) Price(ctx context.Context, coin string) (decimal.Decimal, error) {
	mids, err := c.cachedMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	px, ok := mids[coin]
	if !ok || !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, coin)
	}
	return px, nil
}

func (c *Client) cachedMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	if c.midsTTL <= 0 {
		return c.Mids(ctx)
	}
	c.midsMu.Lock()
	defer c.midsMu.Unlock()
	if c.mids != nil && time.Since(c.midsAt) < c.midsTTL {
		return c.mids, nil
	}
	mids, err := c.Mids(ctx)
	if err != nil {
		return nil, err
	}
	c.mids, c.midsAt = mids, time.Now()
	return mids, nil
}

// Candles returns bars for coin in [start, end], ordered by open time.
func (c *Client) Candles(ctx context.Context, coin, interval string, start, end time.Time) ([]model.Candle, error) {
	var raw []rawCandle
	req := candleRequest{Type: "candleSnapshot", Req: candleReqBody{
		Coin:      coin,
		Interval:  interval,
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}}
	if err := c.post(ctx, "candleSnapshot", req, &raw); err != nil {
		return nil, err
	}
	return normalizeCandles(raw)
}

func normalizePositions(wallet string, state *clearinghouseState, now time.Time) ([]model.Position, error) {
	out := make([]model.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size, err := parseDecimal(p.Szi, "szi")
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", wallet, p.Coin, err)
		}
		if size.IsZero() {
			continue
		}
		entry, err := parseDecimal(p.EntryPx, "entryPx")
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", wallet, p.Coin, err)
		}
		notional, err := parseDecimal(p.PositionValue, "positionValue")
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", wallet, p.Coin, err)
		}

		pos := model.Position{
			Wallet:        wallet,
			Coin:          p.Coin,
			Direction:     model.DirectionOf(size),
			Size:          size,
			EntryPrice:    entry,
			Leverage:      p.Leverage.Value,
			NotionalValue: notional.Abs(),
			UpdatedAt:     now,
		}
		if p.LiquidationPx != nil && *p.LiquidationPx != "" {
			if liq, err := decimal.NewFromString(*p.LiquidationPx); err == nil && liq.IsPositive() {
				pos.LiquidationPrice = &liq
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

func normalizeFills(wallet string, raw []rawFill) ([]model.Fill, error) {
	out := make([]model.Fill, 0, len(raw))
	for _, f := range raw {
		px, err := parseDecimal(f.Px, "px")
		if err != nil {
			return nil, err
		}
		sz, err := parseDecimal(f.Sz, "sz")
		if err != nil {
			return nil, err
		}
		pnl := decimal.Zero
		if f.ClosedPnl != "" {
			if pnl, err = parseDecimal(f.ClosedPnl, "closedPnl"); err != nil {
				return nil, err
			}
		}
		out = append(out, model.Fill{
			Wallet:    wallet,
			Coin:      f.Coin,
			Dir:       f.Dir,
			Price:     px,
			Size:      sz,
			ClosedPnl: pnl,
			Hash:      f.Hash,
			Time:      time.UnixMilli(f.Time).UTC(),
		})
	}
	return out, nil
}

func normalizeCandles(raw []rawCandle) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(raw))
	for _, r := range raw {
		var c model.Candle
		var err error
		c.OpenTime = time.UnixMilli(r.OpenT).UTC()
		if c.Open, err = parseDecimal(r.O, "o"); err != nil {
			return nil, err
		}
		if c.High, err = parseDecimal(r.H, "h"); err != nil {
			return nil, err
		}
		if c.Low, err = parseDecimal(r.L, "l"); err != nil {
			return nil, err
		}
		if c.Close, err = parseDecimal(r.C, "c"); err != nil {
			return nil, err
		}
		if r.V != "" {
			if c.Volume, err = parseDecimal(r.V, "v"); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %s: %w", field, strconv.Quote(s), err)
	}
	return v, nil
}

package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

// HistorySource supplies a wallet's fills and account value.
type HistorySource interface {
	Fills(ctx context.Context, wallet string, start time.Time) ([]model.Fill, error)
	AccountValue(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// Analyzer classifies wallets and persists the result.
type Analyzer struct {
	source HistorySource
	store  store.Store
	now    func() time.Time
}

// NewAnalyzer creates an analyzer reading from src and writing to st.
func NewAnalyzer(src HistorySource, st store.Store) *Analyzer {
	return &Analyzer{source: src, store: st, now: time.Now}
}

// Analyze fetches the wallet's trailing 30-day fills, classifies it and
// upserts the record. On ErrInsufficientData nothing is written.
func (a *Analyzer) Analyze(ctx context.Context, address string) (*model.WalletQuality, error) {
	now := a.now().UTC()

	fills, err := a.source.Fills(ctx, address, now.Add(-Window30d))
	if err != nil {
		return nil, fmt.Errorf("fetch fills for %s: %w", address, err)
	}
	accountValue, err := a.source.AccountValue(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch account value for %s: %w", address, err)
	}

	q, err := Classify(address, fills, accountValue, now)
	if err != nil {
		return nil, err
	}

	if err := a.store.UpsertWalletQuality(ctx, q); err != nil {
		return nil, fmt.Errorf("save wallet %s: %w", address, err)
	}

	slog.Debug("wallet classified",
		"wallet", address,
		"tier", q.Tier,
		"pnl_7d", q.Pnl7d.String(),
		"pnl_30d", q.Pnl30d.String(),
		"win_rate", q.WinRate,
		"profit_factor", q.ProfitFactor,
		"trades", q.TradeCount,
	)
	return q, nil
}

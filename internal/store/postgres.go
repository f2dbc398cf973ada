package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Wallets ---

const walletColumns = `address, tier, pnl_7d::TEXT, pnl_30d::TEXT, win_rate, profit_factor,
		        trade_count, account_value::TEXT, is_tracked, analyzed_at`

func (s *PostgresStore) EnsureWallet(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, address)
	return err
}

func (s *PostgresStore) UpsertWalletQuality(ctx context.Context, q *model.WalletQuality) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (address, tier, pnl_7d, pnl_30d, win_rate, profit_factor,
		                      trade_count, account_value, is_tracked, analyzed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8::NUMERIC, $9, $10)
		 ON CONFLICT (address) DO UPDATE SET
		     tier = EXCLUDED.tier,
		     pnl_7d = EXCLUDED.pnl_7d,
		     pnl_30d = EXCLUDED.pnl_30d,
		     win_rate = EXCLUDED.win_rate,
		     profit_factor = EXCLUDED.profit_factor,
		     trade_count = EXCLUDED.trade_count,
		     account_value = EXCLUDED.account_value,
		     is_tracked = EXCLUDED.is_tracked,
		     analyzed_at = EXCLUDED.analyzed_at`,
		q.Address, string(q.Tier), q.Pnl7d.String(), q.Pnl30d.String(),
		q.WinRate, q.ProfitFactor, q.TradeCount, q.AccountValue.String(),
		q.IsTracked, q.AnalyzedAt,
	)
	return err
}

func (s *PostgresStore) GetWalletQuality(ctx context.Context, address string) (*model.WalletQuality, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address)
	q, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", address, err)
	}
	return q, nil
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]model.WalletQuality, error) {
	return s.queryWallets(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY address`)
}

func (s *PostgresStore) ListTracked(ctx context.Context) ([]model.WalletQuality, error) {
	return s.queryWallets(ctx, `SELECT `+walletColumns+` FROM wallets WHERE is_tracked ORDER BY address`)
}

func (s *PostgresStore) queryWallets(ctx context.Context, sql string) ([]model.WalletQuality, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WalletQuality
	for rows.Next() {
		q, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (*model.WalletQuality, error) {
	var q model.WalletQuality
	var tier, pnl7d, pnl30d, accountValue string
	if err := row.Scan(&q.Address, &tier, &pnl7d, &pnl30d, &q.WinRate, &q.ProfitFactor,
		&q.TradeCount, &accountValue, &q.IsTracked, &q.AnalyzedAt); err != nil {
		return nil, err
	}
	q.Tier = model.Tier(tier)
	q.Pnl7d, _ = decimal.NewFromString(pnl7d)
	q.Pnl30d, _ = decimal.NewFromString(pnl30d)
	q.AccountValue, _ = decimal.NewFromString(accountValue)
	return &q, nil
}

// --- Positions ---

const positionColumns = `p.wallet, p.coin, p.direction, p.size::TEXT, p.entry_price::TEXT, p.leverage,
		        p.liquidation_price::TEXT, p.notional_value::TEXT, p.updated_at`

func (s *PostgresStore) UpsertPositions(ctx context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range positions {
		if p.Size.IsZero() {
			batch.Queue(`DELETE FROM positions WHERE wallet = $1 AND coin = $2`, p.Wallet, p.Coin)
			continue
		}
		var liq *string
		if p.LiquidationPrice != nil {
			v := p.LiquidationPrice.String()
			liq = &v
		}
		batch.Queue(
			`INSERT INTO positions (wallet, coin, direction, size, entry_price, leverage,
			                        liquidation_price, notional_value, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9)
			 ON CONFLICT (wallet, coin) DO UPDATE SET
			     direction = EXCLUDED.direction,
			     size = EXCLUDED.size,
			     entry_price = EXCLUDED.entry_price,
			     leverage = EXCLUDED.leverage,
			     liquidation_price = EXCLUDED.liquidation_price,
			     notional_value = EXCLUDED.notional_value,
			     updated_at = EXCLUDED.updated_at`,
			p.Wallet, p.Coin, string(p.Direction), p.Size.String(), p.EntryPrice.String(),
			p.Leverage, liq, p.NotionalValue.String(), p.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, wallet, coin string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE wallet = $1 AND coin = $2`, wallet, coin)
	return err
}

func (s *PostgresStore) DeleteStalePositions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListWalletPositions(ctx context.Context, wallet string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions p WHERE p.wallet = $1 ORDER BY p.coin`, wallet)
}

func (s *PostgresStore) GetTrackedWalletPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+`
		 FROM positions p
		 JOIN wallets w ON w.address = p.wallet
		 WHERE w.is_tracked
		 ORDER BY p.coin, p.wallet`)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var direction, size, entry, notional string
		var liq *string
		if err := rows.Scan(&p.Wallet, &p.Coin, &direction, &size, &entry, &p.Leverage,
			&liq, &notional, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Direction = model.Direction(direction)
		p.Size, _ = decimal.NewFromString(size)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.NotionalValue, _ = decimal.NewFromString(notional)
		if liq != nil {
			if v, err := decimal.NewFromString(*liq); err == nil {
				p.LiquidationPrice = &v
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Signals ---

const signalColumns = `id::TEXT, coin, direction, elite_count, good_count, total_traders, opposing_count,
		        directional_agreement, combined_pnl_7d::TEXT, avg_win_rate, avg_profit_factor,
		        total_position_value::TEXT, suggested_entry::TEXT, entry_range_low::TEXT,
		        entry_range_high::TEXT, stop_loss::TEXT, stop_distance_pct, take_profit_1::TEXT,
		        take_profit_2::TEXT, take_profit_3::TEXT, suggested_leverage, risk_score, confidence,
		        signal_strength, is_active, invalid_reason, created_at, updated_at, expires_at,
		        invalidated_at`

// UpsertSignal writes an active signal keyed by (coin, direction): when
// another writer already holds the active row for the key, that row's id and
// created_at win and are copied back into sig. Inactive rows upsert by id.
func (s *PostgresStore) UpsertSignal(ctx context.Context, sig *model.Signal) error {
	conflict := "ON CONFLICT (id)"
	if sig.IsActive {
		conflict = "ON CONFLICT (coin, direction) WHERE is_active"
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO signals (id, coin, direction, elite_count, good_count, total_traders, opposing_count,
		                      directional_agreement, combined_pnl_7d, avg_win_rate, avg_profit_factor,
		                      total_position_value, suggested_entry, entry_range_low, entry_range_high,
		                      stop_loss, stop_distance_pct, take_profit_1, take_profit_2, take_profit_3,
		                      suggested_leverage, risk_score, confidence, signal_strength, is_active,
		                      invalid_reason, created_at, updated_at, expires_at, invalidated_at)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17, $18::NUMERIC, $19::NUMERIC, $20::NUMERIC,
		         $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
		 `+conflict+` DO UPDATE SET
		     elite_count = EXCLUDED.elite_count,
		     good_count = EXCLUDED.good_count,
		     total_traders = EXCLUDED.total_traders,
		     opposing_count = EXCLUDED.opposing_count,
		     directional_agreement = EXCLUDED.directional_agreement,
		     combined_pnl_7d = EXCLUDED.combined_pnl_7d,
		     avg_win_rate = EXCLUDED.avg_win_rate,
		     avg_profit_factor = EXCLUDED.avg_profit_factor,
		     total_position_value = EXCLUDED.total_position_value,
		     suggested_entry = EXCLUDED.suggested_entry,
		     entry_range_low = EXCLUDED.entry_range_low,
		     entry_range_high = EXCLUDED.entry_range_high,
		     stop_loss = EXCLUDED.stop_loss,
		     stop_distance_pct = EXCLUDED.stop_distance_pct,
		     take_profit_1 = EXCLUDED.take_profit_1,
		     take_profit_2 = EXCLUDED.take_profit_2,
		     take_profit_3 = EXCLUDED.take_profit_3,
		     suggested_leverage = EXCLUDED.suggested_leverage,
		     risk_score = EXCLUDED.risk_score,
		     confidence = EXCLUDED.confidence,
		     signal_strength = EXCLUDED.signal_strength,
		     is_active = EXCLUDED.is_active,
		     invalid_reason = EXCLUDED.invalid_reason,
		     updated_at = EXCLUDED.updated_at,
		     expires_at = EXCLUDED.expires_at,
		     invalidated_at = EXCLUDED.invalidated_at
		 RETURNING id::TEXT, created_at`,
		sig.ID, sig.Coin, string(sig.Direction), sig.EliteCount, sig.GoodCount, sig.TotalTraders,
		sig.OpposingCount, sig.DirectionalAgreement, sig.CombinedPnl7d.String(), sig.AvgWinRate,
		sig.AvgProfitFactor, sig.TotalPositionValue.String(), sig.SuggestedEntry.String(),
		sig.EntryRangeLow.String(), sig.EntryRangeHigh.String(), sig.StopLoss.String(),
		sig.StopDistancePct, sig.TakeProfit1.String(), sig.TakeProfit2.String(),
		sig.TakeProfit3.String(), sig.SuggestedLeverage, sig.RiskScore, sig.Confidence,
		string(sig.SignalStrength), sig.IsActive, sig.InvalidReason, sig.CreatedAt,
		sig.UpdatedAt, sig.ExpiresAt, sig.InvalidatedAt,
	).Scan(&sig.ID, &sig.CreatedAt)
}

func (s *PostgresStore) GetActiveSignal(ctx context.Context, key model.Key) (*model.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE coin = $1 AND direction = $2 AND is_active`, key.Coin, string(key.Direction))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals, err := scanSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("get active signal %s: %w", key, err)
	}
	if len(signals) == 0 {
		return nil, ErrNotFound
	}
	return &signals[0], nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, f model.SignalFilter) ([]model.Signal, error) {
	var where []string
	var args []any
	if f.ActiveOnly {
		where = append(where, "is_active")
	}
	if f.Coin != "" {
		args = append(args, f.Coin)
		where = append(where, fmt.Sprintf("coin = $%d", len(args)))
	}
	if f.MinConfidence > 0 {
		args = append(args, f.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	if f.CreatedAfter != nil {
		args = append(args, *f.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	sql := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY confidence DESC, created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSignals(rows)
}

func (s *PostgresStore) DeactivateSignals(ctx context.Context, keys []model.Key, reason string, at time.Time) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	coins := make([]string, len(keys))
	directions := make([]string, len(keys))
	for i, k := range keys {
		coins[i] = k.Coin
		directions[i] = string(k.Direction)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE signals s
		 SET is_active = FALSE, invalid_reason = $3, updated_at = $4, invalidated_at = $4
		 FROM UNNEST($1::TEXT[], $2::TEXT[]) AS k(coin, direction)
		 WHERE s.coin = k.coin AND s.direction = k.direction AND s.is_active`,
		coins, directions, reason, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ExpireSignals(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signals
		 SET is_active = FALSE, invalid_reason = $2, updated_at = $1, invalidated_at = $1
		 WHERE is_active AND expires_at < $1`,
		now, model.ReasonExpired,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteSignals(ctx context.Context, inactiveBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM signals WHERE NOT is_active AND created_at < $1`, inactiveBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// scanSignals reads pgx rows into Signal slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSignals(rows pgxRows) ([]model.Signal, error) {
	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var direction, strength string
		var pnl, total, entry, low, high, stop, tp1, tp2, tp3 string

		if err := rows.Scan(&sig.ID, &sig.Coin, &direction, &sig.EliteCount, &sig.GoodCount,
			&sig.TotalTraders, &sig.OpposingCount, &sig.DirectionalAgreement, &pnl,
			&sig.AvgWinRate, &sig.AvgProfitFactor, &total, &entry, &low, &high, &stop,
			&sig.StopDistancePct, &tp1, &tp2, &tp3, &sig.SuggestedLeverage, &sig.RiskScore,
			&sig.Confidence, &strength, &sig.IsActive, &sig.InvalidReason, &sig.CreatedAt,
			&sig.UpdatedAt, &sig.ExpiresAt, &sig.InvalidatedAt); err != nil {
			return nil, err
		}

		sig.Direction = model.Direction(direction)
		sig.SignalStrength = model.Strength(strength)
		sig.CombinedPnl7d, _ = decimal.NewFromString(pnl)
		sig.TotalPositionValue, _ = decimal.NewFromString(total)
		sig.SuggestedEntry, _ = decimal.NewFromString(entry)
		sig.EntryRangeLow, _ = decimal.NewFromString(low)
		sig.EntryRangeHigh, _ = decimal.NewFromString(high)
		sig.StopLoss, _ = decimal.NewFromString(stop)
		sig.TakeProfit1, _ = decimal.NewFromString(tp1)
		sig.TakeProfit2, _ = decimal.NewFromString(tp2)
		sig.TakeProfit3, _ = decimal.NewFromString(tp3)

		out = append(out, sig)
	}
	return out, rows.Err()
}

package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// Monetary values are NUMERIC for exact decimal precision.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL,
	venue TEXT NOT NULL,
	base_mint TEXT NOT NULL,
	quote_mint TEXT NOT NULL,
	strategy TEXT NOT NULL,
	entry_price NUMERIC NOT NULL,
	exit_price NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	close_time TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL,
	entry_signature TEXT NOT NULL DEFAULT '',
	exit_signature TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(close_time);
`

type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := pool.Exec(pctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

func (j *PostgresJournal) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO trades
		 (trade_id, pool_id, venue, base_mint, quote_mint, strategy, entry_price, exit_price,
		  realized_pnl, open_time, close_time, reason, entry_signature, exit_signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		t.TradeID, t.PoolID, string(t.Venue), t.BaseMint, t.QuoteMint, t.Strategy,
		t.EntryPrice.String(), t.ExitPrice.String(), t.RealizedPnL.String(),
		t.OpenTime.UTC(), t.CloseTime.UTC(), t.Reason, t.EntrySignature, t.ExitSignature,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (j *PostgresJournal) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.pool.Query(ctx,
		`SELECT trade_id, pool_id, venue, base_mint, quote_mint, strategy,
		        entry_price::TEXT, exit_price::TEXT, realized_pnl::TEXT,
		        open_time, close_time, reason, entry_signature, exit_signature
		 FROM trades ORDER BY trade_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var venue, entry, exit, pnl string
		if err := rows.Scan(&t.TradeID, &t.PoolID, &venue, &t.BaseMint, &t.QuoteMint, &t.Strategy,
			&entry, &exit, &pnl, &t.OpenTime, &t.CloseTime, &t.Reason, &t.EntrySignature, &t.ExitSignature); err != nil {
			return nil, err
		}
		t.Venue = model.Venue(venue)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

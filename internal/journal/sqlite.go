package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// Decimals and times are stored as TEXT so nothing is rounded through REAL.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL,
	venue TEXT NOT NULL,
	base_mint TEXT NOT NULL,
	quote_mint TEXT NOT NULL,
	strategy TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	open_time TEXT NOT NULL,
	close_time TEXT NOT NULL,
	reason TEXT NOT NULL,
	entry_signature TEXT NOT NULL DEFAULT '',
	exit_signature TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(close_time);
`

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// one writer; the sqlite driver serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(trade_id, pool_id, venue, base_mint, quote_mint, strategy, entry_price, exit_price,
		 realized_pnl, open_time, close_time, reason, entry_signature, exit_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.PoolID, string(t.Venue), t.BaseMint, t.QuoteMint, t.Strategy,
		t.EntryPrice.String(), t.ExitPrice.String(), t.RealizedPnL.String(),
		t.OpenTime.UTC().Format(time.RFC3339Nano), t.CloseTime.UTC().Format(time.RFC3339Nano),
		t.Reason, t.EntrySignature, t.ExitSignature,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (j *SQLiteJournal) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT trade_id, pool_id, venue, base_mint, quote_mint, strategy, entry_price, exit_price,
		       realized_pnl, open_time, close_time, reason, entry_signature, exit_signature
		FROM trades ORDER BY trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var venue, entry, exit, pnl, opened, closed string
		if err := rows.Scan(&t.TradeID, &t.PoolID, &venue, &t.BaseMint, &t.QuoteMint, &t.Strategy,
			&entry, &exit, &pnl, &opened, &closed, &t.Reason, &t.EntrySignature, &t.ExitSignature); err != nil {
			return nil, err
		}
		t.Venue = model.Venue(venue)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.OpenTime, _ = time.Parse(time.RFC3339Nano, opened)
		t.CloseTime, _ = time.Parse(time.RFC3339Nano, closed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

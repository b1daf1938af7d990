// Package journal keeps one row per closed trade for later analysis. It is
// an append-only record; the state file stays the source of truth.
package journal

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

// TradeRecord is a closed position.
type TradeRecord struct {
	TradeID        string          `json:"trade_id"`
	PoolID         string          `json:"pool_id"`
	Venue          model.Venue     `json:"venue"`
	BaseMint       string          `json:"base_mint"`
	QuoteMint      string          `json:"quote_mint"`
	Strategy       string          `json:"strategy"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	OpenTime       time.Time       `json:"open_time"`
	CloseTime      time.Time       `json:"close_time"`
	Reason         string          `json:"reason"`
	EntrySignature string          `json:"entry_signature,omitempty"`
	ExitSignature  string          `json:"exit_signature,omitempty"`
}

// Journal stores closed trades.
type Journal interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	// Trades returns the most recent trades, newest first.
	Trades(ctx context.Context, limit int) ([]TradeRecord, error)
	Close() error
}

var (
	idMu sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewID returns a time-sortable trade ID.
func NewID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), mono).String()
}

// FromPosition builds the record for a position closed by a confirmed exit.
func FromPosition(p model.Position) TradeRecord {
	closed := p.ClosedAt
	if closed.IsZero() {
		closed = time.Now().UTC()
	}
	return TradeRecord{
		TradeID:        NewID(closed),
		PoolID:         p.PoolID,
		Venue:          p.Venue,
		BaseMint:       p.BaseMint,
		QuoteMint:      p.QuoteMint,
		Strategy:       p.Strategy,
		EntryPrice:     p.EntryPrice,
		ExitPrice:      p.LastPrice,
		RealizedPnL:    p.RealizedPnL,
		OpenTime:       p.OpenedAt,
		CloseTime:      closed,
		Reason:         p.ExitReason,
		EntrySignature: p.EntrySignature,
		ExitSignature:  p.ExitSignature,
	}
}

// Open returns the journal named by cfg. Type "none" yields a nil journal.
func Open(ctx context.Context, cfg config.Journal) (Journal, error) {
	switch cfg.Type {
	case "sqlite", "":
		j, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "postgres":
		j, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
}

// Hook adapts j into a position-close callback. Write failures are logged;
// the trade is already booked in the state file.
func Hook(j Journal) func(model.Position) {
	return func(p model.Position) {
		rec := FromPosition(p)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.RecordTrade(ctx, rec); err != nil {
			observ.Error("journal_write_failed", err, map[string]any{"pool": p.PoolID, "trade_id": rec.TradeID})
			observ.IncCounter("journal_failures_total", nil)
			return
		}
		observ.Log("trade_journaled", map[string]any{
			"trade_id":     rec.TradeID,
			"pool":         rec.PoolID,
			"strategy":     rec.Strategy,
			"realized_pnl": rec.RealizedPnL.String(),
			"reason":       rec.Reason,
		})
	}
}

// Package feed turns venue websocket frames into canonical market events.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// ErrMalformedPayload is wrapped by every NormalizationError.
var ErrMalformedPayload = errors.New("malformed payload")

// NormalizationError explains why a venue payload was rejected.
type NormalizationError struct {
	Venue  model.Venue
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("normalize %s: %s", e.Venue, e.Reason)
	}
	return fmt.Sprintf("normalize %s: %s: %s", e.Venue, e.Field, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return ErrMalformedPayload }

// Normalize converts one raw venue payload. Payloads without a timestamp are
// stamped with the current time.
func Normalize(venue model.Venue, raw []byte) (model.MarketEvent, error) {
	return NormalizeAt(venue, raw, time.Now())
}

// NormalizeAt is Normalize with an explicit receive time for payloads that
// carry none. It has no side effects.
func NormalizeAt(venue model.Venue, raw []byte, received time.Time) (model.MarketEvent, error) {
	switch venue {
	case model.VenueRaydium:
		return normalizeRaydium(raw)
	case model.VenueMeteora:
		return normalizeMeteora(raw)
	case model.VenuePumpFun:
		return normalizePumpFun(raw, received)
	}
	return model.MarketEvent{}, &NormalizationError{Venue: venue, Reason: "unsupported venue"}
}

// decimal.NullDecimal accepts JSON numbers and numeric strings alike.

type raydiumPayload struct {
	Type      string              `json:"type"`
	AmmID     string              `json:"ammId"`
	BaseMint  string              `json:"baseMint"`
	QuoteMint string              `json:"quoteMint"`
	Liquidity decimal.NullDecimal `json:"liquidity"`
	Price     decimal.NullDecimal `json:"price"`
	Timestamp decimal.NullDecimal `json:"timestamp"` // unix ms
}

func normalizeRaydium(raw []byte) (model.MarketEvent, error) {
	bad := badField(model.VenueRaydium)
	var p raydiumPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.MarketEvent{}, bad("", err.Error())
	}

	var kind model.EventKind
	switch p.Type {
	case "pool_created":
		kind = model.EventPoolCreated
	case "liquidity_changed":
		kind = model.EventLiquidityChanged
	case "price_update":
		kind = model.EventPriceUpdate
	default:
		return model.MarketEvent{}, bad("type", fmt.Sprintf("unknown event type %q", p.Type))
	}
	if !p.Timestamp.Valid || !p.Timestamp.Decimal.IsPositive() {
		return model.MarketEvent{}, bad("timestamp", "missing")
	}

	return build(model.VenueRaydium, kind, ids{p.AmmID, p.BaseMint, p.QuoteMint, "ammId", "baseMint", "quoteMint"},
		p.Liquidity, p.Price, time.UnixMilli(p.Timestamp.Decimal.IntPart()).UTC())
}

type meteoraPayload struct {
	Event        string              `json:"event"`
	PoolAddress  string              `json:"pool_address"`
	TokenXMint   string              `json:"token_x_mint"`
	TokenYMint   string              `json:"token_y_mint"`
	LiquidityUSD decimal.NullDecimal `json:"liquidity_usd"`
	Price        decimal.NullDecimal `json:"price"`
	SlotTime     decimal.NullDecimal `json:"slot_time"` // unix seconds
}

func normalizeMeteora(raw []byte) (model.MarketEvent, error) {
	bad := badField(model.VenueMeteora)
	var p meteoraPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.MarketEvent{}, bad("", err.Error())
	}

	var kind model.EventKind
	switch p.Event {
	case "pool_init":
		kind = model.EventPoolCreated
	case "liquidity":
		kind = model.EventLiquidityChanged
	case "swap":
		kind = model.EventPriceUpdate
	default:
		return model.MarketEvent{}, bad("event", fmt.Sprintf("unknown event %q", p.Event))
	}
	if !p.SlotTime.Valid || !p.SlotTime.Decimal.IsPositive() {
		return model.MarketEvent{}, bad("slot_time", "missing")
	}

	return build(model.VenueMeteora, kind, ids{p.PoolAddress, p.TokenXMint, p.TokenYMint, "pool_address", "token_x_mint", "token_y_mint"},
		p.LiquidityUSD, p.Price, time.Unix(p.SlotTime.Decimal.IntPart(), 0).UTC())
}

type pumpPayload struct {
	TxType          string              `json:"txType"`
	Mint            string              `json:"mint"`
	BondingCurveKey string              `json:"bondingCurveKey"`
	VSol            decimal.NullDecimal `json:"vSolInBondingCurve"`
	VTokens         decimal.NullDecimal `json:"vTokensInBondingCurve"`
	Timestamp       decimal.NullDecimal `json:"timestamp"` // unix ms, optional
}

func normalizePumpFun(raw []byte, received time.Time) (model.MarketEvent, error) {
	bad := badField(model.VenuePumpFun)
	var p pumpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.MarketEvent{}, bad("", err.Error())
	}

	var kind model.EventKind
	switch p.TxType {
	case "create":
		kind = model.EventPoolCreated
	case "buy":
		kind = model.EventPriceUpdate
	case "sell":
		kind = model.EventLiquidityChanged
	default:
		return model.MarketEvent{}, bad("txType", fmt.Sprintf("unknown txType %q", p.TxType))
	}
	if !p.VSol.Valid || !p.VSol.Decimal.IsPositive() {
		return model.MarketEvent{}, bad("vSolInBondingCurve", "missing or not positive")
	}
	if !p.VTokens.Valid || !p.VTokens.Decimal.IsPositive() {
		return model.MarketEvent{}, bad("vTokensInBondingCurve", "missing or not positive")
	}

	ts := received.UTC()
	if p.Timestamp.Valid && p.Timestamp.Decimal.IsPositive() {
		ts = time.UnixMilli(p.Timestamp.Decimal.IntPart()).UTC()
	}
	price := decimal.NullDecimal{Decimal: p.VSol.Decimal.DivRound(p.VTokens.Decimal, 18), Valid: true}

	return build(model.VenuePumpFun, kind, ids{p.BondingCurveKey, p.Mint, config.WrappedSOL, "bondingCurveKey", "mint", "quote"},
		p.VSol, price, ts)
}

type ids struct {
	pool, base, quote          string
	poolKey, baseKey, quoteKey string
}

// build applies the checks common to every venue.
func build(venue model.Venue, kind model.EventKind, id ids, liq, price decimal.NullDecimal, ts time.Time) (model.MarketEvent, error) {
	bad := badField(venue)
	switch {
	case id.pool == "":
		return model.MarketEvent{}, bad(id.poolKey, "missing")
	case id.base == "":
		return model.MarketEvent{}, bad(id.baseKey, "missing")
	case id.quote == "":
		return model.MarketEvent{}, bad(id.quoteKey, "missing")
	case id.base == id.quote:
		return model.MarketEvent{}, bad(id.baseKey, "equals quote mint")
	}

	ev := model.MarketEvent{
		Venue:     venue,
		PoolID:    id.pool,
		BaseMint:  id.base,
		QuoteMint: id.quote,
		Liquidity: decimal.Zero,
		Price:     decimal.Zero,
		Timestamp: ts,
		Kind:      kind,
	}
	if liq.Valid {
		if liq.Decimal.IsNegative() {
			return model.MarketEvent{}, bad("liquidity", "negative")
		}
		ev.Liquidity = liq.Decimal
	}
	if price.Valid {
		if price.Decimal.IsNegative() {
			return model.MarketEvent{}, bad("price", "negative")
		}
		ev.Price = price.Decimal
	}

	switch kind {
	case model.EventPoolCreated, model.EventLiquidityChanged:
		if !liq.Valid {
			return model.MarketEvent{}, bad("liquidity", "required for "+string(kind))
		}
	case model.EventPriceUpdate:
		if !ev.Price.IsPositive() {
			return model.MarketEvent{}, bad("price", "required for "+string(kind))
		}
	}
	return ev, nil
}

func badField(venue model.Venue) func(field, reason string) error {
	return func(field, reason string) error {
		return &NormalizationError{Venue: venue, Field: field, Reason: reason}
	}
}

// Package model holds the domain types shared by the feed, risk, decision,
// execution and portfolio packages. All money and price quantities use
// shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the supported DEX venues. The set is closed.
type Venue string

const (
	VenueRaydium Venue = "raydium"
	VenueMeteora Venue = "meteora"
	VenuePumpFun Venue = "pumpfun"
)

// Venues lists every supported venue in a stable order.
var Venues = []Venue{VenueRaydium, VenueMeteora, VenuePumpFun}

// ParseVenue maps a config or wire string onto a Venue.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raydium":
		return VenueRaydium, nil
	case "meteora":
		return VenueMeteora, nil
	case "pumpfun", "pump.fun", "pump":
		return VenuePumpFun, nil
	}
	return "", fmt.Errorf("unknown venue %q", s)
}

// Valid reports whether v is one of the supported venues.
func (v Venue) Valid() bool {
	return v == VenueRaydium || v == VenueMeteora || v == VenuePumpFun
}

// EventKind classifies a MarketEvent.
type EventKind string

const (
	EventPoolCreated      EventKind = "pool_created"
	EventLiquidityChanged EventKind = "liquidity_changed"
	EventPriceUpdate      EventKind = "price_update"
)

// MarketEvent is the canonical, venue-independent pool notification.
// It is a value type and is never mutated after normalization.
type MarketEvent struct {
	Venue     Venue           `json:"venue"`
	PoolID    string          `json:"pool_id"`
	BaseMint  string          `json:"base_mint"`
	QuoteMint string          `json:"quote_mint"`
	Liquidity decimal.Decimal `json:"liquidity"` // quote-denominated
	Price     decimal.Decimal `json:"price"`     // quote per base; zero when not reported
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
}

// HasPrice reports whether the venue reported a usable price.
func (e MarketEvent) HasPrice() bool {
	return e.Price.IsPositive()
}

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Urgency tiers drive priority fees and relay tips.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Strategy tags
const (
	StrategyAntiRugSnipe   = "anti_rug_snipe"
	StrategyMomentumScalp  = "momentum_scalp"
	StrategyExit           = "exit"
	StrategyLiquidityShock = "liquidity_shock"
	StrategyHardStop       = "portfolio_hard_stop"
)

// TradeIntent is produced by the decision engine (or the governor for forced
// exits) and consumed exactly once by the execution router.
type TradeIntent struct {
	ID             string          `json:"id"`
	Side           Side            `json:"side"`
	PoolID         string          `json:"pool_id"`
	Venue          Venue           `json:"venue"`
	BaseMint       string          `json:"base_mint"`
	QuoteMint      string          `json:"quote_mint"`
	Amount         decimal.Decimal `json:"amount"` // input token: quote for buys, base for sells
	MaxSlippageBps int             `json:"max_slippage_bps"`
	Urgency        Urgency         `json:"urgency"`
	Strategy       string          `json:"strategy"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InputMint is the mint spent by the swap.
func (i TradeIntent) InputMint() string {
	if i.Side == SideBuy {
		return i.QuoteMint
	}
	return i.BaseMint
}

// OutputMint is the mint received by the swap.
func (i TradeIntent) OutputMint() string {
	if i.Side == SideBuy {
		return i.BaseMint
	}
	return i.QuoteMint
}

// PositionStatus is the per-position sub-state.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is owned by the portfolio store and only changes through
// governor-approved transitions. StopLoss and TakeProfit are written once at
// entry and never modified afterwards.
type Position struct {
	PoolID         string          `json:"pool_id"`
	Venue          Venue           `json:"venue"`
	BaseMint       string          `json:"base_mint"`
	QuoteMint      string          `json:"quote_mint"`
	Strategy       string          `json:"strategy"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	Size           decimal.Decimal `json:"size"`       // base units held
	CostBasis      decimal.Decimal `json:"cost_basis"` // quote spent for Size
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	OpenedAt       time.Time       `json:"opened_at"`
	Status         PositionStatus  `json:"status"`
	ExitReason     string          `json:"exit_reason,omitempty"`
	LastPrice      decimal.Decimal `json:"last_price"`
	PeakPrice      decimal.Decimal `json:"peak_price"` // highest price seen while held
	Unconfirmed    bool            `json:"unconfirmed,omitempty"`
	EntrySignature string          `json:"entry_signature,omitempty"`
	ExitSignature  string          `json:"exit_signature,omitempty"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	ClosedAt       time.Time       `json:"closed_at,omitempty"`
}

// Active reports whether the position still holds inventory.
func (p Position) Active() bool {
	return p.Status == PositionOpen || p.Status == PositionClosing
}

// HitsStopLoss reports whether price is at or below the stop.
func (p Position) HitsStopLoss(price decimal.Decimal) bool {
	return price.IsPositive() && p.StopLoss.IsPositive() && price.LessThanOrEqual(p.StopLoss)
}

// HitsTakeProfit reports whether price is at or above the target.
func (p Position) HitsTakeProfit(price decimal.Decimal) bool {
	return price.IsPositive() && p.TakeProfit.IsPositive() && price.GreaterThanOrEqual(p.TakeProfit)
}

// ReceiptStatus is the router's resolution of an intent.
type ReceiptStatus string

const (
	ReceiptFilled        ReceiptStatus = "filled"
	ReceiptFailed        ReceiptStatus = "failed"
	ReceiptIndeterminate ReceiptStatus = "indeterminate"
)

// Confirmation is the relay/chain confirmation state of a submission.
type Confirmation string

const (
	ConfirmationConfirmed Confirmation = "confirmed"
	ConfirmationRejected  Confirmation = "rejected"
	ConfirmationUnknown   Confirmation = "unknown"
)

// ExecutionReceipt is the router's report of one intent.
type ExecutionReceipt struct {
	IntentID      string          `json:"intent_id"`
	Intent        TradeIntent     `json:"intent"`
	Status        ReceiptStatus   `json:"status"`
	InAmount      decimal.Decimal `json:"in_amount"`
	OutAmount     decimal.Decimal `json:"out_amount"`
	FillPrice     decimal.Decimal `json:"fill_price"` // quote per base
	Partial       bool            `json:"partial,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Confirmation  Confirmation    `json:"confirmation"`
	BundleID      string          `json:"bundle_id,omitempty"`
	Signature     string          `json:"signature,omitempty"`
	Retries       int             `json:"retries"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Confirmed reports whether the receipt is a chain-confirmed fill. Only these
// receipts may move realized PnL.
func (r ExecutionReceipt) Confirmed() bool {
	return r.Status == ReceiptFilled && r.Confirmation == ConfirmationConfirmed
}

// PendingIntent is an Indeterminate submission awaiting reconciliation.
type PendingIntent struct {
	Intent     TradeIntent `json:"intent"`
	BundleID   string      `json:"bundle_id,omitempty"`
	Signature  string      `json:"signature,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// PriceOf returns quote-per-base for a fill of the given side.
func PriceOf(side Side, in, out decimal.Decimal) decimal.Decimal {
	if side == SideBuy {
		if out.IsZero() {
			return decimal.Zero
		}
		return in.DivRound(out, 18)
	}
	if in.IsZero() {
		return decimal.Zero
	}
	return out.DivRound(in, 18)
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the governor's top-level state.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeReadOnly Mode = "read_only"
)

// Read-only reasons
const (
	ReasonDailyLossLimit    = "daily_loss_limit"
	ReasonPortfolioHardStop = "portfolio_hard_stop"
	ReasonPersistFailure    = "state_persist_failure"
	ReasonManualHalt        = "manual_halt"
)

// Limits are the per-position and portfolio exposure limits.
type Limits struct {
	MaxOpenPositions    int             `json:"max_open_positions"`
	MaxPositionNotional decimal.Decimal `json:"max_position_notional"`
	MaxExposure         decimal.Decimal `json:"max_exposure"`
}

// RiskState is the single process-wide risk record. It is persisted together
// with the position map and mutated only through the risk governor.
type RiskState struct {
	Mode             Mode            `json:"mode"`
	DayKey           string          `json:"day_key"` // UTC YYYY-MM-DD
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	DailyLossPct     decimal.Decimal `json:"daily_loss_pct"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"` // absolute quote amount
	HardStopPct      decimal.Decimal `json:"hard_stop_pct"`
	Limits           Limits          `json:"limits"`
	StartingEquity   decimal.Decimal `json:"starting_equity"`
	DayStartEquity   decimal.Decimal `json:"day_start_equity"`
	Equity           decimal.Decimal `json:"equity"`
	LastReset        time.Time       `json:"last_reset"`
	ReadOnlyReason   string          `json:"read_only_reason,omitempty"`
	ReadOnlySince    time.Time       `json:"read_only_since,omitempty"`
	Latched          bool            `json:"latched,omitempty"`
}

// DayKey returns the UTC trading-day key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewRiskState builds the initial state for a fresh deployment.
func NewRiskState(equity, dailyLossPct, hardStopPct decimal.Decimal, limits Limits, now time.Time) RiskState {
	return RiskState{
		Mode:             ModeActive,
		DayKey:           DayKey(now),
		DailyRealizedPnL: decimal.Zero,
		DailyLossPct:     dailyLossPct,
		DailyLossLimit:   equity.Mul(dailyLossPct),
		HardStopPct:      hardStopPct,
		Limits:           limits,
		StartingEquity:   equity,
		DayStartEquity:   equity,
		Equity:           equity,
		LastReset:        now.UTC(),
	}
}

// AllowsEntries reports whether risk-increasing intents may be authorized.
func (s RiskState) AllowsEntries() bool {
	return s.Mode == ModeActive
}

// HardStopped reports whether the portfolio hard stop has tripped. Every open
// position is liquidated while it holds.
func (s RiskState) HardStopped() bool {
	return s.Mode == ModeReadOnly && s.ReadOnlyReason == ReasonPortfolioHardStop
}

// RollOver resets the daily counters when now falls on a later UTC day than
// DayKey. A latched read-only state survives the rollover. It reports whether
// a rollover happened.
func (s *RiskState) RollOver(now time.Time) bool {
	key := DayKey(now)
	if key <= s.DayKey {
		return false
	}
	s.DayKey = key
	s.DailyRealizedPnL = decimal.Zero
	s.DayStartEquity = s.Equity
	s.DailyLossLimit = s.Equity.Mul(s.DailyLossPct)
	s.LastReset = now.UTC()
	if s.Mode == ModeReadOnly && !s.Latched {
		s.Mode = ModeActive
		s.ReadOnlyReason = ""
		s.ReadOnlySince = time.Time{}
	}
	return true
}

// RegisterRealized books a confirmed realized PnL delta and applies the
// daily-loss and hard-stop rules. It reports whether this call moved the
// state from Active to ReadOnly.
func (s *RiskState) RegisterRealized(pnl decimal.Decimal, now time.Time) bool {
	s.DailyRealizedPnL = s.DailyRealizedPnL.Add(pnl)
	s.Equity = s.Equity.Add(pnl)

	wasActive := s.Mode == ModeActive
	if s.HardStopPct.IsPositive() && s.StartingEquity.IsPositive() {
		floor := s.StartingEquity.Mul(decimal.NewFromInt(1).Sub(s.HardStopPct))
		if s.Equity.LessThanOrEqual(floor) {
			s.Halt(ReasonPortfolioHardStop, now, true)
		}
	}
	if s.Mode == ModeActive && s.DailyLossLimit.IsPositive() &&
		s.DailyRealizedPnL.LessThanOrEqual(s.DailyLossLimit.Neg()) {
		s.Halt(ReasonDailyLossLimit, now, false)
	}
	return wasActive && s.Mode == ModeReadOnly
}

// Halt forces ReadOnly. Latching keeps the state read-only across rollovers.
func (s *RiskState) Halt(reason string, now time.Time, latch bool) {
	if s.Mode != ModeReadOnly {
		s.Mode = ModeReadOnly
		s.ReadOnlyReason = reason
		s.ReadOnlySince = now.UTC()
	}
	if latch {
		s.Latched = true
		s.ReadOnlyReason = reason
	}
}

// Resume is the manual override that returns a halted state to Active.
func (s *RiskState) Resume() {
	s.Mode = ModeActive
	s.Latched = false
	s.ReadOnlyReason = ""
	s.ReadOnlySince = time.Time{}
}

package decision

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

type SnipeConfig struct {
	Enabled      bool
	MinLiquidity decimal.Decimal
	MaxLiquidity decimal.Decimal // zero disables the upper bound
}

type MomentumConfig struct {
	Enabled        bool
	RSIPeriod      int
	RSIBreakout    float64
	LookbackEvents int
	MinMomentumPct float64
	MinLiquidity   decimal.Decimal
}

// TrailingConfig arms a trailing stop once the peak is ArmPct above entry;
// it then exits when price falls StopPct below the peak. A zero StopPct
// disables it.
type TrailingConfig struct {
	ArmPct  decimal.Decimal
	StopPct decimal.Decimal
}

type Config struct {
	QuoteMint        string
	PositionSize     decimal.Decimal // quote per entry
	EntrySlippageBps int
	ExitSlippageBps  int
	MaxHold          time.Duration // zero disables the time stop
	Trailing         TrailingConfig
	Snipe            SnipeConfig
	Momentum         MomentumConfig
}

// Exit reasons
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitMaxHold    = "max_hold"
	ExitTrailing   = "trailing_stop"
	ExitRetry      = "exit_retry"
)

// Reason is the audit record attached to every evaluation.
type Reason struct {
	Pool         string   `json:"pool"`
	Kind         string   `json:"kind"`
	Strategy     string   `json:"strategy,omitempty"`
	GatesPassed  []string `json:"gates_passed"`
	GatesBlocked []string `json:"gates_blocked"`
	RSI          *float64 `json:"rsi,omitempty"`
	Momentum     *float64 `json:"momentum,omitempty"`
	Liquidity    string   `json:"liquidity,omitempty"`
	Price        string   `json:"price,omitempty"`
}

// Decision is the full outcome of one evaluation.
type Decision struct {
	Intent     model.TradeIntent
	Act        bool
	Reason     Reason
	ReasonJSON string
}

// Engine turns market events into trade intents. It never calls the risk
// governor; every intent it emits still has to be authorized.
type Engine struct {
	cfg      Config
	screen   SafetyScreen
	momentum *MomentumTracker
	now      func() time.Time
}

func NewEngine(cfg Config, screen SafetyScreen) *Engine {
	if screen == nil {
		screen = NewStaticScreen(nil, nil, false)
	}
	size := cfg.Momentum.LookbackEvents
	if n := cfg.Momentum.RSIPeriod * 3; n > size {
		size = n
	}
	return &Engine{cfg: cfg, screen: screen, momentum: NewMomentumTracker(size), now: time.Now}
}

// Momentum exposes the price tracker so the agent can prune idle pools.
func (e *Engine) Momentum() *MomentumTracker { return e.momentum }

// Decide returns an intent when the event warrants one. Not acting is the
// common case.
func (e *Engine) Decide(ctx context.Context, ev model.MarketEvent, positions map[string]model.Position, risk model.RiskState) (model.TradeIntent, bool) {
	d := e.Evaluate(ctx, ev, positions, risk)
	return d.Intent, d.Act
}

// Evaluate is Decide with the reasoning attached.
func (e *Engine) Evaluate(ctx context.Context, ev model.MarketEvent, positions map[string]model.Position, risk model.RiskState) Decision {
	r := Reason{Pool: ev.PoolID, Kind: string(ev.Kind), GatesPassed: []string{}, GatesBlocked: []string{}}
	if ev.Liquidity.IsPositive() {
		r.Liquidity = ev.Liquidity.String()
	}
	if ev.HasPrice() {
		r.Price = ev.Price.String()
	}

	var series []float64
	if ev.HasPrice() {
		p, _ := ev.Price.Float64()
		series = e.momentum.Record(ev.PoolID, p, ev.Timestamp)
	}

	var d Decision
	if pos, held := positions[ev.PoolID]; held && pos.Active() {
		d = e.evaluateExit(ev, pos, &r)
	} else {
		d = e.evaluateEntry(ctx, ev, positions, risk, series, &r)
	}

	d.Reason = r
	if b, err := json.Marshal(r); err == nil {
		d.ReasonJSON = string(b)
	}
	if d.Act {
		observ.Log("decision", map[string]any{
			"pool":      ev.PoolID,
			"venue":     string(ev.Venue),
			"side":      string(d.Intent.Side),
			"strategy":  d.Intent.Strategy,
			"intent_id": d.Intent.ID,
			"amount":    d.Intent.Amount.String(),
			"reason":    d.ReasonJSON,
		})
		observ.IncCounter("decisions_total", map[string]string{"strategy": d.Intent.Strategy, "side": string(d.Intent.Side)})
	}
	return d
}

func (e *Engine) evaluateExit(ev model.MarketEvent, pos model.Position, r *Reason) Decision {
	r.Strategy = model.StrategyExit
	exit := func(reason string, urgency model.Urgency) Decision {
		r.GatesPassed = append(r.GatesPassed, reason)
		return Decision{Act: true, Intent: e.intent(ev, model.SideSell, pos.Size, e.cfg.ExitSlippageBps, urgency, model.StrategyExit, reason, pos)}
	}

	if pos.Unconfirmed {
		r.GatesBlocked = append(r.GatesBlocked, "unconfirmed_position")
		return Decision{}
	}
	if pos.Status == model.PositionClosing {
		reason := pos.ExitReason
		if reason == "" {
			reason = ExitRetry
		}
		return exit(reason, model.UrgencyHigh)
	}

	if ev.HasPrice() {
		switch {
		case pos.HitsStopLoss(ev.Price):
			return exit(ExitStopLoss, model.UrgencyHigh)
		case pos.HitsTakeProfit(ev.Price):
			return exit(ExitTakeProfit, model.UrgencyNormal)
		case e.trailingHit(pos, ev.Price):
			return exit(ExitTrailing, model.UrgencyHigh)
		}
	}
	if e.cfg.MaxHold > 0 && !pos.OpenedAt.IsZero() && e.eventTime(ev).Sub(pos.OpenedAt) >= e.cfg.MaxHold {
		return exit(ExitMaxHold, model.UrgencyNormal)
	}
	r.GatesBlocked = append(r.GatesBlocked, "hold")
	return Decision{}
}

func (e *Engine) trailingHit(pos model.Position, price decimal.Decimal) bool {
	tc := e.cfg.Trailing
	if !tc.StopPct.IsPositive() || !pos.EntryPrice.IsPositive() {
		return false
	}
	one := decimal.NewFromInt(1)
	peak := decimal.Max(pos.PeakPrice, pos.EntryPrice, price)
	if peak.LessThan(pos.EntryPrice.Mul(one.Add(tc.ArmPct))) {
		return false
	}
	return price.LessThanOrEqual(peak.Mul(one.Sub(tc.StopPct)))
}

func (e *Engine) evaluateEntry(ctx context.Context, ev model.MarketEvent, positions map[string]model.Position, risk model.RiskState, series []float64, r *Reason) Decision {
	block := func(gate string) Decision {
		r.GatesBlocked = append(r.GatesBlocked, gate)
		return Decision{}
	}
	pass := func(gate string) { r.GatesPassed = append(r.GatesPassed, gate) }

	if ev.Kind != model.EventPoolCreated && ev.Kind != model.EventPriceUpdate {
		return block("event_kind")
	}
	if !risk.AllowsEntries() {
		return block("read_only")
	}
	pass("active")

	open := 0
	for _, p := range positions {
		if p.Active() {
			open++
		}
	}
	if max := risk.Limits.MaxOpenPositions; max > 0 && open >= max {
		return block("max_open_positions")
	}
	pass("position_slots")

	if e.cfg.QuoteMint != "" && ev.QuoteMint != e.cfg.QuoteMint {
		return block("quote_mint")
	}

	var strategy string
	var urgency model.Urgency
	switch ev.Kind {
	case model.EventPoolCreated:
		r.Strategy = model.StrategyAntiRugSnipe
		sc := e.cfg.Snipe
		if !sc.Enabled {
			return block("snipe_disabled")
		}
		if ev.Liquidity.LessThan(sc.MinLiquidity) {
			return block("liquidity_below_min")
		}
		if sc.MaxLiquidity.IsPositive() && ev.Liquidity.GreaterThan(sc.MaxLiquidity) {
			return block("liquidity_above_max")
		}
		pass("liquidity_band")
		strategy, urgency = model.StrategyAntiRugSnipe, model.UrgencyHigh

	case model.EventPriceUpdate:
		r.Strategy = model.StrategyMomentumScalp
		mc := e.cfg.Momentum
		if !mc.Enabled {
			return block("momentum_disabled")
		}
		if ev.Liquidity.LessThan(mc.MinLiquidity) {
			return block("liquidity_below_min")
		}
		window := series
		if mc.LookbackEvents > 0 && len(window) > mc.LookbackEvents {
			window = window[len(window)-mc.LookbackEvents:]
		}
		rsi, ok := WilderRSI(series, mc.RSIPeriod)
		if !ok {
			return block("rsi_warmup")
		}
		r.RSI = &rsi
		if rsi < mc.RSIBreakout {
			return block("rsi_below_breakout")
		}
		pass("rsi_breakout")
		change, ok := Change(window)
		if ok {
			r.Momentum = &change
		}
		if !ok || change < mc.MinMomentumPct {
			return block("momentum_below_min")
		}
		pass("momentum")
		strategy, urgency = model.StrategyMomentumScalp, model.UrgencyNormal
	}

	// screen last: it may reach the network, every gate above is local
	if !e.screen.IsSafe(ctx, ev.BaseMint) {
		return block("safety_screen")
	}
	pass("safety_screen")

	return Decision{Act: true, Intent: e.intent(ev, model.SideBuy, e.cfg.PositionSize, e.cfg.EntrySlippageBps, urgency, strategy, strategy, model.Position{})}
}

func (e *Engine) intent(ev model.MarketEvent, side model.Side, amount decimal.Decimal, slippage int, urgency model.Urgency, strategy, reason string, pos model.Position) model.TradeIntent {
	base, quote := ev.BaseMint, ev.QuoteMint
	if side == model.SideSell {
		base, quote = pos.BaseMint, pos.QuoteMint
	}
	return model.TradeIntent{
		ID:             uuid.NewString(),
		Side:           side,
		PoolID:         ev.PoolID,
		Venue:          ev.Venue,
		BaseMint:       base,
		QuoteMint:      quote,
		Amount:         amount,
		MaxSlippageBps: slippage,
		Urgency:        urgency,
		Strategy:       strategy,
		Reason:         reason,
		CreatedAt:      e.eventTime(ev),
	}
}

func (e *Engine) eventTime(ev model.MarketEvent) time.Time {
	if ev.Timestamp.IsZero() {
		return e.now()
	}
	return ev.Timestamp
}

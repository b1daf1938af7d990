package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/alerts"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/portfolio"
)

// Config holds the governor's tunables that are not part of RiskState.
type Config struct {
	ShockDropFraction decimal.Decimal
	ShockWindow       time.Duration
	ExitSlippageBps   int           // slippage bound on forced exits
	ReentryCooldown   time.Duration // per base mint, after a close; 0 disables
}

type reservation struct {
	intentID string
	side     model.Side
	amount   decimal.Decimal
}

// Governor is the sole writer of the risk state. Authorize and RecordFill are
// serialized by one mutex; neither performs network I/O.
type Governor struct {
	cfg     Config
	store   *portfolio.Store
	shock   *ShockDetector
	reentry *Cooldown
	notify  alerts.Notifier
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]reservation // by pool

	closeHooks    []func(model.Position)
	hardStopHooks []func()
}

func NewGovernor(store *portfolio.Store, cfg Config, notify alerts.Notifier) *Governor {
	if notify == nil {
		notify = alerts.LogNotifier{}
	}
	return &Governor{
		cfg:      cfg,
		store:    store,
		shock:    NewShockDetector(cfg.ShockDropFraction, cfg.ShockWindow),
		reentry:  NewCooldown(cfg.ReentryCooldown),
		notify:   notify,
		now:      time.Now,
		inflight: make(map[string]reservation),
	}
}

// OnClose registers a hook called, outside the governor lock, with every
// position that a confirmed exit closes.
func (g *Governor) OnClose(fn func(model.Position)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeHooks = append(g.closeHooks, fn)
}

// OnHardStop registers a hook called, outside the governor lock, when a fill
// trips the portfolio hard stop. HardStopExits then lists the sells to run.
func (g *Governor) OnHardStop(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hardStopHooks = append(g.hardStopHooks, fn)
}

// State returns the current risk state.
func (g *Governor) State() model.RiskState {
	return g.store.Risk()
}

// Authorize approves or rejects an intent. An approved intent reserves its
// pool until RecordFill or Release is called with the same intent.
func (g *Governor) Authorize(intent model.TradeIntent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(g.now())
	err := g.authorizeLocked(intent)
	if err != nil {
		var rej *Rejection
		kind := "error"
		if errors.As(err, &rej) {
			kind = string(rej.Kind)
		}
		observ.Log("risk_rejected", map[string]any{
			"intent_id": intent.ID,
			"pool":      intent.PoolID,
			"side":      string(intent.Side),
			"strategy":  intent.Strategy,
			"kind":      kind,
			"error":     err.Error(),
		})
		observ.IncCounter("risk_rejections_total", map[string]string{"kind": kind, "side": string(intent.Side)})
		return err
	}

	g.inflight[intent.PoolID] = reservation{intentID: intent.ID, side: intent.Side, amount: intent.Amount}
	observ.IncCounter("risk_approvals_total", map[string]string{"side": string(intent.Side)})
	return nil
}

func (g *Governor) authorizeLocked(intent model.TradeIntent) error {
	pool := intent.PoolID
	if intent.ID == "" || pool == "" || !intent.Amount.IsPositive() || intent.MaxSlippageBps <= 0 {
		return reject(RejectInvalidIntent, pool, "id, pool, positive amount and slippage bound are required")
	}
	if res, busy := g.inflight[pool]; busy {
		return reject(RejectPoolInFlight, pool, "intent %s in flight", res.intentID)
	}
	if p, pending := g.store.Pending(pool); pending {
		return reject(RejectUnreconciled, pool, "intent %s awaiting reconciliation", p.Intent.ID)
	}

	switch intent.Side {
	case model.SideBuy:
		return g.authorizeEntryLocked(intent)
	case model.SideSell:
		return g.authorizeExitLocked(intent)
	default:
		return reject(RejectInvalidIntent, pool, "unknown side %q", intent.Side)
	}
}

func (g *Governor) authorizeEntryLocked(intent model.TradeIntent) error {
	pool := intent.PoolID
	state := g.store.Risk()
	if !state.AllowsEntries() {
		return reject(RejectReadOnlyMode, pool, "%s", state.ReadOnlyReason)
	}

	positions := g.store.Positions()
	if p, ok := positions[pool]; ok && p.Active() {
		return reject(RejectPositionLimitExceeded, pool, "position already %s", p.Status)
	}
	if left := g.reentry.Remaining(intent.BaseMint, g.now()); left > 0 {
		return reject(RejectCooldown, pool, "mint %s closed recently, %s left", intent.BaseMint, left.Round(time.Second))
	}
	open := 0
	exposure := decimal.Zero
	for _, p := range positions {
		if p.Active() {
			open++
			exposure = exposure.Add(p.CostBasis)
		}
	}
	for _, r := range g.inflight {
		if r.side == model.SideBuy {
			open++
			exposure = exposure.Add(r.amount)
		}
	}

	limits := state.Limits
	if limits.MaxOpenPositions > 0 && open >= limits.MaxOpenPositions {
		return reject(RejectPositionLimitExceeded, pool, "%d open of %d", open, limits.MaxOpenPositions)
	}
	if limits.MaxPositionNotional.IsPositive() && intent.Amount.GreaterThan(limits.MaxPositionNotional) {
		return reject(RejectPositionLimitExceeded, pool, "amount %s above max %s", intent.Amount, limits.MaxPositionNotional)
	}
	if limits.MaxExposure.IsPositive() && exposure.Add(intent.Amount).GreaterThan(limits.MaxExposure) {
		return reject(RejectExposureCapExceeded, pool, "exposure %s + %s above cap %s", exposure, intent.Amount, limits.MaxExposure)
	}
	return nil
}

// Exits are allowed in any mode against an active position.
func (g *Governor) authorizeExitLocked(intent model.TradeIntent) error {
	pool := intent.PoolID
	pos, ok := g.store.Position(pool)
	if !ok || !pos.Active() {
		return reject(RejectNoOpenPosition, pool, "")
	}
	if intent.Amount.GreaterThan(pos.Size) {
		return reject(RejectInvalidIntent, pool, "sell %s exceeds held %s", intent.Amount, pos.Size)
	}
	if pos.Status == model.PositionOpen {
		reason := intent.Reason
		if reason == "" {
			reason = intent.Strategy
		}
		if _, err := g.store.MarkClosing(pool, reason); err != nil {
			// The sell still goes ahead; only new risk is refused.
			g.failClosedLocked(err)
		}
	}
	return nil
}

// Release drops the reservation held by intentID without touching state. It
// is used when execution ends before anything was submitted.
func (g *Governor) Release(intent model.TradeIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.inflight[intent.PoolID]; ok && r.intentID == intent.ID {
		delete(g.inflight, intent.PoolID)
	}
}

// RecordFill folds a receipt into the store and re-evaluates the risk state.
// It never fails: a persistence error forces ReadOnly.
func (g *Governor) RecordFill(r model.ExecutionReceipt) model.RiskState {
	var closed *model.Position
	var hooks []func(model.Position)
	var stopHooks []func()

	state := func() model.RiskState {
		g.mu.Lock()
		defer g.mu.Unlock()

		now := g.now()
		g.rolloverLocked(now)
		if res, ok := g.inflight[r.Intent.PoolID]; ok && res.intentID == r.Intent.ID {
			delete(g.inflight, r.Intent.PoolID)
		}

		before := g.store.Risk()
		pos, after, err := g.store.Apply(r)
		switch {
		case errors.Is(err, portfolio.ErrNoPosition):
			observ.Error("fill_without_position", err, map[string]any{"intent_id": r.IntentID, "pool": r.Intent.PoolID})
		case err != nil:
			after = g.failClosedLocked(err)
		}

		g.logFill(r, pos, after)
		if before.Mode == model.ModeActive && after.Mode == model.ModeReadOnly {
			g.announceReadOnly(after)
		}
		if !before.HardStopped() && after.HardStopped() {
			observ.Warn("hard_stop_liquidation", map[string]any{
				"equity":    after.Equity.String(),
				"positions": len(g.store.Positions()),
			})
			stopHooks = append(stopHooks, g.hardStopHooks...)
		}
		if r.Confirmed() && pos.Status == model.PositionClosed {
			g.shock.Forget(pos.PoolID)
			g.reentry.Start(pos.BaseMint, now)
			closed = &pos
			hooks = append(hooks, g.closeHooks...)
		}
		return after
	}()

	if closed != nil {
		for _, fn := range hooks {
			fn(*closed)
		}
	}
	for _, fn := range stopHooks {
		fn()
	}
	return state
}

func (g *Governor) logFill(r model.ExecutionReceipt, pos model.Position, state model.RiskState) {
	observ.Log("fill_recorded", map[string]any{
		"intent_id":          r.IntentID,
		"pool":               r.Intent.PoolID,
		"side":               string(r.Intent.Side),
		"status":             string(r.Status),
		"confirmation":       string(r.Confirmation),
		"partial":            r.Partial,
		"position_status":    string(pos.Status),
		"daily_realized_pnl": state.DailyRealizedPnL.String(),
		"equity":             state.Equity.String(),
		"mode":               string(state.Mode),
	})
	observ.IncCounter("fills_total", map[string]string{"status": string(r.Status), "side": string(r.Intent.Side)})
	pnl, _ := state.DailyRealizedPnL.Float64()
	observ.SetGauge("daily_realized_pnl", pnl, nil)
	eq, _ := state.Equity.Float64()
	observ.SetGauge("equity", eq, nil)
	observ.SetGauge("read_only", boolGauge(state.Mode == model.ModeReadOnly), nil)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// failClosedLocked forces a latched ReadOnly after a persistence failure.
func (g *Governor) failClosedLocked(cause error) model.RiskState {
	observ.Error("state_persist_failed", cause, nil)
	before := g.store.Risk()
	state, err := g.store.UpdateRisk(func(s *model.RiskState) bool {
		s.Halt(model.ReasonPersistFailure, g.now(), true)
		return true
	})
	if err != nil {
		observ.Error("state_persist_failed", err, map[string]any{"during": "fail_closed"})
	}
	if before.Mode == model.ModeActive {
		g.announceReadOnly(state)
	}
	return state
}

func (g *Governor) announceReadOnly(s model.RiskState) {
	observ.Warn("risk_read_only", map[string]any{
		"reason":             s.ReadOnlyReason,
		"daily_realized_pnl": s.DailyRealizedPnL.String(),
		"daily_loss_limit":   s.DailyLossLimit.String(),
		"equity":             s.Equity.String(),
		"latched":            s.Latched,
	})
	observ.IncCounter("risk_read_only_transitions_total", map[string]string{"reason": s.ReadOnlyReason})
	g.notify.Notify(alerts.Alert{
		Kind:     alerts.KindReadOnly,
		Severity: alerts.SeverityCritical,
		Title:    "Trading halted: read-only mode",
		Fields: map[string]string{
			"reason":             s.ReadOnlyReason,
			"daily_realized_pnl": s.DailyRealizedPnL.String(),
			"daily_loss_limit":   s.DailyLossLimit.String(),
			"equity":             s.Equity.String(),
			"latched":            fmt.Sprint(s.Latched),
		},
		Timestamp: g.now().UTC(),
	})
}

// Rollover applies the UTC day boundary. It is safe to call often.
func (g *Governor) Rollover(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rolloverLocked(now)
}

func (g *Governor) rolloverLocked(now time.Time) bool {
	if model.DayKey(now) <= g.store.Risk().DayKey {
		return false
	}
	before := g.store.Risk()
	state, err := g.store.UpdateRisk(func(s *model.RiskState) bool { return s.RollOver(now) })
	if err != nil {
		state = g.failClosedLocked(err)
	}
	observ.Log("risk_day_rollover", map[string]any{
		"day":              state.DayKey,
		"previous_pnl":     before.DailyRealizedPnL.String(),
		"daily_loss_limit": state.DailyLossLimit.String(),
		"mode":             string(state.Mode),
	})
	g.notify.Notify(alerts.Alert{
		Kind:     alerts.KindRollover,
		Severity: alerts.SeverityInfo,
		Title:    "New trading day " + state.DayKey,
		Fields: map[string]string{
			"previous_pnl": before.DailyRealizedPnL.String(),
			"mode":         string(state.Mode),
		},
		Timestamp: now.UTC(),
	})
	return true
}

// Halt is the manual kill switch. It latches so a rollover does not undo it.
func (g *Governor) Halt(reason string) model.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.store.Risk()
	state, err := g.store.UpdateRisk(func(s *model.RiskState) bool {
		s.Halt(reason, g.now(), true)
		return true
	})
	if err != nil {
		observ.Error("state_persist_failed", err, map[string]any{"during": "halt"})
	}
	if before.Mode == model.ModeActive {
		g.announceReadOnly(state)
	}
	return state
}

// Resume is the operator override back to Active.
func (g *Governor) Resume() (model.RiskState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, err := g.store.UpdateRisk(func(s *model.RiskState) bool {
		if s.Mode == model.ModeActive {
			return false
		}
		s.Resume()
		return true
	})
	if err != nil {
		return state, err
	}
	observ.Log("risk_resumed", map[string]any{"mode": string(state.Mode)})
	g.notify.Notify(alerts.Alert{
		Kind:      alerts.KindResumed,
		Severity:  alerts.SeverityWarning,
		Title:     "Trading resumed by operator",
		Timestamp: g.now().UTC(),
	})
	return state, nil
}

// CheckLiquidity feeds the shock detector and, when it fires for a pool with
// an active position, returns a critical forced exit for the full size.
// Samples come from every event carrying liquidity; only LiquidityChanged
// events can fire.
func (g *Governor) CheckLiquidity(ev model.MarketEvent) (model.TradeIntent, bool) {
	if !ev.Liquidity.IsPositive() && ev.Kind != model.EventLiquidityChanged {
		return model.TradeIntent{}, false
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = g.now()
	}
	shock, fired := g.shock.Observe(ev.PoolID, ev.Liquidity, at)
	if !fired || ev.Kind != model.EventLiquidityChanged {
		return model.TradeIntent{}, false
	}

	observ.Warn("liquidity_shock", map[string]any{
		"pool":    ev.PoolID,
		"venue":   string(ev.Venue),
		"peak":    shock.Peak.String(),
		"current": shock.Current.String(),
		"drop":    shock.Drop.StringFixed(4),
	})
	observ.IncCounter("liquidity_shocks_total", map[string]string{"venue": string(ev.Venue)})

	pos, ok := g.store.Position(ev.PoolID)
	if !ok || !pos.Active() || !pos.Size.IsPositive() {
		return model.TradeIntent{}, false
	}
	return g.forcedExit(pos, model.StrategyLiquidityShock, fmt.Sprintf("liquidity_shock drop=%s", shock.Drop.StringFixed(4)), at), true
}

// HardStopExits returns a critical full-size sell for every position that can
// be liquidated right now. It is empty unless the portfolio hard stop holds.
// Positions with a reservation or an unresolved submission are skipped and
// picked up again through HardStopExit once they settle.
func (g *Governor) HardStopExits() []model.TradeIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.store.Risk().HardStopped() {
		return nil
	}
	now := g.now()
	var out []model.TradeIntent
	for _, pos := range g.store.Positions() {
		if in, ok := g.hardStopExitLocked(pos, now); ok {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// HardStopExit is HardStopExits for one pool.
func (g *Governor) HardStopExit(pool string) (model.TradeIntent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.store.Risk().HardStopped() {
		return model.TradeIntent{}, false
	}
	pos, ok := g.store.Position(pool)
	if !ok {
		return model.TradeIntent{}, false
	}
	return g.hardStopExitLocked(pos, g.now())
}

func (g *Governor) hardStopExitLocked(pos model.Position, now time.Time) (model.TradeIntent, bool) {
	if !pos.Active() || pos.Unconfirmed || !pos.Size.IsPositive() {
		return model.TradeIntent{}, false
	}
	if _, busy := g.inflight[pos.PoolID]; busy {
		return model.TradeIntent{}, false
	}
	if _, pending := g.store.Pending(pos.PoolID); pending {
		return model.TradeIntent{}, false
	}
	return g.forcedExit(pos, model.StrategyHardStop, model.ReasonPortfolioHardStop, now), true
}

func (g *Governor) forcedExit(pos model.Position, strategy, reason string, at time.Time) model.TradeIntent {
	return model.TradeIntent{
		ID:             uuid.NewString(),
		Side:           model.SideSell,
		PoolID:         pos.PoolID,
		Venue:          pos.Venue,
		BaseMint:       pos.BaseMint,
		QuoteMint:      pos.QuoteMint,
		Amount:         pos.Size,
		MaxSlippageBps: g.cfg.ExitSlippageBps,
		Urgency:        model.UrgencyCritical,
		Strategy:       strategy,
		Reason:         reason,
		CreatedAt:      at,
	}
}

// PruneShock drops liquidity history for pools with no sample inside the
// shock window.
func (g *Governor) PruneShock(now time.Time) int {
	return g.shock.Prune(now)
}

// InFlight reports the number of reserved pools.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

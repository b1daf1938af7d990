// Package agent wires the feed, decision engine, risk governor, execution
// router and state store into one running pipeline. Work on a pool is handled
// by that pool's own goroutine, so intents against one pool never overlap
// while independent pools proceed concurrently.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/pool-sniper/internal/alerts"
	"github.com/Rajchodisetti/pool-sniper/internal/decision"
	"github.com/Rajchodisetti/pool-sniper/internal/execution"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/outbox"
	"github.com/Rajchodisetti/pool-sniper/internal/portfolio"
	"github.com/Rajchodisetti/pool-sniper/internal/risk"
)

// ErrNothingPending is returned by Reconcile for a pool with no unresolved
// submission.
var ErrNothingPending = errors.New("nothing pending")

// EventSource delivers normalized events and closes out when it returns.
type EventSource interface {
	Run(ctx context.Context, out chan<- model.MarketEvent) error
}

// Executor runs authorized intents and re-checks indeterminate ones.
type Executor interface {
	Execute(ctx context.Context, intent model.TradeIntent) (model.ExecutionReceipt, error)
	Reconcile(ctx context.Context, p model.PendingIntent) (model.ExecutionReceipt, error)
}

// PriceObserver is fed every event before it is decided on.
type PriceObserver interface {
	Observe(ev model.MarketEvent)
}

type Config struct {
	EventBuffer       int
	PoolQueue         int
	PoolIdle          time.Duration // reap a pool goroutine after this much silence
	ReconcileInterval time.Duration
	RolloverInterval  time.Duration
	HeartbeatInterval time.Duration
	MomentumTTL       time.Duration // drop price history for pools quiet this long
}

func (c *Config) defaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.PoolQueue <= 0 {
		c.PoolQueue = 64
	}
	if c.PoolIdle <= 0 {
		c.PoolIdle = 5 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Second
	}
	if c.RolloverInterval <= 0 {
		c.RolloverInterval = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.MomentumTTL <= 0 {
		c.MomentumTTL = 30 * time.Minute
	}
}

// Deps are the collaborators the agent drives. Outbox, Prices and Heartbeat
// are optional.
type Deps struct {
	Events    EventSource
	Engine    *decision.Engine
	Governor  *risk.Governor
	Store     *portfolio.Store
	Executor  Executor
	Outbox    *outbox.Outbox
	Prices    PriceObserver
	Notifier  alerts.Notifier
	Heartbeat []portfolio.Sink
}

type Agent struct {
	cfg Config
	Deps
	now func() time.Time

	workers   atomic.Int64
	processed atomic.Int64
	liquidate chan struct{}
}

func New(cfg Config, deps Deps) *Agent {
	cfg.defaults()
	if deps.Notifier == nil {
		deps.Notifier = alerts.LogNotifier{}
	}
	a := &Agent{cfg: cfg, Deps: deps, now: time.Now, liquidate: make(chan struct{}, 1)}
	if deps.Governor != nil {
		deps.Governor.OnClose(a.notifyClosed)
		deps.Governor.OnHardStop(a.signalLiquidation)
	}
	return a
}

func (a *Agent) signalLiquidation() {
	select {
	case a.liquidate <- struct{}{}:
	default:
	}
}

// Run drives the pipeline until ctx ends or the event source is exhausted.
// A source failure is returned after in-flight pool work has finished.
func (a *Agent) Run(ctx context.Context) error {
	if a.Events == nil {
		return errors.New("agent: no event source")
	}
	observ.Log("agent_started", map[string]any{
		"mode":      string(a.Governor.State().Mode),
		"positions": len(a.Store.Positions()),
	})

	bg, stopBG := context.WithCancel(ctx)
	defer stopBG()
	var wg sync.WaitGroup
	if len(a.Heartbeat) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			portfolio.RunHeartbeat(bg, a.cfg.HeartbeatInterval, a.Heartbeat...)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.rolloverLoop(bg)
	}()

	events := make(chan model.MarketEvent, a.cfg.EventBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Events.Run(gctx, events) })
	g.Go(func() error {
		a.dispatch(gctx, events)
		return nil
	})
	err := g.Wait()

	stopBG()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	observ.Log("agent_stopped", map[string]any{"processed": a.processed.Load()})
	return err
}

func (a *Agent) rolloverLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.RolloverInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.Governor.Rollover(now)
		}
	}
}

// job is one unit of pool work: an event, a reconciliation or a forced exit.
type job struct {
	event   *model.MarketEvent
	pending *model.PendingIntent
	intent  *model.TradeIntent
}

type worker struct {
	ch   chan job
	done chan struct{}
	last time.Time
}

// dispatch routes events to pool goroutines, starting them on demand and
// reaping idle ones. It returns once events is closed and every pool
// goroutine has drained.
func (a *Agent) dispatch(ctx context.Context, events <-chan model.MarketEvent) {
	workers := make(map[string]*worker)
	retiring := make(map[string]chan struct{})

	get := func(pool string) *worker {
		if w, ok := workers[pool]; ok {
			return w
		}
		// a reaped goroutine may still be finishing its last job
		if done, ok := retiring[pool]; ok {
			<-done
			delete(retiring, pool)
		}
		w := &worker{ch: make(chan job, a.cfg.PoolQueue), done: make(chan struct{})}
		workers[pool] = w
		a.workers.Add(1)
		observ.SetGauge("pool_workers", float64(a.workers.Load()), nil)
		go a.work(ctx, pool, w)
		return w
	}
	shutdown := func() {
		for _, w := range workers {
			close(w.ch)
		}
		for _, w := range workers {
			<-w.done
		}
		for _, done := range retiring {
			<-done
		}
	}

	// the hard stop sells everything; each exit runs on its pool's goroutine
	liquidate := func() {
		exits := a.Governor.HardStopExits()
		if len(exits) == 0 {
			return
		}
		observ.Warn("hard_stop_liquidating", map[string]any{"positions": len(exits)})
		for _, in := range exits {
			in := in
			w := get(in.PoolID)
			w.last = a.now()
			select {
			case w.ch <- job{intent: &in}:
			default:
				// queue full; the pool's next event retries through handle
				observ.IncCounter("liquidations_deferred_total", nil)
			}
		}
	}
	if a.Governor.State().HardStopped() {
		liquidate()
	}

	reap := time.NewTicker(max(a.cfg.PoolIdle/2, time.Second))
	defer reap.Stop()
	reconcile := time.NewTicker(a.cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case <-a.liquidate:
					liquidate()
				default:
				}
				shutdown()
				return
			}
			w := get(ev.PoolID)
			w.last = a.now()
			select {
			case w.ch <- job{event: &ev}:
			case <-ctx.Done():
			}

		case <-a.liquidate:
			liquidate()

		case <-reconcile.C:
			for _, p := range a.Store.Snapshot().Pending {
				p := p
				w := get(p.Intent.PoolID)
				select {
				case w.ch <- job{pending: &p}:
				default:
					// queue full; the next tick retries
				}
			}

		case <-reap.C:
			now := a.now()
			for pool, w := range workers {
				if now.Sub(w.last) >= a.cfg.PoolIdle && len(w.ch) == 0 {
					close(w.ch)
					retiring[pool] = w.done
					delete(workers, pool)
				}
			}
			for pool, done := range retiring {
				select {
				case <-done:
					delete(retiring, pool)
				default:
				}
			}
			if n := a.Engine.Momentum().Prune(now.Add(-a.cfg.MomentumTTL)); n > 0 {
				observ.Log("momentum_pruned", map[string]any{"pools": n})
			}
			if n := a.Governor.PruneShock(now); n > 0 {
				observ.Log("shock_history_pruned", map[string]any{"pools": n})
			}
		}
	}
}

func (a *Agent) work(ctx context.Context, pool string, w *worker) {
	defer func() {
		a.workers.Add(-1)
		observ.SetGauge("pool_workers", float64(a.workers.Load()), nil)
		close(w.done)
	}()
	for j := range w.ch {
		if ctx.Err() != nil {
			observ.IncCounter("pool_jobs_dropped_total", nil)
			continue
		}
		switch {
		case j.event != nil:
			a.handle(ctx, *j.event)
		case j.intent != nil:
			a.execute(ctx, *j.intent)
		case j.pending != nil:
			if _, err := a.Reconcile(ctx, pool); err != nil && !errors.Is(err, execution.ErrIndeterminate) {
				observ.Warn("reconcile_failed", map[string]any{"pool": pool, "error": err.Error()})
			}
		}
	}
}

// handle runs one event through the hard stop, shock detection and the
// decision engine and executes whatever intent results.
func (a *Agent) handle(ctx context.Context, ev model.MarketEvent) {
	a.processed.Add(1)
	if a.Prices != nil {
		a.Prices.Observe(ev)
	}
	a.Store.ObservePrice(ev.PoolID, ev.Price)

	if forced, ok := a.Governor.HardStopExit(ev.PoolID); ok {
		a.execute(ctx, forced)
		return
	}
	if forced, ok := a.Governor.CheckLiquidity(ev); ok {
		a.execute(ctx, forced)
		return
	}
	if intent, ok := a.Engine.Decide(ctx, ev, a.Store.Positions(), a.Governor.State()); ok {
		a.execute(ctx, intent)
	}
}

// execute takes an intent through authorization, audit, execution and
// bookkeeping.
func (a *Agent) execute(ctx context.Context, intent model.TradeIntent) {
	if a.Outbox != nil && a.Outbox.HasRecentIntent(intent) {
		observ.Log("intent_duplicate", map[string]any{"intent_id": intent.ID, "pool": intent.PoolID})
		observ.IncCounter("intents_duplicate_total", nil)
		return
	}
	if err := a.Governor.Authorize(intent); err != nil {
		a.audit(func(o *outbox.Outbox) error { return o.WriteRejected(intent, err) })
		return
	}
	if a.Outbox != nil {
		if err := a.Outbox.WriteIntent(intent); err != nil {
			// nothing is traded without an audit record
			observ.Error("outbox_write_failed", err, map[string]any{"intent_id": intent.ID})
			a.Governor.Release(intent)
			return
		}
	}

	rec, err := a.Executor.Execute(ctx, intent)
	a.audit(func(o *outbox.Outbox) error { return o.WriteReceipt(rec) })
	a.book(rec, err)
}

// book folds a receipt into state and raises the alerts it calls for.
func (a *Agent) book(rec model.ExecutionReceipt, err error) {
	intent := rec.Intent
	switch {
	case rec.Status == model.ReceiptIndeterminate:
		a.Governor.RecordFill(rec)
		a.Notifier.Notify(alerts.Alert{
			Kind:     alerts.KindIndeterminate,
			Severity: alerts.SeverityCritical,
			Title:    fmt.Sprintf("Unconfirmed %s on %s", intent.Side, intent.PoolID),
			Fields: map[string]string{
				"intent_id": intent.ID,
				"pool":      intent.PoolID,
				"side":      string(intent.Side),
				"strategy":  intent.Strategy,
				"signature": rec.Signature,
				"bundle_id": rec.BundleID,
			},
			Timestamp: a.now().UTC(),
		})

	case rec.Confirmed():
		a.Governor.RecordFill(rec)
		if intent.Side == model.SideBuy {
			a.notifyOpened(rec)
		}

	default:
		// SlippageExceeded and InsufficientLiquidity land here and are
		// re-decided on the next event; nothing was booked.
		a.Governor.Release(intent)
		if err != nil {
			observ.IncCounter("intents_failed_total", map[string]string{"side": string(intent.Side)})
		}
	}
}

// Reconcile resolves the pending submission on pool, if any, and books the
// result. An outcome that is still unknown leaves the record pending and
// returns ErrIndeterminate.
func (a *Agent) Reconcile(ctx context.Context, pool string) (model.ExecutionReceipt, error) {
	p, ok := a.Store.Pending(pool)
	if !ok {
		return model.ExecutionReceipt{}, fmt.Errorf("%w on %s", ErrNothingPending, pool)
	}
	rec, err := a.Executor.Reconcile(ctx, p)
	if rec.Status == model.ReceiptIndeterminate || rec.Status == "" {
		if err == nil {
			err = execution.ErrIndeterminate
		}
		return rec, err
	}

	a.audit(func(o *outbox.Outbox) error { return o.WriteReceipt(rec) })
	a.Governor.RecordFill(rec)
	a.Notifier.Notify(alerts.Alert{
		Kind:     alerts.KindReconciled,
		Severity: alerts.SeverityWarning,
		Title:    fmt.Sprintf("Reconciled %s on %s: %s", p.Intent.Side, pool, rec.Status),
		Fields: map[string]string{
			"intent_id": p.Intent.ID,
			"pool":      pool,
			"status":    string(rec.Status),
			"signature": rec.Signature,
		},
		Timestamp: a.now().UTC(),
	})
	if rec.Confirmed() && p.Intent.Side == model.SideBuy {
		a.notifyOpened(rec)
	}
	return rec, nil
}

func (a *Agent) audit(write func(*outbox.Outbox) error) {
	if a.Outbox == nil {
		return
	}
	if err := write(a.Outbox); err != nil {
		observ.Error("outbox_write_failed", err, nil)
	}
}

func (a *Agent) notifyOpened(rec model.ExecutionReceipt) {
	pos, ok := a.Store.Position(rec.Intent.PoolID)
	if !ok {
		return
	}
	a.Notifier.Notify(alerts.Alert{
		Kind:     alerts.KindPositionOpen,
		Severity: alerts.SeverityInfo,
		Title:    fmt.Sprintf("Opened %s on %s", pos.Strategy, pos.PoolID),
		Fields: map[string]string{
			"pool":        pos.PoolID,
			"venue":       string(pos.Venue),
			"size":        pos.Size.String(),
			"cost_basis":  pos.CostBasis.String(),
			"entry_price": pos.EntryPrice.String(),
			"stop_loss":   pos.StopLoss.String(),
			"take_profit": pos.TakeProfit.String(),
		},
		Timestamp: a.now().UTC(),
	})
}

func (a *Agent) notifyClosed(pos model.Position) {
	if a.Engine != nil {
		a.Engine.Momentum().Forget(pos.PoolID)
	}
	a.Notifier.Notify(alerts.Alert{
		Kind:     alerts.KindPositionClose,
		Severity: alerts.SeverityInfo,
		Title:    fmt.Sprintf("Closed %s on %s", pos.Strategy, pos.PoolID),
		Fields: map[string]string{
			"pool":         pos.PoolID,
			"reason":       pos.ExitReason,
			"realized_pnl": pos.RealizedPnL.String(),
		},
		Timestamp: a.now().UTC(),
	})
}

// Health summarizes the agent for the ops endpoint.
func (a *Agent) Health() (string, map[string]any) {
	state := a.Governor.State()
	snap := a.Store.Snapshot()
	status := "healthy"
	if state.Mode == model.ModeReadOnly {
		status = "degraded"
	}
	return status, map[string]any{
		"mode":             string(state.Mode),
		"read_only_reason": state.ReadOnlyReason,
		"positions":        len(snap.Positions),
		"pending":          len(snap.Pending),
		"in_flight":        a.Governor.InFlight(),
		"pool_workers":     a.workers.Load(),
		"events_processed": a.processed.Load(),
	}
}

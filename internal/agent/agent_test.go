package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/pool-sniper/internal/alerts"
	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/decision"
	"github.com/Rajchodisetti/pool-sniper/internal/execution"
	"github.com/Rajchodisetti/pool-sniper/internal/journal"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/outbox"
	"github.com/Rajchodisetti/pool-sniper/internal/portfolio"
	"github.com/Rajchodisetti/pool-sniper/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// sliceSource replays a fixed list of events.
type sliceSource []model.MarketEvent

func (s sliceSource) Run(ctx context.Context, out chan<- model.MarketEvent) error {
	defer close(out)
	for _, ev := range s {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fixture struct {
	store  *portfolio.Store
	gov    *risk.Governor
	engine *decision.Engine
	alerts *alerts.Memory
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithHardStop(t, "0.2")
}

func newFixtureWithHardStop(t *testing.T, hardStopPct string) *fixture {
	t.Helper()
	dir := t.TempDir()
	limits := model.Limits{MaxOpenPositions: 3, MaxPositionNotional: d("0.5"), MaxExposure: d("1.5")}
	store, err := portfolio.Open(filepath.Join(dir, "state.json"), portfolio.Defaults{
		Risk:          model.NewRiskState(d("10"), d("0.03"), d(hardStopPct), limits, time.Now()),
		StopLossPct:   d("0.1"),
		TakeProfitPct: d("0.4"),
	})
	require.NoError(t, err)
	mem := &alerts.Memory{}
	gov := risk.NewGovernor(store, risk.Config{ShockDropFraction: d("0.2"), ShockWindow: time.Minute, ExitSlippageBps: 300}, mem)
	engine := decision.NewEngine(decision.Config{
		QuoteMint:        config.WrappedSOL,
		PositionSize:     d("0.25"),
		EntrySlippageBps: 100,
		ExitSlippageBps:  300,
		Snipe:            decision.SnipeConfig{Enabled: true, MinLiquidity: d("10")},
	}, nil)
	return &fixture{store: store, gov: gov, engine: engine, alerts: mem, dir: dir}
}

func event(pool string, kind model.EventKind, liq, price string, at time.Time) model.MarketEvent {
	return model.MarketEvent{
		Venue:     model.VenueRaydium,
		PoolID:    pool,
		BaseMint:  "TOK-" + pool,
		QuoteMint: config.WrappedSOL,
		Liquidity: d(liq),
		Price:     d(price),
		Timestamp: at,
		Kind:      kind,
	}
}

func TestAgent_ReplayOpensAndTakesProfit(t *testing.T) {
	f := newFixture(t)
	book := execution.NewPriceBook(config.WrappedSOL, 9, 6)
	router := execution.NewRouter(execution.Config{
		QuoteMint:      config.WrappedSOL,
		QuoteDecimals:  9,
		BaseDecimals:   6,
		MaxSlippageBps: 500,
		MaxAttempts:    1,
		QuoteTimeout:   time.Second,
		QuoteTTL:       5 * time.Second,
		ConfirmTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}, book, execution.NewPaperRelay(config.Paper{}))

	jr, err := journal.NewSQLite(filepath.Join(f.dir, "journal.db"))
	require.NoError(t, err)
	defer jr.Close()
	f.gov.OnClose(journal.Hook(jr))

	ob, err := outbox.New(filepath.Join(f.dir, "outbox.jsonl"), time.Minute)
	require.NoError(t, err)
	defer ob.Close()

	t0 := time.Now().UTC()
	a := New(Config{}, Deps{
		Events: sliceSource{
			event("A", model.EventPoolCreated, "50", "0.0001", t0),
			event("A", model.EventPriceUpdate, "50", "0.00015", t0.Add(time.Second)),
		},
		Engine:   f.engine,
		Governor: f.gov,
		Store:    f.store,
		Executor: router,
		Outbox:   ob,
		Prices:   book,
		Notifier: f.alerts,
	})
	require.NoError(t, a.Run(context.Background()))

	assert.Empty(t, f.store.Positions())
	risk := f.gov.State()
	assert.True(t, risk.DailyRealizedPnL.Equal(d("0.125")), "pnl %s", risk.DailyRealizedPnL)
	assert.Equal(t, model.ModeActive, risk.Mode)
	assert.Equal(t, []string{alerts.KindPositionOpen, alerts.KindPositionClose}, f.alerts.Kinds())

	trades, err := jr.Trades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "A", trades[0].PoolID)
	assert.Equal(t, decision.ExitTakeProfit, trades[0].Reason)
	assert.True(t, trades[0].RealizedPnL.Equal(d("0.125")))

	entries, err := outbox.Tail(ob.Path(), 0)
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{outbox.TypeIntent, outbox.TypeReceipt, outbox.TypeIntent, outbox.TypeReceipt}, types)
}

// serialExecutor fails every intent after a short delay and records any
// overlap between intents on the same pool.
type serialExecutor struct {
	mu         sync.Mutex
	inflight   map[string]bool
	active     int
	maxActive  int
	overlaps   int
	executions int
}

func (s *serialExecutor) Execute(ctx context.Context, intent model.TradeIntent) (model.ExecutionReceipt, error) {
	s.mu.Lock()
	if s.inflight[intent.PoolID] {
		s.overlaps++
	}
	s.inflight[intent.PoolID] = true
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.executions++
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.inflight[intent.PoolID] = false
	s.active--
	s.mu.Unlock()
	return model.ExecutionReceipt{
		IntentID: intent.ID, Intent: intent, Status: model.ReceiptFailed,
		Confirmation: model.ConfirmationRejected, FailureReason: "slippage",
	}, execution.ErrSlippageExceeded
}

func (s *serialExecutor) Reconcile(context.Context, model.PendingIntent) (model.ExecutionReceipt, error) {
	return model.ExecutionReceipt{}, execution.ErrIndeterminate
}

func TestAgent_SamePoolWorkIsSerialized(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now().UTC()
	var events sliceSource
	for i := 0; i < 10; i++ {
		for _, pool := range []string{"A", "B", "C"} {
			events = append(events, event(pool, model.EventPoolCreated, "50", "0", t0.Add(time.Duration(i)*time.Second)))
		}
	}
	exec := &serialExecutor{inflight: map[string]bool{}}
	a := New(Config{}, Deps{Events: events, Engine: f.engine, Governor: f.gov, Store: f.store, Executor: exec, Notifier: f.alerts})
	require.NoError(t, a.Run(context.Background()))

	assert.Zero(t, exec.overlaps)
	assert.Equal(t, 30, exec.executions, "every failed entry is released and re-decided")
	assert.GreaterOrEqual(t, exec.maxActive, 2, "independent pools run concurrently")
	assert.Zero(t, f.gov.InFlight())
	assert.Empty(t, f.store.Positions())
}

// scriptedExecutor returns canned receipts.
type scriptedExecutor struct {
	mu        sync.Mutex
	intents   []model.TradeIntent
	execute   func(model.TradeIntent) (model.ExecutionReceipt, error)
	reconcile func(model.PendingIntent) (model.ExecutionReceipt, error)
}

func (s *scriptedExecutor) Execute(_ context.Context, intent model.TradeIntent) (model.ExecutionReceipt, error) {
	s.mu.Lock()
	s.intents = append(s.intents, intent)
	s.mu.Unlock()
	return s.execute(intent)
}

func (s *scriptedExecutor) Reconcile(_ context.Context, p model.PendingIntent) (model.ExecutionReceipt, error) {
	return s.reconcile(p)
}

func fill(intent model.TradeIntent, in, out string) model.ExecutionReceipt {
	return model.ExecutionReceipt{
		IntentID: intent.ID, Intent: intent, Status: model.ReceiptFilled,
		Confirmation: model.ConfirmationConfirmed, InAmount: d(in), OutAmount: d(out),
		FillPrice: model.PriceOf(intent.Side, d(in), d(out)), Signature: "sig-" + intent.ID,
		CompletedAt: time.Now(),
	}
}

func TestAgent_IndeterminateAlertsThenReconciles(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{
		execute: func(i model.TradeIntent) (model.ExecutionReceipt, error) {
			return model.ExecutionReceipt{
				IntentID: i.ID, Intent: i, Status: model.ReceiptIndeterminate,
				Confirmation: model.ConfirmationUnknown, Signature: "sig-" + i.ID,
			}, execution.ErrIndeterminate
		},
		reconcile: func(p model.PendingIntent) (model.ExecutionReceipt, error) {
			return fill(p.Intent, "0.25", "2500"), nil
		},
	}
	t0 := time.Now().UTC()
	a := New(Config{}, Deps{
		Events: sliceSource{
			event("A", model.EventPoolCreated, "50", "0", t0),
			// blocked: the pool awaits reconciliation
			event("A", model.EventPoolCreated, "50", "0", t0.Add(time.Second)),
		},
		Engine: f.engine, Governor: f.gov, Store: f.store, Executor: exec, Notifier: f.alerts,
	})
	require.NoError(t, a.Run(context.Background()))

	require.Len(t, exec.intents, 1)
	pending, ok := f.store.Pending("A")
	require.True(t, ok)
	assert.Equal(t, exec.intents[0].ID, pending.Intent.ID)
	assert.Equal(t, []string{alerts.KindIndeterminate}, f.alerts.Kinds())
	assert.Empty(t, f.store.Positions())

	rec, err := a.Reconcile(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, rec.Confirmed())
	pos, ok := f.store.Position("A")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("2500")))
	_, ok = f.store.Pending("A")
	assert.False(t, ok)
	assert.Equal(t, []string{alerts.KindIndeterminate, alerts.KindReconciled, alerts.KindPositionOpen}, f.alerts.Kinds())

	_, err = a.Reconcile(context.Background(), "A")
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestAgent_ReconcileStillUnknownStaysPending(t *testing.T) {
	f := newFixture(t)
	intent := model.TradeIntent{
		ID: "i-1", Side: model.SideBuy, PoolID: "A", Venue: model.VenueRaydium, BaseMint: "TOK-A",
		QuoteMint: config.WrappedSOL, Amount: d("0.25"), MaxSlippageBps: 100, Strategy: model.StrategyAntiRugSnipe,
	}
	require.NoError(t, f.gov.Authorize(intent))
	f.gov.RecordFill(model.ExecutionReceipt{IntentID: "i-1", Intent: intent, Status: model.ReceiptIndeterminate, Confirmation: model.ConfirmationUnknown})

	exec := &scriptedExecutor{reconcile: func(p model.PendingIntent) (model.ExecutionReceipt, error) {
		return model.ExecutionReceipt{IntentID: p.Intent.ID, Intent: p.Intent, Status: model.ReceiptIndeterminate}, execution.ErrIndeterminate
	}}
	a := New(Config{}, Deps{Engine: f.engine, Governor: f.gov, Store: f.store, Executor: exec, Notifier: f.alerts})
	_, err := a.Reconcile(context.Background(), "A")
	assert.ErrorIs(t, err, execution.ErrIndeterminate)
	_, ok := f.store.Pending("A")
	assert.True(t, ok)
	assert.Empty(t, f.alerts.Kinds())
}

func TestAgent_LiquidityShockExitsInReadOnly(t *testing.T) {
	f := newFixture(t)
	entry := model.TradeIntent{
		ID: "entry", Side: model.SideBuy, PoolID: "A", Venue: model.VenueRaydium, BaseMint: "TOK-A",
		QuoteMint: config.WrappedSOL, Amount: d("0.25"), MaxSlippageBps: 100, Strategy: model.StrategyAntiRugSnipe,
	}
	require.NoError(t, f.gov.Authorize(entry))
	f.gov.RecordFill(fill(entry, "0.25", "2500"))
	f.gov.Halt("operator")
	require.Equal(t, model.ModeReadOnly, f.gov.State().Mode)

	exec := &scriptedExecutor{execute: func(i model.TradeIntent) (model.ExecutionReceipt, error) {
		return fill(i, i.Amount.String(), "0.1"), nil
	}}
	t0 := time.Now().UTC()
	a := New(Config{}, Deps{
		Events: sliceSource{
			event("A", model.EventLiquidityChanged, "50", "0", t0),
			event("A", model.EventLiquidityChanged, "20", "0", t0.Add(10*time.Second)),
		},
		Engine: f.engine, Governor: f.gov, Store: f.store, Executor: exec, Notifier: f.alerts,
	})
	require.NoError(t, a.Run(context.Background()))

	require.Len(t, exec.intents, 1)
	forced := exec.intents[0]
	assert.Equal(t, model.SideSell, forced.Side)
	assert.Equal(t, model.StrategyLiquidityShock, forced.Strategy)
	assert.Equal(t, model.UrgencyCritical, forced.Urgency)
	assert.True(t, forced.Amount.Equal(d("2500")))
	assert.Empty(t, f.store.Positions())
	assert.True(t, f.gov.State().DailyRealizedPnL.Equal(d("-0.15")))
}

func (f *fixture) hold(t *testing.T, pool string) model.TradeIntent {
	t.Helper()
	entry := model.TradeIntent{
		ID: "entry-" + pool, Side: model.SideBuy, PoolID: pool, Venue: model.VenueRaydium, BaseMint: "TOK-" + pool,
		QuoteMint: config.WrappedSOL, Amount: d("0.25"), MaxSlippageBps: 100, Strategy: model.StrategyAntiRugSnipe,
	}
	require.NoError(t, f.gov.Authorize(entry))
	f.gov.RecordFill(fill(entry, "0.25", "2500"))
	return entry
}

func TestAgent_HardStopLiquidatesOpenPositions(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "A")
	f.hold(t, "B")
	_, err := f.store.UpdateRisk(func(s *model.RiskState) bool {
		s.Halt(model.ReasonPortfolioHardStop, time.Now(), true)
		return true
	})
	require.NoError(t, err)

	exec := &scriptedExecutor{execute: func(i model.TradeIntent) (model.ExecutionReceipt, error) {
		return fill(i, i.Amount.String(), "0.2"), nil
	}}
	a := New(Config{}, Deps{
		Events: sliceSource{},
		Engine: f.engine, Governor: f.gov, Store: f.store, Executor: exec, Notifier: f.alerts,
	})
	require.NoError(t, a.Run(context.Background()))

	require.Len(t, exec.intents, 2)
	pools := map[string]bool{}
	for _, in := range exec.intents {
		pools[in.PoolID] = true
		assert.Equal(t, model.SideSell, in.Side)
		assert.Equal(t, model.StrategyHardStop, in.Strategy)
		assert.Equal(t, model.UrgencyCritical, in.Urgency)
		assert.True(t, in.Amount.Equal(d("2500")))
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true}, pools)
	assert.Empty(t, f.store.Positions())
	assert.Zero(t, f.gov.InFlight())
}

func TestAgent_HardStopTripSignalsLiquidation(t *testing.T) {
	f := newFixtureWithHardStop(t, "0.02") // floor 9.8
	f.hold(t, "A")
	f.hold(t, "B")
	a := New(Config{}, Deps{Engine: f.engine, Governor: f.gov, Store: f.store, Notifier: f.alerts})

	exit := model.TradeIntent{
		ID: "exit-A", Side: model.SideSell, PoolID: "A", Venue: model.VenueRaydium, BaseMint: "TOK-A",
		QuoteMint: config.WrappedSOL, Amount: d("2500"), MaxSlippageBps: 300, Strategy: model.StrategyExit,
	}
	require.NoError(t, f.gov.Authorize(exit))
	state := f.gov.RecordFill(fill(exit, "2500", "0.0001"))
	require.True(t, state.HardStopped())
	assert.Len(t, a.liquidate, 1)

	forced, ok := f.gov.HardStopExit("B")
	require.True(t, ok)
	assert.Equal(t, model.StrategyHardStop, forced.Strategy)
}

func TestAgent_CancelledRunReturnsNil(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	src := sourceFunc(func(ctx context.Context, out chan<- model.MarketEvent) error {
		defer close(out)
		close(block)
		<-ctx.Done()
		return ctx.Err()
	})
	a := New(Config{}, Deps{Events: src, Engine: f.engine, Governor: f.gov, Store: f.store, Executor: &serialExecutor{inflight: map[string]bool{}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-block
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	status, details := a.Health()
	assert.Equal(t, "healthy", status)
	assert.Equal(t, string(model.ModeActive), details["mode"])
}

type sourceFunc func(ctx context.Context, out chan<- model.MarketEvent) error

func (f sourceFunc) Run(ctx context.Context, out chan<- model.MarketEvent) error { return f(ctx, out) }

func TestAgent_RequiresSource(t *testing.T) {
	f := newFixture(t)
	a := New(Config{}, Deps{Engine: f.engine, Governor: f.gov, Store: f.store})
	assert.Error(t, a.Run(context.Background()))
	assert.Equal(t, "agent: no event source", fmt.Sprint(a.Run(context.Background())))
}

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/agent"
	"github.com/Rajchodisetti/pool-sniper/internal/alerts"
	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/decision"
	"github.com/Rajchodisetti/pool-sniper/internal/execution"
	"github.com/Rajchodisetti/pool-sniper/internal/feed"
	"github.com/Rajchodisetti/pool-sniper/internal/journal"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/outbox"
	"github.com/Rajchodisetti/pool-sniper/internal/portfolio"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
	"github.com/Rajchodisetti/pool-sniper/internal/risk"
	"github.com/Rajchodisetti/pool-sniper/internal/solana"
)

// app holds every wired component of one process.
type app struct {
	cfg      config.Root
	store    *portfolio.Store
	governor *risk.Governor
	engine   *decision.Engine
	router   *execution.Router
	prices   *execution.PriceBook
	outbox   *outbox.Outbox
	journal  journal.Journal
	notifier alerts.Notifier
	sinks    []portfolio.Sink

	closers []func()
}

// offline replaces Jupiter with the price book so nothing leaves the process.
type buildOptions struct {
	offline bool
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }
func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// openStore loads the state file. A corrupt or unreadable file is fatal.
func openStore(cfg config.Root) (*portfolio.Store, error) {
	limits := model.Limits{
		MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
		MaxPositionNotional: dec(cfg.Risk.MaxPositionNotional),
		MaxExposure:         dec(cfg.Risk.MaxExposure),
	}
	return portfolio.Open(cfg.State.Path, portfolio.Defaults{
		Risk: model.NewRiskState(dec(cfg.Capital.StartingEquity), dec(cfg.Risk.DailyLossPct),
			dec(cfg.Risk.PortfolioHardStopPct), limits, time.Now()),
		StopLossPct:   dec(cfg.Risk.StopLossPct),
		TakeProfitPct: dec(cfg.Risk.TakeProfitPct),
	})
}

func buildApp(ctx context.Context, cfg config.Root, opts buildOptions) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	a.store = store

	notifiers := alerts.Multi{alerts.LogNotifier{}}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		slack := alerts.NewSlackClient(cfg.Slack)
		notifiers = append(notifiers, slack)
		a.closers = append(a.closers, slack.Close)
	}
	a.notifier = notifiers

	a.governor = risk.NewGovernor(store, risk.Config{
		ShockDropFraction: dec(cfg.Risk.Shock.DropFraction),
		ShockWindow:       sec(cfg.Risk.Shock.WindowSeconds),
		ExitSlippageBps:   cfg.Strategy.ExitSlippageBps,
		ReentryCooldown:   sec(cfg.Risk.ReentryCooldownSecs),
	}, a.notifier)

	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if j != nil {
		a.journal = j
		a.closers = append(a.closers, func() { _ = j.Close() })
		a.governor.OnClose(journal.Hook(j))
	}

	ob, err := outbox.New(cfg.State.OutboxPath, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	a.outbox = ob
	a.closers = append(a.closers, func() { _ = ob.Close() })

	var rpc *solana.Client
	if !opts.offline {
		rpc = solana.NewClient(solana.Config{
			PrimaryURL:  cfg.Execution.RPCURL,
			FailoverURL: cfg.Execution.RPCFailoverURL,
			Timeout:     10 * time.Second,
			FailoverP95: ms(cfg.Execution.RPCFailoverP95Ms),
		})
	}
	a.engine = decision.NewEngine(engineConfig(cfg), safetyScreen(cfg, rpc))

	router, prices, err := buildRouter(cfg, opts, rpc)
	if err != nil {
		return nil, err
	}
	a.router, a.prices = router, prices

	a.sinks = []portfolio.Sink{portfolio.FileSink{Path: cfg.State.HeartbeatPath}}
	if cfg.State.RedisURL != "" {
		ttl := 3 * sec(cfg.State.HeartbeatIntervalSeconds)
		rs, err := portfolio.NewRedisSink(cfg.State.RedisURL, cfg.State.HeartbeatKey, ttl)
		if err != nil {
			return nil, err
		}
		a.sinks = append(a.sinks, rs)
		a.closers = append(a.closers, func() { _ = rs.Close() })
	}

	ok = true
	return a, nil
}

func engineConfig(cfg config.Root) decision.Config {
	s := cfg.Strategy
	return decision.Config{
		QuoteMint:        cfg.Capital.QuoteMint,
		PositionSize:     dec(s.PositionSize),
		EntrySlippageBps: s.MaxSlippageBps,
		ExitSlippageBps:  s.ExitSlippageBps,
		MaxHold:          time.Duration(s.MaxHoldMinutes) * time.Minute,
		Trailing: decision.TrailingConfig{
			ArmPct:  dec(s.TrailingStop.ArmPct),
			StopPct: dec(s.TrailingStop.StopPct),
		},
		Snipe: decision.SnipeConfig{
			Enabled:      s.Snipe.Enabled,
			MinLiquidity: dec(s.Snipe.MinLiquidity),
			MaxLiquidity: dec(s.Snipe.MaxLiquidity),
		},
		Momentum: decision.MomentumConfig{
			Enabled:        s.Momentum.Enabled,
			RSIPeriod:      s.Momentum.RSIPeriod,
			RSIBreakout:    s.Momentum.RSIBreakout,
			LookbackEvents: s.Momentum.LookbackEvents,
			MinMomentumPct: s.Momentum.MinMomentumPct,
			MinLiquidity:   dec(s.Momentum.MinLiquidity),
		},
	}
}

// safetyScreen combines the configured mint lists with an on-chain authority
// check when a node is reachable.
func safetyScreen(cfg config.Root, rpc *solana.Client) decision.SafetyScreen {
	sc := cfg.Strategy.Safety
	screens := decision.AllScreens{decision.NewStaticScreen(sc.DenyMints, sc.AllowMints, sc.RequireAllow)}
	if rpc != nil {
		screens = append(screens, decision.AuthorityScreen{Mints: rpc, Timeout: 2 * time.Second})
	}
	return decision.NewCachedScreen(screens, sec(sc.CacheTTLSeconds))
}

func buildRouter(cfg config.Root, opts buildOptions, rpc *solana.Client) (*execution.Router, *execution.PriceBook, error) {
	ex := cfg.Execution
	rcfg := execution.Config{
		QuoteMint:      cfg.Capital.QuoteMint,
		QuoteDecimals:  cfg.Capital.QuoteDecimals,
		BaseDecimals:   cfg.Capital.BaseDecimals,
		MaxSlippageBps: ex.MaxSlippageBps,
		MaxAttempts:    ex.MaxAttempts,
		Backoff:        retry.Backoff{Min: ms(ex.BackoffBaseMs), Max: ms(ex.BackoffMaxMs), Factor: 2, Jitter: 0.2},
		QuoteTimeout:   ms(ex.QuoteTimeoutMs),
		QuoteTTL:       ms(ex.QuoteTTLMs),
		ConfirmTimeout: ms(ex.ConfirmTimeoutMs),
		PollInterval:   ms(ex.PollIntervalMs),
	}

	if rpc != nil {
		rcfg.Mints = solana.NewDecimalsCache(rpc)
	}

	if opts.offline {
		book := execution.NewPriceBook(cfg.Capital.QuoteMint, cfg.Capital.QuoteDecimals, cfg.Capital.BaseDecimals)
		return execution.NewRouter(rcfg, book, execution.NewPaperRelay(ex.Paper)), book, nil
	}

	jup := execution.NewJupiterClient(ex.JupiterURL, ms(ex.QuoteTimeoutMs), ex.QuoteRatePerSec)
	if ex.DryRun {
		observ.Log("dry_run", map[string]any{"quotes": ex.JupiterURL})
		return execution.NewRouter(rcfg, jup, execution.NewPaperRelay(ex.Paper)), nil, nil
	}

	kp, err := solana.LoadKeypair(ex.KeypairPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load keypair: %w", err)
	}
	observ.Log("live_trading", map[string]any{"wallet": kp.PublicKey(), "relay": ex.JitoURL})
	submitter := &execution.BundleSubmitter{
		Builder:     jup,
		Signer:      kp,
		Relay:       execution.NewJitoRelay(ex.JitoURL, ex.JitoAuthToken, 10*time.Second),
		Chain:       rpc,
		PriorityFee: ex.PriorityFee,
		Tips:        ex.JitoTipLamports,
	}
	return execution.NewRouter(rcfg, jup, submitter), nil, nil
}

func (a *app) agent(events agent.EventSource) *agent.Agent {
	deps := agent.Deps{
		Events:    events,
		Engine:    a.engine,
		Governor:  a.governor,
		Store:     a.store,
		Executor:  a.router,
		Outbox:    a.outbox,
		Notifier:  a.notifier,
		Heartbeat: a.sinks,
	}
	if a.prices != nil {
		deps.Prices = a.prices
	}
	return agent.New(agent.Config{
		EventBuffer:       a.cfg.Feed.BufferSize,
		ReconcileInterval: sec(a.cfg.State.ReconcileIntervalSeconds),
		HeartbeatInterval: sec(a.cfg.State.HeartbeatIntervalSeconds),
	}, deps)
}

// subscriptions builds one reconnecting websocket per configured venue.
func subscriptions(cfg config.Feed) ([]*feed.Subscription, error) {
	backoff := retry.Backoff{
		Min:    ms(cfg.Reconnect.InitialDelayMs),
		Max:    ms(cfg.Reconnect.MaxDelayMs),
		Factor: 2,
		Jitter: cfg.Reconnect.Jitter,
	}
	var subs []*feed.Subscription
	for _, v := range cfg.Venues {
		venue, err := model.ParseVenue(v.Venue)
		if err != nil {
			return nil, err
		}
		subs = append(subs, feed.NewSubscription(venue, v.URL, v.Subscribe, sec(cfg.IdleTimeoutSeconds), backoff))
	}
	return subs, nil
}

// serveOps runs the ops HTTP server until ctx ends.
func serveOps(ctx context.Context, addr string, health observ.HealthFunc, state func() any) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: observ.NewRouter(health, state), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		observ.Log("ops_listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Error("ops_server_failed", err, map[string]any{"addr": addr})
		}
	}()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

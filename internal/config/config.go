package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// WrappedSOL is the quote mint used when none is configured.
const WrappedSOL = "So11111111111111111111111111111111111111112"

type Capital struct {
	StartingEquity float64 `yaml:"starting_equity"` // quote units
	QuoteMint      string  `yaml:"quote_mint"`
	QuoteDecimals  int32   `yaml:"quote_decimals"`
	BaseDecimals   int32   `yaml:"base_decimals"` // default for venue tokens
}

type Shock struct {
	DropFraction  float64 `yaml:"drop_fraction"` // 0.20 => 20% drop fires
	WindowSeconds int     `yaml:"window_seconds"`
}

type Risk struct {
	DailyLossPct         float64 `yaml:"daily_loss_pct"`          // 0.03 => 3% of day-start equity
	PortfolioHardStopPct float64 `yaml:"portfolio_hard_stop_pct"` // 0.20 => latched halt at -20%
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MaxPositionNotional  float64 `yaml:"max_position_notional"`
	MaxExposure          float64 `yaml:"max_exposure"`
	ReentryCooldownSecs  int     `yaml:"reentry_cooldown_seconds"` // per mint after a close; -1 disables
	Shock                Shock   `yaml:"shock"`
}

type Snipe struct {
	Enabled      bool    `yaml:"enabled"`
	MinLiquidity float64 `yaml:"min_liquidity"`
	MaxLiquidity float64 `yaml:"max_liquidity"` // 0 disables the upper bound
}

type Momentum struct {
	Enabled        bool    `yaml:"enabled"`
	RSIPeriod      int     `yaml:"rsi_period"`
	RSIBreakout    float64 `yaml:"rsi_breakout"`
	LookbackEvents int     `yaml:"lookback_events"`
	MinMomentumPct float64 `yaml:"min_momentum_pct"`
	MinLiquidity   float64 `yaml:"min_liquidity"`
}

type Safety struct {
	DenyMints       []string `yaml:"deny_mints"`
	AllowMints      []string `yaml:"allow_mints"`
	RequireAllow    bool     `yaml:"require_allow"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

// Trailing arms once the peak is ArmPct above entry and exits StopPct below
// the peak. StopPct 0 disables it.
type Trailing struct {
	ArmPct  float64 `yaml:"arm_pct"`
	StopPct float64 `yaml:"stop_pct"`
}

type Strategy struct {
	PositionSize    float64  `yaml:"position_size"` // quote units per entry
	MaxSlippageBps  int      `yaml:"max_slippage_bps"`
	ExitSlippageBps int      `yaml:"exit_slippage_bps"`
	MaxHoldMinutes  int      `yaml:"max_hold_minutes"` // 0 disables the time stop
	TrailingStop    Trailing `yaml:"trailing_stop"`
	Snipe           Snipe    `yaml:"snipe"`
	Momentum        Momentum `yaml:"momentum"`
	Safety          Safety   `yaml:"safety"`
}

type Venue struct {
	Venue     string `yaml:"venue"`
	URL       string `yaml:"url"`
	Subscribe string `yaml:"subscribe"` // raw frame sent after connect
}

type Reconnect struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Jitter         float64 `yaml:"jitter"`
}

type Feed struct {
	Venues             []Venue   `yaml:"venues"`
	IdleTimeoutSeconds int       `yaml:"idle_timeout_seconds"`
	BufferSize         int       `yaml:"buffer_size"`
	Reconnect          Reconnect `yaml:"reconnect"`
}

type Tiers struct {
	Normal   uint64 `yaml:"normal"`
	High     uint64 `yaml:"high"`
	Critical uint64 `yaml:"critical"`
}

// For returns the tier value for an urgency.
func (t Tiers) For(u model.Urgency) uint64 {
	switch u {
	case model.UrgencyCritical:
		return t.Critical
	case model.UrgencyHigh:
		return t.High
	default:
		return t.Normal
	}
}

type Paper struct {
	LatencyMsMin   int `yaml:"latency_ms_min"`
	LatencyMsMax   int `yaml:"latency_ms_max"`
	SlippageBpsMin int `yaml:"slippage_bps_min"`
	SlippageBpsMax int `yaml:"slippage_bps_max"`
}

type Execution struct {
	DryRun           bool    `yaml:"dry_run"`
	JupiterURL       string  `yaml:"jupiter_url"`
	JitoURL          string  `yaml:"jito_url"`
	JitoAuthToken    string  `yaml:"jito_auth_token"`
	RPCURL           string  `yaml:"rpc_url"`
	RPCFailoverURL   string  `yaml:"rpc_failover_url"`
	RPCFailoverP95Ms int     `yaml:"rpc_failover_p95_ms"` // primary p95 above this moves reads to the failover
	KeypairPath      string  `yaml:"keypair_path"`
	QuoteTimeoutMs   int     `yaml:"quote_timeout_ms"`
	QuoteTTLMs       int     `yaml:"quote_ttl_ms"`
	QuoteRatePerSec  float64 `yaml:"quote_rate_per_sec"`
	ConfirmTimeoutMs int     `yaml:"confirm_timeout_ms"`
	PollIntervalMs   int     `yaml:"poll_interval_ms"`
	MaxAttempts      int     `yaml:"max_attempts"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	MaxSlippageBps   int     `yaml:"max_slippage_bps"` // hard ceiling on any intent
	PriorityFee      Tiers   `yaml:"priority_fee_micro_lamports"`
	JitoTipLamports  Tiers   `yaml:"jito_tip_lamports"`
	Paper            Paper   `yaml:"paper"`
}

type State struct {
	Path                     string `yaml:"path"`
	HeartbeatPath            string `yaml:"heartbeat_path"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	OutboxPath               string `yaml:"outbox_path"`
	RedisURL                 string `yaml:"redis_url"`
	HeartbeatKey             string `yaml:"heartbeat_key"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"`
}

type Journal struct {
	Type string `yaml:"type"` // sqlite | postgres | none
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type Slack struct {
	Enabled         bool   `yaml:"enabled"`
	WebhookURL      string `yaml:"webhook_url"`
	ChannelDefault  string `yaml:"channel_default"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	DedupeSeconds   int    `yaml:"dedupe_seconds"`
}

type Ops struct {
	ListenAddr   string `yaml:"listen_addr"`
	PyroscopeURL string `yaml:"pyroscope_url"`
}

type Root struct {
	Capital   Capital   `yaml:"capital"`
	Risk      Risk      `yaml:"risk"`
	Strategy  Strategy  `yaml:"strategy"`
	Feed      Feed      `yaml:"feed"`
	Execution Execution `yaml:"execution"`
	State     State     `yaml:"state"`
	Journal   Journal   `yaml:"journal"`
	Slack     Slack     `yaml:"slack"`
	Ops       Ops       `yaml:"ops"`
}

// Load reads the YAML file at path, fills defaults and applies environment
// overrides. An empty path yields the defaults.
func Load(path string) (Root, error) {
	var c Root
	c.Execution.DryRun = true
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&c)
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func applyDefaults(c *Root) {
	if c.Capital.StartingEquity == 0 {
		c.Capital.StartingEquity = 10
	}
	if c.Capital.QuoteMint == "" {
		c.Capital.QuoteMint = WrappedSOL
	}
	if c.Capital.QuoteDecimals == 0 {
		c.Capital.QuoteDecimals = 9
	}
	if c.Capital.BaseDecimals == 0 {
		c.Capital.BaseDecimals = 6
	}

	// Risk defaults
	if c.Risk.DailyLossPct == 0 {
		c.Risk.DailyLossPct = 0.03
	}
	if c.Risk.PortfolioHardStopPct == 0 {
		c.Risk.PortfolioHardStopPct = 0.20
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.10
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = 0.40
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 3
	}
	if c.Risk.MaxPositionNotional == 0 {
		c.Risk.MaxPositionNotional = 0.5
	}
	if c.Risk.MaxExposure == 0 {
		c.Risk.MaxExposure = 1.5
	}
	if c.Risk.ReentryCooldownSecs == 0 {
		c.Risk.ReentryCooldownSecs = 600
	}
	if c.Risk.Shock.DropFraction == 0 {
		c.Risk.Shock.DropFraction = 0.20
	}
	if c.Risk.Shock.WindowSeconds == 0 {
		c.Risk.Shock.WindowSeconds = 60
	}

	// Strategy defaults
	if c.Strategy.PositionSize == 0 {
		c.Strategy.PositionSize = 0.25
	}
	if c.Strategy.MaxSlippageBps == 0 {
		c.Strategy.MaxSlippageBps = 100
	}
	if c.Strategy.ExitSlippageBps == 0 {
		c.Strategy.ExitSlippageBps = 300
	}
	if c.Strategy.TrailingStop.ArmPct == 0 {
		c.Strategy.TrailingStop.ArmPct = 0.15
	}
	if c.Strategy.Momentum.RSIPeriod == 0 {
		c.Strategy.Momentum.RSIPeriod = 14
	}
	if c.Strategy.Momentum.RSIBreakout == 0 {
		c.Strategy.Momentum.RSIBreakout = 60
	}
	if c.Strategy.Momentum.LookbackEvents == 0 {
		c.Strategy.Momentum.LookbackEvents = 30
	}
	if c.Strategy.Momentum.MinMomentumPct == 0 {
		c.Strategy.Momentum.MinMomentumPct = 0.05
	}
	if c.Strategy.Safety.CacheTTLSeconds == 0 {
		c.Strategy.Safety.CacheTTLSeconds = 300
	}

	// Feed defaults
	if c.Feed.IdleTimeoutSeconds == 0 {
		c.Feed.IdleTimeoutSeconds = 30
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = 4096
	}
	if c.Feed.Reconnect.InitialDelayMs == 0 {
		c.Feed.Reconnect.InitialDelayMs = 250
	}
	if c.Feed.Reconnect.MaxDelayMs == 0 {
		c.Feed.Reconnect.MaxDelayMs = 5000
	}
	if c.Feed.Reconnect.Jitter == 0 {
		c.Feed.Reconnect.Jitter = 0.2
	}

	// Execution defaults
	if c.Execution.JupiterURL == "" {
		c.Execution.JupiterURL = "https://quote-api.jup.ag/v6"
	}
	if c.Execution.JitoURL == "" {
		c.Execution.JitoURL = "https://mainnet.block-engine.jito.wtf"
	}
	if c.Execution.RPCURL == "" {
		c.Execution.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if c.Execution.RPCFailoverP95Ms == 0 {
		c.Execution.RPCFailoverP95Ms = 800
	}
	if c.Execution.QuoteTimeoutMs == 0 {
		c.Execution.QuoteTimeoutMs = 2000
	}
	if c.Execution.QuoteTTLMs == 0 {
		c.Execution.QuoteTTLMs = 5000
	}
	if c.Execution.QuoteRatePerSec == 0 {
		c.Execution.QuoteRatePerSec = 10
	}
	if c.Execution.ConfirmTimeoutMs == 0 {
		c.Execution.ConfirmTimeoutMs = 30000
	}
	if c.Execution.PollIntervalMs == 0 {
		c.Execution.PollIntervalMs = 500
	}
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = 3
	}
	if c.Execution.BackoffBaseMs == 0 {
		c.Execution.BackoffBaseMs = 200
	}
	if c.Execution.BackoffMaxMs == 0 {
		c.Execution.BackoffMaxMs = 2000
	}
	if c.Execution.MaxSlippageBps == 0 {
		c.Execution.MaxSlippageBps = 500
	}
	if c.Execution.PriorityFee == (Tiers{}) {
		c.Execution.PriorityFee = Tiers{Normal: 10_000, High: 100_000, Critical: 1_000_000}
	}
	if c.Execution.JitoTipLamports == (Tiers{}) {
		c.Execution.JitoTipLamports = Tiers{Normal: 5_000, High: 50_000, Critical: 200_000}
	}
	if c.Execution.Paper.LatencyMsMax == 0 {
		c.Execution.Paper.LatencyMsMin = 50
		c.Execution.Paper.LatencyMsMax = 400
	}
	if c.Execution.Paper.SlippageBpsMax == 0 {
		c.Execution.Paper.SlippageBpsMin = 0
		c.Execution.Paper.SlippageBpsMax = 30
	}

	// State defaults
	if c.State.Path == "" {
		c.State.Path = "data/state.json"
	}
	if c.State.HeartbeatPath == "" {
		c.State.HeartbeatPath = "data/heartbeat.log"
	}
	if c.State.HeartbeatIntervalSeconds == 0 {
		c.State.HeartbeatIntervalSeconds = 60
	}
	if c.State.OutboxPath == "" {
		c.State.OutboxPath = "data/outbox.jsonl"
	}
	if c.State.HeartbeatKey == "" {
		c.State.HeartbeatKey = "sniper:heartbeat"
	}
	if c.State.ReconcileIntervalSeconds == 0 {
		c.State.ReconcileIntervalSeconds = 15
	}

	if c.Journal.Type == "" {
		c.Journal.Type = "sqlite"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}

	if c.Slack.RateLimitPerMin == 0 {
		c.Slack.RateLimitPerMin = 20
	}
	if c.Slack.DedupeSeconds == 0 {
		c.Slack.DedupeSeconds = 60
	}

	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = ":9090"
	}
}

// applyEnv layers environment variables over the file values.
func applyEnv(c *Root, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("STATE_PATH", &c.State.Path)
	str("HEARTBEAT_PATH", &c.State.HeartbeatPath)
	str("OUTBOX_PATH", &c.State.OutboxPath)
	str("SOL_KEYPAIR_PATH", &c.Execution.KeypairPath)
	str("JITO_BUNDLE_URL", &c.Execution.JitoURL)
	str("JITO_AUTH_TOKEN", &c.Execution.JitoAuthToken)
	str("JUPITER_URL", &c.Execution.JupiterURL)
	str("RPC_URL", &c.Execution.RPCURL)
	str("RPC_FAILOVER_URL", &c.Execution.RPCFailoverURL)
	str("REDIS_URL", &c.State.RedisURL)
	str("DATABASE_URL", &c.Journal.DSN)

	if v, ok := lookup("SLACK_WEBHOOK_URL"); ok && v != "" {
		c.Slack.WebhookURL = v
		c.Slack.Enabled = true
	}
	if v, ok := lookup("DRY_RUN"); ok && strings.TrimSpace(v) != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("DRY_RUN: %w", err)
		}
		c.Execution.DryRun = b
	}
	if v, ok := lookup("RPC_FAILOVER_P95_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RPC_FAILOVER_P95_MS: %w", err)
		}
		c.Execution.RPCFailoverP95Ms = n
	}
	if v, ok := lookup("MAX_OPEN_POSITIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_OPEN_POSITIONS: %w", err)
		}
		c.Risk.MaxOpenPositions = n
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// Validate rejects configurations that would let the agent trade unsafely.
func (c Root) Validate() error {
	var errs []error
	if c.Risk.DailyLossPct <= 0 || c.Risk.DailyLossPct >= 1 {
		errs = append(errs, fmt.Errorf("risk.daily_loss_pct must be in (0,1), got %v", c.Risk.DailyLossPct))
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		errs = append(errs, fmt.Errorf("risk.stop_loss_pct must be in (0,1), got %v", c.Risk.StopLossPct))
	}
	if c.Risk.TakeProfitPct <= 0 {
		errs = append(errs, errors.New("risk.take_profit_pct must be positive"))
	}
	if c.Risk.Shock.DropFraction <= 0 || c.Risk.Shock.DropFraction >= 1 {
		errs = append(errs, fmt.Errorf("risk.shock.drop_fraction must be in (0,1), got %v", c.Risk.Shock.DropFraction))
	}
	if ts := c.Strategy.TrailingStop; ts.StopPct < 0 || ts.StopPct >= 1 || ts.ArmPct < 0 {
		errs = append(errs, fmt.Errorf("strategy.trailing_stop.stop_pct must be in [0,1), got %v", ts.StopPct))
	}
	if c.Strategy.PositionSize > c.Risk.MaxPositionNotional {
		errs = append(errs, errors.New("strategy.position_size exceeds risk.max_position_notional"))
	}
	if c.Strategy.MaxSlippageBps <= 0 || c.Strategy.MaxSlippageBps > c.Execution.MaxSlippageBps {
		errs = append(errs, fmt.Errorf("strategy.max_slippage_bps must be in (0,%d]", c.Execution.MaxSlippageBps))
	}
	if c.Strategy.ExitSlippageBps <= 0 || c.Strategy.ExitSlippageBps > c.Execution.MaxSlippageBps {
		errs = append(errs, fmt.Errorf("strategy.exit_slippage_bps must be in (0,%d]", c.Execution.MaxSlippageBps))
	}
	for _, v := range c.Feed.Venues {
		if _, err := model.ParseVenue(v.Venue); err != nil {
			errs = append(errs, fmt.Errorf("feed.venues: %w", err))
		}
	}
	if !c.Execution.DryRun && c.Execution.KeypairPath == "" {
		errs = append(errs, errors.New("live trading requires execution.keypair_path or SOL_KEYPAIR_PATH"))
	}
	switch c.Journal.Type {
	case "sqlite", "none":
	case "postgres":
		if c.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.type postgres requires journal.dsn or DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal.type %q", c.Journal.Type))
	}
	return errors.Join(errs...)
}

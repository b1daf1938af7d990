package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
)

// PaperRelay lands every submission at the quoted amounts less a random
// slippage, after a random latency. Nothing leaves the process.
type PaperRelay struct {
	latencyMsMin   int
	latencyMsMax   int
	slippageBpsMin int
	slippageBpsMax int

	mu      sync.Mutex
	rnd     *rand.Rand
	settled map[string]Settlement // by signature
}

func NewPaperRelay(cfg config.Paper) *PaperRelay {
	return &PaperRelay{
		latencyMsMin:   cfg.LatencyMsMin,
		latencyMsMax:   max(cfg.LatencyMsMax, cfg.LatencyMsMin),
		slippageBpsMin: cfg.SlippageBpsMin,
		slippageBpsMax: max(cfg.SlippageBpsMax, cfg.SlippageBpsMin),
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
		settled:        make(map[string]Settlement),
	}
}

func (p *PaperRelay) draw(lo, hi int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rnd.Intn(hi-lo+1)
}

func (p *PaperRelay) Submit(ctx context.Context, intent model.TradeIntent, q *Quote) (Submission, error) {
	latency := time.Duration(p.draw(p.latencyMsMin, p.latencyMsMax)) * time.Millisecond
	if err := retry.Sleep(ctx, latency); err != nil {
		return Submission{}, err
	}
	slip := p.draw(p.slippageBpsMin, p.slippageBpsMax)
	factor := decimal.NewFromInt(int64(10_000 - slip)).Div(decimal.NewFromInt(10_000))
	out := q.OutAmount.Mul(factor).Floor()

	sub := Submission{
		Intent:      intent,
		Quote:       q,
		BundleID:    "paper-" + uuid.NewString(),
		Signature:   "paper-" + uuid.NewString(),
		SubmittedAt: time.Now(),
	}
	p.mu.Lock()
	p.settled[sub.Signature] = Settlement{Status: SettleLanded, InAmount: q.InAmount, OutAmount: out}
	p.mu.Unlock()
	return sub, nil
}

func (p *PaperRelay) Lookup(_ context.Context, sub Submission) (Settlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.settled[sub.Signature]; ok {
		return s, nil
	}
	return Settlement{Status: SettleUnknown}, nil
}

// PriceBook quotes from the last observed pool prices. It stands in for
// Jupiter when replaying recorded feeds offline.
type PriceBook struct {
	QuoteMint     string
	QuoteDecimals int32
	BaseDecimals  int32

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewPriceBook(quoteMint string, quoteDecimals, baseDecimals int32) *PriceBook {
	return &PriceBook{
		QuoteMint:     quoteMint,
		QuoteDecimals: quoteDecimals,
		BaseDecimals:  baseDecimals,
		prices:        make(map[string]decimal.Decimal),
	}
}

// Observe records the event's price if it has one.
func (b *PriceBook) Observe(ev model.MarketEvent) {
	if !ev.HasPrice() {
		return
	}
	b.mu.Lock()
	b.prices[ev.PoolID] = ev.Price
	b.mu.Unlock()
}

func (b *PriceBook) Quote(_ context.Context, req QuoteRequest) (*Quote, error) {
	b.mu.RLock()
	price, ok := b.prices[req.PoolID]
	b.mu.RUnlock()
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("%w: no price for %s", errNoRoute, req.PoolID)
	}

	var out decimal.Decimal
	if req.InputMint == b.QuoteMint {
		tokens := req.Amount.Shift(-b.QuoteDecimals).DivRound(price, 18)
		out = tokens.Shift(b.BaseDecimals).Floor()
	} else {
		tokens := req.Amount.Shift(-b.BaseDecimals).Mul(price)
		out = tokens.Shift(b.QuoteDecimals).Floor()
	}
	if !out.IsPositive() {
		return nil, fmt.Errorf("%w: zero output for %s", errNoRoute, req.PoolID)
	}
	return &Quote{
		InputMint:    req.InputMint,
		OutputMint:   req.OutputMint,
		InAmount:     req.Amount,
		OutAmount:    out,
		MinOutAmount: out,
		ReceivedAt:   time.Now(),
	}, nil
}

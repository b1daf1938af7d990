package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// QuoteRequest asks for an ExactIn route. Amount is in the input mint's base
// units.
type QuoteRequest struct {
	PoolID      string
	InputMint   string
	OutputMint  string
	Amount      decimal.Decimal
	SlippageBps int
}

// Quote is a route offer. Amounts are base units.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       decimal.Decimal
	OutAmount      decimal.Decimal
	MinOutAmount   decimal.Decimal
	PriceImpactBps int
	Raw            json.RawMessage // forwarded verbatim to /swap
	ReceivedAt     time.Time
}

// Quoter prices a swap.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// SwapRequest carries the fee settings for building a swap transaction.
type SwapRequest struct {
	UserPublicKey                 string
	ComputeUnitPriceMicroLamports uint64
	JitoTipLamports               uint64
}

// JupiterClient talks to the Jupiter swap API.
type JupiterClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewJupiterClient builds a client limited to perSec quote calls per second.
func NewJupiterClient(baseURL string, timeout time.Duration, perSec float64) *JupiterClient {
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &JupiterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

type quoteWire struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

// Quote calls GET /quote.
func (j *JupiterClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("quote rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", req.Amount.Truncate(0).String())
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("swapMode", "ExactIn")

	body, status, err := j.do(ctx, http.MethodGet, j.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if isNoRoute(body) {
			return nil, fmt.Errorf("%w: %s -> %s", errNoRoute, req.InputMint, req.OutputMint)
		}
		return nil, newError(KindRelayRejected, 0, "quote: status %d: %s", status, truncate(body))
	}

	var w quoteWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	out := &Quote{InputMint: w.InputMint, OutputMint: w.OutputMint, Raw: body, ReceivedAt: time.Now()}
	if out.InAmount, err = decimal.NewFromString(w.InAmount); err != nil {
		return nil, fmt.Errorf("quote inAmount %q: %w", w.InAmount, err)
	}
	if out.OutAmount, err = decimal.NewFromString(w.OutAmount); err != nil {
		return nil, fmt.Errorf("quote outAmount %q: %w", w.OutAmount, err)
	}
	if w.OtherAmountThreshold != "" {
		out.MinOutAmount, _ = decimal.NewFromString(w.OtherAmountThreshold)
	}
	if w.PriceImpactPct != "" {
		impact, err := decimal.NewFromString(w.PriceImpactPct)
		if err != nil {
			return nil, fmt.Errorf("quote priceImpactPct %q: %w", w.PriceImpactPct, err)
		}
		// priceImpactPct is a fraction despite its name
		out.PriceImpactBps = int(impact.Abs().Mul(decimal.NewFromInt(10_000)).Ceil().IntPart())
	}
	return out, nil
}

// SwapTransaction calls POST /swap and returns the unsigned base64
// transaction.
func (j *JupiterClient) SwapTransaction(ctx context.Context, quote *Quote, req SwapRequest) (string, error) {
	if len(quote.Raw) == 0 {
		return "", fmt.Errorf("quote has no route payload")
	}
	payload := map[string]any{
		"quoteResponse":                 quote.Raw,
		"userPublicKey":                 req.UserPublicKey,
		"wrapAndUnwrapSol":              true,
		"dynamicComputeUnitLimit":       true,
		"computeUnitPriceMicroLamports": req.ComputeUnitPriceMicroLamports,
	}
	if req.JitoTipLamports > 0 {
		payload["prioritizationFeeLamports"] = map[string]any{"jitoTipLamports": req.JitoTipLamports}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal swap: %w", err)
	}

	body, status, err := j.do(ctx, http.MethodPost, j.baseURL+"/swap", b)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", newError(KindRelayRejected, 0, "swap: status %d: %s", status, truncate(body))
	}
	var resp struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		return "", newError(KindRelayRejected, 0, "swap: empty transaction")
	}
	return resp.SwapTransaction, nil
}

// do performs one request. Transport failures, 429 and 5xx come back as
// network failures; other statuses are returned to the caller.
func (j *JupiterClient) do(ctx context.Context, method, u string, body []byte) ([]byte, int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := j.http.Do(req)
	if err != nil {
		return nil, 0, newError(KindNetworkFailure, 0, "jupiter %s: %v", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, newError(KindNetworkFailure, 0, "jupiter read body: %v", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, 0, newError(KindNetworkFailure, 0, "jupiter %s: status %d", method, resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}

func isNoRoute(body []byte) bool {
	s := string(body)
	return strings.Contains(s, "COULD_NOT_FIND_ANY_ROUTE") ||
		strings.Contains(s, "NO_ROUTES_FOUND") ||
		strings.Contains(s, "TOKEN_NOT_TRADABLE")
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

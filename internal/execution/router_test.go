package execution

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
	"github.com/Rajchodisetti/pool-sniper/internal/solana"
)

const baseMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		QuoteMint:      config.WrappedSOL,
		QuoteDecimals:  9,
		BaseDecimals:   6,
		MaxSlippageBps: 500,
		MaxAttempts:    3,
		Backoff:        retry.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		QuoteTimeout:   time.Second,
		ConfirmTimeout: 0,
		PollInterval:   time.Millisecond,
	}
}

func buyIntent() model.TradeIntent {
	return model.TradeIntent{
		ID: "intent-1", Side: model.SideBuy, PoolID: "POOL", Venue: model.VenueRaydium,
		BaseMint: baseMint, QuoteMint: config.WrappedSOL, Amount: d("0.5"),
		MaxSlippageBps: 100, Urgency: model.UrgencyNormal, Strategy: model.StrategyAntiRugSnipe,
	}
}

type quoterFunc func(ctx context.Context, req QuoteRequest) (*Quote, error)

func (f quoterFunc) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) { return f(ctx, req) }

func fixedQuote(in, out string, impactBps int) quoterFunc {
	return func(_ context.Context, req QuoteRequest) (*Quote, error) {
		return &Quote{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: d(in), OutAmount: d(out),
			PriceImpactBps: impactBps, ReceivedAt: time.Now()}, nil
	}
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submits   int
	lookups   int
	onSubmit  func(n int) error
	settle    Settlement
	lookupErr error
}

func (f *fakeSubmitter) Submit(_ context.Context, intent model.TradeIntent, q *Quote) (Submission, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	f.mu.Unlock()
	if f.onSubmit != nil {
		if err := f.onSubmit(n); err != nil {
			return Submission{}, err
		}
	}
	return Submission{Intent: intent, Quote: q, BundleID: "b", Signature: "s"}, nil
}

func (f *fakeSubmitter) Lookup(context.Context, Submission) (Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return Settlement{}, f.lookupErr
	}
	return f.settle, nil
}

func landed(in, out string) Settlement {
	return Settlement{Status: SettleLanded, InAmount: d(in), OutAmount: d(out)}
}

func TestExecute_SlippageExceededSubmitsNothing(t *testing.T) {
	var swaps atomic.Int32
	jup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			assert.Equal(t, "500000000", r.URL.Query().Get("amount"))
			assert.Equal(t, "100", r.URL.Query().Get("slippageBps"))
			_, _ = w.Write([]byte(`{"inputMint":"` + config.WrappedSOL + `","inAmount":"500000000","outputMint":"` + baseMint + `","outAmount":"1000000000","otherAmountThreshold":"990000000","priceImpactPct":"0.025"}`))
		case "/swap":
			swaps.Add(1)
		}
	}))
	defer jup.Close()

	sub := &fakeSubmitter{settle: landed("500000000", "1000000000")}
	r := NewRouter(testConfig(), NewJupiterClient(jup.URL, time.Second, 100), sub)

	rec, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, model.ReceiptFailed, rec.Status)
	assert.Equal(t, 0, rec.Retries)
	assert.Equal(t, 0, sub.submits)
	assert.Equal(t, int32(0), swaps.Load())
}

func TestExecute_NoRouteIsInsufficientLiquidity(t *testing.T) {
	jup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	}))
	defer jup.Close()

	sub := &fakeSubmitter{}
	r := NewRouter(testConfig(), NewJupiterClient(jup.URL, time.Second, 100), sub)
	_, err := r.Execute(context.Background(), buyIntent())
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, 0, sub.submits)
}

func TestExecute_RetriesNetworkFailures(t *testing.T) {
	var calls atomic.Int32
	jup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"inAmount":"500000000","outAmount":"1000000000","priceImpactPct":"0"}`))
	}))
	defer jup.Close()

	sub := &fakeSubmitter{settle: landed("500000000", "1000000000")}
	r := NewRouter(testConfig(), NewJupiterClient(jup.URL, time.Second, 100), sub)
	rec, err := r.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptFilled, rec.Status)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_RetryExhausted(t *testing.T) {
	sub := &fakeSubmitter{onSubmit: func(int) error {
		return newError(KindRelayRejected, 0, "bundle rejected")
	}}
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), sub)
	rec, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrRelayRejected)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 2, e.Retries)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, 3, sub.submits)
	assert.Equal(t, model.ReceiptFailed, rec.Status)
}

func TestExecute_PartialFill(t *testing.T) {
	sell := buyIntent()
	sell.Side = model.SideSell
	sell.Amount = d("1000") // base tokens

	sub := &fakeSubmitter{settle: landed("600000000", "300000000")}
	r := NewRouter(testConfig(), fixedQuote("1000000000", "500000000", 10), sub)
	rec, err := r.Execute(context.Background(), sell)
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.Equal(t, "600", rec.InAmount.String())
	assert.Equal(t, "0.3", rec.OutAmount.String())
	assert.True(t, rec.FillPrice.Equal(d("0.0005")))
	assert.True(t, rec.Confirmed())
}

func TestExecute_IndeterminateIsNotRetried(t *testing.T) {
	sub := &fakeSubmitter{settle: Settlement{Status: SettleUnknown}}
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), sub)
	rec, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrIndeterminate)
	assert.Equal(t, model.ReceiptIndeterminate, rec.Status)
	assert.Equal(t, model.ConfirmationUnknown, rec.Confirmation)
	assert.Equal(t, "b", rec.BundleID)
	assert.Equal(t, "s", rec.Signature)
	assert.Equal(t, 1, sub.submits)
	assert.False(t, rec.Confirmed())
}

func TestExecute_CancelledBeforeSubmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := &fakeSubmitter{settle: landed("500000000", "1000000000")}
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), sub)
	rec, err := r.Execute(ctx, buyIntent())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, model.ReceiptFailed, rec.Status)
	assert.Equal(t, 0, sub.submits)
}

func TestExecute_CancelAfterSubmissionStillConfirms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := &fakeSubmitter{settle: landed("500000000", "1000000000")}
	sub.onSubmit = func(int) error { cancel(); return nil }
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), sub)
	rec, err := r.Execute(ctx, buyIntent())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptFilled, rec.Status)
	assert.Equal(t, "1000", rec.OutAmount.String())
}

func TestExecute_InvalidSlippageBound(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(testConfig(), fixedQuote("1", "1", 0), sub)
	for _, bps := range []int{0, -5, 501} {
		in := buyIntent()
		in.MaxSlippageBps = bps
		_, err := r.Execute(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidIntent, "bps %d", bps)
	}
	assert.Equal(t, 0, sub.submits)
}

func TestReconcile(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	pending := model.PendingIntent{Intent: buyIntent(), BundleID: "b", Signature: "s", RecordedAt: now.Add(-time.Minute)}

	cases := []struct {
		name   string
		settle Settlement
		age    time.Duration
		status model.ReceiptStatus
		err    error
	}{
		{"landed", landed("500000000", "1000000000"), time.Minute, model.ReceiptFilled, nil},
		{"still unknown", Settlement{Status: SettleUnknown}, time.Minute, model.ReceiptIndeterminate, ErrIndeterminate},
		{"expired", Settlement{Status: SettleUnknown}, 10 * time.Minute, model.ReceiptFailed, ErrRelayRejected},
		{"failed on chain", Settlement{Status: SettleFailed, Detail: "custom program error"}, time.Minute, model.ReceiptFailed, ErrRelayRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(testConfig(), nil, &fakeSubmitter{settle: tc.settle})
			r.now = func() time.Time { return now }
			p := pending
			p.RecordedAt = now.Add(-tc.age)

			rec, err := r.Reconcile(context.Background(), p)
			assert.Equal(t, tc.status, rec.Status)
			if tc.err == nil {
				require.NoError(t, err)
				assert.Equal(t, "0.5", rec.InAmount.String())
				assert.False(t, rec.Partial)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestReconcile_LookupErrorNeverExpires(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sub := &fakeSubmitter{lookupErr: errors.New("rpc unreachable")}
	r := NewRouter(testConfig(), nil, sub)
	r.now = func() time.Time { return now }

	p := model.PendingIntent{Intent: buyIntent(), BundleID: "b", Signature: "s", RecordedAt: now.Add(-10 * time.Minute)}
	rec, err := r.Reconcile(context.Background(), p)
	require.ErrorIs(t, err, ErrIndeterminate)
	assert.Equal(t, model.ReceiptIndeterminate, rec.Status)
	assert.Equal(t, model.ConfirmationUnknown, rec.Confirmation)
	assert.Contains(t, rec.FailureReason, "rpc unreachable")
	assert.Equal(t, 1, sub.lookups)
}

type mintTable map[string]int32

func (m mintTable) Decimals(_ context.Context, mint string) (int32, error) {
	d, ok := m[mint]
	if !ok {
		return 0, errors.New("unknown mint")
	}
	return d, nil
}

func TestExecute_ScalesEachMintByItsOwnDecimals(t *testing.T) {
	cfg := testConfig()
	cfg.Mints = mintTable{baseMint: 9}

	var quoted decimal.Decimal
	quoter := func(_ context.Context, req QuoteRequest) (*Quote, error) {
		quoted = req.Amount
		return &Quote{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: d("500000000"), OutAmount: d("500000000000"), ReceivedAt: time.Now()}, nil
	}
	sub := &fakeSubmitter{settle: landed("500000000", "500000000000")}
	r := NewRouter(cfg, quoterFunc(quoter), sub)

	rec, err := r.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, "500000000", quoted.String())
	assert.Equal(t, "500", rec.OutAmount.String())
	assert.Equal(t, "0.5", rec.InAmount.String())
	assert.Equal(t, "0.001", rec.FillPrice.String())

	sell := buyIntent()
	sell.Side = model.SideSell
	sell.Amount = d("500")
	sub.settle = landed("500000000000", "600000000")
	rec, err = r.Execute(context.Background(), sell)
	require.NoError(t, err)
	assert.Equal(t, "500000000000", quoted.String())
	assert.Equal(t, "500", rec.InAmount.String())
	assert.Equal(t, "0.6", rec.OutAmount.String())
}

func TestExecute_UnresolvedDecimalsSubmitsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Mints = mintTable{}
	sub := &fakeSubmitter{settle: landed("1", "1")}
	r := NewRouter(cfg, fixedQuote("1", "1", 0), sub)

	rec, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrNetworkFailure)
	assert.Equal(t, model.ReceiptFailed, rec.Status)
	assert.Equal(t, 0, sub.submits)
}

func TestPaperRelayWithPriceBook(t *testing.T) {
	book := NewPriceBook(config.WrappedSOL, 9, 6)
	book.Observe(model.MarketEvent{PoolID: "POOL", Price: d("0.0005")})
	paper := NewPaperRelay(config.Paper{})

	r := NewRouter(testConfig(), book, paper)
	rec, err := r.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, "1000", rec.OutAmount.String())
	assert.Equal(t, "0.5", rec.InAmount.String())
	assert.True(t, rec.Confirmed())

	unknown := buyIntent()
	unknown.PoolID = "OTHER"
	_, err = r.Execute(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

// Full live path against fake Jupiter, Jito and RPC endpoints.

func shortVec(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func unsignedTx(payer ed25519.PublicKey) ([]byte, []byte) {
	msg := []byte{0x80, 1, 0, 0}
	msg = append(msg, shortVec(1)...)
	msg = append(msg, payer...)
	msg = append(msg, make([]byte, 32)...)
	msg = append(msg, shortVec(0)...)
	msg = append(msg, shortVec(0)...)
	tx := append(shortVec(1), make([]byte, ed25519.SignatureSize)...)
	return append(tx, msg...), msg
}

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rpcReply(w http.ResponseWriter, id json.RawMessage, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func TestExecute_LiveBundlePath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kp := solana.NewKeypair(priv)
	unsigned, msg := unsignedTx(pub)

	var swapBody map[string]any
	jup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(`{"inAmount":"500000000","outAmount":"1000000000","otherAmountThreshold":"990000000","priceImpactPct":"0.004"}`))
		case "/swap":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&swapBody))
			_ = json.NewEncoder(w).Encode(map[string]string{"swapTransaction": base64.StdEncoding.EncodeToString(unsigned)})
		}
	}))
	defer jup.Close()

	var sentTx string
	jito := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bundles", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-jito-auth"))
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "sendBundle":
			var txs []string
			require.NoError(t, json.Unmarshal(req.Params[0], &txs))
			require.Len(t, txs, 1)
			sentTx = txs[0]
			assert.JSONEq(t, `{"encoding":"base64"}`, string(req.Params[1]))
			rpcReply(w, req.ID, "bundle-1")
		case "getInflightBundleStatuses":
			rpcReply(w, req.ID, map[string]any{"value": []any{map[string]any{"bundle_id": "bundle-1", "status": "Landed"}}})
		}
	}))
	defer jito.Close()

	const tip = 5_000
	var simulated string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "simulateTransaction":
			var tx string
			require.NoError(t, json.Unmarshal(req.Params[0], &tx))
			simulated = tx
			rpcReply(w, req.ID, map[string]any{"context": map[string]any{"slot": 1}, "value": map[string]any{"err": nil, "logs": []string{}}})
		case "getSignatureStatuses":
			rpcReply(w, req.ID, map[string]any{"context": map[string]any{"slot": 1}, "value": []any{map[string]any{"slot": 1, "err": nil, "confirmationStatus": "confirmed"}}})
		case "getTransaction":
			rpcReply(w, req.ID, map[string]any{"slot": 1, "meta": map[string]any{
				"err": nil, "fee": 5000,
				"preBalances":       []uint64{2_000_000_000},
				"postBalances":      []uint64{2_000_000_000 - 500_000_000 - tip - 5000},
				"preTokenBalances":  []any{},
				"postTokenBalances": []any{map[string]any{"accountIndex": 3, "mint": baseMint, "owner": kp.PublicKey(), "uiTokenAmount": map[string]any{"amount": "995000000", "decimals": 6}}},
			}})
		}
	}))
	defer node.Close()

	submitter := &BundleSubmitter{
		Builder:     NewJupiterClient(jup.URL, time.Second, 100),
		Signer:      kp,
		Relay:       NewJitoRelay(jito.URL, "secret", time.Second),
		Chain:       solana.NewClient(solana.Config{PrimaryURL: node.URL, Timeout: time.Second}),
		PriorityFee: config.Tiers{Normal: 10_000, High: 100_000, Critical: 1_000_000},
		Tips:        config.Tiers{Normal: tip, High: 50_000, Critical: 200_000},
	}
	r := NewRouter(testConfig(), NewJupiterClient(jup.URL, time.Second, 100), submitter)

	rec, err := r.Execute(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptFilled, rec.Status)
	assert.Equal(t, "bundle-1", rec.BundleID)
	assert.Equal(t, "0.5", rec.InAmount.String())
	assert.Equal(t, "995", rec.OutAmount.String())
	assert.False(t, rec.Partial)

	assert.Equal(t, kp.PublicKey(), swapBody["userPublicKey"])
	assert.EqualValues(t, 10_000, swapBody["computeUnitPriceMicroLamports"])
	assert.EqualValues(t, tip, swapBody["prioritizationFeeLamports"].(map[string]any)["jitoTipLamports"])

	raw, err := base64.StdEncoding.DecodeString(sentTx)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, msg, raw[1:1+ed25519.SignatureSize]))
	assert.Equal(t, base58.Encode(raw[1:1+ed25519.SignatureSize]), rec.Signature)
	assert.Equal(t, sentTx, simulated)
}

type stubBuilder struct{}

func (stubBuilder) SwapTransaction(context.Context, *Quote, SwapRequest) (string, error) {
	return "dW5zaWduZWQ=", nil
}

type stubSigner struct{}

func (stubSigner) PublicKey() string { return "WALLET" }
func (stubSigner) SignTransaction(b64 string) (string, string, error) {
	return b64, "sig-1", nil
}

type stubRelay struct{ sent atomic.Int32 }

func (r *stubRelay) SendBundle(context.Context, []string) (string, error) {
	r.sent.Add(1)
	return "bundle-1", nil
}
func (r *stubRelay) BundleStatus(context.Context, string) (BundleStatus, error) {
	return BundlePending, nil
}

type stubChain struct {
	simErr    error
	simulated atomic.Int32
}

func (c *stubChain) SignatureStatus(context.Context, string) (*solana.SignatureStatus, error) {
	return nil, nil
}
func (c *stubChain) Transaction(context.Context, string) (*solana.Transaction, error) {
	return nil, nil
}
func (c *stubChain) Simulate(context.Context, string) error {
	c.simulated.Add(1)
	return c.simErr
}

func TestExecute_SimulationRejectionIsNeverSent(t *testing.T) {
	relay := &stubRelay{}
	chain := &stubChain{simErr: &solana.SimulationError{
		Err:  map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}},
		Logs: []string{"Program log: Error: SlippageToleranceExceeded"},
	}}
	submitter := &BundleSubmitter{Builder: stubBuilder{}, Signer: stubSigner{}, Relay: relay, Chain: chain}
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), submitter)

	rec, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrSimulationFailed)
	assert.Equal(t, model.ReceiptFailed, rec.Status)
	assert.Empty(t, rec.Signature)
	assert.Contains(t, rec.FailureReason, "SlippageToleranceExceeded")
	assert.EqualValues(t, 1, chain.simulated.Load())
	assert.EqualValues(t, 0, relay.sent.Load())
}

func TestExecute_SimulationOutageRetriesWithoutSending(t *testing.T) {
	relay := &stubRelay{}
	chain := &stubChain{simErr: fmt.Errorf("%w: simulateTransaction: dial tcp: refused", solana.ErrTransport)}
	submitter := &BundleSubmitter{Builder: stubBuilder{}, Signer: stubSigner{}, Relay: relay, Chain: chain}
	r := NewRouter(testConfig(), fixedQuote("500000000", "1000000000", 0), submitter)

	_, err := r.Execute(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrNetworkFailure)
	assert.EqualValues(t, 3, chain.simulated.Load())
	assert.EqualValues(t, 0, relay.sent.Load())
}

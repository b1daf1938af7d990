package solana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

// Config names the node endpoints. Every call goes to the primary first
// unless its recent p95 latency is above FailoverP95, and moves to the
// failover when the first endpoint gives no answer.
type Config struct {
	PrimaryURL  string
	FailoverURL string
	Timeout     time.Duration // per call and endpoint
	FailoverP95 time.Duration // zero disables latency routing
}

type endpoint struct {
	name string
	rpc  *rpc.Client
	lat  *latencies
}

// Client reads chain state through solana-go's RPC client.
type Client struct {
	cfg       Config
	endpoints []*endpoint
	degraded  atomic.Bool
	now       func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{cfg: cfg, now: time.Now}
	c.endpoints = append(c.endpoints, &endpoint{name: "primary", rpc: newRPC(cfg.PrimaryURL, cfg.Timeout), lat: newLatencies()})
	if cfg.FailoverURL != "" {
		c.endpoints = append(c.endpoints, &endpoint{name: "failover", rpc: newRPC(cfg.FailoverURL, cfg.Timeout), lat: newLatencies()})
	}
	return c
}

func newRPC(url string, timeout time.Duration) *rpc.Client {
	return rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: timeout},
	}))
}

// route orders the endpoints for the next call.
func (c *Client) route() []*endpoint {
	if len(c.endpoints) < 2 || c.cfg.FailoverP95 <= 0 {
		return c.endpoints
	}
	primary := c.endpoints[0]
	p95, ok := primary.lat.p95(c.now())
	slow := ok && p95 > c.cfg.FailoverP95
	if slow != c.degraded.Swap(slow) {
		fields := map[string]any{"primary_p95_ms": p95.Milliseconds(), "threshold_ms": c.cfg.FailoverP95.Milliseconds()}
		if slow {
			observ.Warn("rpc_primary_degraded", fields)
		} else {
			observ.Log("rpc_primary_restored", fields)
		}
		observ.SetGauge("rpc_primary_degraded", boolGauge(slow), nil)
	}
	if slow {
		return []*endpoint{c.endpoints[1], primary}
	}
	return c.endpoints
}

// do runs call against each routed endpoint until one answers. A node error
// or a not-found result is an answer and is returned as is.
func (c *Client) do(ctx context.Context, method string, call func(context.Context, *rpc.Client) error) error {
	var last error
	for i, ep := range c.route() {
		if i > 0 {
			observ.Warn("rpc_failover", map[string]any{"method": method, "to": ep.name, "error": last.Error()})
			observ.IncCounter("rpc_failovers_total", map[string]string{"method": method})
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		start := c.now()
		err := call(cctx, ep.rpc)
		cancel()
		elapsed := c.now().Sub(start)

		if err == nil || answered(err) {
			ep.lat.add(start, elapsed)
			observ.RecordDuration("rpc", elapsed, map[string]string{"endpoint": ep.name, "method": method})
			return err
		}
		ep.lat.add(start, max(elapsed, c.cfg.Timeout))
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, method, last)
}

func answered(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code != http.StatusTooManyRequests && httpErr.Code < 500
	}
	return false
}

// SignatureStatus looks a signature up, including transaction history. A nil
// status means the node has never seen it.
func (c *Client) SignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	s, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", sig, err)
	}
	var out *rpc.GetSignatureStatusesResult
	err = c.do(ctx, "getSignatureStatuses", func(ctx context.Context, cl *rpc.Client) error {
		var err error
		out, err = cl.GetSignatureStatuses(ctx, true, s)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	v := out.Value[0]
	return &SignatureStatus{Slot: v.Slot, Err: v.Err, ConfirmationStatus: v.ConfirmationStatus}, nil
}

// Transaction fetches a confirmed transaction. A nil result means the node
// does not have it (yet).
func (c *Client) Transaction(ctx context.Context, sig string) (*Transaction, error) {
	s, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", sig, err)
	}
	version := uint64(0)
	var out *rpc.GetTransactionResult
	err = c.do(ctx, "getTransaction", func(ctx context.Context, cl *rpc.Client) error {
		var err error
		out, err = cl.GetTransaction(ctx, s, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &version,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Transaction{Slot: out.Slot, Meta: out.Meta}, nil
}

// MintInfo reads and decodes an SPL Token or Token-2022 mint account.
func (c *Client) MintInfo(ctx context.Context, mint string) (MintInfo, error) {
	key, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return MintInfo{}, fmt.Errorf("mint %q: %w", mint, err)
	}
	var out *rpc.GetAccountInfoResult
	err = c.do(ctx, "getAccountInfo", func(ctx context.Context, cl *rpc.Client) error {
		var err error
		out, err = cl.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return MintInfo{}, fmt.Errorf("%w: %s", ErrAccountNotFound, mint)
	}
	if err != nil {
		return MintInfo{}, err
	}

	acct := out.Value
	if !acct.Owner.Equals(solana.TokenProgramID) && !acct.Owner.Equals(solana.Token2022ProgramID) {
		return MintInfo{}, fmt.Errorf("%s is not a token mint (owner %s)", mint, acct.Owner)
	}
	var m token.Mint
	if acct.Data == nil {
		return MintInfo{}, fmt.Errorf("%s: empty account data", mint)
	}
	if err := m.UnmarshalWithDecoder(bin.NewBinDecoder(acct.Data.GetBinary())); err != nil {
		return MintInfo{}, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return MintInfo{
		MintAuthority:   addr(m.MintAuthority),
		FreezeAuthority: addr(m.FreezeAuthority),
		Decimals:        int32(m.Decimals),
		Supply:          m.Supply,
		IsInitialized:   m.IsInitialized,
	}, nil
}

func addr(k *solana.PublicKey) *string {
	if k == nil {
		return nil
	}
	s := k.String()
	return &s
}

// Simulate runs a signed base64 transaction through simulateTransaction with
// signature verification. A transaction the node rejects returns a
// *SimulationError.
func (c *Client) Simulate(ctx context.Context, signedTx string) error {
	tx, err := solana.TransactionFromBase64(signedTx)
	if err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	var out *rpc.SimulateTransactionResponse
	err = c.do(ctx, "simulateTransaction", func(ctx context.Context, cl *rpc.Client) error {
		var err error
		out, err = cl.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:  true,
			Commitment: rpc.CommitmentProcessed,
		})
		return err
	})
	if err != nil {
		return err
	}
	if out == nil || out.Value == nil {
		return fmt.Errorf("simulateTransaction: empty result")
	}
	if out.Value.Err != nil {
		return &SimulationError{Err: out.Value.Err, Logs: out.Value.Logs}
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

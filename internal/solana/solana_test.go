package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeShortVec(v int) []byte {
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

// unsignedTx builds a one-signer v0 transaction with payer as fee payer.
func unsignedTx(payer ed25519.PublicKey) ([]byte, []byte) {
	msg := []byte{0x80, 1, 0, 0}
	msg = append(msg, encodeShortVec(1)...)
	msg = append(msg, payer...)
	msg = append(msg, make([]byte, 32)...)  // recent blockhash
	msg = append(msg, encodeShortVec(0)...) // instructions
	msg = append(msg, encodeShortVec(0)...) // lookup tables

	tx := encodeShortVec(1)
	tx = append(tx, make([]byte, ed25519.SignatureSize)...)
	return append(tx, msg...), msg
}

func TestKeypair_SignTransaction(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kp := NewKeypair(priv)
	assert.Equal(t, base58.Encode(pub), kp.PublicKey())

	tx, msg := unsignedTx(pub)
	signed, sig, err := kp.SignTransaction(base64.StdEncoding.EncodeToString(tx))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(signed)
	require.NoError(t, err)
	sigBytes := raw[1 : 1+ed25519.SignatureSize]
	assert.True(t, ed25519.Verify(pub, msg, sigBytes))
	assert.Equal(t, base58.Encode(sigBytes), sig)
	assert.Equal(t, msg, raw[1+ed25519.SignatureSize:])
}

func TestKeypair_RejectsForeignFeePayer(t *testing.T) {
	other, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tx, _ := unsignedTx(other)
	_, _, err = NewKeypair(priv).SignTransaction(base64.StdEncoding.EncodeToString(tx))
	assert.ErrorIs(t, err, ErrSignerMismatch)

	_, _, err = NewKeypair(priv).SignTransaction(base64.StdEncoding.EncodeToString([]byte{1, 2}))
	assert.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestLoadKeypair(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	want := NewKeypair(priv).PublicKey()
	dir := t.TempDir()

	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)
	keygen := filepath.Join(dir, "id.json")
	require.NoError(t, os.WriteFile(keygen, data, 0o600))

	kp, err := LoadKeypair(keygen)
	require.NoError(t, err)
	assert.Equal(t, want, kp.PublicKey())

	exported := filepath.Join(dir, "wallet.txt")
	require.NoError(t, os.WriteFile(exported, []byte(base58.Encode(priv)+"\n"), 0o600))
	kp, err = LoadKeypair(exported)
	require.NoError(t, err)
	assert.Equal(t, want, kp.PublicKey())

	require.NoError(t, os.WriteFile(keygen, []byte("[1,2,3]"), 0o600))
	_, err = LoadKeypair(keygen)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(exported, []byte("not-base58-0OIl"), 0o600))
	_, err = LoadKeypair(exported)
	assert.Error(t, err)
}

type node struct {
	srv   *httptest.Server
	calls atomic.Int32
}

// newNode serves JSON-RPC. A non-zero status fails the request at the HTTP
// layer without a body.
func newNode(t *testing.T, handle func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError, int)) *node {
	t.Helper()
	n := &node{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.calls.Add(1)
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr, status := handle(req.Method, req.Params)
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func key(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

var testSig = solana.Signature{1, 2, 3}.String()

func TestClient_SignatureStatusAndTransaction(t *testing.T) {
	owner, mint := key(t), key(t)
	n := newNode(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		switch method {
		case "getSignatureStatuses":
			var sigs []string
			require.NoError(t, json.Unmarshal(params[0], &sigs))
			assert.Equal(t, []string{testSig}, sigs)
			assert.JSONEq(t, `{"searchTransactionHistory":true}`, string(params[1]))
			return map[string]any{"context": map[string]any{"slot": 10}, "value": []any{map[string]any{
				"slot": 10, "confirmations": nil, "err": nil, "confirmationStatus": "finalized",
			}}}, nil, 0
		case "getTransaction":
			return map[string]any{
				"slot": 10,
				"meta": map[string]any{
					"err": nil, "fee": 5000,
					"preBalances":  []uint64{1_000_000_000},
					"postBalances": []uint64{1_250_000_000},
					"preTokenBalances": []any{map[string]any{
						"accountIndex": 2, "mint": mint.String(), "owner": owner.String(),
						"uiTokenAmount": map[string]any{"amount": "1000", "decimals": 6},
					}},
					"postTokenBalances": []any{map[string]any{
						"accountIndex": 2, "mint": mint.String(), "owner": owner.String(),
						"uiTokenAmount": map[string]any{"amount": "400", "decimals": 6},
					}},
				},
			}, nil, 0
		}
		return nil, &jsonrpc.RPCError{Code: -32601, Message: "method not found"}, 0
	})

	c := NewClient(Config{PrimaryURL: n.srv.URL, Timeout: time.Second})
	ctx := context.Background()

	st, err := c.SignatureStatus(ctx, testSig)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Landed())
	assert.False(t, st.Failed())

	tx, err := c.Transaction(ctx, testSig)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "-600", tx.TokenDelta(owner.String(), mint.String()).String())
	assert.True(t, tx.TokenDelta(mint.String(), owner.String()).IsZero())
	assert.Equal(t, "250005000", tx.FeePayerLamportDelta().String())
	assert.False(t, tx.Failed())

	_, err = c.SignatureStatus(ctx, "not a signature")
	assert.Error(t, err)
}

func TestClient_UnseenSignature(t *testing.T) {
	n := newNode(t, func(method string, _ []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		if method == "getSignatureStatuses" {
			return map[string]any{"context": map[string]any{"slot": 10}, "value": []any{nil}}, nil, 0
		}
		return nil, nil, 0
	})
	c := NewClient(Config{PrimaryURL: n.srv.URL, Timeout: time.Second})

	st, err := c.SignatureStatus(context.Background(), testSig)
	require.NoError(t, err)
	assert.Nil(t, st)

	tx, err := c.Transaction(context.Background(), testSig)
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestClient_NodeErrorDoesNotFailOver(t *testing.T) {
	primary := newNode(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "invalid params"}, 0
	})
	failover := newNode(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		return nil, nil, 0
	})
	c := NewClient(Config{PrimaryURL: primary.srv.URL, FailoverURL: failover.srv.URL, Timeout: time.Second})

	_, err := c.SignatureStatus(context.Background(), testSig)
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 0, failover.calls.Load())
}

func TestClient_TransportErrorFailsOver(t *testing.T) {
	primary := newNode(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		return nil, nil, http.StatusServiceUnavailable
	})
	failover := newNode(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": []any{map[string]any{
			"slot": 1, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed",
		}}}, nil, 0
	})
	c := NewClient(Config{PrimaryURL: primary.srv.URL, FailoverURL: failover.srv.URL, Timeout: time.Second})

	st, err := c.SignatureStatus(context.Background(), testSig)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Failed())
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.EqualValues(t, 1, failover.calls.Load())

	lone := NewClient(Config{PrimaryURL: primary.srv.URL, Timeout: time.Second})
	_, err = lone.SignatureStatus(context.Background(), testSig)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestClient_SlowPrimaryRoutesToFailoverUntilSamplesAge(t *testing.T) {
	ok := func(string, []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": []any{nil}}, nil, 0
	}
	primary, failover := newNode(t, ok), newNode(t, ok)
	c := NewClient(Config{
		PrimaryURL:  primary.srv.URL,
		FailoverURL: failover.srv.URL,
		Timeout:     time.Second,
		FailoverP95: 150 * time.Millisecond,
	})
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	for i := 0; i < 20; i++ {
		c.endpoints[0].lat.add(now, 400*time.Millisecond)
	}

	_, err := c.SignatureStatus(context.Background(), testSig)
	require.NoError(t, err)
	assert.EqualValues(t, 0, primary.calls.Load())
	assert.EqualValues(t, 1, failover.calls.Load())
	assert.True(t, c.degraded.Load())

	now = now.Add(2 * latencyHorizon)
	_, err = c.SignatureStatus(context.Background(), testSig)
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.False(t, c.degraded.Load())
}

func TestLatencies_P95(t *testing.T) {
	l := newLatencies()
	now := time.Now()
	_, ok := l.p95(now)
	assert.False(t, ok)

	for i := 1; i <= 100; i++ {
		l.add(now, time.Duration(i)*time.Millisecond)
	}
	p, ok := l.p95(now)
	require.True(t, ok)
	assert.Equal(t, 95*time.Millisecond, p)

	for i := 0; i < 2*latencySamples; i++ {
		l.add(now, time.Millisecond)
	}
	p, _ = l.p95(now)
	assert.Equal(t, time.Millisecond, p)
}

func mintAccount(mintAuth, freezeAuth *solana.PublicKey, decimals uint8) []byte {
	data := make([]byte, 0, 82)
	option := func(k *solana.PublicKey) {
		tag := make([]byte, 4)
		var body [32]byte
		if k != nil {
			binary.LittleEndian.PutUint32(tag, 1)
			body = *k
		}
		data = append(data, tag...)
		data = append(data, body[:]...)
	}
	option(mintAuth)
	data = binary.LittleEndian.AppendUint64(data, 1_000_000)
	data = append(data, decimals, 1)
	option(freezeAuth)
	return data
}

func TestClient_MintInfo(t *testing.T) {
	clean, frozen, notMint, missing := key(t), key(t), key(t), key(t)
	auth := key(t)
	n := newNode(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		require.Equal(t, "getAccountInfo", method)
		var addr string
		require.NoError(t, json.Unmarshal(params[0], &addr))
		account := func(owner solana.PublicKey, data []byte) any {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": map[string]any{
				"lamports": 1461600, "owner": owner.String(), "executable": false, "rentEpoch": 0,
				"data": []string{base64.StdEncoding.EncodeToString(data), "base64"},
			}}
		}
		switch addr {
		case clean.String():
			return account(solana.TokenProgramID, mintAccount(nil, nil, 6)), nil, 0
		case frozen.String():
			return account(solana.Token2022ProgramID, mintAccount(nil, &auth, 9)), nil, 0
		case notMint.String():
			return account(solana.SystemProgramID, nil), nil, 0
		}
		return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil, 0
	})
	c := NewClient(Config{PrimaryURL: n.srv.URL, Timeout: time.Second})
	ctx := context.Background()

	info, err := c.MintInfo(ctx, clean.String())
	require.NoError(t, err)
	assert.Nil(t, info.MintAuthority)
	assert.Nil(t, info.FreezeAuthority)
	assert.True(t, info.IsInitialized)
	assert.Equal(t, int32(6), info.Decimals)
	assert.EqualValues(t, 1_000_000, info.Supply)

	info, err = c.MintInfo(ctx, frozen.String())
	require.NoError(t, err)
	require.NotNil(t, info.FreezeAuthority)
	assert.Equal(t, auth.String(), *info.FreezeAuthority)
	assert.Equal(t, int32(9), info.Decimals)

	_, err = c.MintInfo(ctx, notMint.String())
	assert.ErrorContains(t, err, "not a token mint")

	_, err = c.MintInfo(ctx, missing.String())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestClient_Simulate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	tx, _ := unsignedTx(pub)
	signed, _, err := NewKeypair(priv).SignTransaction(base64.StdEncoding.EncodeToString(tx))
	require.NoError(t, err)

	var reject atomic.Bool
	n := newNode(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError, int) {
		require.Equal(t, "simulateTransaction", method)
		var sent string
		require.NoError(t, json.Unmarshal(params[0], &sent))
		assert.Equal(t, signed, sent)
		assert.JSONEq(t, `{"encoding":"base64","sigVerify":true,"commitment":"processed"}`, string(params[1]))
		value := map[string]any{"err": nil, "logs": []string{"Program log: ok"}}
		if reject.Load() {
			value = map[string]any{
				"err":  map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}},
				"logs": []string{"Program JUP6 invoke [1]", "Program log: Error: SlippageToleranceExceeded"},
			}
		}
		return map[string]any{"context": map[string]any{"slot": 1}, "value": value}, nil, 0
	})
	c := NewClient(Config{PrimaryURL: n.srv.URL, Timeout: time.Second})

	require.NoError(t, c.Simulate(context.Background(), signed))

	reject.Store(true)
	err = c.Simulate(context.Background(), signed)
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Contains(t, err.Error(), "SlippageToleranceExceeded")
}

type countingMints struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (m *countingMints) MintInfo(context.Context, string) (MintInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return MintInfo{}, errors.New("rpc down")
	}
	return MintInfo{Decimals: 9, IsInitialized: true}, nil
}

func TestDecimalsCache(t *testing.T) {
	m := &countingMints{fail: true}
	c := NewDecimalsCache(m)
	ctx := context.Background()

	_, err := c.Decimals(ctx, "MINT")
	require.Error(t, err)

	m.fail = false
	for i := 0; i < 3; i++ {
		d, err := c.Decimals(ctx, "MINT")
		require.NoError(t, err)
		assert.Equal(t, int32(9), d)
	}
	assert.Equal(t, 2, m.calls)
}

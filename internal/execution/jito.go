package execution

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// BundleStatus is the relay's view of a submitted bundle.
type BundleStatus string

const (
	BundlePending BundleStatus = "Pending"
	BundleLanded  BundleStatus = "Landed"
	BundleFailed  BundleStatus = "Failed"
	BundleInvalid BundleStatus = "Invalid" // unknown to the relay
)

// Relay accepts signed transactions as an atomic bundle.
type Relay interface {
	SendBundle(ctx context.Context, txs []string) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (BundleStatus, error)
}

// JitoRelay submits bundles to a Jito block engine.
type JitoRelay struct {
	rpc jsonrpc.RPCClient
}

// NewJitoRelay targets the block engine at baseURL. authToken is optional.
func NewJitoRelay(baseURL, authToken string, timeout time.Duration) *JitoRelay {
	opts := &jsonrpc.RPCClientOpts{HTTPClient: &http.Client{Timeout: timeout}}
	if authToken != "" {
		opts.CustomHeaders = map[string]string{"x-jito-auth": authToken}
	}
	return &JitoRelay{rpc: jsonrpc.NewClientWithOpts(strings.TrimRight(baseURL, "/")+"/api/v1/bundles", opts)}
}

// SendBundle submits base64 transactions and returns the bundle id.
func (j *JitoRelay) SendBundle(ctx context.Context, txs []string) (string, error) {
	var id string
	err := j.rpc.CallForInto(ctx, &id, "sendBundle", []any{txs, map[string]string{"encoding": "base64"}})
	if err != nil {
		return "", relayError("sendBundle", err)
	}
	if id == "" {
		return "", newError(KindRelayRejected, 0, "sendBundle: empty bundle id")
	}
	return id, nil
}

// BundleStatus reads getInflightBundleStatuses, which covers the last five
// minutes of submissions.
func (j *JitoRelay) BundleStatus(ctx context.Context, bundleID string) (BundleStatus, error) {
	var out struct {
		Value []struct {
			BundleID   string `json:"bundle_id"`
			Status     string `json:"status"`
			LandedSlot *int64 `json:"landed_slot"`
		} `json:"value"`
	}
	if err := j.rpc.CallForInto(ctx, &out, "getInflightBundleStatuses", []any{[]string{bundleID}}); err != nil {
		return "", relayError("getInflightBundleStatuses", err)
	}
	if len(out.Value) == 0 {
		return BundleInvalid, nil
	}
	return BundleStatus(out.Value[0].Status), nil
}

// relayError keeps the relay's own refusals apart from transport failures.
// A 4xx other than 429 is a refusal too.
func relayError(method string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return newError(KindRelayRejected, 0, "%s: %v", method, rpcErr)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code < 500 && httpErr.Code != http.StatusTooManyRequests {
		return newError(KindRelayRejected, 0, "%s: %v", method, err)
	}
	return newError(KindNetworkFailure, 0, "%s: %v", method, err)
}

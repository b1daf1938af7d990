// Package solana adapts solana-go to the few node calls the agent makes:
// signature status, transaction balances, mint accounts and simulation,
// spread over a primary and an optional failover endpoint.
package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransport marks failures that never produced a node answer on any
	// endpoint: dial errors, timeouts, 429 and 5xx responses.
	ErrTransport = errors.New("rpc transport failure")

	ErrAccountNotFound = errors.New("account not found")
)

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64
	Err                any
	ConfirmationStatus rpc.ConfirmationStatusType
}

// Failed reports whether the transaction landed with an error.
func (s SignatureStatus) Failed() bool {
	return s.Err != nil
}

// Landed reports whether the transaction reached confirmed commitment.
func (s SignatureStatus) Landed() bool {
	return s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		s.ConfirmationStatus == rpc.ConfirmationStatusFinalized
}

// Transaction is the part of getTransaction the agent reads.
type Transaction struct {
	Slot uint64
	Meta *rpc.TransactionMeta
}

// TokenDelta returns owner's change in raw base units of mint.
func (t *Transaction) TokenDelta(owner, mint string) decimal.Decimal {
	if t == nil || t.Meta == nil {
		return decimal.Zero
	}
	sum := func(bals []rpc.TokenBalance) decimal.Decimal {
		total := decimal.Zero
		for _, b := range bals {
			if b.Owner == nil || b.UiTokenAmount == nil || b.Owner.String() != owner || b.Mint.String() != mint {
				continue
			}
			if v, err := decimal.NewFromString(b.UiTokenAmount.Amount); err == nil {
				total = total.Add(v)
			}
		}
		return total
	}
	return sum(t.Meta.PostTokenBalances).Sub(sum(t.Meta.PreTokenBalances))
}

// FeePayerLamportDelta returns the fee payer's native balance change with the
// transaction fee added back.
func (t *Transaction) FeePayerLamportDelta() decimal.Decimal {
	if t == nil || t.Meta == nil || len(t.Meta.PreBalances) == 0 || len(t.Meta.PostBalances) == 0 {
		return decimal.Zero
	}
	pre := decimal.NewFromUint64(t.Meta.PreBalances[0])
	post := decimal.NewFromUint64(t.Meta.PostBalances[0])
	return post.Sub(pre).Add(decimal.NewFromUint64(t.Meta.Fee))
}

// Failed reports whether the transaction executed with an error.
func (t *Transaction) Failed() bool {
	return t != nil && t.Meta != nil && t.Meta.Err != nil
}

// MintInfo is the decoded SPL mint account. Authorities are base58 addresses.
type MintInfo struct {
	MintAuthority   *string
	FreezeAuthority *string
	Decimals        int32
	Supply          uint64
	IsInitialized   bool
}

// SimulationError is a transaction the node executed in simulation and
// rejected. Sending it would only burn fees.
type SimulationError struct {
	Err  any
	Logs []string
}

func (e *SimulationError) Error() string {
	msg := fmt.Sprintf("simulation failed: %v", e.Err)
	if n := len(e.Logs); n > 0 {
		msg += ": " + strings.TrimSpace(e.Logs[n-1])
	}
	return msg
}

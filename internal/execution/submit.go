package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/solana"
)

// Submission identifies a swap handed to a relay.
type Submission struct {
	Intent      model.TradeIntent
	Quote       *Quote // nil when rebuilt for reconciliation
	BundleID    string
	Signature   string
	TipLamports uint64
	SubmittedAt time.Time
}

// SettlementStatus is how a submission ended up on chain.
type SettlementStatus string

const (
	SettleLanded  SettlementStatus = "landed"
	SettleFailed  SettlementStatus = "failed"
	SettleUnknown SettlementStatus = "unknown"
)

// Settlement reports filled amounts in base units.
type Settlement struct {
	Status    SettlementStatus
	InAmount  decimal.Decimal
	OutAmount decimal.Decimal
	Detail    string
}

// Submitter lands quoted swaps. Lookup is a single, non-blocking check of
// where a submission stands.
type Submitter interface {
	Submit(ctx context.Context, intent model.TradeIntent, q *Quote) (Submission, error)
	Lookup(ctx context.Context, sub Submission) (Settlement, error)
}

// Signer signs transactions as the fee payer.
type Signer interface {
	PublicKey() string
	SignTransaction(b64 string) (signed string, signature string, err error)
}

// Chain is the read side of a Solana node.
type Chain interface {
	SignatureStatus(ctx context.Context, sig string) (*solana.SignatureStatus, error)
	Transaction(ctx context.Context, sig string) (*solana.Transaction, error)
	Simulate(ctx context.Context, signedTx string) error
}

// SwapBuilder turns a quote into an unsigned transaction.
type SwapBuilder interface {
	SwapTransaction(ctx context.Context, q *Quote, req SwapRequest) (string, error)
}

// BundleSubmitter builds swaps through Jupiter, signs them and sends them as
// single-transaction Jito bundles.
type BundleSubmitter struct {
	Builder     SwapBuilder
	Signer      Signer
	Relay       Relay
	Chain       Chain
	PriorityFee config.Tiers
	Tips        config.Tiers
}

// Submit builds, signs, simulates and sends. A transaction the node rejects
// in simulation is never sent. When the send itself fails at the transport
// level the returned Submission still carries the signature, because the
// relay may have accepted the bundle.
func (b *BundleSubmitter) Submit(ctx context.Context, intent model.TradeIntent, q *Quote) (Submission, error) {
	tip := b.Tips.For(intent.Urgency)
	unsigned, err := b.Builder.SwapTransaction(ctx, q, SwapRequest{
		UserPublicKey:                 b.Signer.PublicKey(),
		ComputeUnitPriceMicroLamports: b.PriorityFee.For(intent.Urgency),
		JitoTipLamports:               tip,
	})
	if err != nil {
		return Submission{}, err
	}
	signed, sig, err := b.Signer.SignTransaction(unsigned)
	if err != nil {
		return Submission{}, newError(KindRelayRejected, 0, "sign: %v", err)
	}
	if err := b.Chain.Simulate(ctx, signed); err != nil {
		var simErr *solana.SimulationError
		if errors.As(err, &simErr) {
			observ.Warn("simulation_rejected", map[string]any{
				"intent_id": intent.ID,
				"pool":      intent.PoolID,
				"error":     simErr.Error(),
			})
			observ.IncCounter("simulation_rejections_total", map[string]string{"side": string(intent.Side)})
			return Submission{}, newError(KindSimulationFailed, 0, "%v", simErr)
		}
		return Submission{}, newError(KindNetworkFailure, 0, "simulate: %v", err)
	}

	sub := Submission{Intent: intent, Quote: q, Signature: sig, TipLamports: tip, SubmittedAt: time.Now()}
	id, err := b.Relay.SendBundle(ctx, []string{signed})
	if err != nil {
		return sub, err
	}
	sub.BundleID = id
	observ.Log("bundle_submitted", map[string]any{
		"intent_id": intent.ID,
		"pool":      intent.PoolID,
		"bundle_id": id,
		"signature": sig,
		"tip":       tip,
	})
	return sub, nil
}

// Lookup asks the chain first and falls back to the relay's bundle status.
func (b *BundleSubmitter) Lookup(ctx context.Context, sub Submission) (Settlement, error) {
	st, err := b.Chain.SignatureStatus(ctx, sub.Signature)
	if err != nil {
		return Settlement{Status: SettleUnknown}, fmt.Errorf("signature status: %w", err)
	}
	if st != nil && st.Failed() {
		return Settlement{Status: SettleFailed, Detail: fmt.Sprintf("transaction failed on chain: %v", st.Err)}, nil
	}
	if st != nil && st.Landed() {
		return b.settleLanded(ctx, sub)
	}

	if sub.BundleID != "" {
		bs, err := b.Relay.BundleStatus(ctx, sub.BundleID)
		if err == nil && bs == BundleFailed {
			return Settlement{Status: SettleFailed, Detail: "bundle failed at relay"}, nil
		}
	}
	return Settlement{Status: SettleUnknown}, nil
}

func (b *BundleSubmitter) settleLanded(ctx context.Context, sub Submission) (Settlement, error) {
	tx, err := b.Chain.Transaction(ctx, sub.Signature)
	if err != nil {
		return Settlement{Status: SettleUnknown}, fmt.Errorf("get transaction: %w", err)
	}
	if tx == nil {
		// status is confirmed but the transaction is not indexed yet
		return Settlement{Status: SettleUnknown}, nil
	}
	if tx.Failed() {
		return Settlement{Status: SettleFailed, Detail: fmt.Sprintf("transaction failed on chain: %v", tx.Meta.Err)}, nil
	}

	intent := sub.Intent
	owner := b.Signer.PublicKey()
	quoteSide := b.quoteDelta(tx, owner, intent.QuoteMint, sub.TipLamports)
	baseSide := tx.TokenDelta(owner, intent.BaseMint)

	var in, out decimal.Decimal
	if intent.Side == model.SideBuy {
		in, out = quoteSide.Neg(), baseSide
		// lamport deltas include account rent; never report more than was asked
		if sub.Quote != nil && in.GreaterThan(sub.Quote.InAmount) {
			in = sub.Quote.InAmount
		}
	} else {
		in, out = baseSide.Neg(), quoteSide
	}
	if !in.IsPositive() || !out.IsPositive() {
		observ.Warn("fill_amounts_unreadable", map[string]any{
			"intent_id": intent.ID,
			"signature": sub.Signature,
			"in":        in.String(),
			"out":       out.String(),
		})
		if sub.Quote == nil {
			return Settlement{Status: SettleUnknown}, nil
		}
		in, out = sub.Quote.InAmount, sub.Quote.MinOutAmount
		if !out.IsPositive() {
			out = sub.Quote.OutAmount
		}
	}
	return Settlement{Status: SettleLanded, InAmount: in, OutAmount: out}, nil
}

// quoteDelta is the owner's quote-mint change. For wrapped SOL the swap
// settles in native lamports, so the fee payer's balance change (fee added
// back) plus the relay tip is the swap amount.
func (b *BundleSubmitter) quoteDelta(tx *solana.Transaction, owner, mint string, tip uint64) decimal.Decimal {
	if mint == config.WrappedSOL {
		return tx.FeePayerLamportDelta().Add(decimal.NewFromUint64(tip))
	}
	return tx.TokenDelta(owner, mint)
}

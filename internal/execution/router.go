// Package execution turns authorized intents into on-chain swaps: quote,
// slippage check, build, sign, bundle submission and confirmation.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
)

// MintDecimals resolves the on-chain decimals of a token mint.
type MintDecimals interface {
	Decimals(ctx context.Context, mint string) (int32, error)
}

type Config struct {
	QuoteMint     string
	QuoteDecimals int32
	BaseDecimals  int32 // used for every other mint when Mints is nil
	// Mints resolves decimals per traded mint. Base units of a mint it
	// cannot resolve are never guessed.
	Mints          MintDecimals
	MaxSlippageBps int // ceiling on any intent's bound
	MaxAttempts    int
	Backoff        retry.Backoff
	QuoteTimeout   time.Duration
	QuoteTTL       time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// ExpiryWindow is how long after submission an unseen transaction is
	// considered dead (its blockhash has expired).
	ExpiryWindow time.Duration
}

// Router executes authorized intents. It is safe for concurrent use; the
// agent serializes intents per pool.
type Router struct {
	cfg       Config
	quoter    Quoter
	submitter Submitter
	now       func() time.Time
}

func NewRouter(cfg Config, quoter Quoter, submitter Submitter) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = 3 * time.Minute
	}
	return &Router{cfg: cfg, quoter: quoter, submitter: submitter, now: time.Now}
}

// Execute runs intent to a receipt. The receipt is always populated; the
// error is a *Error when the receipt is not a confirmed fill.
//
// Cancelling ctx stops the intent only until a relay has accepted it. From
// then on confirmation runs to completion or timeout regardless.
func (r *Router) Execute(ctx context.Context, intent model.TradeIntent) (model.ExecutionReceipt, error) {
	start := r.now()
	rec, err := r.execute(ctx, intent)
	rec.CompletedAt = r.now()

	result := string(rec.Status)
	fields := map[string]any{
		"intent_id": intent.ID,
		"pool":      intent.PoolID,
		"side":      string(intent.Side),
		"status":    result,
		"retries":   rec.Retries,
		"ms":        rec.CompletedAt.Sub(start).Milliseconds(),
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			result = string(e.Kind)
		}
		fields["error"] = err.Error()
		observ.Warn("execution_failed", fields)
	} else {
		fields["in"] = rec.InAmount.String()
		fields["out"] = rec.OutAmount.String()
		fields["price"] = rec.FillPrice.String()
		fields["partial"] = rec.Partial
		observ.Log("execution_filled", fields)
	}
	observ.IncCounter("executions_total", map[string]string{"side": string(intent.Side), "result": result})
	observ.RecordDuration("execution", rec.CompletedAt.Sub(start), map[string]string{"side": string(intent.Side)})
	return rec, err
}

func (r *Router) execute(ctx context.Context, intent model.TradeIntent) (model.ExecutionReceipt, error) {
	rec := model.ExecutionReceipt{
		IntentID:     intent.ID,
		Intent:       intent,
		Status:       model.ReceiptFailed,
		Confirmation: model.ConfirmationRejected,
	}
	scale, err := r.scaleFor(ctx, intent)
	if err != nil {
		return r.failed(rec, asError(err, KindNetworkFailure, 0))
	}
	amount, err := r.validate(intent, scale)
	if err != nil {
		rec.FailureReason = err.Error()
		return rec, err
	}

	for attempt := 1; ; attempt++ {
		retries := attempt - 1
		rec.Retries = retries
		if ctx.Err() != nil {
			return r.failed(rec, newError(KindCancelled, retries, "before submission: %v", ctx.Err()))
		}

		out, err := r.attempt(ctx, intent, amount, scale, retries)
		if err == nil {
			return out, nil
		}
		kind := kindOf(err)
		if kind == KindIndeterminate {
			return out, asError(err, kind, retries)
		}
		if ctx.Err() != nil && kind != KindRelayRejected {
			return r.failed(rec, newError(KindCancelled, retries, "before submission: %v", ctx.Err()))
		}
		if !retryable(kind) || attempt >= r.cfg.MaxAttempts {
			return r.failed(out, asError(err, kind, retries))
		}

		wait := r.cfg.Backoff.Next(attempt)
		observ.Warn("execution_retry", map[string]any{
			"intent_id": intent.ID,
			"attempt":   attempt,
			"kind":      string(kind),
			"error":     err.Error(),
			"wait_ms":   wait.Milliseconds(),
		})
		observ.IncCounter("execution_retries_total", map[string]string{"kind": string(kind)})
		if err := retry.Sleep(ctx, wait); err != nil {
			return r.failed(rec, newError(KindCancelled, attempt, "during backoff: %v", err))
		}
	}
}

// attempt is one quote-check-submit-confirm pass.
func (r *Router) attempt(ctx context.Context, intent model.TradeIntent, amount decimal.Decimal, scale mintScale, retries int) (model.ExecutionReceipt, error) {
	rec := model.ExecutionReceipt{
		IntentID:     intent.ID,
		Intent:       intent,
		Status:       model.ReceiptFailed,
		Confirmation: model.ConfirmationRejected,
		Retries:      retries,
	}

	q, err := r.quote(ctx, intent, amount)
	if err != nil {
		return rec, err
	}
	if !q.OutAmount.IsPositive() {
		return rec, newError(KindInsufficientLiquidity, retries, "quote returned zero output")
	}
	if q.PriceImpactBps > intent.MaxSlippageBps {
		return rec, newError(KindSlippageExceeded, retries, "price impact %d bps exceeds bound %d bps", q.PriceImpactBps, intent.MaxSlippageBps)
	}
	if r.cfg.QuoteTTL > 0 && r.now().Sub(q.ReceivedAt) > r.cfg.QuoteTTL {
		return rec, newError(KindNetworkFailure, retries, "quote stale after %s", r.now().Sub(q.ReceivedAt))
	}

	sub, err := r.submitter.Submit(ctx, intent, q)
	if err != nil {
		if sub.Signature == "" || kindOf(err) != KindNetworkFailure {
			return rec, err
		}
		// the send may have reached the relay; only the chain can tell
		observ.Warn("submission_ambiguous", map[string]any{"intent_id": intent.ID, "signature": sub.Signature, "error": err.Error()})
	}

	return r.confirm(context.WithoutCancel(ctx), rec, sub, amount, scale)
}

func (r *Router) quote(ctx context.Context, intent model.TradeIntent, amount decimal.Decimal) (*Quote, error) {
	if r.cfg.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.QuoteTimeout)
		defer cancel()
	}
	start := r.now()
	q, err := r.quoter.Quote(ctx, QuoteRequest{
		PoolID:      intent.PoolID,
		InputMint:   intent.InputMint(),
		OutputMint:  intent.OutputMint(),
		Amount:      amount,
		SlippageBps: intent.MaxSlippageBps,
	})
	observ.RecordDuration("quote", r.now().Sub(start), nil)
	return q, err
}

// confirm polls until the submission settles or the confirm timeout passes.
func (r *Router) confirm(ctx context.Context, rec model.ExecutionReceipt, sub Submission, requested decimal.Decimal, scale mintScale) (model.ExecutionReceipt, error) {
	rec.BundleID = sub.BundleID
	rec.Signature = sub.Signature

	deadline := r.now().Add(r.cfg.ConfirmTimeout)
	var s Settlement
	for {
		var err error
		s, err = r.submitter.Lookup(ctx, sub)
		if err != nil {
			observ.Warn("confirmation_lookup_failed", map[string]any{"intent_id": sub.Intent.ID, "error": err.Error()})
		}
		if s.Status == SettleLanded || s.Status == SettleFailed {
			break
		}
		if !r.now().Before(deadline) {
			break
		}
		_ = retry.Sleep(ctx, r.cfg.PollInterval)
	}
	return r.settle(rec, s, requested, scale)
}

// settle maps a settlement onto the receipt.
func (r *Router) settle(rec model.ExecutionReceipt, s Settlement, requested decimal.Decimal, scale mintScale) (model.ExecutionReceipt, error) {
	intent := rec.Intent
	switch s.Status {
	case SettleLanded:
		rec.Status = model.ReceiptFilled
		rec.Confirmation = model.ConfirmationConfirmed
		rec.InAmount = s.InAmount.Shift(-scale.in)
		rec.OutAmount = s.OutAmount.Shift(-scale.out)
		rec.FillPrice = model.PriceOf(intent.Side, rec.InAmount, rec.OutAmount)
		rec.Partial = s.InAmount.LessThan(requested)
		rec.FailureReason = ""
		return rec, nil
	case SettleFailed:
		rec.Status = model.ReceiptFailed
		rec.Confirmation = model.ConfirmationRejected
		rec.FailureReason = s.Detail
		return rec, newError(KindRelayRejected, rec.Retries, "%s", s.Detail)
	default:
		rec.Status = model.ReceiptIndeterminate
		rec.Confirmation = model.ConfirmationUnknown
		rec.FailureReason = "confirmation timed out"
		return rec, newError(KindIndeterminate, rec.Retries, "bundle %s signature %s unresolved", rec.BundleID, rec.Signature)
	}
}

// Reconcile checks the chain once for an Indeterminate intent. It returns a
// Filled or Failed receipt when the outcome is known and an Indeterminate
// receipt with ErrIndeterminate otherwise. A submission the chain reports as
// unseen past the expiry window is resolved as Failed; a failed lookup never
// is.
func (r *Router) Reconcile(ctx context.Context, p model.PendingIntent) (model.ExecutionReceipt, error) {
	rec := model.ExecutionReceipt{
		IntentID:  p.Intent.ID,
		Intent:    p.Intent,
		BundleID:  p.BundleID,
		Signature: p.Signature,
	}
	scale, err := r.scaleFor(ctx, p.Intent)
	if err != nil {
		return r.unresolved(rec, p, err)
	}
	requested := p.Intent.Amount.Shift(scale.in).Floor()

	var s Settlement
	if p.Signature != "" {
		s, err = r.submitter.Lookup(ctx, Submission{Intent: p.Intent, BundleID: p.BundleID, Signature: p.Signature})
		if err != nil {
			return r.unresolved(rec, p, err)
		}
	}
	if s.Status == SettleUnknown && r.now().Sub(p.RecordedAt) > r.cfg.ExpiryWindow {
		s = Settlement{Status: SettleFailed, Detail: "transaction never landed before expiry"}
	}
	rec, err = r.settle(rec, s, requested, scale)
	rec.CompletedAt = r.now()
	observ.Log("reconciled", map[string]any{
		"intent_id": p.Intent.ID,
		"pool":      p.Intent.PoolID,
		"status":    string(rec.Status),
	})
	return rec, err
}

// unresolved keeps a pending record pending when the chain could not be asked.
func (r *Router) unresolved(rec model.ExecutionReceipt, p model.PendingIntent, cause error) (model.ExecutionReceipt, error) {
	observ.Warn("reconcile_lookup_failed", map[string]any{"intent_id": p.Intent.ID, "error": cause.Error()})
	rec.Status = model.ReceiptIndeterminate
	rec.Confirmation = model.ConfirmationUnknown
	rec.FailureReason = cause.Error()
	rec.CompletedAt = r.now()
	return rec, &Error{Kind: KindIndeterminate, Err: cause}
}

func (r *Router) validate(intent model.TradeIntent, scale mintScale) (decimal.Decimal, error) {
	if intent.MaxSlippageBps <= 0 || (r.cfg.MaxSlippageBps > 0 && intent.MaxSlippageBps > r.cfg.MaxSlippageBps) {
		return decimal.Zero, newError(KindInvalidIntent, 0, "slippage bound %d bps outside (0, %d]", intent.MaxSlippageBps, r.cfg.MaxSlippageBps)
	}
	amount := intent.Amount.Shift(scale.in).Floor()
	if !amount.IsPositive() {
		return decimal.Zero, newError(KindInvalidIntent, 0, "amount %s rounds to zero base units", intent.Amount)
	}
	return amount, nil
}

func (r *Router) failed(rec model.ExecutionReceipt, err *Error) (model.ExecutionReceipt, error) {
	if rec.Status != model.ReceiptFailed {
		rec.Status = model.ReceiptFailed
		rec.Confirmation = model.ConfirmationRejected
	}
	rec.Retries = err.Retries
	rec.FailureReason = err.Error()
	return rec, err
}

// asError returns err as an *Error carrying the final retry count.
func asError(err error, kind Kind, retries int) *Error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Retries: retries, Err: e.Err}
	}
	return &Error{Kind: kind, Retries: retries, Err: err}
}

// mintScale is the decimal exponent of an intent's input and output mints.
type mintScale struct{ in, out int32 }

func (r *Router) scaleFor(ctx context.Context, intent model.TradeIntent) (mintScale, error) {
	in, err := r.decimals(ctx, intent.InputMint())
	if err != nil {
		return mintScale{}, err
	}
	out, err := r.decimals(ctx, intent.OutputMint())
	if err != nil {
		return mintScale{}, err
	}
	return mintScale{in: in, out: out}, nil
}

func (r *Router) decimals(ctx context.Context, mint string) (int32, error) {
	if mint == r.cfg.QuoteMint {
		return r.cfg.QuoteDecimals, nil
	}
	if r.cfg.Mints == nil {
		return r.cfg.BaseDecimals, nil
	}
	d, err := r.cfg.Mints.Decimals(ctx, mint)
	if err != nil {
		return 0, newError(KindNetworkFailure, 0, "decimals of %s: %v", mint, err)
	}
	return d, nil
}

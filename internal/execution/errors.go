package execution

import (
	"errors"
	"fmt"
)

// Kind classifies an execution failure.
type Kind string

const (
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindIndeterminate         Kind = "indeterminate"
	KindRelayRejected         Kind = "relay_rejected"
	KindNetworkFailure        Kind = "network_failure"
	KindCancelled             Kind = "cancelled"
	KindInvalidIntent         Kind = "invalid_intent"
	KindSimulationFailed      Kind = "simulation_failed" // node rejected the signed swap; nothing was sent
)

// Error is returned by Execute. Match kinds with errors.Is against the Err*
// values below; Unwrap exposes the underlying cause.
type Error struct {
	Kind    Kind
	Retries int
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution %s", e.Kind)
	}
	return fmt.Sprintf("execution %s after %d retries: %v", e.Kind, e.Retries, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrSlippageExceeded      = &Error{Kind: KindSlippageExceeded}
	ErrInsufficientLiquidity = &Error{Kind: KindInsufficientLiquidity}
	ErrIndeterminate         = &Error{Kind: KindIndeterminate}
	ErrRelayRejected         = &Error{Kind: KindRelayRejected}
	ErrNetworkFailure        = &Error{Kind: KindNetworkFailure}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrInvalidIntent         = &Error{Kind: KindInvalidIntent}
	ErrSimulationFailed      = &Error{Kind: KindSimulationFailed}
)

// errNoRoute is the quoter's signal that no pool can fill the swap.
var errNoRoute = errors.New("no route")

func newError(kind Kind, retries int, format string, args ...any) *Error {
	return &Error{Kind: kind, Retries: retries, Err: fmt.Errorf(format, args...)}
}

// kindOf maps a component error to an execution kind. Unknown errors are
// treated as network failures so they are retried.
func kindOf(err error) Kind {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, errNoRoute):
		return KindInsufficientLiquidity
	}
	return KindNetworkFailure
}

func retryable(k Kind) bool {
	return k == KindNetworkFailure || k == KindRelayRejected
}

package risk

import "fmt"

// RejectionKind classifies why the governor refused an intent.
type RejectionKind string

const (
	RejectReadOnlyMode          RejectionKind = "read_only_mode"
	RejectPositionLimitExceeded RejectionKind = "position_limit_exceeded"
	RejectExposureCapExceeded   RejectionKind = "exposure_cap_exceeded"
	RejectPoolInFlight          RejectionKind = "pool_in_flight"
	RejectUnreconciled          RejectionKind = "unreconciled"
	RejectNoOpenPosition        RejectionKind = "no_open_position"
	RejectInvalidIntent         RejectionKind = "invalid_intent"
	RejectCooldown              RejectionKind = "cooldown"
)

// Rejection is returned by Authorize. Match kinds with errors.Is against the
// Err* values below.
type Rejection struct {
	Kind   RejectionKind
	Pool   string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("risk rejected %s: %s", r.Pool, r.Kind)
	}
	return fmt.Sprintf("risk rejected %s: %s: %s", r.Pool, r.Kind, r.Detail)
}

// Is matches any Rejection of the same kind.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Kind == r.Kind
}

var (
	ErrReadOnlyMode          = &Rejection{Kind: RejectReadOnlyMode}
	ErrPositionLimitExceeded = &Rejection{Kind: RejectPositionLimitExceeded}
	ErrExposureCapExceeded   = &Rejection{Kind: RejectExposureCapExceeded}
	ErrPoolInFlight          = &Rejection{Kind: RejectPoolInFlight}
	ErrUnreconciled          = &Rejection{Kind: RejectUnreconciled}
	ErrNoOpenPosition        = &Rejection{Kind: RejectNoOpenPosition}
	ErrInvalidIntent         = &Rejection{Kind: RejectInvalidIntent}
	ErrCooldown              = &Rejection{Kind: RejectCooldown}
)

func reject(kind RejectionKind, pool, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Pool: pool, Detail: fmt.Sprintf(format, args...)}
}

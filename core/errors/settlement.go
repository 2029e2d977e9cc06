package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a settlement failure.
type Kind string

const (
	KindInvalidReserve   Kind = "InvalidReserve"
	KindAuctionNotActive Kind = "AuctionNotActive"
	KindBidTooLow        Kind = "BidTooLow"
	KindNotAuthorized    Kind = "NotAuthorized"
	KindTooEarly         Kind = "TooEarly"
	KindAlreadyFinalized Kind = "AlreadyFinalized"
	KindHasBids          Kind = "HasBids"
	KindNegativeAmount   Kind = "NegativeAmount"
	KindNothingToClaim   Kind = "NothingToClaim"
	KindCooldownActive   Kind = "CooldownActive"
	KindUnsupportedChain Kind = "UnsupportedChain"
	KindStillLocked      Kind = "StillLocked"
	KindUnknownModel     Kind = "UnknownModel"
	KindTransferFailed   Kind = "TransferFailed"
	KindTransferTimeout  Kind = "TransferTimeout"
	KindDailyCapExceeded Kind = "DailyCapExceeded"
	KindNotFound         Kind = "NotFound"
	KindInvalidArgument  Kind = "InvalidArgument"
	KindPaused           Kind = "Paused"
)

// Sentinels for errors.Is comparisons. Any *Error carrying the same kind
// matches its sentinel.
var (
	ErrInvalidReserve   = &Error{Kind: KindInvalidReserve}
	ErrAuctionNotActive = &Error{Kind: KindAuctionNotActive}
	ErrBidTooLow        = &Error{Kind: KindBidTooLow}
	ErrNotAuthorized    = &Error{Kind: KindNotAuthorized}
	ErrTooEarly         = &Error{Kind: KindTooEarly}
	ErrAlreadyFinalized = &Error{Kind: KindAlreadyFinalized}
	ErrHasBids          = &Error{Kind: KindHasBids}
	ErrNegativeAmount   = &Error{Kind: KindNegativeAmount}
	ErrNothingToClaim   = &Error{Kind: KindNothingToClaim}
	ErrCooldownActive   = &Error{Kind: KindCooldownActive}
	ErrUnsupportedChain = &Error{Kind: KindUnsupportedChain}
	ErrStillLocked      = &Error{Kind: KindStillLocked}
	ErrUnknownModel     = &Error{Kind: KindUnknownModel}
	ErrTransferFailed   = &Error{Kind: KindTransferFailed}
	ErrTransferTimeout  = &Error{Kind: KindTransferTimeout}
	ErrDailyCapExceeded = &Error{Kind: KindDailyCapExceeded}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrPaused           = &Error{Kind: KindPaused}
)

// Error is the structured settlement error. It names the entity and the
// invariant that rejected the operation so audit logs need no extra context.
type Error struct {
	Kind      Kind
	Entity    string
	ID        string
	Invariant string
	// Remaining is set for CooldownActive and StillLocked.
	Remaining time.Duration
}

// New constructs a structured error.
func New(kind Kind, entity, id, invariant string) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Invariant: invariant}
}

// WithRemaining attaches the remaining wait to the error.
func (e *Error) WithRemaining(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	if d < 0 {
		d = 0
	}
	clone.Remaining = d
	return &clone
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Entity != "" {
		fmt.Fprintf(&b, " %s", e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, "(%s)", e.ID)
		}
	}
	if e.Invariant != "" {
		fmt.Fprintf(&b, ": %s", e.Invariant)
	}
	if e.Remaining > 0 {
		fmt.Fprintf(&b, " (remaining %s)", e.Remaining)
	}
	return b.String()
}

// Is matches any settlement error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the settlement kind from err, or "" when err is not a
// settlement error.
func KindOf(err error) Kind {
	var settlement *Error
	if stderrors.As(err, &settlement) && settlement != nil {
		return settlement.Kind
	}
	return ""
}

// IsValidation reports whether the kind is rejected before any mutation.
func IsValidation(kind Kind) bool {
	switch kind {
	case KindTransferFailed, KindTransferTimeout, "":
		return false
	default:
		return true
	}
}

package transfer

import (
	"context"
	"errors"
	"math/big"
	"strings"
)

// ErrNotConfigured is returned by the Func adapter when no callback is set.
var ErrNotConfigured = errors.New("transfer: capability not configured")

// Status is the outcome reported by the external transfer capability.
type Status string

const (
	// StatusUnknown means the capability has no record of the correlation id.
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ParseStatus normalises a wire status.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusUnknown:
		return StatusUnknown, true
	case StatusPending, "submitted", "accepted":
		return StatusPending, true
	case StatusConfirmed, "settled", "completed":
		return StatusConfirmed, true
	case StatusFailed, "rejected":
		return StatusFailed, true
	default:
		return "", false
	}
}

// Handle acknowledges a submission.
type Handle struct {
	CorrelationID string `json:"correlation_id"`
	Reference     string `json:"reference,omitempty"`
	Status        Status `json:"status"`
}

// Capability moves value between accounts. Submissions are keyed by the
// caller-assigned correlation id; resubmitting the same id must not move
// value twice.
type Capability interface {
	Submit(ctx context.Context, correlationID, from, to string, amount *big.Int) (Handle, error)
	Status(ctx context.Context, correlationID string) (Status, error)
}

// Func adapts callback functions to the Capability interface.
type Func struct {
	SubmitFunc func(ctx context.Context, correlationID, from, to string, amount *big.Int) (Handle, error)
	StatusFunc func(ctx context.Context, correlationID string) (Status, error)
}

// Submit delegates to the configured callback.
func (f Func) Submit(ctx context.Context, correlationID, from, to string, amount *big.Int) (Handle, error) {
	if f.SubmitFunc == nil {
		return Handle{}, ErrNotConfigured
	}
	return f.SubmitFunc(ctx, correlationID, from, to, amount)
}

// Status delegates to the configured callback.
func (f Func) Status(ctx context.Context, correlationID string) (Status, error) {
	if f.StatusFunc == nil {
		return StatusUnknown, ErrNotConfigured
	}
	return f.StatusFunc(ctx, correlationID)
}

package intent

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Kind identifies the component that owns an intent and therefore knows how
// to confirm or compensate it.
type Kind string

const (
	KindBidRefund       Kind = "bid_refund"
	KindYieldClaim      Kind = "yield_claim"
	KindStakeWithdrawal Kind = "stake_withdrawal"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindBidRefund, KindYieldClaim, KindStakeWithdrawal:
		return true
	default:
		return false
	}
}

// Status tracks an intent through the two-phase settlement lifecycle.
//
// Pending -> Confirmed, or Pending -> Failed -> Reversed. Confirmed and
// Reversed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusReversed
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirmed || next == StatusFailed || next == StatusReversed
	case StatusFailed:
		return next == StatusReversed
	default:
		return false
	}
}

// Snapshot keys recorded at mutation time for compensating transitions.
const (
	SnapPrevTotalClaimed = "prevTotalClaimed"
	SnapPrevLastClaimAt  = "prevLastClaimAt"
	SnapClaimant         = "claimant"
	SnapCapsuleID        = "capsuleId"
	SnapBidSeq           = "bidSeq"
	SnapDisplacingSeq    = "displacingSeq"
	SnapChain            = "chain"
)

// Intent is the durable record of an outbound value movement awaiting an
// outcome from the transfer capability.
type Intent struct {
	CorrelationID string            `json:"correlationId"`
	Kind          Kind              `json:"kind"`
	EntityID      string            `json:"entityId"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Amount        *big.Int          `json:"amount"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	Snapshot      map[string]string `json:"snapshot,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
	SubmittedAt   int64             `json:"submittedAt,omitempty"`
	ResolvedAt    int64             `json:"resolvedAt,omitempty"`
}

// New builds a pending intent with a deterministic correlation id.
func New(kind Kind, entityID string, seq uint64, from, to string, amount *big.Int, now int64) *Intent {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	return &Intent{
		CorrelationID: CorrelationID(kind, entityID, seq),
		Kind:          kind,
		EntityID:      entityID,
		From:          from,
		To:            to,
		Amount:        amt,
		Status:        StatusPending,
		Snapshot:      map[string]string{},
		CreatedAt:     now,
	}
}

// CorrelationID derives the caller-assigned id used for idempotent lookups at
// the transfer capability.
func CorrelationID(kind Kind, entityID string, seq uint64) string {
	hash := ethcrypto.Keccak256Hash([]byte(kind), []byte(strings.TrimSpace(entityID)), []byte(strconv.FormatUint(seq, 10)))
	return fmt.Sprintf("%s-%s", kind, hash.Hex()[2:26])
}

// Submitted reports whether the intent has been handed to the capability.
func (i *Intent) Submitted() bool {
	return i != nil && i.SubmittedAt > 0
}

// Snap returns a snapshot value.
func (i *Intent) Snap(key string) string {
	if i == nil || i.Snapshot == nil {
		return ""
	}
	return i.Snapshot[key]
}

// SetSnap records a snapshot value.
func (i *Intent) SetSnap(key, value string) {
	if i.Snapshot == nil {
		i.Snapshot = map[string]string{}
	}
	i.Snapshot[key] = value
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Amount != nil {
		clone.Amount = new(big.Int).Set(i.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Snapshot = make(map[string]string, len(i.Snapshot))
	for k, v := range i.Snapshot {
		clone.Snapshot[k] = v
	}
	return &clone
}

// Resolve moves the intent to a new status, stamping the resolution time.
func (i *Intent) Resolve(next Status, reason string, now int64) error {
	if i == nil {
		return fmt.Errorf("intent: nil intent")
	}
	if !i.Status.CanTransition(next) {
		return fmt.Errorf("intent %s: cannot move from %s to %s", i.CorrelationID, i.Status, next)
	}
	i.Status = next
	if reason != "" {
		i.LastError = reason
	}
	if next.Terminal() {
		i.ResolvedAt = now
	}
	return nil
}

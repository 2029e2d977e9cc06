package yield

import (
	"math/big"
	"strings"
)

// DefaultCooldownSeconds is the minimum spacing between successful claims for one
// claimant and capsule.
const DefaultCooldownSeconds int64 = 7 * 24 * 60 * 60

// Claim is the per-claimant, per-capsule yield balance.
type Claim struct {
	Claimant     string   `json:"claimant"`
	CapsuleID    string   `json:"capsuleId"`
	TotalEarned  *big.Int `json:"totalEarned"`
	TotalClaimed *big.Int `json:"totalClaimed"`
	LastClaimAt  int64    `json:"lastClaimAt,omitempty"`
	// ClaimCount numbers successful claims and seeds intent correlation ids.
	ClaimCount uint64 `json:"claimCount"`
	UpdatedAt  int64  `json:"updatedAt"`
}

func newClaim(claimant, capsuleID string) *Claim {
	return &Claim{
		Claimant:     claimant,
		CapsuleID:    capsuleID,
		TotalEarned:  big.NewInt(0),
		TotalClaimed: big.NewInt(0),
	}
}

// Key returns the lock and entity key for the record.
func (c *Claim) Key() string { return ClaimKey(c.Claimant, c.CapsuleID) }

// keySeparator joins claimant and capsule in entity keys. Identities may not
// contain it, so distinct pairs never share a key or an intent id.
const keySeparator = "|"

// ClaimKey joins claimant and capsule into a single entity key.
func ClaimKey(claimant, capsuleID string) string {
	return strings.TrimSpace(claimant) + keySeparator + strings.TrimSpace(capsuleID)
}

// Claimable returns totalEarned - totalClaimed.
func (c *Claim) Claimable() *big.Int {
	if c == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(newBigInt(c.TotalEarned), newBigInt(c.TotalClaimed))
}

// Clone returns a deep copy of the claim.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	clone := *c
	clone.TotalEarned = newBigInt(c.TotalEarned)
	clone.TotalClaimed = newBigInt(c.TotalClaimed)
	return &clone
}

// Earning is one credit recorded against a claim.
type Earning struct {
	Claimant   string   `json:"claimant"`
	CapsuleID  string   `json:"capsuleId"`
	Amount     *big.Int `json:"amount"`
	Model      string   `json:"model"`
	Ref        string   `json:"ref,omitempty"`
	RecordedAt int64    `json:"recordedAt"`
}

// Clone returns a deep copy of the earning.
func (e *Earning) Clone() *Earning {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = newBigInt(e.Amount)
	return &clone
}

// ClaimReceipt is returned by a successful claim.
type ClaimReceipt struct {
	Claim         *Claim   `json:"claim"`
	Amount        *big.Int `json:"amount"`
	CorrelationID string   `json:"correlationId"`
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

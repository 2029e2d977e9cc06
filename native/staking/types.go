package staking

import (
	"math/big"
	"strings"
)

// PositionStatus tracks a staking position through its lifecycle.
type PositionStatus uint8

const (
	PositionActive PositionStatus = iota
	PositionUnstaking
	PositionWithdrawn
)

func (s PositionStatus) String() string {
	switch s {
	case PositionActive:
		return "active"
	case PositionUnstaking:
		return "unstaking"
	case PositionWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// ParsePositionStatus maps a status name back to its value.
func ParsePositionStatus(name string) (PositionStatus, bool) {
	for _, s := range []PositionStatus{PositionActive, PositionUnstaking, PositionWithdrawn} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// NormalizeChain canonicalises a chain identifier.
func NormalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// Pool aggregates every position staked on one chain.
type Pool struct {
	Chain              string   `json:"chain"`
	AprBps             uint32   `json:"aprBps"`
	Validators         uint32   `json:"validators"`
	TotalStaked        *big.Int `json:"totalStaked"`
	RewardsAccrued     *big.Int `json:"rewardsAccrued"`
	RewardsDistributed *big.Int `json:"rewardsDistributed"`
	LastAccrual        int64    `json:"lastAccrual"`
	UpdatedAt          int64    `json:"updatedAt"`
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalStaked = newBigInt(p.TotalStaked)
	clone.RewardsAccrued = newBigInt(p.RewardsAccrued)
	clone.RewardsDistributed = newBigInt(p.RewardsDistributed)
	return &clone
}

// Position is a single staker deposit on one chain.
type Position struct {
	ID            string   `json:"id"`
	Chain         string   `json:"chain"`
	Staker        string   `json:"staker"`
	Principal     *big.Int `json:"principal"`
	AccruedReward *big.Int `json:"accruedReward"`
	// RewardCarry is the accrual numerator not yet large enough to pay out.
	RewardCarry      *big.Int       `json:"rewardCarry"`
	LockPeriod       int64          `json:"lockPeriod"`
	DepositedAt      int64          `json:"depositedAt"`
	LastAccrual      int64          `json:"lastAccrual"`
	UnstakeAt        int64          `json:"unstakeAt,omitempty"`
	UnlockAt         int64          `json:"unlockAt,omitempty"`
	WithdrawnAt      int64          `json:"withdrawnAt,omitempty"`
	Status           PositionStatus `json:"status"`
	WithdrawIntent   string         `json:"withdrawIntent,omitempty"`
	WithdrawAttempts uint32         `json:"withdrawAttempts"`
	RewardForwarded  bool           `json:"rewardForwarded"`
}

// RewardPending reports whether a withdrawn position still owes its reward
// to the yield ledger.
func (p *Position) RewardPending() bool {
	return p != nil && p.Status == PositionWithdrawn && !p.RewardForwarded && newBigInt(p.AccruedReward).Sign() > 0
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = newBigInt(p.Principal)
	clone.AccruedReward = newBigInt(p.AccruedReward)
	clone.RewardCarry = newBigInt(p.RewardCarry)
	return &clone
}

// WithdrawReceipt describes a completed withdrawal.
type WithdrawReceipt struct {
	Position      *Position `json:"position"`
	Principal     *big.Int  `json:"principal"`
	Reward        *big.Int  `json:"reward"`
	CorrelationID string    `json:"correlationId"`
	// Replayed is set when the position was already withdrawn.
	Replayed bool `json:"replayed"`
}

// PoolView is the per-chain slice of the aggregate view.
type PoolView struct {
	Chain              string   `json:"chain"`
	AprBps             uint32   `json:"aprBps"`
	Validators         uint32   `json:"validators"`
	TotalStaked        *big.Int `json:"totalStaked"`
	RewardsDistributed *big.Int `json:"rewardsDistributed"`
	LastAccrual        int64    `json:"lastAccrual"`
}

// AggregateView is the cross-chain projection of every configured pool.
type AggregateView struct {
	TotalValueLocked        *big.Int   `json:"totalValueLocked"`
	TotalRewardsDistributed *big.Int   `json:"totalRewardsDistributed"`
	AverageAprBps           uint32     `json:"averageAprBps"`
	ActivePools             int        `json:"activePools"`
	Pools                   []PoolView `json:"pools"`
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

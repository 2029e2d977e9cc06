package settled

import (
	"fmt"
	"math/big"
	"strings"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
)

// Amounts cross the API as base-10 strings so no client has to round-trip
// money through a float.

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount reads an integer amount. Negative values are accepted so the
// engines can report them with the proper error kind.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "request", field, "amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, serrors.New(serrors.KindInvalidArgument, "request", field, fmt.Sprintf("invalid integer amount %q", raw))
	}
	return value, nil
}

type shareView struct {
	Role   payout.Role `json:"role"`
	Amount string      `json:"amount"`
}

func sharesView(shares []payout.Share) []shareView {
	if len(shares) == 0 {
		return nil
	}
	out := make([]shareView, len(shares))
	for i, s := range shares {
		out[i] = shareView{Role: s.Role, Amount: amountString(s.Amount)}
	}
	return out
}

type auctionView struct {
	ID            string      `json:"id"`
	Creator       string      `json:"creator"`
	ContentHash   string      `json:"content_hash"`
	ReservePrice  string      `json:"reserve_price"`
	HighestBid    string      `json:"highest_bid"`
	HighestBidder string      `json:"highest_bidder,omitempty"`
	BidCount      uint64      `json:"bid_count"`
	CreatedAt     int64       `json:"created_at"`
	EndTime       int64       `json:"end_time"`
	Status        string      `json:"status"`
	SealedAt      int64       `json:"sealed_at,omitempty"`
	Shares        []shareView `json:"shares,omitempty"`
	Attributed    bool        `json:"attributed"`
}

func newAuctionView(a *auction.Auction) auctionView {
	return auctionView{
		ID:            a.ID,
		Creator:       a.Creator,
		ContentHash:   a.ContentHash,
		ReservePrice:  amountString(a.ReservePrice),
		HighestBid:    amountString(a.HighestBid),
		HighestBidder: a.HighestBidder,
		BidCount:      a.BidCount,
		CreatedAt:     a.CreatedAt,
		EndTime:       a.EndTime,
		Status:        a.Status.String(),
		SealedAt:      a.SealedAt,
		Shares:        sharesView(a.Shares),
		Attributed:    a.Attributed,
	}
}

type bidView struct {
	AuctionID    string `json:"auction_id"`
	Seq          uint64 `json:"seq"`
	Bidder       string `json:"bidder"`
	Amount       string `json:"amount"`
	PlacedAt     int64  `json:"placed_at"`
	Refund       string `json:"refund"`
	RefundIntent string `json:"refund_intent,omitempty"`
}

func newBidView(b *auction.Bid) bidView {
	return bidView{
		AuctionID:    b.AuctionID,
		Seq:          b.Seq,
		Bidder:       b.Bidder,
		Amount:       amountString(b.Amount),
		PlacedAt:     b.PlacedAt,
		Refund:       b.Refund.String(),
		RefundIntent: b.RefundIntent,
	}
}

type claimView struct {
	Claimant     string `json:"claimant"`
	CapsuleID    string `json:"capsule_id"`
	TotalEarned  string `json:"total_earned"`
	TotalClaimed string `json:"total_claimed"`
	Claimable    string `json:"claimable"`
	LastClaimAt  int64  `json:"last_claim_at,omitempty"`
}

func newClaimView(c *yield.Claim) claimView {
	return claimView{
		Claimant:     c.Claimant,
		CapsuleID:    c.CapsuleID,
		TotalEarned:  amountString(c.TotalEarned),
		TotalClaimed: amountString(c.TotalClaimed),
		Claimable:    amountString(c.Claimable()),
		LastClaimAt:  c.LastClaimAt,
	}
}

type earningView struct {
	Amount     string `json:"amount"`
	Model      string `json:"model"`
	Ref        string `json:"ref,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

func newEarningView(e *yield.Earning) earningView {
	return earningView{Amount: amountString(e.Amount), Model: e.Model, Ref: e.Ref, RecordedAt: e.RecordedAt}
}

type positionView struct {
	ID              string `json:"id"`
	Chain           string `json:"chain"`
	Staker          string `json:"staker"`
	Principal       string `json:"principal"`
	AccruedReward   string `json:"accrued_reward"`
	LockPeriod      int64  `json:"lock_period_seconds"`
	DepositedAt     int64  `json:"deposited_at"`
	UnlockAt        int64  `json:"unlock_at,omitempty"`
	WithdrawnAt     int64  `json:"withdrawn_at,omitempty"`
	Status          string `json:"status"`
	RewardForwarded bool   `json:"reward_forwarded"`
}

func newPositionView(p *staking.Position) positionView {
	return positionView{
		ID:              p.ID,
		Chain:           p.Chain,
		Staker:          p.Staker,
		Principal:       amountString(p.Principal),
		AccruedReward:   amountString(p.AccruedReward),
		LockPeriod:      p.LockPeriod,
		DepositedAt:     p.DepositedAt,
		UnlockAt:        p.UnlockAt,
		WithdrawnAt:     p.WithdrawnAt,
		Status:          p.Status.String(),
		RewardForwarded: p.RewardForwarded,
	}
}

type poolView struct {
	Chain              string `json:"chain"`
	AprBps             uint32 `json:"apr_bps"`
	Validators         uint32 `json:"validators"`
	TotalStaked        string `json:"total_staked"`
	RewardsDistributed string `json:"rewards_distributed"`
	LastAccrual        int64  `json:"last_accrual"`
}

type aggregateView struct {
	TotalValueLocked        string     `json:"total_value_locked"`
	TotalRewardsDistributed string     `json:"total_rewards_distributed"`
	AverageAprBps           uint32     `json:"average_apr_bps"`
	ActivePools             int        `json:"active_pools"`
	Pools                   []poolView `json:"pools"`
}

func newAggregateView(v *staking.AggregateView) aggregateView {
	out := aggregateView{
		TotalValueLocked:        amountString(v.TotalValueLocked),
		TotalRewardsDistributed: amountString(v.TotalRewardsDistributed),
		AverageAprBps:           v.AverageAprBps,
		ActivePools:             v.ActivePools,
		Pools:                   make([]poolView, 0, len(v.Pools)),
	}
	for _, p := range v.Pools {
		out.Pools = append(out.Pools, poolView{
			Chain:              p.Chain,
			AprBps:             p.AprBps,
			Validators:         p.Validators,
			TotalStaked:        amountString(p.TotalStaked),
			RewardsDistributed: amountString(p.RewardsDistributed),
			LastAccrual:        p.LastAccrual,
		})
	}
	return out
}

type intentView struct {
	CorrelationID string `json:"correlation_id"`
	Kind          string `json:"kind"`
	EntityID      string `json:"entity_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	SubmittedAt   int64  `json:"submitted_at,omitempty"`
	ResolvedAt    int64  `json:"resolved_at,omitempty"`
}

func newIntentView(in *intent.Intent) intentView {
	return intentView{
		CorrelationID: in.CorrelationID,
		Kind:          string(in.Kind),
		EntityID:      in.EntityID,
		From:          in.From,
		To:            in.To,
		Amount:        amountString(in.Amount),
		Status:        string(in.Status),
		Attempts:      in.Attempts,
		LastError:     in.LastError,
		CreatedAt:     in.CreatedAt,
		SubmittedAt:   in.SubmittedAt,
		ResolvedAt:    in.ResolvedAt,
	}
}

type creditView struct {
	Role     payout.Role `json:"role"`
	Account  string      `json:"account"`
	Amount   string      `json:"amount"`
	Recorded bool        `json:"recorded"`
}

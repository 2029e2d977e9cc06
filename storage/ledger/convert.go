package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed %s %q", field, raw)
	}
	return v, nil
}

type amountReader struct{ err error }

func (r *amountReader) read(field, raw string) *big.Int {
	if r.err != nil {
		return big.NewInt(0)
	}
	v, err := parseAmount(field, raw)
	if err != nil {
		r.err = err
		return big.NewInt(0)
	}
	return v
}

type shareRecord struct {
	Role   string `json:"role"`
	Amount string `json:"amount"`
}

func auctionToRecord(a *auction.Auction) (*AuctionRecord, error) {
	rec := &AuctionRecord{
		ID:            a.ID,
		Creator:       a.Creator,
		ContentHash:   a.ContentHash,
		ReservePrice:  amountString(a.ReservePrice),
		HighestBid:    amountString(a.HighestBid),
		HighestBidder: a.HighestBidder,
		HighestBidSeq: a.HighestBidSeq,
		BidCount:      a.BidCount,
		CreatedAt:     a.CreatedAt,
		EndTime:       a.EndTime,
		Status:        a.Status.String(),
		SealedAt:      a.SealedAt,
		Attributed:    a.Attributed,
	}
	if len(a.Shares) > 0 {
		shares := make([]shareRecord, len(a.Shares))
		for i, s := range a.Shares {
			shares[i] = shareRecord{Role: string(s.Role), Amount: amountString(s.Amount)}
		}
		raw, err := json.Marshal(shares)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode shares: %w", err)
		}
		rec.Shares = string(raw)
	}
	return rec, nil
}

func auctionFromRecord(rec *AuctionRecord) (*auction.Auction, error) {
	status, ok := auction.ParseStatus(rec.Status)
	if !ok {
		return nil, fmt.Errorf("ledger: auction %s has unknown status %q", rec.ID, rec.Status)
	}
	var r amountReader
	a := &auction.Auction{
		ID:            rec.ID,
		Creator:       rec.Creator,
		ContentHash:   rec.ContentHash,
		ReservePrice:  r.read("reserve price", rec.ReservePrice),
		HighestBid:    r.read("highest bid", rec.HighestBid),
		HighestBidder: rec.HighestBidder,
		HighestBidSeq: rec.HighestBidSeq,
		BidCount:      rec.BidCount,
		CreatedAt:     rec.CreatedAt,
		EndTime:       rec.EndTime,
		Status:        status,
		SealedAt:      rec.SealedAt,
		Attributed:    rec.Attributed,
	}
	if rec.Shares != "" {
		var shares []shareRecord
		if err := json.Unmarshal([]byte(rec.Shares), &shares); err != nil {
			return nil, fmt.Errorf("ledger: decode shares of %s: %w", rec.ID, err)
		}
		for _, s := range shares {
			a.Shares = append(a.Shares, payout.Share{Role: payout.Role(s.Role), Amount: r.read("share", s.Amount)})
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

func bidToRecord(b *auction.Bid) *BidRecord {
	return &BidRecord{
		AuctionID:      b.AuctionID,
		Seq:            b.Seq,
		Bidder:         b.Bidder,
		Amount:         amountString(b.Amount),
		PlacedAt:       b.PlacedAt,
		Refund:         b.Refund.String(),
		RefundIntent:   b.RefundIntent,
		RefundAttempts: b.RefundAttempts,
	}
}

func bidFromRecord(rec *BidRecord) (*auction.Bid, error) {
	amount, err := parseAmount("bid amount", rec.Amount)
	if err != nil {
		return nil, err
	}
	var refund auction.RefundState
	switch rec.Refund {
	case auction.RefundPending.String():
		refund = auction.RefundPending
	case auction.Refunded.String():
		refund = auction.Refunded
	}
	return &auction.Bid{
		AuctionID:      rec.AuctionID,
		Seq:            rec.Seq,
		Bidder:         rec.Bidder,
		Amount:         amount,
		PlacedAt:       rec.PlacedAt,
		Refund:         refund,
		RefundIntent:   rec.RefundIntent,
		RefundAttempts: rec.RefundAttempts,
	}, nil
}

func claimToRecord(c *yield.Claim) *ClaimRecord {
	return &ClaimRecord{
		Claimant:     c.Claimant,
		CapsuleID:    c.CapsuleID,
		TotalEarned:  amountString(c.TotalEarned),
		TotalClaimed: amountString(c.TotalClaimed),
		LastClaimAt:  c.LastClaimAt,
		ClaimCount:   c.ClaimCount,
		UpdatedAt:    c.UpdatedAt,
	}
}

func claimFromRecord(rec *ClaimRecord) (*yield.Claim, error) {
	var r amountReader
	c := &yield.Claim{
		Claimant:     rec.Claimant,
		CapsuleID:    rec.CapsuleID,
		TotalEarned:  r.read("total earned", rec.TotalEarned),
		TotalClaimed: r.read("total claimed", rec.TotalClaimed),
		LastClaimAt:  rec.LastClaimAt,
		ClaimCount:   rec.ClaimCount,
		UpdatedAt:    rec.UpdatedAt,
	}
	return c, r.err
}

func earningToRecord(e *yield.Earning) *EarningRecord {
	rec := &EarningRecord{
		Claimant:   e.Claimant,
		CapsuleID:  e.CapsuleID,
		Amount:     amountString(e.Amount),
		Model:      e.Model,
		RecordedAt: e.RecordedAt,
	}
	if e.Ref != "" {
		ref := e.Ref
		rec.Ref = &ref
	}
	return rec
}

func earningFromRecord(rec *EarningRecord) (*yield.Earning, error) {
	amount, err := parseAmount("earning", rec.Amount)
	if err != nil {
		return nil, err
	}
	e := &yield.Earning{
		Claimant:   rec.Claimant,
		CapsuleID:  rec.CapsuleID,
		Amount:     amount,
		Model:      rec.Model,
		RecordedAt: rec.RecordedAt,
	}
	if rec.Ref != nil {
		e.Ref = *rec.Ref
	}
	return e, nil
}

func poolToRecord(p *staking.Pool) *PoolRecord {
	return &PoolRecord{
		Chain:              p.Chain,
		AprBps:             p.AprBps,
		Validators:         p.Validators,
		TotalStaked:        amountString(p.TotalStaked),
		RewardsAccrued:     amountString(p.RewardsAccrued),
		RewardsDistributed: amountString(p.RewardsDistributed),
		LastAccrual:        p.LastAccrual,
		UpdatedAt:          p.UpdatedAt,
	}
}

func poolFromRecord(rec *PoolRecord) (*staking.Pool, error) {
	var r amountReader
	p := &staking.Pool{
		Chain:              rec.Chain,
		AprBps:             rec.AprBps,
		Validators:         rec.Validators,
		TotalStaked:        r.read("total staked", rec.TotalStaked),
		RewardsAccrued:     r.read("rewards accrued", rec.RewardsAccrued),
		RewardsDistributed: r.read("rewards distributed", rec.RewardsDistributed),
		LastAccrual:        rec.LastAccrual,
		UpdatedAt:          rec.UpdatedAt,
	}
	return p, r.err
}

func positionToRecord(p *staking.Position) *PositionRecord {
	return &PositionRecord{
		ID:               p.ID,
		Chain:            p.Chain,
		Staker:           p.Staker,
		Principal:        amountString(p.Principal),
		AccruedReward:    amountString(p.AccruedReward),
		RewardCarry:      amountString(p.RewardCarry),
		LockPeriod:       p.LockPeriod,
		DepositedAt:      p.DepositedAt,
		LastAccrual:      p.LastAccrual,
		UnstakeAt:        p.UnstakeAt,
		UnlockAt:         p.UnlockAt,
		WithdrawnAt:      p.WithdrawnAt,
		Status:           p.Status.String(),
		WithdrawIntent:   p.WithdrawIntent,
		WithdrawAttempts: p.WithdrawAttempts,
		RewardForwarded:  p.RewardForwarded,
	}
}

func positionFromRecord(rec *PositionRecord) (*staking.Position, error) {
	status, ok := staking.ParsePositionStatus(rec.Status)
	if !ok {
		return nil, fmt.Errorf("ledger: position %s has unknown status %q", rec.ID, rec.Status)
	}
	var r amountReader
	p := &staking.Position{
		ID:               rec.ID,
		Chain:            rec.Chain,
		Staker:           rec.Staker,
		Principal:        r.read("principal", rec.Principal),
		AccruedReward:    r.read("accrued reward", rec.AccruedReward),
		RewardCarry:      r.read("reward carry", rec.RewardCarry),
		LockPeriod:       rec.LockPeriod,
		DepositedAt:      rec.DepositedAt,
		LastAccrual:      rec.LastAccrual,
		UnstakeAt:        rec.UnstakeAt,
		UnlockAt:         rec.UnlockAt,
		WithdrawnAt:      rec.WithdrawnAt,
		Status:           status,
		WithdrawIntent:   rec.WithdrawIntent,
		WithdrawAttempts: rec.WithdrawAttempts,
		RewardForwarded:  rec.RewardForwarded,
	}
	return p, r.err
}

func intentToRecord(in *intent.Intent) (*IntentRecord, error) {
	rec := &IntentRecord{
		CorrelationID: in.CorrelationID,
		Kind:          string(in.Kind),
		EntityID:      in.EntityID,
		FromAccount:   in.From,
		ToAccount:     in.To,
		Amount:        amountString(in.Amount),
		Status:        string(in.Status),
		Attempts:      in.Attempts,
		LastError:     in.LastError,
		CreatedAt:     in.CreatedAt,
		SubmittedAt:   in.SubmittedAt,
		ResolvedAt:    in.ResolvedAt,
	}
	if len(in.Snapshot) > 0 {
		raw, err := json.Marshal(in.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode snapshot: %w", err)
		}
		rec.Snapshot = string(raw)
	}
	return rec, nil
}

func intentFromRecord(rec *IntentRecord) (*intent.Intent, error) {
	amount, err := parseAmount("intent amount", rec.Amount)
	if err != nil {
		return nil, err
	}
	in := &intent.Intent{
		CorrelationID: rec.CorrelationID,
		Kind:          intent.Kind(rec.Kind),
		EntityID:      rec.EntityID,
		From:          rec.FromAccount,
		To:            rec.ToAccount,
		Amount:        amount,
		Status:        intent.Status(rec.Status),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		Snapshot:      map[string]string{},
		CreatedAt:     rec.CreatedAt,
		SubmittedAt:   rec.SubmittedAt,
		ResolvedAt:    rec.ResolvedAt,
	}
	if rec.Snapshot != "" {
		if err := json.Unmarshal([]byte(rec.Snapshot), &in.Snapshot); err != nil {
			return nil, fmt.Errorf("ledger: decode snapshot of %s: %w", rec.CorrelationID, err)
		}
	}
	return in, nil
}

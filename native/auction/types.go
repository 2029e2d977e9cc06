package auction

import (
	"math/big"

	"guardiansettle/native/payout"
)

// Status represents the auction lifecycle.
type Status uint8

const (
	StatusActive Status = iota
	StatusSealed
	StatusCancelled
	// StatusComplete marks a sealed auction whose proceeds have been credited
	// to the yield ledger.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSealed:
		return "sealed"
	case StatusCancelled:
		return "cancelled"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusComplete
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, bool) {
	for _, s := range []Status{StatusActive, StatusSealed, StatusCancelled, StatusComplete} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// Auction is a sealed-bid auction over an attested content record.
type Auction struct {
	ID            string         `json:"id"`
	Creator       string         `json:"creator"`
	ContentHash   string         `json:"contentHash"`
	ReservePrice  *big.Int       `json:"reservePrice"`
	HighestBid    *big.Int       `json:"highestBid"`
	HighestBidder string         `json:"highestBidder,omitempty"`
	HighestBidSeq uint64         `json:"highestBidSeq,omitempty"`
	BidCount      uint64         `json:"bidCount"`
	CreatedAt     int64          `json:"createdAt"`
	EndTime       int64          `json:"endTime"`
	Status        Status         `json:"status"`
	SealedAt      int64          `json:"sealedAt,omitempty"`
	Shares        []payout.Share `json:"shares,omitempty"`
	Attributed    bool           `json:"attributed"`
}

// HasBids reports whether any bid has been accepted.
func (a *Auction) HasBids() bool {
	return a != nil && a.HighestBid != nil && a.HighestBid.Sign() > 0
}

// Clone returns a deep copy of the auction.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.ReservePrice = cloneBigInt(a.ReservePrice)
	clone.HighestBid = cloneBigInt(a.HighestBid)
	if a.Shares != nil {
		clone.Shares = make([]payout.Share, len(a.Shares))
		for i, s := range a.Shares {
			clone.Shares[i] = payout.Share{Role: s.Role, Amount: cloneBigInt(s.Amount)}
		}
	}
	return &clone
}

// RefundState tracks the return of a displaced bid.
type RefundState uint8

const (
	RefundNone RefundState = iota
	RefundPending
	Refunded
)

func (r RefundState) String() string {
	switch r {
	case RefundNone:
		return "none"
	case RefundPending:
		return "pending"
	case Refunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Bid is an accepted bid. Seq is the 1-based acceptance order within the
// auction.
type Bid struct {
	AuctionID      string      `json:"auctionId"`
	Seq            uint64      `json:"seq"`
	Bidder         string      `json:"bidder"`
	Amount         *big.Int    `json:"amount"`
	PlacedAt       int64       `json:"placedAt"`
	Refund         RefundState `json:"refund"`
	RefundIntent   string      `json:"refundIntent,omitempty"`
	RefundAttempts uint32      `json:"refundAttempts"`
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Amount = cloneBigInt(b.Amount)
	return &clone
}

// Filter narrows auction listings.
type Filter struct {
	Status         *Status
	Creator        string
	UnattributedOK bool
}

// Matches reports whether the auction satisfies the filter.
func (f Filter) Matches(a *Auction) bool {
	if a == nil {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Creator != "" && a.Creator != f.Creator {
		return false
	}
	if f.UnattributedOK && a.Attributed {
		return false
	}
	return true
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package auction

import (
	"strconv"

	"guardiansettle/core/events"
	"guardiansettle/core/types"
)

const (
	// EventTypeAuctionCreated is emitted when a creator opens an auction.
	EventTypeAuctionCreated = "auction.created"
	// EventTypeBidPlaced is emitted when a bid becomes the highest bid.
	EventTypeBidPlaced = "auction.bid.placed"
	// EventTypeRefundQueued is emitted when a displaced bid is queued for refund.
	EventTypeRefundQueued = "auction.refund.queued"
	// EventTypeRefundSettled is emitted when a refund transfer is confirmed.
	EventTypeRefundSettled = "auction.refund.settled"
	// EventTypeRefundReversed is emitted when a refund transfer failed and was compensated.
	EventTypeRefundReversed = "auction.refund.reversed"
	// EventTypeAuctionSealed is emitted when an auction closes with a winner.
	EventTypeAuctionSealed = "auction.sealed"
	// EventTypeAuctionCancelled is emitted when an auction closes without a winner.
	EventTypeAuctionCancelled = "auction.cancelled"
	// EventTypeAuctionCompleted is emitted once sealed proceeds reach the yield ledger.
	EventTypeAuctionCompleted = "auction.completed"
)

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return events.Envelope{Evt: evt} }

// AuctionCreatedEvent announces a new auction.
func AuctionCreatedEvent(a *Auction) *types.Event {
	return &types.Event{
		Type: EventTypeAuctionCreated,
		Attributes: map[string]string{
			"auctionId":    a.ID,
			"creator":      a.Creator,
			"contentHash":  a.ContentHash,
			"reservePrice": a.ReservePrice.String(),
			"endTime":      strconv.FormatInt(a.EndTime, 10),
		},
	}
}

// BidPlacedEvent announces a new highest bid.
func BidPlacedEvent(b *Bid) *types.Event {
	return &types.Event{
		Type: EventTypeBidPlaced,
		Attributes: map[string]string{
			"auctionId": b.AuctionID,
			"bidder":    b.Bidder,
			"amount":    b.Amount.String(),
			"seq":       strconv.FormatUint(b.Seq, 10),
		},
	}
}

func refundEvent(eventType string, b *Bid, correlationID string) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"auctionId":     b.AuctionID,
			"bidder":        b.Bidder,
			"amount":        b.Amount.String(),
			"seq":           strconv.FormatUint(b.Seq, 10),
			"correlationId": correlationID,
		},
	}
}

// RefundQueuedEvent announces a refund obligation.
func RefundQueuedEvent(b *Bid, correlationID string) *types.Event {
	return refundEvent(EventTypeRefundQueued, b, correlationID)
}

// RefundSettledEvent announces a confirmed refund.
func RefundSettledEvent(b *Bid, correlationID string) *types.Event {
	return refundEvent(EventTypeRefundSettled, b, correlationID)
}

// RefundReversedEvent announces a compensated refund.
func RefundReversedEvent(b *Bid, correlationID string) *types.Event {
	return refundEvent(EventTypeRefundReversed, b, correlationID)
}

// AuctionClosedEvent announces a sealed, cancelled or completed auction.
func AuctionClosedEvent(a *Auction) *types.Event {
	eventType := EventTypeAuctionCancelled
	switch a.Status {
	case StatusSealed:
		eventType = EventTypeAuctionSealed
	case StatusComplete:
		eventType = EventTypeAuctionCompleted
	}
	attrs := map[string]string{
		"auctionId":  a.ID,
		"creator":    a.Creator,
		"status":     a.Status.String(),
		"highestBid": a.HighestBid.String(),
	}
	if a.HighestBidder != "" {
		attrs["winner"] = a.HighestBidder
	}
	for _, share := range a.Shares {
		attrs["share."+string(share.Role)] = share.Amount.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

package yield

import (
	"strconv"

	"guardiansettle/core/events"
	"guardiansettle/core/types"
)

const (
	// EventTypeEarningRecorded is emitted when yield is credited to a claimant.
	EventTypeEarningRecorded = "yield.earning.recorded"
	// EventTypeClaimed is emitted when a claim moves yield into a transfer intent.
	EventTypeClaimed = "yield.claimed"
	// EventTypeClaimSettled is emitted when the claim transfer is confirmed.
	EventTypeClaimSettled = "yield.claim.settled"
	// EventTypeClaimReversed is emitted when a failed claim is compensated.
	EventTypeClaimReversed = "yield.claim.reversed"
)

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return events.Envelope{Evt: evt} }

// EarningRecordedEvent reports a credited earning and the new running total.
func EarningRecordedEvent(e *Earning, totalEarned string) *types.Event {
	attrs := map[string]string{
		"claimant":    e.Claimant,
		"capsuleId":   e.CapsuleID,
		"amount":      e.Amount.String(),
		"model":       e.Model,
		"totalEarned": totalEarned,
	}
	if e.Ref != "" {
		attrs["ref"] = e.Ref
	}
	return &types.Event{Type: EventTypeEarningRecorded, Attributes: attrs}
}

func claimEvent(eventType string, c *Claim, amount, correlationID string) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"claimant":      c.Claimant,
			"capsuleId":     c.CapsuleID,
			"amount":        amount,
			"totalClaimed":  c.TotalClaimed.String(),
			"lastClaimAt":   strconv.FormatInt(c.LastClaimAt, 10),
			"correlationId": correlationID,
		},
	}
}

// ClaimedEvent reports an accepted claim.
func ClaimedEvent(c *Claim, amount, correlationID string) *types.Event {
	return claimEvent(EventTypeClaimed, c, amount, correlationID)
}

// ClaimSettledEvent reports a confirmed claim transfer.
func ClaimSettledEvent(c *Claim, amount, correlationID string) *types.Event {
	return claimEvent(EventTypeClaimSettled, c, amount, correlationID)
}

// ClaimReversedEvent reports a compensated claim.
func ClaimReversedEvent(c *Claim, amount, correlationID string) *types.Event {
	return claimEvent(EventTypeClaimReversed, c, amount, correlationID)
}

package staking

import (
	"strconv"

	"guardiansettle/core/events"
	"guardiansettle/core/types"
)

const (
	EventTypePoolConfigured     = "stake.pool.configured"
	EventTypeDeposited          = "stake.deposited"
	EventTypeRewardsAccrued     = "stake.rewards.accrued"
	EventTypeUnstaking          = "stake.unstaking"
	EventTypeWithdrawn          = "stake.withdrawn"
	EventTypeWithdrawalSettled  = "stake.withdrawal.settled"
	EventTypeWithdrawalReversed = "stake.withdrawal.reversed"
	EventTypeRewardForwarded    = "stake.reward.forwarded"
)

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return events.Envelope{Evt: evt} }

func PoolConfiguredEvent(p *Pool) *types.Event {
	return &types.Event{
		Type: EventTypePoolConfigured,
		Attributes: map[string]string{
			"chain":      p.Chain,
			"aprBps":     strconv.FormatUint(uint64(p.AprBps), 10),
			"validators": strconv.FormatUint(uint64(p.Validators), 10),
		},
	}
}

func positionEvent(eventType string, pos *Position) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"positionId":    pos.ID,
			"chain":         pos.Chain,
			"staker":        pos.Staker,
			"principal":     pos.Principal.String(),
			"accruedReward": pos.AccruedReward.String(),
			"status":        pos.Status.String(),
		},
	}
}

func DepositedEvent(pos *Position) *types.Event { return positionEvent(EventTypeDeposited, pos) }

func UnstakingEvent(pos *Position) *types.Event {
	evt := positionEvent(EventTypeUnstaking, pos)
	evt.Attributes["unlockAt"] = strconv.FormatInt(pos.UnlockAt, 10)
	return evt
}

func WithdrawnEvent(pos *Position, correlationID string) *types.Event {
	evt := positionEvent(EventTypeWithdrawn, pos)
	evt.Attributes["correlationId"] = correlationID
	return evt
}

func WithdrawalSettledEvent(pos *Position, correlationID string) *types.Event {
	evt := positionEvent(EventTypeWithdrawalSettled, pos)
	evt.Attributes["correlationId"] = correlationID
	return evt
}

func WithdrawalReversedEvent(pos *Position, correlationID string) *types.Event {
	evt := positionEvent(EventTypeWithdrawalReversed, pos)
	evt.Attributes["correlationId"] = correlationID
	return evt
}

func RewardForwardedEvent(pos *Position) *types.Event {
	return positionEvent(EventTypeRewardForwarded, pos)
}

func RewardsAccruedEvent(p *Pool, accrued string, positions int) *types.Event {
	return &types.Event{
		Type: EventTypeRewardsAccrued,
		Attributes: map[string]string{
			"chain":          p.Chain,
			"accrued":        accrued,
			"positions":      strconv.Itoa(positions),
			"rewardsAccrued": p.RewardsAccrued.String(),
			"timestamp":      strconv.FormatInt(p.LastAccrual, 10),
		},
	}
}

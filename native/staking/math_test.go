package staking

import (
	"math/big"
	"testing"
)

func TestAccrueFullYear(t *testing.T) {
	reward, carry := accrue(big.NewInt(1_000), 1_000, secondsPerYear, nil)
	if reward.Cmp(big.NewInt(100)) != 0 || carry.Sign() != 0 {
		t.Fatalf("expected 100 with no carry, got %s carry %s", reward, carry)
	}
}

func TestAccrueCarriesDust(t *testing.T) {
	total := big.NewInt(0)
	carry := big.NewInt(0)
	step := secondsPerYear / 365
	for day := 0; day < 365; day++ {
		var reward *big.Int
		reward, carry = accrue(big.NewInt(1_000), 1_000, step, carry)
		total.Add(total, reward)
	}
	if total.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("daily accrual lost dust: got %s", total)
	}
}

func TestAccrueZeroElapsed(t *testing.T) {
	reward, carry := accrue(big.NewInt(1_000), 1_000, 0, big.NewInt(7))
	if reward.Sign() != 0 || carry.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("zero elapsed must be a no-op, got %s carry %s", reward, carry)
	}
}

func TestWeightedApr(t *testing.T) {
	pools := []*Pool{
		{Chain: "a", AprBps: 1_000, TotalStaked: big.NewInt(3_000)},
		{Chain: "b", AprBps: 500, TotalStaked: big.NewInt(1_000)},
	}
	if got := weightedAprBps(pools); got != 875 {
		t.Fatalf("expected 875 bps, got %d", got)
	}
	empty := []*Pool{
		{Chain: "a", AprBps: 1_000, TotalStaked: big.NewInt(0)},
		{Chain: "b", AprBps: 500, TotalStaked: big.NewInt(0)},
	}
	if got := weightedAprBps(empty); got != 750 {
		t.Fatalf("expected plain mean 750, got %d", got)
	}
	if got := weightedAprBps(nil); got != 0 {
		t.Fatalf("expected 0 for no pools, got %d", got)
	}
}

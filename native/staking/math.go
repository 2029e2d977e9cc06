package staking

import "math/big"

const secondsPerYear int64 = 365 * 24 * 60 * 60

var (
	basisPoints = big.NewInt(10_000)
	// accrualDenominator scales an annual basis-point rate down to one second.
	accrualDenominator = new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
)

// accrue returns the reward earned by principal at aprBps over elapsed
// seconds. carry is the undistributed numerator from previous intervals; the
// new carry is returned so that repeated accruals lose no dust.
func accrue(principal *big.Int, aprBps uint32, elapsed int64, carry *big.Int) (*big.Int, *big.Int) {
	if carry == nil {
		carry = big.NewInt(0)
	}
	if principal == nil || principal.Sign() <= 0 || aprBps == 0 || elapsed <= 0 {
		return big.NewInt(0), new(big.Int).Set(carry)
	}
	numerator := new(big.Int).Mul(principal, big.NewInt(int64(aprBps)))
	numerator.Mul(numerator, big.NewInt(elapsed))
	numerator.Add(numerator, carry)
	reward, remainder := new(big.Int).QuoRem(numerator, accrualDenominator, new(big.Int))
	return reward, remainder
}

// weightedAprBps returns the TVL-weighted mean APR, falling back to the plain
// mean when nothing is staked.
func weightedAprBps(pools []*Pool) uint32 {
	if len(pools) == 0 {
		return 0
	}
	tvl := big.NewInt(0)
	weighted := big.NewInt(0)
	var plain uint64
	for _, p := range pools {
		plain += uint64(p.AprBps)
		staked := newBigInt(p.TotalStaked)
		tvl.Add(tvl, staked)
		weighted.Add(weighted, new(big.Int).Mul(staked, big.NewInt(int64(p.AprBps))))
	}
	if tvl.Sign() == 0 {
		return uint32(plain / uint64(len(pools)))
	}
	return uint32(new(big.Int).Quo(weighted, tvl).Uint64())
}

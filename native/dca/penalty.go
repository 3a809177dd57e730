package dca

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 fixed-point scale
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// PenaltyBps evaluates the time-decayed early-exit penalty curve
//
//	penalty = min + (max - min) * fracLeft^1.5
//
// where fracLeft is the share of the planned duration still remaining. The
// exponent is fixed at 3/2 and computed in 1e18 fixed point via an integer
// square root, so the result is deterministic across platforms. At fracLeft=1
// the penalty is maxBps, at fracLeft=0 it is minBps, and it never increases as
// time passes.
func PenaltyBps(minBps, maxBps uint64, remainingSeconds, totalSeconds int64) uint64 {
	if maxBps <= minBps || totalSeconds <= 0 {
		return minBps
	}
	if remainingSeconds <= 0 {
		return minBps
	}
	if remainingSeconds > totalSeconds {
		remainingSeconds = totalSeconds
	}
	fracWad := new(big.Int).SetInt64(remainingSeconds)
	fracWad.Mul(fracWad, wad)
	fracWad.Quo(fracWad, new(big.Int).SetInt64(totalSeconds))

	// fracLeft^1.5 = fracLeft * sqrt(fracLeft), all in wad scale.
	sqrtWad := new(big.Int).Mul(fracWad, wad)
	sqrtWad.Sqrt(sqrtWad)
	powWad := new(big.Int).Mul(fracWad, sqrtWad)
	powWad.Quo(powWad, wad)

	span := new(big.Int).SetUint64(maxBps - minBps)
	span.Mul(span, powWad)
	span.Quo(span, wad)
	return minBps + span.Uint64()
}

// PenaltyAmount applies a basis-point penalty to a gross target-asset amount,
// rounding down.
func PenaltyAmount(gross *big.Int, bps uint64) *big.Int {
	if gross == nil || gross.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(gross, new(big.Int).SetUint64(bps))
	amount.Quo(amount, basisPoints)
	return amount
}

// RewardPolicy parameterises the distribution weighting. The exact blend is an
// operator policy; the only contract is weekly-milestone eligibility and
// monotonicity of the weight in each input.
type RewardPolicy struct {
	// StreakMilestone is the streak multiple that unlocks eligibility.
	StreakMilestone uint64
	// CommitUnit is the principal amount treated as one unit of commitment,
	// in source-asset units.
	CommitUnit *big.Int
}

// DefaultRewardPolicy treats every 7-payment streak as a milestone and every
// 100 USDC of cumulative principal as one commitment unit.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		StreakMilestone: 7,
		CommitUnit:      big.NewInt(100_000_000),
	}
}

// Eligible reports whether the streak qualifies for a distribution round.
func (p RewardPolicy) Eligible(streak uint64) bool {
	milestone := p.StreakMilestone
	if milestone == 0 {
		milestone = 7
	}
	return streak > 0 && streak%milestone == 0
}

// Weight derives the distribution weighting factor from the streak length, the
// cumulative principal committed, and the plan's configured maximum penalty
// (a stand-in for declared commitment strength). The result is monotonic
// non-decreasing in each input.
func (p RewardPolicy) Weight(streak uint64, totalPaid *big.Int, maxPenaltyBps uint64) *big.Int {
	milestone := p.StreakMilestone
	if milestone == 0 {
		milestone = 7
	}
	unit := p.CommitUnit
	if unit == nil || unit.Sign() <= 0 {
		unit = big.NewInt(100_000_000)
	}
	milestones := new(big.Int).SetUint64(streak / milestone)
	commitment := big.NewInt(1)
	if totalPaid != nil && totalPaid.Sign() > 0 {
		commitment.Add(commitment, new(big.Int).Quo(totalPaid, unit))
	}
	weight := new(big.Int).Mul(milestones, commitment)
	weight.Mul(weight, new(big.Int).SetUint64(maxPenaltyBps))
	return weight
}

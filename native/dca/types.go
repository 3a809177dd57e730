package dca

import (
	"fmt"
	"math/big"
	"strings"
)

// PlanStatus represents the lifecycle states of a DCA plan.
type PlanStatus uint8

const (
	PlanInactive PlanStatus = iota
	PlanActive
	PlanPaused
	PlanCompleted
	PlanEarlyExit
)

// Valid reports whether the status value is within the supported range.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanInactive, PlanActive, PlanPaused, PlanCompleted, PlanEarlyExit:
		return true
	default:
		return false
	}
}

func (s PlanStatus) String() string {
	switch s {
	case PlanInactive:
		return "inactive"
	case PlanActive:
		return "active"
	case PlanPaused:
		return "paused"
	case PlanCompleted:
		return "completed"
	case PlanEarlyExit:
		return "early_exit"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Cadence is the declared payment frequency of a plan. It determines the grace
// period applied when deciding whether a payment extends or resets the streak.
type Cadence uint8

const (
	CadenceDaily Cadence = iota
	CadenceWeekly
)

const (
	dailyGraceSeconds  = 7 * 24 * 60 * 60
	weeklyGraceSeconds = 21 * 24 * 60 * 60
)

// Valid reports whether the cadence value is supported.
func (c Cadence) Valid() bool {
	return c == CadenceDaily || c == CadenceWeekly
}

func (c Cadence) String() string {
	switch c {
	case CadenceDaily:
		return "daily"
	case CadenceWeekly:
		return "weekly"
	default:
		return fmt.Sprintf("cadence(%d)", uint8(c))
	}
}

// GraceSeconds returns the streak grace window for the cadence.
func (c Cadence) GraceSeconds() int64 {
	if c == CadenceWeekly {
		return weeklyGraceSeconds
	}
	return dailyGraceSeconds
}

// UserPlan is the per-account commitment record. Source-asset amounts
// (TotalPaid, PeriodicAmount) are USDC at 6 decimals; target-asset amounts
// (BTCAccumulated, TargetBTC) are BTC at 8 decimals. A LastPaymentTime of zero
// means no payment has been accepted yet.
type UserPlan struct {
	TotalPaid           *big.Int
	BTCAccumulated      *big.Int
	TargetBTC           *big.Int
	PeriodicAmount      *big.Int
	StartTime           int64
	LastPaymentTime     int64
	Streak              uint64
	MaxStreak           uint64
	PrepaidDays         uint32
	WithdrawalDelayDays uint32
	TimePeriodDays      uint32
	Cadence             Cadence
	Status              PlanStatus
	BitmorEnabled       bool
	ThresholdReached    bool
}

// Clone returns a deep copy of the plan so callers can safely mutate the copy
// without affecting the stored instance.
func (p *UserPlan) Clone() *UserPlan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalPaid = cloneBigInt(p.TotalPaid)
	clone.BTCAccumulated = cloneBigInt(p.BTCAccumulated)
	clone.TargetBTC = cloneBigInt(p.TargetBTC)
	clone.PeriodicAmount = cloneBigInt(p.PeriodicAmount)
	return &clone
}

// withdrawalDelaySeconds converts the configured day count into seconds.
func (p *UserPlan) withdrawalDelaySeconds() int64 {
	return int64(p.WithdrawalDelayDays) * 24 * 60 * 60
}

// SanitizePlan validates and normalises the supplied plan, returning a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizePlan(p *UserPlan) (*UserPlan, error) {
	if p == nil {
		return nil, fmt.Errorf("dca: nil plan")
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("dca: invalid plan status %d", p.Status)
	}
	if !p.Cadence.Valid() {
		return nil, fmt.Errorf("dca: invalid cadence %d", p.Cadence)
	}
	clone := p.Clone()
	if clone.TotalPaid.Sign() < 0 || clone.BTCAccumulated.Sign() < 0 || clone.TargetBTC.Sign() < 0 {
		return nil, fmt.Errorf("dca: negative plan amount")
	}
	return clone, nil
}

// UserExtras tracks reward accruals independent of the plan lifecycle. The
// balances are claimable target-asset credits; RewardWeight is the derived
// weighting factor used by future distributions.
type UserExtras struct {
	RewardBalance   *big.Int
	YieldBoost      *big.Int
	DustBalance     *big.Int
	LastRewardClaim int64
	RewardWeight    *big.Int
}

// Clone returns a deep copy of the extras record.
func (x *UserExtras) Clone() *UserExtras {
	if x == nil {
		return nil
	}
	clone := *x
	clone.RewardBalance = cloneBigInt(x.RewardBalance)
	clone.YieldBoost = cloneBigInt(x.YieldBoost)
	clone.DustBalance = cloneBigInt(x.DustBalance)
	clone.RewardWeight = cloneBigInt(x.RewardWeight)
	return &clone
}

func ensureExtras(x *UserExtras) *UserExtras {
	if x == nil {
		return &UserExtras{
			RewardBalance: big.NewInt(0),
			YieldBoost:    big.NewInt(0),
			DustBalance:   big.NewInt(0),
			RewardWeight:  big.NewInt(0),
		}
	}
	if x.RewardBalance == nil {
		x.RewardBalance = big.NewInt(0)
	}
	if x.YieldBoost == nil {
		x.YieldBoost = big.NewInt(0)
	}
	if x.DustBalance == nil {
		x.DustBalance = big.NewInt(0)
	}
	if x.RewardWeight == nil {
		x.RewardWeight = big.NewInt(0)
	}
	return x
}

// Pools captures the ledger-wide balances: penalties awaiting distribution and
// the principal currently supplied to the lending market.
type Pools struct {
	RewardsPool      *big.Int
	TotalValueLocked *big.Int
}

// Clone returns a deep copy of the pooled balances.
func (p *Pools) Clone() *Pools {
	if p == nil {
		return nil
	}
	return &Pools{
		RewardsPool:      cloneBigInt(p.RewardsPool),
		TotalValueLocked: cloneBigInt(p.TotalValueLocked),
	}
}

func ensurePools(p *Pools) *Pools {
	if p == nil {
		return &Pools{RewardsPool: big.NewInt(0), TotalValueLocked: big.NewInt(0)}
	}
	if p.RewardsPool == nil {
		p.RewardsPool = big.NewInt(0)
	}
	if p.TotalValueLocked == nil {
		p.TotalValueLocked = big.NewInt(0)
	}
	return p
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NormalizeAsset ensures the provided symbol matches a ledger asset ("USDC" or
// "BTC") and returns the canonical uppercase form.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case AssetUSDC, AssetBTC:
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported ledger asset: %s", symbol)
	}
}

const (
	// AssetUSDC is the source asset symbol (principal, 6 decimals).
	AssetUSDC = "USDC"
	// AssetBTC is the target asset symbol (accumulation, 8 decimals).
	AssetBTC = "BTC"
)

package dca

import (
	"encoding/hex"
	"strconv"

	"bitmordca/core/types"
)

const (
	EventTypePlanCreated        = "dca.plan.created"
	EventTypePaymentProcessed   = "dca.payment.processed"
	EventTypePlanCompleted      = "dca.plan.completed"
	EventTypeEarlyWithdrawal    = "dca.withdrawal.early"
	EventTypeThresholdReached   = "dca.threshold.reached"
	EventTypeRewardsDistributed = "dca.rewards.distributed"
	EventTypeRewardsClaimed     = "dca.rewards.claimed"
	EventTypeDustSwept          = "dca.dust.swept"
	EventTypePlanPaused         = "dca.plan.paused"
	EventTypePlanResumed        = "dca.plan.resumed"
)

func planAttributes(account [20]byte, plan *UserPlan) map[string]string {
	attrs := map[string]string{
		"account": hex.EncodeToString(account[:]),
	}
	if plan == nil {
		return attrs
	}
	attrs["status"] = plan.Status.String()
	attrs["cadence"] = plan.Cadence.String()
	attrs["targetBTC"] = bigString(plan.TargetBTC)
	attrs["btcAccumulated"] = bigString(plan.BTCAccumulated)
	attrs["totalPaid"] = bigString(plan.TotalPaid)
	attrs["streak"] = strconv.FormatUint(plan.Streak, 10)
	attrs["startTime"] = strconv.FormatInt(plan.StartTime, 10)
	return attrs
}

// NewPlanCreatedEvent returns the canonical payload for a newly created plan.
func NewPlanCreatedEvent(account [20]byte, plan *UserPlan) *types.Event {
	attrs := planAttributes(account, plan)
	if plan != nil {
		attrs["timePeriodDays"] = strconv.FormatUint(uint64(plan.TimePeriodDays), 10)
		attrs["withdrawalDelayDays"] = strconv.FormatUint(uint64(plan.WithdrawalDelayDays), 10)
		attrs["bitmorEnabled"] = boolFlag(plan.BitmorEnabled)
	}
	return &types.Event{Type: EventTypePlanCreated, Attributes: attrs}
}

// NewPaymentProcessedEvent reports an accepted payment with the post-update
// streak value.
func NewPaymentProcessedEvent(account [20]byte, plan *UserPlan, principal, credited string, usedPrepaid bool) *types.Event {
	attrs := planAttributes(account, plan)
	attrs["principal"] = principal
	attrs["credited"] = credited
	attrs["usedPrepaid"] = boolFlag(usedPrepaid)
	return &types.Event{Type: EventTypePaymentProcessed, Attributes: attrs}
}

// NewPlanCompletedEvent reports a plan reaching its target and settling.
func NewPlanCompletedEvent(account [20]byte, plan *UserPlan, payout string) *types.Event {
	attrs := planAttributes(account, plan)
	attrs["payout"] = payout
	return &types.Event{Type: EventTypePlanCompleted, Attributes: attrs}
}

// NewEarlyWithdrawalEvent reports a penalty-weighted early exit.
func NewEarlyWithdrawalEvent(account [20]byte, plan *UserPlan, gross, penalty, net string) *types.Event {
	attrs := planAttributes(account, plan)
	attrs["gross"] = gross
	attrs["penalty"] = penalty
	attrs["net"] = net
	return &types.Event{Type: EventTypeEarlyWithdrawal, Attributes: attrs}
}

// NewThresholdReachedEvent reports the one-way credit-threshold flag firing.
func NewThresholdReachedEvent(account [20]byte, plan *UserPlan) *types.Event {
	return &types.Event{Type: EventTypeThresholdReached, Attributes: planAttributes(account, plan)}
}

// NewRewardsDistributedEvent summarises a batch distribution round.
func NewRewardsDistributedEvent(credited int, skipped int, totalAmount string) *types.Event {
	return &types.Event{Type: EventTypeRewardsDistributed, Attributes: map[string]string{
		"credited": strconv.Itoa(credited),
		"skipped":  strconv.Itoa(skipped),
		"total":    totalAmount,
	}}
}

// NewRewardsClaimedEvent reports a claim of accrued reward balances.
func NewRewardsClaimedEvent(account [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeRewardsClaimed, Attributes: map[string]string{
		"account": hex.EncodeToString(account[:]),
		"amount":  amount,
	}}
}

// NewDustSweptEvent reports a batch dust conversion credited to the plan.
func NewDustSweptEvent(account [20]byte, received string, tokens int) *types.Event {
	return &types.Event{Type: EventTypeDustSwept, Attributes: map[string]string{
		"account":  hex.EncodeToString(account[:]),
		"received": received,
		"tokens":   strconv.Itoa(tokens),
	}}
}

// NewPlanPausedEvent reports the administrative pause detour.
func NewPlanPausedEvent(account [20]byte, plan *UserPlan) *types.Event {
	return &types.Event{Type: EventTypePlanPaused, Attributes: planAttributes(account, plan)}
}

// NewPlanResumedEvent reports a paused plan returning to active.
func NewPlanResumedEvent(account [20]byte, plan *UserPlan) *types.Event {
	return &types.Event{Type: EventTypePlanResumed, Attributes: planAttributes(account, plan)}
}

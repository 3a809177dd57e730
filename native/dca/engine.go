package dca

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"bitmordca/core/events"
	"bitmordca/core/types"
)

var (
	ErrNilState            = errors.New("dca engine: state not configured")
	ErrSignerNotConfigured = errors.New("dca engine: trusted signer not configured")
	ErrPaused              = errors.New("dca engine: operations paused")
	ErrNotOwner            = errors.New("dca engine: caller is not the owner")

	// ErrUnauthorized covers every authorization failure (bad signature,
	// replayed nonce). The reasons are deliberately not distinguished.
	ErrUnauthorized = errors.New("dca engine: unauthorized")

	ErrPlanExists          = errors.New("dca engine: plan already in progress")
	ErrPlanNotFound        = errors.New("dca engine: plan not found")
	ErrPlanNotActive       = errors.New("dca engine: plan not active")
	ErrPlanNotPaused       = errors.New("dca engine: plan not paused")
	ErrInvalidAmount       = errors.New("dca engine: amount must be positive")
	ErrInvalidDuration     = errors.New("dca engine: duration must be positive")
	ErrInvalidCadence      = errors.New("dca engine: unsupported cadence")
	ErrInsufficientBalance = errors.New("dca engine: insufficient balance")
	ErrNoAccumulation      = errors.New("dca engine: nothing accumulated")
	ErrWithdrawalLocked    = errors.New("dca engine: withdrawal delay not elapsed")
	ErrPenaltyExceedsGross = errors.New("dca engine: penalty exceeds gross amount")
	ErrGrossExceedsBalance = errors.New("dca engine: gross exceeds accumulated amount")
	ErrTargetNotReached    = errors.New("dca engine: target not reached")
	ErrArrayLengthMismatch = errors.New("dca engine: array length mismatch")
	ErrNothingToClaim      = errors.New("dca engine: nothing to claim")
	ErrDustBelowThreshold  = errors.New("dca engine: dust below threshold")
	ErrSwapShortfall       = errors.New("dca engine: swap returned less than expected")
	ErrLendingNotSet       = errors.New("dca engine: lending market not configured")
	ErrSwapNotSet          = errors.New("dca engine: swap router not configured")
)

// sweepDeadlineSeconds is the fixed window granted to the swap router when
// converting dust.
const sweepDeadlineSeconds = 300

type engineState interface {
	PlanGet(addr [20]byte) (*UserPlan, bool, error)
	PlanPut(addr [20]byte, plan *UserPlan) error
	ExtrasGet(addr [20]byte) (*UserExtras, bool, error)
	ExtrasPut(addr [20]byte, extras *UserExtras) error
	// NonceConsumed reports whether the nonce has already been spent.
	NonceConsumed(nonce [32]byte) (bool, error)
	// ConsumeNonce atomically marks the nonce spent, returning false when it
	// was already consumed.
	ConsumeNonce(nonce [32]byte) (bool, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	PoolsGet() (*Pools, error)
	PoolsPut(pools *Pools) error
}

// YieldSnapshot mirrors the reserve data surfaced by the lending market.
type YieldSnapshot struct {
	LiquidityRateRay *big.Int
	LastUpdate       int64
}

// LendingMarket is the external yield venue principal is routed through.
type LendingMarket interface {
	Supply(asset string, amount *big.Int, onBehalfOf [20]byte) error
	Withdraw(asset string, amount *big.Int, to [20]byte) (*big.Int, error)
	ReserveData(asset string) (*YieldSnapshot, error)
}

// SwapRouter converts swept dust into the target asset.
type SwapRouter interface {
	SwapExactIn(amountIn, minAmountOut *big.Int, path []string, to [20]byte, deadline int64) ([]*big.Int, error)
}

// PriceOracle provides current prices. The ledger never consults it directly;
// the coordinator uses it to pre-compute attested amounts.
type PriceOracle interface {
	CurrentPrice(asset string) (*big.Rat, error)
}

// CreditEligibility is the external credit product consulted once plan
// progress passes the threshold gate.
type CreditEligibility interface {
	CheckEligibility(account [20]byte, collateral *big.Int) (bool, error)
}

type dcaEvent struct {
	evt *types.Event
}

func (e dcaEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dcaEvent) Event() *types.Event { return e.evt }

// Engine is the commitment ledger: it owns the per-account plan and extras
// records, the consumed-nonce set and the pooled balances, and applies the
// signature-gated state transitions.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	params       Params
	owner        [20]byte
	vault        [20]byte
	lending      LendingMarket
	swap         SwapRouter
	credit       CreditEligibility
	rewardPolicy RewardPolicy
	nowFn        func() int64

	// opMu serialises state-mutating operations; mu guards the small fields
	// (params, paused) that reads outside an operation may touch.
	opMu   sync.Mutex
	mu     sync.Mutex
	paused bool
}

// NewEngine creates a ledger engine owned by the given administrator, holding
// custody balances at the vault address.
func NewEngine(owner, vault [20]byte, params Params) *Engine {
	return &Engine{
		emitter:      events.NoopEmitter{},
		params:       params,
		owner:        owner,
		vault:        vault,
		rewardPolicy: DefaultRewardPolicy(),
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLendingMarket configures the yield venue.
func (e *Engine) SetLendingMarket(market LendingMarket) { e.lending = market }

// SetSwapRouter configures the dust conversion venue.
func (e *Engine) SetSwapRouter(router SwapRouter) { e.swap = router }

// SetCreditChecker configures the optional credit-eligibility collaborator.
func (e *Engine) SetCreditChecker(checker CreditEligibility) { e.credit = checker }

// SetRewardPolicy overrides the distribution weighting policy.
func (e *Engine) SetRewardPolicy(policy RewardPolicy) { e.rewardPolicy = policy }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Params returns the currently enforced parameter set.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.params
	p.DustThreshold = cloneBigInt(e.params.DustThreshold)
	return p
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dcaEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin acquires the operation lock shared by every state-mutating entry
// point. Concurrent callers queue behind it, so one transition commits at a
// time and none observes another's partial state. Collaborators must not call
// back into the engine from within an operation.
func (e *Engine) begin() error {
	if e == nil {
		return ErrNilState
	}
	e.opMu.Lock()
	return nil
}

func (e *Engine) end() {
	e.opMu.Unlock()
}

func (e *Engine) checkOpen() error {
	if e.state == nil {
		return ErrNilState
	}
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return ErrPaused
	}
	return nil
}

// precheckAuthorization verifies the trusted-signer signature and rejects
// nonces that are already spent. The nonce is not consumed here; commit does
// that atomically so failed operations leave no trace.
func (e *Engine) precheckAuthorization(digest []byte, auth Authorization) error {
	e.mu.Lock()
	signer := e.params.TrustedSigner
	e.mu.Unlock()
	if err := verifySignature(digest, auth.Signature, signer); err != nil {
		return err
	}
	used, err := e.state.NonceConsumed(auth.Nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrUnauthorized
	}
	return nil
}

// consumeNonce is the atomic check-and-set gate executed at commit time.
func (e *Engine) consumeNonce(nonce [32]byte) error {
	ok, err := e.state.ConsumeNonce(nonce)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return acc.EnsureBalances(), nil
}

func (e *Engine) loadPools() (*Pools, error) {
	pools, err := e.state.PoolsGet()
	if err != nil {
		return nil, err
	}
	return ensurePools(pools), nil
}

func (e *Engine) loadActivePlan(addr [20]byte) (*UserPlan, error) {
	plan, ok, err := e.state.PlanGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok || plan == nil {
		return nil, ErrPlanNotFound
	}
	if plan.Status != PlanActive {
		return nil, ErrPlanNotActive
	}
	return plan.Clone(), nil
}

func (e *Engine) loadExtras(addr [20]byte) (*UserExtras, error) {
	extras, ok, err := e.state.ExtrasGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ensureExtras(nil), nil
	}
	return ensureExtras(extras.Clone()), nil
}

// CreatePlan initialises a fresh commitment for the caller. A prior plan must
// be absent or terminated at COMPLETED before a new one is accepted.
func (e *Engine) CreatePlan(caller [20]byte, p CreatePlanParams, auth Authorization) (*UserPlan, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := CreatePlanDigest(e.params.ChainID, caller, p, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	existing, ok, err := e.state.PlanGet(caller)
	if err != nil {
		return nil, err
	}
	if ok && existing != nil {
		switch existing.Status {
		case PlanInactive, PlanCompleted:
		default:
			return nil, ErrPlanExists
		}
	}
	if p.TargetBTC == nil || p.TargetBTC.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.PeriodicAmount == nil || p.PeriodicAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.TimePeriodDays == 0 || p.WithdrawalDelayDays == 0 {
		return nil, ErrInvalidDuration
	}
	if !p.Cadence.Valid() {
		return nil, ErrInvalidCadence
	}
	plan := &UserPlan{
		TotalPaid:           big.NewInt(0),
		BTCAccumulated:      big.NewInt(0),
		TargetBTC:           cloneBigInt(p.TargetBTC),
		PeriodicAmount:      cloneBigInt(p.PeriodicAmount),
		StartTime:           e.now(),
		TimePeriodDays:      p.TimePeriodDays,
		WithdrawalDelayDays: p.WithdrawalDelayDays,
		Cadence:             p.Cadence,
		Status:              PlanActive,
		BitmorEnabled:       p.BitmorEnabled,
	}
	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	e.emit(NewPlanCreatedEvent(caller, plan))
	return plan.Clone(), nil
}

// RecordPayment applies one accepted contribution: streak accounting, custody
// transfer, lending-market deposit and accumulation credit. A payment that
// reaches the plan target settles the plan in the same call.
func (e *Engine) RecordPayment(caller [20]byte, principal, credited *big.Int, usesPrepaid bool, auth Authorization) (*UserPlan, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := RecordPaymentDigest(e.params.ChainID, caller, principal, credited, usesPrepaid, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if credited == nil || credited.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if e.lending == nil {
		return nil, ErrLendingNotSet
	}
	plan, err := e.loadActivePlan(caller)
	if err != nil {
		return nil, err
	}
	payer, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	if payer.BalanceUSDC.Cmp(principal) < 0 {
		return nil, ErrInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}

	now := e.now()
	usedPrepaid := usesPrepaid && plan.PrepaidDays > 0
	if usedPrepaid {
		plan.PrepaidDays--
	} else {
		elapsed := now - plan.LastPaymentTime
		if plan.LastPaymentTime == 0 || elapsed <= plan.Cadence.GraceSeconds() {
			plan.Streak++
		} else {
			plan.Streak = 1
		}
		if plan.Streak > plan.MaxStreak {
			plan.MaxStreak = plan.Streak
		}
	}

	// Custody transfer followed by the market deposit. The supply call moving
	// funds out of the vault keeps vault balances equal to undeployed custody.
	payer.BalanceUSDC = new(big.Int).Sub(payer.BalanceUSDC, principal)
	vaultAcc.BalanceUSDC = new(big.Int).Add(vaultAcc.BalanceUSDC, principal)
	if err := e.lending.Supply(AssetUSDC, principal, e.vault); err != nil {
		return nil, fmt.Errorf("dca engine: lending supply: %w", err)
	}
	vaultAcc.BalanceUSDC = new(big.Int).Sub(vaultAcc.BalanceUSDC, principal)

	plan.TotalPaid = new(big.Int).Add(plan.TotalPaid, principal)
	plan.BTCAccumulated = new(big.Int).Add(plan.BTCAccumulated, credited)
	plan.LastPaymentTime = now
	pools.TotalValueLocked = new(big.Int).Add(pools.TotalValueLocked, principal)

	thresholdFired := false
	if plan.BitmorEnabled && !plan.ThresholdReached && e.credit != nil {
		progress := new(big.Int).Mul(plan.BTCAccumulated, big.NewInt(4))
		if progress.Cmp(plan.TargetBTC) >= 0 {
			// Advisory integration: a failed eligibility call leaves the flag
			// unset rather than failing the payment.
			eligible, err := e.credit.CheckEligibility(caller, plan.BTCAccumulated)
			if err == nil && eligible {
				plan.ThresholdReached = true
				thresholdFired = true
			}
		}
	}

	var payout *big.Int
	completed := plan.BTCAccumulated.Cmp(plan.TargetBTC) >= 0
	if completed {
		payout, err = e.settlePlan(plan, payer, vaultAcc, pools, PlanCompleted)
		if err != nil {
			return nil, err
		}
	}

	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], payer); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	e.emit(NewPaymentProcessedEvent(caller, plan, principal.String(), credited.String(), usedPrepaid))
	if thresholdFired {
		e.emit(NewThresholdReachedEvent(caller, plan))
	}
	if completed {
		e.emit(NewPlanCompletedEvent(caller, plan, payout.String()))
	}
	return plan.Clone(), nil
}

// settlePlan performs terminal settlement shared by auto-completion and
// CompletePlan: it recalls the deployed principal and pays the accumulated
// target asset out to the holder account. The caller persists every mutated
// record, holder included.
//
// Custody precondition: the custodian funds the vault's target-asset balance
// as purchases settle off-ledger. A vault short of the payout fails the whole
// transition with ErrInsufficientBalance; nothing is recorded, the nonce stays
// unspent, and the same authorization can be resubmitted once the vault is
// funded.
func (e *Engine) settlePlan(plan *UserPlan, holder, vaultAcc *types.Account, pools *Pools, terminal PlanStatus) (*big.Int, error) {
	if e.lending == nil {
		return nil, ErrLendingNotSet
	}
	payout := cloneBigInt(plan.BTCAccumulated)
	if plan.TotalPaid.Sign() > 0 {
		actual, err := e.lending.Withdraw(AssetUSDC, plan.TotalPaid, e.vault)
		if err != nil {
			return nil, fmt.Errorf("dca engine: lending withdraw: %w", err)
		}
		actual = cloneBigInt(actual)
		vaultAcc.BalanceUSDC = new(big.Int).Add(vaultAcc.BalanceUSDC, actual)
		if pools.TotalValueLocked.Cmp(actual) < 0 {
			pools.TotalValueLocked = big.NewInt(0)
		} else {
			pools.TotalValueLocked = new(big.Int).Sub(pools.TotalValueLocked, actual)
		}
	}
	if payout.Sign() > 0 {
		if vaultAcc.BalanceBTC.Cmp(payout) < 0 {
			return nil, ErrInsufficientBalance
		}
		vaultAcc.BalanceBTC = new(big.Int).Sub(vaultAcc.BalanceBTC, payout)
		holder.BalanceBTC = new(big.Int).Add(holder.BalanceBTC, payout)
	}
	plan.BTCAccumulated = big.NewInt(0)
	plan.Status = terminal
	return payout, nil
}

// PrepayDays funds future payment cycles up front. The deposit follows the
// same custody path as a payment but touches neither streak nor accumulation.
func (e *Engine) PrepayDays(caller [20]byte, principal *big.Int, days uint32, auth Authorization) (*UserPlan, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := PrepayDaysDigest(e.params.ChainID, caller, principal, days, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() <= 0 || days == 0 {
		return nil, ErrInvalidAmount
	}
	if e.lending == nil {
		return nil, ErrLendingNotSet
	}
	plan, err := e.loadActivePlan(caller)
	if err != nil {
		return nil, err
	}
	payer, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	if payer.BalanceUSDC.Cmp(principal) < 0 {
		return nil, ErrInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}

	payer.BalanceUSDC = new(big.Int).Sub(payer.BalanceUSDC, principal)
	if err := e.lending.Supply(AssetUSDC, principal, e.vault); err != nil {
		return nil, fmt.Errorf("dca engine: lending supply: %w", err)
	}
	plan.PrepaidDays += days
	pools.TotalValueLocked = new(big.Int).Add(pools.TotalValueLocked, principal)

	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], payer); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	return plan.Clone(), nil
}

// EarlyWithdraw exits an active plan before completion. The attested penalty
// is retained in the rewards pool and the remainder of the accumulated target
// asset is paid out.
func (e *Engine) EarlyWithdraw(caller [20]byte, gross, penalty *big.Int, daysRemaining uint32, auth Authorization) (*UserPlan, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := EarlyWithdrawDigest(e.params.ChainID, caller, gross, penalty, daysRemaining, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	if gross == nil || gross.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if penalty == nil || penalty.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if penalty.Cmp(gross) > 0 {
		return nil, ErrPenaltyExceedsGross
	}
	if e.lending == nil {
		return nil, ErrLendingNotSet
	}
	plan, err := e.loadActivePlan(caller)
	if err != nil {
		return nil, err
	}
	if plan.BTCAccumulated.Sign() <= 0 {
		return nil, ErrNoAccumulation
	}
	if gross.Cmp(plan.BTCAccumulated) > 0 {
		return nil, ErrGrossExceedsBalance
	}
	now := e.now()
	if now < plan.StartTime+plan.withdrawalDelaySeconds() {
		return nil, ErrWithdrawalLocked
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}
	holder, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}

	net := new(big.Int).Sub(gross, penalty)
	if vaultAcc.BalanceBTC.Cmp(net) < 0 {
		return nil, ErrInsufficientBalance
	}
	if plan.TotalPaid.Sign() > 0 {
		actual, err := e.lending.Withdraw(AssetUSDC, plan.TotalPaid, e.vault)
		if err != nil {
			return nil, fmt.Errorf("dca engine: lending withdraw: %w", err)
		}
		actual = cloneBigInt(actual)
		vaultAcc.BalanceUSDC = new(big.Int).Add(vaultAcc.BalanceUSDC, actual)
		if pools.TotalValueLocked.Cmp(actual) < 0 {
			pools.TotalValueLocked = big.NewInt(0)
		} else {
			pools.TotalValueLocked = new(big.Int).Sub(pools.TotalValueLocked, actual)
		}
	}
	vaultAcc.BalanceBTC = new(big.Int).Sub(vaultAcc.BalanceBTC, net)
	holder.BalanceBTC = new(big.Int).Add(holder.BalanceBTC, net)
	pools.RewardsPool = new(big.Int).Add(pools.RewardsPool, penalty)
	plan.BTCAccumulated = big.NewInt(0)
	plan.Status = PlanEarlyExit

	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], holder); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	e.emit(NewEarlyWithdrawalEvent(caller, plan, gross.String(), penalty.String(), net.String()))
	return plan.Clone(), nil
}

// CompletePlan settles a plan whose accumulation reached the target without a
// settling payment (e.g. the final credit arrived via a dust sweep).
func (e *Engine) CompletePlan(caller [20]byte, auth Authorization) (*UserPlan, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := CompletePlanDigest(e.params.ChainID, caller, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	plan, err := e.loadActivePlan(caller)
	if err != nil {
		return nil, err
	}
	if plan.BTCAccumulated.Cmp(plan.TargetBTC) < 0 {
		return nil, ErrTargetNotReached
	}
	holder, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}
	payout, err := e.settlePlan(plan, holder, vaultAcc, pools, PlanCompleted)
	if err != nil {
		return nil, err
	}
	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], holder); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	e.emit(NewPlanCompletedEvent(caller, plan, payout.String()))
	return plan.Clone(), nil
}

// DistributeRewards credits reward balances in batch. Entries whose amount is
// zero or exceeds the remaining rewards pool are skipped rather than failing
// the batch; the skip policy is deliberate for administrative distributions.
func (e *Engine) DistributeRewards(caller [20]byte, accounts [][20]byte, amounts, boosts []*big.Int, auth Authorization) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if len(accounts) != len(amounts) || len(accounts) != len(boosts) {
		return 0, ErrArrayLengthMismatch
	}
	digest := DistributeRewardsDigest(e.params.ChainID, caller, accounts, amounts, boosts, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return 0, err
	}
	pools, err := e.loadPools()
	if err != nil {
		return 0, err
	}
	type pendingExtras struct {
		addr   [20]byte
		extras *UserExtras
	}
	var pending []pendingExtras
	credited := 0
	skipped := 0
	total := big.NewInt(0)
	for i, addr := range accounts {
		amount := amounts[i]
		if amount == nil || amount.Sign() <= 0 || amount.Cmp(pools.RewardsPool) > 0 {
			skipped++
			continue
		}
		extras, err := e.loadExtras(addr)
		if err != nil {
			return 0, err
		}
		extras.RewardBalance = new(big.Int).Add(extras.RewardBalance, amount)
		if boost := boosts[i]; boost != nil && boost.Sign() > 0 {
			extras.YieldBoost = new(big.Int).Add(extras.YieldBoost, boost)
		}
		plan, ok, err := e.state.PlanGet(addr)
		if err != nil {
			return 0, err
		}
		if ok && plan != nil {
			extras.RewardWeight = e.rewardPolicy.Weight(plan.Streak, plan.TotalPaid, e.params.PenaltyMaxBps)
		}
		pools.RewardsPool = new(big.Int).Sub(pools.RewardsPool, amount)
		total.Add(total, amount)
		pending = append(pending, pendingExtras{addr: addr, extras: extras})
		credited++
	}
	if err := e.consumeNonce(auth.Nonce); err != nil {
		return 0, err
	}
	for _, entry := range pending {
		if err := e.state.ExtrasPut(entry.addr, entry.extras); err != nil {
			return 0, err
		}
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return 0, err
	}
	e.emit(NewRewardsDistributedEvent(credited, skipped, total.String()))
	return credited, nil
}

// ClaimRewards pays out the caller's accrued reward and yield-boost balances.
func (e *Engine) ClaimRewards(caller [20]byte, auth Authorization) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	digest := ClaimRewardsDigest(e.params.ChainID, caller, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	extras, err := e.loadExtras(caller)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(extras.RewardBalance, extras.YieldBoost)
	if total.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}
	if vaultAcc.BalanceBTC.Cmp(total) < 0 {
		return nil, ErrInsufficientBalance
	}
	holder, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	vaultAcc.BalanceBTC = new(big.Int).Sub(vaultAcc.BalanceBTC, total)
	holder.BalanceBTC = new(big.Int).Add(holder.BalanceBTC, total)
	extras.RewardBalance = big.NewInt(0)
	extras.YieldBoost = big.NewInt(0)
	extras.LastRewardClaim = e.now()

	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], holder); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.ExtrasPut(caller, extras); err != nil {
		return nil, err
	}
	e.emit(NewRewardsClaimedEvent(caller, total.String()))
	return total, nil
}

// SweepDust pulls small token balances from the caller, converts them to the
// target asset through the swap router and credits the received amount to the
// plan. A shortfall against the attested minimum fails the whole sweep.
func (e *Engine) SweepDust(caller [20]byte, tokens []string, amounts []*big.Int, expected *big.Int, auth Authorization) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(tokens) != len(amounts) {
		return nil, ErrArrayLengthMismatch
	}
	digest := SweepDustDigest(e.params.ChainID, caller, tokens, amounts, expected, auth.Nonce)
	if err := e.precheckAuthorization(digest, auth); err != nil {
		return nil, err
	}
	if expected == nil || expected.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if e.swap == nil {
		return nil, ErrSwapNotSet
	}
	plan, err := e.loadActivePlan(caller)
	if err != nil {
		return nil, err
	}
	sum := big.NewInt(0)
	for _, amount := range amounts {
		if amount == nil || amount.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		sum.Add(sum, amount)
	}
	e.mu.Lock()
	threshold := cloneBigInt(e.params.DustThreshold)
	e.mu.Unlock()
	if sum.Cmp(threshold) < 0 {
		return nil, ErrDustBelowThreshold
	}
	holder, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	vaultAcc, err := e.loadAccount(e.vault)
	if err != nil {
		return nil, err
	}

	deadline := e.now() + sweepDeadlineSeconds
	received := big.NewInt(0)
	swapped := 0
	for i, token := range tokens {
		amount := amounts[i]
		if amount.Sign() == 0 {
			continue
		}
		if holder.DustBalance(token).Cmp(amount) < 0 {
			return nil, ErrInsufficientBalance
		}
		holder.SetDustBalance(token, new(big.Int).Sub(holder.DustBalance(token), amount))
		outs, err := e.swap.SwapExactIn(amount, big.NewInt(0), []string{token, AssetBTC}, e.vault, deadline)
		if err != nil {
			return nil, fmt.Errorf("dca engine: swap: %w", err)
		}
		if len(outs) == 0 {
			return nil, ErrSwapShortfall
		}
		out := outs[len(outs)-1]
		if out == nil || out.Sign() < 0 {
			return nil, ErrSwapShortfall
		}
		received.Add(received, out)
		swapped++
	}
	if received.Cmp(expected) < 0 {
		return nil, ErrSwapShortfall
	}
	vaultAcc.BalanceBTC = new(big.Int).Add(vaultAcc.BalanceBTC, received)
	plan.BTCAccumulated = new(big.Int).Add(plan.BTCAccumulated, received)

	if err := e.consumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller[:], holder); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PlanPut(caller, plan); err != nil {
		return nil, err
	}
	e.emit(NewDustSweptEvent(caller, received.String(), swapped))
	return received, nil
}

// --- Read surface for off-chain consumers ---

// GetPlan returns a copy of the stored plan for the account.
func (e *Engine) GetPlan(account [20]byte) (*UserPlan, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	plan, ok, err := e.state.PlanGet(account)
	if err != nil || !ok {
		return nil, ok, err
	}
	return plan.Clone(), true, nil
}

// GetExtras returns a copy of the stored extras for the account.
func (e *Engine) GetExtras(account [20]byte) (*UserExtras, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	extras, ok, err := e.state.ExtrasGet(account)
	if err != nil || !ok {
		return nil, ok, err
	}
	return extras.Clone(), true, nil
}

// PoolBalances returns a copy of the ledger-wide pooled balances.
func (e *Engine) PoolBalances() (*Pools, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}
	return pools.Clone(), nil
}

package dca

import (
	"fmt"
	"math/big"
)

// The administrative surface is owner-gated rather than signature-gated: the
// owner key is the deployment authority, not the coordinator.

func (e *Engine) requireOwner(caller [20]byte) error {
	if e == nil {
		return ErrNilState
	}
	if caller != e.owner {
		return ErrNotOwner
	}
	return nil
}

// SetTrustedSigner rotates the coordinator address accepted by signature
// verification. Outstanding authorizations signed by the previous key become
// invalid immediately.
func (e *Engine) SetTrustedSigner(caller, signer [20]byte) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if signer == ([20]byte{}) {
		return fmt.Errorf("dca engine: zero signer address")
	}
	e.mu.Lock()
	e.params.TrustedSigner = signer
	e.mu.Unlock()
	return nil
}

// SetDustThreshold updates the minimum combined value SweepDust accepts.
func (e *Engine) SetDustThreshold(caller [20]byte, threshold *big.Int) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if threshold == nil || threshold.Sign() < 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	e.params.DustThreshold = new(big.Int).Set(threshold)
	e.mu.Unlock()
	return nil
}

// Pause halts every user-facing mutating operation until Unpause.
func (e *Engine) Pause(caller [20]byte) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	return nil
}

// Unpause re-enables user-facing operations.
func (e *Engine) Unpause(caller [20]byte) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	return nil
}

// PausePlan moves one active plan into the administrative PAUSED detour.
func (e *Engine) PausePlan(caller, account [20]byte) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if e.state == nil {
		return ErrNilState
	}
	plan, ok, err := e.state.PlanGet(account)
	if err != nil {
		return err
	}
	if !ok || plan == nil {
		return ErrPlanNotFound
	}
	if plan.Status != PlanActive {
		return ErrPlanNotActive
	}
	plan = plan.Clone()
	plan.Status = PlanPaused
	if err := e.state.PlanPut(account, plan); err != nil {
		return err
	}
	e.emit(NewPlanPausedEvent(account, plan))
	return nil
}

// ResumePlan returns a paused plan to active.
func (e *Engine) ResumePlan(caller, account [20]byte) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if e.state == nil {
		return ErrNilState
	}
	plan, ok, err := e.state.PlanGet(account)
	if err != nil {
		return err
	}
	if !ok || plan == nil {
		return ErrPlanNotFound
	}
	if plan.Status != PlanPaused {
		return ErrPlanNotPaused
	}
	plan = plan.Clone()
	plan.Status = PlanActive
	if err := e.state.PlanPut(account, plan); err != nil {
		return err
	}
	e.emit(NewPlanResumedEvent(account, plan))
	return nil
}

// EmergencyWithdraw recalls the entire deployed principal from the lending
// market to the owner. Intended for incident response while operations are
// paused; pooled TVL is zeroed so accounting matches custody.
func (e *Engine) EmergencyWithdraw(caller [20]byte) (*big.Int, error) {
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if e.state == nil {
		return nil, ErrNilState
	}
	if e.lending == nil {
		return nil, ErrLendingNotSet
	}
	pools, err := e.loadPools()
	if err != nil {
		return nil, err
	}
	if pools.TotalValueLocked.Sign() == 0 {
		return big.NewInt(0), nil
	}
	actual, err := e.lending.Withdraw(AssetUSDC, pools.TotalValueLocked, e.owner)
	if err != nil {
		return nil, fmt.Errorf("dca engine: lending withdraw: %w", err)
	}
	actual = cloneBigInt(actual)
	ownerAcc, err := e.loadAccount(e.owner)
	if err != nil {
		return nil, err
	}
	ownerAcc.BalanceUSDC = new(big.Int).Add(ownerAcc.BalanceUSDC, actual)
	pools.TotalValueLocked = big.NewInt(0)
	if err := e.state.PutAccount(e.owner[:], ownerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PoolsPut(pools); err != nil {
		return nil, err
	}
	return actual, nil
}

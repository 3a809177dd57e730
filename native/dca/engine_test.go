package dca

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	bdcacrypto "bitmordca/crypto"
	"bitmordca/core/events"
	"bitmordca/core/types"
)

type mockState struct {
	plans    map[[20]byte]*UserPlan
	extras   map[[20]byte]*UserExtras
	accounts map[string]*types.Account
	nonces   map[[32]byte]bool
	pools    *Pools
}

func newMockState() *mockState {
	return &mockState{
		plans:    make(map[[20]byte]*UserPlan),
		extras:   make(map[[20]byte]*UserExtras),
		accounts: make(map[string]*types.Account),
		nonces:   make(map[[32]byte]bool),
		pools:    &Pools{RewardsPool: big.NewInt(0), TotalValueLocked: big.NewInt(0)},
	}
}

func (m *mockState) PlanGet(addr [20]byte) (*UserPlan, bool, error) {
	plan, ok := m.plans[addr]
	if !ok {
		return nil, false, nil
	}
	return plan.Clone(), true, nil
}

func (m *mockState) PlanPut(addr [20]byte, plan *UserPlan) error {
	sanitized, err := SanitizePlan(plan)
	if err != nil {
		return err
	}
	m.plans[addr] = sanitized
	return nil
}

func (m *mockState) ExtrasGet(addr [20]byte) (*UserExtras, bool, error) {
	extras, ok := m.extras[addr]
	if !ok {
		return nil, false, nil
	}
	return extras.Clone(), true, nil
}

func (m *mockState) ExtrasPut(addr [20]byte, extras *UserExtras) error {
	if extras == nil {
		return fmt.Errorf("nil extras")
	}
	m.extras[addr] = extras.Clone()
	return nil
}

func (m *mockState) NonceConsumed(nonce [32]byte) (bool, error) {
	return m.nonces[nonce], nil
}

func (m *mockState) ConsumeNonce(nonce [32]byte) (bool, error) {
	if m.nonces[nonce] {
		return false, nil
	}
	m.nonces[nonce] = true
	return true, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	acc, ok := m.accounts[string(addr)]
	if !ok {
		return (&types.Account{}).EnsureBalances(), nil
	}
	clone := &types.Account{
		Nonce:       acc.Nonce,
		BalanceUSDC: new(big.Int).Set(acc.BalanceUSDC),
		BalanceBTC:  new(big.Int).Set(acc.BalanceBTC),
	}
	if acc.Dust != nil {
		clone.Dust = make(map[string]*big.Int, len(acc.Dust))
		for token, bal := range acc.Dust {
			clone.Dust[token] = new(big.Int).Set(bal)
		}
	}
	return clone, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	m.accounts[string(addr)] = account.EnsureBalances()
	return nil
}

func (m *mockState) PoolsGet() (*Pools, error) {
	return m.pools.Clone(), nil
}

func (m *mockState) PoolsPut(pools *Pools) error {
	if pools == nil {
		return fmt.Errorf("nil pools")
	}
	m.pools = pools.Clone()
	return nil
}

type fakeLending struct {
	supplied  *big.Int
	withdrawn *big.Int
	failNext  bool
}

func newFakeLending() *fakeLending {
	return &fakeLending{supplied: big.NewInt(0), withdrawn: big.NewInt(0)}
}

func (f *fakeLending) Supply(asset string, amount *big.Int, onBehalfOf [20]byte) error {
	if f.failNext {
		return fmt.Errorf("lending unavailable")
	}
	f.supplied.Add(f.supplied, amount)
	return nil
}

func (f *fakeLending) Withdraw(asset string, amount *big.Int, to [20]byte) (*big.Int, error) {
	if f.failNext {
		return nil, fmt.Errorf("lending unavailable")
	}
	f.withdrawn.Add(f.withdrawn, amount)
	return new(big.Int).Set(amount), nil
}

func (f *fakeLending) ReserveData(asset string) (*YieldSnapshot, error) {
	return &YieldSnapshot{LiquidityRateRay: big.NewInt(0)}, nil
}

type fakeSwap struct {
	outPerToken map[string]*big.Int
}

func (f *fakeSwap) SwapExactIn(amountIn, minAmountOut *big.Int, path []string, to [20]byte, deadline int64) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("invalid path")
	}
	out, ok := f.outPerToken[path[0]]
	if !ok {
		return nil, fmt.Errorf("no liquidity for %s", path[0])
	}
	return []*big.Int{new(big.Int).Set(amountIn), new(big.Int).Set(out)}, nil
}

type fakeCredit struct {
	eligible bool
	err      error
	calls    int
}

func (f *fakeCredit) CheckEligibility(account [20]byte, collateral *big.Int) (bool, error) {
	f.calls++
	return f.eligible, f.err
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testHarness struct {
	engine  *Engine
	state   *mockState
	lending *fakeLending
	credit  *fakeCredit
	key     *bdcacrypto.PrivateKey
	log     *events.Log
	owner   [20]byte
	vault   [20]byte
	user    [20]byte
	now     int64
}

const testChainID = 8453

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	key, err := bdcacrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	params := DefaultParams(testChainID)
	copy(params.TrustedSigner[:], key.PubKey().Address().Bytes())
	h := &testHarness{
		state:   newMockState(),
		lending: newFakeLending(),
		credit:  &fakeCredit{eligible: true},
		key:     key,
		log:     &events.Log{},
		owner:   newTestAddress(0xAA),
		vault:   newTestAddress(0xBB),
		user:    newTestAddress(0x11),
		now:     1_700_000_000,
	}
	h.engine = NewEngine(h.owner, h.vault, params)
	h.engine.SetState(h.state)
	h.engine.SetLendingMarket(h.lending)
	h.engine.SetCreditChecker(h.credit)
	h.engine.SetEmitter(h.log)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

var nonceCounter atomic.Uint64

func testNonce() [32]byte {
	n := nonceCounter.Add(1)
	var nonce [32]byte
	nonce[0] = byte(n >> 8)
	nonce[1] = byte(n)
	return nonce
}

func (h *testHarness) sign(t *testing.T, digest []byte, nonce [32]byte) Authorization {
	t.Helper()
	sig, err := SignDigest(digest, h.key.PrivateKey)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return Authorization{Nonce: nonce, Signature: sig}
}

func (h *testHarness) fundUSDC(addr [20]byte, amount int64) {
	acc, _ := h.state.GetAccount(addr[:])
	acc.BalanceUSDC = big.NewInt(amount)
	_ = h.state.PutAccount(addr[:], acc)
}

func (h *testHarness) fundBTC(addr [20]byte, amount int64) {
	acc, _ := h.state.GetAccount(addr[:])
	acc.BalanceBTC = big.NewInt(amount)
	_ = h.state.PutAccount(addr[:], acc)
}

func defaultPlanParams() CreatePlanParams {
	return CreatePlanParams{
		TargetBTC:           big.NewInt(100_000_000), // 1 BTC
		PeriodicAmount:      big.NewInt(100_000_000), // 100 USDC
		TimePeriodDays:      365,
		WithdrawalDelayDays: 30,
		Cadence:             CadenceDaily,
	}
}

func (h *testHarness) createPlan(t *testing.T, p CreatePlanParams) *UserPlan {
	t.Helper()
	nonce := testNonce()
	auth := h.sign(t, CreatePlanDigest(testChainID, h.user, p, nonce), nonce)
	plan, err := h.engine.CreatePlan(h.user, p, auth)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func (h *testHarness) recordPayment(t *testing.T, principal, credited int64, usesPrepaid bool) (*UserPlan, error) {
	t.Helper()
	nonce := testNonce()
	p := big.NewInt(principal)
	c := big.NewInt(credited)
	auth := h.sign(t, RecordPaymentDigest(testChainID, h.user, p, c, usesPrepaid, nonce), nonce)
	return h.engine.RecordPayment(h.user, p, c, usesPrepaid, auth)
}

func TestCreatePlanInitialState(t *testing.T) {
	h := newTestHarness(t)
	plan := h.createPlan(t, defaultPlanParams())
	if plan.Status != PlanActive {
		t.Fatalf("expected active plan, got %s", plan.Status)
	}
	if plan.StartTime != h.now {
		t.Fatalf("expected start time %d, got %d", h.now, plan.StartTime)
	}
	if plan.TotalPaid.Sign() != 0 || plan.BTCAccumulated.Sign() != 0 {
		t.Fatalf("expected zeroed accumulators")
	}
	if plan.LastPaymentTime != 0 {
		t.Fatalf("expected no-payment sentinel, got %d", plan.LastPaymentTime)
	}
	evts := h.log.Events()
	if len(evts) != 1 || evts[0].EventType() != EventTypePlanCreated {
		t.Fatalf("expected single PlanCreated event, got %v", evts)
	}
}

func TestCreatePlanRejectsInProgress(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	p := defaultPlanParams()
	nonce := testNonce()
	auth := h.sign(t, CreatePlanDigest(testChainID, h.user, p, nonce), nonce)
	if _, err := h.engine.CreatePlan(h.user, p, auth); !errors.Is(err, ErrPlanExists) {
		t.Fatalf("expected ErrPlanExists, got %v", err)
	}
}

func TestCreatePlanRejectsZeroDurations(t *testing.T) {
	h := newTestHarness(t)
	p := defaultPlanParams()
	p.WithdrawalDelayDays = 0
	nonce := testNonce()
	auth := h.sign(t, CreatePlanDigest(testChainID, h.user, p, nonce), nonce)
	if _, err := h.engine.CreatePlan(h.user, p, auth); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestRecordPaymentScenario(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)

	plan, err := h.recordPayment(t, 100_000_000, 5_000_000, false)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if plan.BTCAccumulated.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("expected btcAccumulated 5e6, got %s", plan.BTCAccumulated)
	}
	if plan.Streak != 1 {
		t.Fatalf("expected streak 1, got %d", plan.Streak)
	}
	if plan.TotalPaid.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("expected totalPaid 100e6, got %s", plan.TotalPaid)
	}
	if plan.Status != PlanActive {
		t.Fatalf("expected active plan, got %s", plan.Status)
	}
	if h.lending.supplied.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("expected principal routed to lending, got %s", h.lending.supplied)
	}
	pools, _ := h.state.PoolsGet()
	if pools.TotalValueLocked.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("expected TVL 100e6, got %s", pools.TotalValueLocked)
	}
	payer, _ := h.state.GetAccount(h.user[:])
	if payer.BalanceUSDC.Cmp(big.NewInt(900_000_000)) != 0 {
		t.Fatalf("expected payer debited, got %s", payer.BalanceUSDC)
	}
}

func TestEarlyWithdrawScenario(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)
	h.fundBTC(h.vault, 10_000_000)
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	h.now += 31 * 24 * 60 * 60
	gross := big.NewInt(5_000_000)
	penalty := big.NewInt(1_000_000)
	nonce := testNonce()
	auth := h.sign(t, EarlyWithdrawDigest(testChainID, h.user, gross, penalty, 334, nonce), nonce)
	plan, err := h.engine.EarlyWithdraw(h.user, gross, penalty, 334, auth)
	if err != nil {
		t.Fatalf("early withdraw: %v", err)
	}
	if plan.Status != PlanEarlyExit {
		t.Fatalf("expected EARLY_EXIT, got %s", plan.Status)
	}
	if plan.BTCAccumulated.Sign() != 0 {
		t.Fatalf("expected accumulation zeroed, got %s", plan.BTCAccumulated)
	}
	holder, _ := h.state.GetAccount(h.user[:])
	if holder.BalanceBTC.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("expected net 4e6 BTC, got %s", holder.BalanceBTC)
	}
	pools, _ := h.state.PoolsGet()
	if pools.RewardsPool.Cmp(penalty) != 0 {
		t.Fatalf("expected rewards pool %s, got %s", penalty, pools.RewardsPool)
	}
}

func TestWithdrawalDelayGate(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)
	h.fundBTC(h.vault, 10_000_000)
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	start := int64(1_700_000_000)
	delay := int64(30 * 24 * 60 * 60)
	gross := big.NewInt(5_000_000)
	penalty := big.NewInt(1_000_000)

	h.now = start + delay - 1
	nonce := testNonce()
	auth := h.sign(t, EarlyWithdrawDigest(testChainID, h.user, gross, penalty, 335, nonce), nonce)
	if _, err := h.engine.EarlyWithdraw(h.user, gross, penalty, 335, auth); !errors.Is(err, ErrWithdrawalLocked) {
		t.Fatalf("expected ErrWithdrawalLocked, got %v", err)
	}

	h.now = start + delay
	nonce = testNonce()
	auth = h.sign(t, EarlyWithdrawDigest(testChainID, h.user, gross, penalty, 335, nonce), nonce)
	if _, err := h.engine.EarlyWithdraw(h.user, gross, penalty, 335, auth); err != nil {
		t.Fatalf("expected withdrawal at exact delay boundary, got %v", err)
	}
}

func TestStreakGraceBoundary(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 10_000_000_000)

	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	firstPayment := h.now

	// Exactly at the 7-day grace boundary the streak survives.
	h.now = firstPayment + 7*24*60*60
	plan, err := h.recordPayment(t, 100_000_000, 5_000_000, false)
	if err != nil {
		t.Fatalf("boundary payment: %v", err)
	}
	if plan.Streak != 2 {
		t.Fatalf("expected streak 2 at grace boundary, got %d", plan.Streak)
	}

	// One second past grace resets to 1; the payment still counts.
	h.now += 7*24*60*60 + 1
	plan, err = h.recordPayment(t, 100_000_000, 5_000_000, false)
	if err != nil {
		t.Fatalf("late payment: %v", err)
	}
	if plan.Streak != 1 {
		t.Fatalf("expected streak reset to 1, got %d", plan.Streak)
	}
	if plan.MaxStreak != 2 {
		t.Fatalf("expected max streak 2, got %d", plan.MaxStreak)
	}
	if plan.TotalPaid.Cmp(big.NewInt(300_000_000)) != 0 {
		t.Fatalf("late payment must still count, got totalPaid %s", plan.TotalPaid)
	}
}

func TestPrepaidPaymentSkipsStreak(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 10_000_000_000)

	nonce := testNonce()
	principal := big.NewInt(300_000_000)
	auth := h.sign(t, PrepayDaysDigest(testChainID, h.user, principal, 3, nonce), nonce)
	plan, err := h.engine.PrepayDays(h.user, principal, 3, auth)
	if err != nil {
		t.Fatalf("prepay: %v", err)
	}
	if plan.PrepaidDays != 3 {
		t.Fatalf("expected 3 prepaid days, got %d", plan.PrepaidDays)
	}
	if plan.Streak != 0 || plan.BTCAccumulated.Sign() != 0 {
		t.Fatalf("prepay must not touch streak or accumulation")
	}

	plan, err = h.recordPayment(t, 100_000_000, 5_000_000, true)
	if err != nil {
		t.Fatalf("prepaid payment: %v", err)
	}
	if plan.PrepaidDays != 2 {
		t.Fatalf("expected prepaid decrement, got %d", plan.PrepaidDays)
	}
	if plan.Streak != 0 {
		t.Fatalf("prepaid payment must skip streak logic, got %d", plan.Streak)
	}
}

func TestAutoCompletionOnOvershoot(t *testing.T) {
	h := newTestHarness(t)
	p := defaultPlanParams()
	p.TargetBTC = big.NewInt(10_000_000)
	h.createPlan(t, p)
	h.fundUSDC(h.user, 10_000_000_000)
	h.fundBTC(h.vault, 100_000_000)

	plan, err := h.recordPayment(t, 100_000_000, 12_000_000, false)
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Fatalf("expected auto-completion, got %s", plan.Status)
	}
	if plan.BTCAccumulated.Sign() != 0 {
		t.Fatalf("expected accumulation settled, got %s", plan.BTCAccumulated)
	}
	holder, _ := h.state.GetAccount(h.user[:])
	if holder.BalanceBTC.Cmp(big.NewInt(12_000_000)) != 0 {
		t.Fatalf("expected full overshoot payout, got %s", holder.BalanceBTC)
	}

	// A completed plan is eligible for re-creation.
	h.createPlan(t, defaultPlanParams())
}

func TestNonceReplayRejected(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)

	nonce := testNonce()
	principal := big.NewInt(100_000_000)
	credited := big.NewInt(5_000_000)
	auth := h.sign(t, RecordPaymentDigest(testChainID, h.user, principal, credited, false, nonce), nonce)
	if _, err := h.engine.RecordPayment(h.user, principal, credited, false, auth); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if _, err := h.engine.RecordPayment(h.user, principal, credited, false, auth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on replay, got %v", err)
	}
	// First submission's state change persists.
	plan, ok, _ := h.state.PlanGet(h.user)
	if !ok || plan.TotalPaid.Cmp(principal) != 0 {
		t.Fatalf("expected first payment retained, got %v", plan)
	}
}

func TestSignatureBindingTamper(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)
	h.fundBTC(h.vault, 10_000_000)
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("payment: %v", err)
	}
	h.now += 31 * 24 * 60 * 60

	gross := big.NewInt(5_000_000)
	nonce := testNonce()
	auth := h.sign(t, EarlyWithdrawDigest(testChainID, h.user, gross, big.NewInt(1_000_000), 334, nonce), nonce)
	// Submit with a reduced penalty; the signature no longer matches.
	if _, err := h.engine.EarlyWithdraw(h.user, gross, big.NewInt(0), 334, auth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on tampered argument, got %v", err)
	}
}

func TestWrongSignerRejected(t *testing.T) {
	h := newTestHarness(t)
	rogue, err := bdcacrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate rogue key: %v", err)
	}
	p := defaultPlanParams()
	nonce := testNonce()
	sig, err := SignDigest(CreatePlanDigest(testChainID, h.user, p, nonce), rogue.PrivateKey)
	if err != nil {
		t.Fatalf("rogue sign: %v", err)
	}
	auth := Authorization{Nonce: nonce, Signature: sig}
	if _, err := h.engine.CreatePlan(h.user, p, auth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for rogue signer, got %v", err)
	}
}

func TestDistributeRewardsMismatchedArrays(t *testing.T) {
	h := newTestHarness(t)
	accounts := [][20]byte{newTestAddress(0x21), newTestAddress(0x22)}
	amounts := []*big.Int{big.NewInt(1)}
	boosts := []*big.Int{big.NewInt(0), big.NewInt(0)}
	nonce := testNonce()
	auth := h.sign(t, DistributeRewardsDigest(testChainID, h.owner, accounts, amounts, boosts, nonce), nonce)
	if _, err := h.engine.DistributeRewards(h.owner, accounts, amounts, boosts, auth); !errors.Is(err, ErrArrayLengthMismatch) {
		t.Fatalf("expected ErrArrayLengthMismatch, got %v", err)
	}
	if used, _ := h.state.NonceConsumed(nonce); used {
		t.Fatalf("nonce must not be consumed by a rejected batch")
	}
	if len(h.state.extras) != 0 {
		t.Fatalf("no partial credit expected")
	}
}

func TestDistributeRewardsPartialSkip(t *testing.T) {
	h := newTestHarness(t)
	h.state.pools.RewardsPool = big.NewInt(10)
	a, b, c := newTestAddress(0x21), newTestAddress(0x22), newTestAddress(0x23)
	accounts := [][20]byte{a, b, c}
	amounts := []*big.Int{big.NewInt(5), big.NewInt(20), big.NewInt(3)}
	boosts := []*big.Int{big.NewInt(1), big.NewInt(1), big.NewInt(0)}
	nonce := testNonce()
	auth := h.sign(t, DistributeRewardsDigest(testChainID, h.owner, accounts, amounts, boosts, nonce), nonce)
	credited, err := h.engine.DistributeRewards(h.owner, accounts, amounts, boosts, auth)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if credited != 2 {
		t.Fatalf("expected 2 credited entries, got %d", credited)
	}
	pools, _ := h.state.PoolsGet()
	if pools.RewardsPool.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected pool 2 after skips, got %s", pools.RewardsPool)
	}
	if _, ok := h.state.extras[b]; ok {
		t.Fatalf("over-pool entry must be skipped")
	}
	extras := h.state.extras[a]
	if extras.RewardBalance.Cmp(big.NewInt(5)) != 0 || extras.YieldBoost.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("unexpected extras for a: %+v", extras)
	}
}

func TestClaimRewards(t *testing.T) {
	h := newTestHarness(t)
	h.fundBTC(h.vault, 1_000_000)
	h.state.extras[h.user] = &UserExtras{
		RewardBalance: big.NewInt(300),
		YieldBoost:    big.NewInt(200),
		DustBalance:   big.NewInt(0),
		RewardWeight:  big.NewInt(0),
	}
	nonce := testNonce()
	auth := h.sign(t, ClaimRewardsDigest(testChainID, h.user, nonce), nonce)
	total, err := h.engine.ClaimRewards(h.user, auth)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if total.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected claim of 500, got %s", total)
	}
	extras := h.state.extras[h.user]
	if extras.RewardBalance.Sign() != 0 || extras.YieldBoost.Sign() != 0 {
		t.Fatalf("expected zeroed accumulators, got %+v", extras)
	}
	if extras.LastRewardClaim != h.now {
		t.Fatalf("expected claim timestamp %d, got %d", h.now, extras.LastRewardClaim)
	}
	holder, _ := h.state.GetAccount(h.user[:])
	if holder.BalanceBTC.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected payout, got %s", holder.BalanceBTC)
	}

	nonce = testNonce()
	auth = h.sign(t, ClaimRewardsDigest(testChainID, h.user, nonce), nonce)
	if _, err := h.engine.ClaimRewards(h.user, auth); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestSweepDust(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.engine.SetSwapRouter(&fakeSwap{outPerToken: map[string]*big.Int{
		"ARB": big.NewInt(700),
		"OP":  big.NewInt(500),
	}})
	acc, _ := h.state.GetAccount(h.user[:])
	acc.SetDustBalance("ARB", big.NewInt(600_000))
	acc.SetDustBalance("OP", big.NewInt(500_000))
	_ = h.state.PutAccount(h.user[:], acc)

	tokens := []string{"ARB", "OP"}
	amounts := []*big.Int{big.NewInt(600_000), big.NewInt(500_000)}

	// Shortfall against the attested minimum fails with no credit.
	expected := big.NewInt(2_000)
	nonce := testNonce()
	auth := h.sign(t, SweepDustDigest(testChainID, h.user, tokens, amounts, expected, nonce), nonce)
	if _, err := h.engine.SweepDust(h.user, tokens, amounts, expected, auth); !errors.Is(err, ErrSwapShortfall) {
		t.Fatalf("expected ErrSwapShortfall, got %v", err)
	}
	plan, _, _ := h.state.PlanGet(h.user)
	if plan.BTCAccumulated.Sign() != 0 {
		t.Fatalf("shortfall must not credit accumulation")
	}

	expected = big.NewInt(1_200)
	nonce = testNonce()
	auth = h.sign(t, SweepDustDigest(testChainID, h.user, tokens, amounts, expected, nonce), nonce)
	received, err := h.engine.SweepDust(h.user, tokens, amounts, expected, auth)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if received.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("expected 1200 received, got %s", received)
	}
	plan, _, _ = h.state.PlanGet(h.user)
	if plan.BTCAccumulated.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("expected accumulation credit, got %s", plan.BTCAccumulated)
	}
}

func TestSweepDustBelowThreshold(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.engine.SetSwapRouter(&fakeSwap{outPerToken: map[string]*big.Int{"ARB": big.NewInt(10)}})
	tokens := []string{"ARB"}
	amounts := []*big.Int{big.NewInt(10)}
	nonce := testNonce()
	auth := h.sign(t, SweepDustDigest(testChainID, h.user, tokens, amounts, big.NewInt(1), nonce), nonce)
	if _, err := h.engine.SweepDust(h.user, tokens, amounts, big.NewInt(1), auth); !errors.Is(err, ErrDustBelowThreshold) {
		t.Fatalf("expected ErrDustBelowThreshold, got %v", err)
	}
}

func TestLendingFailureAbortsPayment(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)
	h.lending.failNext = true

	_, err := h.recordPayment(t, 100_000_000, 5_000_000, false)
	if err == nil {
		t.Fatalf("expected payment failure")
	}
	plan, _, _ := h.state.PlanGet(h.user)
	if plan.TotalPaid.Sign() != 0 || plan.Streak != 0 {
		t.Fatalf("failed payment must leave no partial state: %+v", plan)
	}
	payer, _ := h.state.GetAccount(h.user[:])
	if payer.BalanceUSDC.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("failed payment must not debit payer, got %s", payer.BalanceUSDC)
	}
}

func TestCreditThresholdFires(t *testing.T) {
	h := newTestHarness(t)
	p := defaultPlanParams()
	p.TargetBTC = big.NewInt(20_000_000)
	p.BitmorEnabled = true
	h.createPlan(t, p)
	h.fundUSDC(h.user, 10_000_000_000)

	plan, err := h.recordPayment(t, 100_000_000, 4_000_000, false)
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if plan.ThresholdReached {
		t.Fatalf("threshold must not fire below 25%% progress")
	}
	plan, err = h.recordPayment(t, 100_000_000, 1_000_000, false)
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if !plan.ThresholdReached {
		t.Fatalf("threshold should fire at 25%% progress")
	}
	if h.credit.calls != 1 {
		t.Fatalf("expected one eligibility check, got %d", h.credit.calls)
	}
	found := false
	for _, evt := range h.log.Events() {
		if evt.EventType() == EventTypeThresholdReached {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ThresholdReached event")
	}
}

func TestPausedEngineRejectsOperations(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.Pause(h.owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	p := defaultPlanParams()
	nonce := testNonce()
	auth := h.sign(t, CreatePlanDigest(testChainID, h.user, p, nonce), nonce)
	if _, err := h.engine.CreatePlan(h.user, p, auth); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := h.engine.Unpause(h.owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	h.createPlan(t, p)
}

func TestAdminPauseResumePlan(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	if err := h.engine.PausePlan(h.user, h.user); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := h.engine.PausePlan(h.owner, h.user); err != nil {
		t.Fatalf("pause plan: %v", err)
	}
	h.fundUSDC(h.user, 1_000_000_000)
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); !errors.Is(err, ErrPlanNotActive) {
		t.Fatalf("expected ErrPlanNotActive while paused, got %v", err)
	}
	if err := h.engine.ResumePlan(h.owner, h.user); err != nil {
		t.Fatalf("resume plan: %v", err)
	}
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("payment after resume: %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	h := newTestHarness(t)
	h.createPlan(t, defaultPlanParams())
	h.fundUSDC(h.user, 1_000_000_000)
	if _, err := h.recordPayment(t, 100_000_000, 5_000_000, false); err != nil {
		t.Fatalf("payment: %v", err)
	}
	actual, err := h.engine.EmergencyWithdraw(h.owner)
	if err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	if actual.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("expected full TVL recall, got %s", actual)
	}
	pools, _ := h.state.PoolsGet()
	if pools.TotalValueLocked.Sign() != 0 {
		t.Fatalf("expected TVL zeroed, got %s", pools.TotalValueLocked)
	}
}

func TestConcurrentOperationsOnDistinctAccounts(t *testing.T) {
	h := newTestHarness(t)
	users := [][20]byte{
		newTestAddress(0x51), newTestAddress(0x52),
		newTestAddress(0x53), newTestAddress(0x54),
	}
	p := defaultPlanParams()
	type submission struct {
		caller [20]byte
		auth   Authorization
	}
	subs := make([]submission, len(users))
	for i, user := range users {
		nonce := testNonce()
		subs[i] = submission{caller: user, auth: h.sign(t, CreatePlanDigest(testChainID, user, p, nonce), nonce)}
	}

	errCh := make(chan error, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(sub submission) {
			defer wg.Done()
			_, err := h.engine.CreatePlan(sub.caller, p, sub.auth)
			errCh <- err
		}(sub)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent create plan: %v", err)
		}
	}
	for _, user := range users {
		plan, ok, err := h.state.PlanGet(user)
		if err != nil || !ok || plan.Status != PlanActive {
			t.Fatalf("missing plan for %x: ok=%v err=%v", user, ok, err)
		}
	}
}

type failingPlanState struct {
	*mockState
	planErr error
}

func (f *failingPlanState) PlanGet(addr [20]byte) (*UserPlan, bool, error) {
	if f.planErr != nil {
		return nil, false, f.planErr
	}
	return f.mockState.PlanGet(addr)
}

func TestDistributeRewardsAbortsOnStateReadFailure(t *testing.T) {
	h := newTestHarness(t)
	errBackend := errors.New("backend unavailable")
	h.engine.SetState(&failingPlanState{mockState: h.state, planErr: errBackend})
	h.state.pools.RewardsPool = big.NewInt(10)

	accounts := [][20]byte{newTestAddress(0x21)}
	amounts := []*big.Int{big.NewInt(5)}
	boosts := []*big.Int{big.NewInt(0)}
	nonce := testNonce()
	auth := h.sign(t, DistributeRewardsDigest(testChainID, h.owner, accounts, amounts, boosts, nonce), nonce)
	if _, err := h.engine.DistributeRewards(h.owner, accounts, amounts, boosts, auth); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error to abort the batch, got %v", err)
	}
	if len(h.state.extras) != 0 {
		t.Fatalf("no credit may persist after an aborted batch")
	}
	if used, _ := h.state.NonceConsumed(nonce); used {
		t.Fatalf("nonce must stay unspent after an aborted batch")
	}
}

func TestAutoCompletionRequiresFundedVault(t *testing.T) {
	h := newTestHarness(t)
	p := defaultPlanParams()
	p.TargetBTC = big.NewInt(10_000_000)
	h.createPlan(t, p)
	h.fundUSDC(h.user, 10_000_000_000)

	nonce := testNonce()
	principal := big.NewInt(100_000_000)
	credited := big.NewInt(12_000_000)
	auth := h.sign(t, RecordPaymentDigest(testChainID, h.user, principal, credited, false, nonce), nonce)
	if _, err := h.engine.RecordPayment(h.user, principal, credited, false, auth); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance from unfunded vault, got %v", err)
	}
	plan, _, _ := h.state.PlanGet(h.user)
	if plan.Status != PlanActive || plan.TotalPaid.Sign() != 0 {
		t.Fatalf("failed settlement must leave the plan untouched: %+v", plan)
	}
	payer, _ := h.state.GetAccount(h.user[:])
	if payer.BalanceUSDC.Cmp(big.NewInt(10_000_000_000)) != 0 {
		t.Fatalf("failed settlement must not debit the payer, got %s", payer.BalanceUSDC)
	}
	if used, _ := h.state.NonceConsumed(nonce); used {
		t.Fatalf("authorization must stay unspent until the vault covers the payout")
	}

	// Once the custodian funds the vault the same authorization settles.
	h.fundBTC(h.vault, 12_000_000)
	if _, err := h.engine.RecordPayment(h.user, principal, credited, false, auth); err != nil {
		t.Fatalf("resubmission after funding: %v", err)
	}
	plan, _, _ = h.state.PlanGet(h.user)
	if plan.Status != PlanCompleted {
		t.Fatalf("expected completion after funding, got %s", plan.Status)
	}
}

func TestSignerRotationInvalidatesOldAuthorizations(t *testing.T) {
	h := newTestHarness(t)
	p := defaultPlanParams()
	nonce := testNonce()
	auth := h.sign(t, CreatePlanDigest(testChainID, h.user, p, nonce), nonce)

	replacement, err := bdcacrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var newSigner [20]byte
	copy(newSigner[:], replacement.PubKey().Address().Bytes())
	if err := h.engine.SetTrustedSigner(h.owner, newSigner); err != nil {
		t.Fatalf("rotate signer: %v", err)
	}
	if _, err := h.engine.CreatePlan(h.user, p, auth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected stale authorization rejected, got %v", err)
	}
}

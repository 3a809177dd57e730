package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"bitmordca/core/types"
	"bitmordca/native/dca"
)

// Key prefixes for the ledger's record families. Addresses are appended raw.
const (
	prefixPlan    = "dca/plan/"
	prefixExtras  = "dca/extras/"
	prefixAccount = "dca/acct/"
	prefixNonce   = "dca/nonce/"
	keyPools      = "dca/pools"
)

// Store persists ledger state in a key-value database. It satisfies the DCA
// engine's state interface; nonce consumption is serialised under a mutex so
// check-and-set is a single indivisible step even on backends without
// transactional writes.
type Store struct {
	db      Database
	nonceMu sync.Mutex
}

// NewStore wraps the supplied database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

type storedPlan struct {
	TotalPaid           string `json:"totalPaid"`
	BTCAccumulated      string `json:"btcAccumulated"`
	TargetBTC           string `json:"targetBTC"`
	PeriodicAmount      string `json:"periodicAmount"`
	StartTime           int64  `json:"startTime"`
	LastPaymentTime     int64  `json:"lastPaymentTime"`
	Streak              uint64 `json:"streak"`
	MaxStreak           uint64 `json:"maxStreak"`
	PrepaidDays         uint32 `json:"prepaidDays"`
	WithdrawalDelayDays uint32 `json:"withdrawalDelayDays"`
	TimePeriodDays      uint32 `json:"timePeriodDays"`
	Cadence             uint8  `json:"cadence"`
	Status              uint8  `json:"status"`
	BitmorEnabled       bool   `json:"bitmorEnabled"`
	ThresholdReached    bool   `json:"thresholdReached"`
}

type storedExtras struct {
	RewardBalance   string `json:"rewardBalance"`
	YieldBoost      string `json:"yieldBoost"`
	DustBalance     string `json:"dustBalance"`
	LastRewardClaim int64  `json:"lastRewardClaim"`
	RewardWeight    string `json:"rewardWeight"`
}

type storedPools struct {
	RewardsPool      string `json:"rewardsPool"`
	TotalValueLocked string `json:"totalValueLocked"`
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func stringToBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid big integer %q", s)
	}
	return v, nil
}

func planKey(addr [20]byte) []byte   { return append([]byte(prefixPlan), addr[:]...) }
func extrasKey(addr [20]byte) []byte { return append([]byte(prefixExtras), addr[:]...) }
func nonceKey(nonce [32]byte) []byte { return append([]byte(prefixNonce), nonce[:]...) }
func accountKey(addr []byte) []byte  { return append([]byte(prefixAccount), addr...) }

// PlanGet loads the plan stored for the address.
func (s *Store) PlanGet(addr [20]byte) (*dca.UserPlan, bool, error) {
	raw, err := s.db.Get(planKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedPlan
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("storage: decode plan: %w", err)
	}
	plan := &dca.UserPlan{
		StartTime:           stored.StartTime,
		LastPaymentTime:     stored.LastPaymentTime,
		Streak:              stored.Streak,
		MaxStreak:           stored.MaxStreak,
		PrepaidDays:         stored.PrepaidDays,
		WithdrawalDelayDays: stored.WithdrawalDelayDays,
		TimePeriodDays:      stored.TimePeriodDays,
		Cadence:             dca.Cadence(stored.Cadence),
		Status:              dca.PlanStatus(stored.Status),
		BitmorEnabled:       stored.BitmorEnabled,
		ThresholdReached:    stored.ThresholdReached,
	}
	if plan.TotalPaid, err = stringToBig(stored.TotalPaid); err != nil {
		return nil, false, err
	}
	if plan.BTCAccumulated, err = stringToBig(stored.BTCAccumulated); err != nil {
		return nil, false, err
	}
	if plan.TargetBTC, err = stringToBig(stored.TargetBTC); err != nil {
		return nil, false, err
	}
	if plan.PeriodicAmount, err = stringToBig(stored.PeriodicAmount); err != nil {
		return nil, false, err
	}
	return plan, true, nil
}

// PlanPut persists the plan after sanitising it.
func (s *Store) PlanPut(addr [20]byte, plan *dca.UserPlan) error {
	sanitized, err := dca.SanitizePlan(plan)
	if err != nil {
		return err
	}
	stored := storedPlan{
		TotalPaid:           bigToString(sanitized.TotalPaid),
		BTCAccumulated:      bigToString(sanitized.BTCAccumulated),
		TargetBTC:           bigToString(sanitized.TargetBTC),
		PeriodicAmount:      bigToString(sanitized.PeriodicAmount),
		StartTime:           sanitized.StartTime,
		LastPaymentTime:     sanitized.LastPaymentTime,
		Streak:              sanitized.Streak,
		MaxStreak:           sanitized.MaxStreak,
		PrepaidDays:         sanitized.PrepaidDays,
		WithdrawalDelayDays: sanitized.WithdrawalDelayDays,
		TimePeriodDays:      sanitized.TimePeriodDays,
		Cadence:             uint8(sanitized.Cadence),
		Status:              uint8(sanitized.Status),
		BitmorEnabled:       sanitized.BitmorEnabled,
		ThresholdReached:    sanitized.ThresholdReached,
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encode plan: %w", err)
	}
	return s.db.Put(planKey(addr), raw)
}

// ExtrasGet loads the reward extras stored for the address.
func (s *Store) ExtrasGet(addr [20]byte) (*dca.UserExtras, bool, error) {
	raw, err := s.db.Get(extrasKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedExtras
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("storage: decode extras: %w", err)
	}
	extras := &dca.UserExtras{LastRewardClaim: stored.LastRewardClaim}
	if extras.RewardBalance, err = stringToBig(stored.RewardBalance); err != nil {
		return nil, false, err
	}
	if extras.YieldBoost, err = stringToBig(stored.YieldBoost); err != nil {
		return nil, false, err
	}
	if extras.DustBalance, err = stringToBig(stored.DustBalance); err != nil {
		return nil, false, err
	}
	if extras.RewardWeight, err = stringToBig(stored.RewardWeight); err != nil {
		return nil, false, err
	}
	return extras, true, nil
}

// ExtrasPut persists the reward extras for the address.
func (s *Store) ExtrasPut(addr [20]byte, extras *dca.UserExtras) error {
	if extras == nil {
		return fmt.Errorf("storage: nil extras")
	}
	stored := storedExtras{
		RewardBalance:   bigToString(extras.RewardBalance),
		YieldBoost:      bigToString(extras.YieldBoost),
		DustBalance:     bigToString(extras.DustBalance),
		LastRewardClaim: extras.LastRewardClaim,
		RewardWeight:    bigToString(extras.RewardWeight),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encode extras: %w", err)
	}
	return s.db.Put(extrasKey(addr), raw)
}

// NonceConsumed reports whether the nonce has already been spent.
func (s *Store) NonceConsumed(nonce [32]byte) (bool, error) {
	_, err := s.db.Get(nonceKey(nonce))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConsumeNonce marks the nonce spent, returning false when it was already
// consumed. The check and the write happen under one lock so concurrent
// submissions racing for the same nonce see exactly one winner.
func (s *Store) ConsumeNonce(nonce [32]byte) (bool, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	used, err := s.NonceConsumed(nonce)
	if err != nil {
		return false, err
	}
	if used {
		return false, nil
	}
	if err := s.db.Put(nonceKey(nonce), []byte{1}); err != nil {
		return false, err
	}
	return true, nil
}

// GetAccount loads the account record, returning a zeroed account when absent.
func (s *Store) GetAccount(addr []byte) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, ErrNotFound) {
		return (&types.Account{}).EnsureBalances(), nil
	}
	if err != nil {
		return nil, err
	}
	account := &types.Account{}
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, fmt.Errorf("storage: decode account: %w", err)
	}
	return account.EnsureBalances(), nil
}

// PutAccount persists the account record.
func (s *Store) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("storage: nil account")
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("storage: encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), raw)
}

// PoolsGet loads the ledger-wide pooled balances.
func (s *Store) PoolsGet() (*dca.Pools, error) {
	raw, err := s.db.Get([]byte(keyPools))
	if errors.Is(err, ErrNotFound) {
		return &dca.Pools{RewardsPool: big.NewInt(0), TotalValueLocked: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPools
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("storage: decode pools: %w", err)
	}
	pools := &dca.Pools{}
	if pools.RewardsPool, err = stringToBig(stored.RewardsPool); err != nil {
		return nil, err
	}
	if pools.TotalValueLocked, err = stringToBig(stored.TotalValueLocked); err != nil {
		return nil, err
	}
	return pools, nil
}

// PoolsPut persists the ledger-wide pooled balances.
func (s *Store) PoolsPut(pools *dca.Pools) error {
	if pools == nil {
		return fmt.Errorf("storage: nil pools")
	}
	stored := storedPools{
		RewardsPool:      bigToString(pools.RewardsPool),
		TotalValueLocked: bigToString(pools.TotalValueLocked),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encode pools: %w", err)
	}
	return s.db.Put([]byte(keyPools), raw)
}

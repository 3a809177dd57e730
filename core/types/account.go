package types

import "math/big"

// Account holds the custodial balances tracked for a single address. Principal
// is denominated in the source asset (USDC, 6 decimals) and accumulation in the
// target asset (BTC, 8 decimals); both are big integers at those fixed scales
// and are never rescaled by the ledger.
type Account struct {
	Nonce       uint64              `json:"nonce"`
	BalanceUSDC *big.Int            `json:"balanceUSDC"`
	BalanceBTC  *big.Int            `json:"balanceBTC"`
	Dust        map[string]*big.Int `json:"dust,omitempty"`
}

// EnsureBalances replaces nil balance fields with zero values so callers can
// operate on the account without nil checks.
func (a *Account) EnsureBalances() *Account {
	if a == nil {
		return &Account{BalanceUSDC: big.NewInt(0), BalanceBTC: big.NewInt(0)}
	}
	if a.BalanceUSDC == nil {
		a.BalanceUSDC = big.NewInt(0)
	}
	if a.BalanceBTC == nil {
		a.BalanceBTC = big.NewInt(0)
	}
	return a
}

// DustBalance returns the tracked balance for the given dust token symbol,
// treating missing entries as zero.
func (a *Account) DustBalance(token string) *big.Int {
	if a == nil || a.Dust == nil {
		return big.NewInt(0)
	}
	bal, ok := a.Dust[token]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

// SetDustBalance records the balance for a dust token, allocating the map on
// first use and dropping zero entries.
func (a *Account) SetDustBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if amount == nil || amount.Sign() == 0 {
		delete(a.Dust, token)
		return
	}
	if a.Dust == nil {
		a.Dust = make(map[string]*big.Int)
	}
	a.Dust[token] = new(big.Int).Set(amount)
}

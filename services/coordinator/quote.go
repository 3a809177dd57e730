package coordinator

import (
	"fmt"
	"math/big"

	"bitmordca/native/dca"
)

// Asset decimal scales shared with the ledger: USDC at 6, BTC at 8.
var (
	usdcScale = big.NewInt(1_000_000)
	btcScale  = big.NewInt(100_000_000)
)

// Quoter converts principal amounts into target-asset credits at the oracle's
// current price. The resulting amounts are what the coordinator attests to;
// the ledger never consults the oracle itself.
type Quoter struct {
	oracle dca.PriceOracle
}

// NewQuoter wraps the price oracle.
func NewQuoter(oracle dca.PriceOracle) *Quoter {
	return &Quoter{oracle: oracle}
}

// CreditForPrincipal returns the BTC amount (8 decimals) a USDC principal
// (6 decimals) buys at the current BTC price, rounding down.
func (q *Quoter) CreditForPrincipal(principal *big.Int) (*big.Int, error) {
	if q == nil || q.oracle == nil {
		return nil, fmt.Errorf("coordinator: price oracle not configured")
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, fmt.Errorf("coordinator: principal must be positive")
	}
	price, err := q.oracle.CurrentPrice(dca.AssetBTC)
	if err != nil {
		return nil, fmt.Errorf("coordinator: price lookup: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("coordinator: invalid price")
	}
	// credited = principal/usdcScale / price * btcScale
	num := new(big.Int).Mul(principal, btcScale)
	num.Mul(num, price.Denom())
	den := new(big.Int).Mul(usdcScale, price.Num())
	return num.Quo(num, den), nil
}

// PenaltyQuote computes the attested early-exit penalty for a plan: the
// time-decayed basis points applied to the gross target amount.
func PenaltyQuote(params dca.Params, gross *big.Int, remainingSeconds, totalSeconds int64) (*big.Int, uint64) {
	bps := dca.PenaltyBps(params.PenaltyMinBps, params.PenaltyMaxBps, remainingSeconds, totalSeconds)
	return dca.PenaltyAmount(gross, bps), bps
}

package dca

import (
	"fmt"
	"math/big"
)

const (
	// DefaultPenaltyMinBps is the floor of the early-exit penalty curve (1%).
	DefaultPenaltyMinBps = 100
	// DefaultPenaltyMaxBps is the ceiling of the early-exit penalty curve (50%).
	DefaultPenaltyMaxBps = 5000
)

// Params groups the operator-controlled settings enforced by the ledger.
type Params struct {
	// TrustedSigner is the address recovered signatures must resolve to.
	TrustedSigner [20]byte
	// ChainID binds authorizations to a single deployment.
	ChainID uint64
	// DustThreshold is the minimum combined token value accepted by SweepDust,
	// denominated in source-asset units.
	DustThreshold *big.Int
	// PenaltyMinBps and PenaltyMaxBps bound the early-exit penalty curve.
	PenaltyMinBps uint64
	PenaltyMaxBps uint64
}

// DefaultParams returns the parameter set used when the operator has not
// overridden anything. The trusted signer must still be configured explicitly.
func DefaultParams(chainID uint64) Params {
	return Params{
		ChainID:       chainID,
		DustThreshold: big.NewInt(1_000_000), // 1 USDC
		PenaltyMinBps: DefaultPenaltyMinBps,
		PenaltyMaxBps: DefaultPenaltyMaxBps,
	}
}

// Validate reports the first configuration problem found.
func (p Params) Validate() error {
	if p.TrustedSigner == ([20]byte{}) {
		return fmt.Errorf("dca params: trusted signer not configured")
	}
	if p.ChainID == 0 {
		return fmt.Errorf("dca params: chain id required")
	}
	if p.DustThreshold == nil || p.DustThreshold.Sign() < 0 {
		return fmt.Errorf("dca params: dust threshold must be non-negative")
	}
	if p.PenaltyMaxBps > 10_000 {
		return fmt.Errorf("dca params: penalty max bps out of range")
	}
	if p.PenaltyMinBps > p.PenaltyMaxBps {
		return fmt.Errorf("dca params: penalty min exceeds max")
	}
	return nil
}

package coordinator

import (
	"errors"
	"fmt"
	"math/big"

	bdcacrypto "bitmordca/crypto"
	"bitmordca/native/dca"
)

var (
	errNilKey = errors.New("coordinator: signing key not configured")
	// errSelfCheck indicates a signature that did not recover to our own
	// address. It should never fire with a healthy signing primitive; when it
	// does, the authorization is withheld rather than handed to the caller.
	errSelfCheck = errors.New("coordinator: signature self-check failed")
)

// Signer issues ledger authorizations: it encodes the operation arguments
// exactly the way the ledger's verifier will, hashes and signs them with the
// trusted key, and verifies its own signature before returning it. Signing key
// access is serialised by the underlying secp256k1 primitive, so Signer is
// safe for concurrent use without additional locking.
type Signer struct {
	key     *bdcacrypto.PrivateKey
	chainID uint64
	address [20]byte
}

// NewSigner wraps the trusted private key for the given chain.
func NewSigner(key *bdcacrypto.PrivateKey, chainID uint64) (*Signer, error) {
	if key == nil {
		return nil, errNilKey
	}
	if chainID == 0 {
		return nil, fmt.Errorf("coordinator: chain id required")
	}
	var addr [20]byte
	copy(addr[:], key.PubKey().Address().Bytes())
	return &Signer{key: key, chainID: chainID, address: addr}, nil
}

// Address returns the trusted signer address the ledger must be configured
// with.
func (s *Signer) Address() [20]byte { return s.address }

// ChainID returns the chain identifier bound into every digest.
func (s *Signer) ChainID() uint64 { return s.chainID }

func (s *Signer) issue(digest []byte) (dca.Authorization, error) {
	if s == nil || s.key == nil {
		return dca.Authorization{}, errNilKey
	}
	sig, err := dca.SignDigest(digest, s.key.PrivateKey)
	if err != nil {
		return dca.Authorization{}, fmt.Errorf("coordinator: sign: %w", err)
	}
	recovered, err := dca.RecoverSigner(digest, sig)
	if err != nil || recovered != s.address {
		return dca.Authorization{}, errSelfCheck
	}
	return dca.Authorization{Signature: sig}, nil
}

// AuthorizeCreatePlan signs a plan-creation tuple for the caller.
func (s *Signer) AuthorizeCreatePlan(caller [20]byte, p dca.CreatePlanParams) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.CreatePlanDigest(s.chainID, caller, p, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeRecordPayment signs a payment tuple for the caller.
func (s *Signer) AuthorizeRecordPayment(caller [20]byte, principal, credited *big.Int, usesPrepaid bool) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.RecordPaymentDigest(s.chainID, caller, principal, credited, usesPrepaid, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizePrepayDays signs a prepayment tuple for the caller.
func (s *Signer) AuthorizePrepayDays(caller [20]byte, principal *big.Int, days uint32) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.PrepayDaysDigest(s.chainID, caller, principal, days, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeEarlyWithdraw signs an early-exit tuple for the caller.
func (s *Signer) AuthorizeEarlyWithdraw(caller [20]byte, gross, penalty *big.Int, daysRemaining uint32) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.EarlyWithdrawDigest(s.chainID, caller, gross, penalty, daysRemaining, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeCompletePlan signs a completion call for the caller.
func (s *Signer) AuthorizeCompletePlan(caller [20]byte) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.CompletePlanDigest(s.chainID, caller, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeDistributeRewards signs a batch distribution for the operator.
func (s *Signer) AuthorizeDistributeRewards(caller [20]byte, accounts [][20]byte, amounts, boosts []*big.Int) (dca.Authorization, error) {
	if len(accounts) != len(amounts) || len(accounts) != len(boosts) {
		return dca.Authorization{}, fmt.Errorf("coordinator: array length mismatch")
	}
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.DistributeRewardsDigest(s.chainID, caller, accounts, amounts, boosts, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeClaimRewards signs a claim call for the caller.
func (s *Signer) AuthorizeClaimRewards(caller [20]byte) (dca.Authorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.ClaimRewardsDigest(s.chainID, caller, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

// AuthorizeSweepDust signs a dust sweep for the caller.
func (s *Signer) AuthorizeSweepDust(caller [20]byte, tokens []string, amounts []*big.Int, expected *big.Int) (dca.Authorization, error) {
	if len(tokens) != len(amounts) {
		return dca.Authorization{}, fmt.Errorf("coordinator: array length mismatch")
	}
	nonce, err := NewNonce()
	if err != nil {
		return dca.Authorization{}, err
	}
	auth, err := s.issue(dca.SweepDustDigest(s.chainID, caller, tokens, amounts, expected, nonce))
	if err != nil {
		return dca.Authorization{}, err
	}
	auth.Nonce = nonce
	return auth, nil
}

package dca

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AuthDomainV1 is the domain separator mixed into every operation digest.
const AuthDomainV1 = "BITMOR_DCA_V1"

// signedMessagePrefix mirrors the Ethereum personal-sign convention applied
// over the 32-byte operation digest.
const signedMessagePrefix = "\x19Ethereum Signed Message:\n32"

// OpKind identifies a ledger operation within the canonical message.
type OpKind string

const (
	OpCreatePlan        OpKind = "CREATE_PLAN"
	OpRecordPayment     OpKind = "RECORD_PAYMENT"
	OpPrepayDays        OpKind = "PREPAY_DAYS"
	OpEarlyWithdraw     OpKind = "EARLY_WITHDRAW"
	OpCompletePlan      OpKind = "COMPLETE_PLAN"
	OpDistributeRewards OpKind = "DISTRIBUTE_REWARDS"
	OpClaimRewards      OpKind = "CLAIM_REWARDS"
	OpSweepDust         OpKind = "SWEEP_DUST"
)

// Authorization carries the single-use nonce and trusted-signer signature the
// coordinator issues for one ledger call. The nonce is opaque to the ledger
// beyond its replay check.
type Authorization struct {
	Nonce     [32]byte
	Signature []byte
}

// CreatePlanParams is the argument tuple for plan creation. Field order here
// is the canonical encoding order; changing it invalidates every outstanding
// signature for the operation.
type CreatePlanParams struct {
	TargetBTC           *big.Int
	PeriodicAmount      *big.Int
	TimePeriodDays      uint32
	WithdrawalDelayDays uint32
	Cadence             Cadence
	BitmorEnabled       bool
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// authMessage renders the canonical pipe-delimited payload shared by the
// coordinator and the ledger verifier. Amounts are base-10, addresses are
// lowercase hex, booleans are 0/1 and array entries are comma-joined.
func authMessage(op OpKind, chainID uint64, caller [20]byte, nonce [32]byte, fields ...string) string {
	builder := strings.Builder{}
	builder.WriteString(AuthDomainV1)
	builder.WriteString("|op=")
	builder.WriteString(string(op))
	builder.WriteString("|chain=")
	builder.WriteString(strconv.FormatUint(chainID, 10))
	builder.WriteString("|caller=")
	builder.WriteString(hex.EncodeToString(caller[:]))
	for _, field := range fields {
		builder.WriteString("|")
		builder.WriteString(field)
	}
	builder.WriteString("|nonce=")
	builder.WriteString(hex.EncodeToString(nonce[:]))
	return builder.String()
}

func opDigest(op OpKind, chainID uint64, caller [20]byte, nonce [32]byte, fields ...string) []byte {
	return ethcrypto.Keccak256([]byte(authMessage(op, chainID, caller, nonce, fields...)))
}

// CreatePlanDigest returns the canonical digest for a CreatePlan call.
func CreatePlanDigest(chainID uint64, caller [20]byte, p CreatePlanParams, nonce [32]byte) []byte {
	return opDigest(OpCreatePlan, chainID, caller, nonce,
		"target="+bigString(p.TargetBTC),
		"amount="+bigString(p.PeriodicAmount),
		"period="+strconv.FormatUint(uint64(p.TimePeriodDays), 10),
		"delay="+strconv.FormatUint(uint64(p.WithdrawalDelayDays), 10),
		"cadence="+strconv.FormatUint(uint64(p.Cadence), 10),
		"bitmor="+boolFlag(p.BitmorEnabled),
	)
}

// RecordPaymentDigest returns the canonical digest for a RecordPayment call.
func RecordPaymentDigest(chainID uint64, caller [20]byte, principal, credited *big.Int, usesPrepaid bool, nonce [32]byte) []byte {
	return opDigest(OpRecordPayment, chainID, caller, nonce,
		"principal="+bigString(principal),
		"credited="+bigString(credited),
		"prepaid="+boolFlag(usesPrepaid),
	)
}

// PrepayDaysDigest returns the canonical digest for a PrepayDays call.
func PrepayDaysDigest(chainID uint64, caller [20]byte, principal *big.Int, days uint32, nonce [32]byte) []byte {
	return opDigest(OpPrepayDays, chainID, caller, nonce,
		"principal="+bigString(principal),
		"days="+strconv.FormatUint(uint64(days), 10),
	)
}

// EarlyWithdrawDigest returns the canonical digest for an EarlyWithdraw call.
func EarlyWithdrawDigest(chainID uint64, caller [20]byte, gross, penalty *big.Int, daysRemaining uint32, nonce [32]byte) []byte {
	return opDigest(OpEarlyWithdraw, chainID, caller, nonce,
		"gross="+bigString(gross),
		"penalty="+bigString(penalty),
		"remaining="+strconv.FormatUint(uint64(daysRemaining), 10),
	)
}

// CompletePlanDigest returns the canonical digest for a CompletePlan call.
func CompletePlanDigest(chainID uint64, caller [20]byte, nonce [32]byte) []byte {
	return opDigest(OpCompletePlan, chainID, caller, nonce)
}

// DistributeRewardsDigest returns the canonical digest for a batch reward
// distribution. The three arrays are encoded positionally so any reordering or
// substitution after signing is detectable.
func DistributeRewardsDigest(chainID uint64, caller [20]byte, accounts [][20]byte, amounts, boosts []*big.Int, nonce [32]byte) []byte {
	accountFields := make([]string, len(accounts))
	for i, addr := range accounts {
		accountFields[i] = hex.EncodeToString(addr[:])
	}
	amountFields := make([]string, len(amounts))
	for i, amt := range amounts {
		amountFields[i] = bigString(amt)
	}
	boostFields := make([]string, len(boosts))
	for i, boost := range boosts {
		boostFields[i] = bigString(boost)
	}
	return opDigest(OpDistributeRewards, chainID, caller, nonce,
		"accounts="+strings.Join(accountFields, ","),
		"amounts="+strings.Join(amountFields, ","),
		"boosts="+strings.Join(boostFields, ","),
	)
}

// ClaimRewardsDigest returns the canonical digest for a ClaimRewards call.
func ClaimRewardsDigest(chainID uint64, caller [20]byte, nonce [32]byte) []byte {
	return opDigest(OpClaimRewards, chainID, caller, nonce)
}

// SweepDustDigest returns the canonical digest for a SweepDust call.
func SweepDustDigest(chainID uint64, caller [20]byte, tokens []string, amounts []*big.Int, expected *big.Int, nonce [32]byte) []byte {
	tokenFields := make([]string, len(tokens))
	for i, token := range tokens {
		tokenFields[i] = strings.ToUpper(strings.TrimSpace(token))
	}
	amountFields := make([]string, len(amounts))
	for i, amt := range amounts {
		amountFields[i] = bigString(amt)
	}
	return opDigest(OpSweepDust, chainID, caller, nonce,
		"tokens="+strings.Join(tokenFields, ","),
		"amounts="+strings.Join(amountFields, ","),
		"expected="+bigString(expected),
	)
}

func prefixedDigest(digest []byte) []byte {
	return ethcrypto.Keccak256([]byte(signedMessagePrefix), digest)
}

// SignDigest signs the prefixed operation digest with the supplied key,
// producing a 65-byte recoverable signature.
func SignDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("dca: digest must be 32 bytes")
	}
	if key == nil {
		return nil, fmt.Errorf("dca: nil signing key")
	}
	return ethcrypto.Sign(prefixedDigest(digest), key)
}

// RecoverSigner recovers the address that produced the signature over the
// prefixed operation digest.
func RecoverSigner(digest, signature []byte) ([20]byte, error) {
	var addr [20]byte
	if len(digest) != 32 {
		return addr, fmt.Errorf("dca: digest must be 32 bytes")
	}
	if len(signature) != 65 {
		return addr, fmt.Errorf("dca: signature must be 65 bytes")
	}
	pubKey, err := ethcrypto.SigToPub(prefixedDigest(digest), signature)
	if err != nil {
		return addr, fmt.Errorf("dca: recover signer: %w", err)
	}
	copy(addr[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return addr, nil
}

// verifySignature checks the signature against the expected trusted signer.
// Every failure collapses to ErrUnauthorized so callers learn nothing about
// which check tripped.
func verifySignature(digest, signature []byte, expected [20]byte) error {
	if expected == ([20]byte{}) {
		return ErrSignerNotConfigured
	}
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return ErrUnauthorized
	}
	if ethcommon.BytesToAddress(recovered[:]) != ethcommon.BytesToAddress(expected[:]) {
		return ErrUnauthorized
	}
	return nil
}

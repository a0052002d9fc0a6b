package tx

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrZeroFrom        = errors.New("transaction has zero sender")
	ErrMissingSig      = errors.New("transaction missing signature")
	ErrMissingPubKey   = errors.New("transaction missing public key")
	ErrInvalidSig      = errors.New("invalid transaction signature")
	ErrGasBelowIntrins = errors.New("gas limit below intrinsic cost")
	ErrInputTooLarge   = errors.New("input payload too large")
)

// MaxInputBytes bounds the transaction input payload.
const MaxInputBytes = 128 * 1024

// Validate checks transaction structure and basic rules.
// This does NOT check account nonce or balance (that requires state).
func (tx *Transaction) Validate() error {
	if tx.From.IsZero() {
		return ErrZeroFrom
	}
	if len(tx.Input) > MaxInputBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrInputTooLarge, len(tx.Input), MaxInputBytes)
	}
	if intrinsic := IntrinsicGas(tx.Input); tx.GasLimit < intrinsic {
		return fmt.Errorf("%w: limit %d, intrinsic %d", ErrGasBelowIntrins, tx.GasLimit, intrinsic)
	}
	if len(tx.PubKey) == 0 {
		return ErrMissingPubKey
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}
	if !tx.VerifySignature() {
		return ErrInvalidSig
	}
	return nil
}

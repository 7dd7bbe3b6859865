package channel

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Kind is the category a channel error belongs to. A Kind is itself an error
// so callers can match a whole category with errors.Is(err, KindPayment).
type Kind uint8

const (
	// KindConfig errors reject channel parameters. Never retryable.
	KindConfig Kind = iota + 1

	// KindFunding errors reject a claimed funding transaction.
	KindFunding

	// KindPayment errors reject a payment PSBT or a payment request.
	KindPayment

	// KindFinalize errors report data missing from a PSBT being finalized.
	KindFinalize
)

// String returns the category name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFunding:
		return "funding"
	case KindPayment:
		return "payment"
	case KindFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (k Kind) Error() string {
	return k.String() + " error"
}

// Error is a channel failure with its category and reason.
type Error struct {
	Kind   Kind
	Reason string
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

// Is reports whether target is the category of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Config errors
var (
	ErrInvalidCapacity    = newError(KindConfig, "channel capacity must be positive and within the money supply")
	ErrUncompressedKey    = newError(KindConfig, "public key must be compressed")
	ErrInvalidPublicKey   = newError(KindConfig, "public key is not a valid secp256k1 point")
	ErrInvalidRefundDelay = newError(KindConfig, "refund delay must be a non-zero, enabled relative locktime")
)

// Funding errors
var (
	ErrTxidMismatch   = newError(KindFunding, "funding transaction does not match expected id")
	ErrOutputNotFound = newError(KindFunding, "funding transaction output not found")
	ErrValueMismatch  = newError(KindFunding, "funding transaction output value does not match capacity")
	ErrScriptMismatch = newError(KindFunding, "funding transaction output script does not match expected")
)

// Payment errors
var (
	ErrInvalidAmount              = newError(KindPayment, "payment amount and fee must be non-negative")
	ErrExceedsCapacity            = newError(KindPayment, "payment exceeds channel capacity")
	ErrMultipleInputs             = newError(KindPayment, "payment transaction has more than one input")
	ErrMissingInput               = newError(KindPayment, "payment transaction is missing input")
	ErrFundingOutpointMismatch    = newError(KindPayment, "payment transaction does not reference funding transaction")
	ErrMissingWitnessUtxo         = newError(KindPayment, "payment transaction missing witness utxo")
	ErrWitnessUtxoMismatch        = newError(KindPayment, "payment transaction witness utxo does not match expected")
	ErrMissingWitnessScript       = newError(KindPayment, "payment transaction missing witness script")
	ErrWitnessScriptMismatch      = newError(KindPayment, "payment transaction witness script does not match expected")
	ErrInvalidSequence            = newError(KindPayment, "payment transaction sequence is not final")
	ErrNonZeroLocktime            = newError(KindPayment, "payment transaction uses non-zero locktime")
	ErrMissingPayeeOutput         = newError(KindPayment, "payment transaction missing output to payee")
	ErrPaymentNotIncremental      = newError(KindPayment, "payee output value must be greater than previous payment")
	ErrOutputsExceedFundingAmount = newError(KindPayment, "payment transaction outputs exceed funding amount")
	ErrMissingSignature           = newError(KindPayment, "payment transaction missing payer's signature")
	ErrInvalidSighash             = newError(KindPayment, "payment transaction signature has invalid sighash")
	ErrInvalidSignature           = newError(KindPayment, "payment transaction signature is invalid")
)

// Finalize errors
var (
	ErrFinalizeMissingSignature     = newError(KindFinalize, "psbt is missing a required signature")
	ErrFinalizeMissingWitnessScript = newError(KindFinalize, "psbt is missing witness script")
	ErrFinalizeMissingInput         = newError(KindFinalize, "psbt has no input to finalize")
	ErrRefundNotTimelocked          = newError(KindFinalize, "refund transaction does not satisfy the refund delay")
)

// ExceedsCapacityError is returned by NextPayment when the cumulative payment
// plus fee does not fit in the channel.
type ExceedsCapacityError struct {
	Available btcutil.Amount
	Required  btcutil.Amount
}

// Error implements the error interface.
func (e *ExceedsCapacityError) Error() string {
	return fmt.Sprintf("%s (available: %v, required: %v)",
		ErrExceedsCapacity.Error(), e.Available, e.Required)
}

// Unwrap returns ErrExceedsCapacity.
func (e *ExceedsCapacityError) Unwrap() error {
	return ErrExceedsCapacity
}

// MissingSignatureError names the key whose signature a finalizer needed.
type MissingSignatureError struct {
	PubKey []byte
}

// Error implements the error interface.
func (e *MissingSignatureError) Error() string {
	return fmt.Sprintf("%s: public key %s",
		ErrFinalizeMissingSignature.Error(), hex.EncodeToString(e.PubKey))
}

// Unwrap returns ErrFinalizeMissingSignature.
func (e *MissingSignatureError) Unwrap() error {
	return ErrFinalizeMissingSignature
}

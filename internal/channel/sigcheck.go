package channel

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigVerifier is the signature capability the channel depends on: segwit v0
// signature hashing and ECDSA verification. Tests substitute deterministic
// implementations.
type SigVerifier interface {
	// WitnessSigHash returns the BIP143 signature hash of input idx
	// spending a P2WSH output of the given amount with witnessScript.
	WitnessSigHash(tx *wire.MsgTx, idx int, witnessScript []byte,
		amount btcutil.Amount, hashType txscript.SigHashType) ([]byte, error)

	// VerifySignature checks a DER encoded signature (without sighash
	// byte) over hash against pubKey.
	VerifySignature(hash, der []byte, pubKey *btcec.PublicKey) bool
}

// ECDSAVerifier implements SigVerifier with btcd's txscript and btcec.
type ECDSAVerifier struct{}

// WitnessSigHash implements SigVerifier.
func (ECDSAVerifier) WitnessSigHash(tx *wire.MsgTx, idx int, witnessScript []byte,
	amount btcutil.Amount, hashType txscript.SigHashType) ([]byte, error) {

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		P2WSHScript(witnessScript), int64(amount),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	return txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, hashType, tx, idx, int64(amount),
	)
}

// VerifySignature implements SigVerifier. Only strict DER with a low S value
// is accepted, matching the standardness rules a node applies on relay.
func (ECDSAVerifier) VerifySignature(hash, der []byte, pubKey *btcec.PublicKey) bool {
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}

	// Serialize always emits the canonical low-S form.
	if !bytes.Equal(sig.Serialize(), der) {
		return false
	}

	return sig.Verify(hash, pubKey)
}

var _ SigVerifier = ECDSAVerifier{}

// splitSignature separates a PSBT partial signature into its DER encoding
// and trailing sighash type byte.
func splitSignature(sig []byte) ([]byte, txscript.SigHashType, bool) {
	if len(sig) < 2 {
		return nil, 0, false
	}
	return sig[:len(sig)-1], txscript.SigHashType(sig[len(sig)-1]), true
}

// acceptedSigHash reports whether a payment signature's sighash type is
// acceptable. The set is exactly {SIGHASH_ALL}; ALL|ANYONECANPAY, NONE,
// SINGLE and undefined bytes are all rejected.
func acceptedSigHash(hashType txscript.SigHashType) bool {
	return hashType == txscript.SigHashAll
}

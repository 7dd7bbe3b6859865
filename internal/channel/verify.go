package channel

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// VerifyPayment checks a payment PSBT received from the payer against the
// channel and returns what it would pay. The channel is not modified.
//
// Checks run in a fixed order and the first failure is returned:
//  1. exactly one input (ErrMultipleInputs, ErrMissingInput)
//  2. the input spends the funding outpoint (ErrFundingOutpointMismatch)
//  3. witness UTXO and witness script match the channel
//  4. sequence is final and locktime is zero
//  5. an output pays the payee (ErrMissingPayeeOutput)
//  6. that output exceeds what was already sent (ErrPaymentNotIncremental)
//  7. outputs fit in the capacity (ErrOutputsExceedFundingAmount)
//  8. the payer signed (ErrMissingSignature)
//  9. with SIGHASH_ALL (ErrInvalidSighash)
//  10. and the signature is valid (ErrInvalidSignature)
func (c *Channel) VerifyPayment(p *psbt.Packet) (*PaymentInfo, error) {
	info, err := c.verifyPayment(p)
	if err != nil {
		c.log.Debug("Payment rejected", "reason", err, "sent", c.sent)
		return nil, err
	}

	c.log.Debug("Payment verified", "total", info.Total, "current", info.Current,
		"fee", info.Fee)

	return info, nil
}

func (c *Channel) verifyPayment(p *psbt.Packet) (*PaymentInfo, error) {
	if p == nil || p.UnsignedTx == nil {
		return nil, ErrMissingInput
	}
	tx := p.UnsignedTx

	txIn, err := c.checkSpendInput(p)
	if err != nil {
		return nil, err
	}

	if txIn.Sequence != wire.MaxTxInSequenceNum {
		return nil, ErrInvalidSequence
	}
	if tx.LockTime != 0 {
		return nil, ErrNonZeroLocktime
	}

	payeeScript := c.params.payeePkScript
	found := false
	var total btcutil.Amount
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, payeeScript) {
			total = btcutil.Amount(out.Value)
			found = true
			break
		}
	}
	if !found {
		return nil, ErrMissingPayeeOutput
	}

	if total <= c.sent {
		return nil, ErrPaymentNotIncremental
	}

	capacity := c.params.capacity
	var spent btcutil.Amount
	for _, out := range tx.TxOut {
		value := btcutil.Amount(out.Value)
		if value < 0 || value > capacity-spent {
			return nil, ErrOutputsExceedFundingAmount
		}
		spent += value
	}

	if err := c.checkPayerSignature(p); err != nil {
		return nil, err
	}

	return &PaymentInfo{
		Total:   total,
		Current: total - c.sent,
		Fee:     capacity - spent,
	}, nil
}

// checkSpendInput validates the single input of a transaction spending the
// funding output and its PSBT signing context.
func (c *Channel) checkSpendInput(p *psbt.Packet) (*wire.TxIn, error) {
	tx := p.UnsignedTx

	switch {
	case len(tx.TxIn) > 1 || len(p.Inputs) > 1:
		return nil, ErrMultipleInputs
	case len(tx.TxIn) == 0 || len(p.Inputs) == 0:
		return nil, ErrMissingInput
	}
	txIn := tx.TxIn[0]
	pIn := &p.Inputs[0]

	if txIn.PreviousOutPoint != c.fundingOutpoint {
		return nil, ErrFundingOutpointMismatch
	}

	if pIn.WitnessUtxo == nil {
		return nil, ErrMissingWitnessUtxo
	}
	if pIn.WitnessUtxo.Value != c.fundingOutput.Value ||
		!bytes.Equal(pIn.WitnessUtxo.PkScript, c.fundingOutput.PkScript) {

		return nil, ErrWitnessUtxoMismatch
	}

	if pIn.WitnessScript == nil {
		return nil, ErrMissingWitnessScript
	}
	if !bytes.Equal(pIn.WitnessScript, c.params.script) {
		return nil, ErrWitnessScriptMismatch
	}

	return txIn, nil
}

// checkPayerSignature finds the payer's partial signature on input 0 and
// verifies it over the BIP143 sighash of the channel script and capacity.
func (c *Channel) checkPayerSignature(p *psbt.Packet) error {
	sig := findPartialSig(&p.Inputs[0], c.params.payer)
	if sig == nil {
		return ErrMissingSignature
	}

	der, hashType, ok := splitSignature(sig)
	if !ok {
		return ErrInvalidSignature
	}
	if !acceptedSigHash(hashType) {
		return ErrInvalidSighash
	}

	hash, err := c.params.verifier.WitnessSigHash(
		p.UnsignedTx, 0, c.params.script, c.params.capacity, hashType,
	)
	if err != nil {
		return ErrInvalidSignature
	}
	if !c.params.verifier.VerifySignature(hash, der, c.params.payerKey) {
		return ErrInvalidSignature
	}

	return nil
}

// findPartialSig returns the signature recorded for pubKey, or nil.
func findPartialSig(in *psbt.PInput, pubKey []byte) []byte {
	for _, ps := range in.PartialSigs {
		if ps != nil && bytes.Equal(ps.PubKey, pubKey) {
			return ps.Signature
		}
	}
	return nil
}

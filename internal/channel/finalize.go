package channel

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// FinalizePayment assembles the payment branch witness for input 0 from the
// payer's and payee's partial signatures:
//
//	<empty> <payer_sig> <payee_sig> 0x01 <script>
//
// The leading empty element is consumed by the OP_CHECKMULTISIG off-by-one.
// Signatures are not verified here.
func (c *Channel) FinalizePayment(p *psbt.Packet) (wire.TxWitness, error) {
	witness, err := finalizeInput(p, BranchPayment, c.params.payer, c.params.payee)
	if err != nil {
		return nil, err
	}

	c.log.Debug("Payment finalized", "elements", len(witness))

	return witness, nil
}

// FinalizeRefund assembles the refund branch witness for input 0 from the
// payer's partial signature:
//
//	<payer_sig> <empty> <script>
//
// The false selector is the empty vector rather than a single 0x00 byte:
// segwit MINIMALIF policy only relays an empty OP_IF argument, so a 0x00
// selector would make the refund non-standard.
//
// The payer signature is not verified; see VerifyRefund.
func (c *Channel) FinalizeRefund(p *psbt.Packet) (wire.TxWitness, error) {
	witness, err := finalizeInput(p, BranchRefund, c.params.payer, c.params.payee)
	if err != nil {
		return nil, err
	}

	c.log.Debug("Refund finalized", "elements", len(witness))

	return witness, nil
}

// Finalize assembles the witness for the given branch without a Channel,
// taking the keys from the spending script attached to input 0.
func Finalize(p *psbt.Packet, branch Branch) (wire.TxWitness, error) {
	if p == nil || len(p.Inputs) == 0 {
		return nil, ErrFinalizeMissingInput
	}
	script := p.Inputs[0].WitnessScript
	if script == nil {
		return nil, ErrFinalizeMissingWitnessScript
	}

	terms, err := ParseSpendingScript(script)
	if err != nil {
		return nil, fmt.Errorf("failed to parse witness script: %w", err)
	}

	return finalizeInput(p, branch, terms.PayerPubKey, terms.PayeePubKey)
}

// ExtractFinal returns the network transaction of a finalized PSBT.
func ExtractFinal(p *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := psbt.Extract(p)
	if err != nil {
		return nil, fmt.Errorf("failed to extract transaction: %w", err)
	}
	return tx, nil
}

// finalizeInput builds the witness for input 0, stores it as the input's
// final script witness and drops the partial signatures it consumed.
func finalizeInput(p *psbt.Packet, branch Branch, payer, payee []byte) (wire.TxWitness, error) {
	if p == nil || len(p.Inputs) == 0 {
		return nil, ErrFinalizeMissingInput
	}
	if branch != BranchPayment && branch != BranchRefund {
		return nil, fmt.Errorf("unknown branch %d", branch)
	}
	in := &p.Inputs[0]

	// Signatures are looked up before the script.
	payerSig := findPartialSig(in, payer)
	if len(payerSig) == 0 {
		return nil, &MissingSignatureError{PubKey: append([]byte(nil), payer...)}
	}
	var payeeSig []byte
	if branch == BranchPayment {
		payeeSig = findPartialSig(in, payee)
		if len(payeeSig) == 0 {
			return nil, &MissingSignatureError{PubKey: append([]byte(nil), payee...)}
		}
	}

	if in.WitnessScript == nil {
		return nil, ErrFinalizeMissingWitnessScript
	}
	script := append([]byte(nil), in.WitnessScript...)

	var witness wire.TxWitness
	switch branch {
	case BranchPayment:
		witness = wire.TxWitness{
			{},
			append([]byte(nil), payerSig...),
			append([]byte(nil), payeeSig...),
			branch.Selector(),
			script,
		}

	case BranchRefund:
		witness = wire.TxWitness{
			append([]byte(nil), payerSig...),
			branch.Selector(),
			script,
		}
	}

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return nil, fmt.Errorf("failed to serialize witness: %w", err)
	}
	in.FinalScriptWitness = buf.Bytes()
	in.PartialSigs = nil

	return witness, nil
}

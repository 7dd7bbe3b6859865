package channel

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// RefundPacket builds the unsigned refund template: one input spending the
// funding output with sequence set to the refund delay, and no outputs. The
// payer adds the refund destination and fee before signing. Whether the
// timelock has matured is left to the chain.
func (c *Channel) RefundPacket() *psbt.Packet {
	tx := wire.NewMsgTx(txVersion)
	outpoint := c.fundingOutpoint
	txIn := wire.NewTxIn(&outpoint, nil, nil)
	txIn.Sequence = c.params.refundDelay.Sequence()
	tx.AddTxIn(txIn)

	return c.newSpendPacket(tx)
}

// VerifyRefund checks a payer-signed refund PSBT before broadcast: the single
// input spends the funding output with the channel's witness data, its
// sequence satisfies the refund delay, and the payer's SIGHASH_ALL signature
// is valid. Finalizing a refund does not require this.
func (c *Channel) VerifyRefund(p *psbt.Packet) error {
	if err := c.verifyRefund(p); err != nil {
		c.log.Debug("Refund rejected", "reason", err)
		return err
	}

	c.log.Debug("Refund verified", "delay", c.params.refundDelay)

	return nil
}

func (c *Channel) verifyRefund(p *psbt.Packet) error {
	if p == nil || p.UnsignedTx == nil {
		return ErrMissingInput
	}

	txIn, err := c.checkSpendInput(p)
	if err != nil {
		return err
	}

	if p.UnsignedTx.Version < txVersion ||
		!sequenceSatisfies(txIn.Sequence, c.params.refundDelay) {

		return ErrRefundNotTimelocked
	}

	return c.checkPayerSignature(p)
}

// sequenceSatisfies reports whether an input sequence meets the relative
// lock OP_CHECKSEQUENCEVERIFY enforces for delay.
func sequenceSatisfies(sequence uint32, delay RefundDelay) bool {
	if sequence&wire.SequenceLockTimeDisabled != 0 {
		return false
	}
	got := RefundDelayFromSequence(sequence)
	if got.IsSeconds() != delay.IsSeconds() {
		return false
	}
	return got.Value() >= delay.Value()
}

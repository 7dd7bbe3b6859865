package channel

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// PaymentInfo summarises a verified payment so the caller can inspect it
// before applying it.
type PaymentInfo struct {
	// Total is the cumulative amount paid to the payee after this payment.
	Total btcutil.Amount

	// Current is the amount transferred by this payment alone.
	Current btcutil.Amount

	// Fee is what the payer leaves to miners: capacity minus all outputs.
	Fee btcutil.Amount
}

// NextPayment builds the unsigned PSBT for the next payment of amount with
// the given fee.
//
// The transaction spends the funding output with sequence MAX and locktime
// 0, and has two outputs:
//  1. the payee's cumulative total (amount + sent) to the payee's P2WPKH
//  2. the remainder (capacity - amount - sent - fee) to the payer's P2WPKH
//
// Input 0 carries the funding output as witness UTXO and the spending script
// as witness script. The channel is not modified.
func (c *Channel) NextPayment(amount, fee btcutil.Amount) (*psbt.Packet, error) {
	if amount < 0 || fee < 0 || amount > btcutil.MaxSatoshi || fee > btcutil.MaxSatoshi {
		return nil, ErrInvalidAmount
	}

	capacity := c.params.capacity
	required := amount + c.sent + fee
	if required > capacity {
		return nil, &ExceedsCapacityError{
			Available: capacity,
			Required:  required,
		}
	}

	tx := wire.NewMsgTx(txVersion)
	outpoint := c.fundingOutpoint
	txIn := wire.NewTxIn(&outpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(amount+c.sent), c.params.PayeePkScript()))
	tx.AddTxOut(wire.NewTxOut(int64(capacity-required), c.params.PayerPkScript()))

	packet := c.newSpendPacket(tx)

	c.log.Debug("Payment built", "amount", amount, "fee", fee,
		"total", amount+c.sent)

	return packet, nil
}

// ApplyPayment verifies p and, on success, advances sent to the verified
// total. On failure the channel is left untouched and the verification error
// is returned unchanged.
func (c *Channel) ApplyPayment(p *psbt.Packet) (*PaymentInfo, error) {
	info, err := c.VerifyPayment(p)
	if err != nil {
		return nil, err
	}

	c.sent = info.Total
	c.log.Debug("Payment applied", "total", info.Total, "current", info.Current)

	return info, nil
}

// newSpendPacket wraps an unsigned transaction spending the funding output
// and attaches the signing context for input 0.
func (c *Channel) newSpendPacket(tx *wire.MsgTx) *psbt.Packet {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		panic(fmt.Sprintf("spend packet: unsigned template rejected: %v", err))
	}

	packet.Inputs[0].WitnessUtxo = c.FundingOutput()
	packet.Inputs[0].WitnessScript = c.params.SpendingScript()

	return packet
}

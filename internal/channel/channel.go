package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/klingon-exchange/spill/pkg/logging"
)

// Channel is one party's view of an open channel session: the shared terms,
// the accepted funding output and the cumulative amount paid so far.
//
// A Channel is not safe for concurrent mutation. VerifyPayment only reads and
// may run concurrently, but callers must hold exclusive access across a
// VerifyPayment/ApplyPayment sequence; two artifacts verified against the
// same sent amount cannot both be applied.
type Channel struct {
	params          *Params
	fundingOutpoint wire.OutPoint
	fundingOutput   wire.TxOut

	// sent is the cumulative amount paid to the payee. It starts at zero,
	// only increases and never exceeds the capacity.
	sent btcutil.Amount

	id  uuid.UUID
	log *logging.Logger
}

// VerifyFunding checks a transaction the counterparty claims funds the
// channel and, if it does, opens a Channel on the claimed output.
//
// Checks, in order:
//   - the transaction id equals outpoint.Hash (ErrTxidMismatch)
//   - output outpoint.Index exists (ErrOutputNotFound)
//   - its value equals the capacity exactly (ErrValueMismatch)
//   - its script is P2WSH of the spending script (ErrScriptMismatch)
func (p *Params) VerifyFunding(tx *wire.MsgTx, outpoint wire.OutPoint) (*Channel, error) {
	txid := tx.TxHash()
	if txid != outpoint.Hash {
		p.log.Debug("Funding rejected", "reason", ErrTxidMismatch.Reason,
			"txid", txid, "claimed", outpoint.Hash)
		return nil, ErrTxidMismatch
	}

	if uint64(outpoint.Index) >= uint64(len(tx.TxOut)) {
		p.log.Debug("Funding rejected", "reason", ErrOutputNotFound.Reason,
			"outpoint", outpoint)
		return nil, ErrOutputNotFound
	}
	output := tx.TxOut[outpoint.Index]

	if err := p.checkFundingOutput(output); err != nil {
		p.log.Debug("Funding rejected", "reason", err, "outpoint", outpoint)
		return nil, err
	}

	id := uuid.New()
	ch := &Channel{
		params:          p,
		fundingOutpoint: outpoint,
		fundingOutput: wire.TxOut{
			Value:    output.Value,
			PkScript: append([]byte(nil), output.PkScript...),
		},
		id:  id,
		log: p.log.Session(id.String()),
	}

	ch.log.Debug("Funding verified", "outpoint", outpoint, "capacity", p.capacity)

	return ch, nil
}

// Params returns the shared channel terms.
func (c *Channel) Params() *Params {
	return c.params
}

// FundingOutpoint returns the accepted funding outpoint.
func (c *Channel) FundingOutpoint() wire.OutPoint {
	return c.fundingOutpoint
}

// FundingOutput returns a copy of the observed funding output.
func (c *Channel) FundingOutput() *wire.TxOut {
	return wire.NewTxOut(c.fundingOutput.Value,
		append([]byte(nil), c.fundingOutput.PkScript...))
}

// Sent returns the cumulative amount paid to the payee.
func (c *Channel) Sent() btcutil.Amount {
	return c.sent
}

// Remaining returns the capacity not yet paid to the payee, before fees.
func (c *Channel) Remaining() btcutil.Amount {
	return c.params.capacity - c.sent
}

// SessionID identifies this channel session in logs.
func (c *Channel) SessionID() string {
	return c.id.String()
}

// Package channel implements the protocol core of a unidirectional
// (Spillman) Bitcoin payment channel.
//
// Both parties agree on Params, the payer funds a P2WSH output locked to the
// channel's spending script, and the payee verifies it to obtain a Channel.
// The payer then sends a growing sequence of signed payment PSBTs which the
// payee verifies and applies. The channel settles on-chain once, either via
// the latest payment (2-of-2 branch) or via the payer's refund after the
// relative timelock (CSV branch).
//
// The package never touches the network, disk or key material. Every
// operation is synchronous and CPU bound.
package channel

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/spill/pkg/logging"
)

// txVersion is the version of every template; BIP68 relative locktimes
// require at least 2.
const txVersion = 2

// Params are the agreed channel terms. A Params value is immutable once
// built and is shared by pointer by every Channel derived from it.
type Params struct {
	payer       []byte
	payee       []byte
	payerKey    *btcec.PublicKey
	payeeKey    *btcec.PublicKey
	capacity    btcutil.Amount
	refundDelay RefundDelay

	script        []byte
	pkScript      []byte
	payerPkScript []byte
	payeePkScript []byte

	verifier SigVerifier
	log      *logging.Logger
}

// Option customises Params.
type Option func(*Params)

// WithSigVerifier replaces the default btcd based signature capability.
func WithSigVerifier(v SigVerifier) Option {
	return func(p *Params) {
		p.verifier = v
	}
}

// WithLogger sets the logger used by the channel and its sessions.
func WithLogger(l *logging.Logger) Option {
	return func(p *Params) {
		p.log = l
	}
}

// NewParams validates the channel terms and derives the spending script.
//
// Parameters:
//   - payer, payee: 33-byte compressed SEC public keys
//   - capacity: value of the funding output
//   - delay: relative timelock of the refund branch
func NewParams(payer, payee []byte, capacity btcutil.Amount, delay RefundDelay,
	opts ...Option) (*Params, error) {

	if capacity <= 0 || capacity > btcutil.MaxSatoshi {
		return nil, ErrInvalidCapacity
	}

	payerKey, err := parseCompressedKey(payer)
	if err != nil {
		return nil, err
	}
	payeeKey, err := parseCompressedKey(payee)
	if err != nil {
		return nil, err
	}

	if !delay.Valid() {
		return nil, ErrInvalidRefundDelay
	}

	p := &Params{
		payer:       append([]byte(nil), payer...),
		payee:       append([]byte(nil), payee...),
		payerKey:    payerKey,
		payeeKey:    payeeKey,
		capacity:    capacity,
		refundDelay: delay,
		verifier:    ECDSAVerifier{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.GetDefault().Component("channel")
	}

	p.script, err = BuildSpendingScript(p.payer, p.payee, delay)
	if err != nil {
		return nil, fmt.Errorf("failed to build spending script: %w", err)
	}
	p.pkScript = P2WSHScript(p.script)
	p.payerPkScript = P2WPKHScript(p.payer)
	p.payeePkScript = P2WPKHScript(p.payee)

	return p, nil
}

// parseCompressedKey accepts only the 33-byte compressed SEC encoding.
func parseCompressedKey(key []byte) (*btcec.PublicKey, error) {
	if len(key) != btcec.PubKeyBytesLenCompressed {
		return nil, ErrUncompressedKey
	}
	if key[0] != 0x02 && key[0] != 0x03 {
		return nil, ErrUncompressedKey
	}
	pub, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// PayerPubKey returns the payer's compressed public key.
func (p *Params) PayerPubKey() []byte {
	return append([]byte(nil), p.payer...)
}

// PayeePubKey returns the payee's compressed public key.
func (p *Params) PayeePubKey() []byte {
	return append([]byte(nil), p.payee...)
}

// Capacity returns the channel capacity.
func (p *Params) Capacity() btcutil.Amount {
	return p.capacity
}

// RefundDelay returns the refund branch timelock.
func (p *Params) RefundDelay() RefundDelay {
	return p.refundDelay
}

// SpendingScript returns a copy of the witness script.
func (p *Params) SpendingScript() []byte {
	return append([]byte(nil), p.script...)
}

// FundingPkScript returns the P2WSH scriptPubKey of the funding output.
func (p *Params) FundingPkScript() []byte {
	return append([]byte(nil), p.pkScript...)
}

// PayeePkScript returns the P2WPKH script payments are made to.
func (p *Params) PayeePkScript() []byte {
	return append([]byte(nil), p.payeePkScript...)
}

// PayerPkScript returns the P2WPKH script change is returned to.
func (p *Params) PayerPkScript() []byte {
	return append([]byte(nil), p.payerPkScript...)
}

// FundingAddress returns the bech32 P2WSH address of the funding output.
func (p *Params) FundingAddress(net *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.NewAddressWitnessScriptHash(p.pkScript[2:], net)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr, nil
}

// FundingPacket returns the unsigned funding template: version 2, locktime
// 0, no inputs and a single output paying the capacity to the spending
// script. The caller's wallet adds inputs and change and signs it.
func (p *Params) FundingPacket() *psbt.Packet {
	tx := wire.NewMsgTx(txVersion)
	tx.AddTxOut(wire.NewTxOut(int64(p.capacity), p.FundingPkScript()))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		panic(fmt.Sprintf("funding packet: unsigned template rejected: %v", err))
	}
	packet.Outputs[0].WitnessScript = p.SpendingScript()

	return packet
}

// checkFundingOutput requires out to pay exactly the capacity to the
// spending script.
func (p *Params) checkFundingOutput(out *wire.TxOut) error {
	if btcutil.Amount(out.Value) != p.capacity {
		return ErrValueMismatch
	}
	if !bytes.Equal(out.PkScript, p.pkScript) {
		return ErrScriptMismatch
	}
	return nil
}

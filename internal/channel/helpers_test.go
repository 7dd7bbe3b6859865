package channel

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/spill/pkg/logging"
)

const (
	testCapacity = btcutil.Amount(100_000_000)
	testDelay    = RefundDelay(6)
)

// testKey returns a deterministic private key filled with seed.
func testKey(seed byte) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return key
}

func pubKeyBytes(key *btcec.PrivateKey) []byte {
	return key.PubKey().SerializeCompressed()
}

// testSetup is a funded channel seen from one side.
type testSetup struct {
	payer   *btcec.PrivateKey
	payee   *btcec.PrivateKey
	params  *Params
	funding *wire.MsgTx
	ch      *Channel
}

func newTestParams(t *testing.T, opts ...Option) (*Params, *btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()

	payer, payee := testKey(0x11), testKey(0x22)
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)

	params, err := NewParams(pubKeyBytes(payer), pubKeyBytes(payee), testCapacity, testDelay, opts...)
	if err != nil {
		t.Fatalf("NewParams() error = %v", err)
	}
	return params, payer, payee
}

// fundingTx pays the capacity to the channel from an arbitrary coin.
func fundingTx(params *Params) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(params.Capacity()), params.FundingPkScript()))
	tx.AddTxOut(wire.NewTxOut(50_000, params.PayerPkScript()))
	return tx
}

func newTestSetup(t *testing.T, opts ...Option) *testSetup {
	t.Helper()

	params, payer, payee := newTestParams(t, opts...)
	funding := fundingTx(params)

	ch, err := params.VerifyFunding(funding, wire.OutPoint{Hash: funding.TxHash(), Index: 0})
	if err != nil {
		t.Fatalf("VerifyFunding() error = %v", err)
	}

	return &testSetup{
		payer:   payer,
		payee:   payee,
		params:  params,
		funding: funding,
		ch:      ch,
	}
}

// sign adds key's signature over input 0 with the given sighash type.
func sign(t *testing.T, p *psbt.Packet, key *btcec.PrivateKey, hashType txscript.SigHashType) {
	t.Helper()

	in := &p.Inputs[0]
	fetcher := txscript.NewCannedPrevOutputFetcher(in.WitnessUtxo.PkScript, in.WitnessUtxo.Value)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	sig, err := txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, 0,
		in.WitnessUtxo.Value, in.WitnessScript, hashType, key)
	if err != nil {
		t.Fatalf("RawTxInWitnessSignature() error = %v", err)
	}

	in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
		PubKey:    pubKeyBytes(key),
		Signature: sig,
	})
}

// signOver adds key's SIGHASH_ALL signature over input 0 computed for script
// and amount, leaving the packet's witness script and UTXO untouched.
func signOver(t *testing.T, p *psbt.Packet, key *btcec.PrivateKey, script []byte, amount btcutil.Amount) {
	t.Helper()

	fetcher := txscript.NewCannedPrevOutputFetcher(P2WSHScript(script), int64(amount))
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	sig, err := txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, 0,
		int64(amount), script, txscript.SigHashAll, key)
	if err != nil {
		t.Fatalf("RawTxInWitnessSignature() error = %v", err)
	}

	p.Inputs[0].PartialSigs = append(p.Inputs[0].PartialSigs, &psbt.PartialSig{
		PubKey:    pubKeyBytes(key),
		Signature: sig,
	})
}

// signedPayment builds and payer-signs the next payment.
func (s *testSetup) signedPayment(t *testing.T, amount, fee btcutil.Amount) *psbt.Packet {
	t.Helper()

	p, err := s.ch.NextPayment(amount, fee)
	if err != nil {
		t.Fatalf("NextPayment(%v, %v) error = %v", amount, fee, err)
	}
	sign(t, p, s.payer, txscript.SigHashAll)
	return p
}

// signedRefund builds a payer-signed refund paying capacity - fee back to
// the payer.
func (s *testSetup) signedRefund(t *testing.T, fee btcutil.Amount) *psbt.Packet {
	t.Helper()

	p := s.ch.RefundPacket()
	p.UnsignedTx.AddTxOut(wire.NewTxOut(int64(testCapacity-fee), s.params.PayerPkScript()))
	p.Outputs = append(p.Outputs, psbt.POutput{})
	sign(t, p, s.payer, txscript.SigHashAll)
	return p
}

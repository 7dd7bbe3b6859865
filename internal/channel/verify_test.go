package channel

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func TestVerifyPayment(t *testing.T) {
	tests := []struct {
		name    string
		build   func(t *testing.T, s *testSetup) *psbt.Packet
		wantErr error
	}{
		{
			name: "valid",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				return s.signedPayment(t, 1000, 1000)
			},
		},
		{
			name: "nil packet",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				return nil
			},
			wantErr: ErrMissingInput,
		},
		{
			name: "no inputs",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.UnsignedTx.TxIn = nil
				p.Inputs = nil
				return p
			},
			wantErr: ErrMissingInput,
		},
		{
			name: "two inputs",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.UnsignedTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x02}}, nil, nil))
				p.Inputs = append(p.Inputs, psbt.PInput{})
				return p
			},
			wantErr: ErrMultipleInputs,
		},
		{
			name: "wrong outpoint",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.UnsignedTx.TxIn[0].PreviousOutPoint.Index = 1
				return p
			},
			wantErr: ErrFundingOutpointMismatch,
		},
		{
			name: "missing witness utxo",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].WitnessUtxo = nil
				return p
			},
			wantErr: ErrMissingWitnessUtxo,
		},
		{
			name: "witness utxo value differs",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].WitnessUtxo.Value++
				return p
			},
			wantErr: ErrWitnessUtxoMismatch,
		},
		{
			name: "witness utxo script differs",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].WitnessUtxo.PkScript = s.params.PayerPkScript()
				return p
			},
			wantErr: ErrWitnessUtxoMismatch,
		},
		{
			name: "missing witness script",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].WitnessScript = nil
				return p
			},
			wantErr: ErrMissingWitnessScript,
		},
		{
			name: "witness script differs",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].WitnessScript = []byte{txscript.OP_TRUE}
				return p
			},
			wantErr: ErrWitnessScriptMismatch,
		},
		{
			name: "sequence not final",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrInvalidSequence,
		},
		{
			name: "non-zero locktime",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.LockTime = 1
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrNonZeroLocktime,
		},
		{
			name: "no payee output",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.TxOut = p.UnsignedTx.TxOut[1:]
				p.Outputs = p.Outputs[1:]
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrMissingPayeeOutput,
		},
		{
			name: "zero payment",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				return s.signedPayment(t, 0, 1000)
			},
			wantErr: ErrPaymentNotIncremental,
		},
		{
			name: "outputs exceed capacity",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.TxOut[1].Value += 1001
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrOutputsExceedFundingAmount,
		},
		{
			name: "extra output overflows",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.AddTxOut(wire.NewTxOut(int64(btcutil.MaxSatoshi), s.params.PayerPkScript()))
				p.Outputs = append(p.Outputs, psbt.POutput{})
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrOutputsExceedFundingAmount,
		},
		{
			name: "negative output",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.UnsignedTx.TxOut[1].Value = -1
				sign(t, p, s.payer, txscript.SigHashAll)
				return p
			},
			wantErr: ErrOutputsExceedFundingAmount,
		},
		{
			name: "unsigned",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				return p
			},
			wantErr: ErrMissingSignature,
		},
		{
			name: "only payee signed",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				sign(t, p, s.payee, txscript.SigHashAll)
				return p
			},
			wantErr: ErrMissingSignature,
		},
		{
			name: "sighash all anyonecanpay",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				sign(t, p, s.payer, txscript.SigHashAll|txscript.SigHashAnyOneCanPay)
				return p
			},
			wantErr: ErrInvalidSighash,
		},
		{
			name: "sighash none",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				sign(t, p, s.payer, txscript.SigHashNone)
				return p
			},
			wantErr: ErrInvalidSighash,
		},
		{
			name: "sighash single",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				sign(t, p, s.payer, txscript.SigHashSingle)
				return p
			},
			wantErr: ErrInvalidSighash,
		},
		{
			name: "signature too short",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.Inputs[0].PartialSigs = []*psbt.PartialSig{{
					PubKey:    s.params.PayerPubKey(),
					Signature: []byte{0x01},
				}}
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature not DER",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				p.Inputs[0].PartialSigs = []*psbt.PartialSig{{
					PubKey:    s.params.PayerPubKey(),
					Signature: []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
				}}
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature bit flip",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.Inputs[0].PartialSigs[0].Signature[10] ^= 0x01
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signed by another key",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				sign(t, p, s.payee, txscript.SigHashAll)
				p.Inputs[0].PartialSigs[0].PubKey = s.params.PayerPubKey()
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "modified after signing",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				p.UnsignedTx.TxOut[1].Value--
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature commits to a different value",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				signOver(t, p, s.payer, s.params.SpendingScript(), testCapacity-1)
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signature commits to a bit flipped script",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p, _ := s.ch.NextPayment(1000, 1000)
				script := s.params.SpendingScript()
				script[len(script)-2] ^= 0x01
				signOver(t, p, s.payer, script, testCapacity)
				return p
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "high S signature",
			build: func(t *testing.T, s *testSetup) *psbt.Packet {
				p := s.signedPayment(t, 1000, 1000)
				sig := p.Inputs[0].PartialSigs[0].Signature
				p.Inputs[0].PartialSigs[0].Signature = highS(t, sig)
				return p
			},
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSetup(t)
			p := tt.build(t, s)

			info, err := s.ch.VerifyPayment(p)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("VerifyPayment() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, KindPayment) {
					t.Errorf("VerifyPayment() error kind = %v, want payment", err)
				}
				if info != nil {
					t.Error("VerifyPayment() returned info on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyPayment() unexpected error = %v", err)
			}
			if info.Total != 1000 {
				t.Errorf("Total = %v, want 1000", info.Total)
			}
			if s.ch.Sent() != 0 {
				t.Error("VerifyPayment() modified the channel")
			}
		})
	}
}

func TestVerifyPaymentPayeeOutputAnywhere(t *testing.T) {
	s := newTestSetup(t)

	p, _ := s.ch.NextPayment(3000, 1000)
	tx := p.UnsignedTx
	tx.TxOut[0], tx.TxOut[1] = tx.TxOut[1], tx.TxOut[0]
	sign(t, p, s.payer, txscript.SigHashAll)

	info, err := s.ch.VerifyPayment(p)
	if err != nil {
		t.Fatalf("VerifyPayment() error = %v", err)
	}
	if info.Total != 3000 || info.Fee != 1000 {
		t.Errorf("info = %+v, want total 3000 fee 1000", info)
	}
}

func TestAcceptedSigHash(t *testing.T) {
	tests := []struct {
		hashType txscript.SigHashType
		want     bool
	}{
		{txscript.SigHashAll, true},
		{txscript.SigHashNone, false},
		{txscript.SigHashSingle, false},
		{txscript.SigHashAll | txscript.SigHashAnyOneCanPay, false},
		{txscript.SigHashNone | txscript.SigHashAnyOneCanPay, false},
		{txscript.SigHashSingle | txscript.SigHashAnyOneCanPay, false},
		{txscript.SigHashOld, false},
		{txscript.SigHashDefault, false},
		{0x04, false},
		{0xff, false},
	}

	for _, tt := range tests {
		if got := acceptedSigHash(tt.hashType); got != tt.want {
			t.Errorf("acceptedSigHash(%#x) = %v, want %v", uint32(tt.hashType), got, tt.want)
		}
	}
}

// stubVerifier accepts every signature and records what it was asked.
type stubVerifier struct {
	script   []byte
	amount   btcutil.Amount
	hashType txscript.SigHashType
	calls    int
}

func (v *stubVerifier) WitnessSigHash(tx *wire.MsgTx, idx int, witnessScript []byte,
	amount btcutil.Amount, hashType txscript.SigHashType) ([]byte, error) {

	v.script = witnessScript
	v.amount = amount
	v.hashType = hashType
	return make([]byte, 32), nil
}

func (v *stubVerifier) VerifySignature(hash, der []byte, pubKey *btcec.PublicKey) bool {
	v.calls++
	return true
}

func TestVerifyPaymentUsesSigVerifier(t *testing.T) {
	stub := &stubVerifier{}
	s := newTestSetup(t, WithSigVerifier(stub))

	p, err := s.ch.NextPayment(1000, 1000)
	if err != nil {
		t.Fatalf("NextPayment() error = %v", err)
	}
	p.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    s.params.PayerPubKey(),
		Signature: []byte{0x30, 0x00, byte(txscript.SigHashAll)},
	}}

	if _, err := s.ch.VerifyPayment(p); err != nil {
		t.Fatalf("VerifyPayment() error = %v", err)
	}

	if stub.calls != 1 {
		t.Errorf("VerifySignature calls = %d, want 1", stub.calls)
	}
	if string(stub.script) != string(s.params.SpendingScript()) {
		t.Error("sighash not computed over the spending script")
	}
	if stub.amount != testCapacity {
		t.Errorf("sighash amount = %v, want %v", stub.amount, testCapacity)
	}
	if stub.hashType != txscript.SigHashAll {
		t.Errorf("sighash type = %v, want ALL", stub.hashType)
	}
}

// highS re-encodes a DER signature with S replaced by N - S.
func highS(t *testing.T, sig []byte) []byte {
	t.Helper()

	der, hashType := sig[:len(sig)-1], sig[len(sig)-1]
	rLen := int(der[3])
	r := der[4 : 4+rLen]
	sLen := int(der[5+rLen])
	s := new(btcec.ModNScalar)
	var sBuf [32]byte
	copy(sBuf[32-len(trimZero(der[6+rLen:6+rLen+sLen])):], trimZero(der[6+rLen:6+rLen+sLen]))
	s.SetBytes(&sBuf)
	s.Negate()
	if !s.IsOverHalfOrder() {
		t.Fatal("negated S is not high")
	}

	sBytes := s.Bytes()
	sEnc := canonicalInt(sBytes[:])

	out := []byte{0x30, byte(4 + len(r) + len(sEnc)), 0x02, byte(len(r))}
	out = append(out, r...)
	out = append(out, 0x02, byte(len(sEnc)))
	out = append(out, sEnc...)
	return append(out, hashType)
}

func trimZero(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// canonicalInt encodes a positive big-endian integer as a DER INTEGER body.
func canonicalInt(b []byte) []byte {
	b = trimZero(b)
	if b[0]&0x80 != 0 {
		return append([]byte{0x00}, b...)
	}
	return b
}

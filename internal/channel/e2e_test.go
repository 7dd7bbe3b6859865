package channel

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// executeSpend runs the script engine over input 0 of tx spending the
// channel's funding output.
func executeSpend(s *testSetup, tx *wire.MsgTx) error {
	prevOut := s.ch.FundingOutput()
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)

	vm, err := txscript.NewEngine(prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestPaymentSpendsFundingOutput(t *testing.T) {
	s := newTestSetup(t)

	if _, err := s.ch.ApplyPayment(s.signedPayment(t, 1000, 1000)); err != nil {
		t.Fatalf("ApplyPayment(first) error = %v", err)
	}
	p := s.signedPayment(t, 4000, 1000)
	if _, err := s.ch.ApplyPayment(p); err != nil {
		t.Fatalf("ApplyPayment(second) error = %v", err)
	}

	sign(t, p, s.payee, txscript.SigHashAll)
	if _, err := s.ch.FinalizePayment(p); err != nil {
		t.Fatalf("FinalizePayment() error = %v", err)
	}
	tx, err := ExtractFinal(p)
	if err != nil {
		t.Fatalf("ExtractFinal() error = %v", err)
	}

	if err := executeSpend(s, tx); err != nil {
		t.Fatalf("payment transaction rejected by script engine: %v", err)
	}

	if tx.TxOut[0].Value != 5000 {
		t.Errorf("payee receives %d, want 5000", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != int64(testCapacity-6000) {
		t.Errorf("payer receives %d, want %d", tx.TxOut[1].Value, testCapacity-6000)
	}
}

func TestRefundSpendsFundingOutput(t *testing.T) {
	s := newTestSetup(t)

	p := s.signedRefund(t, 1000)
	if err := s.ch.VerifyRefund(p); err != nil {
		t.Fatalf("VerifyRefund() error = %v", err)
	}
	if _, err := s.ch.FinalizeRefund(p); err != nil {
		t.Fatalf("FinalizeRefund() error = %v", err)
	}
	tx, err := ExtractFinal(p)
	if err != nil {
		t.Fatalf("ExtractFinal() error = %v", err)
	}

	if err := executeSpend(s, tx); err != nil {
		t.Fatalf("refund transaction rejected by script engine: %v", err)
	}
}

func TestScriptEngineRejects(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, s *testSetup) *wire.MsgTx
	}{
		{
			name: "refund before delay",
			build: func(t *testing.T, s *testSetup) *wire.MsgTx {
				p := s.ch.RefundPacket()
				p.UnsignedTx.TxIn[0].Sequence = 5
				return finalizedRefund(t, s, p)
			},
		},
		{
			name: "refund with disabled sequence",
			build: func(t *testing.T, s *testSetup) *wire.MsgTx {
				p := s.ch.RefundPacket()
				p.UnsignedTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum
				return finalizedRefund(t, s, p)
			},
		},
		{
			name: "payment signed by payer only",
			build: func(t *testing.T, s *testSetup) *wire.MsgTx {
				p := s.signedPayment(t, 1000, 1000)
				sign(t, p, s.payer, txscript.SigHashAll)
				p.Inputs[0].PartialSigs[1].PubKey = s.params.PayeePubKey()
				if _, err := s.ch.FinalizePayment(p); err != nil {
					t.Fatalf("FinalizePayment() error = %v", err)
				}
				tx, _ := ExtractFinal(p)
				return tx
			},
		},
		{
			name: "refund branch signed by payee",
			build: func(t *testing.T, s *testSetup) *wire.MsgTx {
				p := s.ch.RefundPacket()
				p.UnsignedTx.AddTxOut(wire.NewTxOut(int64(testCapacity-1000), s.params.PayeePkScript()))
				p.Outputs = append(p.Outputs, psbt.POutput{})
				sign(t, p, s.payee, txscript.SigHashAll)
				p.Inputs[0].PartialSigs[0].PubKey = s.params.PayerPubKey()
				if _, err := s.ch.FinalizeRefund(p); err != nil {
					t.Fatalf("FinalizeRefund() error = %v", err)
				}
				tx, _ := ExtractFinal(p)
				return tx
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSetup(t)
			if err := executeSpend(s, tt.build(t, s)); err == nil {
				t.Error("script engine accepted the spend")
			}
		})
	}
}

func finalizedRefund(t *testing.T, s *testSetup, p *psbt.Packet) *wire.MsgTx {
	t.Helper()

	p.UnsignedTx.AddTxOut(wire.NewTxOut(int64(testCapacity-1000), s.params.PayerPkScript()))
	p.Outputs = append(p.Outputs, psbt.POutput{})
	sign(t, p, s.payer, txscript.SigHashAll)

	if _, err := s.ch.FinalizeRefund(p); err != nil {
		t.Fatalf("FinalizeRefund() error = %v", err)
	}
	tx, err := ExtractFinal(p)
	if err != nil {
		t.Fatalf("ExtractFinal() error = %v", err)
	}
	return tx
}

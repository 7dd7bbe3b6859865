package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingWitnessUtxo = errors.New("input has no witness utxo")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDustOutput         = errors.New("output would be dust")
)

// SignInput adds key's SIGHASH_ALL signature for input idx as a partial
// signature. P2WSH inputs are signed over their attached witness script,
// P2WPKH inputs over their own output script.
func SignInput(p *psbt.Packet, idx int, key *KeyPair) error {
	if idx < 0 || idx >= len(p.Inputs) || idx >= len(p.UnsignedTx.TxIn) {
		return fmt.Errorf("input %d out of range", idx)
	}
	in := &p.Inputs[idx]
	if in.WitnessUtxo == nil {
		return ErrMissingWitnessUtxo
	}

	fetcher, err := prevOutFetcher(p)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	subScript := in.WitnessScript
	if subScript == nil {
		subScript = in.WitnessUtxo.PkScript
	}

	sig, err := txscript.RawTxInWitnessSignature(
		p.UnsignedTx, sigHashes, idx, in.WitnessUtxo.Value, subScript,
		txscript.SigHashAll, key.PrivKey,
	)
	if err != nil {
		return fmt.Errorf("failed to sign input %d: %w", idx, err)
	}

	updater, err := psbt.NewUpdater(p)
	if err != nil {
		return fmt.Errorf("failed to create updater: %w", err)
	}

	outcome, err := updater.Sign(idx, sig, key.SerializedPubKey(), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to add signature to input %d: %w", idx, err)
	}
	if outcome != psbt.SignSuccesful {
		return fmt.Errorf("input %d is already finalized", idx)
	}

	return nil
}

// SignChannelInput signs the single channel input of a payment or refund
// PSBT.
func SignChannelInput(p *psbt.Packet, key *KeyPair) error {
	return SignInput(p, 0, key)
}

// AddFundingInput completes a funding template with one P2WPKH coin. What
// the coin holds beyond the template's outputs and fee goes back to change,
// unless that would be dust, in which case it is left to miners.
func AddFundingInput(p *psbt.Packet, outpoint wire.OutPoint, coin *wire.TxOut,
	change []byte, fee btcutil.Amount) error {

	var outputs int64
	for _, out := range p.UnsignedTx.TxOut {
		outputs += out.Value
	}

	remaining := coin.Value - outputs - int64(fee)
	if fee < 0 || remaining < 0 {
		return fmt.Errorf("%w: coin %v, outputs %v, fee %v", ErrInsufficientFunds,
			btcutil.Amount(coin.Value), btcutil.Amount(outputs), fee)
	}

	txIn := wire.NewTxIn(&outpoint, nil, nil)
	p.UnsignedTx.AddTxIn(txIn)
	p.Inputs = append(p.Inputs, psbt.PInput{
		WitnessUtxo: wire.NewTxOut(coin.Value, coin.PkScript),
	})

	changeOut := wire.NewTxOut(remaining, change)
	if !mempool.IsDust(changeOut, mempool.DefaultMinRelayTxFee) {
		p.UnsignedTx.AddTxOut(changeOut)
		p.Outputs = append(p.Outputs, psbt.POutput{})
	}

	return nil
}

// AddRefundOutput completes a refund template by sending the channel value
// minus fee to pkScript.
func AddRefundOutput(p *psbt.Packet, pkScript []byte, fee btcutil.Amount) error {
	if len(p.Inputs) == 0 || p.Inputs[0].WitnessUtxo == nil {
		return ErrMissingWitnessUtxo
	}

	out := wire.NewTxOut(p.Inputs[0].WitnessUtxo.Value-int64(fee), pkScript)
	if fee < 0 || out.Value < 0 {
		return fmt.Errorf("%w: fee %v exceeds channel value", ErrInsufficientFunds, fee)
	}
	if mempool.IsDust(out, mempool.DefaultMinRelayTxFee) {
		return ErrDustOutput
	}

	p.UnsignedTx.AddTxOut(out)
	p.Outputs = append(p.Outputs, psbt.POutput{})

	return nil
}

// FinalizeAll finalizes every input with the standard finalizers and
// extracts the network transaction.
func FinalizeAll(p *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(p); err != nil {
		return nil, fmt.Errorf("failed to finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(p)
	if err != nil {
		return nil, fmt.Errorf("failed to extract transaction: %w", err)
	}

	return tx, nil
}

func prevOutFetcher(p *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range p.UnsignedTx.TxIn {
		if i >= len(p.Inputs) || p.Inputs[i].WitnessUtxo == nil {
			return nil, fmt.Errorf("input %d: %w", i, ErrMissingWitnessUtxo)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, p.Inputs[i].WitnessUtxo)
	}
	return fetcher, nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/chain"
	"github.com/klingon-exchange/spill/internal/channel"
	"github.com/klingon-exchange/spill/internal/config"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/helpers"
	"github.com/klingon-exchange/spill/pkg/logging"
)

// passwordEnv names the environment variable holding the seed file password.
const passwordEnv = "SPILL_WALLET_PASSWORD"

var errCoinNotPayer = errors.New("funding coin does not pay the payer's key")

// fundingCoin is the payer's P2WPKH coin spent by the funding transaction.
type fundingCoin struct {
	Outpoint wire.OutPoint
	Output   *wire.TxOut

	// Synthetic coins exist only for offline runs and cannot be broadcast.
	Synthetic bool
}

// session is the outcome of one channel lifecycle.
type session struct {
	journal *journal

	Coin    fundingCoin
	Funding *wire.MsgTx
	Payment *wire.MsgTx
	Refund  *wire.MsgTx

	// Channel is the view after the last payment: the payee's in local
	// runs, the payer's when the payee is remote.
	Channel *channel.Channel

	// LastPayment is the base64 PSBT the payee received last.
	LastPayment string
}

// journal records a session in the store. A nil store records nothing.
type journal struct {
	store *storage.Storage
	id    string
}

func (j *journal) open(network string, p *channel.Params, fundingAddr string, outpoint wire.OutPoint, id string) error {
	if j == nil || j.store == nil {
		return nil
	}
	j.id = id
	err := j.store.CreateSession(&storage.Session{
		ID:             id,
		Network:        network,
		PayerPubKey:    helpers.BytesToHex(p.PayerPubKey()),
		PayeePubKey:    helpers.BytesToHex(p.PayeePubKey()),
		Capacity:       int64(p.Capacity()),
		RefundSequence: p.RefundDelay().Sequence(),
		FundingAddress: fundingAddr,
	})
	if err != nil {
		return err
	}
	return j.store.SetSessionFunding(id, outpoint.Hash.String(), outpoint.Index)
}

func (j *journal) payment(info *channel.PaymentInfo, encoded string) error {
	if j == nil || j.store == nil {
		return nil
	}
	return j.store.RecordPayment(&storage.Payment{
		SessionID: j.id,
		Amount:    int64(info.Current),
		Total:     int64(info.Total),
		Fee:       int64(info.Fee),
		PSBT:      encoded,
	})
}

func (j *journal) transaction(kind storage.TxKind, tx *wire.MsgTx) error {
	if j == nil || j.store == nil {
		return nil
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	return j.store.SaveTransaction(&storage.Transaction{
		TxID:      tx.TxHash().String(),
		SessionID: j.id,
		Kind:      kind,
		Raw:       raw,
	})
}

func (j *journal) state(state storage.SessionState, sent btcutil.Amount) error {
	if j == nil || j.store == nil {
		return nil
	}
	return j.store.UpdateSessionState(j.id, state, int64(sent))
}

func (j *journal) broadcast(txid string) error {
	if j == nil || j.store == nil {
		return nil
	}
	return j.store.MarkBroadcast(txid)
}

// loadKey resolves a party's signing key from the config, generating a
// throwaway mnemonic when none is configured.
func loadKey(cfg *config.Config, role string, wc config.WalletConfig,
	params *chain.Params, log *logging.Logger) (*wallet.KeyPair, error) {

	mnemonic := wc.Mnemonic
	switch {
	case wc.SeedFile != "":
		var err error
		mnemonic, err = wallet.LoadMnemonic(cfg.SeedPath(wc), os.Getenv(passwordEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s seed: %w", role, err)
		}

	case mnemonic == "":
		var err error
		mnemonic, err = wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		log.Warn("No wallet configured, generated a throwaway mnemonic", "role", role)
	}

	w, err := wallet.NewFromMnemonic(mnemonic, "", params)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s wallet: %w", role, err)
	}

	key, err := w.ReceiveKey(wc.Account, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", role, err)
	}

	addr, _ := key.Address()
	log.Info("Wallet ready", "role", role, "address", addr,
		"path", params.DerivationPathString(wc.Account, 0, 0))

	return key, nil
}

// resolveCoin fetches the configured funding outpoint from b, or makes up a
// coin of the configured value when no outpoint is set.
func resolveCoin(ctx context.Context, cfg *config.Config, b backend.Backend,
	payer *wallet.KeyPair) (fundingCoin, error) {

	outpoint, err := cfg.FundingOutpoint()
	if err != nil {
		return fundingCoin{}, err
	}

	if outpoint == nil {
		value, err := cfg.FundingCoin()
		if err != nil {
			return fundingCoin{}, err
		}
		return fundingCoin{
			Outpoint:  wire.OutPoint{Hash: chainhash.DoubleHashH(payer.SerializedPubKey())},
			Output:    wire.NewTxOut(int64(value), payer.PkScript()),
			Synthetic: true,
		}, nil
	}

	out, err := backend.FetchOutput(ctx, b, *outpoint)
	if err != nil {
		return fundingCoin{}, fmt.Errorf("failed to fetch funding coin %s: %w", outpoint, err)
	}
	if !bytes.Equal(out.PkScript, payer.PkScript()) {
		return fundingCoin{}, fmt.Errorf("%w: %s", errCoinNotPayer, outpoint)
	}

	return fundingCoin{Outpoint: *outpoint, Output: out}, nil
}

// fundedChannel is a signed funding transaction and the terms it commits
// to.
type fundedChannel struct {
	Params   *channel.Params
	Address  btcutil.Address
	Tx       *wire.MsgTx
	Outpoint wire.OutPoint
}

// fundChannel agrees the configured terms with payeeKey and signs a funding
// transaction spending coin.
func fundChannel(cfg *config.Config, params *chain.Params, coin fundingCoin,
	payer *wallet.KeyPair, payeeKey []byte, log *logging.Logger) (*fundedChannel, error) {

	capacity, err := cfg.Capacity()
	if err != nil {
		return nil, err
	}

	chParams, err := channel.NewParams(
		payer.SerializedPubKey(), payeeKey, capacity,
		channel.RefundDelayBlocks(cfg.Channel.RefundDelayBlocks),
		channel.WithLogger(log.Component("channel")),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid channel terms: %w", err)
	}

	fundingAddr, err := chParams.FundingAddress(params.ChainParams)
	if err != nil {
		return nil, err
	}
	log.Info("Channel terms agreed", "capacity", helpers.SatoshisToBTC(capacity),
		"refund_delay", chParams.RefundDelay(), "funding_address", fundingAddr)

	// Payer: fund from a single P2WPKH coin.
	fundingFee, err := cfg.FundingFee()
	if err != nil {
		return nil, err
	}

	fundingPkt := chParams.FundingPacket()
	if err := wallet.AddFundingInput(fundingPkt, coin.Outpoint, coin.Output, payer.PkScript(), fundingFee); err != nil {
		return nil, fmt.Errorf("failed to fund channel: %w", err)
	}
	if err := wallet.SignInput(fundingPkt, 0, payer); err != nil {
		return nil, err
	}
	fundingTx, err := wallet.FinalizeAll(fundingPkt)
	if err != nil {
		return nil, err
	}
	outpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}
	log.Info("Funding transaction signed", "txid", outpoint.Hash)

	return &fundedChannel{
		Params:   chParams,
		Address:  fundingAddr,
		Tx:       fundingTx,
		Outpoint: outpoint,
	}, nil
}

// runSession plays both parties through a full channel: fund, pay the
// configured schedule, settle the last payment and build the refund that
// would apply had the payee never settled.
func runSession(cfg *config.Config, coin fundingCoin, payer, payee *wallet.KeyPair,
	store *storage.Storage, log *logging.Logger) (*session, error) {

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	payments, err := cfg.Payments()
	if err != nil {
		return nil, err
	}

	funded, err := fundChannel(cfg, params, coin, payer, payee.SerializedPubKey(), log)
	if err != nil {
		return nil, err
	}
	chParams, fundingTx, outpoint := funded.Params, funded.Tx, funded.Outpoint

	// Both parties check the funding transaction independently.
	payerCh, err := chParams.VerifyFunding(fundingTx, outpoint)
	if err != nil {
		return nil, fmt.Errorf("payer rejected funding: %w", err)
	}
	payeeCh, err := chParams.VerifyFunding(fundingTx, outpoint)
	if err != nil {
		return nil, fmt.Errorf("payee rejected funding: %w", err)
	}

	j := &journal{store: store}
	if err := j.open(string(params.Network), chParams, funded.Address.EncodeAddress(), outpoint, payeeCh.SessionID()); err != nil {
		return nil, fmt.Errorf("failed to journal session: %w", err)
	}
	if err := j.transaction(storage.TxKindFunding, fundingTx); err != nil {
		return nil, fmt.Errorf("failed to journal funding: %w", err)
	}

	var last *psbt.Packet
	var lastEncoded string
	for i, pay := range payments {
		pkt, err := payerCh.NextPayment(pay.Amount, pay.Fee)
		if err != nil {
			return nil, fmt.Errorf("payment %d: %w", i, err)
		}
		if err := wallet.SignChannelInput(pkt, payer); err != nil {
			return nil, fmt.Errorf("payment %d: %w", i, err)
		}

		encoded, err := channel.EncodePacket(pkt)
		if err != nil {
			return nil, err
		}

		received, err := channel.DecodePacket(encoded)
		if err != nil {
			return nil, err
		}
		info, err := payeeCh.ApplyPayment(received)
		if err != nil {
			return nil, fmt.Errorf("payee rejected payment %d: %w", i, err)
		}
		if _, err := payerCh.ApplyPayment(pkt); err != nil {
			return nil, fmt.Errorf("payment %d: %w", i, err)
		}

		if err := j.payment(info, encoded); err != nil {
			return nil, fmt.Errorf("failed to journal payment %d: %w", i, err)
		}

		log.Info("Payment accepted", "n", i+1,
			"amount", helpers.SatoshisToBTC(info.Current),
			"total", helpers.SatoshisToBTC(info.Total),
			"fee", helpers.SatoshisToBTC(info.Fee))

		last, lastEncoded = received, encoded
	}

	// Payee: countersign and settle the latest payment.
	if err := wallet.SignChannelInput(last, payee); err != nil {
		return nil, fmt.Errorf("failed to countersign payment: %w", err)
	}
	if _, err := payeeCh.FinalizePayment(last); err != nil {
		return nil, err
	}
	paymentTx, err := channel.ExtractFinal(last)
	if err != nil {
		return nil, err
	}
	log.Info("Payment transaction finalized", "txid", paymentTx.TxHash(),
		"paid", helpers.SatoshisToBTC(payeeCh.Sent()))

	// Payer: the timelocked refund.
	refundTx, err := buildRefund(cfg, params, payerCh, payer)
	if err != nil {
		return nil, err
	}
	log.Info("Refund transaction finalized", "txid", refundTx.TxHash(),
		"valid_after", payerCh.Params().RefundDelay())

	if err := j.transaction(storage.TxKindPayment, paymentTx); err != nil {
		return nil, fmt.Errorf("failed to journal payment transaction: %w", err)
	}
	if err := j.transaction(storage.TxKindRefund, refundTx); err != nil {
		return nil, fmt.Errorf("failed to journal refund: %w", err)
	}
	if err := j.state(storage.SessionStateSettled, payeeCh.Sent()); err != nil {
		return nil, fmt.Errorf("failed to journal settlement: %w", err)
	}

	return &session{
		journal:     j,
		Coin:        coin,
		Funding:     fundingTx,
		Payment:     paymentTx,
		Refund:      refundTx,
		Channel:     payeeCh,
		LastPayment: lastEncoded,
	}, nil
}

// publish broadcasts the funding and payment transactions and logs when the
// refund would become valid.
func publish(ctx context.Context, b backend.Backend, s *session, log *logging.Logger) error {
	if s.Coin.Synthetic {
		return errors.New("cannot broadcast a channel funded by a synthetic coin")
	}

	for _, t := range []struct {
		name string
		tx   *wire.MsgTx
	}{
		{"funding", s.Funding},
		{"payment", s.Payment},
	} {
		txid, err := backend.Broadcast(ctx, b, t.tx)
		if err != nil {
			return fmt.Errorf("failed to broadcast %s transaction: %w", t.name, err)
		}
		log.Info("Transaction broadcast", "name", t.name, "txid", txid)
		if err := s.journal.broadcast(txid); err != nil {
			log.Warn("Failed to journal broadcast", "txid", txid, "error", err)
		}
	}
	if err := s.journal.state(storage.SessionStateBroadcast, s.Channel.Sent()); err != nil {
		log.Warn("Failed to journal broadcast", "error", err)
	}

	status, err := b.GetTxStatus(ctx, s.Funding.TxHash().String())
	if err != nil {
		log.Warn("Could not check funding confirmation", "error", err)
		return nil
	}
	delay := s.Channel.Params().RefundDelay()
	if height, ok := backend.RefundHeight(status, delay); ok {
		log.Info("Refund valid from block", "height", height)
	} else {
		log.Info("Refund valid once funding has aged", "delay", delay, "confirmed", status.Confirmed)
	}

	return nil
}

func buildRefund(cfg *config.Config, params *chain.Params, ch *channel.Channel,
	payer *wallet.KeyPair) (*wire.MsgTx, error) {

	dest := payer.PkScript()
	if cfg.Refund.Address != "" {
		var err error
		dest, err = params.AddressScript(cfg.Refund.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid refund address: %w", err)
		}
	}
	fee, err := cfg.RefundFee()
	if err != nil {
		return nil, err
	}

	pkt := ch.RefundPacket()
	if err := wallet.AddRefundOutput(pkt, dest, fee); err != nil {
		return nil, fmt.Errorf("failed to complete refund: %w", err)
	}
	if err := wallet.SignChannelInput(pkt, payer); err != nil {
		return nil, err
	}
	if err := ch.VerifyRefund(pkt); err != nil {
		return nil, err
	}
	if _, err := ch.FinalizeRefund(pkt); err != nil {
		return nil, err
	}

	return channel.ExtractFinal(pkt)
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return helpers.BytesToHex(buf.Bytes()), nil
}

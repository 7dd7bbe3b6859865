package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/channel"
	"github.com/klingon-exchange/spill/internal/config"
	"github.com/klingon-exchange/spill/internal/rpc"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/helpers"
	"github.com/klingon-exchange/spill/pkg/logging"
)

var (
	errPayeeNetwork    = errors.New("payee daemon runs on a different network")
	errPayeeDisagrees  = errors.New("payee reported a different payment total")
	errSettlementSpend = errors.New("settlement does not spend the channel")
)

// runRemoteSession plays the payer against a payee daemon: fund a channel
// to the daemon's key, send the configured payments, ask the daemon to
// settle and build the refund.
func runRemoteSession(ctx context.Context, cfg *config.Config, coin fundingCoin,
	payer *wallet.KeyPair, client *rpc.Client, store *storage.Storage,
	log *logging.Logger) (*session, error) {

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	payments, err := cfg.Payments()
	if err != nil {
		return nil, err
	}

	info, err := client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reach payee: %w", err)
	}
	if info.Network != string(params.Network) {
		return nil, fmt.Errorf("%w: %s", errPayeeNetwork, info.Network)
	}
	payeeKey, err := helpers.HexToBytes(info.PayeePubKey)
	if err != nil {
		return nil, fmt.Errorf("payee key: %w", err)
	}
	log.Info("Payee reached", "pubkey", helpers.Shorten(info.PayeePubKey, 8),
		"version", info.Version)

	funded, err := fundChannel(cfg, params, coin, payer, payeeKey, log)
	if err != nil {
		return nil, err
	}
	payerCh, err := funded.Params.VerifyFunding(funded.Tx, funded.Outpoint)
	if err != nil {
		return nil, fmt.Errorf("payer rejected funding: %w", err)
	}

	fundingHex, err := serializeTx(funded.Tx)
	if err != nil {
		return nil, err
	}
	opened, err := client.Open(ctx, &rpc.OpenParams{
		PayerPubKey:    helpers.BytesToHex(payer.SerializedPubKey()),
		Capacity:       int64(funded.Params.Capacity()),
		RefundSequence: funded.Params.RefundDelay().Sequence(),
		FundingTx:      fundingHex,
		FundingVout:    funded.Outpoint.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("payee rejected channel: %w", err)
	}
	log.Info("Channel opened", "session", payerCh.SessionID(), "payee_session", opened.SessionID)

	j := &journal{store: store}
	if err := j.open(string(params.Network), funded.Params, funded.Address.EncodeAddress(),
		funded.Outpoint, payerCh.SessionID()); err != nil {
		return nil, fmt.Errorf("failed to journal session: %w", err)
	}
	if err := j.transaction(storage.TxKindFunding, funded.Tx); err != nil {
		return nil, fmt.Errorf("failed to journal funding: %w", err)
	}

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

		res, err := client.Pay(ctx, opened.SessionID, encoded)
		if err != nil {
			return nil, fmt.Errorf("payee rejected payment %d: %w", i, err)
		}
		payInfo, err := payerCh.ApplyPayment(pkt)
		if err != nil {
			return nil, fmt.Errorf("payment %d: %w", i, err)
		}
		if res.Total != int64(payInfo.Total) {
			return nil, fmt.Errorf("%w: %d, sent %d", errPayeeDisagrees, res.Total, payInfo.Total)
		}

		if err := j.payment(payInfo, encoded); err != nil {
			return nil, fmt.Errorf("failed to journal payment %d: %w", i, err)
		}

		log.Info("Payment accepted", "n", res.Seq,
			"amount", helpers.SatoshisToBTC(payInfo.Current),
			"total", helpers.SatoshisToBTC(payInfo.Total),
			"fee", helpers.SatoshisToBTC(payInfo.Fee))

		lastEncoded = encoded
	}

	closed, err := client.Close(ctx, opened.SessionID, false)
	if err != nil {
		return nil, fmt.Errorf("payee failed to settle: %w", err)
	}
	paymentTx, err := checkSettlement(closed, payerCh)
	if err != nil {
		return nil, err
	}
	log.Info("Payment transaction settled by payee", "txid", closed.TxID,
		"paid", helpers.SatoshisToBTC(btcutil.Amount(closed.Paid)))

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
	if err := j.state(storage.SessionStateSettled, payerCh.Sent()); err != nil {
		return nil, fmt.Errorf("failed to journal settlement: %w", err)
	}

	return &session{
		journal:     j,
		Coin:        coin,
		Funding:     funded.Tx,
		Payment:     paymentTx,
		Refund:      refundTx,
		Channel:     payerCh,
		LastPayment: lastEncoded,
	}, nil
}

// checkSettlement decodes the payee's settlement and requires it to spend
// the funding output and pay the payee exactly what was sent.
func checkSettlement(closed *rpc.CloseResult, ch *channel.Channel) (*wire.MsgTx, error) {
	raw, err := helpers.HexToBytes(closed.Tx)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode settlement: %w", err)
	}

	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint != ch.FundingOutpoint() {
		return nil, errSettlementSpend
	}
	if closed.Paid != int64(ch.Sent()) {
		return nil, fmt.Errorf("%w: settled %d, sent %d", errPayeeDisagrees, closed.Paid, ch.Sent())
	}
	if len(tx.TxOut) == 0 || tx.TxOut[0].Value != int64(ch.Sent()) ||
		!bytes.Equal(tx.TxOut[0].PkScript, ch.Params().PayeePkScript()) {
		return nil, fmt.Errorf("%w: payee output", errSettlementSpend)
	}

	return tx, nil
}

// serve runs the payee daemon until ctx is done.
func serve(ctx context.Context, cfg *config.Config, payee *wallet.KeyPair,
	store *storage.Storage, b backend.Backend, log *logging.Logger) error {

	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	maxCapacity, err := cfg.MaxChannelCapacity()
	if err != nil {
		return err
	}

	srv := rpc.NewServer(&rpc.Config{
		Network: params,
		Key:     payee,
		Store:   store,
		Backend: b,
		Policy: rpc.Policy{
			MinRefundDelay: cfg.RPC.MinRefundDelayBlocks,
			MaxCapacity:    int64(maxCapacity),
		},
		Log: log,
	})
	if err := srv.Start(cfg.RPC.Listen); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return srv.Stop()
}

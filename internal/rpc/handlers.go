package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/channel"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

var (
	errInvalidParams   = errors.New("invalid params")
	errPolicy          = errors.New("channel refused by payee policy")
	errUnknownSession  = errors.New("unknown session")
	errChannelClosed   = errors.New("channel already closed")
	errNoPayment       = errors.New("channel has no payment to settle")
	errNoBroadcastPath = errors.New("no backend configured for broadcast")
	errFundingInUse    = errors.New("funding output already backs a channel")
)

// openChannel is the payee's state for one session. mu serializes the
// verify-and-apply of payments and the final settlement.
type openChannel struct {
	mu sync.Mutex

	ch       *channel.Channel
	opened   time.Time
	payments int

	// last is the latest accepted payment, base64 PSBT with the payer's
	// signature.
	last string

	closed *CloseResult
}

// ========================================
// Params and results
// ========================================

// OpenParams proposes a channel to the payee. Amounts are satoshis.
type OpenParams struct {
	PayerPubKey    string `json:"payer_pubkey"`
	Capacity       int64  `json:"capacity"`
	RefundSequence uint32 `json:"refund_sequence"`
	FundingTx      string `json:"funding_tx"`
	FundingVout    uint32 `json:"funding_vout"`
}

// OpenResult is the response for channel_open.
type OpenResult struct {
	SessionID      string `json:"session_id"`
	FundingAddress string `json:"funding_address"`
	FundingTxID    string `json:"funding_txid"`
	Capacity       int64  `json:"capacity"`
	RefundDelay    string `json:"refund_delay"`
}

// PayParams carries one signed payment.
type PayParams struct {
	SessionID string `json:"session_id"`
	PSBT      string `json:"psbt"`
}

// PayResult is the response for channel_pay.
type PayResult struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Amount    int64  `json:"amount"`
	Total     int64  `json:"total"`
	Fee       int64  `json:"fee"`
	Remaining int64  `json:"remaining"`
}

// SessionParams names a session.
type SessionParams struct {
	SessionID string `json:"session_id"`
}

// CloseParams asks the payee to settle the latest payment.
type CloseParams struct {
	SessionID string `json:"session_id"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// CloseResult is the response for channel_close.
type CloseResult struct {
	SessionID string `json:"session_id"`
	TxID      string `json:"txid"`
	Tx        string `json:"tx"`
	Paid      int64  `json:"paid"`
	Broadcast bool   `json:"broadcast"`
}

// InfoResult is the response for channel_info.
type InfoResult struct {
	Network        string `json:"network"`
	PayeePubKey    string `json:"payee_pubkey"`
	PayeeAddress   string `json:"payee_address"`
	MinRefundDelay uint16 `json:"min_refund_delay"`
	MaxCapacity    int64  `json:"max_capacity,omitempty"`
	Channels       int    `json:"channels"`
	WSClients      int    `json:"ws_clients"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
}

// StatusResult describes one session.
type StatusResult struct {
	SessionID       string `json:"session_id"`
	FundingOutpoint string `json:"funding_outpoint"`
	Capacity        int64  `json:"capacity"`
	Sent            int64  `json:"sent"`
	Remaining       int64  `json:"remaining"`
	RefundDelay     string `json:"refund_delay"`
	Payments        int    `json:"payments"`
	State           string `json:"state"`
	CloseTxID       string `json:"close_txid,omitempty"`
}

// ========================================
// Handlers
// ========================================

func (s *Server) channelInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addr, err := s.key.Address()
	if err != nil {
		return nil, err
	}

	s.channelsMu.RLock()
	channels := len(s.channels)
	s.channelsMu.RUnlock()

	return &InfoResult{
		Network:        string(s.network.Network),
		PayeePubKey:    helpers.BytesToHex(s.key.SerializedPubKey()),
		PayeeAddress:   addr,
		MinRefundDelay: s.policy.MinRefundDelay,
		MaxCapacity:    s.policy.MaxCapacity,
		Channels:       channels,
		WSClients:      s.wsHub.ClientCount(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		Version:        Version,
	}, nil
}

func (s *Server) channelOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OpenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	payer, err := helpers.HexToBytes(p.PayerPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: payer_pubkey: %v", errInvalidParams, err)
	}
	tx, err := decodeTx(p.FundingTx)
	if err != nil {
		return nil, fmt.Errorf("%w: funding_tx: %v", errInvalidParams, err)
	}

	delay := channel.RefundDelayFromSequence(p.RefundSequence)
	if delayBlocks(delay) < uint32(s.policy.MinRefundDelay) {
		return nil, fmt.Errorf("%w: refund delay %s is below %d blocks",
			errPolicy, delay, s.policy.MinRefundDelay)
	}
	if s.policy.MaxCapacity > 0 && p.Capacity > s.policy.MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d above %d",
			errPolicy, p.Capacity, s.policy.MaxCapacity)
	}

	chParams, err := channel.NewParams(payer, s.key.SerializedPubKey(),
		btcutil.Amount(p.Capacity), delay, channel.WithLogger(s.log.Component("channel")))
	if err != nil {
		return nil, err
	}

	outpoint := wire.OutPoint{Hash: tx.TxHash(), Index: p.FundingVout}
	ch, err := chParams.VerifyFunding(tx, outpoint)
	if err != nil {
		return nil, err
	}

	addr, err := chParams.FundingAddress(s.network.ChainParams)
	if err != nil {
		return nil, err
	}

	id := ch.SessionID()
	s.channelsMu.Lock()
	if other, ok := s.funding[outpoint]; ok {
		s.channelsMu.Unlock()
		return nil, fmt.Errorf("%w: %v already backs session %s", errFundingInUse, outpoint, other)
	}
	s.funding[outpoint] = id
	s.channels[id] = &openChannel{ch: ch, opened: time.Now()}
	s.channelsMu.Unlock()

	s.record("open", func(st *storage.Storage) error {
		err := st.CreateSession(&storage.Session{
			ID:             id,
			Network:        string(s.network.Network),
			PayerPubKey:    helpers.BytesToHex(chParams.PayerPubKey()),
			PayeePubKey:    helpers.BytesToHex(chParams.PayeePubKey()),
			Capacity:       p.Capacity,
			RefundSequence: delay.Sequence(),
			FundingAddress: addr.EncodeAddress(),
		})
		if err != nil {
			return err
		}
		if err := st.SetSessionFunding(id, outpoint.Hash.String(), outpoint.Index); err != nil {
			return err
		}
		return st.SaveTransaction(&storage.Transaction{
			TxID:      outpoint.Hash.String(),
			SessionID: id,
			Kind:      storage.TxKindFunding,
			Raw:       helpers.BytesToHex(mustSerialize(tx)),
		})
	})

	result := &OpenResult{
		SessionID:      id,
		FundingAddress: addr.EncodeAddress(),
		FundingTxID:    outpoint.Hash.String(),
		Capacity:       p.Capacity,
		RefundDelay:    delay.String(),
	}

	s.log.Info("Channel opened", "session", id, "capacity", helpers.SatoshisToBTC(chParams.Capacity()),
		"refund_delay", delay, "funding", outpoint)
	s.wsHub.Broadcast(EventChannelOpened, id, result)

	return result, nil
}

func (s *Server) channelPay(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PayParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PSBT == "" {
		return nil, fmt.Errorf("%w: psbt is required", errInvalidParams)
	}

	oc, err := s.getChannel(p.SessionID)
	if err != nil {
		return nil, err
	}

	pkt, err := channel.DecodePacket(p.PSBT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.closed != nil {
		return nil, errChannelClosed
	}

	info, err := oc.ch.ApplyPayment(pkt)
	if err != nil {
		return nil, err
	}
	oc.last = p.PSBT
	oc.payments++

	s.record("payment", func(st *storage.Storage) error {
		return st.RecordPayment(&storage.Payment{
			SessionID: p.SessionID,
			Amount:    int64(info.Current),
			Total:     int64(info.Total),
			Fee:       int64(info.Fee),
			PSBT:      p.PSBT,
		})
	})

	result := &PayResult{
		SessionID: p.SessionID,
		Seq:       oc.payments,
		Amount:    int64(info.Current),
		Total:     int64(info.Total),
		Fee:       int64(info.Fee),
		Remaining: int64(oc.ch.Remaining()),
	}

	s.log.Info("Payment received", "session", p.SessionID,
		"amount", helpers.SatoshisToBTC(info.Current),
		"total", helpers.SatoshisToBTC(info.Total))
	s.wsHub.Broadcast(EventPaymentReceived, p.SessionID, result)

	return result, nil
}

func (s *Server) channelStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	oc, err := s.getChannel(p.SessionID)
	if err != nil {
		return nil, err
	}

	return oc.status(), nil
}

func (s *Server) channelList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	s.channelsMu.RLock()
	channels := make([]*openChannel, 0, len(s.channels))
	for _, oc := range s.channels {
		channels = append(channels, oc)
	}
	s.channelsMu.RUnlock()

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].opened.Before(channels[j].opened)
	})

	result := make([]*StatusResult, 0, len(channels))
	for _, oc := range channels {
		result = append(result, oc.status())
	}
	return result, nil
}

// channelClose countersigns and finalizes the latest payment. Closing twice
// returns the same transaction; asking again with broadcast set retries a
// failed broadcast.
func (s *Server) channelClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Broadcast && s.backend == nil {
		return nil, fmt.Errorf("%w: %w", errInvalidParams, errNoBroadcastPath)
	}

	oc, err := s.getChannel(p.SessionID)
	if err != nil {
		return nil, err
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.closed == nil {
		result, tx, err := s.settle(p.SessionID, oc)
		if err != nil {
			return nil, err
		}
		oc.closed = result

		s.record("settlement", func(st *storage.Storage) error {
			err := st.SaveTransaction(&storage.Transaction{
				TxID:      result.TxID,
				SessionID: p.SessionID,
				Kind:      storage.TxKindPayment,
				Raw:       result.Tx,
			})
			if err != nil {
				return err
			}
			return st.UpdateSessionState(p.SessionID, storage.SessionStateSettled, result.Paid)
		})

		s.log.Info("Channel closed", "session", p.SessionID, "txid", tx.TxHash(),
			"paid", helpers.SatoshisToBTC(oc.ch.Sent()))
		s.wsHub.Broadcast(EventChannelClosed, p.SessionID, result)
	}

	if p.Broadcast && !oc.closed.Broadcast {
		tx, err := decodeTx(oc.closed.Tx)
		if err != nil {
			return nil, err
		}
		txid, err := backend.Broadcast(ctx, s.backend, tx)
		if err != nil {
			return nil, fmt.Errorf("failed to broadcast payment: %w", err)
		}
		oc.closed.Broadcast = true

		s.record("broadcast", func(st *storage.Storage) error {
			if err := st.MarkBroadcast(txid); err != nil {
				return err
			}
			return st.UpdateSessionState(p.SessionID, storage.SessionStateBroadcast, oc.closed.Paid)
		})
		s.log.Info("Payment broadcast", "session", p.SessionID, "txid", txid)
	}

	result := *oc.closed
	return &result, nil
}

// settle countersigns a copy of the latest payment and extracts the final
// transaction. oc.mu must be held.
func (s *Server) settle(id string, oc *openChannel) (*CloseResult, *wire.MsgTx, error) {
	if oc.last == "" {
		return nil, nil, errNoPayment
	}

	pkt, err := channel.DecodePacket(oc.last)
	if err != nil {
		return nil, nil, err
	}
	if err := wallet.SignChannelInput(pkt, s.key); err != nil {
		return nil, nil, fmt.Errorf("failed to countersign payment: %w", err)
	}
	if _, err := oc.ch.FinalizePayment(pkt); err != nil {
		return nil, nil, err
	}
	tx, err := channel.ExtractFinal(pkt)
	if err != nil {
		return nil, nil, err
	}

	return &CloseResult{
		SessionID: id,
		TxID:      tx.TxHash().String(),
		Tx:        helpers.BytesToHex(mustSerialize(tx)),
		Paid:      int64(oc.ch.Sent()),
	}, tx, nil
}

// ========================================
// Helpers
// ========================================

func (s *Server) getChannel(id string) (*openChannel, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session_id is required", errInvalidParams)
	}

	s.channelsMu.RLock()
	oc, ok := s.channels[id]
	s.channelsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownSession, id)
	}
	return oc, nil
}

// record writes to the journal when one is configured. Journal failures are
// logged and otherwise ignored.
func (s *Server) record(what string, fn func(*storage.Storage) error) {
	if s.store == nil {
		return
	}
	if err := fn(s.store); err != nil {
		s.log.Warn("Failed to journal "+what, "error", err)
	}
}

func (oc *openChannel) status() *StatusResult {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	params := oc.ch.Params()
	result := &StatusResult{
		SessionID:       oc.ch.SessionID(),
		FundingOutpoint: oc.ch.FundingOutpoint().String(),
		Capacity:        int64(params.Capacity()),
		Sent:            int64(oc.ch.Sent()),
		Remaining:       int64(oc.ch.Remaining()),
		RefundDelay:     params.RefundDelay().String(),
		Payments:        oc.payments,
		State:           string(storage.SessionStateFunded),
	}
	if oc.closed != nil {
		result.State = string(storage.SessionStateSettled)
		if oc.closed.Broadcast {
			result.State = string(storage.SessionStateBroadcast)
		}
		result.CloseTxID = oc.closed.TxID
	}
	return result
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing params", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// delayBlocks converts a refund delay to blocks, counting a time based delay
// as one block per ten minutes, rounded down.
func delayBlocks(d channel.RefundDelay) uint32 {
	if d.IsSeconds() {
		return uint32(d.Value()) * 512 / 600
	}
	return uint32(d.Value())
}

func decodeTx(s string) (*wire.MsgTx, error) {
	raw, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &tx, nil
}

func mustSerialize(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("serialize transaction: %v", err))
	}
	return buf.Bytes()
}

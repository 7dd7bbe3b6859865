// Package backend provides chain access for the channel's transactions:
// fetching the coin that funds a channel, checking confirmations and
// broadcasting. It never handles private keys; signing happens in the wallet
// package.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/chain"
	"github.com/klingon-exchange/spill/internal/channel"
	"github.com/klingon-exchange/spill/pkg/helpers"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
	ErrNoBackendURL       = errors.New("no backend URL configured for network")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
	TypeJSONRPC Type = "jsonrpc" // Bitcoin Core RPC
)

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora, jsonrpc).
	Type() Type

	// Connect checks the backend is reachable.
	Connect(ctx context.Context) error

	// Close releases the backend.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	// Transaction operations
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// Block operations
	GetBlockHeight(ctx context.Context) (int64, error)

	// Fee estimation
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type `yaml:"type"`

	// URL overrides the network's default API endpoint. Required for
	// regtest and for jsonrpc.
	URL string `yaml:"url,omitempty"`

	// For JSON-RPC (direct node)
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// Timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultURL returns the public mempool.space endpoint for a network, or ""
// when there is none.
func DefaultURL(network chain.Network) string {
	switch network {
	case chain.Mainnet:
		return "https://mempool.space/api"
	case chain.Testnet:
		return "https://mempool.space/testnet/api"
	case chain.Signet:
		return "https://mempool.space/signet/api"
	default:
		return ""
	}
}

// New creates the backend described by cfg for network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.URL
	if url == "" && cfg.Type != TypeJSONRPC {
		url = DefaultURL(network)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoBackendURL, network)
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		b := NewMempoolBackend(url)
		b.httpClient.Timeout = timeout
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(url)
		b.httpClient.Timeout = timeout
		return b, nil
	case TypeJSONRPC:
		b := NewJSONRPCBackend(url, cfg.RPCUser, cfg.RPCPass)
		b.httpClient.Timeout = timeout
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// FetchTx downloads a transaction and checks it hashes to txid.
func FetchTx(ctx context.Context, b Backend, txid chainhash.Hash) (*wire.MsgTx, error) {
	raw, err := b.GetRawTransaction(ctx, txid.String())
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	if tx.TxHash() != txid {
		return nil, fmt.Errorf("%w: backend returned %s for %s", ErrInvalidTx, tx.TxHash(), txid)
	}

	return tx, nil
}

// FetchOutput returns the output an outpoint refers to.
func FetchOutput(ctx context.Context, b Backend, outpoint wire.OutPoint) (*wire.TxOut, error) {
	tx, err := FetchTx(ctx, b, outpoint.Hash)
	if err != nil {
		return nil, err
	}
	if int(outpoint.Index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("%w: %s has no output %d", ErrInvalidTx, outpoint.Hash, outpoint.Index)
	}
	return tx.TxOut[outpoint.Index], nil
}

// Broadcast serializes and submits tx, returning the txid the backend
// reports.
func Broadcast(ctx context.Context, b Backend, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	txid, err := b.BroadcastTransaction(ctx, helpers.BytesToHex(buf.Bytes()))
	if err != nil {
		return "", err
	}
	if want := tx.TxHash().String(); txid != want {
		return "", fmt.Errorf("%w: backend reported txid %s, want %s", ErrBroadcastFailed, txid, want)
	}

	return txid, nil
}

// RefundHeight returns the first block height at which a refund of a
// funding transaction with the given status can be mined. It reports false
// while the funding transaction is unconfirmed and for time based delays,
// which depend on median time past rather than height.
func RefundHeight(status *TxStatus, delay channel.RefundDelay) (int64, bool) {
	if status == nil || !status.Confirmed || status.BlockHeight <= 0 || delay.IsSeconds() {
		return 0, false
	}
	return status.BlockHeight + int64(delay.Value()), true
}

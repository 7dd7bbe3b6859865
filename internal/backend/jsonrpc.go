package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/spill/pkg/helpers"
)

// Bitcoin Core RPC error codes the backend interprets.
const (
	rpcInvalidAddressOrKey  = -5 // also returned for unknown transactions
	rpcVerifyAlreadyInChain = -27
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// JSONRPCBackend implements Backend using JSON-RPC to a Bitcoin Core node.
// Lookups of confirmed transactions the node's wallet does not know about
// need -txindex.
type JSONRPCBackend struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
	requestID  atomic.Uint64
}

// NewJSONRPCBackend creates a new JSON-RPC backend.
func NewJSONRPCBackend(rpcURL, user, pass string) *JSONRPCBackend {
	return &JSONRPCBackend{
		rpcURL:  rpcURL,
		rpcUser: user,
		rpcPass: pass,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeJSONRPC.
func (j *JSONRPCBackend) Type() Type {
	return TypeJSONRPC
}

// Connect tests the connection with getblockchaininfo.
func (j *JSONRPCBackend) Connect(ctx context.Context) error {
	if _, err := j.call(ctx, "getblockchaininfo"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	j.mu.Lock()
	j.connected = true
	j.mu.Unlock()
	return nil
}

// Close marks the backend disconnected.
func (j *JSONRPCBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.connected = false
	return nil
}

// IsConnected returns true if connected.
func (j *JSONRPCBackend) IsConnected() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.connected
}

// GetRawTransaction returns the serialized transaction.
func (j *JSONRPCBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	result, err := j.call(ctx, "getrawtransaction", txID, false)
	if err != nil {
		return nil, err
	}

	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}

	raw, err := helpers.HexToBytes(hexStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return raw, nil
}

// GetTxStatus returns the confirmation status of a transaction. The node
// reports confirmations, so the block height is derived from the tip.
func (j *JSONRPCBackend) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	result, err := j.call(ctx, "getrawtransaction", txID, true)
	if err != nil {
		return nil, err
	}

	var tx struct {
		BlockHash     string `json:"blockhash"`
		Confirmations int64  `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, err
	}

	status := &TxStatus{BlockHash: tx.BlockHash}
	if tx.Confirmations <= 0 {
		return status, nil
	}

	tip, err := j.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	status.Confirmed = true
	status.BlockHeight = tip - tx.Confirmations + 1
	return status, nil
}

// BroadcastTransaction submits a raw transaction with sendrawtransaction.
func (j *JSONRPCBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := j.call(ctx, "sendrawtransaction", rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}

	return txID, nil
}

// GetBlockHeight returns the current block height.
func (j *JSONRPCBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := j.call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}

	return height, nil
}

// GetFeeEstimates queries estimatesmartfee for each confirmation target.
// Targets the node cannot estimate are left at zero.
func (j *JSONRPCBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	estimates := &FeeEstimate{MinimumFee: 1}

	for _, target := range []struct {
		blocks int
		field  *uint64
	}{
		{1, &estimates.FastestFee},
		{3, &estimates.HalfHourFee},
		{6, &estimates.HourFee},
		{144, &estimates.EconomyFee},
	} {
		result, err := j.call(ctx, "estimatesmartfee", target.blocks)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		var feeResult struct {
			FeeRate float64 `json:"feerate"`
		}
		if err := json.Unmarshal(result, &feeResult); err != nil || feeResult.FeeRate <= 0 {
			continue
		}

		// BTC/kvB to sat/vB
		perKvB, err := btcutil.NewAmount(feeResult.FeeRate)
		if err != nil {
			continue
		}
		*target.field = uint64(perKvB) / 1000
	}

	return estimates, nil
}

func (j *JSONRPCBackend) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := j.requestID.Add(1)

	if params == nil {
		params = []interface{}{}
	}
	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", j.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if j.rpcUser != "" {
		req.SetBasicAuth(j.rpcUser, j.rpcPass)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: unauthorized", ErrNotConnected)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Bitcoin Core answers RPC errors with a non-200 status and a JSON body.
	var response struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}

	if response.Error != nil {
		if response.Error.Code == rpcInvalidAddressOrKey {
			return nil, fmt.Errorf("%w: %w", ErrTxNotFound, response.Error)
		}
		return nil, response.Error
	}

	return response.Result, nil
}

// IsAlreadyInChain reports whether err is the node rejecting a broadcast of
// a transaction it has already confirmed.
func IsAlreadyInChain(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == rpcVerifyAlreadyInChain
}

// Ensure JSONRPCBackend implements Backend
var _ Backend = (*JSONRPCBackend)(nil)

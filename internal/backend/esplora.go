package backend

import (
	"context"
	"math"

	"github.com/klingon-exchange/spill/internal/chain"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info
// or a self-hosted electrs). The transaction and block endpoints match
// mempool.space; only fee estimation differs.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL),
	}
}

// BlockstreamURL returns the public blockstream.info endpoint for a network,
// or "" when there is none.
func BlockstreamURL(network chain.Network) string {
	switch network {
	case chain.Mainnet:
		return "https://blockstream.info/api"
	case chain.Testnet:
		return "https://blockstream.info/testnet/api"
	default:
		return ""
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's confirmation-target table onto FeeEstimate.
// Fractional rates are rounded up.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	rate := func(target string) uint64 {
		return uint64(math.Ceil(result[target]))
	}

	return &FeeEstimate{
		FastestFee:  rate("1"),   // 1 block
		HalfHourFee: rate("3"),   // ~30 min
		HourFee:     rate("6"),   // ~1 hour
		EconomyFee:  rate("144"), // ~1 day
		MinimumFee:  1,           // not reported by Esplora
	}, nil
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)

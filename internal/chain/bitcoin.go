package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:        Mainnet,
		Name:           "Bitcoin",
		CoinType:       0,
		DefaultPurpose: 84, // Native SegWit (bc1q...)
		Bech32HRP:      chaincfg.MainNetParams.Bech32HRPSegwit,
		ChainParams:    &chaincfg.MainNetParams,
	})

	// Every test network uses coin type 1.
	Register(&Params{
		Network:        Testnet,
		Name:           "Bitcoin Testnet",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      chaincfg.TestNet3Params.Bech32HRPSegwit,
		ChainParams:    &chaincfg.TestNet3Params,
	})

	Register(&Params{
		Network:        Signet,
		Name:           "Bitcoin Signet",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      chaincfg.SigNetParams.Bech32HRPSegwit,
		ChainParams:    &chaincfg.SigNetParams,
	})

	Register(&Params{
		Network:        Regtest,
		Name:           "Bitcoin Regtest",
		CoinType:       1,
		DefaultPurpose: 84,
		Bech32HRP:      chaincfg.RegressionNetParams.Bech32HRPSegwit,
		ChainParams:    &chaincfg.RegressionNetParams,
	})
}

// Package chain defines the Bitcoin networks the channel tooling runs on and
// the derivation and address conventions used on each of them.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Network names a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

var (
	ErrUnknownNetwork  = errors.New("unknown network")
	ErrWrongNetwork    = errors.New("address belongs to a different network")
	ErrNoScriptAddress = errors.New("script has no single address")
)

// Params contains the parameters of one network.
type Params struct {
	Network Network
	Name    string

	// BIP44 derivation
	CoinType       uint32 // 0 on mainnet, 1 on every test network
	DefaultPurpose uint32 // 84 for native SegWit

	Bech32HRP string

	// ChainParams are btcd's consensus and encoding parameters.
	ChainParams *chaincfg.Params
}

// DerivationPath returns the BIP84 derivation path for this network.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change (0=external, 1=internal)
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return "m/" +
		strconv.FormatUint(uint64(p.DefaultPurpose), 10) + "'/" +
		strconv.FormatUint(uint64(p.CoinType), 10) + "'/" +
		strconv.FormatUint(uint64(account), 10) + "'/" +
		strconv.FormatUint(uint64(change), 10) + "/" +
		strconv.FormatUint(uint64(index), 10)
}

// ScriptAddress renders a standard output script as an address.
func (p *Params) ScriptAddress(pkScript []byte) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, p.ChainParams)
	if err != nil {
		return "", fmt.Errorf("failed to parse script: %w", err)
	}
	if len(addrs) != 1 {
		return "", ErrNoScriptAddress
	}
	return addrs[0].EncodeAddress(), nil
}

// AddressScript decodes an address of this network into its output script.
func (p *Params) AddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, p.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !addr.IsForNet(p.ChainParams) {
		return nil, fmt.Errorf("%w: %s", ErrWrongNetwork, address)
	}
	return txscript.PayToAddrScript(addr)
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns the params of a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// ParseNetwork resolves a network name, accepting the common aliases used
// by bitcoind and btcd.
func ParseNetwork(name string) (*Params, error) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	switch n {
	case "main", "bitcoin":
		n = Mainnet
	case "test", "testnet3":
		n = Testnet
	case "simnet", "regression":
		n = Regtest
	}

	params, ok := Get(n)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return params, nil
}

// List returns all registered networks in name order.
func List() []Network {
	networks := make([]Network, 0, len(registry))
	for n := range registry {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

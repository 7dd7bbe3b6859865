// Package config loads the YAML configuration of the spill command line
// tool: the network, the channel terms, the two parties' wallets and the
// payments to run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/chain"
	"github.com/klingon-exchange/spill/pkg/helpers"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

var (
	ErrNoPayments       = errors.New("at least one payment is required")
	ErrNoRefundDelay    = errors.New("refund delay must be at least one block")
	ErrWalletSource     = errors.New("wallet takes either mnemonic or seed_file, not both")
	ErrMissingCapacity  = errors.New("channel capacity is required")
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrCoinBelowFunding = errors.New("funding coin does not cover capacity and fee")
)

// Config holds all configuration for a channel run.
type Config struct {
	// Network is one of mainnet, testnet, signet or regtest.
	Network string `yaml:"network"`

	// DataDir holds seed files and the session journal.
	DataDir string `yaml:"data_dir"`

	// Journal records every session in DataDir/spill.db.
	Journal bool `yaml:"journal"`

	Channel ChannelConfig `yaml:"channel"`
	Wallets WalletsConfig `yaml:"wallets"`
	Funding FundingConfig `yaml:"funding"`
	Refund  RefundConfig  `yaml:"refund"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`

	// Backend is the chain data source used to fetch the funding coin and
	// to broadcast.
	Backend backend.Config `yaml:"backend"`
}

// ChannelConfig holds the channel terms. Amounts are BTC strings.
type ChannelConfig struct {
	Capacity          string          `yaml:"capacity"`
	RefundDelayBlocks uint16          `yaml:"refund_delay_blocks"`
	Payments          []PaymentConfig `yaml:"payments"`
}

// PaymentConfig is one incremental payment and the fee of its transaction.
type PaymentConfig struct {
	Amount string `yaml:"amount"`
	Fee    string `yaml:"fee"`
}

// WalletsConfig holds the two parties' wallets.
type WalletsConfig struct {
	Payer WalletConfig `yaml:"payer"`
	Payee WalletConfig `yaml:"payee"`
}

// WalletConfig locates one party's keys. SeedFile is an encrypted mnemonic
// whose password is read from the environment. With neither set a fresh
// mnemonic is generated for the run.
type WalletConfig struct {
	Mnemonic string `yaml:"mnemonic,omitempty"`
	SeedFile string `yaml:"seed_file,omitempty"`
	Account  uint32 `yaml:"account"`
}

// FundingConfig describes the coin the payer funds the channel from.
type FundingConfig struct {
	// Outpoint ("txid:vout") of a confirmed coin paying the payer's
	// address. It is fetched from the backend. Without it a synthetic coin
	// of CoinValue is used and nothing can be broadcast.
	Outpoint string `yaml:"outpoint,omitempty"`

	// CoinValue is the value of the synthetic P2WPKH coin.
	CoinValue string `yaml:"coin_value"`
	Fee       string `yaml:"fee"`
}

// RefundConfig holds refund settings.
type RefundConfig struct {
	Fee string `yaml:"fee"`

	// Address receives the refund; empty means the payer's own key.
	Address string `yaml:"address,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// RPCConfig holds the payee daemon settings.
type RPCConfig struct {
	// Listen is the daemon's JSON-RPC and websocket address.
	Listen string `yaml:"listen"`

	// MinRefundDelayBlocks is the shortest block delay the payee accepts.
	MinRefundDelayBlocks uint16 `yaml:"min_refund_delay_blocks"`

	// MaxCapacity caps accepted channels, in BTC. Empty means no cap.
	MaxCapacity string `yaml:"max_capacity,omitempty"`
}

// Payment is a parsed PaymentConfig.
type Payment struct {
	Amount btcutil.Amount
	Fee    btcutil.Amount
}

// DefaultConfig returns a Config with a one bitcoin signet channel and two
// small payments.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Signet),
		DataDir: "~/.spill",
		Journal: true,
		Channel: ChannelConfig{
			Capacity:          "1",
			RefundDelayBlocks: 6,
			Payments: []PaymentConfig{
				{Amount: "0.00001", Fee: "0.00001"},
				{Amount: "0.00004", Fee: "0.00001"},
			},
		},
		Funding: FundingConfig{
			CoinValue: "1.0001",
			Fee:       "0.00001",
		},
		Refund: RefundConfig{
			Fee: "0.00001",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Listen:               "127.0.0.1:8335",
			MinRefundDelayBlocks: 6,
		},
		Backend: backend.Config{
			Type: backend.TypeMempool,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Spill payment channel configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate parses every field and reports the first problem.
func (c *Config) Validate() error {
	params, err := c.ChainParams()
	if err != nil {
		return err
	}

	capacity, err := c.Capacity()
	if err != nil {
		return err
	}
	if c.Channel.RefundDelayBlocks == 0 {
		return ErrNoRefundDelay
	}
	if _, err := c.Payments(); err != nil {
		return err
	}

	fee, err := c.FundingFee()
	if err != nil {
		return err
	}
	outpoint, err := c.FundingOutpoint()
	if err != nil {
		return err
	}
	if outpoint != nil {
		// The coin's value is only known once fetched.
		if _, err := backend.New(&c.Backend, params.Network); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	} else {
		coin, err := c.FundingCoin()
		if err != nil {
			return err
		}
		if coin < capacity+fee {
			return fmt.Errorf("%w: coin %v, capacity %v, fee %v",
				ErrCoinBelowFunding, coin, capacity, fee)
		}
	}

	if _, err := c.RefundFee(); err != nil {
		return err
	}

	if c.Wallets.Payer.Mnemonic != "" && c.Wallets.Payer.SeedFile != "" {
		return fmt.Errorf("wallets.payer: %w", ErrWalletSource)
	}
	if c.Wallets.Payee.Mnemonic != "" && c.Wallets.Payee.SeedFile != "" {
		return fmt.Errorf("wallets.payee: %w", ErrWalletSource)
	}

	if _, err := c.MaxChannelCapacity(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	return nil
}

// ChainParams resolves the configured network.
func (c *Config) ChainParams() (*chain.Params, error) {
	return chain.ParseNetwork(c.Network)
}

// Capacity returns the channel capacity in satoshis.
func (c *Config) Capacity() (btcutil.Amount, error) {
	if c.Channel.Capacity == "" {
		return 0, ErrMissingCapacity
	}
	return parseBTC("channel.capacity", c.Channel.Capacity)
}

// Payments returns the parsed payment schedule.
func (c *Config) Payments() ([]Payment, error) {
	if len(c.Channel.Payments) == 0 {
		return nil, ErrNoPayments
	}

	payments := make([]Payment, 0, len(c.Channel.Payments))
	for i, pc := range c.Channel.Payments {
		amount, err := parseBTC(fmt.Sprintf("channel.payments[%d].amount", i), pc.Amount)
		if err != nil {
			return nil, err
		}
		fee, err := parseBTC(fmt.Sprintf("channel.payments[%d].fee", i), pc.Fee)
		if err != nil {
			return nil, err
		}
		payments = append(payments, Payment{Amount: amount, Fee: fee})
	}

	return payments, nil
}

// FundingCoin returns the value of the coin funding the channel.
func (c *Config) FundingCoin() (btcutil.Amount, error) {
	return parseBTC("funding.coin_value", c.Funding.CoinValue)
}

// FundingOutpoint returns the configured funding coin, or nil when the run
// uses a synthetic coin.
func (c *Config) FundingOutpoint() (*wire.OutPoint, error) {
	if c.Funding.Outpoint == "" {
		return nil, nil
	}
	op, err := wire.NewOutPointFromString(c.Funding.Outpoint)
	if err != nil {
		return nil, fmt.Errorf("funding.outpoint: %w", err)
	}
	return op, nil
}

// FundingFee returns the funding transaction fee.
func (c *Config) FundingFee() (btcutil.Amount, error) {
	return parseBTC("funding.fee", c.Funding.Fee)
}

// RefundFee returns the refund transaction fee.
func (c *Config) RefundFee() (btcutil.Amount, error) {
	return parseBTC("refund.fee", c.Refund.Fee)
}

// MaxChannelCapacity returns the daemon's capacity cap, zero when unset.
func (c *Config) MaxChannelCapacity() (btcutil.Amount, error) {
	if c.RPC.MaxCapacity == "" {
		return 0, nil
	}
	return parseBTC("rpc.max_capacity", c.RPC.MaxCapacity)
}

// SeedPath resolves a wallet's seed file against the data directory.
func (c *Config) SeedPath(w WalletConfig) string {
	path := ExpandPath(w.SeedFile)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ExpandPath(c.DataDir), path)
}

func parseBTC(field, value string) (btcutil.Amount, error) {
	amount, err := helpers.BTCToSatoshis(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

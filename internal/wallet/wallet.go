// Package wallet provides the key management the channel parties need: a
// BIP39 mnemonic, BIP84 derived keys, encrypted seed files and PSBT signing
// for channel and funding inputs.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/klingon-exchange/spill/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Wallet manages BIP84 keys derived from a BIP39 seed for one network.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params

	mu    sync.Mutex
	cache map[keyPath]*KeyPair
}

type keyPath struct {
	account, change, index uint32
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, params *chain.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	return NewFromSeed(seed, params)
}

// NewFromSeed creates a wallet from a raw BIP32 seed.
func NewFromSeed(seed []byte, params *chain.Params) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, params.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[keyPath]*KeyPair),
	}, nil
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *chain.Params {
	return w.params
}

// DeriveKey derives the key pair at m/84'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(account, change, index uint32) (*KeyPair, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := keyPath{account, change, index}
	if kp, ok := w.cache[path]; ok {
		return kp, nil
	}

	key := w.masterKey
	for _, child := range w.params.DerivationPath(account, change, index) {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w",
				w.params.DerivationPathString(account, change, index), err)
		}
	}

	kp, err := newKeyPair(key, w.params)
	if err != nil {
		return nil, err
	}
	w.cache[path] = kp

	return kp, nil
}

// ReceiveKey derives the external key at account and index.
func (w *Wallet) ReceiveKey(account, index uint32) (*KeyPair, error) {
	return w.DeriveKey(account, 0, index)
}

// ChangeKey derives the internal (change) key at account and index.
func (w *Wallet) ChangeKey(account, index uint32) (*KeyPair, error) {
	return w.DeriveKey(account, 1, index)
}

// ClearCache drops the derived key cache.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[keyPath]*KeyPair)
}

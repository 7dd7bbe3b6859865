package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/spill/internal/chain"
)

var ErrWrongNetwork = errors.New("key is for a different network")

// KeyPair is a derived secp256k1 key with its native SegWit encodings.
type KeyPair struct {
	PrivKey *btcec.PrivateKey
	PubKey  *btcec.PublicKey

	params *chain.Params
}

func newKeyPair(key *hdkeychain.ExtendedKey, params *chain.Params) (*KeyPair, error) {
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return &KeyPair{
		PrivKey: privKey,
		PubKey:  privKey.PubKey(),
		params:  params,
	}, nil
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(privKey *btcec.PrivateKey, params *chain.Params) *KeyPair {
	return &KeyPair{PrivKey: privKey, PubKey: privKey.PubKey(), params: params}
}

// SerializedPubKey returns the 33-byte compressed public key.
func (k *KeyPair) SerializedPubKey() []byte {
	return k.PubKey.SerializeCompressed()
}

// PkScript returns the P2WPKH output script of the key.
func (k *KeyPair) PkScript() []byte {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(k.SerializedPubKey())).
		Script()
	if err != nil {
		panic(fmt.Sprintf("p2wpkh script: %v", err))
	}
	return script
}

// Address returns the bech32 P2WPKH address of the key.
func (k *KeyPair) Address() (string, error) {
	pubKeyHash := btcutil.Hash160(k.SerializedPubKey())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, k.params.ChainParams)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// WIF returns the private key in Wallet Import Format.
func (k *KeyPair) WIF() (string, error) {
	return PrivateKeyToWIF(k.PrivKey, k.params)
}

// PrivateKeyToWIF converts a private key to Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, params *chain.Params) (string, error) {
	wif, err := btcutil.NewWIF(privKey, params.ChainParams, true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}

// WIFToPrivateKey converts a WIF string to a private key. Only keys encoded
// for params' network and flagged compressed are accepted.
func WIFToPrivateKey(wifStr string, params *chain.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %w", err)
	}

	if !wif.IsForNet(params.ChainParams) {
		return nil, ErrWrongNetwork
	}
	if !wif.CompressPubKey {
		return nil, fmt.Errorf("WIF must encode a compressed key")
	}

	return wif.PrivKey, nil
}

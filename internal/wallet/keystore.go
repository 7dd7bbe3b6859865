package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new seed files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32 // AES-256
	argon2SaltLen     = 32

	seedFileVersion = 1
)

// Password limits
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

var (
	ErrWeakPassword     = errors.New("password too weak")
	ErrDecryptionFailed = errors.New("failed to decrypt seed (wrong password?)")
	ErrSeedFileVersion  = errors.New("unsupported seed file version")
)

// SeedFile is a mnemonic encrypted with Argon2id + AES-256-GCM, as stored on
// disk.
type SeedFile struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*SeedFile, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	sf := &SeedFile{
		Version:     seedFileVersion,
		Salt:        salt,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}

	gcm, err := sf.cipher(password)
	if err != nil {
		return nil, err
	}

	sf.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(sf.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sf.Ciphertext = gcm.Seal(nil, sf.Nonce, []byte(mnemonic), nil)

	return sf, nil
}

// DecryptMnemonic recovers the mnemonic from a seed file.
func DecryptMnemonic(sf *SeedFile, password string) (string, error) {
	if sf.Version != seedFileVersion {
		return "", fmt.Errorf("%w: %d", ErrSeedFileVersion, sf.Version)
	}

	gcm, err := sf.cipher(password)
	if err != nil {
		return "", err
	}
	if len(sf.Nonce) != gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, sf.Nonce, sf.Ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// cipher derives the file key from password with the file's own Argon2id
// parameters.
func (sf *SeedFile) cipher(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), sf.Salt, sf.Time, sf.Memory,
		sf.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// SaveSeedFile writes a seed file readable only by the owner.
func SaveSeedFile(sf *SeedFile, path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// LoadSeedFile reads a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var sf SeedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}

	return &sf, nil
}

// LoadMnemonic reads and decrypts a seed file.
func LoadMnemonic(path, password string) (string, error) {
	sf, err := LoadSeedFile(path)
	if err != nil {
		return "", err
	}
	return DecryptMnemonic(sf, password)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidatePassword requires 8 to 256 characters drawn from at least 3 of:
// upper case, lower case, digits, symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("%w: must contain at least 3 of: uppercase, lowercase, number, special character", ErrWeakPassword)
	}

	return nil
}

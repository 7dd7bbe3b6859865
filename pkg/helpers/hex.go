package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex string, tolerating surrounding whitespace and an
// optional 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// BytesToHex encodes bytes as lower case hex without prefix, the form
// bitcoin tooling prints keys and scripts in.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// Shorten abbreviates a long hex string for log output, keeping n characters
// at each end.
func Shorten(s string, n int) string {
	if n <= 0 || len(s) <= 2*n+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

package channel

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// EncodePacket serializes a PSBT to the base64 form exchanged between the
// parties.
func EncodePacket(p *psbt.Packet) (string, error) {
	s, err := p.B64Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode psbt: %w", err)
	}
	return s, nil
}

// DecodePacket parses a base64 PSBT received from the counterparty. The
// result is only structurally valid; run it through the matching verifier.
func DecodePacket(s string) (*psbt.Packet, error) {
	p, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(s)), true)
	if err != nil {
		return nil, fmt.Errorf("failed to decode psbt: %w", err)
	}
	return p, nil
}

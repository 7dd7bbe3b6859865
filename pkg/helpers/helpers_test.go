package helpers

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},         // 1 BTC
		{50000000, 8, "0.5"},        // 0.5 BTC
		{12345678, 8, "0.12345678"}, // All decimals
		{100000, 8, "0.001"},        // Channel capacity in the demo
		{1, 8, "0.00000001"},        // 1 satoshi
		{0, 8, "0"},                 // Zero
		{123, 0, "123"},             // No decimals
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"0.5", 8, 50000000, false},
		{".5", 8, 50000000, false},
		{" 0.001 ", 8, 100000, false},
		{"0.12345678", 8, 12345678, false},
		{"0.00000001", 8, 1, false},
		{"0", 8, 0, false},
		{"123", 0, 123, false},
		{"0.123456789", 8, 0, true},
		{"-1", 8, 0, true},
		{"invalid", 8, 0, true},
		{"1.2.3", 8, 0, true},
		{".", 8, 0, true},
		{"", 8, 0, true},
		{"99999999999999999999", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []uint64{1, 100, 12345678, 100000000, 999999999}

	for _, amount := range amounts {
		formatted := FormatAmount(amount, 8)
		parsed, err := ParseAmount(formatted, 8)
		if err != nil {
			t.Errorf("ParseAmount(%s) failed: %v", formatted, err)
			continue
		}
		if parsed != amount {
			t.Errorf("roundtrip failed: %d -> %s -> %d", amount, formatted, parsed)
		}
	}
}

func TestSatoshisBTCConversion(t *testing.T) {
	if got := SatoshisToBTC(100000000); got != "1" {
		t.Errorf("SatoshisToBTC(100000000) = %s, want 1", got)
	}
	if got := SatoshisToBTC(-1500); got != "-0.000015" {
		t.Errorf("SatoshisToBTC(-1500) = %s, want -0.000015", got)
	}

	if got, err := BTCToSatoshis("0.001"); err != nil || got != 100000 {
		t.Errorf("BTCToSatoshis(0.001) = %d, %v, want 100000, nil", got, err)
	}

	_, err := BTCToSatoshis("21000001")
	if !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("BTCToSatoshis(21000001) error = %v, want ErrAmountOverflow", err)
	}

	got, err := BTCToSatoshis("21000000")
	if err != nil || got != btcutil.MaxSatoshi {
		t.Errorf("BTCToSatoshis(21000000) = %d, %v, want MaxSatoshi", got, err)
	}
}

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "deadbeef", "deadbeef", false},
		{"prefixed", "0xdeadbeef", "deadbeef", false},
		{"whitespace", " 00ff\n", "00ff", false},
		{"empty", "", "", false},
		{"odd length", "abc", "", true},
		{"not hex", "zz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && BytesToHex(got) != tt.want {
				t.Errorf("HexToBytes() = %x, want %s", got, tt.want)
			}
		})
	}
}

func TestShorten(t *testing.T) {
	s := "0123456789abcdef0123456789abcdef"
	if got := Shorten(s, 4); got != "0123...cdef" {
		t.Errorf("Shorten() = %s", got)
	}
	if got := Shorten("abcd", 4); got != "abcd" {
		t.Errorf("Shorten() short input = %s", got)
	}
}

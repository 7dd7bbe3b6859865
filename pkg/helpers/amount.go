// Package helpers provides amount and encoding utilities shared by the
// configuration layer and the command line tools.
package helpers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// BTCDecimals is the number of fractional digits of a bitcoin amount.
const BTCDecimals = 8

var (
	ErrEmptyAmount    = errors.New("empty amount string")
	ErrAmountOverflow = errors.New("amount overflow")
	ErrTooPrecise     = errors.New("amount has more fractional digits than allowed")
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(150000000, 8) returns "1.5".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")

	return whole.String() + "." + fracStr
}

// ParseAmount parses a non-negative decimal string to smallest units.
// Unlike a float conversion it is exact; digits beyond decimals are an error
// rather than silently truncated.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmptyAmount
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" && fracStr == "" {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(fracStr) > int(decimals) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, s)
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, s)
	}

	return amount.Uint64(), nil
}

// SatoshisToBTC formats a satoshi amount as a BTC string.
func SatoshisToBTC(amount btcutil.Amount) string {
	if amount < 0 {
		return "-" + FormatAmount(uint64(-amount), BTCDecimals)
	}
	return FormatAmount(uint64(amount), BTCDecimals)
}

// BTCToSatoshis parses a BTC string such as "0.001" into satoshis. Amounts
// above the total money supply are rejected.
func BTCToSatoshis(btc string) (btcutil.Amount, error) {
	sats, err := ParseAmount(btc, BTCDecimals)
	if err != nil {
		return 0, err
	}
	if sats > uint64(btcutil.MaxSatoshi) {
		return 0, fmt.Errorf("%w: %s exceeds the money supply", ErrAmountOverflow, btc)
	}
	return btcutil.Amount(sats), nil
}

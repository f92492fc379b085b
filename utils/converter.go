package utils

import (
	"math/big"
	"strings"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// MaxDecimals bounds the scale accepted by ParseUnits and FormatUnits.
const MaxDecimals = 36

// ParseUnits converts a non-negative decimal string into base units,
// e.g. ("10.5", 6) -> 10500000. Only integer arithmetic is used. Fractions
// finer than decimals are rejected unless the extra digits are zeros.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, &wrapErrors.ValidationError{Field: "decimals", Reason: "exceeds maximum precision"}
	}
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "empty"}
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if hasDot && intPart == "" && fracPart == "" {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "no digits"}
	}
	if !isDigits(intPart) || !isDigits(fracPart) {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "must be a plain decimal number"}
	}

	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > int(decimals) {
		return nil, &wrapErrors.ValidationError{
			Field:  "amount",
			Reason: "more fractional digits than token precision",
		}
	}

	digits := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, &wrapErrors.ValidationError{Field: "amount", Reason: "not a number"}
	}
	return v, nil
}

// FormatUnits renders base units as a trimmed decimal string, e.g.
// (10500000, 6) -> "10.5".
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()

	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	intPart, fracPart := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// NormalizeAmount returns the canonical form of a decimal string within the
// given precision ("010.50" -> "10.5").
func NormalizeAmount(amount string, decimals uint8) (string, error) {
	v, err := ParseUnits(amount, decimals)
	if err != nil {
		return "", err
	}
	return FormatUnits(v, decimals), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

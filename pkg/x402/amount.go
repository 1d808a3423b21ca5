package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Amount is an unsigned arbitrary precision integer in an asset's smallest unit.
// It is encoded as a 0x-prefixed hex string and decodes from hex, decimal
// strings or bare JSON numbers.
type Amount struct {
	v *big.Int
}

// NewAmount wraps a copy of v. A nil v is treated as zero.
func NewAmount(v *big.Int) Amount {
	if v == nil {
		return Amount{v: new(big.Int)}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// AmountFromUint64 builds an Amount from a machine integer.
func AmountFromUint64(v uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(v)}
}

// ParseAmount parses a "0x" hex or base-10 string.
func ParseAmount(s string) (Amount, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Amount{}, fmt.Errorf("x402: empty amount")
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		digits := raw[2:]
		if digits == "" {
			return Amount{}, fmt.Errorf("x402: invalid hex amount %q", s)
		}
		_, ok = v.SetString(digits, 16)
	} else {
		_, ok = v.SetString(raw, 10)
	}
	if !ok {
		return Amount{}, fmt.Errorf("x402: invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("x402: negative amount %q", s)
	}
	return Amount{v: v}, nil
}

// MustParseAmount is ParseAmount for constants; it panics on malformed input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Cmp compares a and b like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Hex renders the amount as 0x-prefixed lower-case hex.
func (a Amount) Hex() string {
	return "0x" + a.Big().Text(16)
}

// String renders the amount in base 10.
func (a Amount) String() string {
	return a.Big().String()
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("x402: amount is null")
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

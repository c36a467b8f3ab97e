// Package bignum provides a JSON-friendly arbitrary-precision non-negative
// integer, used throughout the validator worker for deposits, balances, and
// fees. Amounts travel over the wire as decimal strings (spec: "big-integer
// amounts are decimal strings") and must never silently lose precision.
package bignum

import (
	"fmt"
	"math/big"
)

// BigNum wraps math/big.Int and marshals to/from a decimal string.
type BigNum struct {
	i big.Int
}

// Zero returns a BigNum set to 0.
func Zero() BigNum {
	return BigNum{}
}

// FromInt64 builds a BigNum from a small int64, for tests and literals.
func FromInt64(v int64) BigNum {
	var b BigNum
	b.i.SetInt64(v)
	return b
}

// FromString parses a base-10 integer string into a BigNum.
func FromString(s string) (BigNum, error) {
	var b BigNum
	if _, ok := b.i.SetString(s, 10); !ok {
		return BigNum{}, fmt.Errorf("bignum: invalid decimal integer %q", s)
	}
	return b, nil
}

// Int returns the underlying *big.Int. Callers must not mutate it.
func (b BigNum) Int() *big.Int {
	return &b.i
}

// String renders the value as a base-10 string.
func (b BigNum) String() string {
	return b.i.String()
}

// IsZero reports whether the value is exactly zero.
func (b BigNum) IsZero() bool {
	return b.i.Sign() == 0
}

// Sign returns -1, 0, or 1.
func (b BigNum) Sign() int {
	return b.i.Sign()
}

// Cmp compares b to other, returning -1, 0, or 1.
func (b BigNum) Cmp(other BigNum) int {
	return b.i.Cmp(&other.i)
}

// Add returns b + other.
func (b BigNum) Add(other BigNum) BigNum {
	var out BigNum
	out.i.Add(&b.i, &other.i)
	return out
}

// Sub returns b - other.
func (b BigNum) Sub(other BigNum) BigNum {
	var out BigNum
	out.i.Sub(&b.i, &other.i)
	return out
}

// Mul returns b * other.
func (b BigNum) Mul(other BigNum) BigNum {
	var out BigNum
	out.i.Mul(&b.i, &other.i)
	return out
}

// Div returns floor(b / other). Panics on division by zero, matching big.Int.
func (b BigNum) Div(other BigNum) BigNum {
	var out BigNum
	out.i.Div(&b.i, &other.i)
	return out
}

// Min returns the smaller of b and other.
func (b BigNum) Min(other BigNum) BigNum {
	if b.Cmp(other) <= 0 {
		return b
	}
	return other
}

// MarshalJSON implements json.Marshaler, encoding as a quoted decimal string.
func (b BigNum) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.i.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a quoted decimal
// string or a bare JSON number.
func (b *BigNum) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		s = "0"
	}
	if _, ok := b.i.SetString(s, 10); !ok {
		return fmt.Errorf("bignum: invalid decimal integer %q", s)
	}
	return nil
}

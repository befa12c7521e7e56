package math

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by every Amount.
const Decimals = 18

var (
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidAmount  = errors.New("invalid fixed-point amount")
)

// Unit is 10^18, the fixed-point representation of 1.0.
var Unit = Amount{v: new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)}

// Amount is an arbitrary-precision integer scaled by 10^18.
// Values are immutable: every operation returns a new Amount, so copies are
// safe to share. The zero value is 0.
type Amount struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// NewAmount wraps a raw (already scaled) integer.
func NewAmount(raw int64) Amount {
	return Amount{v: big.NewInt(raw)}
}

// Units returns whole * 10^18.
func Units(whole int64) Amount {
	return NewAmount(whole).Mul(Unit)
}

// FromBig copies b into a new Amount. A nil b is treated as zero.
func FromBig(b *big.Int) Amount {
	if b == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(b)}
}

// ParseAmount parses a base-10 integer string of raw units.
func ParseAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: v}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(a.big())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

func (a Amount) Mul(b Amount) Amount {
	return Amount{v: new(big.Int).Mul(a.big(), b.big())}
}

// Div returns a / b truncated toward zero.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.Sign() == 0 {
		return Amount{}, ErrDivisionByZero
	}
	return Amount{v: new(big.Int).Quo(a.big(), b.big())}, nil
}

func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

// Equal is exact integer equality.
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

func (a Amount) Sign() int {
	return a.big().Sign()
}

func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

// String returns the raw integer in base 10.
func (a Amount) String() string {
	return a.big().String()
}

// Decimal converts raw units into a human-scale decimal (units / 10^18).
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.big(), -Decimals)
}

// MarshalJSON encodes the raw integer as a JSON string, since uint256
// magnitudes do not survive a float64 round trip.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted or a bare base-10 integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*a = Amount{}
		return nil
	}
	parsed, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

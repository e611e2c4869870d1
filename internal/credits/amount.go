// Package credits implements the internal credit unit as fixed-point hundredths.
package credits

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places an Amount carries.
const Places = 2

const scale = 100

// Amount is a credit quantity stored as an integer count of hundredths.
// All ledger arithmetic stays integer; decimal is used only at the edges
// (parsing, pricing, formatting).
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// MaxAmount bounds every amount and every balance in either direction:
// ten trillion credits.
const MaxAmount Amount = 1_000_000_000_000_000

// ErrOutOfRange reports an amount whose magnitude exceeds MaxAmount.
var ErrOutOfRange = errors.New("credits: amount out of range")

var maxDecimal = decimal.NewFromInt(int64(MaxAmount))

// maxExponent caps the decimal exponent accepted from text so that
// rescaling never materialises an enormous integer.
const maxExponent = 30

// FromUnits builds an amount from whole credits.
func FromUnits(units int64) Amount { return Amount(units * scale) }

// FromHundredths builds an amount from its raw representation.
func FromHundredths(h int64) Amount { return Amount(h) }

// FromDecimal rounds d up to the nearest hundredth. Rounding up means a
// fractional cost is never given away.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Places).Ceil()
	if shifted.Abs().GreaterThan(maxDecimal) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// Parse reads a decimal string such as "4", "4.5" or "4.00". More than two
// decimal places is rejected rather than silently rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse credits %q: %w", s, err)
	}
	if exp := d.Exponent(); exp > maxExponent {
		return 0, fmt.Errorf("parse credits %q: %w", s, ErrOutOfRange)
	} else if exp < -maxExponent {
		return 0, fmt.Errorf("parse credits %q: more than %d decimal places", s, Places)
	}
	shifted := d.Shift(Places)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("parse credits %q: more than %d decimal places", s, Places)
	}
	if shifted.Abs().GreaterThan(maxDecimal) {
		return 0, fmt.Errorf("parse credits %q: %w", s, ErrOutOfRange)
	}
	return Amount(shifted.IntPart()), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Hundredths returns the raw integer representation.
func (a Amount) Hundredths() int64 { return int64(a) }

// Decimal converts the amount to a decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Places)
}

// String formats with exactly two decimal places, e.g. "4.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(Places)
}

// InRange reports whether the magnitude of a is at most MaxAmount.
func (a Amount) InRange() bool { return a >= -MaxAmount && a <= MaxAmount }

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Add returns a+b, or ErrOutOfRange when either operand or the sum leaves
// the bounded range. Operands within range cannot overflow int64.
func Add(a, b Amount) (Amount, error) {
	if !a.InRange() || !b.InRange() {
		return 0, ErrOutOfRange
	}
	sum := a + b
	if !sum.InRange() {
		return 0, ErrOutOfRange
	}
	return sum, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a fixed-point string so clients never
// see float artefacts.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

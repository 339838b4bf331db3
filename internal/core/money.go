// Package core provides money parsing and handling utilities.
//
// Amounts travel through the system as an integer count of minor currency
// units (1 major unit = 100 minor units). Conversion from and to the decimal
// text a client sees is done with exact decimal arithmetic, never with
// binary floating point.
package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerMajor is the number of minor units in one major unit.
const MinorUnitsPerMajor = 100

// Amount text longer than this is rejected before it is parsed.
const maxAmountTextLen = 64

// maxIntegerDigits is the most integer digits a major-unit amount can have
// and still fit in int64 minor units.
const maxIntegerDigits = 17

var (
	hundred       = decimal.NewFromInt(MinorUnitsPerMajor)
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
)

// ParseMinorUnits converts an externally supplied amount into minor units.
//
// raw may be nil, a string, a json.Number, an int, an int64, a float64 or a
// decimal.Decimal. The value is quantized to two fractional digits using
// round-half-to-even before being scaled by 100.
//
// Examples:
//
//	ParseMinorUnits(100)            -> 10000, nil
//	ParseMinorUnits(99.99)          -> 9999, nil
//	ParseMinorUnits("50.50")        -> 5050, nil
//	ParseMinorUnits("0.125")        -> 12, nil (half to even)
//	ParseMinorUnits("0.135")        -> 14, nil (half to even)
//	ParseMinorUnits(nil)            -> ErrMissingAmount
//	ParseMinorUnits("abc")          -> ErrInvalidAmount
//	ParseMinorUnits(-1)             -> ErrNegativeAmount
func ParseMinorUnits(raw any) (int64, error) {
	d, err := toDecimal(raw)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if d.IsZero() {
		return 0, nil
	}

	// Bound the magnitude before RoundBank rescales by 10^|exp|.
	intDigits := int64(d.NumDigits()) + int64(d.Exponent())
	if intDigits > maxIntegerDigits {
		return 0, ErrInvalidAmount
	}
	if intDigits < -2 {
		// Below 0.001, so it rounds to zero.
		return 0, nil
	}

	minor := d.RoundBank(2).Mul(hundred)
	if minor.GreaterThan(maxMinorUnits) {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

func toDecimal(raw any) (decimal.Decimal, error) {
	var text string
	switch v := raw.(type) {
	case nil:
		return decimal.Decimal{}, ErrMissingAmount
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, ErrInvalidAmount
		}
		// Shortest representation that round-trips, so 99.99 stays 99.99.
		text = strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	default:
		return decimal.Decimal{}, ErrInvalidAmount
	}

	if text == "" || len(text) > maxAmountTextLen {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return d, nil
}

// Money is an exact amount expressed in minor units.
type Money struct {
	MinorUnits int64
}

// Major returns the amount in major units as an exact decimal.
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.MinorUnits, -2)
}

// String renders the major-unit value with no trailing zeros, e.g. "150.5".
func (m Money) String() string {
	return m.Major().String()
}

// JSONNumber renders the amount as a JSON number literal in major units.
func (m Money) JSONNumber() json.Number {
	return json.Number(m.String())
}

// Validate rejects negative amounts.
func (m Money) Validate() error {
	if m.MinorUnits < 0 {
		return ErrNegativeAmount
	}
	return nil
}

package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MinorUnitScale is the number of decimal places carried by Money.
	MinorUnitScale = 2
	// MaxMoney bounds any single amount, line subtotal and invoice gross total.
	MaxMoney Money = 10_000_000_000_000
	// MaxQuantity bounds a line quantity.
	MaxQuantity int64 = 1_000_000
)

// Money is an amount in minor units (e.g., cents). No floats.
type Money int64

// Add returns m + o.
func (m Money) Add(o Money) Money { return m + o }

// Sub returns m - o. The result may be negative.
func (m Money) Sub(o Money) Money { return m - o }

// SubNonNegative returns m - o, or a NegativeResultError when o > m.
func (m Money) SubNonNegative(o Money) (Money, error) {
	if o > m {
		return 0, &NegativeResultError{Minuend: m, Subtrahend: o}
	}
	return m - o, nil
}

// MulQty multiplies the amount by an integer quantity.
func (m Money) MulQty(q int64) Money { return m * Money(q) }

// Cmp compares m and o and returns -1, 0 or +1.
func (m Money) Cmp(o Money) int {
	switch {
	case m < o:
		return -1
	case m > o:
		return 1
	default:
		return 0
	}
}

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }

// MinorUnits returns the raw integer amount.
func (m Money) MinorUnits() int64 { return int64(m) }

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// Decimal returns the amount as an exact decimal in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -MinorUnitScale)
}

// String formats the amount in major units, e.g. "39.00".
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitScale)
}

// ParseMoney parses a decimal string in major units ("12.5", "-3.07").
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse money: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal converts an exact decimal in major units into Money.
// Values with more than MinorUnitScale fractional digits are rejected.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	minor := d.Shift(MinorUnitScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), MinorUnitScale)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(int64(MaxMoney))) {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Money(minor.IntPart()), nil
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MarshalJSON encodes Money as a fixed-point decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON accepts a decimal string or a bare JSON number, both in major units.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	v, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

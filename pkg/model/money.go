package model

import "github.com/shopspring/decimal"

// Money is an amount in minor units (cents).
type Money int64

// maxMoney bounds parsed amounts so conversions never overflow int64.
var maxMoney = decimal.New(1, 15)

// ParseMoney parses a major-unit string such as "200" or "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, Invalid("amount %q is not a number", s)
	}
	return moneyFromDecimal(d)
}

func moneyFromDecimal(d decimal.Decimal) (Money, error) {
	if d.Abs().GreaterThan(maxMoney) {
		return 0, Invalid("amount %s is out of range", d.String())
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, Invalid("amount %s has more than two decimal places", d.String())
	}
	return Money(cents.IntPart()), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount with two decimals, e.g. "200.00".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a JSON number in major units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return Invalid("amount %s is not a number", string(data))
	}
	v, err := moneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

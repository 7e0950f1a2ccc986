package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Money is a fixed-point amount in cents.
type Money int64

func Cents(c int64) Money { return Money(c) }

// MoneyFromFloat converts a dollar amount, rounding half away from zero.
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

func (m Money) Cents() int64 { return int64(m) }

func (m Money) Float() float64 { return float64(m) / 100 }

func (m Money) String() string {
	sign := ""
	c := int64(m)
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// MarshalJSON renders the amount as a decimal number with two places.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		s, uerr := strconv.Unquote(string(b))
		if uerr != nil {
			return fmt.Errorf("money: %w", err)
		}
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("money: %w", err)
		}
	}
	*m = MoneyFromFloat(f)
	return nil
}

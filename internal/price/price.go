// Package price holds the units Kalshi quotes in: integer cents, contract
// counts and fixed-point dollar strings, without losing precision.
package price

import (
	"encoding/json"
	"fmt"
)

// Cents is a contract price in cents, 1 through 99 for a binary market.
type Cents int64

// Size is a number of contracts. Deltas may be negative.
type Size int64

// Price is a dollar amount scaled by PriceScale. Kalshi sends these as
// decimal strings ("0.5600") in the *_dollars fields.
type Price int64

var _ json.Unmarshaler = (*Price)(nil)

const PriceScale int64 = 1_000_000

// centScale is PriceScale divided by 100 cents.
const centScale = PriceScale / 100

// FromCents converts a cent price to the fixed-point representation.
func FromCents(c Cents) Price {
	return Price(int64(c) * centScale)
}

// Cents truncates p to whole cents.
func (p Price) Cents() Cents {
	return Cents(int64(p) / centScale)
}

func (p Price) String() string {
	whole := int64(p) / PriceScale
	frac := int64(p) % PriceScale
	if frac < 0 {
		frac = -frac
	}
	sign := ""
	if p < 0 && whole == 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%06d", sign, whole, frac)
}

func (p *Price) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	// Else we assume that it is a raw number.

	parsed, err := parse(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func parse(data []byte) (Price, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty price")
	}

	negative := false
	i := 0
	if data[0] == '-' {
		negative = true
		i++
	}

	var res int64
	digits := 0
	for i < len(data) && data[i] != '.' {
		if data[i] < '0' || data[i] > '9' {
			return 0, fmt.Errorf("invalid price %q", data)
		}
		res = res*10 + int64(data[i]-'0')*PriceScale
		digits++
		i++
	}

	if i < len(data) && data[i] == '.' {
		i++
		mult := PriceScale
		for i < len(data) {
			if data[i] < '0' || data[i] > '9' {
				return 0, fmt.Errorf("invalid price %q", data)
			}
			mult /= 10
			res += int64(data[i]-'0') * mult
			digits++
			i++
		}
	}

	if digits == 0 {
		return 0, fmt.Errorf("invalid price %q", data)
	}
	if negative {
		res = -res
	}
	return Price(res), nil
}

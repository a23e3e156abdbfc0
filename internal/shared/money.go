package shared

import "github.com/shopspring/decimal"

const (
	// AmountPlaces is the number of fractional digits kept for currency amounts.
	AmountPlaces int32 = 2
	// RatePlaces is the number of fractional digits kept for rates.
	RatePlaces int32 = 4
)

var centavo = decimal.New(1, -AmountPlaces)

// Round2 rounds a currency amount half-up to two decimals.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// RoundRate rounds a rate half-up to four decimals.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// Centavo returns the smallest currency unit.
func Centavo() decimal.Decimal {
	return centavo
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds d to [lo, hi]. A zero hi means no upper bound.
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if !hi.IsZero() && d.GreaterThan(hi) {
		return hi
	}
	return d
}

// Package money defines the single rounding policy for all monetary math.
//
// Every amount in the pipeline is a decimal.Decimal. Rounding happens at the
// currency's minor-unit scale using bankers rounding (round half to even), and
// only through Round; services never call decimal rounding helpers directly.
package money

import "github.com/shopspring/decimal"

// minorUnits maps ISO 4217 currency codes to their minor-unit scale where it
// differs from the common 2.
var minorUnits = map[string]int32{
	"BHD": 3,
	"CLP": 0,
	"IQD": 3,
	"ISK": 0,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"VND": 0,
}

// Scale returns the minor-unit scale for a currency code.
func Scale(currency string) int32 {
	if scale, ok := minorUnits[currency]; ok {
		return scale
	}
	return 2
}

// Round rounds an amount half-to-even at the currency's minor-unit scale.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.RoundBank(Scale(currency))
}

// Zero returns a zero amount at the currency's scale.
func Zero(currency string) decimal.Decimal {
	return decimal.Zero.Round(Scale(currency))
}

// Package money rounds monetary values at computation boundaries so that
// float error never accumulates across steps.
package money

import "github.com/shopspring/decimal"

// Round2 rounds to cents, half away from zero.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Ceil2 rounds up to the next cent.
func Ceil2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).RoundCeil(2).Float64()
	return f
}

// Scale multiplies an amount by factor and rounds the product to cents.
func Scale(amount, factor float64) float64 {
	f, _ := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(factor)).Round(2).Float64()
	return f
}

// Midpoint returns the cent-rounded midpoint of a and b.
func Midpoint(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Div(decimal.NewFromInt(2)).Round(2).Float64()
	return f
}

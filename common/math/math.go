// Package math holds the shared financial arithmetic used by valuation,
// benchmark and snapshot calculations.
package math

import (
	"math"
)

// CalculatePercentageGainOrLoss returns the percentage rise or fall between
// a current and an earlier value.
func CalculatePercentageGainOrLoss(valueNow, valueThen float64) float64 {
	return (valueNow - valueThen) / valueThen * 100
}

// RoundFloat rounds x to the desired decimal place.
func RoundFloat(x float64, prec int) float64 {
	pow := math.Pow(10, float64(prec))
	return math.Round(x*pow) / pow
}

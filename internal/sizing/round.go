package sizing

import "github.com/shopspring/decimal"

// RoundDownToLot floors raw to a whole number of lots. The result carries
// exactly as many fractional digits as lot itself.
func RoundDownToLot(raw, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return raw
	}
	if !raw.IsPositive() {
		return decimal.Zero
	}
	// Exact integer quotient; Div rounds at 16 digits.
	steps, _ := raw.QuoRem(lot, 0)
	return steps.Mul(lot).Truncate(LotPlaces(lot))
}

// LotPlaces is the number of fractional digits written in lot
// ("0.01" -> 2, "1" -> 0).
func LotPlaces(lot decimal.Decimal) int32 {
	if exp := lot.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// FormatSize renders contracts with the lot's precision for the order
// payload.
func FormatSize(contracts, lot decimal.Decimal) string {
	return contracts.StringFixed(LotPlaces(lot))
}

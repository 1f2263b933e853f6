package domain

import "github.com/shopspring/decimal"

// currencyExponents maps ISO 4217 codes to minor-unit digits for the
// currencies the service settles in. Unknown codes default to 2.
var currencyExponents = map[string]int32{
	"CLP": 0,
	"COP": 2,
	"PEN": 2,
	"ARS": 2,
	"USD": 2,
	"EUR": 2,
	"UF":  4,
}

// CurrencyExponent returns the number of minor-unit digits for a currency.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[currency]; ok {
		return exp
	}
	return 2
}

// RoundToMinorUnit rounds a monetary amount to the currency's minor unit
// using round-half-up. Applied once at the end of a computation chain,
// never per intermediate step.
func RoundToMinorUnit(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(CurrencyExponent(currency))
}

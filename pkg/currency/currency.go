// Package currency centralizes currency codes and minor-unit precision so
// every component rounds and validates monetary amounts the same way.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/config"
)

const (
	defaultCurrencyEnv      = "LEDGER_CURRENCY"
	defaultCurrencyFallback = "USD"
)

// minorUnits maps ISO 4217 codes to their decimal places. Codes absent from
// the map use two places.
var minorUnits = map[string]int32{
	"BHD": 3,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"VND": 0,
}

// supported is the set of currencies wallets can be opened in.
var supported = map[string]bool{
	"AED": true,
	"AUD": true,
	"BHD": true,
	"CAD": true,
	"CHF": true,
	"EUR": true,
	"GBP": true,
	"INR": true,
	"JPY": true,
	"KWD": true,
	"SGD": true,
	"USD": true,
}

// DefaultCurrency returns the ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// Normalize uppercases and trims a currency code for comparison and storage.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsSupported reports whether wallets can hold the given currency.
func IsSupported(code string) bool {
	return supported[Normalize(code)]
}

// MinorUnits returns the number of decimal places for a currency.
func MinorUnits(code string) int32 {
	if units, ok := minorUnits[Normalize(code)]; ok {
		return units
	}
	return 2
}

// Round rounds an amount to the currency's minor units, half away from zero.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(MinorUnits(code))
}

// FromMinorUnits converts an integer count of minor units (cents, paise)
// into a major-unit amount. Providers that report integer amounts pass
// through here.
func FromMinorUnits(n int64, code string) decimal.Decimal {
	return decimal.New(n, -MinorUnits(code))
}

// HasValidPrecision reports whether the amount carries no more precision than
// the currency's minor units allow.
func HasValidPrecision(amount decimal.Decimal, code string) bool {
	return amount.Equal(amount.Round(MinorUnits(code)))
}

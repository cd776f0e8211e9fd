package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultZeroDecimalCurrencies are charged in whole units by the provider
var DefaultZeroDecimalCurrencies = []string{
	"BIF", "CLP", "DJF", "GNF", "JPY", "KMF", "KRW", "MGA",
	"PYG", "RWF", "UGX", "VND", "VUV", "XAF", "XOF", "XPF",
}

// CurrencyConfig holds the deployment's currency rules. It is passed by
// value to every conversion so nothing depends on package state.
type CurrencyConfig struct {
	Default     string
	zeroDecimal map[string]struct{}
}

// NewCurrencyConfig builds a config; codes are case-insensitive
func NewCurrencyConfig(defaultCurrency string, zeroDecimal []string) CurrencyConfig {
	set := make(map[string]struct{}, len(zeroDecimal))
	for _, c := range zeroDecimal {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return CurrencyConfig{
		Default:     strings.ToUpper(defaultCurrency),
		zeroDecimal: set,
	}
}

// IsZeroDecimal reports whether the currency has no minor unit
func (c CurrencyConfig) IsZeroDecimal(currency string) bool {
	_, ok := c.zeroDecimal[strings.ToUpper(currency)]
	return ok
}

// ToMinorUnits converts an amount into the integer the provider expects.
// Amounts with more precision than the currency supports are rejected.
func (c CurrencyConfig) ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}

	places := int32(2)
	if c.IsZeroDecimal(currency) {
		places = 0
	}

	minor := amount.Shift(places)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", amount, places, strings.ToUpper(currency))
	}
	return minor.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits
func (c CurrencyConfig) FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if c.IsZeroDecimal(currency) {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

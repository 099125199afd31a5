package ledger

import (
	"fmt"
	"strings"
)

// ExchangeRates maps an uppercase currency code to how many credits one unit
// of that currency buys, e.g. {"USD": 100, "EUR": 110}. Credits itself is
// implicitly 1.
type ExchangeRates map[string]float64

// Convert converts an amount between credits and a real currency. Credits
// must be one side of the pair; converting between two real currencies
// without a credits intermediary is unsupported.
func (rates ExchangeRates) Convert(amount float64, fromCurrency string, toCurrency string) (float64, error) {
	fromCurrency = normalizeCurrency(fromCurrency)
	toCurrency = normalizeCurrency(toCurrency)
	if fromCurrency == toCurrency {
		return amount, nil
	}
	if fromCurrency == CurrencyCredits {
		rate, ok := rates[toCurrency]
		if !ok || rate == 0 {
			return 0, fmt.Errorf("%w: no exchange rate for %s", ErrConversionUnsupported, toCurrency)
		}
		return amount / rate, nil
	}
	if toCurrency == CurrencyCredits {
		rate, ok := rates[fromCurrency]
		if !ok || rate == 0 {
			return 0, fmt.Errorf("%w: no exchange rate for %s", ErrConversionUnsupported, fromCurrency)
		}
		return amount * rate, nil
	}
	return 0, fmt.Errorf("%w: %s -> %s (credits must be one side)", ErrConversionUnsupported, fromCurrency, toCurrency)
}

// PrimaryRealCurrency returns the first configured non-credits currency, the
// one auto-charges settle in when the caller priced in credits.
func (rates ExchangeRates) PrimaryRealCurrency() string {
	best := ""
	for code := range rates {
		code = normalizeCurrency(code)
		if code == CurrencyCredits {
			continue
		}
		if best == "" || code < best {
			best = code
		}
	}
	if best == "" {
		return "USD"
	}
	return best
}

func normalizeCurrency(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, CurrencyCredits) {
		return CurrencyCredits
	}
	return strings.ToUpper(code)
}

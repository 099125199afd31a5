package orchestrator

import (
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// RewardRule describes one inviter reward. A rule yields exactly one
// candidate amount, picked in priority order: fixed Credits first, then a
// real-currency Amount converted to credits, then Fraction of the credits
// the invited user bought.
type RewardRule struct {
	// MinCredits is the smallest purchase (in credits) the rule applies to.
	MinCredits float64
	// Credits is a fixed credit reward.
	Credits float64
	// Amount and Currency describe a real-currency reward converted at the
	// configured exchange rate.
	Amount   float64
	Currency string
	// Fraction of the bought credits.
	Fraction float64
}

// RewardCredits computes the inviter reward for a purchase. Among all
// matching rules the largest candidate wins; rules never stack.
func RewardCredits(rules []RewardRule, rates ledger.ExchangeRates, boughtCredits float64) float64 {
	var best float64
	for _, rule := range rules {
		if boughtCredits < rule.MinCredits {
			continue
		}
		candidate := rewardCandidate(rule, rates, boughtCredits)
		if candidate > best {
			best = candidate
		}
	}
	return best
}

func rewardCandidate(rule RewardRule, rates ledger.ExchangeRates, boughtCredits float64) float64 {
	if rule.Credits > 0 {
		return rule.Credits
	}
	if rule.Amount > 0 && rule.Currency != "" {
		converted, err := rates.Convert(rule.Amount, rule.Currency, ledger.CurrencyCredits)
		if err == nil {
			return converted
		}
		return 0
	}
	if rule.Fraction > 0 {
		return rule.Fraction * boughtCredits
	}
	return 0
}

package engine

import (
	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// computePayment applies a rule's calculation mode to a resolved base
// amount. Pure decimal arithmetic, unrounded: the single round to the
// currency minor unit happens at the end of the full chain.
func computePayment(rule *compiledRule, base decimal.Decimal) (decimal.Decimal, error) {
	switch rule.Rule.RuleType {
	case domain.RuleTypePercentage, domain.RuleTypeFactor:
		// Arithmetically identical; factor is unconstrained by convention.
		return base.Mul(rule.Rule.RuleValue.Decimal), nil

	case domain.RuleTypeFixed:
		return rule.Rule.RuleValue.Decimal, nil

	case domain.RuleTypeCumulativeTable:
		return cumulativeTable(rule.Combination.Tiers, base), nil

	case domain.RuleTypeDirectTable:
		return directTable(rule.Combination.Tiers, base), nil

	case domain.RuleTypeCalcPlusFixed:
		computed := base.Mul(rule.Combination.Value.Decimal)
		if rule.Combination.Fixed.Valid {
			computed = computed.Add(rule.Combination.Fixed.Decimal)
		}
		return computed, nil
	}

	return decimal.Zero, &ConfigError{RuleID: rule.Rule.ID, Reason: "unknown ruleType " + string(rule.Rule.RuleType)}
}

// cumulativeTable sums each tier's contribution up to the base amount,
// like progressive tax brackets. Tiers are sorted ascending by threshold
// at catalog build.
func cumulativeTable(tiers []domain.TableTier, base decimal.Decimal) decimal.Decimal {
	total := decimal.Zero

	for i, tier := range tiers {
		if base.LessThanOrEqual(tier.From) {
			break
		}

		upper := base
		if i+1 < len(tiers) && tiers[i+1].From.LessThan(base) {
			upper = tiers[i+1].From
		}

		if tier.Rate.Valid {
			span := upper.Sub(tier.From)
			total = total.Add(span.Mul(tier.Rate.Decimal))
		}
		if tier.Amount.Valid {
			total = total.Add(tier.Amount.Decimal)
		}
	}

	return total
}

// directTable pays only the highest tier whose threshold does not exceed
// the base amount; no accumulation across tiers. A base below the first
// threshold pays zero.
func directTable(tiers []domain.TableTier, base decimal.Decimal) decimal.Decimal {
	var match *domain.TableTier
	for i := range tiers {
		if tiers[i].From.LessThanOrEqual(base) {
			match = &tiers[i]
		} else {
			break
		}
	}
	if match == nil {
		return decimal.Zero
	}

	total := decimal.Zero
	if match.Rate.Valid {
		total = total.Add(base.Mul(match.Rate.Decimal))
	}
	if match.Amount.Valid {
		total = total.Add(match.Amount.Decimal)
	}
	return total
}

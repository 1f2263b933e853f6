package engine

import (
	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// applyBonuses filters a matched rule's bonus overlays to those whose
// criterion holds for the attention record and sums their percentage
// deltas. Bonuses are always additive on the percentage axis and stack
// regardless of the parent rule's exclusivity mode:
//
//	result = payment * (1 + sum(applicable percents))
//
// The compiled bonus list is already ordered by priority ascending, so the
// returned traces are deterministic even though addition is commutative.
func applyBonuses(rule *compiledRule, att *domain.Attention, payment decimal.Decimal) (decimal.Decimal, decimal.Decimal, []domain.BonusTrace, error) {
	if len(rule.Bonuses) == 0 {
		return payment, decimal.Zero, nil, nil
	}

	sum := decimal.Zero
	var traces []domain.BonusTrace

	for _, cb := range rule.Bonuses {
		ok, err := cb.criterion.eval(att)
		if err != nil {
			return decimal.Zero, decimal.Zero, nil, err
		}
		if !ok {
			continue
		}
		sum = sum.Add(cb.Bonus.Percent)
		traces = append(traces, domain.BonusTrace{
			BonusID:     cb.Bonus.ID,
			Description: cb.Bonus.Description,
			Percent:     cb.Bonus.Percent,
			Priority:    cb.Bonus.Priority,
		})
	}

	if len(traces) == 0 {
		return payment, decimal.Zero, nil, nil
	}

	adjusted := payment.Mul(decimal.NewFromInt(1).Add(sum))
	return adjusted, sum, traces, nil
}

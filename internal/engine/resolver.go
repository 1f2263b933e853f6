package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// resolveState tracks the exclusivity resolver's progress over the
// candidate list.
type resolveState int

const (
	statePending resolveState = iota
	stateEvaluating
	stateResolved
)

// resolution is the resolver's output: the unrounded running total and the
// decision trace.
type resolution struct {
	Total         decimal.Decimal
	Contributions []domain.RuleContribution
	Traces        []domain.RuleTrace

	state resolveState
}

// resolve walks the priority-ordered candidate list and applies exclusivity
// semantics. Priority order, not exclusivity mode, determines evaluation
// order; exclusivity mode only determines whether evaluation continues past
// a rule. Stacked contributions accrued before a first_win short-circuit
// are retained.
func (e *Engine) resolve(ctx context.Context, candidates []*compiledRule, att *domain.Attention) (*resolution, error) {
	res := &resolution{Total: decimal.Zero, state: statePending}

	for i, cr := range candidates {
		res.state = stateEvaluating

		base, err := e.resolveBase(ctx, cr, att)
		if err != nil {
			return nil, err
		}

		gross, err := computePayment(cr, base)
		if err != nil {
			return nil, err
		}

		amount, bonusPct, bonusTraces, err := applyBonuses(cr, att, gross)
		if err != nil {
			return nil, err
		}

		res.Total = res.Total.Add(amount)
		res.Contributions = append(res.Contributions, domain.RuleContribution{
			RuleID:       cr.Rule.ID,
			RuleName:     cr.Rule.Name,
			Priority:     cr.Rule.Priority,
			Exclusivity:  cr.Rule.Exclusivity,
			RuleType:     cr.Rule.RuleType,
			Base:         base,
			Gross:        gross,
			BonusPercent: bonusPct,
			Amount:       amount,
			Bonuses:      bonusTraces,
		})
		res.Traces = append(res.Traces, domain.RuleTrace{
			RuleID:   cr.Rule.ID,
			Priority: cr.Rule.Priority,
			Applied:  true,
		})

		if cr.Rule.Exclusivity == domain.ExclusivityFirstWin {
			// Short-circuit: remaining candidates are recorded as
			// considered but never evaluated.
			for _, skipped := range candidates[i+1:] {
				res.Traces = append(res.Traces, domain.RuleTrace{
					RuleID:   skipped.Rule.ID,
					Priority: skipped.Rule.Priority,
					Applied:  false,
					Skipped:  "first_win_short_circuit",
				})
			}
			res.state = stateResolved
			break
		}
	}

	// Resolved: either a first_win fired or the candidate list is exhausted.
	res.state = stateResolved

	return res, nil
}

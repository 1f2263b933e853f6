package engine

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/opensalud/convenia/internal/domain"
)

// Snapshot is an immutable, versioned view of the rule catalog. Every
// evaluation reads exactly one snapshot, so concurrent evaluations never
// observe a half-updated catalog.
type Snapshot struct {
	Version   string
	CreatedAt time.Time

	// rules sorted by priority ascending, rule ID as tie-break.
	rules []*compiledRule
}

// compiledRule is a convenio with its criteria, bonuses and combination
// payload decoded and validated.
type compiledRule struct {
	Rule        *domain.Convenio
	Criteria    []*compiledCriterion
	Bonuses     []*compiledBonus
	Combination *domain.CombinationSpec
}

type compiledBonus struct {
	Bonus     domain.Bono
	criterion *compiledCriterion
}

// RulesCount returns the number of rules in the snapshot.
func (s *Snapshot) RulesCount() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the underlying convenio configurations in snapshot order.
func (s *Snapshot) Rules() []*domain.Convenio {
	out := make([]*domain.Convenio, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// BuildSnapshot validates and compiles a rule catalog. A single malformed
// rule fails the whole build: skipping it silently would misrepresent which
// rules were considered during evaluation.
func BuildSnapshot(env *cel.Env, rules []*domain.Convenio) (*Snapshot, error) {
	compiled := make([]*compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := compileRule(env, rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	sort.Slice(compiled, func(i, j int) bool {
		a, b := compiled[i].Rule, compiled[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	return &Snapshot{
		Version:   uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		rules:     compiled,
	}, nil
}

func compileRule(env *cel.Env, rule *domain.Convenio) (*compiledRule, error) {
	if rule.ID == "" {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "rule id is required"}
	}

	switch rule.Exclusivity {
	case domain.ExclusivityFirstWin, domain.ExclusivityStack:
	default:
		return nil, &ConfigError{RuleID: rule.ID, Reason: "exclusivityMode must be first_win or stack"}
	}

	switch rule.DateReference {
	case domain.DateRefExecution, domain.DateRefSalePayment:
	default:
		return nil, &ConfigError{RuleID: rule.ID, Reason: "dateReference must be execution or sale_payment"}
	}

	if !validBaseValue(rule.BaseValue) {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "unknown baseValue selector"}
	}

	if rule.ValidFrom.IsZero() {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "validFrom is required"}
	}
	if rule.ValidTo != nil && rule.ValidFrom.After(*rule.ValidTo) {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "validFrom is after validTo"}
	}

	comb, err := compileCombination(rule)
	if err != nil {
		return nil, err
	}

	cr := &compiledRule{Rule: rule, Combination: comb}

	for _, crit := range rule.Criteria {
		cc, err := compileCriterion(env, rule.ID, crit, false)
		if err != nil {
			return nil, err
		}
		cr.Criteria = append(cr.Criteria, cc)
	}

	for _, bono := range rule.Bonuses {
		cc, err := compileCriterion(env, rule.ID, domain.Criterio{
			ID:       bono.ID,
			Key:      bono.Key,
			Operator: bono.Operator,
			Value:    bono.Value,
		}, true)
		if err != nil {
			return nil, err
		}
		cr.Bonuses = append(cr.Bonuses, &compiledBonus{Bonus: bono, criterion: cc})
	}

	// Bonus order must be deterministic: priority ascending, ID tie-break.
	sort.Slice(cr.Bonuses, func(i, j int) bool {
		a, b := cr.Bonuses[i].Bonus, cr.Bonuses[j].Bonus
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	return cr, nil
}

// compileCombination enforces the rule-type parameter contract: table-based
// and calc_plus_fixed types require a combination payload, all other types
// require ruleValue.
func compileCombination(rule *domain.Convenio) (*domain.CombinationSpec, error) {
	switch rule.RuleType {
	case domain.RuleTypePercentage, domain.RuleTypeFixed, domain.RuleTypeFactor:
		if !rule.RuleValue.Valid {
			return nil, &ConfigError{RuleID: rule.ID, Reason: "ruleValue is required for type " + string(rule.RuleType)}
		}
		return nil, nil

	case domain.RuleTypeCumulativeTable, domain.RuleTypeDirectTable:
		spec, err := decodeCombination(rule)
		if err != nil {
			return nil, err
		}
		if len(spec.Tiers) == 0 {
			return nil, &ConfigError{RuleID: rule.ID, Reason: "table rule requires a non-empty tiers combination"}
		}
		sort.Slice(spec.Tiers, func(i, j int) bool {
			return spec.Tiers[i].From.LessThan(spec.Tiers[j].From)
		})
		for i, tier := range spec.Tiers {
			if tier.From.IsNegative() {
				return nil, &ConfigError{RuleID: rule.ID, Reason: "tier threshold is negative"}
			}
			if !tier.Rate.Valid && !tier.Amount.Valid {
				return nil, &ConfigError{RuleID: rule.ID, Reason: "tier needs a rate or an amount"}
			}
			if i > 0 && tier.From.Equal(spec.Tiers[i-1].From) {
				return nil, &ConfigError{RuleID: rule.ID, Reason: "duplicate tier threshold " + tier.From.String()}
			}
		}
		return spec, nil

	case domain.RuleTypeCalcPlusFixed:
		spec, err := decodeCombination(rule)
		if err != nil {
			return nil, err
		}
		if spec.Mode != domain.RuleTypePercentage && spec.Mode != domain.RuleTypeFactor {
			return nil, &ConfigError{RuleID: rule.ID, Reason: "calc_plus_fixed mode must be percentage or factor"}
		}
		if !spec.Value.Valid {
			return nil, &ConfigError{RuleID: rule.ID, Reason: "calc_plus_fixed requires a value"}
		}
		return spec, nil

	default:
		return nil, &ConfigError{RuleID: rule.ID, Reason: "unknown ruleType " + string(rule.RuleType)}
	}
}

func decodeCombination(rule *domain.Convenio) (*domain.CombinationSpec, error) {
	if len(rule.Combination) == 0 {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "combination payload is required for type " + string(rule.RuleType)}
	}
	var spec domain.CombinationSpec
	if err := json.Unmarshal(rule.Combination, &spec); err != nil {
		return nil, &ConfigError{RuleID: rule.ID, Reason: "combination payload does not decode", Err: err}
	}
	return &spec, nil
}

func validBaseValue(b domain.BaseValue) bool {
	switch b {
	case domain.BaseCollectedExempt, domain.BaseCollectedTaxable, domain.BaseCollectedTotal,
		domain.BaseAccruedHospital, domain.BaseInsuranceTier1, domain.BaseInsuranceTier2,
		domain.BaseInsuranceTier3, domain.BaseSpecificTariff:
		return true
	}
	return false
}

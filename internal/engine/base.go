package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// TariffGetter resolves the specific tariff (arancel) for a service code
// when the attention record does not carry one.
type TariffGetter func(ctx context.Context, tenantID, serviceCode string) (decimal.Decimal, error)

// resolveBase extracts the monetary base selected by a rule from the
// attention record. An absent field is an error, never a silent zero.
func (e *Engine) resolveBase(ctx context.Context, rule *compiledRule, att *domain.Attention) (decimal.Decimal, error) {
	amounts := att.Amounts

	var field decimal.NullDecimal
	switch rule.Rule.BaseValue {
	case domain.BaseCollectedExempt:
		field = amounts.CollectedExempt
	case domain.BaseCollectedTaxable:
		field = amounts.CollectedTaxable
	case domain.BaseCollectedTotal:
		field = amounts.CollectedTotal
	case domain.BaseAccruedHospital:
		field = amounts.AccruedHospital
	case domain.BaseInsuranceTier1:
		field = amounts.InsuranceTier1
	case domain.BaseInsuranceTier2:
		field = amounts.InsuranceTier2
	case domain.BaseInsuranceTier3:
		field = amounts.InsuranceTier3
	case domain.BaseSpecificTariff:
		return e.resolveTariff(ctx, rule, att)
	default:
		return decimal.Zero, &ConfigError{RuleID: rule.Rule.ID, Reason: "unknown baseValue selector"}
	}

	if !field.Valid {
		return decimal.Zero, &MissingBaseFieldError{RuleID: rule.Rule.ID, Base: rule.Rule.BaseValue}
	}
	return field.Decimal, nil
}

// resolveTariff prefers the tariff attached to the record, falling back to
// the tariff service keyed by service code.
func (e *Engine) resolveTariff(ctx context.Context, rule *compiledRule, att *domain.Attention) (decimal.Decimal, error) {
	if att.Amounts.SpecificTariff.Valid {
		return att.Amounts.SpecificTariff.Decimal, nil
	}
	if e.tariffGetter == nil {
		return decimal.Zero, &MissingBaseFieldError{RuleID: rule.Rule.ID, Base: domain.BaseSpecificTariff}
	}
	tariff, err := e.tariffGetter(ctx, att.TenantID, att.ServiceCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rule %s: tariff lookup for service %s: %w", rule.Rule.ID, att.ServiceCode, err)
	}
	return tariff, nil
}

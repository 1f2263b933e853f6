package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// attrKind classifies an attention attribute for operator validation.
type attrKind int

const (
	attrString attrKind = iota
	attrDecimal
	attrDate
)

// attribute is a resolved attention attribute value.
type attribute struct {
	kind    attrKind
	str     string
	dec     decimal.Decimal
	date    time.Time
	present bool
}

// attributeResolvers maps criterion keys to resolver functions. A key with
// no entry here is a configuration error, caught at catalog build time.
var attributeResolvers = map[string]func(*domain.Attention) attribute{
	"codigo_prestacion": func(a *domain.Attention) attribute { return strAttr(a.ServiceCode) },
	"tipo_prestacion":   func(a *domain.Attention) attribute { return strAttr(a.ServiceType) },
	"especialidad":      func(a *domain.Attention) attribute { return strAttr(a.Specialty) },
	"rol_paciente":      func(a *domain.Attention) attribute { return strAttr(a.PatientRole) },
	"tipo_dia":          func(a *domain.Attention) attribute { return strAttr(a.DayType) },
	"doctor_id":         func(a *domain.Attention) attribute { return strAttr(a.DoctorID) },

	"fecha_ejecucion": func(a *domain.Attention) attribute { return dateAttr(a.ExecutionDate) },
	"fecha_venta":     func(a *domain.Attention) attribute { return dateAttr(a.SaleDate) },

	"recaudado_exento":   func(a *domain.Attention) attribute { return decAttr(a.Amounts.CollectedExempt) },
	"recaudado_afecto":   func(a *domain.Attention) attribute { return decAttr(a.Amounts.CollectedTaxable) },
	"recaudado_total":    func(a *domain.Attention) attribute { return decAttr(a.Amounts.CollectedTotal) },
	"devengado_hospital": func(a *domain.Attention) attribute { return decAttr(a.Amounts.AccruedHospital) },
	"prevision_tramo_1":  func(a *domain.Attention) attribute { return decAttr(a.Amounts.InsuranceTier1) },
	"prevision_tramo_2":  func(a *domain.Attention) attribute { return decAttr(a.Amounts.InsuranceTier2) },
	"prevision_tramo_3":  func(a *domain.Attention) attribute { return decAttr(a.Amounts.InsuranceTier3) },
	"arancel_especifico": func(a *domain.Attention) attribute { return decAttr(a.Amounts.SpecificTariff) },
}

// attributeKinds mirrors attributeResolvers for compile-time operator checks.
var attributeKinds = map[string]attrKind{
	"codigo_prestacion":  attrString,
	"tipo_prestacion":    attrString,
	"especialidad":       attrString,
	"rol_paciente":       attrString,
	"tipo_dia":           attrString,
	"doctor_id":          attrString,
	"fecha_ejecucion":    attrDate,
	"fecha_venta":        attrDate,
	"recaudado_exento":   attrDecimal,
	"recaudado_afecto":   attrDecimal,
	"recaudado_total":    attrDecimal,
	"devengado_hospital": attrDecimal,
	"prevision_tramo_1":  attrDecimal,
	"prevision_tramo_2":  attrDecimal,
	"prevision_tramo_3":  attrDecimal,
	"arancel_especifico": attrDecimal,
}

func strAttr(s string) attribute {
	return attribute{kind: attrString, str: s, present: s != ""}
}

func dateAttr(t time.Time) attribute {
	return attribute{kind: attrDate, date: t, present: !t.IsZero()}
}

func decAttr(d decimal.NullDecimal) attribute {
	return attribute{kind: attrDecimal, dec: d.Decimal, present: d.Valid}
}

// resolveAttribute resolves the attribute named by key from an attention
// record. The caller validated the key at catalog build, so a miss here
// still returns an explicit error rather than passing silently.
func resolveAttribute(att *domain.Attention, key string) (attribute, bool) {
	resolver, ok := attributeResolvers[key]
	if !ok {
		return attribute{}, false
	}
	return resolver(att), true
}

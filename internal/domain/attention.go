package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Attention represents a billed medical attention to be settled.
// It arrives as a validated structured record; the engine never mutates it.
type Attention struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Catalog attributes used by rule criteria
	ServiceCode string `json:"serviceCode"` // codigo_prestacion
	ServiceType string `json:"serviceType"` // tipo_prestacion (e.g. "cirugia", "consulta", "insumo")
	Specialty   string `json:"specialty"`   // especialidad
	PatientRole string `json:"patientRole"` // rol_paciente
	DayType     string `json:"dayType"`     // tipo_dia (e.g. "habil", "festivo")
	DoctorID    string `json:"doctorId"`

	// Reference dates. ExecutionDate is when the service was rendered,
	// SaleDate is when the attention was billed/paid.
	ExecutionDate time.Time `json:"executionDate"`
	SaleDate      time.Time `json:"saleDate"`

	// Monetary base fields. An absent field stays Valid=false; the base
	// resolver fails rather than defaulting it to zero.
	Amounts  AttentionAmounts `json:"amounts"`
	Currency string           `json:"currency"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AttentionAmounts holds the monetary base fields of an attention.
// NullDecimal distinguishes "absent" from "zero".
type AttentionAmounts struct {
	CollectedExempt  decimal.NullDecimal `json:"collectedExempt"`  // recaudado_exento
	CollectedTaxable decimal.NullDecimal `json:"collectedTaxable"` // recaudado_afecto
	CollectedTotal   decimal.NullDecimal `json:"collectedTotal"`   // recaudado_total
	AccruedHospital  decimal.NullDecimal `json:"accruedHospital"`  // devengado_hospital
	InsuranceTier1   decimal.NullDecimal `json:"insuranceTier1"`   // prevision_tramo_1
	InsuranceTier2   decimal.NullDecimal `json:"insuranceTier2"`   // prevision_tramo_2
	InsuranceTier3   decimal.NullDecimal `json:"insuranceTier3"`   // prevision_tramo_3
	SpecificTariff   decimal.NullDecimal `json:"specificTariff"`   // arancel_especifico
}

// ReferenceDate returns the date checked against a rule's validity window.
func (a *Attention) ReferenceDate(ref DateReference) time.Time {
	if ref == DateRefSalePayment {
		return a.SaleDate
	}
	return a.ExecutionDate
}

package engine

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

func scalarRule(ruleType domain.RuleType, value string) *compiledRule {
	return &compiledRule{
		Rule: &domain.Convenio{
			ID:        "calc-test",
			RuleType:  ruleType,
			RuleValue: nd(value),
		},
	}
}

func tableRule(t *testing.T, ruleType domain.RuleType, combination string) *compiledRule {
	t.Helper()
	rule := &domain.Convenio{
		ID:          "table-test",
		TenantID:    "clinica-norte",
		RuleType:    ruleType,
		BaseValue:   domain.BaseCollectedTotal,
		Exclusivity: domain.ExclusivityStack,
		DateReference: domain.DateRefExecution,
		ValidFrom:   mustDate("2026-01-01"),
		Combination: json.RawMessage(combination),
		Enabled:     true,
	}
	comb, err := compileCombination(rule)
	if err != nil {
		t.Fatalf("failed to compile combination: %v", err)
	}
	return &compiledRule{Rule: rule, Combination: comb}
}

func TestComputePercentage(t *testing.T) {
	got, err := computePayment(scalarRule(domain.RuleTypePercentage, "0.70"), dec("1000000"))
	if err != nil {
		t.Fatalf("computePayment failed: %v", err)
	}
	if !got.Equal(dec("700000")) {
		t.Errorf("expected 700000, got %s", got)
	}
}

func TestComputeZeroPercentage(t *testing.T) {
	got, err := computePayment(scalarRule(domain.RuleTypePercentage, "0"), dec("1000000"))
	if err != nil {
		t.Fatalf("computePayment failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("zero percentage must yield zero, got %s", got)
	}
}

func TestComputeFixedIgnoresBase(t *testing.T) {
	rule := scalarRule(domain.RuleTypeFixed, "15000")
	for _, base := range []string{"0", "1", "99999999"} {
		got, err := computePayment(rule, dec(base))
		if err != nil {
			t.Fatalf("computePayment failed: %v", err)
		}
		if !got.Equal(dec("15000")) {
			t.Errorf("fixed with base %s: expected 15000, got %s", base, got)
		}
	}
}

func TestComputeFactorAboveOne(t *testing.T) {
	got, err := computePayment(scalarRule(domain.RuleTypeFactor, "1.25"), dec("400000"))
	if err != nil {
		t.Fatalf("computePayment failed: %v", err)
	}
	if !got.Equal(dec("500000")) {
		t.Errorf("expected 500000, got %s", got)
	}
}

func TestCumulativeTable(t *testing.T) {
	rule := tableRule(t, domain.RuleTypeCumulativeTable,
		`{"tiers":[{"from":0,"rate":"0.10"},{"from":100000,"rate":"0.05"}]}`)

	tests := []struct {
		base string
		want string
	}{
		{"50000", "5000"},      // entirely inside the first tier
		{"100000", "10000"},    // exactly at the second threshold
		{"150000", "12500"},    // 100000*0.10 + 50000*0.05
		{"0", "0"},             // nothing above the first threshold
	}

	for _, tt := range tests {
		got, err := computePayment(rule, dec(tt.base))
		if err != nil {
			t.Fatalf("computePayment(%s) failed: %v", tt.base, err)
		}
		if !got.Equal(dec(tt.want)) {
			t.Errorf("cumulative base %s: expected %s, got %s", tt.base, tt.want, got)
		}
	}
}

func TestDirectTable(t *testing.T) {
	rule := tableRule(t, domain.RuleTypeDirectTable,
		`{"tiers":[{"from":10000,"rate":"0.10"},{"from":100000,"rate":"0.05"}]}`)

	tests := []struct {
		base string
		want string
	}{
		{"150000", "7500"},  // single matching tier, whole base at 0.05
		{"50000", "5000"},   // first tier applies to the whole base
		{"5000", "0"},       // below the first threshold pays nothing
	}

	for _, tt := range tests {
		got, err := computePayment(rule, dec(tt.base))
		if err != nil {
			t.Fatalf("computePayment(%s) failed: %v", tt.base, err)
		}
		if !got.Equal(dec(tt.want)) {
			t.Errorf("direct base %s: expected %s, got %s", tt.base, tt.want, got)
		}
	}
}

// Same tiers, same base: cumulative accumulates across tiers while direct
// pays only the matching tier.
func TestTableModesDiverge(t *testing.T) {
	tiers := `{"tiers":[{"from":0,"rate":"0.10"},{"from":100000,"rate":"0.05"}]}`
	base := dec("150000")

	cumulative, err := computePayment(tableRule(t, domain.RuleTypeCumulativeTable, tiers), base)
	if err != nil {
		t.Fatalf("cumulative failed: %v", err)
	}
	direct, err := computePayment(tableRule(t, domain.RuleTypeDirectTable, tiers), base)
	if err != nil {
		t.Fatalf("direct failed: %v", err)
	}

	if !cumulative.Equal(dec("12500")) {
		t.Errorf("cumulative: expected 12500, got %s", cumulative)
	}
	if !direct.Equal(dec("7500")) {
		t.Errorf("direct: expected 7500, got %s", direct)
	}
	if cumulative.Equal(direct) {
		t.Error("modes must diverge on multi-tier bases")
	}
}

func TestTableFlatAmounts(t *testing.T) {
	rule := tableRule(t, domain.RuleTypeDirectTable,
		`{"tiers":[{"from":0,"amount":"5000"},{"from":100000,"amount":"20000"}]}`)

	got, err := computePayment(rule, dec("250000"))
	if err != nil {
		t.Fatalf("computePayment failed: %v", err)
	}
	if !got.Equal(dec("20000")) {
		t.Errorf("expected flat 20000, got %s", got)
	}
}

func TestCalcPlusFixed(t *testing.T) {
	rule := tableRule(t, domain.RuleTypeCalcPlusFixed,
		`{"mode":"percentage","value":"0.10","fixed":"5000"}`)

	got, err := computePayment(rule, dec("200000"))
	if err != nil {
		t.Fatalf("computePayment failed: %v", err)
	}
	if !got.Equal(dec("25000")) {
		t.Errorf("expected 25000, got %s", got)
	}
}

func TestCombinationValidation(t *testing.T) {
	tests := []struct {
		name string
		rule *domain.Convenio
	}{
		{"scalar type without ruleValue", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypePercentage,
		}},
		{"table without combination", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeCumulativeTable,
		}},
		{"table with empty tiers", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeDirectTable,
			Combination: json.RawMessage(`{"tiers":[]}`),
		}},
		{"tier missing rate and amount", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeDirectTable,
			Combination: json.RawMessage(`{"tiers":[{"from":0}]}`),
		}},
		{"negative threshold", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeDirectTable,
			Combination: json.RawMessage(`{"tiers":[{"from":-10,"rate":"0.1"}]}`),
		}},
		{"duplicate threshold", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeCumulativeTable,
			Combination: json.RawMessage(`{"tiers":[{"from":0,"rate":"0.1"},{"from":0,"rate":"0.2"}]}`),
		}},
		{"calc_plus_fixed bad mode", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeCalcPlusFixed,
			Combination: json.RawMessage(`{"mode":"fixed","value":"0.1"}`),
		}},
		{"calc_plus_fixed without value", &domain.Convenio{
			ID: "r", RuleType: domain.RuleTypeCalcPlusFixed,
			Combination: json.RawMessage(`{"mode":"percentage"}`),
		}},
		{"unknown rule type", &domain.Convenio{
			ID: "r", RuleType: "lottery", RuleValue: nd("1"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compileCombination(tt.rule); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestCombinationTiersSorted(t *testing.T) {
	rule := &domain.Convenio{
		ID: "r", RuleType: domain.RuleTypeCumulativeTable,
		Combination: json.RawMessage(`{"tiers":[{"from":100000,"rate":"0.05"},{"from":0,"rate":"0.10"}]}`),
	}
	comb, err := compileCombination(rule)
	if err != nil {
		t.Fatalf("compileCombination failed: %v", err)
	}
	if len(comb.Tiers) != 2 || !comb.Tiers[0].From.IsZero() {
		t.Errorf("tiers should be sorted ascending by threshold, got %+v", comb.Tiers)
	}

	// Sorted tiers produce the same payment regardless of input order.
	got := cumulativeTable(comb.Tiers, dec("150000"))
	if !got.Equal(dec("12500")) {
		t.Errorf("expected 12500, got %s", got)
	}
}

func TestRoundToMinorUnit(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"110999.889", "CLP", "111000"},
		{"110999.499", "CLP", "110999"},
		{"110999.5", "CLP", "111000"}, // half rounds up
		{"123.455", "USD", "123.46"},
		{"123.454", "USD", "123.45"},
		{"0.12345", "UF", "0.1235"},
		{"10.005", "XXX", "10.01"}, // unknown currency defaults to 2 digits
	}

	for _, tt := range tests {
		got := domain.RoundToMinorUnit(dec(tt.amount), tt.currency)
		if !got.Equal(dec(tt.want)) {
			t.Errorf("round %s %s: expected %s, got %s", tt.amount, tt.currency, tt.want, got)
		}
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

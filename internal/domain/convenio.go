package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType determines how a convenio computes its payment.
type RuleType string

const (
	RuleTypePercentage      RuleType = "percentage"       // base * value, value in [0,1]
	RuleTypeFixed           RuleType = "fixed"            // value, base ignored
	RuleTypeFactor          RuleType = "factor"           // base * value, value unconstrained
	RuleTypeCumulativeTable RuleType = "cumulative_table" // progressive tiers, contributions accumulate
	RuleTypeDirectTable     RuleType = "direct_table"     // single matching tier determines payment
	RuleTypeCalcPlusFixed   RuleType = "calc_plus_fixed"  // computed amount plus fixed addend
)

// BaseValue selects the monetary field an attention contributes as the
// calculation base.
type BaseValue string

const (
	BaseCollectedExempt  BaseValue = "recaudado_exento"
	BaseCollectedTaxable BaseValue = "recaudado_afecto"
	BaseCollectedTotal   BaseValue = "recaudado_total"
	BaseAccruedHospital  BaseValue = "devengado_hospital"
	BaseInsuranceTier1   BaseValue = "prevision_tramo_1"
	BaseInsuranceTier2   BaseValue = "prevision_tramo_2"
	BaseInsuranceTier3   BaseValue = "prevision_tramo_3"
	BaseSpecificTariff   BaseValue = "arancel_especifico"
)

// Operator is a criterion comparison operator.
type Operator string

const (
	OpEqual   Operator = "eq"
	OpIn      Operator = "in"      // value decodes as a JSON array
	OpLike    Operator = "like"    // % glob semantics
	OpGTE     Operator = "gte"
	OpLTE     Operator = "lte"
	OpBetween Operator = "between" // value decodes as a two-element JSON array, inclusive
	OpRegex   Operator = "regex"
	OpExpr    Operator = "expr"    // CEL expression over attention attributes
)

// DateReference selects which attention date is checked against the
// validity window.
type DateReference string

const (
	DateRefExecution   DateReference = "execution"
	DateRefSalePayment DateReference = "sale_payment"
)

// ExclusivityMode governs whether a matched rule suppresses evaluation of
// lower-priority rules.
type ExclusivityMode string

const (
	ExclusivityFirstWin ExclusivityMode = "first_win"
	ExclusivityStack    ExclusivityMode = "stack"
)

// Convenio is a configured agreement rule. The engine treats it as
// read-only; administrative edits happen outside the evaluation path.
type Convenio struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Lower priority evaluates earlier.
	Priority int `json:"priority"`

	// Validity window. Nil ValidTo means open-ended.
	ValidFrom     time.Time     `json:"validFrom"`
	ValidTo       *time.Time    `json:"validTo,omitempty"`
	DateReference DateReference `json:"dateReference"`

	RuleType  RuleType            `json:"ruleType"`
	RuleValue decimal.NullDecimal `json:"ruleValue"`

	// Combination encodes lookup tiers or a combined formula. Required
	// for table-based and calc_plus_fixed rule types, empty otherwise.
	Combination json.RawMessage `json:"combination,omitempty"`

	BaseValue   BaseValue       `json:"baseValue"`
	Exclusivity ExclusivityMode `json:"exclusivityMode"`

	// Owned children. Deleting the convenio cascades.
	Criteria []Criterio `json:"criteria"`
	Bonuses  []Bono     `json:"bonuses,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Criterio is a single attribute predicate owned by a convenio.
// All criteria of a rule are AND-combined; a rule with zero criteria
// matches unconditionally.
type Criterio struct {
	ID       string   `json:"id"`
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	// Value is a scalar, or a JSON-encoded set/range depending on the
	// operator; for OpExpr it is a CEL expression source.
	Value string `json:"value"`
}

// Bono is an additive percentage overlay owned by a convenio. It only
// activates if its rule already matched and its own criterion holds.
type Bono struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Percent     decimal.Decimal `json:"percent"` // additive, 0.10 = +10 points
	Priority    int             `json:"priority"`

	// Single criterion, restricted to eq / in / like.
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// CombinationSpec is the decoded form of Convenio.Combination.
type CombinationSpec struct {
	// Tiers for table-based rule types, ascending by From.
	Tiers []TableTier `json:"tiers,omitempty"`

	// calc_plus_fixed parts.
	Mode  RuleType            `json:"mode,omitempty"` // percentage or factor
	Value decimal.NullDecimal `json:"value,omitempty"`
	Fixed decimal.NullDecimal `json:"fixed,omitempty"`
}

// TableTier is one tier of a cumulative or direct lookup table.
// Rate applies to the amount within the tier; Amount is a flat
// contribution for the tier. At least one must be set.
type TableTier struct {
	From   decimal.Decimal     `json:"from"` // inclusive lower threshold
	Rate   decimal.NullDecimal `json:"rate,omitempty"`
	Amount decimal.NullDecimal `json:"amount,omitempty"`
}

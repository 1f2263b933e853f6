package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settlement is the immutable outcome of running one attention through the
// convenios engine. It doubles as the audit record: input snapshot, decision
// trace, and final amount. Created exactly once per calculation, never
// mutated or deleted.
type Settlement struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	AttentionID string `json:"attentionId"`

	// "matched_some" or "matched_none". A zero payment with a contributing
	// rule is still matched_some.
	Status string `json:"status"`

	// Total is rounded to the currency minor unit, once, after the full
	// computation chain.
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`

	Timestamp time.Time `json:"timestamp"`

	// Full input snapshot for reconciliation.
	Attention *Attention `json:"attention,omitempty"`

	// Contributions lists the rules that contributed, in evaluation order.
	Contributions []RuleContribution `json:"contributions"`

	// Evaluated lists every candidate considered, including those skipped
	// by a first_win short-circuit.
	Evaluated []RuleTrace `json:"evaluated"`

	// AuditPending is set when the settlement was returned to the caller
	// but its audit write degraded and needs reconciliation.
	AuditPending bool `json:"auditPending,omitempty"`

	Metadata SettlementMetadata `json:"metadata"`
}

// RuleContribution records one rule's share of the final amount.
type RuleContribution struct {
	RuleID      string          `json:"ruleId"`
	RuleName    string          `json:"ruleName"`
	Priority    int             `json:"priority"`
	Exclusivity ExclusivityMode `json:"exclusivityMode"`
	RuleType    RuleType        `json:"ruleType"`

	Base         decimal.Decimal `json:"base"`
	Gross        decimal.Decimal `json:"gross"`        // before bonuses
	BonusPercent decimal.Decimal `json:"bonusPercent"` // sum of applicable bonus deltas
	Amount       decimal.Decimal `json:"amount"`       // gross * (1 + bonusPercent), unrounded

	Bonuses []BonusTrace `json:"bonuses,omitempty"`
}

// BonusTrace records one applied bonus overlay.
type BonusTrace struct {
	BonusID     string          `json:"bonusId"`
	Description string          `json:"description"`
	Percent     decimal.Decimal `json:"percent"`
	Priority    int             `json:"priority"`
}

// RuleTrace records that a candidate rule was considered and how it ended.
type RuleTrace struct {
	RuleID   string `json:"ruleId"`
	Priority int    `json:"priority"`
	Applied  bool   `json:"applied"`
	// Skipped reason, e.g. "first_win_short_circuit". Empty when applied.
	Skipped string `json:"skipped,omitempty"`
}

// SettlementMetadata contains processing information.
type SettlementMetadata struct {
	TraceID         string `json:"traceId"`
	CatalogVersion  string `json:"catalogVersion"`
	EngineVersion   string `json:"engineVersion"`
	RulesConsidered int    `json:"rulesConsidered"`
	RulesMatched    int    `json:"rulesMatched"`
	EvalMs          int64  `json:"evalMs"`
	AuditMs         int64  `json:"auditMs"`
	TotalMs         int64  `json:"totalMs"`
}

// Settlement status constants.
const (
	StatusMatchedSome = "matched_some"
	StatusMatchedNone = "matched_none"
)

package engine

import (
	"fmt"

	"github.com/opensalud/convenia/internal/domain"
)

// UnknownAttributeError reports a criterion key with no attribute resolver.
// This is a configuration error, not a data error, and never passes silently.
type UnknownAttributeError struct {
	RuleID      string
	CriterionID string
	Key         string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("rule %s criterion %s: unknown attribute key %q", e.RuleID, e.CriterionID, e.Key)
}

// MalformedCriterionError reports a criterion value that does not decode for
// its operator, or an operator applied to a non-orderable attribute.
type MalformedCriterionError struct {
	RuleID      string
	CriterionID string
	Operator    domain.Operator
	Reason      string
}

func (e *MalformedCriterionError) Error() string {
	return fmt.Sprintf("rule %s criterion %s: operator %s: %s", e.RuleID, e.CriterionID, e.Operator, e.Reason)
}

// MissingBaseFieldError reports that the base field selected by a rule is
// absent on the attention record. It propagates instead of defaulting to
// zero, which would corrupt financial output.
type MissingBaseFieldError struct {
	RuleID string
	Base   domain.BaseValue
}

func (e *MissingBaseFieldError) Error() string {
	return fmt.Sprintf("rule %s: base field %s is absent on the attention record", e.RuleID, e.Base)
}

// ConfigError reports an invalid rule at catalog build time: missing
// required parameters for its type, inverted validity window, undecodable
// combination payload, or a criterion that fails compilation.
type ConfigError struct {
	RuleID string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %s: %s: %v", e.RuleID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// InputError reports a malformed or incomplete attention record, rejected
// before it enters the rule matcher.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid attention record: field %s: %s", e.Field, e.Reason)
}

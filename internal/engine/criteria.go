package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// compiledCriterion is a criterion with its value decoded for its operator.
// Decoding happens once at catalog build; evaluation is a pure function of
// the attention record.
type compiledCriterion struct {
	ruleID string
	crit   domain.Criterio
	kind   attrKind

	// Decoded forms, populated per operator.
	scalar string
	num    decimal.Decimal
	date   time.Time
	set    map[string]struct{}
	loNum  decimal.Decimal
	hiNum  decimal.Decimal
	loDate time.Time
	hiDate time.Time
	re     *regexp.Regexp
	prog   cel.Program
}

// bonusOperators is the narrower operator set allowed on bonus criteria.
var bonusOperators = map[domain.Operator]bool{
	domain.OpEqual: true,
	domain.OpIn:    true,
	domain.OpLike:  true,
}

// compileCriterion validates and decodes a criterion. restricted limits the
// operator set (bonus criteria). All failures are configuration errors.
func compileCriterion(env *cel.Env, ruleID string, crit domain.Criterio, restricted bool) (*compiledCriterion, error) {
	if restricted && !bonusOperators[crit.Operator] {
		return nil, &MalformedCriterionError{
			RuleID: ruleID, CriterionID: crit.ID, Operator: crit.Operator,
			Reason: "operator not allowed on bonus criteria",
		}
	}

	// The expr operator evaluates over the whole record, not a single key.
	if crit.Operator == domain.OpExpr {
		return compileExprCriterion(env, ruleID, crit)
	}

	kind, ok := attributeKinds[crit.Key]
	if !ok {
		return nil, &UnknownAttributeError{RuleID: ruleID, CriterionID: crit.ID, Key: crit.Key}
	}

	c := &compiledCriterion{ruleID: ruleID, crit: crit, kind: kind}
	malformed := func(reason string) error {
		return &MalformedCriterionError{RuleID: ruleID, CriterionID: crit.ID, Operator: crit.Operator, Reason: reason}
	}

	switch crit.Operator {
	case domain.OpEqual:
		switch kind {
		case attrDecimal:
			num, err := decimal.NewFromString(crit.Value)
			if err != nil {
				return nil, malformed("value is not a number")
			}
			c.num = num
		case attrDate:
			d, err := parseDateValue(crit.Value)
			if err != nil {
				return nil, malformed("value is not a date")
			}
			c.date = d
		default:
			c.scalar = normalize(crit.Value)
		}

	case domain.OpIn:
		elems, err := decodeJSONList(crit.Value)
		if err != nil || len(elems) == 0 {
			return nil, malformed("value does not decode as a non-empty set")
		}
		c.set = make(map[string]struct{}, len(elems))
		for _, el := range elems {
			c.set[normalizeElement(kind, el)] = struct{}{}
		}

	case domain.OpLike:
		re, err := globToRegexp(crit.Value)
		if err != nil {
			return nil, malformed("invalid pattern")
		}
		c.re = re

	case domain.OpGTE, domain.OpLTE:
		switch kind {
		case attrDecimal:
			num, err := decimal.NewFromString(crit.Value)
			if err != nil {
				return nil, malformed("value is not a number")
			}
			c.num = num
		case attrDate:
			d, err := parseDateValue(crit.Value)
			if err != nil {
				return nil, malformed("value is not a date")
			}
			c.date = d
		default:
			return nil, malformed("attribute is not orderable")
		}

	case domain.OpBetween:
		elems, err := decodeJSONList(crit.Value)
		if err != nil || len(elems) != 2 {
			return nil, malformed("value does not decode as a two-element range")
		}
		switch kind {
		case attrDecimal:
			lo, errLo := decimal.NewFromString(elems[0])
			hi, errHi := decimal.NewFromString(elems[1])
			if errLo != nil || errHi != nil {
				return nil, malformed("range bounds are not numbers")
			}
			if lo.GreaterThan(hi) {
				return nil, malformed("range bounds are not ordered")
			}
			c.loNum, c.hiNum = lo, hi
		case attrDate:
			lo, errLo := parseDateValue(elems[0])
			hi, errHi := parseDateValue(elems[1])
			if errLo != nil || errHi != nil {
				return nil, malformed("range bounds are not dates")
			}
			if lo.After(hi) {
				return nil, malformed("range bounds are not ordered")
			}
			c.loDate, c.hiDate = lo, hi
		default:
			return nil, malformed("attribute is not orderable")
		}

	case domain.OpRegex:
		re, err := regexp.Compile(crit.Value)
		if err != nil {
			return nil, malformed("invalid regular expression")
		}
		c.re = re

	default:
		return nil, malformed("unsupported operator")
	}

	return c, nil
}

// compileExprCriterion compiles a CEL expression criterion. The expression
// must return bool; compile failures are configuration errors.
func compileExprCriterion(env *cel.Env, ruleID string, crit domain.Criterio) (*compiledCriterion, error) {
	ast, issues := env.Compile(crit.Value)
	if issues != nil && issues.Err() != nil {
		return nil, &MalformedCriterionError{
			RuleID: ruleID, CriterionID: crit.ID, Operator: crit.Operator,
			Reason: fmt.Sprintf("expression does not compile: %v", issues.Err()),
		}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &MalformedCriterionError{
			RuleID: ruleID, CriterionID: crit.ID, Operator: crit.Operator,
			Reason: fmt.Sprintf("expression must return bool, got %s", ast.OutputType()),
		}
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, &MalformedCriterionError{
			RuleID: ruleID, CriterionID: crit.ID, Operator: crit.Operator,
			Reason: fmt.Sprintf("expression program: %v", err),
		}
	}
	return &compiledCriterion{ruleID: ruleID, crit: crit, prog: prog}, nil
}

// eval evaluates the criterion against an attention record. Pure: no side
// effects, deterministic for a given record.
func (c *compiledCriterion) eval(att *domain.Attention) (bool, error) {
	if c.crit.Operator == domain.OpExpr {
		out, _, err := c.prog.Eval(exprActivation(att))
		if err != nil {
			return false, fmt.Errorf("rule %s criterion %s: expression evaluation: %w", c.ruleID, c.crit.ID, err)
		}
		b, ok := out.(types.Bool)
		return ok && bool(b), nil
	}

	attr, ok := resolveAttribute(att, c.crit.Key)
	if !ok {
		return false, &UnknownAttributeError{RuleID: c.ruleID, CriterionID: c.crit.ID, Key: c.crit.Key}
	}

	switch c.crit.Operator {
	case domain.OpEqual:
		switch c.kind {
		case attrDecimal:
			return attr.present && attr.dec.Equal(c.num), nil
		case attrDate:
			return attr.present && sameDay(attr.date, c.date), nil
		default:
			return normalize(attr.str) == c.scalar, nil
		}

	case domain.OpIn:
		_, member := c.set[normalizedForm(attr)]
		return attr.present && member, nil

	case domain.OpLike, domain.OpRegex:
		// An absent attribute matches no pattern, not even "%".
		return attr.present && c.re.MatchString(stringForm(attr)), nil

	case domain.OpGTE:
		if !attr.present {
			return false, nil
		}
		if c.kind == attrDate {
			return !attr.date.Before(c.date), nil
		}
		return attr.dec.GreaterThanOrEqual(c.num), nil

	case domain.OpLTE:
		if !attr.present {
			return false, nil
		}
		if c.kind == attrDate {
			return !attr.date.After(c.date), nil
		}
		return attr.dec.LessThanOrEqual(c.num), nil

	case domain.OpBetween:
		if !attr.present {
			return false, nil
		}
		if c.kind == attrDate {
			return !attr.date.Before(c.loDate) && !attr.date.After(c.hiDate), nil
		}
		return attr.dec.GreaterThanOrEqual(c.loNum) && attr.dec.LessThanOrEqual(c.hiNum), nil
	}

	return false, &MalformedCriterionError{
		RuleID: c.ruleID, CriterionID: c.crit.ID, Operator: c.crit.Operator,
		Reason: "unsupported operator",
	}
}

// normalize lowercases and trims a string for catalog matching.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeElement normalizes a set element: numeric elements compare by
// canonical decimal form, everything else by normalized string.
func normalizeElement(kind attrKind, el string) string {
	if kind == attrDecimal {
		if d, err := decimal.NewFromString(el); err == nil {
			return d.String()
		}
	}
	return normalize(el)
}

// normalizedForm returns the set-membership form of an attribute.
func normalizedForm(attr attribute) string {
	switch attr.kind {
	case attrDecimal:
		return attr.dec.String()
	case attrDate:
		return attr.date.Format("2006-01-02")
	default:
		return normalize(attr.str)
	}
}

// stringForm returns the pattern-matching form of an attribute.
func stringForm(attr attribute) string {
	switch attr.kind {
	case attrDecimal:
		return attr.dec.String()
	case attrDate:
		return attr.date.Format("2006-01-02")
	default:
		return attr.str
	}
}

// globToRegexp converts a % glob pattern (SQL LIKE semantics: % matches any
// run, _ matches one character) to an anchored case-insensitive regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// decodeJSONList decodes a JSON array value into element strings, keeping
// numbers in their literal form.
func decodeJSONList(value string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(value))
	dec.UseNumber()
	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	elems := make([]string, 0, len(raw))
	for _, el := range raw {
		switch v := el.(type) {
		case string:
			elems = append(elems, v)
		case json.Number:
			elems = append(elems, v.String())
		default:
			return nil, fmt.Errorf("unsupported element type %T", el)
		}
	}
	return elems, nil
}

// parseDateValue accepts plain dates and RFC 3339 timestamps.
func parseDateValue(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// exprActivation builds the CEL variable bindings for an attention record.
// Monetary fields are exposed as doubles: expr criteria are predicates, the
// payment arithmetic itself stays on decimals.
func exprActivation(att *domain.Attention) map[string]interface{} {
	return map[string]interface{}{
		"codigo_prestacion":  att.ServiceCode,
		"tipo_prestacion":    att.ServiceType,
		"especialidad":       att.Specialty,
		"rol_paciente":       att.PatientRole,
		"tipo_dia":           att.DayType,
		"doctor_id":          att.DoctorID,
		"fecha_ejecucion":    att.ExecutionDate,
		"fecha_venta":        att.SaleDate,
		"recaudado_exento":   nullDecFloat(att.Amounts.CollectedExempt),
		"recaudado_afecto":   nullDecFloat(att.Amounts.CollectedTaxable),
		"recaudado_total":    nullDecFloat(att.Amounts.CollectedTotal),
		"devengado_hospital": nullDecFloat(att.Amounts.AccruedHospital),
		"prevision_tramo_1":  nullDecFloat(att.Amounts.InsuranceTier1),
		"prevision_tramo_2":  nullDecFloat(att.Amounts.InsuranceTier2),
		"prevision_tramo_3":  nullDecFloat(att.Amounts.InsuranceTier3),
		"arancel_especifico": nullDecFloat(att.Amounts.SpecificTariff),
	}
}

func nullDecFloat(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	f, _ := d.Decimal.Float64()
	return f
}

// newCriterionEnv creates the CEL environment for expr criteria.
func newCriterionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("codigo_prestacion", cel.StringType),
		cel.Variable("tipo_prestacion", cel.StringType),
		cel.Variable("especialidad", cel.StringType),
		cel.Variable("rol_paciente", cel.StringType),
		cel.Variable("tipo_dia", cel.StringType),
		cel.Variable("doctor_id", cel.StringType),
		cel.Variable("fecha_ejecucion", cel.TimestampType),
		cel.Variable("fecha_venta", cel.TimestampType),
		cel.Variable("recaudado_exento", cel.DoubleType),
		cel.Variable("recaudado_afecto", cel.DoubleType),
		cel.Variable("recaudado_total", cel.DoubleType),
		cel.Variable("devengado_hospital", cel.DoubleType),
		cel.Variable("prevision_tramo_1", cel.DoubleType),
		cel.Variable("prevision_tramo_2", cel.DoubleType),
		cel.Variable("prevision_tramo_3", cel.DoubleType),
		cel.Variable("arancel_especifico", cel.DoubleType),
	)
}

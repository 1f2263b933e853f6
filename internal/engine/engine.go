// Package engine implements the convenios payment calculation engine:
// criterion evaluation, rule matching, payment computation, bonus overlays
// and exclusivity resolution over an immutable catalog snapshot.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelattr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensalud/convenia/internal/domain"
)

// Version identifies the engine in settlement metadata.
const Version = "convenia-1.0"

var tracer = otel.Tracer("convenia-engine")

// Engine evaluates attention records against a catalog snapshot. The
// snapshot swap is the only mutation; evaluations hold the snapshot
// pointer they started with, so hot reloads never interleave with
// in-flight calculations.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	snapshot *Snapshot

	tariffGetter    TariffGetter
	defaultCurrency string
}

// NewEngine creates an engine with an empty catalog.
func NewEngine(tariffGetter TariffGetter, defaultCurrency string) (*Engine, error) {
	env, err := newCriterionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create criterion environment: %w", err)
	}
	if defaultCurrency == "" {
		defaultCurrency = "CLP"
	}

	empty, err := BuildSnapshot(env, nil)
	if err != nil {
		return nil, err
	}

	return &Engine{
		env:             env,
		snapshot:        empty,
		tariffGetter:    tariffGetter,
		defaultCurrency: defaultCurrency,
	}, nil
}

// ValidateConvenio compiles a rule without mutating the loaded catalog.
func (e *Engine) ValidateConvenio(rule *domain.Convenio) error {
	if rule == nil {
		return fmt.Errorf("convenio is required")
	}
	_, err := compileRule(e.env, rule)
	return err
}

// LoadCatalog validates, compiles and atomically installs a rule catalog.
// A single malformed rule rejects the whole load; the previous snapshot
// stays active.
func (e *Engine) LoadCatalog(rules []*domain.Convenio) error {
	snap, err := BuildSnapshot(e.env, rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()

	return nil
}

// ReloadCatalog swaps in a fresh catalog. Hot reload entry point.
func (e *Engine) ReloadCatalog(rules []*domain.Convenio) error {
	return e.LoadCatalog(rules)
}

// Snapshot returns the current catalog snapshot.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// CatalogVersion returns the version of the loaded snapshot.
func (e *Engine) CatalogVersion() string {
	return e.Snapshot().Version
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.Snapshot().RulesCount()
}

// LoadedRules returns the loaded convenio configurations in catalog order.
func (e *Engine) LoadedRules() []*domain.Convenio {
	return e.Snapshot().Rules()
}

// Evaluate runs one attention record through the full pipeline against the
// current snapshot. Deterministic and side-effect free: evaluating the
// same record against the same snapshot twice yields identical results.
func (e *Engine) Evaluate(ctx context.Context, att *domain.Attention) (*domain.Settlement, error) {
	return e.EvaluateWithSnapshot(ctx, e.Snapshot(), att)
}

// EvaluateWithSnapshot runs an evaluation against an explicit snapshot,
// letting callers pin one snapshot across a batch.
func (e *Engine) EvaluateWithSnapshot(ctx context.Context, snap *Snapshot, att *domain.Attention) (*domain.Settlement, error) {
	start := time.Now()

	if err := validateAttention(att); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(
			otelattr.String("attention.id", att.ID),
			otelattr.String("catalog.version", snap.Version),
		),
	)
	defer span.End()

	currency := att.Currency
	if currency == "" {
		currency = e.defaultCurrency
	}

	candidates, err := findCandidates(snap, att)
	if err != nil {
		return nil, err
	}

	res, err := e.resolve(ctx, candidates, att)
	if err != nil {
		return nil, err
	}

	status := domain.StatusMatchedSome
	if len(res.Contributions) == 0 {
		status = domain.StatusMatchedNone
	}

	settlement := &domain.Settlement{
		ID:            uuid.New().String(),
		TenantID:      att.TenantID,
		AttentionID:   att.ID,
		Status:        status,
		Total:         domain.RoundToMinorUnit(res.Total, currency),
		Currency:      currency,
		Timestamp:     time.Now().UTC(),
		Attention:     att,
		Contributions: res.Contributions,
		Evaluated:     res.Traces,
		Metadata: domain.SettlementMetadata{
			TraceID:         traceIDFromSpan(span),
			CatalogVersion:  snap.Version,
			EngineVersion:   Version,
			RulesConsidered: snap.RulesCount(),
			RulesMatched:    len(candidates),
			EvalMs:          time.Since(start).Milliseconds(),
		},
	}

	return settlement, nil
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = &Snapshot{}
	return nil
}

// validateAttention rejects malformed or incomplete records before they
// enter the rule matcher. Base-amount fields may be individually absent;
// resolution fails per-rule only if a rule selects an absent field.
func validateAttention(att *domain.Attention) error {
	if att == nil {
		return &InputError{Field: "attention", Reason: "record is required"}
	}
	if att.TenantID == "" {
		return &InputError{Field: "tenantId", Reason: "is required"}
	}
	if att.ServiceCode == "" {
		return &InputError{Field: "serviceCode", Reason: "is required"}
	}
	if att.ServiceType == "" {
		return &InputError{Field: "serviceType", Reason: "is required"}
	}
	if att.ExecutionDate.IsZero() {
		return &InputError{Field: "executionDate", Reason: "is required"}
	}
	if att.SaleDate.IsZero() {
		return &InputError{Field: "saleDate", Reason: "is required"}
	}
	return nil
}

func traceIDFromSpan(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.TraceID().IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Package audit persists settlement records to the append-only store.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/domain"
)

// Recorder writes settlement audit records with bounded retries. The
// calculation result is already final when Record is called: an audit
// failure degrades durability, never correctness, so the recorder flags
// and escalates instead of rolling anything back.
type Recorder struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	cfg    domain.AuditConfig
	logger *slog.Logger
}

// NewRecorder creates a settlement audit recorder.
func NewRecorder(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cfg domain.AuditConfig, logger *slog.Logger) *Recorder {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.FailureAlertWindow <= 0 {
		cfg.FailureAlertWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:   repo,
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Record persists a settlement, retrying transient failures with linear
// backoff. On exhaustion it marks the settlement AuditPending, bumps the
// per-tenant failure counter and publishes an alert. The returned error is
// nil in that degraded case: the settlement itself already happened.
func (r *Recorder) Record(ctx context.Context, tenantID string, settlement *domain.Settlement) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		lastErr = r.repo.SaveSettlement(ctx, tenantID, settlement)
		if lastErr == nil {
			settlement.Metadata.AuditMs = time.Since(start).Milliseconds()
			return nil
		}

		r.logger.Warn("settlement audit write failed",
			"tenant_id", tenantID,
			"settlement_id", settlement.ID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = r.cfg.MaxRetries
			case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}

	settlement.AuditPending = true
	settlement.Metadata.AuditMs = time.Since(start).Milliseconds()
	r.escalate(ctx, tenantID, settlement, lastErr)

	return nil
}

// escalate tracks the failure rate and raises an alert event so operators
// can reconcile pending settlements.
func (r *Recorder) escalate(ctx context.Context, tenantID string, settlement *domain.Settlement, cause error) {
	var failures int64
	if r.cache != nil {
		count, err := r.cache.IncrementCounter(ctx, tenantID, "audit-failures", r.cfg.FailureAlertWindow)
		if err != nil {
			r.logger.Warn("audit failure counter unavailable", "tenant_id", tenantID, "error", err)
		} else {
			failures = count
		}
	}

	r.logger.Error("settlement audit write exhausted retries",
		"tenant_id", tenantID,
		"settlement_id", settlement.ID,
		"attention_id", settlement.AttentionID,
		"failures_in_window", failures,
		"error", cause,
	)

	if r.bus == nil {
		return
	}

	alert := &bus.SettlementAlert{
		SettlementID:     settlement.ID,
		AttentionID:      settlement.AttentionID,
		Total:            settlement.Total.String(),
		Currency:         settlement.Currency,
		FailuresInWindow: failures,
		Error:            cause.Error(),
	}
	if err := bus.PublishSettlementAlert(ctx, r.bus, tenantID, alert); err != nil {
		r.logger.Warn("failed to publish audit alert", "tenant_id", tenantID, "error", err)
	}
}

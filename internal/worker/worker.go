// Package worker provides async attention settlement for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensalud/convenia/internal/audit"
	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/domain"
	"github.com/opensalud/convenia/internal/engine"
)

// CatalogTenantID is the tenant under which the shared convenio catalog is
// stored and announced.
const CatalogTenantID = "*"

// Worker settles attentions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	cache    domain.Cache
	engine   *engine.Engine
	recorder *audit.Recorder

	subscriptions []domain.Subscription

	// wg counts in-flight handler invocations so Stop can drain them
	// after unsubscribing.
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, eng *engine.Engine, recorder *audit.Recorder) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		cache:    cache,
		engine:   eng,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants. The worker also
// follows catalog reload announcements so its snapshot tracks the API node.
func (w *Worker) Start(cfg Config) error {
	if err := w.subscribeCatalogReloads(); err != nil {
		return err
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicAttentionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAttentionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processAttention(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicAttentionIngested,
	)

	return nil
}

func (w *Worker) subscribeCatalogReloads() error {
	sub, err := w.bus.Subscribe(w.ctx, CatalogTenantID, domain.TopicCatalogReloaded, w.handleCatalogReload)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)
	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processAttention(ctx, msg.TenantID, msg)
}

// handleCatalogReload rebuilds the local snapshot from the cached catalog,
// falling back to the repository when the cache entry expired.
func (w *Worker) handleCatalogReload(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	if w.cache != nil {
		if payload, err := w.cache.GetCatalog(ctx, CatalogTenantID); err == nil && payload != nil {
			if err := w.engine.ReloadCatalog(payload.Rules); err != nil {
				slog.Error("failed to reload catalog from cache", "version", payload.Version, "error", err)
				return err
			}
			slog.Info("catalog reloaded from cache",
				"version", w.engine.CatalogVersion(),
				"count", len(payload.Rules),
			)
			return nil
		}
	}

	if w.repo == nil {
		return nil
	}

	rules, err := w.repo.ListConvenios(ctx, CatalogTenantID)
	if err != nil {
		slog.Error("failed to load catalog from repository", "error", err)
		return err
	}
	if err := w.engine.ReloadCatalog(rules); err != nil {
		slog.Error("failed to reload catalog", "error", err)
		return err
	}

	slog.Info("catalog reloaded from repository",
		"version", w.engine.CatalogVersion(),
		"count", len(rules),
	)
	return nil
}

// processAttention settles one attention through the pipeline.
func (w *Worker) processAttention(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var att domain.Attention
	if err := json.Unmarshal(msg.Payload, &att); err != nil {
		slog.Error("failed to parse attention message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if att.TenantID != "" {
		tenantID = att.TenantID
	} else {
		att.TenantID = tenantID
	}

	slog.Debug("settling attention",
		"attention_id", att.ID,
		"tenant_id", tenantID,
	)

	if w.repo != nil {
		if err := w.repo.SaveAttention(ctx, tenantID, &att); err != nil {
			slog.Error("failed to save attention",
				"attention_id", att.ID,
				"error", err,
			)
		}
	}

	settlement, err := w.engine.Evaluate(ctx, &att)
	if err != nil {
		slog.Error("settlement evaluation failed",
			"attention_id", att.ID,
			"error", err,
		)
		return err
	}

	if w.recorder != nil {
		if err := w.recorder.Record(ctx, tenantID, settlement); err != nil {
			slog.Error("audit record failed",
				"settlement_id", settlement.ID,
				"error", err,
			)
		}
	}

	settlement.Metadata.TotalMs = time.Since(start).Milliseconds()

	if err := bus.PublishSettlement(ctx, w.bus, tenantID, settlement); err != nil {
		slog.Error("failed to publish settlement",
			"attention_id", att.ID,
			"error", err,
		)
	}

	slog.Info("attention settled",
		"attention_id", att.ID,
		"tenant_id", tenantID,
		"status", settlement.Status,
		"total", settlement.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	// Wait for handlers that were already running when we unsubscribed.
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

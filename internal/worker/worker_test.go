package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/cache"
	"github.com/opensalud/convenia/internal/domain"
	"github.com/opensalud/convenia/internal/engine"
)

func testConvenio(id string, value string) *domain.Convenio {
	return &domain.Convenio{
		ID:            id,
		TenantID:      CatalogTenantID,
		Name:          "Surgery Share " + id,
		Version:       "1.0.0",
		Priority:      10,
		ValidFrom:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		DateReference: domain.DateRefExecution,
		RuleType:      domain.RuleTypePercentage,
		RuleValue:     decimal.NewNullDecimal(decimal.RequireFromString(value)),
		BaseValue:     domain.BaseCollectedTotal,
		Exclusivity:   domain.ExclusivityFirstWin,
		Criteria: []domain.Criterio{
			{ID: id + "-c1", Key: "tipo_prestacion", Operator: domain.OpEqual, Value: "cirugia"},
		},
		Enabled: true,
	}
}

func testAttention(id, tenantID string) *domain.Attention {
	return &domain.Attention{
		ID:            id,
		TenantID:      tenantID,
		ServiceCode:   "2004-123",
		ServiceType:   "cirugia",
		ExecutionDate: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		SaleDate:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Amounts: domain.AttentionAmounts{
			CollectedTotal: decimal.NewNullDecimal(decimal.NewFromInt(1000000)),
		},
		Currency: "CLP",
	}
}

func newTestEngine(t *testing.T, rules ...*domain.Convenio) *engine.Engine {
	t.Helper()
	eng, err := engine.NewEngine(nil, "CLP")
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := eng.LoadCatalog(rules); err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return eng
}

// blockingRepo stalls SaveAttention until released so tests can hold a
// settlement in flight. Only SaveAttention is implemented; the embedded
// interface covers the rest.
type blockingRepo struct {
	domain.Repository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) SaveAttention(ctx context.Context, tenantID string, att *domain.Attention) error {
	close(r.entered)
	<-r.release
	return nil
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	eng := newTestEngine(t, testConvenio("conv-001", "0.70"))

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, nil, nil, eng, nil)

		cfg := Config{
			TenantIDs: []string{"clinica-norte"},
		}

		if err := w.Start(cfg); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		// One tenant subscription plus the catalog reload subscription.
		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessAttention", func(t *testing.T) {
		w := NewWorker(eventBus, nil, nil, eng, nil)

		cfg := Config{
			TenantIDs: []string{"clinica-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		var settled atomic.Bool
		var settledPayload []byte

		eventBus.Subscribe(context.Background(), "clinica-test", domain.TopicSettlementCompleted, func(ctx context.Context, msg *domain.Message) error {
			settledPayload = msg.Payload
			settled.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		if err := bus.PublishAttention(context.Background(), eventBus, "clinica-test", testAttention("att-001", "clinica-test")); err != nil {
			t.Fatalf("PublishAttention failed: %v", err)
		}

		time.Sleep(100 * time.Millisecond)

		if !settled.Load() {
			t.Fatal("expected settlement to be published")
		}

		var settlement domain.Settlement
		if err := json.Unmarshal(settledPayload, &settlement); err != nil {
			t.Fatalf("failed to parse settlement: %v", err)
		}

		if settlement.AttentionID != "att-001" {
			t.Errorf("expected attentionID 'att-001', got '%s'", settlement.AttentionID)
		}
		if settlement.TenantID != "clinica-test" {
			t.Errorf("expected tenantID 'clinica-test', got '%s'", settlement.TenantID)
		}
		if settlement.Status != domain.StatusMatchedSome {
			t.Errorf("expected status matched_some, got '%s'", settlement.Status)
		}
		if !settlement.Total.Equal(decimal.NewFromInt(700000)) {
			t.Errorf("expected total 700000, got %s", settlement.Total)
		}
	})

	t.Run("CatalogReload", func(t *testing.T) {
		lru := cache.NewLRUCache(16)
		freshEngine := newTestEngine(t)

		w := NewWorker(eventBus, nil, lru, freshEngine, nil)
		w.Start(Config{TenantIDs: []string{"clinica-reload"}})
		defer w.Stop()

		time.Sleep(50 * time.Millisecond)

		if freshEngine.RulesCount() != 0 {
			t.Fatalf("expected empty catalog, got %d rules", freshEngine.RulesCount())
		}

		payload := &domain.CatalogPayload{
			Version: "v-reload",
			Rules:   []*domain.Convenio{testConvenio("conv-010", "0.50")},
		}
		if err := lru.SetCatalog(context.Background(), CatalogTenantID, payload, time.Minute); err != nil {
			t.Fatalf("SetCatalog failed: %v", err)
		}

		bus.AnnounceCatalogReload(context.Background(), eventBus, CatalogTenantID, "v-reload", 1)

		time.Sleep(100 * time.Millisecond)

		if freshEngine.RulesCount() != 1 {
			t.Errorf("expected 1 rule after reload, got %d", freshEngine.RulesCount())
		}
	})

	t.Run("StopDrainsInFlight", func(t *testing.T) {
		repo := &blockingRepo{
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		w := NewWorker(eventBus, repo, nil, eng, nil)
		w.Start(Config{TenantIDs: []string{"clinica-drain"}})

		time.Sleep(50 * time.Millisecond)

		if err := bus.PublishAttention(context.Background(), eventBus, "clinica-drain", testAttention("att-drain", "clinica-drain")); err != nil {
			t.Fatalf("PublishAttention failed: %v", err)
		}

		<-repo.entered

		stopped := make(chan struct{})
		go func() {
			w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a settlement was still in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(repo.release)

		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("Stop did not return after the settlement finished")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, nil, nil, eng, nil)

		cfg := Config{
			TenantIDs: []string{"clinica-a", "clinica-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Two tenant subscriptions plus the catalog reload subscription.
		stats := w.GetStats()
		if stats.SubscriptionCount != 3 {
			t.Errorf("expected 3 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

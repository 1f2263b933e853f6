package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/cache"
	"github.com/opensalud/convenia/internal/domain"
)

// flakyRepo fails SaveSettlement a configured number of times, then
// succeeds. Other methods are unused here.
type flakyRepo struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []*domain.Settlement
}

func (f *flakyRepo) SaveSettlement(ctx context.Context, tenantID string, s *domain.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("disk full")
	}
	f.saved = append(f.saved, s)
	return nil
}

func (f *flakyRepo) SaveAttention(ctx context.Context, tenantID string, att *domain.Attention) error {
	return nil
}
func (f *flakyRepo) GetAttention(ctx context.Context, tenantID, attentionID string) (*domain.Attention, error) {
	return nil, errors.New("not implemented")
}
func (f *flakyRepo) SaveConvenio(ctx context.Context, tenantID string, rule *domain.Convenio) error {
	return nil
}
func (f *flakyRepo) GetConvenio(ctx context.Context, tenantID, ruleID string) (*domain.Convenio, error) {
	return nil, errors.New("not implemented")
}
func (f *flakyRepo) ListConvenios(ctx context.Context, tenantID string) ([]*domain.Convenio, error) {
	return nil, nil
}
func (f *flakyRepo) DeleteConvenio(ctx context.Context, tenantID, ruleID string) error { return nil }
func (f *flakyRepo) GetArancel(ctx context.Context, tenantID, serviceCode string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}
func (f *flakyRepo) SaveArancel(ctx context.Context, tenantID, serviceCode string, amount decimal.Decimal) error {
	return nil
}
func (f *flakyRepo) GetSettlement(ctx context.Context, tenantID, settlementID string) (*domain.Settlement, error) {
	return nil, errors.New("not implemented")
}
func (f *flakyRepo) ListSettlementsByAttention(ctx context.Context, tenantID, attentionID string) ([]*domain.Settlement, error) {
	return nil, nil
}
func (f *flakyRepo) Ping(ctx context.Context) error { return nil }
func (f *flakyRepo) Close() error                   { return nil }

func testSettlement() *domain.Settlement {
	return &domain.Settlement{
		ID:          "liq-001",
		AttentionID: "att-001",
		Status:      domain.StatusMatchedSome,
		Total:       decimal.RequireFromString("800000"),
		Currency:    "CLP",
		Timestamp:   time.Now().UTC(),
	}
}

func testConfig() domain.AuditConfig {
	return domain.AuditConfig{
		MaxRetries:         3,
		RetryBackoff:       time.Millisecond,
		FailureAlertWindow: time.Minute,
	}
}

func TestRecordFirstTry(t *testing.T) {
	repo := &flakyRepo{}
	recorder := NewRecorder(repo, nil, nil, testConfig(), nil)

	settlement := testSettlement()
	if err := recorder.Record(context.Background(), "clinica-norte", settlement); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if repo.calls != 1 {
		t.Errorf("expected 1 write, got %d", repo.calls)
	}
	if settlement.AuditPending {
		t.Error("successful write must not flag AuditPending")
	}
}

func TestRecordRetriesTransientFailure(t *testing.T) {
	repo := &flakyRepo{failures: 2}
	recorder := NewRecorder(repo, nil, nil, testConfig(), nil)

	settlement := testSettlement()
	if err := recorder.Record(context.Background(), "clinica-norte", settlement); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if repo.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", repo.calls)
	}
	if len(repo.saved) != 1 {
		t.Errorf("expected 1 saved settlement, got %d", len(repo.saved))
	}
	if settlement.AuditPending {
		t.Error("eventual success must not flag AuditPending")
	}
}

func TestRecordExhaustionDoesNotFailSettlement(t *testing.T) {
	repo := &flakyRepo{failures: 100}
	lru := cache.NewLRUCache(10)
	defer lru.Close()
	channelBus := bus.NewChannelBus(10)
	defer channelBus.Close()

	ctx := context.Background()
	tenantID := "clinica-norte"

	alerts := make(chan *domain.Message, 1)
	_, err := channelBus.Subscribe(ctx, tenantID, domain.TopicSettlementAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	recorder := NewRecorder(repo, lru, channelBus, testConfig(), nil)

	settlement := testSettlement()
	if err := recorder.Record(ctx, tenantID, settlement); err != nil {
		t.Fatalf("exhausted audit must not return an error, got: %v", err)
	}

	if repo.calls != 3 {
		t.Errorf("expected exactly MaxRetries attempts, got %d", repo.calls)
	}
	if !settlement.AuditPending {
		t.Error("exhausted audit must flag AuditPending")
	}

	select {
	case msg := <-alerts:
		if msg.Topic != domain.TopicSettlementAlert {
			t.Errorf("unexpected alert topic %s", msg.Topic)
		}
		var alert bus.SettlementAlert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			t.Fatalf("failed to parse alert payload: %v", err)
		}
		if alert.SettlementID != settlement.ID {
			t.Errorf("expected alert for settlement '%s', got '%s'", settlement.ID, alert.SettlementID)
		}
		if alert.FailuresInWindow != 1 {
			t.Errorf("expected 1 failure in window, got %d", alert.FailuresInWindow)
		}
	case <-time.After(time.Second):
		t.Error("expected an alert on audit exhaustion")
	}

	// Failure counter reflects the exhaustion.
	count, err := lru.IncrementCounter(ctx, tenantID, "audit-failures", time.Minute)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected failure counter at 2 after one exhaustion, got %d", count)
	}
}

func TestRecordRequiresTenant(t *testing.T) {
	recorder := NewRecorder(&flakyRepo{}, nil, nil, testConfig(), nil)
	if err := recorder.Record(context.Background(), "", testSettlement()); err == nil {
		t.Error("expected error for empty tenantID")
	}
}

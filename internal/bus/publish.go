package bus

import (
	"context"
	"encoding/json"

	"github.com/opensalud/convenia/internal/domain"
)

// Typed publish helpers for the settlement lifecycle topics. They keep the
// wire payloads in one place so API nodes, workers and the audit recorder
// emit the same shapes.

// CatalogAnnouncement is the payload published on TopicCatalogReloaded.
// Subscribers fetch the full catalog from cache or repository; the
// announcement only carries enough to log and to detect staleness.
type CatalogAnnouncement struct {
	Version string `json:"version"`
	Count   int    `json:"count"`
}

// SettlementAlert is the payload published on TopicSettlementAlert when an
// audit write exhausts its retries.
type SettlementAlert struct {
	SettlementID     string `json:"settlementId"`
	AttentionID      string `json:"attentionId"`
	Total            string `json:"total"`
	Currency         string `json:"currency"`
	FailuresInWindow int64  `json:"failuresInWindow"`
	Error            string `json:"error"`
}

// PublishAttention enqueues an attention for asynchronous settlement.
func PublishAttention(ctx context.Context, b domain.EventBus, tenantID string, att *domain.Attention) error {
	payload, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return b.Publish(ctx, tenantID, domain.TopicAttentionIngested, payload)
}

// PublishSettlement announces a completed settlement for a tenant.
func PublishSettlement(ctx context.Context, b domain.EventBus, tenantID string, s *domain.Settlement) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.Publish(ctx, tenantID, domain.TopicSettlementCompleted, payload)
}

// PublishSettlementAlert raises an alert for a settlement whose audit trail
// could not be written.
func PublishSettlementAlert(ctx context.Context, b domain.EventBus, tenantID string, alert *SettlementAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return b.Publish(ctx, tenantID, domain.TopicSettlementAlert, payload)
}

// AnnounceCatalogReload tells other nodes to rebuild their rule snapshots.
func AnnounceCatalogReload(ctx context.Context, b domain.EventBus, tenantID string, version string, count int) error {
	payload, err := json.Marshal(&CatalogAnnouncement{Version: version, Count: count})
	if err != nil {
		return err
	}
	return b.Publish(ctx, tenantID, domain.TopicCatalogReloaded, payload)
}

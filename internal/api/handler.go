package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/audit"
	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/domain"
	"github.com/opensalud/convenia/internal/engine"
	"github.com/opensalud/convenia/internal/repository"
	"github.com/opensalud/convenia/internal/tariff"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *engine.Engine
	recorder  *audit.Recorder
	tariffs   *tariff.Service
	engineCfg domain.EngineConfig
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, recorder *audit.Recorder, tariffs *tariff.Service, engineCfg domain.EngineConfig, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    eng,
		recorder:  recorder,
		tariffs:   tariffs,
		engineCfg: engineCfg,
		version:   version,
	}
}

// AttentionRequest is the request body for POST /settle.
type AttentionRequest struct {
	ID            string                  `json:"id,omitempty"`
	ServiceCode   string                  `json:"serviceCode"`
	ServiceType   string                  `json:"serviceType"`
	Specialty     string                  `json:"specialty,omitempty"`
	PatientRole   string                  `json:"patientRole,omitempty"`
	DayType       string                  `json:"dayType,omitempty"`
	DoctorID      string                  `json:"doctorId,omitempty"`
	ExecutionDate string                  `json:"executionDate"`
	SaleDate      string                  `json:"saleDate"`
	Amounts       domain.AttentionAmounts `json:"amounts"`
	Currency      string                  `json:"currency,omitempty"`
	Metadata      map[string]interface{}  `json:"metadata,omitempty"`
}

// SettleResponse is the response for POST /settle.
type SettleResponse struct {
	SettlementID  string                    `json:"settlementId"`
	AttentionID   string                    `json:"attentionId"`
	Status        string                    `json:"status"`
	Total         decimal.Decimal           `json:"total"`
	Currency      string                    `json:"currency"`
	Contributions []domain.RuleContribution `json:"contributions"`
	Evaluated     []domain.RuleTrace        `json:"evaluated"`
	AuditPending  bool                      `json:"auditPending,omitempty"`
	Metadata      domain.SettlementMetadata `json:"metadata"`
	Version       string                    `json:"version"`
}

func parseRequestDate(v string) (time.Time, error) {
	if ts, err := time.Parse("2006-01-02", v); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, v)
}

// Settle handles POST /settle requests: it persists the attention, runs the
// convenio catalog against it, and records the settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AttentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ServiceCode == "" || req.ServiceType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "serviceCode and serviceType are required",
		})
		return
	}
	if req.ExecutionDate == "" || req.SaleDate == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "executionDate and saleDate are required",
		})
		return
	}

	execDate, err := parseRequestDate(req.ExecutionDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "executionDate must be YYYY-MM-DD or RFC3339",
		})
		return
	}
	saleDate, err := parseRequestDate(req.SaleDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "saleDate must be YYYY-MM-DD or RFC3339",
		})
		return
	}

	attentionID := req.ID
	if attentionID == "" {
		attentionID = uuid.New().String()
	}

	currency := req.Currency
	if currency == "" {
		currency = h.engineCfg.DefaultCurrency
	}

	att := &domain.Attention{
		ID:            attentionID,
		TenantID:      tenantID,
		ServiceCode:   req.ServiceCode,
		ServiceType:   req.ServiceType,
		Specialty:     req.Specialty,
		PatientRole:   req.PatientRole,
		DayType:       req.DayType,
		DoctorID:      req.DoctorID,
		ExecutionDate: execDate,
		SaleDate:      saleDate,
		Amounts:       req.Amounts,
		Currency:      currency,
		Timestamp:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
		Metadata:      req.Metadata,
	}

	// The attention record is kept for reconciliation. Settlement still
	// proceeds if this write fails.
	if h.repo != nil {
		if err := h.repo.SaveAttention(ctx, tenantID, att); err != nil {
			slog.Error("failed to save attention", "id", attentionID, "error", err)
		}
	}

	settlement, err := h.engine.Evaluate(ctx, att)
	if err != nil {
		var inputErr *engine.InputError
		var baseErr *engine.MissingBaseFieldError
		switch {
		case errors.As(err, &inputErr):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		case errors.As(err, &baseErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("settlement evaluation failed", "attention_id", attentionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "settlement evaluation failed",
			})
		}
		return
	}

	if h.recorder != nil {
		if err := h.recorder.Record(ctx, tenantID, settlement); err != nil {
			slog.Error("audit record failed", "settlement_id", settlement.ID, "error", err)
		}
	}

	settlement.Metadata.TotalMs = time.Since(start).Milliseconds()

	if h.bus != nil {
		if err := bus.PublishSettlement(ctx, h.bus, tenantID, settlement); err != nil {
			slog.Warn("failed to publish settlement", "settlement_id", settlement.ID, "error", err)
		}
	}

	resp := SettleResponse{
		SettlementID:  settlement.ID,
		AttentionID:   attentionID,
		Status:        settlement.Status,
		Total:         settlement.Total,
		Currency:      settlement.Currency,
		Contributions: settlement.Contributions,
		Evaluated:     settlement.Evaluated,
		AuditPending:  settlement.AuditPending,
		Metadata:      settlement.Metadata,
		Version:       h.version,
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The server is
// not ready until a catalog snapshot has been loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.engine.CatalogVersion() == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetSettlement retrieves a settlement by ID.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	settlementID := chi.URLParam(r, "id")

	if settlementID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "settlement id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	settlement, err := h.repo.GetSettlement(ctx, tenantID, settlementID)
	if err != nil {
		slog.Error("failed to get settlement", "id", settlementID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "settlement not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, settlement)
}

// GetAttention retrieves an attention by ID.
func (h *Handler) GetAttention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	attentionID := chi.URLParam(r, "id")

	if attentionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "attention id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	att, err := h.repo.GetAttention(ctx, tenantID, attentionID)
	if err != nil {
		slog.Error("failed to get attention", "id", attentionID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "attention not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, att)
}

// ListAttentionSettlements returns every settlement recorded for an attention,
// newest first. Re-settled attentions have more than one.
func (h *Handler) ListAttentionSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	attentionID := chi.URLParam(r, "id")

	if attentionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "attention id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	settlements, err := h.repo.ListSettlementsByAttention(ctx, tenantID, attentionID)
	if err != nil {
		slog.Error("failed to list settlements", "attention_id", attentionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list settlements",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

// GlobalTenantID is used for convenios that apply to all tenants.
const GlobalTenantID = "*"

// ListConvenios returns the convenios currently loaded in the engine.
// The catalog is loaded from the database at startup and can be reloaded
// via POST /convenios/reload.
func (h *Handler) ListConvenios(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.LoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"convenios":      loaded,
		"count":          len(loaded),
		"catalogVersion": h.engine.CatalogVersion(),
		"source":         "database",
	})
}

// GetConvenio retrieves a convenio by ID from the loaded catalog.
func (h *Handler) GetConvenio(w http.ResponseWriter, r *http.Request) {
	convenioID := chi.URLParam(r, "id")

	if convenioID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "convenio id is required",
		})
		return
	}

	for _, rule := range h.engine.LoadedRules() {
		if rule.ID == convenioID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "convenio not found",
	})
}

// CreateConvenio validates a convenio and saves it to the database.
// Convenios are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /convenios/reload to hot-reload the catalog.
func (h *Handler) CreateConvenio(w http.ResponseWriter, r *http.Request) {
	h.saveConvenio(w, r, "")
}

// UpdateConvenio replaces an existing convenio.
func (h *Handler) UpdateConvenio(w http.ResponseWriter, r *http.Request) {
	convenioID := chi.URLParam(r, "id")
	if convenioID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "convenio id is required",
		})
		return
	}
	h.saveConvenio(w, r, convenioID)
}

func (h *Handler) saveConvenio(w http.ResponseWriter, r *http.Request, convenioID string) {
	ctx := r.Context()

	var rule domain.Convenio
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if convenioID != "" {
		rule.ID = convenioID
	}
	if rule.ID == "" || rule.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and name are required",
		})
		return
	}

	rule.TenantID = GlobalTenantID
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	// Compile through the engine first so a broken rule never reaches the
	// stored catalog.
	if err := h.engine.ValidateConvenio(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid convenio: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveConvenio(ctx, GlobalTenantID, &rule); err != nil {
			slog.Error("failed to save convenio", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save convenio",
			})
			return
		}
	}

	status := http.StatusCreated
	if convenioID != "" {
		status = http.StatusOK
	}

	slog.Info("convenio saved", "id", rule.ID, "name", rule.Name)
	writeJSON(w, status, map[string]interface{}{
		"convenio": rule,
		"message":  "Convenio saved. Call POST /convenios/reload to apply changes.",
	})
}

// DeleteConvenio deletes a convenio and auto-reloads the catalog.
func (h *Handler) DeleteConvenio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convenioID := chi.URLParam(r, "id")

	if convenioID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "convenio id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteConvenio(ctx, GlobalTenantID, convenioID); err != nil {
		slog.Error("failed to delete convenio", "id", convenioID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "convenio not found",
		})
		return
	}

	if count, err := h.reloadCatalog(ctx); err != nil {
		slog.Error("failed to reload catalog after delete", "error", err)
	} else {
		slog.Info("catalog auto-reloaded after delete", "count", count)
	}

	slog.Info("convenio deleted", "id", convenioID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Convenio deleted and catalog reloaded.",
	})
}

// ReloadConvenios reloads the convenio catalog from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadConvenios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	count, err := h.reloadCatalog(ctx)
	if err != nil {
		slog.Error("failed to reload catalog", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload catalog: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        "catalog reloaded successfully",
		"count":          count,
		"catalogVersion": h.engine.CatalogVersion(),
	})
}

func (h *Handler) reloadCatalog(ctx context.Context) (int, error) {
	rules, err := h.repo.ListConvenios(ctx, GlobalTenantID)
	if err != nil {
		return 0, err
	}

	if err := h.engine.ReloadCatalog(rules); err != nil {
		return 0, err
	}

	version := h.engine.CatalogVersion()

	if h.cache != nil {
		payload := &domain.CatalogPayload{
			Version: version,
			Rules:   rules,
		}
		if err := h.cache.SetCatalog(ctx, GlobalTenantID, payload, h.engineCfg.CatalogCacheTTL); err != nil {
			slog.Warn("failed to cache catalog", "version", version, "error", err)
		}
	}

	if h.bus != nil {
		if err := bus.AnnounceCatalogReload(ctx, h.bus, GlobalTenantID, version, len(rules)); err != nil {
			slog.Warn("failed to announce catalog reload", "version", version, "error", err)
		}
	}

	slog.Info("catalog reloaded from database", "count", len(rules), "version", version)
	return len(rules), nil
}

// ArancelRequest is the request body for PUT /aranceles/{code}.
type ArancelRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GetArancel retrieves the reference tariff for a service code.
func (h *Handler) GetArancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	serviceCode := chi.URLParam(r, "code")

	if serviceCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "service code is required",
		})
		return
	}

	if h.tariffs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "tariff service not available",
		})
		return
	}

	amount, err := h.tariffs.GetTariff(ctx, tenantID, serviceCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "arancel not found",
			})
			return
		}
		slog.Error("failed to get arancel", "code", serviceCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get arancel",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serviceCode": serviceCode,
		"amount":      amount,
	})
}

// PutArancel upserts the reference tariff for a service code.
func (h *Handler) PutArancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	serviceCode := chi.URLParam(r, "code")

	if serviceCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "service code is required",
		})
		return
	}

	if h.tariffs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "tariff service not available",
		})
		return
	}

	var req ArancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.tariffs.SetTariff(ctx, tenantID, serviceCode, req.Amount); err != nil {
		slog.Error("failed to save arancel", "code", serviceCode, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("arancel saved", "code", serviceCode, "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serviceCode": serviceCode,
		"amount":      req.Amount,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "convenia-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "clinica-norte"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAttention", func(t *testing.T) {
		att := &domain.Attention{
			ID:            "att-001",
			ServiceCode:   "2004-123",
			ServiceType:   "cirugia",
			Specialty:     "ginecologia",
			PatientRole:   "particular",
			DayType:       "habil",
			DoctorID:      "doc-77",
			ExecutionDate: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			SaleDate:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			Amounts: domain.AttentionAmounts{
				CollectedTotal: decimal.NewNullDecimal(decimal.RequireFromString("1000000")),
			},
			Currency:  "CLP",
			Timestamp: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
			Metadata:  map[string]any{"source": "api"},
		}

		if err := repo.SaveAttention(ctx, tenantID, att); err != nil {
			t.Fatalf("SaveAttention failed: %v", err)
		}

		retrieved, err := repo.GetAttention(ctx, tenantID, att.ID)
		if err != nil {
			t.Fatalf("GetAttention failed: %v", err)
		}

		if retrieved.ID != att.ID {
			t.Errorf("expected ID %s, got %s", att.ID, retrieved.ID)
		}
		if !retrieved.Amounts.CollectedTotal.Valid ||
			!retrieved.Amounts.CollectedTotal.Decimal.Equal(decimal.RequireFromString("1000000")) {
			t.Errorf("collected total did not round-trip: %+v", retrieved.Amounts.CollectedTotal)
		}
		// Absent fields stay absent, they never come back as zero.
		if retrieved.Amounts.AccruedHospital.Valid {
			t.Error("absent amount came back as present")
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
	})

	t.Run("SaveAndGetConvenio", func(t *testing.T) {
		validTo := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
		rule := &domain.Convenio{
			ID:            "conv-001",
			Name:          "Base Cirugia",
			Description:   "70% del recaudado total",
			Version:       "1",
			Priority:      10,
			ValidFrom:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:       &validTo,
			DateReference: domain.DateRefExecution,
			RuleType:      domain.RuleTypePercentage,
			RuleValue:     decimal.NewNullDecimal(decimal.RequireFromString("0.70")),
			BaseValue:     domain.BaseCollectedTotal,
			Exclusivity:   domain.ExclusivityFirstWin,
			Criteria: []domain.Criterio{
				{ID: "c1", Key: "tipo_prestacion", Operator: domain.OpEqual, Value: "cirugia"},
				{ID: "c2", Key: "recaudado_total", Operator: domain.OpGTE, Value: "100000"},
			},
			Bonuses: []domain.Bono{
				{ID: "b1", Description: "turno festivo", Percent: decimal.RequireFromString("0.10"),
					Priority: 1, Key: "tipo_dia", Operator: domain.OpEqual, Value: "festivo"},
			},
			Enabled: true,
		}

		if err := repo.SaveConvenio(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveConvenio failed: %v", err)
		}

		retrieved, err := repo.GetConvenio(ctx, tenantID, rule.ID)
		if err != nil {
			t.Fatalf("GetConvenio failed: %v", err)
		}

		if retrieved.Name != rule.Name {
			t.Errorf("expected Name %s, got %s", rule.Name, retrieved.Name)
		}
		if !retrieved.RuleValue.Valid || !retrieved.RuleValue.Decimal.Equal(decimal.RequireFromString("0.70")) {
			t.Errorf("rule value did not round-trip: %+v", retrieved.RuleValue)
		}
		if retrieved.ValidTo == nil || !retrieved.ValidTo.Equal(validTo) {
			t.Errorf("validTo did not round-trip: %v", retrieved.ValidTo)
		}
		if len(retrieved.Criteria) != 2 {
			t.Fatalf("expected 2 criteria, got %d", len(retrieved.Criteria))
		}
		if retrieved.Criteria[0].Key != "tipo_prestacion" {
			t.Errorf("criteria order lost: got %s first", retrieved.Criteria[0].Key)
		}
		if len(retrieved.Bonuses) != 1 {
			t.Fatalf("expected 1 bonus, got %d", len(retrieved.Bonuses))
		}
		if !retrieved.Bonuses[0].Percent.Equal(decimal.RequireFromString("0.10")) {
			t.Errorf("bonus percent did not round-trip: %s", retrieved.Bonuses[0].Percent)
		}
	})

	t.Run("UpsertReplacesChildren", func(t *testing.T) {
		rule, err := repo.GetConvenio(ctx, tenantID, "conv-001")
		if err != nil {
			t.Fatalf("GetConvenio failed: %v", err)
		}

		rule.Criteria = []domain.Criterio{
			{ID: "c3", Key: "especialidad", Operator: domain.OpEqual, Value: "ginecologia"},
		}
		rule.Bonuses = nil

		if err := repo.SaveConvenio(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveConvenio upsert failed: %v", err)
		}

		retrieved, err := repo.GetConvenio(ctx, tenantID, rule.ID)
		if err != nil {
			t.Fatalf("GetConvenio failed: %v", err)
		}
		if len(retrieved.Criteria) != 1 || retrieved.Criteria[0].ID != "c3" {
			t.Errorf("old criteria must be replaced, got %+v", retrieved.Criteria)
		}
		if len(retrieved.Bonuses) != 0 {
			t.Errorf("old bonuses must be removed, got %d", len(retrieved.Bonuses))
		}
	})

	t.Run("ListConvenios", func(t *testing.T) {
		disabled := &domain.Convenio{
			ID: "conv-002", Name: "Desactivado", Version: "1", Priority: 5,
			ValidFrom:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			DateReference: domain.DateRefExecution,
			RuleType:      domain.RuleTypeFixed,
			RuleValue:     decimal.NewNullDecimal(decimal.RequireFromString("15000")),
			BaseValue:     domain.BaseCollectedTotal,
			Exclusivity:   domain.ExclusivityStack,
			Enabled:       false,
		}
		if err := repo.SaveConvenio(ctx, tenantID, disabled); err != nil {
			t.Fatalf("SaveConvenio failed: %v", err)
		}

		rules, err := repo.ListConvenios(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListConvenios failed: %v", err)
		}

		// Disabled rules are listed too; filtering is the engine's job.
		if len(rules) != 2 {
			t.Fatalf("expected 2 convenios, got %d", len(rules))
		}
		// Ordered by priority, id.
		if rules[0].ID != "conv-002" || rules[1].ID != "conv-001" {
			t.Errorf("unexpected order: %s, %s", rules[0].ID, rules[1].ID)
		}
	})

	t.Run("DeleteConvenioCascades", func(t *testing.T) {
		if err := repo.DeleteConvenio(ctx, tenantID, "conv-002"); err != nil {
			t.Fatalf("DeleteConvenio failed: %v", err)
		}

		_, err := repo.GetConvenio(ctx, tenantID, "conv-002")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got: %v", err)
		}

		if err := repo.DeleteConvenio(ctx, tenantID, "conv-002"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for double delete, got: %v", err)
		}
	})

	t.Run("SaveAndGetArancel", func(t *testing.T) {
		amount := decimal.RequireFromString("45990")
		if err := repo.SaveArancel(ctx, tenantID, "2004-123", amount); err != nil {
			t.Fatalf("SaveArancel failed: %v", err)
		}

		retrieved, err := repo.GetArancel(ctx, tenantID, "2004-123")
		if err != nil {
			t.Fatalf("GetArancel failed: %v", err)
		}
		if !retrieved.Equal(amount) {
			t.Errorf("expected %s, got %s", amount, retrieved)
		}

		// Upsert replaces.
		updated := decimal.RequireFromString("47500")
		if err := repo.SaveArancel(ctx, tenantID, "2004-123", updated); err != nil {
			t.Fatalf("SaveArancel upsert failed: %v", err)
		}
		retrieved, err = repo.GetArancel(ctx, tenantID, "2004-123")
		if err != nil {
			t.Fatalf("GetArancel failed: %v", err)
		}
		if !retrieved.Equal(updated) {
			t.Errorf("expected %s after upsert, got %s", updated, retrieved)
		}
	})

	t.Run("SaveAndGetSettlement", func(t *testing.T) {
		settlement := &domain.Settlement{
			ID:          "liq-001",
			AttentionID: "att-001",
			Status:      domain.StatusMatchedSome,
			Total:       decimal.RequireFromString("800000"),
			Currency:    "CLP",
			Timestamp:   time.Now().UTC(),
			Contributions: []domain.RuleContribution{
				{RuleID: "conv-001", Priority: 10, RuleType: domain.RuleTypePercentage,
					Base:   decimal.RequireFromString("1000000"),
					Gross:  decimal.RequireFromString("800000"),
					Amount: decimal.RequireFromString("800000")},
			},
			Evaluated: []domain.RuleTrace{
				{RuleID: "conv-001", Priority: 10, Applied: true},
			},
			Metadata: domain.SettlementMetadata{TraceID: "trace-001", EngineVersion: "convenia-1.0"},
		}

		if err := repo.SaveSettlement(ctx, tenantID, settlement); err != nil {
			t.Fatalf("SaveSettlement failed: %v", err)
		}

		retrieved, err := repo.GetSettlement(ctx, tenantID, settlement.ID)
		if err != nil {
			t.Fatalf("GetSettlement failed: %v", err)
		}

		if !retrieved.Total.Equal(settlement.Total) {
			t.Errorf("expected total %s, got %s", settlement.Total, retrieved.Total)
		}
		if len(retrieved.Contributions) != 1 || retrieved.Contributions[0].RuleID != "conv-001" {
			t.Errorf("contributions did not round-trip: %+v", retrieved.Contributions)
		}
		if retrieved.Metadata.TraceID != "trace-001" {
			t.Errorf("metadata did not round-trip: %+v", retrieved.Metadata)
		}
	})

	t.Run("AppendOnlySettlements", func(t *testing.T) {
		// A re-settlement of the same attention is a new row, never an
		// update of the old one.
		second := &domain.Settlement{
			ID:          "liq-002",
			AttentionID: "att-001",
			Status:      domain.StatusMatchedNone,
			Total:       decimal.Zero,
			Currency:    "CLP",
			Timestamp:   time.Now().UTC().Add(time.Second),
		}
		if err := repo.SaveSettlement(ctx, tenantID, second); err != nil {
			t.Fatalf("SaveSettlement failed: %v", err)
		}

		settlements, err := repo.ListSettlementsByAttention(ctx, tenantID, "att-001")
		if err != nil {
			t.Fatalf("ListSettlementsByAttention failed: %v", err)
		}
		if len(settlements) != 2 {
			t.Errorf("expected 2 settlements, got %d", len(settlements))
		}

		// Duplicate IDs are rejected by the primary key.
		if err := repo.SaveSettlement(ctx, tenantID, second); err == nil {
			t.Error("expected duplicate settlement ID to be rejected")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "clinica-sur"

		if _, err := repo.GetAttention(ctx, otherTenant, "att-001"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		if _, err := repo.GetConvenio(ctx, otherTenant, "conv-001"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		if _, err := repo.GetArancel(ctx, otherTenant, "2004-123"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveAttention(ctx, "", &domain.Attention{ID: "att-x"}); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.GetSettlement(ctx, "", "liq-001"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetAttention(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetSettlement(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

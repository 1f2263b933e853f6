// Package domain defines the core interfaces and types for Convenia.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Attention operations
	SaveAttention(ctx context.Context, tenantID string, att *Attention) error
	GetAttention(ctx context.Context, tenantID string, attentionID string) (*Attention, error)

	// Convenio catalog operations. ListConvenios returns enabled and
	// disabled rules; the engine filters on the active flag itself.
	SaveConvenio(ctx context.Context, tenantID string, rule *Convenio) error
	GetConvenio(ctx context.Context, tenantID string, ruleID string) (*Convenio, error)
	ListConvenios(ctx context.Context, tenantID string) ([]*Convenio, error)
	DeleteConvenio(ctx context.Context, tenantID string, ruleID string) error

	// Tariff operations (arancel by service code)
	GetArancel(ctx context.Context, tenantID string, serviceCode string) (decimal.Decimal, error)
	SaveArancel(ctx context.Context, tenantID string, serviceCode string, amount decimal.Decimal) error

	// Settlement audit records: append-only, no update or delete.
	SaveSettlement(ctx context.Context, tenantID string, s *Settlement) error
	GetSettlement(ctx context.Context, tenantID string, settlementID string) (*Settlement, error)
	ListSettlementsByAttention(ctx context.Context, tenantID string, attentionID string) ([]*Settlement, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

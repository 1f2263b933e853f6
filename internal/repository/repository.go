// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAttention stores an attention record with tenant isolation.
func (r *SQLRepository) SaveAttention(ctx context.Context, tenantID string, att *domain.Attention) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	amounts, _ := json.Marshal(att.Amounts)
	metadata, _ := json.Marshal(att.Metadata)

	query := `
		INSERT INTO atenciones (
			id, tenant_id, service_code, service_type, specialty,
			patient_role, day_type, doctor_id, execution_date, sale_date,
			amounts, currency, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		att.ID, tenantID, att.ServiceCode, att.ServiceType, att.Specialty,
		att.PatientRole, att.DayType, att.DoctorID, att.ExecutionDate, att.SaleDate,
		string(amounts), att.Currency, att.Timestamp, att.CreatedAt,
		string(metadata),
	)
	return err
}

// GetAttention retrieves an attention record by ID with tenant isolation.
func (r *SQLRepository) GetAttention(ctx context.Context, tenantID string, attentionID string) (*domain.Attention, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, service_code, service_type, specialty,
			   patient_role, day_type, doctor_id, execution_date, sale_date,
			   amounts, currency, timestamp, created_at, metadata
		FROM atenciones
		WHERE tenant_id = ? AND id = ?
	`

	var att domain.Attention
	var amounts, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, attentionID).Scan(
		&att.ID, &att.TenantID, &att.ServiceCode, &att.ServiceType, &att.Specialty,
		&att.PatientRole, &att.DayType, &att.DoctorID, &att.ExecutionDate, &att.SaleDate,
		&amounts, &att.Currency, &att.Timestamp, &att.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(amounts), &att.Amounts); err != nil {
		return nil, fmt.Errorf("failed to parse amounts for %s: %w", att.ID, err)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &att.Metadata)
	}

	return &att, nil
}

// SaveConvenio upserts a convenio and replaces its owned criteria and
// bonuses in one transaction.
func (r *SQLRepository) SaveConvenio(ctx context.Context, tenantID string, rule *domain.Convenio) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: convenio id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	var ruleValue sql.NullString
	if rule.RuleValue.Valid {
		ruleValue = sql.NullString{String: rule.RuleValue.Decimal.String(), Valid: true}
	}

	var validTo sql.NullTime
	if rule.ValidTo != nil {
		validTo = sql.NullTime{Time: *rule.ValidTo, Valid: true}
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO convenios (
			id, tenant_id, name, description, version, priority,
			valid_from, valid_to, date_reference, rule_type, rule_value,
			combination, base_value, exclusivity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			priority = excluded.priority,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			date_reference = excluded.date_reference,
			rule_type = excluded.rule_type,
			rule_value = excluded.rule_value,
			combination = excluded.combination,
			base_value = excluded.base_value,
			exclusivity = excluded.exclusivity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Version, rule.Priority,
		rule.ValidFrom, validTo, string(rule.DateReference), string(rule.RuleType), ruleValue,
		string(rule.Combination), string(rule.BaseValue), string(rule.Exclusivity), enabled,
		now, now,
	)
	if err != nil {
		return err
	}

	// Criteria and bonuses follow the parent wholesale: delete and reinsert.
	if _, err = tx.ExecContext(ctx,
		r.rebind(`DELETE FROM convenio_criterios WHERE tenant_id = ? AND convenio_id = ?`),
		tenantID, rule.ID,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		r.rebind(`DELETE FROM convenio_bonos WHERE tenant_id = ? AND convenio_id = ?`),
		tenantID, rule.ID,
	); err != nil {
		return err
	}

	critQuery := r.rebind(`
		INSERT INTO convenio_criterios (id, tenant_id, convenio_id, attr_key, operator, value, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	for i, crit := range rule.Criteria {
		if _, err = tx.ExecContext(ctx, critQuery,
			crit.ID, tenantID, rule.ID, crit.Key, string(crit.Operator), crit.Value, i,
		); err != nil {
			return err
		}
	}

	bonoQuery := r.rebind(`
		INSERT INTO convenio_bonos (id, tenant_id, convenio_id, description, percent, priority, attr_key, operator, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, bono := range rule.Bonuses {
		if _, err = tx.ExecContext(ctx, bonoQuery,
			bono.ID, tenantID, rule.ID, bono.Description, bono.Percent.String(),
			bono.Priority, bono.Key, string(bono.Operator), bono.Value,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetConvenio retrieves a convenio with its criteria and bonuses.
func (r *SQLRepository) GetConvenio(ctx context.Context, tenantID string, ruleID string) (*domain.Convenio, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, priority,
			   valid_from, valid_to, date_reference, rule_type, rule_value,
			   combination, base_value, exclusivity, enabled, created_at, updated_at
		FROM convenios
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := r.scanConvenio(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, tenantID, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListConvenios retrieves all convenios for a tenant, enabled or not.
// Catalog filtering on the active flag happens in the engine so disabled
// rules still show up in administrative listings.
func (r *SQLRepository) ListConvenios(ctx context.Context, tenantID string) ([]*domain.Convenio, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, priority,
			   valid_from, valid_to, date_reference, rule_type, rule_value,
			   combination, base_value, exclusivity, enabled, created_at, updated_at
		FROM convenios
		WHERE tenant_id = ?
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Convenio
	for rows.Next() {
		rule, err := r.scanConvenio(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if err := r.loadChildren(ctx, tenantID, rule); err != nil {
			return nil, err
		}
	}

	return rules, nil
}

// DeleteConvenio removes a convenio and cascades to its criteria and
// bonuses.
func (r *SQLRepository) DeleteConvenio(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM convenios WHERE tenant_id = ? AND id = ?`),
		tenantID, ruleID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err = tx.ExecContext(ctx,
		r.rebind(`DELETE FROM convenio_criterios WHERE tenant_id = ? AND convenio_id = ?`),
		tenantID, ruleID,
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		r.rebind(`DELETE FROM convenio_bonos WHERE tenant_id = ? AND convenio_id = ?`),
		tenantID, ruleID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *SQLRepository) scanConvenio(row scanner) (*domain.Convenio, error) {
	var rule domain.Convenio
	var description sql.NullString
	var validTo sql.NullTime
	var dateRef, ruleType, baseValue, exclusivity string
	var ruleValue, combination sql.NullString
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Version, &rule.Priority,
		&rule.ValidFrom, &validTo, &dateRef, &ruleType, &ruleValue,
		&combination, &baseValue, &exclusivity, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	if validTo.Valid {
		t := validTo.Time
		rule.ValidTo = &t
	}
	rule.DateReference = domain.DateReference(dateRef)
	rule.RuleType = domain.RuleType(ruleType)
	rule.BaseValue = domain.BaseValue(baseValue)
	rule.Exclusivity = domain.ExclusivityMode(exclusivity)
	rule.Enabled = enabled == 1

	if ruleValue.Valid && ruleValue.String != "" {
		value, err := decimal.NewFromString(ruleValue.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rule_value for %s: %w", rule.ID, err)
		}
		rule.RuleValue = decimal.NullDecimal{Decimal: value, Valid: true}
	}
	if combination.Valid && combination.String != "" {
		rule.Combination = json.RawMessage(combination.String)
	}

	return &rule, nil
}

func (r *SQLRepository) loadChildren(ctx context.Context, tenantID string, rule *domain.Convenio) error {
	critQuery := `
		SELECT id, attr_key, operator, value
		FROM convenio_criterios
		WHERE tenant_id = ? AND convenio_id = ?
		ORDER BY position
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(critQuery), tenantID, rule.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	rule.Criteria = nil
	for rows.Next() {
		var crit domain.Criterio
		var operator string
		if err := rows.Scan(&crit.ID, &crit.Key, &operator, &crit.Value); err != nil {
			return err
		}
		crit.Operator = domain.Operator(operator)
		rule.Criteria = append(rule.Criteria, crit)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	bonoQuery := `
		SELECT id, description, percent, priority, attr_key, operator, value
		FROM convenio_bonos
		WHERE tenant_id = ? AND convenio_id = ?
		ORDER BY priority, id
	`
	bonoRows, err := r.db.QueryContext(ctx, r.rebind(bonoQuery), tenantID, rule.ID)
	if err != nil {
		return err
	}
	defer bonoRows.Close()

	rule.Bonuses = nil
	for bonoRows.Next() {
		var bono domain.Bono
		var description sql.NullString
		var percent, operator string
		if err := bonoRows.Scan(&bono.ID, &description, &percent, &bono.Priority, &bono.Key, &operator, &bono.Value); err != nil {
			return err
		}
		bono.Description = description.String
		bono.Operator = domain.Operator(operator)
		bono.Percent, err = decimal.NewFromString(percent)
		if err != nil {
			return fmt.Errorf("failed to parse bonus percent for %s: %w", bono.ID, err)
		}
		rule.Bonuses = append(rule.Bonuses, bono)
	}
	return bonoRows.Err()
}

// GetArancel retrieves the tariff for a service code.
func (r *SQLRepository) GetArancel(ctx context.Context, tenantID string, serviceCode string) (decimal.Decimal, error) {
	if tenantID == "" {
		return decimal.Zero, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT amount FROM aranceles WHERE tenant_id = ? AND service_code = ?`

	var amount string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, serviceCode).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse tariff for %s: %w", serviceCode, err)
	}
	return value, nil
}

// SaveArancel upserts the tariff for a service code.
func (r *SQLRepository) SaveArancel(ctx context.Context, tenantID string, serviceCode string, amount decimal.Decimal) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if serviceCode == "" {
		return fmt.Errorf("%w: serviceCode is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO aranceles (tenant_id, service_code, amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, service_code) DO UPDATE SET
			amount = excluded.amount,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, serviceCode, amount.String(), time.Now().UTC(),
	)
	return err
}

// SaveSettlement appends a settlement audit record. Insert only; there is
// no update path for liquidaciones.
func (r *SQLRepository) SaveSettlement(ctx context.Context, tenantID string, s *domain.Settlement) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	attention, _ := json.Marshal(s.Attention)
	contributions, _ := json.Marshal(s.Contributions)
	evaluated, _ := json.Marshal(s.Evaluated)
	metadata, _ := json.Marshal(s.Metadata)

	auditPending := 0
	if s.AuditPending {
		auditPending = 1
	}

	query := `
		INSERT INTO liquidaciones (
			id, tenant_id, attention_id, status, total, currency,
			timestamp, attention, contributions, evaluated, audit_pending, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, s.AttentionID, s.Status, s.Total.String(), s.Currency,
		s.Timestamp, string(attention), string(contributions), string(evaluated),
		auditPending, string(metadata),
	)
	return err
}

// GetSettlement retrieves a settlement by ID with tenant isolation.
func (r *SQLRepository) GetSettlement(ctx context.Context, tenantID string, settlementID string) (*domain.Settlement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, attention_id, status, total, currency,
			   timestamp, attention, contributions, evaluated, audit_pending, metadata
		FROM liquidaciones
		WHERE tenant_id = ? AND id = ?
	`

	return r.scanSettlement(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, settlementID))
}

// ListSettlementsByAttention retrieves all settlements recorded for an
// attention, newest first.
func (r *SQLRepository) ListSettlementsByAttention(ctx context.Context, tenantID string, attentionID string) ([]*domain.Settlement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, attention_id, status, total, currency,
			   timestamp, attention, contributions, evaluated, audit_pending, metadata
		FROM liquidaciones
		WHERE tenant_id = ? AND attention_id = ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, attentionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []*domain.Settlement
	for rows.Next() {
		s, err := r.scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, s)
	}

	return settlements, rows.Err()
}

func (r *SQLRepository) scanSettlement(row scanner) (*domain.Settlement, error) {
	var s domain.Settlement
	var total, attention, contributions, evaluated, metadata string
	var auditPending int

	err := row.Scan(
		&s.ID, &s.TenantID, &s.AttentionID, &s.Status, &total, &s.Currency,
		&s.Timestamp, &attention, &contributions, &evaluated, &auditPending, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Total, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement total for %s: %w", s.ID, err)
	}
	s.AuditPending = auditPending == 1

	if attention != "" && attention != "null" {
		json.Unmarshal([]byte(attention), &s.Attention)
	}
	json.Unmarshal([]byte(contributions), &s.Contributions)
	json.Unmarshal([]byte(evaluated), &s.Evaluated)
	json.Unmarshal([]byte(metadata), &s.Metadata)

	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

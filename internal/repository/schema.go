package repository

// Schema definitions for the Convenia database.
// Compatible with both SQLite and PostgreSQL. Monetary columns are TEXT
// holding canonical decimal strings; REAL would reintroduce the float
// drift the engine exists to avoid.

const schemaAtenciones = `
CREATE TABLE IF NOT EXISTS atenciones (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    service_code TEXT NOT NULL,
    service_type TEXT NOT NULL,
    specialty TEXT,
    patient_role TEXT,
    day_type TEXT,
    doctor_id TEXT,
    execution_date TIMESTAMP NOT NULL,
    sale_date TIMESTAMP NOT NULL,
    amounts TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_atenciones_tenant ON atenciones(tenant_id);
CREATE INDEX IF NOT EXISTS idx_atenciones_service ON atenciones(tenant_id, service_code);
CREATE INDEX IF NOT EXISTS idx_atenciones_execution ON atenciones(tenant_id, execution_date);
`

const schemaConvenios = `
CREATE TABLE IF NOT EXISTS convenios (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    date_reference TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    rule_value TEXT,
    combination TEXT,
    base_value TEXT NOT NULL,
    exclusivity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_convenios_tenant ON convenios(tenant_id);
CREATE INDEX IF NOT EXISTS idx_convenios_enabled ON convenios(tenant_id, enabled);
CREATE INDEX IF NOT EXISTS idx_convenios_priority ON convenios(tenant_id, priority);
`

// Criteria and bonuses are owned children of a convenio: saved and deleted
// with their parent, never addressed on their own.
const schemaConvenioCriterios = `
CREATE TABLE IF NOT EXISTS convenio_criterios (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    convenio_id TEXT NOT NULL,
    attr_key TEXT NOT NULL,
    operator TEXT NOT NULL,
    value TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (id, tenant_id, convenio_id)
);

CREATE INDEX IF NOT EXISTS idx_criterios_convenio ON convenio_criterios(tenant_id, convenio_id);
`

const schemaConvenioBonos = `
CREATE TABLE IF NOT EXISTS convenio_bonos (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    convenio_id TEXT NOT NULL,
    description TEXT,
    percent TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    attr_key TEXT NOT NULL,
    operator TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (id, tenant_id, convenio_id)
);

CREATE INDEX IF NOT EXISTS idx_bonos_convenio ON convenio_bonos(tenant_id, convenio_id);
`

const schemaAranceles = `
CREATE TABLE IF NOT EXISTS aranceles (
    tenant_id TEXT NOT NULL,
    service_code TEXT NOT NULL,
    amount TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, service_code)
);
`

// schemaLiquidaciones defines the settlement audit table. Append-only:
// the repository exposes no UPDATE or DELETE against it.
const schemaLiquidaciones = `
CREATE TABLE IF NOT EXISTS liquidaciones (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    attention_id TEXT NOT NULL,
    status TEXT NOT NULL,
    total TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    attention TEXT,
    contributions TEXT NOT NULL,
    evaluated TEXT NOT NULL,
    audit_pending INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_liquidaciones_tenant ON liquidaciones(tenant_id);
CREATE INDEX IF NOT EXISTS idx_liquidaciones_attention ON liquidaciones(tenant_id, attention_id);
CREATE INDEX IF NOT EXISTS idx_liquidaciones_timestamp ON liquidaciones(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAtenciones,
		schemaConvenios,
		schemaConvenioCriterios,
		schemaConvenioBonos,
		schemaAranceles,
		schemaLiquidaciones,
	}
}

package domain

import "time"

// Config holds the complete Convenia configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Engine     EngineConfig     `json:"engine"`
	Audit      AuditConfig      `json:"audit"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds settlement engine settings.
type EngineConfig struct {
	// DefaultCurrency is assumed when an attention carries none.
	DefaultCurrency string `json:"defaultCurrency"`

	// CatalogCacheTTL bounds how long a serialized catalog stays in cache.
	CatalogCacheTTL time.Duration `json:"catalogCacheTTL"`

	// EvalTimeout bounds a single settlement calculation, catalog read and
	// audit write included.
	EvalTimeout time.Duration `json:"evalTimeout"`
}

// AuditConfig holds audit recorder settings.
type AuditConfig struct {
	// MaxRetries bounds audit-write retries before escalating.
	MaxRetries int `json:"maxRetries"`

	// RetryBackoff is the base delay between audit-write retries.
	RetryBackoff time.Duration `json:"retryBackoff"`

	// FailureAlertWindow is the counter window used when rate-tracking
	// audit failures per tenant.
	FailureAlertWindow time.Duration `json:"failureAlertWindow"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./convenia.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			DefaultCurrency: "CLP",
			CatalogCacheTTL: 5 * time.Minute,
			EvalTimeout:     10 * time.Second,
		},
		Audit: AuditConfig{
			MaxRetries:         3,
			RetryBackoff:       100 * time.Millisecond,
			FailureAlertWindow: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "convenia",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "convenia",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

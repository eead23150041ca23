package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Quota backends
const (
	QuotaBackendMemory   = "memory"
	QuotaBackendRedis    = "redis"
	QuotaBackendPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      *DatabaseConfig // Optional: in-memory stores are used when nil
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit logs. When nil, audit uses main DB.
	Redis         RedisConfig
	Pipeline      PipelineConfig
	Tenants       TenantsConfig
	Tools         ToolsConfig
	Observability ObservabilityConfig
	Bootstrap     BootstrapConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the Redis connection used by the redis quota backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PipelineConfig holds execution pipeline configuration
type PipelineConfig struct {
	MaxQueued             int
	Workers               int
	PollInterval          time.Duration
	ConfirmationTimeout   time.Duration
	ReaperInterval        time.Duration
	TerminalAttempts      int
	TerminalRetryDelay    time.Duration
	QuotaBackend          string
	QuotaCleanupInterval  time.Duration
	QuotaCounterRetention time.Duration
}

// TenantsConfig holds the settings cache configuration
type TenantsConfig struct {
	CacheSize            int
	CacheTTL             time.Duration
	CacheCleanupInterval time.Duration
}

// ToolsConfig holds tool gateway and reliability configuration
type ToolsConfig struct {
	GatewayURL                 string
	GatewayAPIKey              string
	GatewayTimeout             time.Duration
	CatalogFile                string
	BreakerConsecutiveFailures int
	BreakerTimeout             time.Duration
	RateLimitQPS               float64
	RateLimitBurst             int
	SafeRetryAttempts          int
	CallTimeout                time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// BootstrapConfig names the owner created at startup when no users exist
type BootstrapConfig struct {
	OwnerID    string
	OwnerEmail string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Pipeline: PipelineConfig{
			MaxQueued:             getEnvAsInt("PIPELINE_MAX_QUEUED", 1000),
			Workers:               getEnvAsInt("PIPELINE_WORKERS", 4),
			PollInterval:          getEnvAsDuration("PIPELINE_POLL_INTERVAL", 500*time.Millisecond),
			ConfirmationTimeout:   getEnvAsDuration("PIPELINE_CONFIRMATION_TIMEOUT", 5*time.Minute),
			ReaperInterval:        getEnvAsDuration("PIPELINE_REAPER_INTERVAL", 15*time.Second),
			TerminalAttempts:      getEnvAsInt("PIPELINE_TERMINAL_ATTEMPTS", 5),
			TerminalRetryDelay:    getEnvAsDuration("PIPELINE_TERMINAL_RETRY_DELAY", 50*time.Millisecond),
			QuotaBackend:          strings.ToLower(getEnv("QUOTA_BACKEND", QuotaBackendMemory)),
			QuotaCleanupInterval:  getEnvAsDuration("QUOTA_CLEANUP_INTERVAL", time.Hour),
			QuotaCounterRetention: getEnvAsDuration("QUOTA_COUNTER_RETENTION", 7*24*time.Hour),
		},
		Tenants: TenantsConfig{
			CacheSize:            getEnvAsInt("SETTINGS_CACHE_SIZE", 10000),
			CacheTTL:             getEnvAsDuration("SETTINGS_CACHE_TTL", time.Minute),
			CacheCleanupInterval: getEnvAsDuration("SETTINGS_CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Tools: ToolsConfig{
			GatewayURL:                 getEnv("TOOL_GATEWAY_URL", ""),
			GatewayAPIKey:              getEnv("TOOL_GATEWAY_API_KEY", ""),
			GatewayTimeout:             getEnvAsDuration("TOOL_GATEWAY_TIMEOUT", 30*time.Second),
			CatalogFile:                getEnv("TOOL_CATALOG_FILE", ""),
			BreakerConsecutiveFailures: getEnvAsInt("TOOL_BREAKER_FAILURES", 5),
			BreakerTimeout:             getEnvAsDuration("TOOL_BREAKER_TIMEOUT", 30*time.Second),
			RateLimitQPS:               getEnvAsFloat("TOOL_RATE_LIMIT_QPS", 100),
			RateLimitBurst:             getEnvAsInt("TOOL_RATE_LIMIT_BURST", 20),
			SafeRetryAttempts:          getEnvAsInt("TOOL_SAFE_RETRY_ATTEMPTS", 3),
			CallTimeout:                getEnvAsDuration("TOOL_CALL_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Bootstrap: BootstrapConfig{
			OwnerID:    getEnv("BOOTSTRAP_OWNER_ID", ""),
			OwnerEmail: getEnv("BOOTSTRAP_OWNER_EMAIL", ""),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.AuditDatabase != nil && c.Database == nil {
		return fmt.Errorf("DATABASE_URL_AUDIT requires a main database")
	}

	switch c.Pipeline.QuotaBackend {
	case QuotaBackendMemory:
	case QuotaBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis quota backend")
		}
	case QuotaBackendPostgres:
		if c.Database == nil {
			return fmt.Errorf("a database is required for the postgres quota backend")
		}
	default:
		return fmt.Errorf("unknown quota backend %q", c.Pipeline.QuotaBackend)
	}

	if c.Pipeline.MaxQueued <= 0 {
		return fmt.Errorf("pipeline max queued must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Pipeline.ConfirmationTimeout <= 0 {
		return fmt.Errorf("confirmation timeout must be positive")
	}

	if c.Tools.GatewayURL != "" {
		if _, err := url.ParseRequestURI(c.Tools.GatewayURL); err != nil {
			return fmt.Errorf("invalid tool gateway URL: %w", err)
		}
	}
	if c.Tools.CatalogFile != "" && c.Tools.GatewayURL == "" {
		return fmt.Errorf("TOOL_CATALOG_FILE requires TOOL_GATEWAY_URL")
	}

	if (c.Bootstrap.OwnerID == "") != (c.Bootstrap.OwnerEmail == "") {
		return fmt.Errorf("BOOTSTRAP_OWNER_ID and BOOTSTRAP_OWNER_EMAIL must be set together")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Returns nil when neither DATABASE_URL nor DB_HOST is set.
func loadDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	if getEnv("DB_HOST", "") == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "pipeline"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

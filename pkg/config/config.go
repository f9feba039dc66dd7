package config

import (
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Queue store backends
const (
	QueueStorePostgres = "postgres"
	QueueStoreFile     = "file"
)

// Config holds application configuration
type Config struct {
	Server   ServerConfig   `envconfig:"SERVER"`
	Database DatabaseConfig `envconfig:"DB"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	JWT      JWTConfig      `envconfig:"JWT"`
	CRM      CRMConfig      `envconfig:"CRM"`
	Sync     SyncConfig     `envconfig:"SYNC"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080" validate:"required"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Environment     string        `envconfig:"ENVIRONMENT" default:"development" validate:"oneof=development staging production test"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database configuration. Only used when the queue store is postgres.
type DatabaseConfig struct {
	Host        string `envconfig:"HOST" default:"localhost"`
	Port        string `envconfig:"PORT" default:"5432"`
	User        string `envconfig:"USER" default:"postgres"`
	Password    string `envconfig:"PASSWORD" default:"postgres"`
	Name        string `envconfig:"NAME" default:"discovery_sync"`
	SSLMode     string `envconfig:"SSLMODE" default:"disable"`
	MaxConns    int    `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns    int    `envconfig:"MIN_CONNS" default:"5" validate:"min=0"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
}

// RedisConfig holds Redis configuration. When disabled, record locks are process-local.
type RedisConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"false"`
	Host     string        `envconfig:"HOST" default:"localhost"`
	Port     string        `envconfig:"PORT" default:"6379"`
	Password string        `envconfig:"PASSWORD"`
	DB       int           `envconfig:"DB" default:"0" validate:"min=0"`
	LockTTL  time.Duration `envconfig:"LOCK_TTL" default:"30s"`
}

// JWTConfig holds JWT configuration. An empty access secret disables API auth.
type JWTConfig struct {
	AccessSecret string `envconfig:"ACCESS_SECRET"`
	Issuer       string `envconfig:"ISSUER" default:"discovery-sync"`
}

// CRMConfig holds the external record system settings
type CRMConfig struct {
	BaseURL        string        `envconfig:"BASE_URL" default:"https://www.zohoapis.com/crm/v2" validate:"required,url"`
	Module         string        `envconfig:"MODULE" default:"Deals" validate:"required"`
	AccessToken    string        `envconfig:"ACCESS_TOKEN"`
	AuthScheme     string        `envconfig:"AUTH_SCHEME" default:"Zoho-oauthtoken"`
	ClientID       string        `envconfig:"CLIENT_ID"`
	ClientSecret   string        `envconfig:"CLIENT_SECRET"`
	RefreshToken   string        `envconfig:"REFRESH_TOKEN"`
	TokenURL       string        `envconfig:"TOKEN_URL" default:"https://accounts.zoho.com/oauth/v2/token" validate:"omitempty,url"`
	Timeout        time.Duration `envconfig:"TIMEOUT" default:"15s"`
	MaxFieldLength int           `envconfig:"MAX_FIELD_LENGTH" default:"31000" validate:"min=1"`
	MaxElapsed     time.Duration `envconfig:"MAX_ELAPSED" default:"10s"`
}

// SyncConfig holds retry queue, drain and cache settings
type SyncConfig struct {
	Store            string        `envconfig:"STORE" default:"file" validate:"oneof=postgres file"`
	FilePath         string        `envconfig:"FILE_PATH" default:"data/sync_queue.json"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BaseBackoff      time.Duration `envconfig:"BASE_BACKOFF" default:"5s"`
	MaxBackoff       time.Duration `envconfig:"MAX_BACKOFF" default:"5m"`
	DrainInterval    time.Duration `envconfig:"DRAIN_INTERVAL" default:"5s"`
	CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"15s"`
	DrainConcurrency int           `envconfig:"DRAIN_CONCURRENCY" default:"4" validate:"min=1"`
	RecordCacheTTL   time.Duration `envconfig:"RECORD_CACHE_TTL" default:"30s"`
	ListCacheTTL     time.Duration `envconfig:"LIST_CACHE_TTL" default:"60s"`
	CacheMaxEntries  int           `envconfig:"CACHE_MAX_ENTRIES" default:"1024" validate:"min=1"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables or defaults")
	}

	return FromEnv()
}

// FromEnv reads configuration from the process environment without touching .env
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sync.Store == QueueStoreFile && c.Sync.FilePath == "" {
		return fmt.Errorf("SYNC_FILE_PATH is required when SYNC_STORE=file")
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("SYNC_MAX_BACKOFF must not be lower than SYNC_BASE_BACKOFF")
	}
	if c.CRM.RefreshToken != "" && (c.CRM.ClientID == "" || c.CRM.ClientSecret == "") {
		return fmt.Errorf("CRM_CLIENT_ID and CRM_CLIENT_SECRET are required with CRM_REFRESH_TOKEN")
	}
	return nil
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// IsProduction checks if running in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// AuthEnabled reports whether /v1 routes require a bearer token
func (c *Config) AuthEnabled() bool {
	return c.JWT.AccessSecret != ""
}

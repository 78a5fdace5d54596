package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Vault    VaultConfig    `yaml:"vault"`
	Provider ProviderConfig `yaml:"provider"`
	Sync     SyncConfig     `yaml:"sync"`
	Warranty WarrantyConfig `yaml:"warranty"`
	Claims   ClaimsConfig   `yaml:"claims"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig represents server identity
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the HTTP API listener
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents the optional event broker
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents admin session token configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VaultConfig holds the base64 key for sealing access tokens at rest
type VaultConfig struct {
	Key string `yaml:"key"`
}

// ProviderConfig represents the external team-management API
type ProviderConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Timeout              time.Duration `yaml:"timeout"`
	ProxyEnabled         bool          `yaml:"proxy_enabled"`
	ProxyURL             string        `yaml:"proxy_url"`
	UserAgent            string        `yaml:"user_agent"`
	InviteRetries        uint64        `yaml:"invite_retries"`
	InviteRetryDelay     time.Duration `yaml:"invite_retry_delay"`
	InviteTimeout        time.Duration `yaml:"invite_timeout"`
	MaxCandidateAttempts int           `yaml:"max_candidate_attempts"`
}

// SyncConfig represents the team synchronizer
type SyncConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	RetryCount  uint64        `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	ErrorBudget int           `yaml:"error_budget"`
}

// WarrantyConfig represents warranty terms
type WarrantyConfig struct {
	Window        time.Duration `yaml:"window"`
	QueryThrottle time.Duration `yaml:"query_throttle"`
}

// ClaimsConfig represents access-token claims decoding
type ClaimsConfig struct {
	StrictVerify bool   `yaml:"strict_verify"`
	Secret       string `yaml:"secret"`
}

// AdminConfig represents the bootstrapped admin account
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads the configuration file, applies environment overrides and
// fills in defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}
	if vaultKey := os.Getenv("VAULT_KEY"); vaultKey != "" {
		c.Vault.Key = vaultKey
	}
	if baseURL := os.Getenv("PROVIDER_BASE_URL"); baseURL != "" {
		c.Provider.BaseURL = baseURL
	}
	if proxyURL := os.Getenv("PROVIDER_PROXY_URL"); proxyURL != "" {
		c.Provider.ProxyURL = proxyURL
		c.Provider.ProxyEnabled = true
	}
	if adminPassword := os.Getenv("ADMIN_PASSWORD"); adminPassword != "" {
		c.Admin.Password = adminPassword
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults fills zero values with working defaults
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "teampool-server"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.InviteRetries == 0 {
		c.Provider.InviteRetries = 2
	}
	if c.Provider.InviteRetryDelay == 0 {
		c.Provider.InviteRetryDelay = 2 * time.Second
	}
	if c.Provider.InviteTimeout == 0 {
		c.Provider.InviteTimeout = 45 * time.Second
	}
	if c.Provider.MaxCandidateAttempts == 0 {
		c.Provider.MaxCandidateAttempts = 3
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 10 * time.Minute
	}
	if c.Sync.RetryCount == 0 {
		c.Sync.RetryCount = 2
	}
	if c.Sync.RetryDelay == 0 {
		c.Sync.RetryDelay = 2 * time.Second
	}
	if c.Sync.ErrorBudget == 0 {
		c.Sync.ErrorBudget = 3
	}
	if c.Warranty.Window == 0 {
		c.Warranty.Window = 30 * 24 * time.Hour
	}
	if c.Warranty.QueryThrottle == 0 {
		c.Warranty.QueryThrottle = 30 * time.Second
	}
	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
}

// validate rejects configurations the server cannot run with
func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Vault.Key == "" {
		return fmt.Errorf("vault.key is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Claims.StrictVerify && c.Claims.Secret == "" {
		return fmt.Errorf("claims.secret is required when claims.strict_verify is set")
	}
	return nil
}

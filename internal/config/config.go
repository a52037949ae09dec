// Package config loads and validates the docvault configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DVT_ prefix (e.g., DVT_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
//
// Master key material is never read from the YAML file in production deployments;
// it arrives through DVT_ENCRYPTION_KEY, a passphrase, or an age-sealed keyring file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig holds the archive storage backend configuration. Archives are
// written when audit records are purged.
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and friends)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	// CredentialsFile is the path to a service account JSON key file; empty uses ADC
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint is an optional custom endpoint (GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AuthConfig holds bearer-token configuration for actors issued by the
// external authentication subsystem.
type AuthConfig struct {
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// SSOSecondFactorBypass lets SSO-authenticated actors without a verified
	// second factor through. Every bypass is audited. Local actors are never
	// allowed through without a second factor.
	SSOSecondFactorBypass bool `mapstructure:"sso_second_factor_bypass"`
	// RequireSecondFactor turns the second-factor policy on at all.
	RequireSecondFactor bool `mapstructure:"require_second_factor"`
}

// EncryptionConfig holds master key sourcing for the envelope encryption service.
//
// Exactly one source is used, in this order: KeyringFile (age-sealed, may hold
// several key versions), Key (base64, becomes version 1), Passphrase+Salt (PBKDF2,
// becomes version 1).
type EncryptionConfig struct {
	Key             string `mapstructure:"key"`
	Passphrase      string `mapstructure:"passphrase"`
	Salt            string `mapstructure:"salt"`
	KeyringFile     string `mapstructure:"keyring_file"`
	AgeIdentityFile string `mapstructure:"age_identity_file"`
	// WatchKeyring reloads the keyring file when it changes so new key versions
	// take effect without a restart.
	WatchKeyring bool `mapstructure:"watch_keyring"`
	// Cipher selects the payload AEAD for new writes: aes-256-gcm or xchacha20-poly1305
	Cipher string `mapstructure:"cipher"`
	// LockMemory pins master key pages in RAM (mlock) where supported
	LockMemory bool `mapstructure:"lock_memory"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration for secret-revealing endpoints
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// RedisURL enables the distributed limiter (redis://host:6379/0); empty keeps it in-process
	RedisURL string `mapstructure:"redis_url"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	// LogReadOperations makes the request audit middleware record GET requests too
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
	// Archive configures where purged records are written before deletion
	Archive AuditArchiveConfig `mapstructure:"archive"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditArchiveConfig controls purge archives
type AuditArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	// PGPRecipientFile is an armored OpenPGP public key; archives are encrypted to it when set
	PGPRecipientFile string `mapstructure:"pgp_recipient_file"`
	// CreateTarget creates the S3 bucket or Azure container at startup when it is missing
	CreateTarget bool `mapstructure:"create_target"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone doesn't reach nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Auth
		"auth.issuer",
		"auth.token_ttl",
		"auth.sso_second_factor_bypass",
		"auth.require_second_factor",

		// Encryption
		"encryption.key",
		"encryption.passphrase",
		"encryption.salt",
		"encryption.keyring_file",
		"encryption.age_identity_file",
		"encryption.watch_keyring",
		"encryption.cipher",
		"encryption.lock_memory",

		// Security
		"security.cors.allowed_origins",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.log_read_operations",
		"audit.archive.enabled",
		"audit.archive.prefix",
		"audit.archive.pgp_recipient_file",
		"audit.archive.create_target",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/docvault")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("DVT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Encryption.Key = expandEnv(cfg.Encryption.Key)
	cfg.Encryption.Passphrase = expandEnv(cfg.Encryption.Passphrase)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "docvault")
	v.SetDefault("database.user", "docvault")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Storage
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./archive")

	// Auth
	v.SetDefault("auth.issuer", "docvault")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.sso_second_factor_bypass", false)
	v.SetDefault("auth.require_second_factor", true)

	// Encryption
	v.SetDefault("encryption.cipher", "aes-256-gcm")
	v.SetDefault("encryption.watch_keyring", false)
	v.SetDefault("encryption.lock_memory", true)

	// Security
	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 30)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit
	v.SetDefault("audit.log_read_operations", false)
	v.SetDefault("audit.archive.enabled", true)
	v.SetDefault("audit.archive.prefix", "audit-archive")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Encryption.KeyringFile == "" && c.Encryption.Key == "" && c.Encryption.Passphrase == "" {
		return fmt.Errorf("encryption key material is required (encryption.keyring_file, DVT_ENCRYPTION_KEY or encryption.passphrase)")
	}
	if c.Encryption.KeyringFile != "" && c.Encryption.AgeIdentityFile == "" {
		return fmt.Errorf("encryption.age_identity_file is required with encryption.keyring_file")
	}
	if c.Encryption.Passphrase != "" && c.Encryption.KeyringFile == "" && c.Encryption.Key == "" && c.Encryption.Salt == "" {
		return fmt.Errorf("encryption.salt is required with encryption.passphrase")
	}
	validCiphers := map[string]bool{"aes-256-gcm": true, "xchacha20-poly1305": true}
	if !validCiphers[c.Encryption.Cipher] {
		return fmt.Errorf("invalid encryption cipher: %s (must be aes-256-gcm or xchacha20-poly1305)", c.Encryption.Cipher)
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q", i, s.Type)
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

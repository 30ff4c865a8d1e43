package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/signagectl/internal/observability"
	"github.com/florianilch/signagectl/internal/session"
	"github.com/florianilch/signagectl/internal/tokensource"
	"github.com/florianilch/signagectl/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = observability.FormatText
	LogFormatJSON LogFormat = observability.FormatJSON
)

// LogExporter selects where log records are shipped.
type LogExporter string

const (
	LogExporterNone     LogExporter = observability.ExporterNone
	LogExporterStdout   LogExporter = observability.ExporterStdout
	LogExporterOTLPHTTP LogExporter = observability.ExporterOTLPHTTP
	LogExporterOTLPGRPC LogExporter = observability.ExporterOTLPGRPC
)

// CredentialStorageType represents the backends supported for the credential pair.
type CredentialStorageType string

const (
	CredentialStorageTypeFile    CredentialStorageType = "file"
	CredentialStorageTypeEnv     CredentialStorageType = "env"
	CredentialStorageTypeKeyring CredentialStorageType = "keyring"
	CredentialStorageTypeMemory  CredentialStorageType = "memory"
	CredentialStorageTypeRedis   CredentialStorageType = "redis"
)

// KeyringService is the service name under which credentials are stored in the OS keyring.
const KeyringService = "signagectl"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigLogExporter     = LogExporterNone
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAPIBaseURL      = "http://localhost:3000/api"
	DefaultConfigAPITimeout      = 30 * time.Second
	DefaultConfigAuthStorage     = CredentialStorageTypeFile
	DefaultConfigAccessTokenEnv  = "SIGNAGE_ACCESS_TOKEN"
	DefaultConfigRefreshTokenEnv = "SIGNAGE_REFRESH_TOKEN"
	DefaultConfigRedisKey        = "signagectl:session"
	DefaultConfigExpirySkew      = session.DefaultExpirySkew
	DefaultConfigRefreshPath     = tokensource.DefaultRefreshPath
	DefaultConfigLoginPath       = tokensource.DefaultLoginPath
)

// ServerConfig holds local proxy server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig holds backend API configuration.
type APIConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
	// Timeout bounds every single HTTP exchange, including refreshes.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// RedisConfig holds settings for redis credential storage.
type RedisConfig struct {
	Addr     string        `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Password string        `json:"password,omitempty"`
	DB       int           `json:"db,omitempty" validate:"gte=0"`
	Key      string        `json:"key,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty" validate:"gte=0"`
}

// AuthConfig describes where the credential pair lives and how it is renewed.
type AuthConfig struct {
	Storage CredentialStorageType `json:"storage" validate:"required,oneof=file env keyring memory redis"`

	// Storage-specific settings (only the ones matching Storage are used)
	File            string      `json:"file,omitempty"`
	KeyringUser     string      `json:"keyring_user,omitempty"`
	AccessTokenEnv  string      `json:"access_token_env,omitempty"`
	RefreshTokenEnv string      `json:"refresh_token_env,omitempty"`
	Redis           RedisConfig `json:"redis"`

	// ExpirySkew treats access tokens as expired this long before their exp claim.
	ExpirySkew  time.Duration `json:"expiry_skew" validate:"gte=0"`
	RefreshPath string        `json:"refresh_path" validate:"required,startswith=/"`
	LoginPath   string        `json:"login_path" validate:"required,startswith=/"`
}

// NewCredentialStore creates a CredentialStore from the authentication configuration.
func (a *AuthConfig) NewCredentialStore() (tokenstore.CredentialStore, error) {
	switch a.Storage {
	case CredentialStorageTypeFile:
		return tokenstore.NewFileStore(a.File)
	case CredentialStorageTypeEnv:
		base, err := tokenstore.NewEnvStore(a.AccessTokenEnv, a.RefreshTokenEnv)
		if err != nil {
			return nil, err
		}
		// Refreshed pairs are kept in memory for the lifetime of the process
		return tokenstore.NewLayeredStore(base), nil
	case CredentialStorageTypeKeyring:
		return tokenstore.NewKeyringStore(KeyringService, a.KeyringUser)
	case CredentialStorageTypeMemory:
		return tokenstore.NewMemoryStore(), nil
	case CredentialStorageTypeRedis:
		return tokenstore.NewRedisStore(tokenstore.RedisOptions{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
			Key:      a.Redis.Key,
			TTL:      a.Redis.TTL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level     `json:"log_level"`
	LogFormat   LogFormat      `json:"log_format" validate:"oneof=text json"`
	LogExporter LogExporter    `json:"log_exporter" validate:"oneof=none stdout otlphttp otlpgrpc"`
	Server      ServerConfig   `json:"server"`
	Shutdown    ShutdownConfig `json:"shutdown"`
	API         APIConfig      `json:"api"`
	Auth        AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.ExpirySkew == 0 {
		c.Auth.ExpirySkew = DefaultConfigExpirySkew
	}
	if c.Auth.RefreshPath == "" {
		c.Auth.RefreshPath = DefaultConfigRefreshPath
	}
	if c.Auth.LoginPath == "" {
		c.Auth.LoginPath = DefaultConfigLoginPath
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case CredentialStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "signagectl", "credentials.json")
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case CredentialStorageTypeEnv:
		if c.Auth.AccessTokenEnv == "" {
			c.Auth.AccessTokenEnv = DefaultConfigAccessTokenEnv
		}
		if c.Auth.RefreshTokenEnv == "" {
			c.Auth.RefreshTokenEnv = DefaultConfigRefreshTokenEnv
		}
	case CredentialStorageTypeRedis:
		if c.Auth.Redis.Key == "" {
			c.Auth.Redis.Key = DefaultConfigRedisKey
		}
	case CredentialStorageTypeMemory:
		// nothing to configure
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case CredentialStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case CredentialStorageTypeEnv:
		if c.Auth.AccessTokenEnv == "" {
			return errors.New("access_token_env required for env storage")
		}
		if c.Auth.AccessTokenEnv == c.Auth.RefreshTokenEnv {
			return errors.New("access_token_env and refresh_token_env must differ")
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case CredentialStorageTypeRedis:
		if c.Auth.Redis.Addr == "" {
			return errors.New("redis.addr required for redis storage")
		}
		if c.Auth.Redis.Key == "" {
			return errors.New("redis.key required for redis storage")
		}
	}

	return nil
}

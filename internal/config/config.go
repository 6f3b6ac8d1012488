package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COMPANION"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "companion.db"
	defaultServerDatabasePath  = "companion-records.db"
	defaultLogLevel            = "info"
	defaultRemoteTimeout       = 30
	defaultRemoteMaxRetries    = 2
	defaultSyncIntervalSeconds = 300
	defaultTokenTTLMinutes     = 60 * 24

	// TokenIssuer and TokenAudience bind the tokens minted by the token command to
	// the record server.
	TokenIssuer   = "companion-sync"
	TokenAudience = "companion-records"
)

// SyncConfig configures the sync and watch commands.
type SyncConfig struct {
	DatabasePath    string
	LogLevel        string
	RemoteBaseURL   string
	RemoteToken     string
	RemoteTimeout   time.Duration
	MaxRetries      int
	UserID          string
	SyncInterval    time.Duration
	TelemetryStdout bool
}

// ServerConfig configures the reference record server.
type ServerConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	Auth            AuthConfig
	TelemetryStdout bool
}

// AuthConfig configures bearer token signing.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("remote.max_retries", defaultRemoteMaxRetries)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("telemetry.stdout", false)
}

// LoadSync parses the client side configuration.
func LoadSync(configViper *viper.Viper) (SyncConfig, error) {
	cfg := SyncConfig{
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		RemoteBaseURL:   configViper.GetString("remote.base_url"),
		RemoteToken:     configViper.GetString("remote.token"),
		RemoteTimeout:   time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		MaxRetries:      configViper.GetInt("remote.max_retries"),
		UserID:          strings.TrimSpace(configViper.GetString("sync.user_id")),
		SyncInterval:    time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		TelemetryStdout: configViper.GetBool("telemetry.stdout"),
	}
	if err := cfg.validate(); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

// LoadServer parses the record server configuration.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	authConfig, err := LoadAuth(configViper)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("server.database_path"),
		LogLevel:        configViper.GetString("log.level"),
		Auth:            authConfig,
		TelemetryStdout: configViper.GetBool("telemetry.stdout"),
	}
	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return ServerConfig{}, fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ServerConfig{}, fmt.Errorf("server.database_path is required")
	}
	return cfg, nil
}

// LoadAuth parses the token signing configuration.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return AuthConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return AuthConfig{}, fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return cfg, nil
}

func (c SyncConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("sync.user_id is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	return nil
}

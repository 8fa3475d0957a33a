// Package config loads and saves tidemark settings.
//
// Settings live in a TOML file (tidemark.toml by default). Every key can be
// overridden from the environment with a TIDEMARK_ prefix, for example
// TIDEMARK_SERVICE_URL or TIDEMARK_POLL_INTERVAL=10s.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// DefaultFile is the settings file name looked up in the working directory.
const DefaultFile = "tidemark.toml"

// Settings configure a store and its sync engine.
type Settings struct {
	// ServiceURL is the base URL of the sync service. Empty disables sync.
	ServiceURL     string `mapstructure:"service_url" toml:"service_url"`
	ApplicationKey string `mapstructure:"application_key" toml:"application_key"`
	AccountKey     string `mapstructure:"account_key" toml:"account_key"`
	DeviceID       string `mapstructure:"device_id" toml:"device_id"`

	// PollInterval applies to groups subscribed without a frequency.
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`

	// EncryptionKey enables AES-256-GCM on change values when set.
	EncryptionKey string `mapstructure:"encryption_key" toml:"encryption_key,omitempty"`

	// AcceptPlaintext lets an encrypting device read unencrypted values,
	// for migrating data written before a key was configured. Off by
	// default: plain values are otherwise reported as integrity failures.
	AcceptPlaintext bool `mapstructure:"accept_plaintext" toml:"accept_plaintext,omitempty"`

	// AutoSubscribe subscribes a group the first time an entity is
	// committed into it.
	AutoSubscribe bool `mapstructure:"auto_subscribe" toml:"auto_subscribe"`

	BatchSize          int `mapstructure:"batch_size" toml:"batch_size"`
	MaxDeferredRetries int `mapstructure:"max_deferred_retries" toml:"max_deferred_retries"`

	DatabasePath  string `mapstructure:"database_path" toml:"database_path"`
	LogFile       string `mapstructure:"log_file" toml:"log_file,omitempty"`
	LogLevel      string `mapstructure:"log_level" toml:"log_level"`
	DashboardPort int    `mapstructure:"dashboard_port" toml:"dashboard_port"`

	// ExtraPostValues are sent with every sync request.
	ExtraPostValues map[string]string `mapstructure:"extra_post_values" toml:"extra_post_values,omitempty"`

	Entities []EntityConfig `mapstructure:"entities" toml:"entities,omitempty"`

	// Encrypt and Decrypt replace the built-in cipher when both are set.
	Encrypt func([]byte) ([]byte, error) `mapstructure:"-" toml:"-"`
	Decrypt func([]byte) ([]byte, error) `mapstructure:"-" toml:"-"`
}

// Default returns settings with every default filled in and a fresh device
// id.
func Default() *Settings {
	return &Settings{
		DeviceID:           uuid.NewString(),
		PollInterval:       30 * time.Second,
		AutoSubscribe:      true,
		BatchSize:          500,
		MaxDeferredRetries: 10,
		DatabasePath:       ".tidemark/tidemark.db",
		LogLevel:           "info",
		DashboardPort:      8080,
	}
}

// SyncEnabled reports whether a service is configured.
func (s *Settings) SyncEnabled() bool {
	return s.ServiceURL != ""
}

// Level returns the parsed log level, info when unset.
func (s *Settings) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(s.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if s.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if s.ServiceURL != "" {
		u, err := url.Parse(s.ServiceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("service_url %q must be an http(s) URL", s.ServiceURL)
		}
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if s.MaxDeferredRetries < 0 {
		return fmt.Errorf("max_deferred_retries must not be negative")
	}
	if s.LogLevel != "" {
		if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	if (s.Encrypt == nil) != (s.Decrypt == nil) {
		return errors.New("encrypt and decrypt hooks must be set together")
	}
	seen := make(map[string]bool, len(s.Entities))
	for i := range s.Entities {
		e := &s.Entities[i]
		if seen[e.Name] {
			return fmt.Errorf("entity %s configured twice", e.Name)
		}
		seen[e.Name] = true
		if _, err := e.Descriptor(); err != nil {
			return err
		}
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "TIDEMARK"

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("auto_subscribe", def.AutoSubscribe)
	v.SetDefault("accept_plaintext", false)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("max_deferred_retries", def.MaxDeferredRetries)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("dashboard_port", def.DashboardPort)
	// registered so AutomaticEnv sees them during Unmarshal
	for _, k := range []string{"service_url", "application_key", "account_key", "device_id", "encryption_key", "log_file"} {
		v.SetDefault(k, "")
	}
	return v
}

// Load reads settings from path. A missing file yields the defaults plus any
// environment overrides; the device id is then generated and not persisted,
// so callers that need a stable id should Save first (tidemark init does).
func Load(path string) (*Settings, error) {
	v := newViper(path)
	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		found = false
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if s.DeviceID == "" {
		s.DeviceID = Default().DeviceID
	}
	// relative paths in a file are relative to that file
	if found && s.DatabasePath != "" && !filepath.IsAbs(s.DatabasePath) {
		s.DatabasePath = filepath.Join(filepath.Dir(path), s.DatabasePath)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path as TOML, creating parent directories. The file is
// written to a temporary name first and renamed into place.
func Save(path string, s *Settings) error {
	var buf bytes.Buffer
	buf.WriteString("# tidemark settings\n\n")
	if err := toml.NewEncoder(&buf).Encode(toFile(s)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// fileSettings is the on-disk shape. Durations are written as strings such
// as "30s" so the file stays readable.
type fileSettings struct {
	ServiceURL         string            `toml:"service_url"`
	ApplicationKey     string            `toml:"application_key"`
	AccountKey         string            `toml:"account_key"`
	DeviceID           string            `toml:"device_id"`
	PollInterval       string            `toml:"poll_interval"`
	EncryptionKey      string            `toml:"encryption_key,omitempty"`
	AcceptPlaintext    bool              `toml:"accept_plaintext,omitempty"`
	AutoSubscribe      bool              `toml:"auto_subscribe"`
	BatchSize          int               `toml:"batch_size"`
	MaxDeferredRetries int               `toml:"max_deferred_retries"`
	DatabasePath       string            `toml:"database_path"`
	LogFile            string            `toml:"log_file,omitempty"`
	LogLevel           string            `toml:"log_level"`
	DashboardPort      int               `toml:"dashboard_port"`
	ExtraPostValues    map[string]string `toml:"extra_post_values,omitempty"`
	Entities           []EntityConfig    `toml:"entities,omitempty"`
}

func toFile(s *Settings) fileSettings {
	return fileSettings{
		ServiceURL:         s.ServiceURL,
		ApplicationKey:     s.ApplicationKey,
		AccountKey:         s.AccountKey,
		DeviceID:           s.DeviceID,
		PollInterval:       s.PollInterval.String(),
		EncryptionKey:      s.EncryptionKey,
		AcceptPlaintext:    s.AcceptPlaintext,
		AutoSubscribe:      s.AutoSubscribe,
		BatchSize:          s.BatchSize,
		MaxDeferredRetries: s.MaxDeferredRetries,
		DatabasePath:       s.DatabasePath,
		LogFile:            s.LogFile,
		LogLevel:           s.LogLevel,
		DashboardPort:      s.DashboardPort,
		ExtraPostValues:    s.ExtraPostValues,
		Entities:           s.Entities,
	}
}

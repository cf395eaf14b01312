// Package config loads the service configuration: built-in defaults, then
// an optional YAML file, then SIGTRUST_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/sigtrust/internal/schema"
)

// Duration is a time.Duration written as "90s" or "20m" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete service configuration.
type Config struct {
	// Instance overrides the federation instance of the anchors directory.
	Instance string `yaml:"instance,omitempty"`
	// AnchorsDir is the federation configuration directory.
	AnchorsDir string `yaml:"anchors_dir"`
	// CacheDir is the OCSP cache directory. Empty keeps the cache in memory.
	CacheDir string `yaml:"cache_dir,omitempty"`
	// AuditLog is the audit log path. Empty disables auditing.
	AuditLog string `yaml:"audit_log,omitempty"`
	// Schema is the XML validation mode: none, wellformed or strict.
	Schema string `yaml:"schema"`

	OCSP   OCSPConfig   `yaml:"ocsp"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// OCSPConfig configures revocation checking and the refresh engine.
type OCSPConfig struct {
	// Interval is the freshness interval: the refresh cadence after a
	// successful round and the backoff ceiling.
	Interval Duration `yaml:"interval"`
	// BaseDelay seeds the failure backoff.
	BaseDelay Duration `yaml:"base_delay"`
	// FetchTimeout bounds each responder request.
	FetchTimeout Duration `yaml:"fetch_timeout"`
	// MaxConcurrent bounds parallel fetches within a round.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxAge accepts responses without nextUpdate up to this age.
	MaxAge Duration `yaml:"max_age"`
	// AllowStale accepts cache entries loaded with nextUpdate already past.
	AllowStale bool `yaml:"allow_stale"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// MaxBodySize bounds verification requests, in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// LogConfig configures the technical logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Schema: string(schema.ModeStrict),
		OCSP: OCSPConfig{
			Interval:      Duration(20 * time.Minute),
			BaseDelay:     Duration(10 * time.Second),
			FetchTimeout:  Duration(20 * time.Second),
			MaxConcurrent: 4,
			MaxAge:        Duration(time.Hour),
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
			MaxBodySize:     32 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), the process environment and overrides, in that
// order, then validates it.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds the configuration from defaults and a YAML document, without
// environment overrides, then validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge checks data against the document schema and overlays it on cfg.
func (c *Config) merge(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := validateDocument(data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.AnchorsDir == "" {
		errs = append(errs, errors.New("anchors_dir is required"))
	}
	if _, err := schema.ParseMode(c.Schema); err != nil {
		errs = append(errs, fmt.Errorf("schema: %w", err))
	}

	o := c.OCSP
	if o.Interval <= 0 {
		errs = append(errs, errors.New("ocsp.interval must be positive"))
	}
	if o.BaseDelay <= 0 {
		errs = append(errs, errors.New("ocsp.base_delay must be positive"))
	} else if o.BaseDelay > o.Interval {
		errs = append(errs, errors.New("ocsp.base_delay must not exceed ocsp.interval"))
	}
	if o.FetchTimeout <= 0 {
		errs = append(errs, errors.New("ocsp.fetch_timeout must be positive"))
	}
	if o.MaxConcurrent < 1 {
		errs = append(errs, errors.New("ocsp.max_concurrent must be at least 1"))
	}
	if o.MaxAge < 0 {
		errs = append(errs, errors.New("ocsp.max_age must not be negative"))
	}

	s := c.Server
	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SchemaMode returns the configured validation mode.
func (c *Config) SchemaMode() schema.Mode {
	mode, err := schema.ParseMode(c.Schema)
	if err != nil {
		return schema.ModeStrict
	}
	return mode
}

package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGTRUST_"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays SIGTRUST_* variables on cfg. Unset variables leave the
// current value in place; malformed values are errors.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"INSTANCE", &cfg.Instance},
		{"ANCHORS_DIR", &cfg.AnchorsDir},
		{"CACHE_DIR", &cfg.CacheDir},
		{"AUDIT_LOG", &cfg.AuditLog},
		{"SCHEMA", &cfg.Schema},
		{"LISTEN", &cfg.Server.Listen},
		{"TLS_CERT", &cfg.Server.TLSCert},
		{"TLS_KEY", &cfg.Server.TLSKey},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		if v, ok := lookup(EnvPrefix + s.key); ok {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"OCSP_INTERVAL", &cfg.OCSP.Interval},
		{"OCSP_BASE_DELAY", &cfg.OCSP.BaseDelay},
		{"OCSP_FETCH_TIMEOUT", &cfg.OCSP.FetchTimeout},
		{"OCSP_MAX_AGE", &cfg.OCSP.MaxAge},
		{"SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(EnvPrefix + d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	if v, ok := lookup(EnvPrefix + "OCSP_MAX_CONCURRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sOCSP_MAX_CONCURRENT: %w", EnvPrefix, err)
		}
		cfg.OCSP.MaxConcurrent = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_BODY_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_BODY_SIZE: %w", EnvPrefix, err)
		}
		cfg.Server.MaxBodySize = n
	}
	if v, ok := lookup(EnvPrefix + "ALLOW_STALE_OCSP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sALLOW_STALE_OCSP: %w", EnvPrefix, err)
		}
		cfg.OCSP.AllowStale = b
	}
	return nil
}

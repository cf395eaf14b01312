// Package server provides HTTP server configuration and lifecycle management.
package server

import (
	"fmt"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Address is the listen address (default ":8080").
	Address string

	// TLS configuration (optional)
	TLSCert string
	TLSKey  string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// TLSEnabled reports whether both TLS files are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("listen address is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS requires both certificate and key")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

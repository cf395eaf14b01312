// Command sigtrust verifies signed message containers against a federation
// trust configuration and keeps the OCSP cache fresh.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/audit"
	"github.com/remiblancher/sigtrust/internal/config"
	"github.com/remiblancher/sigtrust/internal/logger"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	anchorsDir string
	cacheDir   string
	auditLog   string
	logLevel   string
	logFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sigtrust",
	Short: "Signed message verification for federated service exchanges",
	Long: `sigtrust verifies signed message containers exchanged between members of
a trust federation: manifest digests, hash chain batches, XML signatures,
certification paths and OCSP revocation status.

The federation directory holds federation.yaml with the trust anchors,
approved certification authorities, OCSP responders and member certificates.

Environment variables:
  SIGTRUST_ANCHORS_DIR   Federation directory
  SIGTRUST_CACHE_DIR     OCSP cache directory (empty: in memory)
  SIGTRUST_AUDIT_LOG     Audit log file
  SIGTRUST_INSTANCE      Federation instance override
  SIGTRUST_LOG_LEVEL     debug, info, warn, error
  SIGTRUST_LOG_FORMAT    json, console

Examples:
  # Verify a container signed by a member
  sigtrust verify message.asice --sender EE/GOV/70000310

  # Refresh the OCSP cache once
  sigtrust ocsp refresh --anchors-dir /etc/sigtrust/federation --cache-dir /var/lib/sigtrust/ocsp

  # Run the refresh engine and the diagnostics API
  sigtrust serve --config /etc/sigtrust/sigtrust.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&anchorsDir, "anchors-dir", "",
		"Federation directory (or set SIGTRUST_ANCHORS_DIR env var)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "",
		"OCSP cache directory (or set SIGTRUST_CACHE_DIR env var)")
	rootCmd.PersistentFlags().StringVar(&auditLog, "audit-log", "",
		"Path to audit log file (or set SIGTRUST_AUDIT_LOG env var)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, console")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(ocspCmd) // sigtrust ocsp ...
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(signCmd)
}

// loadConfig builds the configuration with the global flags applied last.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath, func(c *config.Config) {
		if anchorsDir != "" {
			c.AnchorsDir = anchorsDir
		}
		if cacheDir != "" {
			c.CacheDir = cacheDir
		}
		if auditLog != "" {
			c.AuditLog = auditLog
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		if logFormat != "" {
			c.Log.Format = logFormat
		}
	})
}

// runtime holds the resources shared by the commands.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	anchors *anchors.Directory
	cache   *ocspcache.Cache
	audit   audit.Writer
}

// openRuntime loads the configuration and opens the federation directory,
// the OCSP cache and the audit log. Logs go to logOut.
func openRuntime(logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.NewWriter(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return openRuntimeWith(cfg, log)
}

func openRuntimeWith(cfg *config.Config, log *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: log}

	dir, err := anchors.OpenDirectory(cfg.AnchorsDir, log.Named("anchors"))
	if err != nil {
		return nil, err
	}
	rt.anchors = dir

	rt.cache, err = ocspcache.Open(ocspcache.Config{Dir: cfg.CacheDir, Logger: log.Named("ocspcache")})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.audit, err = audit.Open(cfg.AuditLog)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}
	return rt, nil
}

// instance returns the configured instance, or the directory's.
func (rt *runtime) instance() string {
	if rt.cfg.Instance != "" {
		return rt.cfg.Instance
	}
	return rt.anchors.Instance()
}

// Close releases every opened resource.
func (rt *runtime) Close() error {
	var errs []error
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	if rt.anchors != nil {
		errs = append(errs, rt.anchors.Close())
	}
	_ = rt.logger.Sync()
	return errors.Join(errs...)
}

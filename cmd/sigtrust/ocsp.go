package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/sigtrust/internal/api/dto"
	"github.com/remiblancher/sigtrust/internal/api/handler"
	"github.com/remiblancher/sigtrust/internal/ocsprefresh"
)

var ocspCmd = &cobra.Command{
	Use:   "ocsp",
	Short: "OCSP cache operations",
	Long: `Inspect and refresh the OCSP response cache.

The cache holds one response per certificate: every approved CA certificate
and every member certificate of the federation. Responses are fetched from
the responders named in the certificates and in federation.yaml.`,
}

// OCSP command flags
var (
	ocspStatusURL  string
	ocspStatusJSON bool

	ocspRefreshJSON bool
)

var ocspStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached OCSP responses",
	Long: `Show the cached OCSP responses.

Without --url the cache directory is opened directly; this fails while a
running service holds it. With --url the status of a running service is
read from its /status/ocsp endpoint.

Examples:
  # Inspect a cache directory
  sigtrust ocsp status --cache-dir /var/lib/sigtrust/ocsp

  # Ask a running service
  sigtrust ocsp status --url http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: runOCSPStatus,
}

var ocspRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one OCSP refresh round",
	Long: `Run one OCSP refresh round.

Fetches a fresh response for every certificate of the federation, verifies
it and stores it in the cache. The command fails if any responder failed;
responses fetched from the others are kept.

Examples:
  sigtrust ocsp refresh --anchors-dir /etc/sigtrust/federation --cache-dir /var/lib/sigtrust/ocsp`,
	Args: cobra.NoArgs,
	RunE: runOCSPRefresh,
}

func init() {
	ocspStatusCmd.Flags().StringVar(&ocspStatusURL, "url", "", "Base URL of a running sigtrust service")
	ocspStatusCmd.Flags().BoolVar(&ocspStatusJSON, "json", false, "Print the status as JSON")

	ocspRefreshCmd.Flags().BoolVar(&ocspRefreshJSON, "json", false, "Print the status as JSON")

	ocspCmd.AddCommand(ocspStatusCmd)
	ocspCmd.AddCommand(ocspRefreshCmd)
}

func runOCSPStatus(cmd *cobra.Command, args []string) error {
	var status dto.OCSPStatusResponse
	if ocspStatusURL != "" {
		var err error
		status, err = fetchStatus(cmd, ocspStatusURL)
		if err != nil {
			return err
		}
	} else {
		rt, err := openRuntime(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()
		status = handler.NewOCSPStatusHandler(handler.OCSPStatusConfig{
			Instance: rt.instance(),
			Cache:    rt.cache,
		}).Build()
	}
	if ocspStatusJSON {
		return writeJSON(cmd.OutOrStdout(), status)
	}
	return printStatus(cmd.OutOrStdout(), status)
}

func fetchStatus(cmd *cobra.Command, baseURL string) (dto.OCSPStatusResponse, error) {
	var status dto.OCSPStatusResponse
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		strings.TrimSuffix(baseURL, "/")+"/status/ocsp", nil)
	if err != nil {
		return status, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return status, fmt.Errorf("failed to query service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("service returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("invalid status document: %w", err)
	}
	return status, nil
}

func runOCSPRefresh(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	worker, err := ocsprefresh.NewWorker(ocsprefresh.WorkerConfig{
		Source:        rt.anchors,
		Cache:         rt.cache,
		MaxConcurrent: rt.cfg.OCSP.MaxConcurrent,
		FetchTimeout:  rt.cfg.OCSP.FetchTimeout.Std(),
		Interval:      rt.cfg.OCSP.Interval.Std(),
		MaxAge:        rt.cfg.OCSP.MaxAge.Std(),
		Audit:         rt.audit,
		Logger:        rt.logger.Named("ocsprefresh"),
	})
	if err != nil {
		return err
	}
	roundErr := worker.Execute(cmd.Context())

	status := handler.NewOCSPStatusHandler(handler.OCSPStatusConfig{
		Instance: rt.instance(),
		Cache:    rt.cache,
		Refresh:  worker,
	}).Build()
	if ocspRefreshJSON {
		err = writeJSON(cmd.OutOrStdout(), status)
	} else {
		err = printStatus(cmd.OutOrStdout(), status)
	}
	if roundErr != nil {
		return fmt.Errorf("refresh round failed: %w", roundErr)
	}
	return err
}

// printStatus renders a status document as tables.
func printStatus(w io.Writer, s dto.OCSPStatusResponse) error {
	fmt.Fprintf(w, "Instance:   %s\n", s.Instance)
	fmt.Fprintf(w, "Scheduler:  %s\n", s.Scheduler)
	if s.NextRun != nil {
		fmt.Fprintf(w, "Next run:   %s\n", formatTimePtr(s.NextRun))
	}

	if len(s.Authorities) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(s.Authorities))
		for _, a := range s.Authorities {
			rows = append(rows, []string{
				a.Subject,
				a.Status,
				fmt.Sprintf("%d", a.Certificates),
				formatTimePtr(a.LastSuccess),
				formatTimePtr(a.NextUpdate),
				a.LastError,
			})
		}
		if err := renderTable(w, []string{"CA", "Status", "Certs", "Last Success", "Next Update", "Last Error"}, rows); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	if len(s.Entries) == 0 {
		fmt.Fprintln(w, "No cached responses")
		return nil
	}
	rows := make([][]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		var flags []string
		if e.Expired {
			flags = append(flags, "expired")
		}
		if e.Stale {
			flags = append(flags, "stale")
		}
		rows = append(rows, []string{
			e.Subject,
			e.Status,
			formatTime(e.ThisUpdate),
			formatTimePtr(e.NextUpdate),
			formatTime(e.FetchedAt),
			strings.Join(flags, ","),
		})
	}
	return renderTable(w, []string{"Subject", "Status", "This Update", "Next Update", "Fetched", "Flags"}, rows)
}

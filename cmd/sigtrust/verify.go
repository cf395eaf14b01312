package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apierrors "github.com/remiblancher/sigtrust/internal/api/errors"
	"github.com/remiblancher/sigtrust/internal/api/handler"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/verifier"
)

// Verify command flags
var (
	verifySender      string
	verifyAttachments []string
	verifyAt          string
	verifyJSON        bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <container>",
	Short: "Verify a signed message container",
	Long: `Verify a signed message container.

Runs every gate in order: container decoding and manifest digests, signature
parsing, reference and hash chain digests, the XML signature value, the
signer identity, then the certification path with OCSP revocation status.

OCSP responses embedded in the signature are used first; missing ones are
taken from the OCSP cache. Nothing is fetched from responders.

Attachments signed alongside the message body are passed as name=path.

Examples:
  # Verify a single message
  sigtrust verify message.asice --sender EE/GOV/70000310

  # Verify a message signed with one attachment
  sigtrust verify message.asice --sender EE/GOV/70000310 --attachment /attachment1=report.pdf

  # Verify at a past instant and print JSON
  sigtrust verify message.asice --sender EE/GOV/70000310 --at 2026-01-02T15:04:05Z --json`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifySender, "sender", "", "Member identifier of the expected signer (required)")
	verifyCmd.Flags().StringArrayVar(&verifyAttachments, "attachment", nil, "Signed attachment as name=path (repeatable)")
	verifyCmd.Flags().StringVar(&verifyAt, "at", "", "Verification time (RFC 3339, default: now)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifySender == "" {
		return fmt.Errorf("--sender is required")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read container: %w", err)
	}
	attachments, err := readAttachments(verifyAttachments)
	if err != nil {
		return err
	}
	at, err := parseAt(verifyAt)
	if err != nil {
		return err
	}

	rt, err := openRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	v, err := verifier.New(verifier.Config{
		Anchors:        rt.anchors,
		Cache:          rt.cache,
		Schema:         rt.cfg.SchemaMode(),
		AllowStaleOCSP: rt.cfg.OCSP.AllowStale,
		OCSPMaxAge:     rt.cfg.OCSP.MaxAge.Std(),
		Audit:          rt.audit,
		Logger:         rt.logger.Named("verifier"),
	})
	if err != nil {
		return err
	}

	res, verr := v.Verify(cmd.Context(), verifier.VerifyRequest{
		Container:   data,
		Sender:      verifySender,
		Attachments: attachments,
		Instance:    rt.cfg.Instance,
		At:          at,
	})
	out := cmd.OutOrStdout()
	if verr != nil {
		_, apiErr := apierrors.MapError(verr)
		if verifyJSON {
			if err := writeJSON(out, apiErr); err != nil {
				return err
			}
		}
		return fmt.Errorf("verification failed [%s]: %w", apiErr.Code, verr)
	}

	resp := handler.NewVerifyResponse(res)
	if verifyJSON {
		return writeJSON(out, resp)
	}
	fmt.Fprintln(out, "Signature OK")
	fmt.Fprintf(out, "  Signer:     %s\n", resp.Signer)
	fmt.Fprintf(out, "  Subject:    %s\n", resp.Subject)
	fmt.Fprintf(out, "  Serial:     %s\n", resp.Serial)
	fmt.Fprintf(out, "  Algorithm:  %s\n", resp.Algorithm)
	fmt.Fprintf(out, "  Batch:      %t\n", resp.Batch)
	fmt.Fprintf(out, "  OCSP:       %d embedded, %d cached\n", resp.EmbeddedResponses, resp.CachedResponses)
	return nil
}

// readAttachments reads name=path pairs into message parts.
func readAttachments(specs []string) ([]hashchain.MessagePart, error) {
	parts := make([]hashchain.MessagePart, 0, len(specs))
	for _, s := range specs {
		name, path, ok := strings.Cut(s, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid attachment %q: expected name=path", s)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", name, err)
		}
		parts = append(parts, hashchain.MessagePart{Name: name, Data: data})
	}
	return parts, nil
}

// parseAt parses an RFC 3339 instant. Empty means now.
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at: %w", err)
	}
	return t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/certpath"
)

// Chain command flags
var (
	chainAt           string
	chainNoRevocation bool
)

var chainCmd = &cobra.Command{
	Use:   "chain <cert.pem>",
	Short: "Build and check the certification path of a member certificate",
	Long: `Build and check the certification path of a member certificate.

The first certificate in the file is the leaf; any others are used as
intermediates together with the federation's approved CAs. The path is
checked for validity and CA constraints, then for revocation using the
OCSP cache unless --no-revocation is set.

Examples:
  # Check a member certificate against the federation
  sigtrust chain member.pem

  # Path and constraints only
  sigtrust chain member.pem --no-revocation`,
	Args: cobra.ExactArgs(1),
	RunE: runChain,
}

func init() {
	chainCmd.Flags().StringVar(&chainAt, "at", "", "Verification time (RFC 3339, default: now)")
	chainCmd.Flags().BoolVar(&chainNoRevocation, "no-revocation", false, "Skip the OCSP revocation check")
}

func runChain(cmd *cobra.Command, args []string) error {
	certs, err := anchors.LoadCertificates(args[0])
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("%s: no certificate found", args[0])
	}
	at, err := parseAt(chainAt)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}

	rt, err := openRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	leaf := certs[0]
	instance := rt.instance()
	anchor, err := rt.anchors.CACertificate(instance, leaf)
	if err != nil {
		return fmt.Errorf("%w: %w", certpath.ErrPathBuildFailed, err)
	}
	intermediates := append(append([]*x509.Certificate(nil), certs[1:]...), rt.anchors.CACertificates()...)
	chain := certpath.NewCertChain(instance, leaf, intermediates, anchor)

	path, err := certpath.BuildPath(chain)
	if err != nil {
		return err
	}

	snap := rt.cache.Snapshot()
	rows := make([][]string, 0, len(path))
	var responses [][]byte
	for i, c := range path {
		status := "-"
		if e, ok := snap.ForCertificate(c); ok {
			status = e.Status.String()
			if e.Expired(at) {
				status += " (expired)"
			}
			responses = append(responses, e.Response)
		}
		if i == len(path)-1 {
			status = "anchor"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			c.Subject.String(),
			c.Issuer.String(),
			formatTime(c.NotAfter),
			status,
		})
	}
	out := cmd.OutOrStdout()
	if err := renderTable(out, []string{"#", "Subject", "Issuer", "Not After", "OCSP"}, rows); err != nil {
		return err
	}

	if chainNoRevocation {
		if _, err := certpath.VerifyChainOnly(chain, at); err != nil {
			return err
		}
		fmt.Fprintln(out, "Path OK (revocation not checked)")
		return nil
	}
	pv := certpath.Verifier{
		TrustedResponders: rt.anchors.OCSPResponderCertificates(),
		MaxAge:            rt.cfg.OCSP.MaxAge.Std(),
	}
	if err := pv.Verify(chain, responses, at); err != nil {
		return err
	}
	fmt.Fprintln(out, "Path OK")
	return nil
}

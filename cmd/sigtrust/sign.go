package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/anchors"
	"github.com/remiblancher/sigtrust/internal/audit"
	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/signer"
)

// Sign command flags
var (
	signKey         string
	signCert        string
	signOutput      string
	signAttachments []string
)

const signKeyID = "member"

var signCmd = &cobra.Command{
	Use:   "sign <message>...",
	Short: "Sign messages into containers",
	Long: `Sign messages into containers.

One message is signed directly. Several messages are signed as a batch: one
signature over the root of a hash tree, with each container carrying the
hash chain that links its message to the signed root.

Cached OCSP responses for the signing certificate chain are embedded in the
signature when available.

Examples:
  # Sign one message with an attachment
  sigtrust sign message.xml --key member.key --cert member.pem --attachment /attachment1=report.pdf -o message.asice

  # Sign a batch; each message is written to <message>.asice
  sigtrust sign a.xml b.xml c.xml --key member.key --cert member.pem`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signKey, "key", "", "Signing private key file (required)")
	signCmd.Flags().StringVar(&signCert, "cert", "", "Signing certificate, optionally followed by intermediates (required)")
	signCmd.Flags().StringVarP(&signOutput, "out", "o", "", "Output container (single message only, default: <message>.asice)")
	signCmd.Flags().StringArrayVar(&signAttachments, "attachment", nil, "Attachment as name=path (single message only, repeatable)")
}

func runSign(cmd *cobra.Command, args []string) error {
	if signKey == "" || signCert == "" {
		return errors.New("--key and --cert are required")
	}
	if len(args) > 1 && (signOutput != "" || len(signAttachments) > 0) {
		return errors.New("--out and --attachment apply to a single message")
	}

	key, alg, err := signer.LoadKey(signKey)
	if err != nil {
		return err
	}
	certs, err := anchors.LoadCertificates(signCert)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("%s: no certificate found", signCert)
	}
	attachments, err := readAttachments(signAttachments)
	if err != nil {
		return err
	}

	msgs := make([]signer.Message, len(args))
	for i, path := range args {
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		msgs[i] = signer.Message{Body: body, Attachments: attachments}
	}

	rt, err := openRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	backend := signer.NewSoftware()
	if err := backend.AddKey(signKeyID, key, alg); err != nil {
		return err
	}
	s, err := signer.New(signer.Config{
		Backend: backend,
		Key:     signer.Key{ID: signKeyID, Algorithm: alg, Certificates: certs},
		Cache:   rt.cache,
		Logger:  rt.logger.Named("signer"),
	})
	if err != nil {
		return err
	}

	containers, signErr := s.SignBatch(msgs)
	event := audit.NewEvent(audit.EventMessageSign, audit.ResultOf(signErr)).
		WithObject(audit.Object{
			Type:    "container",
			Subject: certs[0].Subject.String(),
			Serial:  certs[0].SerialNumber.Text(16),
		}).
		WithContext(audit.Context{
			Instance:  rt.instance(),
			Algorithm: alg.String(),
			Batch:     len(msgs) > 1,
		})
	if signErr != nil {
		event.Context.Reason = signErr.Error()
	}
	if err := rt.audit.Write(event); err != nil {
		return errors.Join(signErr, fmt.Errorf("audit log failed: %w", err))
	}
	if signErr != nil {
		return signErr
	}

	out := cmd.OutOrStdout()
	for i, c := range containers {
		path := args[i] + ".asice"
		if signOutput != "" {
			path = signOutput
		}
		data, err := container.Marshal(c)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write container: %w", err)
		}
		rt.logger.Debug("container written", zap.String("path", path), zap.Int("size", len(data)))
		fmt.Fprintf(out, "Signed %s -> %s\n", args[i], path)
	}
	return nil
}

package signer

import (
	"bytes"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/crypto"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/ocsp"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
	"github.com/remiblancher/sigtrust/internal/testpki"
	"github.com/remiblancher/sigtrust/internal/xmldsig"
)

func newSigner(t *testing.T, signer *testpki.Cert, modify func(*Config)) *Signer {
	t.Helper()
	backend := NewSoftware()
	if err := backend.AddKey("member-key", signer.Key.Signer, signer.Key.Alg); err != nil {
		t.Fatalf("AddKey() error = %v", err)
	}
	cfg := Config{
		Backend: backend,
		Key: Key{
			ID:           "member-key",
			Algorithm:    signer.Key.Alg,
			Certificates: []*x509.Certificate{signer.Cert},
		},
	}
	if modify != nil {
		modify(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func parseSignature(t *testing.T, c *container.SignedContainer) *xmldsig.Signature {
	t.Helper()
	data, err := container.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	decoded, err := container.ReadBytes(data)
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	sig, err := xmldsig.Parse(decoded.Signature)
	if err != nil {
		t.Fatalf("xmldsig.Parse() error = %v", err)
	}
	if err := sig.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return sig
}

func checkReference(t *testing.T, sig *xmldsig.Signature, uri string, data []byte) {
	t.Helper()
	ref, ok := sig.Reference(uri)
	if !ok {
		t.Fatalf("reference %s missing", uri)
	}
	want, err := crypto.Digest(ref.Digest.Algorithm(), data)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if !bytes.Equal(ref.Digest.Value, want) {
		t.Errorf("reference %s digest mismatch", uri)
	}
}

func TestU_Software_Sign(t *testing.T) {
	ec := testpki.ECKey(t)
	ed := testpki.Ed25519Key(t)
	backend := NewSoftware()
	if err := backend.AddKey("ec", ec.Signer, ec.Alg); err != nil {
		t.Fatalf("AddKey(ec) error = %v", err)
	}
	if err := backend.AddKey("ed", ed.Signer, ed.Alg); err != nil {
		t.Fatalf("AddKey(ed) error = %v", err)
	}
	sha256 := crypto.DigestByName("SHA-256")
	digest, _ := crypto.Digest(sha256, []byte("data"))

	tests := []struct {
		name    string
		keyID   string
		alg     crypto.DigestAlgorithm
		input   []byte
		wantErr error
		anyErr  bool
	}{
		{"[Unit] Software: ECDSA digest", "ec", sha256, digest, nil, false},
		{"[Unit] Software: Ed25519 data", "ed", crypto.DigestAlgorithm{}, []byte("data"), nil, false},
		{"[Unit] Software: unknown key", "missing", sha256, digest, ErrUnknownKey, true},
		{"[Unit] Software: wrong digest algorithm", "ec", crypto.DigestByName("SHA-384"), digest, nil, true},
		{"[Unit] Software: short digest", "ec", sha256, digest[:16], nil, true},
		{"[Unit] Software: digest for pure key", "ed", sha256, digest, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := backend.Sign(tt.keyID, tt.alg, tt.input)
			if tt.anyErr {
				if err == nil {
					t.Fatal("Sign() should fail")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("Sign() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if len(sig) == 0 {
				t.Error("Sign() returned an empty signature")
			}
		})
	}

	if err := backend.AddKey("bad", ec.Signer, crypto.SignByName("NOPE")); !errors.Is(err, crypto.ErrUnknownAlgorithm) {
		t.Errorf("AddKey(unknown algorithm) error = %v, want ErrUnknownAlgorithm", err)
	}
}

func TestU_New_Invalid(t *testing.T) {
	pki := testpki.NewPKI(t)
	valid := Config{
		Backend: NewSoftware(),
		Key:     Key{ID: "k", Algorithm: pki.Leaf.Key.Alg, Certificates: []*x509.Certificate{pki.Leaf.Cert}},
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"[Unit] New: no backend", func(c *Config) { c.Backend = nil }},
		{"[Unit] New: no key id", func(c *Config) { c.Key.ID = "" }},
		{"[Unit] New: unknown algorithm", func(c *Config) { c.Key.Algorithm = crypto.SignByName("NOPE") }},
		{"[Unit] New: no certificate", func(c *Config) { c.Key.Certificates = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestF_Signer_Sign(t *testing.T) {
	tests := []struct {
		name string
		key  func(testing.TB) *testpki.Key
	}{
		{"[Functional] Sign: ECDSA", testpki.ECKey},
		{"[Functional] Sign: RSA", testpki.RSAKey},
		{"[Functional] Sign: ML-DSA-65", testpki.MLDSAKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			member := testpki.SelfSigned(t, tt.key(t), testpki.Options{CommonName: "Member"})
			s := newSigner(t, member, nil)

			body := []byte("<Envelope><Body>hello</Body></Envelope>")
			attachment := []byte("attachment bytes")
			c, err := s.Sign(Message{
				Body:        body,
				Attachments: []hashchain.MessagePart{{Name: "/attachment1", Data: attachment}},
			})
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if c.IsBatch() {
				t.Error("single message should not carry a hash chain")
			}

			sig := parseSignature(t, c)
			if len(sig.References) != 2 {
				t.Fatalf("References = %d, want 2", len(sig.References))
			}
			checkReference(t, sig, MessagePart, body)
			checkReference(t, sig, "/attachment1", attachment)
		})
	}
}

func TestU_Signer_Sign_InvalidMessage(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := newSigner(t, pki.Leaf, nil)

	tests := []struct {
		name string
		msg  Message
	}{
		{"[Unit] Sign: empty body", Message{}},
		{"[Unit] Sign: unnamed attachment", Message{Body: []byte("<a/>"), Attachments: []hashchain.MessagePart{{Data: []byte("x")}}}},
		{"[Unit] Sign: attachment shadows message", Message{Body: []byte("<a/>"), Attachments: []hashchain.MessagePart{{Name: MessagePart, Data: []byte("x")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Sign(tt.msg); err == nil {
				t.Error("Sign() should fail")
			}
		})
	}

	wrong := newSigner(t, pki.Leaf, func(c *Config) { c.Key.ID = "other-key" })
	if _, err := wrong.Sign(Message{Body: []byte("<a/>")}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Sign() with an unknown key error = %v, want ErrUnknownKey", err)
	}
}

func TestF_Signer_SignBatch(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := newSigner(t, pki.Leaf, nil)

	msgs := []Message{
		{Body: []byte("<m>0</m>")},
		{Body: []byte("<m>1</m>"), Attachments: []hashchain.MessagePart{{Name: "/attachment1", Data: []byte("a1")}}},
		{Body: []byte("<m>2</m>")},
	}
	out, err := s.SignBatch(msgs)
	if err != nil {
		t.Fatalf("SignBatch() error = %v", err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("SignBatch() = %d containers, want %d", len(out), len(msgs))
	}

	for i, c := range out {
		if !c.IsBatch() {
			t.Fatalf("container %d has no hash chain", i)
		}
		if !bytes.Equal(c.Signature, out[0].Signature) {
			t.Errorf("container %d does not share the batch signature", i)
		}
		sig := parseSignature(t, c)
		if len(sig.References) != 1 {
			t.Fatalf("References = %d, want 1", len(sig.References))
		}
		checkReference(t, sig, HashChainResultPart, c.HashChainResult)

		parts := hashchain.Parts{{Name: MessagePart, Data: msgs[i].Body}}
		parts = append(parts, msgs[i].Attachments...)
		if err := hashchain.Verify(c.HashChainResult, c.HashChain, parts); err != nil {
			t.Errorf("hashchain.Verify(container %d) error = %v", i, err)
		}
	}

	// Another message's chain must not prove this one.
	wrong := hashchain.Parts{{Name: MessagePart, Data: msgs[0].Body}}
	if err := hashchain.Verify(out[2].HashChainResult, out[2].HashChain, wrong); err == nil {
		t.Error("hash chain of message 2 should not verify message 0")
	}
}

func TestU_Signer_SignBatch_Edges(t *testing.T) {
	pki := testpki.NewPKI(t)
	s := newSigner(t, pki.Leaf, nil)

	if _, err := s.SignBatch(nil); err == nil {
		t.Error("SignBatch(nil) should fail")
	}
	out, err := s.SignBatch([]Message{{Body: []byte("<only/>")}})
	if err != nil {
		t.Fatalf("SignBatch(one) error = %v", err)
	}
	if len(out) != 1 || out[0].IsBatch() {
		t.Error("a batch of one should be signed as a single message")
	}
	if _, err := s.SignBatch([]Message{{Body: []byte("<a/>")}, {}}); err == nil {
		t.Error("SignBatch() with an empty message should fail")
	}
}

func TestF_Signer_EmbedsCachedOCSP(t *testing.T) {
	pki := testpki.NewPKI(t)
	now := time.Now()

	id, err := ocsp.NewCertID(crypto.DigestByName("SHA-256"), pki.Intermediate.Cert, pki.Leaf.Cert)
	if err != nil {
		t.Fatalf("NewCertID() error = %v", err)
	}
	der, err := ocsp.NewResponseBuilder(pki.Responder.Cert, pki.Responder.Key.Signer, pki.Responder.Key.Alg).
		AddGood(id, now.Add(-time.Minute), now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	cache, err := ocspcache.Open(ocspcache.Config{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	if err := cache.Put(ocspcache.Fingerprint(pki.Leaf.Cert), der, now); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s := newSigner(t, pki.Leaf, func(c *Config) {
		c.Cache = cache
		c.Key.Certificates = append(c.Key.Certificates, pki.Intermediate.Cert)
	})
	c, err := s.Sign(Message{Body: []byte("<a/>")})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	sig := parseSignature(t, c)
	if len(sig.OCSPResponses) != 1 || !bytes.Equal(sig.OCSPResponses[0], der) {
		t.Errorf("OCSPResponses = %d, want the cached leaf response", len(sig.OCSPResponses))
	}
	if len(sig.Intermediates()) != 1 {
		t.Errorf("Intermediates() = %d, want 1", len(sig.Intermediates()))
	}
}

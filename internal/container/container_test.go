package container

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

type rawEntry struct {
	name string
	data string
}

// craftArchive writes entries verbatim, bypassing the container writer.
func craftArchive(t *testing.T, entries ...rawEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("Create(%s) error = %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sampleContainer() *SignedContainer {
	return &SignedContainer{
		Message:   []byte("<message>hello</message>"),
		Signature: []byte("<signatures/>"),
	}
}

// =============================================================================
// [Unit] Round-Trip Tests
// =============================================================================

func TestU_Container_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		c    *SignedContainer
	}{
		{"[Unit] RoundTrip: plain", sampleContainer()},
		{"[Unit] RoundTrip: batch", &SignedContainer{
			Message: []byte("<m/>"), Signature: []byte("<s/>"),
			HashChainResult: []byte("<r/>"), HashChain: []byte("<c/>"),
		}},
		{"[Unit] RoundTrip: timestamped batch", &SignedContainer{
			Message: []byte("<m/>"), Signature: []byte("<s/>"),
			Timestamp:                []byte{0x30, 0x03, 0x02, 0x01, 0x00},
			TimestampHashChainResult: []byte("<tr/>"), TimestampHashChain: []byte("<tc/>"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.c)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			got, err := ReadBytes(data)
			if err != nil {
				t.Fatalf("ReadBytes() error = %v", err)
			}
			if !bytes.Equal(got.Message, tt.c.Message) || !bytes.Equal(got.Signature, tt.c.Signature) {
				t.Error("message or signature changed through round trip")
			}
			if !bytes.Equal(got.HashChain, tt.c.HashChain) || !bytes.Equal(got.TimestampHashChain, tt.c.TimestampHashChain) {
				t.Error("hash chains changed through round trip")
			}
			if len(got.Manifest) == 0 {
				t.Error("manifest not written")
			}
			if (len(tt.c.Timestamp) > 0) != (len(got.ASiCManifest) > 0) {
				t.Errorf("ASiC manifest presence = %v, want %v", len(got.ASiCManifest) > 0, len(tt.c.Timestamp) > 0)
			}

			again, err := Marshal(got)
			if err != nil {
				t.Fatalf("Marshal(again) error = %v", err)
			}
			if !bytes.Equal(data, again) {
				t.Error("output is not byte-stable through read/write")
			}
		})
	}
}

func TestU_Container_EntryOrder(t *testing.T) {
	data, err := Marshal(sampleContainer())
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{EntryMimeType, EntryMessage, EntrySignature, EntryManifest}
	if len(zr.File) != len(want) {
		t.Fatalf("entries = %d, want %d", len(zr.File), len(want))
	}
	for i, f := range zr.File {
		if f.Name != want[i] {
			t.Errorf("entry %d = %s, want %s", i, f.Name, want[i])
		}
		if f.Method != zip.Store {
			t.Errorf("entry %s method = %d, want Store", f.Name, f.Method)
		}
	}
}

func TestU_Container_ManifestDigest(t *testing.T) {
	var buf bytes.Buffer
	cfg := WriteConfig{ManifestDigest: crypto.DigestByName("SHA3-256")}
	if err := WriteWithConfig(&buf, sampleContainer(), cfg); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	if !strings.Contains(string(got.Manifest), crypto.URISHA3_256) {
		t.Error("manifest does not use the configured digest")
	}
}

// =============================================================================
// [Unit] Structural Check Tests
// =============================================================================

func TestU_Container_ReadMalformed(t *testing.T) {
	mt := rawEntry{EntryMimeType, MimeType}
	msg := rawEntry{EntryMessage, "<m/>"}
	sig := rawEntry{EntrySignature, "<s/>"}

	tests := []struct {
		name    string
		entries []rawEntry
		entry   string
	}{
		{"[Unit] Malformed: missing signature", []rawEntry{mt, msg}, EntrySignature},
		{"[Unit] Malformed: missing message", []rawEntry{mt, sig}, EntryMessage},
		{"[Unit] Malformed: empty signature", []rawEntry{mt, msg, {EntrySignature, ""}}, EntrySignature},
		{"[Unit] Malformed: missing mimetype", []rawEntry{msg, sig}, EntryMimeType},
		{"[Unit] Malformed: wrong mimetype", []rawEntry{{EntryMimeType, "application/zip"}, msg, sig}, EntryMimeType},
		{"[Unit] Malformed: duplicate message", []rawEntry{mt, msg, msg, sig}, EntryMessage},
		{"[Unit] Malformed: hash chain without result", []rawEntry{mt, msg, sig, {EntryHashChain, "<c/>"}}, EntryHashChain},
		{"[Unit] Malformed: timestamp chain without timestamp", []rawEntry{mt, msg, sig,
			{EntryTimestampHashChainResult, "<r/>"}, {EntryTimestampHashChain, "<c/>"}}, EntryTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadBytes(craftArchive(t, tt.entries...))
			if !errors.Is(err, ErrMalformedContainer) {
				t.Fatalf("ReadBytes() error = %v, want ErrMalformedContainer", err)
			}
			var entryErr *EntryError
			if !errors.As(err, &entryErr) || entryErr.Entry != tt.entry {
				t.Errorf("ReadBytes() error = %v, want entry %s", err, tt.entry)
			}
		})
	}
}

func TestU_Container_NotZip(t *testing.T) {
	if _, err := ReadBytes([]byte("definitely not a zip")); !errors.Is(err, ErrMalformedContainer) {
		t.Errorf("ReadBytes() error = %v, want ErrMalformedContainer", err)
	}
}

func TestU_Container_UnknownEntriesIgnored(t *testing.T) {
	data := craftArchive(t,
		rawEntry{EntryMimeType, MimeType},
		rawEntry{EntryMessage, "<m/>"},
		rawEntry{EntrySignature, "<s/>"},
		rawEntry{"META-INF/extra.txt", "ignored"},
	)
	c, err := ReadBytes(data)
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	out, err := Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("extra.txt")) {
		t.Error("unknown entry was written back")
	}
}

func TestU_Container_WriteRejectsIncomplete(t *testing.T) {
	c := &SignedContainer{Message: []byte("<m/>")}
	if _, err := Marshal(c); !errors.Is(err, ErrMalformedContainer) {
		t.Errorf("Marshal() error = %v, want ErrMalformedContainer", err)
	}
}

// =============================================================================
// [Unit] Manifest Tests
// =============================================================================

func TestU_Container_ManifestTampered(t *testing.T) {
	data, err := Marshal(sampleContainer())
	if err != nil {
		t.Fatal(err)
	}
	c, err := ReadBytes(data)
	if err != nil {
		t.Fatal(err)
	}

	tampered := craftArchive(t,
		rawEntry{EntryMimeType, MimeType},
		rawEntry{EntryMessage, "<message>bye</message>"},
		rawEntry{EntrySignature, string(c.Signature)},
		rawEntry{EntryManifest, string(c.Manifest)},
	)
	_, err = ReadBytes(tampered)
	if !errors.Is(err, ErrManifestVerificationFailed) {
		t.Errorf("ReadBytes() error = %v, want ErrManifestVerificationFailed", err)
	}
}

func TestU_Container_ManifestMissingEntry(t *testing.T) {
	full := &SignedContainer{
		Message: []byte("<m/>"), Signature: []byte("<s/>"),
		HashChainResult: []byte("<r/>"), HashChain: []byte("<c/>"),
	}
	data, _ := Marshal(full)
	c, _ := ReadBytes(data)

	stripped := craftArchive(t,
		rawEntry{EntryMimeType, MimeType},
		rawEntry{EntryMessage, "<m/>"},
		rawEntry{EntrySignature, "<s/>"},
		rawEntry{EntryManifest, string(c.Manifest)},
	)
	if _, err := ReadBytes(stripped); !errors.Is(err, ErrManifestVerificationFailed) {
		t.Errorf("ReadBytes() error = %v, want ErrManifestVerificationFailed", err)
	}
}

func TestU_Container_ASiCManifestWithoutTimestamp(t *testing.T) {
	ts := &SignedContainer{Message: []byte("<m/>"), Signature: []byte("<s/>"), Timestamp: []byte{1}}
	data, _ := Marshal(ts)
	c, _ := ReadBytes(data)

	stripped := craftArchive(t,
		rawEntry{EntryMimeType, MimeType},
		rawEntry{EntryMessage, "<m/>"},
		rawEntry{EntrySignature, "<s/>"},
		rawEntry{EntryASiCManifest, string(c.ASiCManifest)},
	)
	if _, err := ReadBytes(stripped); !errors.Is(err, ErrManifestVerificationFailed) {
		t.Errorf("ReadBytes() error = %v, want ErrManifestVerificationFailed", err)
	}
}

// =============================================================================
// [Unit] Validator Hook Tests
// =============================================================================

type rejectEntry string

func (r rejectEntry) Validate(entry string, _ []byte) error {
	if entry == string(r) {
		return errors.New("schema violation")
	}
	return nil
}

func TestU_Container_ValidatorHook(t *testing.T) {
	data, _ := Marshal(sampleContainer())

	if _, err := ReadWithConfig(bytes.NewReader(data), int64(len(data)), ReadConfig{Validator: rejectEntry("nothing")}); err != nil {
		t.Errorf("ReadWithConfig() error = %v", err)
	}

	_, err := ReadWithConfig(bytes.NewReader(data), int64(len(data)), ReadConfig{Validator: rejectEntry(EntrySignature)})
	var entryErr *EntryError
	if !errors.As(err, &entryErr) || entryErr.Entry != EntrySignature {
		t.Errorf("ReadWithConfig() error = %v, want EntryError for %s", err, EntrySignature)
	}
}

func TestU_Container_MaxEntrySize(t *testing.T) {
	data, _ := Marshal(sampleContainer())
	_, err := ReadWithConfig(bytes.NewReader(data), int64(len(data)), ReadConfig{MaxEntrySize: 4})
	if !errors.Is(err, ErrMalformedContainer) {
		t.Errorf("ReadWithConfig() error = %v, want ErrMalformedContainer", err)
	}
}

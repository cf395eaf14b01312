package container

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// DefaultMaxEntrySize bounds the uncompressed size of a single entry.
const DefaultMaxEntrySize = 64 << 20

// fixedModTime is stamped on every written entry so identical inputs give
// identical archives.
var fixedModTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Validator checks the content of an XML entry.
type Validator interface {
	Validate(entry string, data []byte) error
}

// ReadConfig configures container decoding.
type ReadConfig struct {
	// Validator, if set, is applied to every XML entry after the structural
	// checks succeed.
	Validator Validator

	// MaxEntrySize overrides DefaultMaxEntrySize.
	MaxEntrySize int64
}

// WriteConfig configures container encoding.
type WriteConfig struct {
	// ManifestDigest is the digest used in manifests. Defaults to SHA-256.
	ManifestDigest crypto.DigestAlgorithm
}

// ReadBytes decodes a container held in memory.
func ReadBytes(data []byte) (*SignedContainer, error) {
	return Read(bytes.NewReader(data), int64(len(data)))
}

// Read decodes a container with the default configuration.
func Read(r io.ReaderAt, size int64) (*SignedContainer, error) {
	return ReadWithConfig(r, size, ReadConfig{})
}

// ReadWithConfig decodes a container. All structural checks, including
// manifest digests, run before the result is returned.
func ReadWithConfig(r io.ReaderAt, size int64, cfg ReadConfig) (*SignedContainer, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, malformed("", "not a zip archive: %v", err)
	}
	maxSize := cfg.MaxEntrySize
	if maxSize <= 0 {
		maxSize = DefaultMaxEntrySize
	}

	raw := make(map[string][]byte)
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		if !isKnownEntry(name) {
			continue
		}
		if _, dup := raw[name]; dup {
			return nil, malformed(name, "duplicate entry")
		}
		data, err := readEntry(f, maxSize)
		if err != nil {
			return nil, malformed(name, "%v", err)
		}
		raw[name] = data
	}

	mt, ok := raw[EntryMimeType]
	if !ok {
		return nil, malformed(EntryMimeType, "missing")
	}
	if strings.TrimSpace(string(mt)) != MimeType {
		return nil, malformed(EntryMimeType, "unexpected value %q", mt)
	}

	c := &SignedContainer{
		Message:                  raw[EntryMessage],
		Signature:                raw[EntrySignature],
		HashChainResult:          raw[EntryHashChainResult],
		HashChain:                raw[EntryHashChain],
		Timestamp:                raw[EntryTimestamp],
		TimestampHashChainResult: raw[EntryTimestampHashChainResult],
		TimestampHashChain:       raw[EntryTimestampHashChain],
		Manifest:                 raw[EntryManifest],
		ASiCManifest:             raw[EntryASiCManifest],
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	entries := c.entries()
	if len(c.Manifest) > 0 {
		if err := verifyManifest(c.Manifest, entries); err != nil {
			return nil, err
		}
	}
	if len(c.ASiCManifest) > 0 {
		if err := verifyASiCManifest(c.ASiCManifest, entries); err != nil {
			return nil, err
		}
	}

	if cfg.Validator != nil {
		for _, name := range entryOrder {
			data, ok := entries[name]
			if !ok || mediaTypes[name] != "text/xml" {
				continue
			}
			if err := cfg.Validator.Validate(name, data); err != nil {
				return nil, &EntryError{Entry: name, Err: err}
			}
		}
	}
	return c, nil
}

func readEntry(f *zip.File, maxSize int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(maxSize) {
		return nil, fmt.Errorf("entry larger than %d bytes", maxSize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("entry larger than %d bytes", maxSize)
	}
	return data, nil
}

// Write encodes c with SHA-256 manifests.
func Write(w io.Writer, c *SignedContainer) error {
	return WriteWithConfig(w, c, WriteConfig{})
}

// WriteWithConfig encodes c. Manifests are regenerated from the content
// entries; any Manifest/ASiCManifest set on c is ignored.
func WriteWithConfig(w io.Writer, c *SignedContainer, cfg WriteConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	alg := cfg.ManifestDigest
	if !alg.Known() {
		alg = crypto.DigestByName("SHA-256")
	}

	entries := c.entries()
	out := map[string][]byte{EntryMimeType: []byte(MimeType)}
	for k, v := range entries {
		out[k] = v
	}

	manifest, err := buildManifest(alg, entries)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	out[EntryManifest] = manifest

	if len(c.Timestamp) > 0 {
		asic, err := buildASiCManifest(alg, entries)
		if err != nil {
			return fmt.Errorf("build ASiC manifest: %w", err)
		}
		out[EntryASiCManifest] = asic
	}

	zw := zip.NewWriter(w)
	for _, name := range entryOrder {
		data, ok := out[name]
		if !ok {
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: fixedModTime,
		})
		if err != nil {
			return fmt.Errorf("create entry %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write entry %s: %w", name, err)
		}
	}
	return zw.Close()
}

// Marshal encodes c into a byte slice.
func Marshal(c *SignedContainer) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package container

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Manifest namespaces.
const (
	ManifestNamespace     = "urn:sigtrust:container:manifest"
	ASiCManifestNamespace = "http://uri.etsi.org/02918/v1.2.1#"
)

// Manifest lists the plain content entries with their digests.
type Manifest struct {
	XMLName xml.Name    `xml:"urn:sigtrust:container:manifest Manifest"`
	Entries []FileEntry `xml:"FileEntry"`
}

// FileEntry is one digested entry of a manifest.
type FileEntry struct {
	FullPath     string       `xml:"FullPath,attr"`
	MediaType    string       `xml:"MediaType,attr,omitempty"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
}

// DigestMethod names a digest algorithm by URI.
type DigestMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// ASiCManifest binds the timestamp to the entries it covers.
type ASiCManifest struct {
	XMLName      xml.Name        `xml:"http://uri.etsi.org/02918/v1.2.1# ASiCManifest"`
	SigReference SigReference    `xml:"SigReference"`
	References   []DataObjectRef `xml:"DataObjectReference"`
}

// SigReference points at the timestamp token.
type SigReference struct {
	URI      string `xml:"URI,attr"`
	MimeType string `xml:"MimeType,attr,omitempty"`
}

// DataObjectRef is a digested entry covered by the timestamp.
type DataObjectRef struct {
	URI          string       `xml:"URI,attr"`
	MimeType     string       `xml:"MimeType,attr,omitempty"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
}

func marshalXML(doc any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func digestEntry(alg crypto.DigestAlgorithm, uri string, data []byte) (DigestMethod, string, error) {
	d, err := crypto.Digest(alg, data)
	if err != nil {
		return DigestMethod{}, "", err
	}
	return DigestMethod{Algorithm: uri}, base64.StdEncoding.EncodeToString(d), nil
}

// buildManifest lists every content entry except the timestamp, in entry order.
func buildManifest(alg crypto.DigestAlgorithm, entries map[string][]byte) ([]byte, error) {
	uri, err := alg.URI()
	if err != nil {
		return nil, err
	}
	var m Manifest
	for _, name := range entryOrder {
		data, ok := entries[name]
		if !ok || name == EntryTimestamp {
			continue
		}
		dm, dv, err := digestEntry(alg, uri, data)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, FileEntry{FullPath: name, MediaType: mediaTypes[name], DigestMethod: dm, DigestValue: dv})
	}
	return marshalXML(&m)
}

// buildASiCManifest binds the timestamp to the signature, or to the
// timestamp hash-chain result for batch timestamps.
func buildASiCManifest(alg crypto.DigestAlgorithm, entries map[string][]byte) ([]byte, error) {
	uri, err := alg.URI()
	if err != nil {
		return nil, err
	}
	covered := EntrySignature
	if _, ok := entries[EntryTimestampHashChainResult]; ok {
		covered = EntryTimestampHashChainResult
	}
	dm, dv, err := digestEntry(alg, uri, entries[covered])
	if err != nil {
		return nil, err
	}
	return marshalXML(&ASiCManifest{
		SigReference: SigReference{URI: EntryTimestamp, MimeType: mediaTypes[EntryTimestamp]},
		References: []DataObjectRef{{
			URI: covered, MimeType: mediaTypes[covered], DigestMethod: dm, DigestValue: dv,
		}},
	})
}

func checkDigest(manifest, name string, entries map[string][]byte, method DigestMethod, value string) error {
	data, ok := entries[name]
	if !ok {
		return manifestFailed(manifest, "references missing entry %q", name)
	}
	alg := crypto.DigestByURI(method.Algorithm)
	got, err := crypto.Digest(alg, data)
	if err != nil {
		return &EntryError{Entry: manifest, Err: fmt.Errorf("%w: %w", ErrManifestVerificationFailed, err)}
	}
	want, err := base64.StdEncoding.DecodeString(value)
	if err != nil || !bytes.Equal(got, want) {
		return manifestFailed(manifest, "digest of %q does not match", name)
	}
	return nil
}

func verifyManifest(data []byte, entries map[string][]byte) error {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return manifestFailed(EntryManifest, "unparsable: %v", err)
	}
	for _, fe := range m.Entries {
		if err := checkDigest(EntryManifest, fe.FullPath, entries, fe.DigestMethod, fe.DigestValue); err != nil {
			return err
		}
	}
	return nil
}

func verifyASiCManifest(data []byte, entries map[string][]byte) error {
	var m ASiCManifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return manifestFailed(EntryASiCManifest, "unparsable: %v", err)
	}
	if m.SigReference.URI != EntryTimestamp {
		return manifestFailed(EntryASiCManifest, "signature reference %q is not the timestamp", m.SigReference.URI)
	}
	if _, ok := entries[EntryTimestamp]; !ok {
		return manifestFailed(EntryASiCManifest, "references missing timestamp")
	}
	if len(m.References) == 0 {
		return manifestFailed(EntryASiCManifest, "no data object references")
	}
	for _, ref := range m.References {
		if err := checkDigest(EntryASiCManifest, ref.URI, entries, ref.DigestMethod, ref.DigestValue); err != nil {
			return err
		}
	}
	return nil
}

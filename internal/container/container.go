// Package container reads and writes signed containers: ZIP archives that
// bundle a message with its signature and, for batch-signed messages, the
// hash chain linking the message to the signed batch result.
package container

// MimeType is the value of the mimetype entry.
const MimeType = "application/vnd.etsi.asic-e+zip"

// Entry names.
const (
	EntryMimeType                 = "mimetype"
	EntryMessage                  = "message.xml"
	EntrySignature                = "signatures.xml"
	EntryHashChainResult          = "hashchainresult.xml"
	EntryHashChain                = "hashchain.xml"
	EntryTimestamp                = "timestamp.tsr"
	EntryTimestampHashChainResult = "ts-hashchainresult.xml"
	EntryTimestampHashChain       = "ts-hashchain.xml"
	EntryManifest                 = "META-INF/manifest.xml"
	EntryASiCManifest             = "META-INF/ASiCManifest.xml"
)

// entryOrder is the serialization order.
var entryOrder = []string{
	EntryMimeType,
	EntryMessage,
	EntrySignature,
	EntryHashChainResult,
	EntryHashChain,
	EntryTimestamp,
	EntryTimestampHashChainResult,
	EntryTimestampHashChain,
	EntryManifest,
	EntryASiCManifest,
}

var mediaTypes = map[string]string{
	EntryMessage:                  "text/xml",
	EntrySignature:                "text/xml",
	EntryHashChainResult:          "text/xml",
	EntryHashChain:                "text/xml",
	EntryTimestamp:                "application/vnd.etsi.timestamp-token",
	EntryTimestampHashChainResult: "text/xml",
	EntryTimestampHashChain:       "text/xml",
}

func isKnownEntry(name string) bool {
	for _, n := range entryOrder {
		if n == name {
			return true
		}
	}
	return false
}

// SignedContainer is the decoded content of a container.
type SignedContainer struct {
	Message   []byte
	Signature []byte

	// Present only for batch-signed messages; both or neither.
	HashChainResult []byte
	HashChain       []byte

	Timestamp []byte

	// Present only for batch timestamps; both or neither, and only with Timestamp.
	TimestampHashChainResult []byte
	TimestampHashChain       []byte

	// Derived on write, informational on read.
	Manifest     []byte
	ASiCManifest []byte
}

// IsBatch reports whether the message was signed as part of a batch.
func (c *SignedContainer) IsBatch() bool {
	return len(c.HashChainResult) > 0
}

// entries returns the non-empty content entries keyed by name.
func (c *SignedContainer) entries() map[string][]byte {
	m := map[string][]byte{
		EntryMessage:                  c.Message,
		EntrySignature:                c.Signature,
		EntryHashChainResult:          c.HashChainResult,
		EntryHashChain:                c.HashChain,
		EntryTimestamp:                c.Timestamp,
		EntryTimestampHashChainResult: c.TimestampHashChainResult,
		EntryTimestampHashChain:       c.TimestampHashChain,
	}
	for k, v := range m {
		if len(v) == 0 {
			delete(m, k)
		}
	}
	return m
}

// Validate checks the structural invariants shared by read and write.
func (c *SignedContainer) Validate() error {
	if len(c.Message) == 0 {
		return malformed(EntryMessage, "missing or empty")
	}
	if len(c.Signature) == 0 {
		return malformed(EntrySignature, "missing or empty")
	}
	if (len(c.HashChainResult) > 0) != (len(c.HashChain) > 0) {
		return malformed(EntryHashChain, "hash chain and hash chain result must both be present")
	}
	if (len(c.TimestampHashChainResult) > 0) != (len(c.TimestampHashChain) > 0) {
		return malformed(EntryTimestampHashChain, "timestamp hash chain and its result must both be present")
	}
	if len(c.TimestampHashChainResult) > 0 && len(c.Timestamp) == 0 {
		return malformed(EntryTimestamp, "timestamp hash chain without timestamp")
	}
	return nil
}

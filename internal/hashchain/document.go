// Package hashchain verifies and builds Merkle-style hash chains that let one
// signature cover a batch of messages.
//
// A batch is signed through a HashChainResult document carrying the root
// digest. Every message in the batch ships with its own HashChain document: the
// path from the root down to that message's node, with the digests of the
// other branches included as opaque sibling leaves.
package hashchain

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Namespace is the XML namespace of hash-chain documents.
const Namespace = "urn:sigtrust:hashchain"

// DocumentURI is the container reference of the hash-chain document. Node
// references in errors are built as DocumentURI + "#" + node Id.
const DocumentURI = "/hashchain.xml"

// maxDepth bounds node nesting; a balanced tree of 2^32 messages fits easily.
const maxDepth = 64

// Result is the signed hash-chain result document.
type Result struct {
	XMLName      xml.Name     `xml:"urn:sigtrust:hashchain HashChainResult"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
}

// Chain is the per-message hash-chain document.
type Chain struct {
	XMLName xml.Name `xml:"urn:sigtrust:hashchain HashChain"`
	Root    []*Node  `xml:"Node"`
}

// DigestMethod names a digest algorithm by URI.
type DigestMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

// Node is one digest node. A node with children is an intermediate node whose
// digest covers its children; a node without children is a leaf that either
// references a message part (Ref) or carries an opaque sibling digest.
type Node struct {
	ID           string       `xml:"Id,attr"`
	Ref          string       `xml:"Ref,attr,omitempty"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
	Children     []*Node      `xml:"Node"`
}

// URI returns the node's reference for error reporting.
func (n *Node) URI() string {
	return DocumentURI + "#" + n.ID
}

func (n *Node) isLeaf() bool {
	return len(n.Children) == 0
}

func (n *Node) digest() ([]byte, error) {
	d, err := base64.StdEncoding.DecodeString(n.DigestValue)
	if err != nil {
		return nil, nodeErr(n.URI(), malformed("digest value is not base64"))
	}
	return d, nil
}

// ParseResult decodes a HashChainResult document.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, malformed("result: %v", err)
	}
	if r.DigestMethod.Algorithm == "" || r.DigestValue == "" {
		return nil, malformed("result: missing digest method or value")
	}
	return &r, nil
}

// ParseChain decodes a HashChain document and checks its shape: exactly one
// root, unique non-empty node ids, bounded depth and no references on
// intermediate nodes.
func ParseChain(data []byte) (*Chain, error) {
	var c Chain
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, malformed("chain: %v", err)
	}
	if len(c.Root) != 1 {
		return nil, malformed("chain: expected exactly one root node, found %d", len(c.Root))
	}
	seen := make(map[string]bool)
	if err := checkShape(c.Root[0], 1, seen); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkShape(n *Node, depth int, seen map[string]bool) error {
	if depth > maxDepth {
		return malformed("chain: nesting deeper than %d", maxDepth)
	}
	if n.ID == "" {
		return malformed("chain: node without Id")
	}
	if seen[n.ID] {
		return nodeErr(n.URI(), malformed("duplicate node Id"))
	}
	seen[n.ID] = true
	if n.DigestMethod.Algorithm == "" || n.DigestValue == "" {
		return nodeErr(n.URI(), malformed("missing digest method or value"))
	}
	if !n.isLeaf() && n.Ref != "" {
		return nodeErr(n.URI(), malformed("intermediate node carries a reference"))
	}
	for _, child := range n.Children {
		if err := checkShape(child, depth+1, seen); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes a document with a leading XML header.
func Marshal(doc any) ([]byte, error) {
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

// appendTag appends uvarint(len(uri)) || uri || uvarint(len(digest)) || digest.
func appendTag(dst []byte, uri string, digest []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(uri)))
	dst = append(dst, uri...)
	dst = binary.AppendUvarint(dst, uint64(len(digest)))
	return append(dst, digest...)
}

// NodeDigest computes an intermediate node digest from its algorithm-tagged
// children, in order.
func NodeDigest(alg crypto.DigestAlgorithm, children []crypto.DigestValue) ([]byte, error) {
	var buf []byte
	for _, c := range children {
		buf = appendTag(buf, c.AlgorithmURI, c.Value)
	}
	return crypto.Digest(alg, buf)
}

package hashchain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// MessagePart is a named logical part of a signed payload, such as
// "/message.xml" or "/attachment1". It carries either the raw bytes or a
// digest computed elsewhere.
type MessagePart struct {
	Name   string
	Data   []byte
	Digest *crypto.DigestValue
}

// DigestWith returns the part's digest under alg. A precomputed digest is
// only usable if it was made with the same algorithm.
func (p MessagePart) DigestWith(alg crypto.DigestAlgorithm) ([]byte, error) {
	if p.Digest != nil {
		uri, err := alg.URI()
		if err != nil {
			return nil, err
		}
		if p.Digest.AlgorithmURI != uri {
			return nil, fmt.Errorf("part %s digested with %s, need %s", p.Name, p.Digest.AlgorithmURI, uri)
		}
		return p.Digest.Value, nil
	}
	return crypto.Digest(alg, p.Data)
}

// Resolver looks up message parts by logical name.
type Resolver interface {
	Part(name string) (MessagePart, bool)
	Names() []string
}

// Parts is a Resolver over a fixed set of parts.
type Parts []MessagePart

func (ps Parts) Part(name string) (MessagePart, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return MessagePart{}, false
}

func (ps Parts) Names() []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// Verify checks that the hash chain proves inclusion of exactly the parts
// known to resolver in the root digest of the result document. It either
// succeeds completely or returns the first failure.
func Verify(resultXML, chainXML []byte, resolver Resolver) error {
	result, err := ParseResult(resultXML)
	if err != nil {
		return err
	}
	chain, err := ParseChain(chainXML)
	if err != nil {
		return err
	}
	return verifyDocuments(result, chain, resolver)
}

func verifyDocuments(result *Result, chain *Chain, resolver Resolver) error {
	v := &verification{resolver: resolver, referenced: make(map[string]bool)}

	root := chain.Root[0]
	rootDigest, err := v.verifyNode(root)
	if err != nil {
		return err
	}

	want, err := base64.StdEncoding.DecodeString(result.DigestValue)
	if err != nil {
		return malformed("result digest value is not base64")
	}
	if result.DigestMethod.Algorithm != root.DigestMethod.Algorithm {
		return nodeErr(root.URI(), fmt.Errorf("%w: root algorithm %s, result algorithm %s",
			ErrDigestMismatch, root.DigestMethod.Algorithm, result.DigestMethod.Algorithm))
	}
	if !bytes.Equal(rootDigest.Value, want) {
		return nodeErr(root.URI(), fmt.Errorf("%w: root digest differs from signed result", ErrDigestMismatch))
	}

	var unreferenced []string
	for _, name := range resolver.Names() {
		if !v.referenced[name] {
			unreferenced = append(unreferenced, name)
		}
	}
	if len(unreferenced) > 0 {
		sort.Strings(unreferenced)
		return malformed("parts not covered by the chain: %v", unreferenced)
	}
	return nil
}

type verification struct {
	resolver   Resolver
	referenced map[string]bool
}

// verifyNode returns the node's verified digest.
func (v *verification) verifyNode(n *Node) (crypto.DigestValue, error) {
	alg := crypto.DigestByURI(n.DigestMethod.Algorithm)
	if !alg.Known() {
		return crypto.DigestValue{}, nodeErr(n.URI(), fmt.Errorf("%w: %w: %s",
			ErrMalformedHashChain, crypto.ErrUnknownAlgorithm, n.DigestMethod.Algorithm))
	}
	stored, err := n.digest()
	if err != nil {
		return crypto.DigestValue{}, err
	}
	if len(stored) != alg.Size() {
		return crypto.DigestValue{}, nodeErr(n.URI(), fmt.Errorf("%w: stored digest has %d bytes, %s needs %d",
			ErrDigestMismatch, len(stored), alg, alg.Size()))
	}

	var computed []byte
	switch {
	case !n.isLeaf():
		children := make([]crypto.DigestValue, 0, len(n.Children))
		for _, child := range n.Children {
			cv, err := v.verifyNode(child)
			if err != nil {
				return crypto.DigestValue{}, err
			}
			children = append(children, cv)
		}
		if computed, err = NodeDigest(alg, children); err != nil {
			return crypto.DigestValue{}, nodeErr(n.URI(), err)
		}

	case n.Ref != "":
		if v.referenced[n.Ref] {
			return crypto.DigestValue{}, nodeErr(n.URI(), malformed("part %s referenced more than once", n.Ref))
		}
		part, ok := v.resolver.Part(n.Ref)
		if !ok {
			return crypto.DigestValue{}, nodeErr(n.Ref, ErrUnresolvedReference)
		}
		v.referenced[n.Ref] = true
		if computed, err = part.DigestWith(alg); err != nil {
			return crypto.DigestValue{}, nodeErr(n.URI(), fmt.Errorf("%w: %v", ErrDigestMismatch, err))
		}

	default:
		// Opaque sibling digest; it is bound by its parent's digest.
		computed = stored
	}

	if !bytes.Equal(computed, stored) {
		return crypto.DigestValue{}, nodeErr(n.URI(), ErrDigestMismatch)
	}
	return crypto.DigestValue{AlgorithmURI: n.DigestMethod.Algorithm, Value: stored}, nil
}

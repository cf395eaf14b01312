package hashchain

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/remiblancher/sigtrust/internal/crypto"
)

// Builder produces hash chains for a batch of messages.
type Builder struct {
	alg crypto.DigestAlgorithm
	uri string
}

// NewBuilder returns a builder digesting with alg.
func NewBuilder(alg crypto.DigestAlgorithm) (*Builder, error) {
	uri, err := alg.URI()
	if err != nil {
		return nil, err
	}
	if !alg.Known() {
		return nil, fmt.Errorf("%w: %s", crypto.ErrUnknownAlgorithm, alg)
	}
	return &Builder{alg: alg, uri: uri}, nil
}

// Batch is the output of Build.
type Batch struct {
	Result []byte   // HashChainResult document, to be signed
	Chains [][]byte // HashChain document per message, in input order
}

type treeNode struct {
	node   *Node
	lo, hi int // covered message indexes [lo, hi)
	kids   []*treeNode
}

// Build creates a binary Merkle tree over the messages. Each message node
// covers the message's parts; an unpaired node at any level moves up as is.
func (b *Builder) Build(messages [][]MessagePart) (*Batch, error) {
	if len(messages) == 0 {
		return nil, errors.New("empty batch")
	}

	level := make([]*treeNode, 0, len(messages))
	for i, parts := range messages {
		mn, err := b.messageNode(i, parts)
		if err != nil {
			return nil, err
		}
		level = append(level, mn)
	}

	for depth := 0; len(level) > 1; depth++ {
		next := make([]*treeNode, 0, (len(level)+1)/2)
		for k := 0; k < len(level); k += 2 {
			if k+1 == len(level) {
				next = append(next, level[k])
				continue
			}
			parent, err := b.join(fmt.Sprintf("t%d-%d", depth, k/2), level[k], level[k+1])
			if err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		level = next
	}
	root := level[0]

	result, err := Marshal(&Result{
		DigestMethod: DigestMethod{Algorithm: b.uri},
		DigestValue:  root.node.DigestValue,
	})
	if err != nil {
		return nil, err
	}

	batch := &Batch{Result: result, Chains: make([][]byte, len(messages))}
	for i := range messages {
		doc, err := Marshal(&Chain{Root: []*Node{prune(root, i)}})
		if err != nil {
			return nil, err
		}
		batch.Chains[i] = doc
	}
	return batch, nil
}

func (b *Builder) messageNode(i int, parts []MessagePart) (*treeNode, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("message %d has no parts", i)
	}
	id := fmt.Sprintf("m%d", i)
	node := &Node{ID: id, DigestMethod: DigestMethod{Algorithm: b.uri}}
	values := make([]crypto.DigestValue, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for j, p := range parts {
		if p.Name == "" || seen[p.Name] {
			return nil, fmt.Errorf("message %d: part names must be unique and non-empty", i)
		}
		seen[p.Name] = true
		d, err := p.DigestWith(b.alg)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, &Node{
			ID:           fmt.Sprintf("%sp%d", id, j),
			Ref:          p.Name,
			DigestMethod: DigestMethod{Algorithm: b.uri},
			DigestValue:  base64.StdEncoding.EncodeToString(d),
		})
		values = append(values, crypto.DigestValue{AlgorithmURI: b.uri, Value: d})
	}
	d, err := NodeDigest(b.alg, values)
	if err != nil {
		return nil, err
	}
	node.DigestValue = base64.StdEncoding.EncodeToString(d)
	return &treeNode{node: node, lo: i, hi: i + 1}, nil
}

func (b *Builder) join(id string, left, right *treeNode) (*treeNode, error) {
	var values []crypto.DigestValue
	for _, t := range []*treeNode{left, right} {
		d, err := base64.StdEncoding.DecodeString(t.node.DigestValue)
		if err != nil {
			return nil, err
		}
		values = append(values, crypto.DigestValue{AlgorithmURI: b.uri, Value: d})
	}
	d, err := NodeDigest(b.alg, values)
	if err != nil {
		return nil, err
	}
	return &treeNode{
		node: &Node{
			ID:           id,
			DigestMethod: DigestMethod{Algorithm: b.uri},
			DigestValue:  base64.StdEncoding.EncodeToString(d),
		},
		lo:   left.lo,
		hi:   right.hi,
		kids: []*treeNode{left, right},
	}, nil
}

// prune returns the path from t down to message i. Branches not covering i
// are collapsed into opaque sibling leaves.
func prune(t *treeNode, i int) *Node {
	if len(t.kids) == 0 {
		return t.node
	}
	n := &Node{ID: t.node.ID, DigestMethod: t.node.DigestMethod, DigestValue: t.node.DigestValue}
	for _, k := range t.kids {
		if i >= k.lo && i < k.hi {
			n.Children = append(n.Children, prune(k, i))
		} else {
			n.Children = append(n.Children, &Node{ID: k.node.ID, DigestMethod: k.node.DigestMethod, DigestValue: k.node.DigestValue})
		}
	}
	return n
}

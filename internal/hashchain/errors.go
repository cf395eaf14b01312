package hashchain

import (
	"errors"
	"fmt"
)

// Sentinel errors for hash-chain verification.
var (
	ErrMalformedHashChain  = errors.New("malformed hash chain")
	ErrDigestMismatch      = errors.New("digest mismatch")
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// NodeError identifies the hash-chain node a verification failure refers to.
type NodeError struct {
	URI string // "/hashchain.xml#<id>" or a message part reference
	Err error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("hash chain node %s: %v", e.URI, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func nodeErr(uri string, err error) error {
	return &NodeError{URI: uri, Err: err}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedHashChain, fmt.Sprintf(format, args...))
}

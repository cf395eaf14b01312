// Package schema validates the XML entries of signed containers. Validators
// are registered at compile time and selected by a configuration mode.
package schema

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/remiblancher/sigtrust/internal/container"
	"github.com/remiblancher/sigtrust/internal/hashchain"
	"github.com/remiblancher/sigtrust/internal/xmldsig"
)

// ErrSchema reports an entry that does not match its expected document type.
var ErrSchema = errors.New("schema validation failed")

// Mode selects a validator.
type Mode string

const (
	// ModeNone disables validation.
	ModeNone Mode = "none"
	// ModeWellFormed requires well-formed XML with a single root element and
	// no document type declaration.
	ModeWellFormed Mode = "wellformed"
	// ModeStrict additionally requires the expected root element for every
	// signature and hash-chain entry.
	ModeStrict Mode = "strict"
)

// registry maps every mode to its validator. A nil validator disables checks.
var registry = map[Mode]container.Validator{
	ModeNone:       nil,
	ModeWellFormed: wellFormed{},
	ModeStrict:     strict{roots: expectedRoots},
}

// expectedRoots is the root element of each structured entry.
var expectedRoots = map[string]xml.Name{
	container.EntrySignature:                {Space: xmldsig.Namespace, Local: "Signature"},
	container.EntryHashChainResult:          {Space: hashchain.Namespace, Local: "HashChainResult"},
	container.EntryHashChain:                {Space: hashchain.Namespace, Local: "HashChain"},
	container.EntryTimestampHashChainResult: {Space: hashchain.Namespace, Local: "HashChainResult"},
	container.EntryTimestampHashChain:       {Space: hashchain.Namespace, Local: "HashChain"},
}

// Modes lists the registered modes.
func Modes() []Mode {
	modes := make([]Mode, 0, len(registry))
	for m := range registry {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

// ParseMode resolves a mode name, case-insensitively. Empty means ModeStrict.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeStrict, nil
	}
	m := Mode(strings.ToLower(s))
	if _, ok := registry[m]; !ok {
		return "", fmt.Errorf("unknown schema validation mode %q", s)
	}
	return m, nil
}

// ForMode returns the validator registered for m. The result is nil for
// ModeNone.
func ForMode(m Mode) (container.Validator, error) {
	v, ok := registry[m]
	if !ok {
		return nil, fmt.Errorf("unknown schema validation mode %q", m)
	}
	return v, nil
}

type wellFormed struct{}

func (wellFormed) Validate(_ string, data []byte) error {
	_, err := rootElement(data)
	return err
}

type strict struct {
	roots map[string]xml.Name
}

func (s strict) Validate(entry string, data []byte) error {
	root, err := rootElement(data)
	if err != nil {
		return err
	}
	want, ok := s.roots[entry]
	if !ok {
		return nil
	}
	if root != want {
		return fmt.Errorf("%w: root element {%s}%s, want {%s}%s", ErrSchema, root.Space, root.Local, want.Space, want.Local)
	}
	return nil
}

// rootElement scans data and returns the name of its only root element.
func rootElement(data []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root xml.Name
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xml.Name{}, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		switch t := tok.(type) {
		case xml.Directive:
			if bytes.HasPrefix(bytes.TrimSpace(t), []byte("DOCTYPE")) {
				return xml.Name{}, fmt.Errorf("%w: document type declarations are not allowed", ErrSchema)
			}
		case xml.StartElement:
			if depth == 0 {
				roots++
				root = t.Name
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return xml.Name{}, fmt.Errorf("%w: text outside the root element", ErrSchema)
			}
		}
	}
	if roots != 1 {
		return xml.Name{}, fmt.Errorf("%w: expected one root element, found %d", ErrSchema, roots)
	}
	return root, nil
}

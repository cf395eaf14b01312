package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var documentSchema string

var (
	compiledOnce sync.Once
	compiled     *gojsonschema.Schema
	compileErr   error
)

func loadSchema() (*gojsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiled, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return compiled, compileErr
}

// ErrInvalidDocument is returned when a configuration file does not match
// the document schema.
var ErrInvalidDocument = errors.New("configuration document does not match schema")

// validateDocument checks the structure of a YAML document before it is
// decoded, so that typos and wrong types are reported with their path.
func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	s, err := loadSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
}

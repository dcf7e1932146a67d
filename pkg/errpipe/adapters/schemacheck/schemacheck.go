// Package schemacheck validates JSON payloads against compiled JSON
// Schemas and reports violations to an error pipeline.
package schemacheck

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haventide/errpipe/pkg/errpipe"
)

// Validator holds compiled schemas keyed by name and captures every
// validation failure on the attached pipeline.
type Validator struct {
	pipe    *errpipe.Pipeline
	schemas map[string]*jsonschema.Schema
}

// New creates a validator that reports violations to pipe.
func New(pipe *errpipe.Pipeline) *Validator {
	return &Validator{
		pipe:    pipe,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles a schema document and stores it under name.
func (v *Validator) Register(name, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://errpipe.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %q: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Validate checks payload against the named schema. A violation is
// captured on the pipeline and returned to the caller.
func (v *Validator) Validate(name string, payload any) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	err := schema.Validate(payload)
	if err == nil {
		return nil
	}

	details := map[string]any{}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		details["keywordLocation"] = ve.KeywordLocation
		details["instanceLocation"] = ve.InstanceLocation
	}
	if v.pipe != nil {
		v.pipe.CaptureValidationError(err, name, details)
	}
	return err
}

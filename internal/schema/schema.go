// Package schema validates outgoing record payloads against a JSON Schema.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/recsync/internal/record"
)

// Validator checks records against one compiled schema. It satisfies
// reconcile.Validator and is safe for concurrent use.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document. name identifies the
// schema in error messages.
func Compile(name string, doc []byte) (*Validator, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: sch}, nil
}

// Load compiles the schema file at path.
func Load(path string) (*Validator, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(path, doc)
}

// Validate reports the first schema violation in r, or nil.
func (v *Validator) Validate(r record.Record) error {
	// Round-trip through JSON so values take the shapes the schema
	// library expects (json.Number, []any, map[string]any).
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	return nil
}

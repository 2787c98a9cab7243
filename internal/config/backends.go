package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed backends.schema.json
var backendsSchemaJSON []byte

// BackendSpec is one statically configured backend from BACKENDS_FILE.
type BackendSpec struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config"`
}

var backendsSchema *jsonschema.Schema

func compileBackendsSchema() (*jsonschema.Schema, error) {
	if backendsSchema != nil {
		return backendsSchema, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(backendsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse backends schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("backends.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add backends schema: %w", err)
	}
	sch, err := c.Compile("backends.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile backends schema: %w", err)
	}
	backendsSchema = sch
	return sch, nil
}

// ParseBackends validates data against the backends schema and decodes it.
func ParseBackends(data []byte) ([]BackendSpec, error) {
	sch, err := compileBackendsSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse backends: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid backends file: %w", err)
	}

	var specs []BackendSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode backends: %w", err)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		id := strings.TrimSpace(s.ID)
		if seen[id] {
			return nil, fmt.Errorf("duplicate backend id %q", id)
		}
		seen[id] = true
	}
	return specs, nil
}

// LoadBackends reads the backends file. A missing path yields no backends.
func LoadBackends(path string) ([]BackendSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	return ParseBackends(data)
}

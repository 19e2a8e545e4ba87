package processor

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/goliatone/go-syncpipe/core"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.syncpipe.local/"

// Schema validates task payloads for one entity kind.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// LoadSchema compiles the embedded schema for kind.
func LoadSchema(kind core.EntityKind) (*Schema, error) {
	name := string(kind.Normalize()) + ".json"
	raw, err := schemaFS.ReadFile(path.Join("schemas", name))
	if err != nil {
		return nil, fmt.Errorf("processor: schema for %q not found: %w", kind, err)
	}
	return CompileSchema(name, raw)
}

// CompileSchema compiles a JSON Schema document under name.
func CompileSchema(name string, raw []byte) (*Schema, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("processor: schema name is required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("processor: decode schema %q: %w", name, err)
	}
	url := schemaBaseURL + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("processor: add schema %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("processor: compile schema %q: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Validate checks payload in its JSON wire form. Failures are bad input.
func (s *Schema) Validate(payload map[string]any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return core.ValidationError("payload", "payload is not encodable: "+err.Error())
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return core.ValidationError("payload", "payload is not valid json: "+err.Error())
	}
	if err := s.compiled.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return core.ValidationError("payload", s.name+": "+strings.TrimSpace(validationErr.Error()))
		}
		return core.ValidationError("payload", err.Error())
	}
	return nil
}

package handler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed marketplace_event.schema.json
var marketplaceEventSchema []byte

const marketplaceSchemaURL = "memory://schemas/marketplace-lifecycle-event.json"

// payloadValidator checks marketplace bodies against the embedded JSON Schema.
type payloadValidator struct {
	schema *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(marketplaceSchemaURL, bytes.NewReader(marketplaceEventSchema)); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", marketplaceSchemaURL, err)
	}

	compiled, err := compiler.Compile(marketplaceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", marketplaceSchemaURL, err)
	}
	return &payloadValidator{schema: compiled}, nil
}

// Validate returns per-field messages keyed by JSON pointer; a nil map means the body is valid.
func (v *payloadValidator) Validate(payload []byte) (map[string][]string, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload is required")
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	err := v.schema.Validate(document)
	if err == nil {
		return nil, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	fields := map[string][]string{}
	collectCauses(verr, fields)
	if len(fields) == 0 {
		fields["/"] = []string{verr.Message}
	}
	return fields, nil
}

func collectCauses(verr *jsonschema.ValidationError, fields map[string][]string) {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		fields[loc] = append(fields[loc], verr.Message)
		return
	}
	for _, cause := range verr.Causes {
		collectCauses(cause, fields)
	}
}

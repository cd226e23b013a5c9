// Package contracts embeds the OpenAPI documents served and enforced by the API.
package contracts

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed entitlements.yaml
var entitlementsYAML []byte

// EntitlementsYAML returns the raw entitlement API document.
func EntitlementsYAML() []byte {
	return entitlementsYAML
}

// GetEntitlementsSwagger parses and validates the entitlement API document. Each call
// returns a fresh copy so callers may mutate it.
func GetEntitlementsSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(entitlementsYAML)
	if err != nil {
		return nil, fmt.Errorf("load entitlements contract: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate entitlements contract: %w", err)
	}
	return doc, nil
}

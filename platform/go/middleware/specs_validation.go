package middleware

import (
	"context"
	"errors"

	"github.com/getkin/kin-openapi/openapi3filter"

	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
)

// ValidateAuthenticationViaSwagger is the openapi3filter.AuthenticationFunc used by the request validator.
// Operations secured by bearerAuth need credentials placed on the context by the JWT middleware;
// adminAuth additionally needs the admin role.
func ValidateAuthenticationViaSwagger(ctx context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil {
		return nil
	}

	switch input.SecuritySchemeName {
	case "bearerAuth", "adminAuth":
	default:
		return nil
	}

	r := input.RequestValidationInput.Request
	if r == nil {
		return errors.New("no request in validation input")
	}

	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return errors.New("missing or invalid bearer token")
	}
	if input.SecuritySchemeName == "adminAuth" && !creds.IsAdmin {
		return errors.New("admin role required")
	}
	return nil
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/stretchr/testify/require"

	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
)

func TestValidateAuthenticationViaSwagger(t *testing.T) {
	tenant := "tenant-1"

	testCases := []struct {
		name    string
		scheme  string
		creds   *platformauth.UserCredentials
		wantErr bool
	}{
		{name: "unsecured scheme", scheme: "webhookSignature"},
		{name: "bearer without credentials", scheme: "bearerAuth", wantErr: true},
		{name: "bearer with tenant", scheme: "bearerAuth", creds: &platformauth.UserCredentials{Id: "u", TenantID: &tenant}},
		{name: "admin as tenant user", scheme: "adminAuth", creds: &platformauth.UserCredentials{Id: "u", TenantID: &tenant}, wantErr: true},
		{name: "admin", scheme: "adminAuth", creds: &platformauth.UserCredentials{Id: "ops", IsAdmin: true}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/entitlements", nil)
			if tc.creds != nil {
				req = req.WithContext(platformauth.WithUser(req.Context(), tc.creds))
			}

			err := ValidateAuthenticationViaSwagger(context.Background(), &openapi3filter.AuthenticationInput{
				RequestValidationInput: &openapi3filter.RequestValidationInput{Request: req},
				SecuritySchemeName:     tc.scheme,
			})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		found  bool
	}{
		{"bearer", "Bearer abc.def", "abc.def", true},
		{"lowercase scheme", "bearer abc.def", "abc.def", true},
		{"padded", "  Bearer   abc.def  ", "abc.def", true},
		{"blank token", "Bearer   ", "", false},
		{"scheme only", "Bearer", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", false},
		{"scheme prefix", "Bearerabc.def", "", false},
		{"missing", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, found := BearerToken(req)
			require.Equal(t, tt.found, found)
			require.Equal(t, tt.want, got)
		})
	}
}

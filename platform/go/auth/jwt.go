package auth

import (
	"net/http"
	"strings"
)

const bearerScheme = "bearer"

// BearerToken returns the token of an "Authorization: Bearer" header. The scheme is matched
// case-insensitively and a blank token counts as absent.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

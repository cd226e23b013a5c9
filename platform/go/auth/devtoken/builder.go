package devtoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Params captures the claims of an unsigned development token. No environment
// variables are read so the builder stays deterministic for tooling.
type Params struct {
	ProjectID string        // Firebase project id; used for aud and iss
	TenantID  string        // entitlement tenant, emitted as the tenantId claim
	UserID    string        // user_id/sub (required)
	Email     string        // email claim (optional)
	Name      string        // display name (optional)
	IsAdmin   bool          // isAdmin custom claim gating the admin API
	ExpiresIn time.Duration // relative expiry; default 1h if zero
}

// BuildUnsignedToken returns a JWT string with alg "none" and no signature. The payload
// follows the Firebase ID token shape so it flows through the API when AUTH_PROVIDER=dev.
// Tenant callers need TenantID; admin tokens may omit it.
func BuildUnsignedToken(p Params, now time.Time) (string, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return "", errors.New("projectID is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("userID is required")
	}
	if strings.TrimSpace(p.TenantID) == "" && !p.IsAdmin {
		return "", errors.New("tenantID is required for non-admin tokens")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	payload := map[string]interface{}{
		"iss":       fmt.Sprintf("https://securetoken.google.com/%s", p.ProjectID),
		"aud":       p.ProjectID,
		"auth_time": now.Unix(),
		"user_id":   p.UserID,
		"sub":       p.UserID,
		"iat":       now.Unix(),
		"exp":       now.Add(expiresIn).Unix(),
		"isAdmin":   p.IsAdmin,
		"firebase": map[string]interface{}{
			"sign_in_provider": "custom",
		},
	}
	if p.TenantID != "" {
		payload["tenantId"] = p.TenantID
	}
	if p.Email != "" {
		payload["email"] = p.Email
		payload["email_verified"] = true
	}
	if p.Name != "" {
		payload["name"] = p.Name
	}

	headerSegment, err := encodeSegment(map[string]interface{}{"alg": "none", "typ": "JWT"})
	if err != nil {
		return "", err
	}

	payloadSegment, err := encodeSegment(payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s.", headerSegment, payloadSegment), nil
}

func encodeSegment(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

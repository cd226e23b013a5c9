// Package problem writes RFC 7807 problem+json responses.
package problem

import (
	"encoding/json"
	"net/http"
)

const ContentType = "application/problem+json"

// Problem type URIs shared by every handler.
const (
	TypeValidation    = "https://palmyra.pro/problems/validation-error"
	TypeUnauthorized  = "https://palmyra.pro/problems/unauthorized"
	TypeForbidden     = "https://palmyra.pro/problems/forbidden"
	TypeNotFound      = "https://palmyra.pro/problems/not-found"
	TypeConflict      = "https://palmyra.pro/problems/conflict"
	TypeEntitlement   = "https://palmyra.pro/problems/entitlement-denied"
	TypeQuotaExceeded = "https://palmyra.pro/problems/quota-exceeded"
	TypeRejectedEvent = "https://palmyra.pro/problems/event-rejected"
	TypeRateLimited   = "https://palmyra.pro/problems/rate-limited"
	TypeUnavailable   = "https://palmyra.pro/problems/service-unavailable"
	TypeInternal      = "https://palmyra.pro/problems/internal-error"
)

// Details is a problem document. Extensions are merged into the top-level object.
type Details struct {
	Type       string              `json:"type,omitempty"`
	Title      string              `json:"title"`
	Status     int                 `json:"status"`
	Detail     string              `json:"detail,omitempty"`
	Instance   string              `json:"instance,omitempty"`
	Errors     map[string][]string `json:"errors,omitempty"`
	Extensions map[string]any      `json:"-"`
}

// New builds Details.
func New(status int, problemType, title, detail string) Details {
	return Details{Type: problemType, Title: title, Status: status, Detail: detail}
}

// With returns a copy of d carrying an extension member.
func (d Details) With(key string, value any) Details {
	ext := make(map[string]any, len(d.Extensions)+1)
	for k, v := range d.Extensions {
		ext[k] = v
	}
	ext[key] = value
	d.Extensions = ext
	return d
}

func (d Details) MarshalJSON() ([]byte, error) {
	type plain Details
	base, err := json.Marshal(plain(d))
	if err != nil || len(d.Extensions) == 0 {
		return base, err
	}

	merged := make(map[string]any, len(d.Extensions)+6)
	for k, v := range d.Extensions {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Write sends d with its status code.
func Write(w http.ResponseWriter, d Details) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}

// WriteJSON sends body as a plain JSON response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

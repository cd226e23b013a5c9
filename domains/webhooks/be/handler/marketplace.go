package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, optionally prefixed "sha256=".
const SignatureHeader = "X-Marketplace-Signature"

// Marketplace handles POST /webhooks/marketplace.
func (h *Handler) Marketplace(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	logger := h.loggerFrom(r.Context())

	if h.cfg.MarketplaceSecret != "" && !VerifySignature(h.cfg.MarketplaceSecret, body, r.Header.Get(SignatureHeader)) {
		logger.Warn("marketplace signature rejected")
		problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized,
			"Unauthorized", "missing or invalid "+SignatureHeader))
		return
	}

	fields, err := h.validator.Validate(body)
	if err != nil {
		problem.Write(w, badRequest("%v", err))
		return
	}
	if fields != nil {
		logger.Info("marketplace payload failed schema validation", zap.Any("errors", fields))
		problem.Write(w, validationProblem("payload does not match the lifecycle event schema", fields))
		return
	}

	var payload service.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		problem.Write(w, badRequest("decode payload: %v", err))
		return
	}
	ev, err := payload.Event()
	if err != nil {
		problem.Write(w, badRequest("%v", err))
		return
	}

	res, err := h.pipeline.Ingest(r.Context(), service.Delivery{Source: sourceMarketplace, Event: ev, Payload: body})
	h.respond(w, r, res, err)
}

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares header against the HMAC of body in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

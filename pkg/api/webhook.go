package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// WebhookGate authenticates state-changing requests from the engine. The
// signature is verified over the raw body before any parsing or database
// side effect, and the comparison is constant-time.
type WebhookGate struct {
	secret []byte
	logger *slog.Logger
}

// NewWebhookGate creates a gate for the shared secret. An empty secret means
// the deployment is unsigned; the gate then rejects everything rather than
// failing open.
func NewWebhookGate(secret string) *WebhookGate {
	return &WebhookGate{
		secret: []byte(secret),
		logger: slog.Default().With("component", "webhook-gate"),
	}
}

// Sign computes the hex signature for a body; exported for tests and for the
// engine simulator.
func (g *WebhookGate) Sign(body []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware verifies the signature and replaces the request body with the
// verified bytes so downstream decoding reads exactly what was signed.
func (g *WebhookGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.secret) == 0 {
			g.logger.Error("webhook secret not configured, rejecting request")
			WriteUnauthorized(w, "webhook verification unavailable")
			return
		}

		provided := r.Header.Get(SignatureHeader)
		if provided == "" {
			WriteUnauthorized(w, "missing webhook signature")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			WriteBadRequest(w, "unreadable request body")
			return
		}
		_ = r.Body.Close()

		expected := g.Sign(body)
		providedRaw, err := hex.DecodeString(provided)
		expectedRaw, _ := hex.DecodeString(expected)
		if err != nil || !hmac.Equal(providedRaw, expectedRaw) {
			g.logger.Warn("rejected webhook with invalid signature",
				"path", r.URL.Path, "remote", r.RemoteAddr)
			WriteUnauthorized(w, "invalid webhook signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

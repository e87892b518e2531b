package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ReviewerFromToken extracts a reviewer identity from an optional
// Authorization bearer token (HS256, shared secret). The review-respond
// endpoint is internal-UI-origin; the token only attributes the decision to
// a reviewer, it does not gate access. Absent or unverifiable tokens yield
// an empty identity.
func ReviewerFromToken(r *http.Request, secret string) string {
	if secret == "" {
		return ""
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return ""
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestWebhookGatePassesVerifiedBodyDownstream(t *testing.T) {
	gate := NewWebhookGate("s3cret")
	body := []byte(`{"hello":"world"}`)

	var seen []byte
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, gate.Sign(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, seen)
}

func TestWebhookGateRejectsWithoutSecret(t *testing.T) {
	gate := NewWebhookGate("")
	called := false
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(SignatureHeader, "00")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called)
}

func TestWebhookGateRejectsMalformedSignature(t *testing.T) {
	gate := NewWebhookGate("s3cret")
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(SignatureHeader, "not-hex!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	handler := Idempotency(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteJSON(w, http.StatusOK, map[string]any{"call": calls})
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	second := do()
	require.Equal(t, 1, calls)
	require.Equal(t, first.Body.String(), second.Body.String())
}

func TestIdempotencyDoesNotCacheFailures(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	handler := Idempotency(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			WriteInternal(w, io.ErrUnexpectedEOF)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Idempotency-Key", "key-2")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	require.Equal(t, 2, calls)
}

func TestIdempotencySkipsGetAndMissingKey(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	handler := Idempotency(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	get := httptest.NewRequest(http.MethodGet, "/x", nil)
	get.Header.Set("Idempotency-Key", "key-3")
	handler.ServeHTTP(httptest.NewRecorder(), get)

	post := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{}`)))
	handler.ServeHTTP(httptest.NewRecorder(), post)

	require.Equal(t, 2, calls)
}

func TestLocalRateStoreIsPerKey(t *testing.T) {
	store := NewLocalRateStore(1, 1)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	require.True(t, store.Allow(ctx, "1.2.3.4"))
	require.False(t, store.Allow(ctx, "1.2.3.4"))
	// A different caller has its own bucket.
	require.True(t, store.Allow(ctx, "5.6.7.8"))
}

func TestReviewerFromToken(t *testing.T) {
	secret := "reviewer-secret"
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"sub": "dana"}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	require.Equal(t, "dana", ReviewerFromToken(req, secret))

	// Wrong secret.
	require.Equal(t, "", ReviewerFromToken(req, "other"))

	// No secret configured.
	require.Equal(t, "", ReviewerFromToken(req, ""))

	// No header.
	bare := httptest.NewRequest(http.MethodPost, "/x", nil)
	require.Equal(t, "", ReviewerFromToken(bare, secret))

	// Wrong algorithm family is rejected.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone,
		jwt.MapClaims{"sub": "mallory"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	forged := httptest.NewRequest(http.MethodPost, "/x", nil)
	forged.Header.Set("Authorization", "Bearer "+unsigned)
	require.Equal(t, "", ReviewerFromToken(forged, secret))
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/testutil"
)

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := requireRole(auth.RoleAgent)(ok)

	tests := []struct {
		name   string
		claims *auth.Claims
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"observer below agent", &auth.Claims{Role: auth.RoleObserver}, http.StatusForbidden},
		{"agent", &auth.Claims{Role: auth.RoleAgent, Crew: "outreach"}, http.StatusNoContent},
		{"operator outranks agent", &auth.Claims{Role: auth.RoleOperator}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.claims != nil {
				req = req.WithContext(ctxutil.WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-panic"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decodeAPIError(t, rec)
	assert.Equal(t, model.ErrCodeInternalError, e.Error.Code)
	assert.Equal(t, "req-panic", e.Meta.RequestID)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	t.Run("propagates caller ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	})

	t.Run("replaces oversized ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})
}

func TestSetOwnerReachesNestedWriters(t *testing.T) {
	inner := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	outer := &statusWriter{ResponseWriter: inner, statusCode: http.StatusOK}
	setOwner(outer, "growth-team")
	assert.Equal(t, "growth-team", outer.owner)
	assert.Equal(t, "growth-team", inner.owner)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.WriteHeader(http.StatusAccepted)
	w.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, w.statusCode)
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Reason string `json:"reason"`
	}

	t.Run("empty body allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var b body
		assert.NoError(t, decodeJSON(httptest.NewRecorder(), req, &b, 1024, true))
		assert.Empty(t, b.Reason)
	})

	t.Run("empty body rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		rec := httptest.NewRecorder()
		var b body
		err := decodeJSON(rec, req, &b, 1024, false)
		require.Error(t, err)
		handleDecodeError(rec, req, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "request body is required", decodeAPIError(t, rec).Error.Message)
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"x","extra":1}`))
		rec := httptest.NewRecorder()
		var b body
		err := decodeJSON(rec, req, &b, 1024, false)
		require.Error(t, err)
		handleDecodeError(rec, req, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeAPIError(t, rec).Error.Message, "invalid JSON")
	})

	t.Run("oversized body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"`+strings.Repeat("a", 100)+`"}`))
		rec := httptest.NewRecorder()
		var b body
		err := decodeJSON(rec, req, &b, 16, false)
		require.Error(t, err)
		handleDecodeError(rec, req, err)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authedHandler(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var gotUserID string
	handler := VerifyJWT(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &gotUserID
}

func TestVerifyJWT_ValidToken(t *testing.T) {
	handler, gotUserID := authedHandler(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-123", *gotUserID)
}

func TestVerifyJWT_MissingHeader(t *testing.T) {
	handler, _ := authedHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyJWT_MalformedHeader(t *testing.T) {
	handler, _ := authedHandler(t)

	for _, header := range []string{"Bearer", "Basic dXNlcjpwYXNz", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/builds", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	handler, _ := authedHandler(t)

	token := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyJWT_ExpiredToken(t *testing.T) {
	handler, _ := authedHandler(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractBearerToken(t *testing.T) {
	token, err := extractBearerToken("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	// Scheme is case-insensitive
	token, err = extractBearerToken("bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	_, err = extractBearerToken("abc123")
	assert.Error(t, err)

	_, err = extractBearerToken("Basic abc123")
	assert.Error(t, err)
}

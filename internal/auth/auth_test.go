package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"estatesync/server/internal/errlog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authServer(t *testing.T, authenticated bool, token string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sync-bot", req.Identity)
		assert.Equal(t, "s3cret", req.Secret)
		json.NewEncoder(w).Encode(authResponse{Authenticated: authenticated, AuthToken: token})
	}))
}

func TestAuthenticate(t *testing.T) {
	expiresAt := time.Now().Add(30 * time.Minute).Truncate(time.Second).UTC()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString([]byte("upstream-key"))
	require.NoError(t, err)

	server := authServer(t, true, signed)
	defer server.Close()

	a := NewAuthenticator(server.URL, "sync-bot", "s3cret", time.Second, nil)
	session, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, signed, session.Token)
	require.NotNil(t, session.ExpiresAt)
	assert.True(t, expiresAt.Equal(*session.ExpiresAt))
	assert.True(t, session.ExpiresWithin(time.Now(), time.Hour))
	assert.False(t, session.ExpiresWithin(time.Now(), time.Minute))
}

func TestAuthenticateOpaqueToken(t *testing.T) {
	server := authServer(t, true, "not-a-jwt")
	defer server.Close()

	session, err := NewAuthenticator(server.URL, "sync-bot", "s3cret", time.Second, nil).
		Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not-a-jwt", session.Token)
	assert.Nil(t, session.ExpiresAt)
}

func TestAuthenticateRejected(t *testing.T) {
	server := authServer(t, false, "")
	defer server.Close()

	_, err := NewAuthenticator(server.URL, "sync-bot", "s3cret", time.Second, nil).
		Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAuthenticateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewAuthenticator(server.URL, "", "", time.Second, nil).Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errlog.KindTransport, errlog.Classify(err))
}

func TestAuthenticateWithoutURL(t *testing.T) {
	session, err := NewAuthenticator("", "", "", time.Second, nil).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, session.Token)
}

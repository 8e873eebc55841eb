// Package auth obtains the bearer token a sync run uses against the source.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"estatesync/server/internal/errlog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ErrNotAuthenticated is returned when the auth service rejects the
// credentials.
var ErrNotAuthenticated = errors.New("authentication rejected")

// Session is the result of one successful authentication.
type Session struct {
	Token string
	// Set when the token is a JWT carrying an exp claim
	ExpiresAt *time.Time
}

// ExpiresWithin reports whether the token expires before now+d.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now.Add(d))
}

type authRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	AuthToken     string `json:"auth_token"`
}

// Authenticator calls the auth endpoint with fixed credentials.
type Authenticator struct {
	url        string
	identity   string
	secret     string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewAuthenticator(url, identity, secret string, timeout time.Duration, logger *logrus.Logger) *Authenticator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Authenticator{
		url:        url,
		identity:   identity,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Authenticate exchanges the credentials for a token. With no auth URL
// configured the source is assumed to be open and an empty session is
// returned.
func (a *Authenticator) Authenticate(ctx context.Context) (*Session, error) {
	if a.url == "" {
		return &Session{}, nil
	}

	body, err := json.Marshal(authRequest{Identity: a.identity, Secret: a.secret})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to call auth service: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to read auth response: %w", err))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrNotAuthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errlog.Transport(fmt.Errorf("auth service returned status %d", resp.StatusCode))
	}

	var result authResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to decode auth response: %w", err))
	}
	if !result.Authenticated || result.AuthToken == "" {
		return nil, ErrNotAuthenticated
	}

	session := &Session{Token: result.AuthToken, ExpiresAt: tokenExpiry(result.AuthToken)}
	fields := logrus.Fields{"identity": a.identity}
	if session.ExpiresAt != nil {
		fields["expires_at"] = session.ExpiresAt.Format(time.RFC3339)
	}
	a.logger.WithFields(fields).Info("Authenticated against source")
	return session, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is opaque to this service and only its lifetime matters here.
func tokenExpiry(token string) *time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time.UTC()
	return &t
}

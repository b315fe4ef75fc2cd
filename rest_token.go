package writeq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	defaultTokenLifetime = 25 * time.Minute
	tokenExpiryLeeway    = 30 * time.Second
)

// restTokens caches the bearer token for the REST backend. A token is
// treated as expired tokenExpiryLeeway before its real expiry.
type restTokens struct {
	mu       sync.Mutex
	cfg      oauth2.Config
	email    string
	password string
	http     *http.Client
	now      func() time.Time

	token  string
	expiry time.Time
}

func (t *restTokens) get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && t.now().Before(t.expiry.Add(-tokenExpiryLeeway)) {
		return t.token, nil
	}
	if err := t.login(ctx); err != nil {
		return "", err
	}
	return t.token, nil
}

// invalidate drops the cached token if it is still the one that was
// rejected.
func (t *restTokens) invalidate(rejected string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == rejected {
		t.token = ""
		t.expiry = time.Time{}
	}
}

func (t *restTokens) login(ctx context.Context) error {
	if t.email == "" || t.password == "" {
		return fmt.Errorf("%w: %w: REST credentials are missing", ErrNotConfigured, ErrAuth)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.http)
	tok, err := t.cfg.PasswordCredentialsToken(ctx, t.email, t.password)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			return fmt.Errorf("%w: login rejected with %d", ErrAuth, rerr.Response.StatusCode)
		}
		return fmt.Errorf("%w: login: %v", ErrTransient, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: login returned no access token", ErrAuth)
	}
	t.token = tok.AccessToken
	t.expiry = tokenExpiry(tok, t.now())
	return nil
}

// tokenExpiry prefers expires_in from the login response, then the JWT exp
// claim, then a fixed lifetime. expires_in is applied to now rather than
// taken from tok.Expiry, which oauth2 computes from the wall clock.
func tokenExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if d, ok := expiresIn(tok); ok {
		return now.Add(d)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(defaultTokenLifetime)
}

func expiresIn(tok *oauth2.Token) (time.Duration, bool) {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		secs = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		secs = n
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

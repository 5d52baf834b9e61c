package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/leben-philippka/jamfbridge/api"
)

const (
	oauthTokenPath  = "/api/oauth/token"
	bearerTokenPath = "/api/v1/auth/token"
)

// authScheme identifies one of the two independent authentication schemes.
type authScheme int

const (
	// schemeOAuth is OAuth2 client-credentials against the modern endpoint.
	schemeOAuth authScheme = iota
	// schemeBearerFromBasic is the Basic-Auth-exchanged-for-bearer flow.
	schemeBearerFromBasic
)

func (s authScheme) String() string {
	if s == schemeOAuth {
		return "oauth"
	}
	return "bearer_from_basic"
}

// authToken is one issued credential. Replaced wholesale on refresh or
// reactive re-authentication, never mutated in place.
type authToken struct {
	value    string
	issuedAt time.Time
	lifetime time.Duration
	scheme   authScheme
}

// usable reports whether the token can still authenticate a request: inside
// the declared lifetime minus the refresh buffer. Past that point it is
// treated as absent even if not yet server-expired.
func (t authToken) usable(now time.Time, buffer time.Duration) bool {
	if t.value == "" {
		return false
	}
	return now.Before(t.issuedAt.Add(t.lifetime - buffer))
}

// tokenStore holds at most one token per scheme plus a refresh-in-progress
// guard so concurrent callers observing an expiring token issue one refresh
// between them.
type tokenStore struct {
	mu       sync.Mutex
	tokens   [2]authToken
	inflight [2]chan struct{}
}

func (s *tokenStore) current(scheme authScheme) authToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[scheme]
}

func (s *tokenStore) replace(tok authToken) {
	s.mu.Lock()
	s.tokens[tok.scheme] = tok
	s.mu.Unlock()
}

// invalidateAll drops both cached tokens, forcing full re-authentication.
func (s *tokenStore) invalidateAll() {
	s.mu.Lock()
	s.tokens[schemeOAuth] = authToken{}
	s.tokens[schemeBearerFromBasic] = authToken{}
	s.mu.Unlock()
}

// schemeFor selects the authentication scheme for a request path. Legacy
// endpoints prefer the Basic-exchanged bearer (it always has access to the
// superset API); modern endpoints prefer OAuth2. Either falls back to the
// other configured scheme.
func (c *Client) schemeFor(path string) (authScheme, error) {
	legacy := strings.HasPrefix(path, legacyPathPrefix)
	if legacy {
		if c.hasBasicCredentials() {
			return schemeBearerFromBasic, nil
		}
		if c.hasOAuthCredentials() {
			return schemeOAuth, nil
		}
	} else {
		if c.hasOAuthCredentials() {
			return schemeOAuth, nil
		}
		if c.hasBasicCredentials() {
			return schemeBearerFromBasic, nil
		}
	}
	return 0, &AuthError{Reason: "no credential scheme configured"}
}

func (c *Client) hasBasicCredentials() bool {
	return c.basicUser != "" && c.basicPass != ""
}

func (c *Client) hasOAuthCredentials() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// ensureToken returns a usable token for the scheme, refreshing proactively
// when the cached one is inside the refresh buffer. Concurrent refreshes are
// collapsed: one caller authenticates, the rest wait on its result.
func (c *Client) ensureToken(ctx context.Context, scheme authScheme) (authToken, error) {
	for {
		c.tokens.mu.Lock()
		tok := c.tokens.tokens[scheme]
		if tok.usable(c.clk.Now(), c.refreshBuffer) {
			c.tokens.mu.Unlock()
			return tok, nil
		}
		if waiter := c.tokens.inflight[scheme]; waiter != nil {
			c.tokens.mu.Unlock()
			select {
			case <-waiter:
			case <-ctx.Done():
				return authToken{}, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		c.tokens.inflight[scheme] = done
		c.tokens.mu.Unlock()

		tok, err := c.authenticate(ctx, scheme)
		c.tokens.mu.Lock()
		if err == nil {
			c.tokens.tokens[scheme] = tok
		}
		c.tokens.inflight[scheme] = nil
		c.tokens.mu.Unlock()
		close(done)
		if err != nil {
			return authToken{}, err
		}
		return tok, nil
	}
}

// authenticate performs the network call for the scheme and returns a fresh
// token.
func (c *Client) authenticate(ctx context.Context, scheme authScheme) (authToken, error) {
	issuedAt := c.clk.Now()
	switch scheme {
	case schemeOAuth:
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", c.clientID)
		form.Set("client_secret", c.clientSecret)
		resp, err := c.doOnce(ctx, request{
			method:      http.MethodPost,
			path:        oauthTokenPath,
			body:        []byte(form.Encode()),
			contentType: "application/x-www-form-urlencoded",
			accept:      "application/json",
		}, "")
		if err != nil {
			return authToken{}, &AuthError{Reason: "oauth token request failed", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return authToken{}, &AuthError{Reason: fmt.Sprintf("oauth token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		}
		var payload api.OAuthTokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return authToken{}, &AuthError{Reason: "decode oauth token response", Err: err}
		}
		if payload.AccessToken == "" || payload.ExpiresIn <= 0 {
			return authToken{}, &AuthError{Reason: "oauth token response missing access_token or expires_in"}
		}
		c.logDebugCtx(ctx, "client.auth.oauth.issued", "expires_in", payload.ExpiresIn)
		return authToken{
			value:    payload.AccessToken,
			issuedAt: issuedAt,
			lifetime: time.Duration(payload.ExpiresIn) * time.Second,
			scheme:   schemeOAuth,
		}, nil
	case schemeBearerFromBasic:
		resp, err := c.doOnce(ctx, request{
			method: http.MethodPost,
			path:   bearerTokenPath,
			accept: "application/json",
		}, basicAuthValue(c.basicUser, c.basicPass))
		if err != nil {
			return authToken{}, &AuthError{Reason: "bearer token exchange failed", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return authToken{}, &AuthError{Reason: fmt.Sprintf("bearer token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		}
		var payload api.BearerTokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return authToken{}, &AuthError{Reason: "decode bearer token response", Err: err}
		}
		if payload.Token == "" {
			return authToken{}, &AuthError{Reason: "bearer token response missing token"}
		}
		lifetime := 20 * time.Minute
		if expires, parseErr := time.Parse(time.RFC3339, payload.Expires); parseErr == nil {
			if declared := expires.Sub(issuedAt); declared > 0 {
				lifetime = declared
			}
		}
		c.logDebugCtx(ctx, "client.auth.bearer.issued", "lifetime", lifetime)
		return authToken{
			value:    payload.Token,
			issuedAt: issuedAt,
			lifetime: lifetime,
			scheme:   schemeBearerFromBasic,
		}, nil
	default:
		return authToken{}, &AuthError{Reason: "unknown authentication scheme"}
	}
}

// doAuthenticated attaches credentials and issues the request. On the first
// 401 it invalidates both cached tokens, re-authenticates, and retries the
// original request exactly once; a second 401 surfaces as AuthError.
func (c *Client) doAuthenticated(ctx context.Context, op string, r request) (*http.Response, error) {
	scheme, err := c.schemeFor(r.path)
	if err != nil {
		return nil, err
	}
	authorization, err := c.authorizationValue(ctx, scheme, r.path)
	if err != nil {
		return nil, err
	}
	resp, err := c.doOnce(ctx, r, authorization)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	c.logWarnCtx(ctx, "client.auth.reauth", "op", op, "path", r.path, "scheme", scheme.String())
	c.tokens.invalidateAll()
	tok, err := c.ensureToken(ctx, scheme)
	if err != nil {
		return nil, &AuthError{Reason: "re-authentication after 401 failed", Err: err}
	}
	resp, err = c.doOnce(ctx, r, "Bearer "+tok.value)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		defer resp.Body.Close()
		return nil, &AuthError{Reason: "request rejected again after re-authentication"}
	}
	return resp, nil
}

// authorizationValue resolves the Authorization header for the request. For
// legacy-namespace requests with no bearer token obtainable, a static Basic
// header is the last resort.
func (c *Client) authorizationValue(ctx context.Context, scheme authScheme, path string) (string, error) {
	tok, err := c.ensureToken(ctx, scheme)
	if err == nil {
		return "Bearer " + tok.value, nil
	}
	if strings.HasPrefix(path, legacyPathPrefix) && c.hasBasicCredentials() {
		c.logDebugCtx(ctx, "client.auth.basic_fallback", "path", path)
		return basicAuthValue(c.basicUser, c.basicPass), nil
	}
	return "", err
}

func basicAuthValue(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

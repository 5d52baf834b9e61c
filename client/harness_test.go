package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakePlatform is an in-process stand-in for the upstream platform. Token
// endpoints work out of the box; resource behavior is supplied per test via
// the handle callback.
type fakePlatform struct {
	srv *httptest.Server

	oauthTokens  atomic.Int64
	bearerTokens atomic.Int64
	requests     atomic.Int64

	// rejectBearer makes the Basic-exchange endpoint fail with 500.
	rejectBearer atomic.Bool
	// rejectOAuth makes the OAuth endpoint fail with 500.
	rejectOAuth atomic.Bool
	// tokenDelay stalls token issuance, used to widen refresh races.
	tokenDelay time.Duration

	handle http.HandlerFunc
}

func newFakePlatform(t *testing.T, handle http.HandlerFunc) *fakePlatform {
	t.Helper()
	p := &fakePlatform{handle: handle}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/oauth/token":
		if p.tokenDelay > 0 {
			time.Sleep(p.tokenDelay)
		}
		if p.rejectOAuth.Load() {
			http.Error(w, "oauth backend down", http.StatusInternalServerError)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		n := p.oauthTokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("oauth-token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   1200,
		})
	case "/api/v1/auth/token":
		if p.tokenDelay > 0 {
			time.Sleep(p.tokenDelay)
		}
		if p.rejectBearer.Load() {
			http.Error(w, "token backend down", http.StatusInternalServerError)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			http.Error(w, "missing basic auth", http.StatusUnauthorized)
			return
		}
		n := p.bearerTokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":   fmt.Sprintf("bearer-token-%d", n),
			"expires": time.Now().Add(20 * time.Minute).UTC().Format(time.RFC3339),
		})
	default:
		p.requests.Add(1)
		if p.handle == nil {
			http.NotFound(w, r)
			return
		}
		p.handle(w, r)
	}
}

func (p *fakePlatform) newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithHTTPClient(p.srv.Client()),
		WithBasicCredentials("svc-account", "hunter2"),
		WithOAuthCredentials("client-id", "client-secret"),
		WithHTTPTimeout(5 * time.Second),
		WithVerification(VerifyConfig{Attempts: 3, Delay: time.Millisecond, ConsecutiveReads: 1}),
		WithConflictRetry(3, time.Millisecond),
	}
	c, err := New(p.srv.URL, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

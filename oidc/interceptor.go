package oidc

import (
	"net/http"
	"strings"
	"time"
)

// BearerRoundTripper decorates an http.RoundTripper with the engine's
// access token. Only requests to the allowed urls are touched; everything
// else passes through untouched.
type BearerRoundTripper struct {
	engine          *Engine
	base            http.RoundTripper
	allowedUrls     []string
	sendAccessToken bool
}

// NewBearerRoundTripper creates a transport that attaches the engine's
// access token as a Bearer header to requests whose url starts with one of
// allowedUrls (nil allows every url). With a nil base,
// http.DefaultTransport is used.
//
// When no valid access token is available yet and the configuration sets
// WaitForToken, the transport waits that long for a login to complete
// before sending the request without a token.
func NewBearerRoundTripper(engine *Engine, base http.RoundTripper, allowedUrls []string, sendAccessToken bool) *BearerRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BearerRoundTripper{
		engine:          engine,
		base:            base,
		allowedUrls:     allowedUrls,
		sendAccessToken: sendAccessToken,
	}
}

func (t *BearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.sendAccessToken || !t.urlAllowed(req.URL.String()) {
		return t.base.RoundTrip(req)
	}
	token := t.waitForToken(req)
	if token == "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request
	authenticated := req.Clone(req.Context())
	authenticated.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(authenticated)
}

func (t *BearerRoundTripper) urlAllowed(u string) bool {
	if t.allowedUrls == nil {
		return true
	}
	lc := strings.ToLower(u)
	for _, allowed := range t.allowedUrls {
		if strings.HasPrefix(lc, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

func (t *BearerRoundTripper) waitForToken(req *http.Request) string {
	if t.engine.HasValidAccessToken() {
		return t.engine.GetAccessToken()
	}
	t.engine.mu.Lock()
	wait := t.engine.cfg.WaitForToken
	t.engine.mu.Unlock()
	if wait <= 0 {
		return ""
	}
	events, cancel := t.engine.Events()
	defer cancel()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ""
			}
			if ev.Type() == EventTokenReceived && t.engine.HasValidAccessToken() {
				return t.engine.GetAccessToken()
			}
		case <-deadline.C:
			return ""
		case <-req.Context().Done():
			return ""
		}
	}
}

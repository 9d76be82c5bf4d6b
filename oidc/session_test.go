package oidc

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	engine   *Engine
	platform *fakePlatform
}

func newSessionFixture(t *testing.T, mutate func(*Config)) *sessionFixture {
	t.Helper()
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.ClientId = "spa-client"
	cfg.Issuer = "https://idp.example.com"
	cfg.RedirectUri = "https://app.example.com/callback"
	cfg.SessionChecksEnabled = true
	cfg.SessionCheckIFrameUrl = "https://idp.example.com/check_session"
	cfg.SessionCheckInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	platform := newFakePlatform(t, "https://app.example.com/")
	e, err := NewEngine(cfg, WithPlatform(platform))
	require.NoError(err)
	t.Cleanup(e.Close)
	return &sessionFixture{engine: e, platform: platform}
}

func TestCanPerformSessionCheck(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newSessionFixture(t, nil)
	// no session_state stored yet
	require.False(f.engine.canPerformSessionCheck())

	f.engine.storeSessionState("ss-1")
	require.True(f.engine.canPerformSessionCheck())

	disabled := newSessionFixture(t, func(cfg *Config) { cfg.SessionChecksEnabled = false })
	disabled.engine.storeSessionState("ss-1")
	require.False(disabled.engine.canPerformSessionCheck())

	noFrame := newSessionFixture(t, func(cfg *Config) { cfg.SessionCheckIFrameUrl = "" })
	noFrame.engine.storeSessionState("ss-1")
	require.False(noFrame.engine.canPerformSessionCheck())
}

func TestInitSessionCheckPolls(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()

	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)
	require.True(frame.hidden)
	require.Equal("https://idp.example.com/check_session", frame.src)

	// the poll posts "<client_id> <session_state>" towards the issuer
	require.Eventually(func() bool {
		return len(frame.postedMessages()) >= 2
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal("spa-client ss-1", frame.postedMessages()[0])
}

func TestSessionFrameDispatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)

	events, cancel := f.engine.Events()
	defer cancel()

	frame.deliver("https://idp.example.com", "unchanged")
	waitForEvent(t, events, EventSessionUnchanged)

	frame.deliver("https://idp.example.com", "error")
	waitForEvent(t, events, EventSessionError)
}

func TestSessionFrameDropsWrongOrigin(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)

	events, cancel := f.engine.Events()
	defer cancel()

	frame.deliver("https://evil.example.com", "changed")
	frame.deliver("https://idp.example.com", "unchanged")

	// only the issuer's message gets through
	ev := waitForEvent(t, events, EventSessionUnchanged)
	require.Equal(EventSessionUnchanged, ev.Type())
	for _, typ := range drainEventTypes(events) {
		require.NotEqual(EventSessionChanged, typ)
	}
}

func TestSessionChangeRefreshesCodeFlow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pub, _ := TestGenerateKeys(t)
	idp := newTestIdP(t, TestJWKS(t, pub, "k1"))
	idp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}

	f := newSessionFixture(t, func(cfg *Config) {
		cfg.ResponseType = ResponseTypeCode
		cfg.UseSilentRefresh = false
		cfg.RequireHttps = RequireHTTPSNever
		cfg.TokenEndpoint = idp.server.URL + "/token"
	})
	f.engine.storage.SetItem(storageRefreshToken, "rt-old")
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)

	events, cancel := f.engine.Events()
	defer cancel()

	frame.deliver("https://idp.example.com", "changed")
	waitForEvent(t, events, EventSessionChanged)
	waitForEvent(t, events, EventTokenRefreshed)
	require.Eventually(func() bool {
		return f.engine.GetAccessToken() == "at-new"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSessionChangeTerminatesWhenRefreshFails(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pub, _ := TestGenerateKeys(t)
	idp := newTestIdP(t, TestJWKS(t, pub, "k1"))
	idp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}

	f := newSessionFixture(t, func(cfg *Config) {
		cfg.ResponseType = ResponseTypeCode
		cfg.UseSilentRefresh = false
		cfg.RequireHttps = RequireHTTPSNever
		cfg.TokenEndpoint = idp.server.URL + "/token"
	})
	f.engine.storage.SetItem(storageAccessToken, "at-old")
	f.engine.storage.SetItem(storageRefreshToken, "rt-old")
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)

	events, cancel := f.engine.Events()
	defer cancel()

	frame.deliver("https://idp.example.com", "changed")
	waitForEvent(t, events, EventSessionTerminated)
	waitForEvent(t, events, EventLogout)
	require.Eventually(func() bool {
		return f.engine.GetAccessToken() == ""
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSessionChangeWithoutRefreshPathTerminates(t *testing.T) {
	t.Parallel()

	f := newSessionFixture(t, func(cfg *Config) {
		cfg.UseSilentRefresh = true
		cfg.SilentRefreshRedirectUri = ""
	})
	f.engine.storage.SetItem(storageAccessToken, "at-1")
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(t, frame)

	events, cancel := f.engine.Events()
	defer cancel()

	frame.deliver("https://idp.example.com", "changed")
	waitForEvent(t, events, EventSessionChanged)
	waitForEvent(t, events, EventSessionTerminated)
	waitForEvent(t, events, EventLogout)
}

func TestCheckSessionStopsWithoutSessionState(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := newSessionFixture(t, nil)
	f.engine.storeSessionState("ss-1")
	f.engine.initSessionCheck()
	frame := f.platform.frame(f.engine.Config().SessionCheckIFrameName)
	require.NotNil(frame)

	// once the session_state is gone the poller shuts itself down
	f.engine.storage.RemoveItem(storageSessionState)
	require.Eventually(func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return f.engine.sessionTickerStop == nil
	}, 3*time.Second, 5*time.Millisecond)
}

package oidc

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBearerTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	seen := &[]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = append(*seen, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, seen
}

func seedValidAccessToken(t *testing.T, e *Engine, token string) {
	t.Helper()
	e.storage.SetItem(storageAccessToken, token)
	e.storage.SetItem(storageExpiresAt, strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10))
}

func TestBearerRoundTripper(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server, seen := newBearerTestServer(t)
	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()
	seedValidAccessToken(t, e, "at-1")

	client := &http.Client{Transport: NewBearerRoundTripper(e, nil, nil, true)}
	resp, err := client.Get(server.URL + "/api/things")
	require.NoError(err)
	resp.Body.Close()
	require.Equal([]string{"Bearer at-1"}, *seen)
}

func TestBearerRoundTripperAllowedUrls(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server, seen := newBearerTestServer(t)
	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()
	seedValidAccessToken(t, e, "at-1")

	// only urls under the allowed prefix get the header
	rt := NewBearerRoundTripper(e, nil, []string{server.URL + "/api"}, true)
	client := &http.Client{Transport: rt}

	resp, err := client.Get(server.URL + "/api/things")
	require.NoError(err)
	resp.Body.Close()
	resp, err = client.Get(server.URL + "/public/things")
	require.NoError(err)
	resp.Body.Close()

	require.Equal([]string{"Bearer at-1", ""}, *seen)
}

func TestBearerRoundTripperDisabled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server, seen := newBearerTestServer(t)
	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()
	seedValidAccessToken(t, e, "at-1")

	client := &http.Client{Transport: NewBearerRoundTripper(e, nil, nil, false)}
	resp, err := client.Get(server.URL + "/api/things")
	require.NoError(err)
	resp.Body.Close()
	require.Equal([]string{""}, *seen)
}

func TestBearerRoundTripperWaitsForToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server, seen := newBearerTestServer(t)
	cfg := DefaultConfig()
	cfg.WaitForToken = 3 * time.Second
	e, err := NewEngine(cfg)
	require.NoError(err)
	defer e.Close()

	// the token arrives while the request is already waiting
	go func() {
		time.Sleep(50 * time.Millisecond)
		seedValidAccessToken(t, e, "at-late")
		e.publish(&SuccessEvent{EventType: EventTokenReceived})
	}()

	client := &http.Client{Transport: NewBearerRoundTripper(e, nil, nil, true)}
	resp, err := client.Get(server.URL + "/api/things")
	require.NoError(err)
	resp.Body.Close()
	require.Equal([]string{"Bearer at-late"}, *seen)
}

func TestBearerRoundTripperWaitTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server, seen := newBearerTestServer(t)
	cfg := DefaultConfig()
	cfg.WaitForToken = 30 * time.Millisecond
	e, err := NewEngine(cfg)
	require.NoError(err)
	defer e.Close()

	// no token ever arrives; the request goes out without one
	client := &http.Client{Transport: NewBearerRoundTripper(e, nil, nil, true)}
	resp, err := client.Get(server.URL + "/api/things")
	require.NoError(err)
	resp.Body.Close()
	require.Equal([]string{""}, *seen)
}

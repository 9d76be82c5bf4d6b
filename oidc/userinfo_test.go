package oidc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newUserinfoEngine(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Engine {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.ClientId = "spa-client"
	cfg.RequireHttps = RequireHTTPSNever
	cfg.UserinfoEndpoint = server.URL + "/userinfo"
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	e.storage.SetItem(storageAccessToken, "at-1")
	e.storage.SetItem(storageExpiresAt, strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10))
	return e
}

func TestLoadUserProfile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var authHeader string
	e := newUserinfoEngine(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"user-1","name":"Max Muster","email":"max@example.com"}`))
	}, nil)
	e.storage.SetItem(storageIdTokenClaimsObj, `{"sub":"user-1","iss":"https://idp.example.com"}`)

	events, cancel := e.Events()
	defer cancel()

	info, err := e.LoadUserProfile(context.Background())
	require.NoError(err)
	require.Equal("Bearer at-1", authHeader)
	require.Equal("Max Muster", info.Claims["name"])
	// the stored claims and the response are merged and persisted
	require.Equal("https://idp.example.com", info.Claims["iss"])
	require.Equal("max@example.com", e.GetIdentityClaims()["email"])
	waitForEvent(t, events, EventUserProfileLoaded)
}

func TestLoadUserProfileSubMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newUserinfoEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"somebody-else"}`))
	}, nil)
	e.storage.SetItem(storageIdTokenClaimsObj, `{"sub":"user-1"}`)

	_, err := e.LoadUserProfile(context.Background())
	require.ErrorIs(err, ErrUserInfoFailed)

	// the password flow has no id_token; with oidc off the check is moot
	e2 := newUserinfoEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"somebody-else"}`))
	}, func(cfg *Config) { cfg.Oidc = false })
	_, err = e2.LoadUserProfile(context.Background())
	require.NoError(err)
}

func TestLoadUserProfileNonJSON(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newUserinfoEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jwt")
		w.Write([]byte("header.payload.signature"))
	}, nil)

	info, err := e.LoadUserProfile(context.Background())
	require.NoError(err)
	require.Nil(info.Claims)
	require.Equal("header.payload.signature", info.Raw)
}

func TestLoadUserProfileRequiresAccessToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()

	_, err = e.LoadUserProfile(context.Background())
	require.ErrorIs(err, ErrUserInfoFailed)
}

func TestLoadUserProfileServerError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newUserinfoEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}, nil)

	events, cancel := e.Events()
	defer cancel()

	_, err := e.LoadUserProfile(context.Background())
	require.Error(err)
	waitForEvent(t, events, EventUserProfileLoadError)
}

package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig(),
		WithLogger(hclog.NewNullLogger()),
		WithStorage(NewMemoryStorage()),
	)
	require.NoError(err)
	defer e.Close()

	require.Empty(e.GetAccessToken())
	require.False(e.HasValidAccessToken())
	require.False(e.HasValidIdToken())
	require.False(e.DiscoveryDocumentLoaded())
}

func TestNewEngineInvalidCA(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ProviderCA = "not a pem"
	_, err := NewEngine(cfg)
	require.ErrorIs(t, err, ErrInvalidCACert)
}

func TestValidateUrlForHttps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		policy RequireHTTPS
		url    string
		want   bool
	}{
		{"empty-always-valid", RequireHTTPSAlways, "", true},
		{"https-always", RequireHTTPSAlways, "https://idp.example.com/auth", true},
		{"http-always", RequireHTTPSAlways, "http://idp.example.com/auth", false},
		{"localhost-always", RequireHTTPSAlways, "http://localhost:8080/auth", false},
		{"https-remote-only", RequireHTTPSRemoteOnly, "https://idp.example.com/auth", true},
		{"http-remote-only", RequireHTTPSRemoteOnly, "http://idp.example.com/auth", false},
		{"localhost-remote-only", RequireHTTPSRemoteOnly, "http://localhost/auth", true},
		{"localhost-port-remote-only", RequireHTTPSRemoteOnly, "http://localhost:4200/cb", true},
		{"localhost-bare-remote-only", RequireHTTPSRemoteOnly, "http://localhost", true},
		{"localhost-prefix-trick", RequireHTTPSRemoteOnly, "http://localhost.evil.com/auth", false},
		{"http-never", RequireHTTPSNever, "http://idp.example.com/auth", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.RequireHttps = tt.policy
			e, err := NewEngine(cfg)
			require.NoError(t, err)
			defer e.Close()
			require.Equal(t, tt.want, e.ValidateUrlForHttps(tt.url))
		})
	}
}

func TestAssertUrlNotNullAndCorrectProtocol(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()

	require.ErrorIs(e.assertUrlNotNullAndCorrectProtocol("", "tokenEndpoint"), ErrFatalConfig)
	require.ErrorIs(e.assertUrlNotNullAndCorrectProtocol("http://idp.example.com/token", "tokenEndpoint"), ErrFatalConfig)
	require.NoError(e.assertUrlNotNullAndCorrectProtocol("https://idp.example.com/token", "tokenEndpoint"))
}

func TestHasValidAccessTokenClockSkew(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := newFixedClock(now)

	cfg := DefaultConfig()
	cfg.ClockSkew = 0
	e, err := NewEngine(cfg, WithClock(clock))
	require.NoError(err)
	defer e.Close()

	e.storage.SetItem(storageAccessToken, "tok")
	e.storage.SetItem(storageExpiresAt, strconv.FormatInt(now.UnixMilli()-1, 10))
	require.False(e.HasValidAccessToken())

	// the default ten-minute tolerance keeps the token valid
	withSkew := DefaultConfig()
	e2, err := NewEngine(withSkew, WithClock(clock))
	require.NoError(err)
	defer e2.Close()
	e2.storage.SetItem(storageAccessToken, "tok")
	e2.storage.SetItem(storageExpiresAt, strconv.FormatInt(now.UnixMilli()-1, 10))
	require.True(e2.HasValidAccessToken())

	// a token without a stored expiry is not judged expired
	e.storage.RemoveItem(storageExpiresAt)
	require.True(e.HasValidAccessToken())
}

func testCAPem(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestConfigureSwapsHTTPClient(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.ProviderCA = testCAPem(t)
	e, err := NewEngine(cfg)
	require.NoError(err)
	defer e.Close()
	before := e.httpClient()

	// reconfiguring swaps the owned client while readers may be using it
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if cerr := e.Configure(cfg); cerr != nil {
				t.Error(cerr)
			}
		}()
		go func() {
			defer wg.Done()
			if e.httpClient() == nil {
				t.Error("nil http client")
			}
		}()
	}
	wg.Wait()
	require.NotSame(before, e.httpClient())
}

func TestCalcTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	clock := newFixedClock(now)
	e, err := NewEngine(DefaultConfig(), WithClock(clock))
	require.NoError(err)
	defer e.Close()

	storedAt := now.UnixMilli()
	expiration := storedAt + 60_000
	require.Equal(45*time.Second, e.calcTimeout(storedAt, expiration))

	clock.advance(50 * time.Second)
	require.Equal(time.Duration(0), e.calcTimeout(storedAt, expiration))
}

func TestGetCustomTokenResponseProperty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.CustomTokenParameters = []string{"license_key"}
	e, err := NewEngine(cfg)
	require.NoError(err)
	defer e.Close()

	e.storage.SetItem("license_key", `"abc-123"`)
	e.storage.SetItem("unrecognized", `"nope"`)

	require.Equal("abc-123", e.GetCustomTokenResponseProperty("license_key"))
	require.Nil(e.GetCustomTokenResponseProperty("unrecognized"))
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()
	e.storage.SetItem(storageAccessToken, "tok")
	require.Equal("Bearer tok", e.AuthorizationHeader())
}

func TestParseState(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()

	nonce, userState := e.parseState("abc;my%20route")
	require.Equal("abc", nonce)
	require.Equal("my%20route", userState)

	nonce, userState = e.parseState("abc")
	require.Equal("abc", nonce)
	require.Empty(userState)

	nonce, userState = e.parseState("")
	require.Empty(nonce)
	require.Empty(userState)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	e.Close()
	e.Close()
}

func TestEventsSubscriptionCancel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()

	events, cancel := e.Events()
	e.publish(&InfoEvent{EventType: EventSessionUnchanged})
	ev := waitForEvent(t, events, EventSessionUnchanged)
	require.IsType(&InfoEvent{}, ev)

	cancel()
	cancel() // idempotent
	_, open := <-events
	require.False(open)
}

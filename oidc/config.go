package oidc

import (
	"time"

	jose "gopkg.in/square/go-jose.v2"
)

// RequireHTTPS controls the HTTPS policy applied to every URL the Engine
// touches (login, logout, token, discovery, userinfo, jwks).
type RequireHTTPS string

const (
	// RequireHTTPSAlways requires https for every URL.
	RequireHTTPSAlways RequireHTTPS = "always"

	// RequireHTTPSRemoteOnly allows plain http for localhost while
	// requiring https everywhere else. This is the default.
	RequireHTTPSRemoteOnly RequireHTTPS = "remoteOnly"

	// RequireHTTPSNever disables the policy. Intended for tests and
	// development setups only.
	RequireHTTPSNever RequireHTTPS = "never"
)

// Response types for the authorization request.
const (
	ResponseTypeCode         = "code"
	ResponseTypeIdTokenToken = "id_token token"
	ResponseTypeIdToken      = "id_token"
	ResponseTypeToken        = "token"
)

// Config holds every option of the flow engine. Construct it with
// DefaultConfig and overwrite what the deployment needs; Engine.Configure
// replaces the owned value wholesale (reset-then-apply), it never patches
// individual fields of a previous configuration.
type Config struct {
	// ClientId is the client's id as registered with the auth server.
	ClientId string

	// RedirectUri is the client's redirect uri as registered with the auth
	// server.
	RedirectUri string

	// PostLogoutRedirectUri is an optional second redirect uri the auth
	// server redirects the user to after logging out.
	PostLogoutRedirectUri string

	// RedirectUriAsPostLogoutRedirectUriFallback defines whether to use
	// RedirectUri as a replacement for PostLogoutRedirectUri when the
	// latter is not set.
	RedirectUriAsPostLogoutRedirectUriFallback bool

	// LoginUrl is the auth server's authorization endpoint. Overwritten by
	// the discovery document.
	LoginUrl string

	// LogoutUrl is the auth server's end-session endpoint. May contain the
	// legacy template placeholders {{id_token}} and {{client_id}}.
	LogoutUrl string

	// Issuer is the issuer's uri.
	Issuer string

	// Scope is the set of requested scopes, space separated.
	Scope string

	// Resource is an optional resource indicator appended to the
	// authorization request.
	Resource string

	// ResponseType, when set, overrides the response type derived from
	// Oidc/RequestAccessToken.
	ResponseType string

	// Oidc defines whether OpenId Connect is used, i.e. whether an
	// id_token is required and validated.
	Oidc bool

	// RequestAccessToken defines whether an access token is requested.
	RequestAccessToken bool

	// DisablePKCE turns off PKCE for the code flow. PKCE is on by default
	// and highly recommended.
	DisablePKCE bool

	// UseHttpBasicAuth sends client credentials as an HTTP Basic header
	// instead of body fields on token and revocation requests.
	UseHttpBasicAuth bool

	// DummyClientSecret is for auth servers that demand a client secret
	// from public clients. As the secret is exposed to the public it adds
	// no security and is as good as using none.
	DummyClientSecret string

	// RequireHttps is the HTTPS policy, default RequireHTTPSRemoteOnly.
	RequireHttps RequireHTTPS

	// StrictDiscoveryDocumentValidation requires every url in the
	// discovery document to start with the issuer's url.
	StrictDiscoveryDocumentValidation bool

	// SkipIssuerCheck skips issuer validation for the discovery document
	// and for received id_tokens.
	SkipIssuerCheck bool

	// SkipSubjectCheck skips the sub consistency check when loading the
	// user profile.
	SkipSubjectCheck bool

	// DisableAtHashCheck disables the at_hash check for IdPs that do not
	// deliver one even though the OIDC spec recommends it. The Engine also
	// force-disables the check for the "code" and "id_token" response
	// types, where at_hash is not applicable.
	DisableAtHashCheck bool

	// ClearHashAfterLogin defines whether the location hash is cleared
	// after logging in.
	ClearHashAfterLogin bool

	// SessionChecksEnabled turns on periodic session status checks as
	// described in the OIDC session management spec.
	SessionChecksEnabled bool

	// SessionCheckInterval is the polling interval for session checks.
	SessionCheckInterval time.Duration

	// SessionCheckIFrameUrl is the url of the IdP's check-session iframe.
	// Overwritten by the discovery document when provided there.
	SessionCheckIFrameUrl string

	// SessionCheckIFrameName names the hidden frame used for session
	// checks.
	SessionCheckIFrameName string

	// SilentRefreshRedirectUri is the redirect uri used for silent
	// refresh. Empty means RedirectUri is used.
	SilentRefreshRedirectUri string

	// SilentRefreshMessagePrefix is an optional prefix expected in the
	// payload delivered back from the silent-refresh frame or popup.
	SilentRefreshMessagePrefix string

	// SilentRefreshShowIFrame makes the silent-refresh frame visible for
	// debugging.
	SilentRefreshShowIFrame bool

	// SilentRefreshIFrameName names the hidden frame used for silent
	// refresh.
	SilentRefreshIFrameName string

	// SilentRefreshTimeout bounds how long a silent refresh waits before
	// giving up.
	SilentRefreshTimeout time.Duration

	// UseSilentRefresh forces iframe-based silent refresh even for the
	// code flow, which would otherwise use the refresh_token grant.
	UseSilentRefresh bool

	// UseIdTokenHintForSilentRefresh attaches the current id_token as
	// id_token_hint to silent-refresh requests.
	UseIdTokenHintForSilentRefresh bool

	// TimeoutFactor defines when token_expires is raised as a fraction of
	// the token's life time. 0.75 raises it after 75%.
	TimeoutFactor float64

	// NonceStateSeparator joins the nonce and the caller state into the
	// outgoing state parameter. Default ";".
	NonceStateSeparator string

	// ClockSkew is the tolerated clock skew between client and IdP,
	// applied to expiry checks in both directions. DefaultConfig sets 10
	// minutes; an explicit zero means no tolerance.
	ClockSkew time.Duration

	// FallbackAccessTokenExpiration is used when a token response carries
	// no expires_in. Zero means tokens without expiry are never judged
	// expired by the expiry check alone.
	FallbackAccessTokenExpiration time.Duration

	// CustomTokenParameters names additional token-response fields to
	// persist alongside the token bundle.
	CustomTokenParameters []string

	// CustomQueryParams are appended to authorization, token and
	// revocation requests.
	CustomQueryParams map[string]string

	// Jwks is a pre-supplied JSON Web Key Set used to validate received
	// id_tokens. Normally taken from the discovery document instead.
	Jwks *jose.JSONWebKeySet

	// TokenEndpoint, RevocationEndpoint and UserinfoEndpoint are normally
	// filled in from the discovery document.
	TokenEndpoint      string
	RevocationEndpoint string
	UserinfoEndpoint   string

	// JwksUri is the url the key set is loaded from. Normally filled in
	// from the discovery document.
	JwksUri string

	// ShowDebugInformation gates the Engine's debug logging.
	ShowDebugInformation bool

	// WaitForToken is how long the bearer interceptor waits for an
	// in-flight token before forwarding a request unauthenticated.
	WaitForToken time.Duration

	// PreserveRequestedRoute saves the requested route before a code-flow
	// login and restores it afterwards, enabling deep links.
	PreserveRequestedRoute bool

	// UseRedirectSurvivingStorage stores the nonce and PKCE verifier in
	// the separate redirect-surviving storage (when one is injected)
	// instead of the regular storage. Set it when the host's default
	// storage does not survive a full-page redirect.
	UseRedirectSurvivingStorage bool

	// OpenUri overrides how the Engine navigates to a url. When nil the
	// injected Platform's OpenURL is used.
	OpenUri func(uri string) error

	// ProviderCA is an optional CA cert PEM to trust when sending
	// requests to the provider.
	ProviderCA string
}

// DefaultConfig returns the documented defaults. Every Configure call
// starts from a caller-built Config, so a host that wants defaults plus a
// few overrides mutates the value returned here.
func DefaultConfig() Config {
	return Config{
		Scope:                "openid profile",
		Oidc:                 true,
		RequestAccessToken:   true,
		RequireHttps:         RequireHTTPSRemoteOnly,
		RedirectUriAsPostLogoutRedirectUriFallback: true,
		StrictDiscoveryDocumentValidation:          true,
		ClearHashAfterLogin:                        true,
		TimeoutFactor:                              0.75,
		NonceStateSeparator:                        ";",
		ClockSkew:                                  10 * time.Minute,
		SessionCheckInterval:                       3 * time.Second,
		SessionCheckIFrameName:                     "oidc-check-session-iframe",
		SilentRefreshIFrameName:                    "oidc-silent-refresh-iframe",
		SilentRefreshTimeout:                       20 * time.Second,
	}
}

// normalize fills structural fields that must never be empty, regardless of
// what the caller handed to Configure.
func (c *Config) normalize() {
	if c.NonceStateSeparator == "" {
		c.NonceStateSeparator = ";"
	}
	if c.TimeoutFactor <= 0 || c.TimeoutFactor > 1 {
		c.TimeoutFactor = 0.75
	}
	if c.SessionCheckInterval <= 0 {
		c.SessionCheckInterval = 3 * time.Second
	}
	if c.SilentRefreshTimeout <= 0 {
		c.SilentRefreshTimeout = 20 * time.Second
	}
	if c.SessionCheckIFrameName == "" {
		c.SessionCheckIFrameName = "oidc-check-session-iframe"
	}
	if c.SilentRefreshIFrameName == "" {
		c.SilentRefreshIFrameName = "oidc-silent-refresh-iframe"
	}
	if c.RequireHttps == "" {
		c.RequireHttps = RequireHTTPSRemoteOnly
	}
}

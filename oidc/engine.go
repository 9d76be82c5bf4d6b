package oidc

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/oidcflow/oidcflow/internal/strutils"
	jose "gopkg.in/square/go-jose.v2"
)

// Engine drives the OIDC/OAuth2 flows for a single client: discovery,
// login-url construction, code and implicit flow completion, token
// lifecycle (storage, expiry timers, silent refresh, revocation), id_token
// validation, session status checking and logout.
//
// The Engine owns its Config (composition, not inheritance); Configure
// replaces the owned value wholesale. All collaborators are injected via
// options; every one of them has a workable default except the Platform,
// without which the frame/popup based operations degrade to ErrNoPlatform.
//
// Concurrent TryLogin calls race on the shared nonce and PKCE verifier in
// storage; serializing them is the caller's responsibility. This is a
// documented limitation, matching the single-threaded host the protocol
// state machine was designed for.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	logger     hclog.Logger
	clock      Clock
	storage    Storage
	nonceStore Storage
	hash       HashHandler
	validation ValidationHandler
	platform   Platform
	client     *http.Client
	ownsClient bool

	bus *eventBus

	// state holds the last caller-supplied state string parsed out of a
	// login response.
	state string

	jwks                *jose.JSONWebKeySet
	grantTypesSupported []string
	discoveryLoaded     bool

	// silentRefreshSubject is the sub observed before a silent refresh;
	// a refreshed id_token must carry the same sub.
	silentRefreshSubject string

	inImplicitFlow bool

	accessTokenTimer  *time.Timer
	idTokenTimer      *time.Timer
	tokenReceivedStop func()
	sessionSetupStop  func()
	autoRefreshStop   func()
	sessionFrame      Frame
	sessionTickerStop func()
	silentFrame       Frame

	closed bool
}

// NewEngine creates an Engine for the given configuration.
// Supported options:
//
//	WithLogger, WithStorage, WithNonceStorage, WithClock, WithHashHandler,
//	WithValidationHandler, WithPlatform, WithHTTPClient
//
// See Engine.Close which must be called to release the engine's timers and
// frames.
func NewEngine(cfg Config, opt ...Option) (*Engine, error) {
	const op = "oidc.NewEngine"
	opts := getEngineOpts(opt...)
	e := &Engine{
		logger:     opts.withLogger,
		clock:      opts.withClock,
		storage:    opts.withStorage,
		nonceStore: opts.withNonceStorage,
		hash:       opts.withHashHandler,
		validation: opts.withValidationHandler,
		platform:   opts.withPlatform,
		client:     opts.withHTTPClient,
		bus:        newEventBus(),
	}
	if e.logger == nil {
		e.logger = hclog.NewNullLogger()
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.storage == nil {
		e.storage = NewMemoryStorage()
	}
	if e.hash == nil {
		e.hash = DefaultHashHandler{}
	}
	if e.client == nil {
		client, err := newHTTPClient(cfg.ProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
		e.client = client
		e.ownsClient = true
	}
	if err := e.Configure(cfg); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

// newHTTPClient creates the client used for all IdP requests, trusting the
// optional CA PEM in addition to nothing else when one is given.
func newHTTPClient(caPEM string) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, ErrInvalidCACert
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: certPool}
	}
	return &http.Client{Transport: tr}, nil
}

// Configure replaces the engine's configuration. The new value is applied
// as a whole (reset-then-apply): nothing from a previous Configure call
// survives unless the caller put it into cfg again. Configuring restarts
// the refresh timers and, when session checks are enabled, arms the
// session-check setup.
func (e *Engine) Configure(cfg Config) error {
	const op = "Engine.Configure"
	cfg.normalize()
	e.mu.Lock()
	e.cfg = cfg
	if cfg.Jwks != nil {
		e.jwks = cfg.Jwks
	}
	e.mu.Unlock()
	if e.ownsClient && cfg.ProviderCA != "" {
		client, err := newHTTPClient(cfg.ProviderCA)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		e.mu.Lock()
		e.client = client
		e.mu.Unlock()
	}
	if cfg.SessionChecksEnabled {
		e.setupSessionCheck()
	}
	e.setupRefreshTimer()
	return nil
}

// httpClient returns the client used for IdP requests. Configure may swap
// the owned client, so readers go through here instead of the field.
func (e *Engine) httpClient() *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Close releases the engine's timers, frames and subscriptions. It is
// idempotent and must be called for every Engine created.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.clearAccessTokenTimer()
	e.clearIdTokenTimer()
	e.clearAutomaticRefreshTimer()
	e.stopTokenReceivedSubscription()
	e.stopSessionCheckSetup()
	e.stopSessionCheckTimer()
	e.teardownSessionFrame()
	e.teardownSilentFrame()
	e.bus.close()
}

// Events subscribes to the engine's lifecycle events. The returned cancel
// function releases the subscription; it is idempotent.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.bus.subscribe()
}

// State returns the caller state string recovered from the last parsed
// login response.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DiscoveryDocumentLoaded reports whether a discovery document has been
// loaded and validated.
func (e *Engine) DiscoveryDocumentLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discoveryLoaded
}

// GrantTypesSupported returns the grant types advertised by the discovery
// document.
func (e *Engine) GrantTypesSupported() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.grantTypesSupported...)
}

// Config returns a copy of the engine's current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) debug(msg string, args ...interface{}) {
	e.mu.Lock()
	show := e.cfg.ShowDebugInformation
	e.mu.Unlock()
	if show {
		e.logger.Debug(msg, args...)
	}
}

func (e *Engine) publish(ev Event) {
	e.bus.publish(ev)
}

// localhostHTTP matches the "http://localhost" carve-out of the remoteOnly
// policy: host localhost, optionally with a port, path or nothing at all.
var localhostHTTP = regexp.MustCompile(`^http://localhost($|[:/])`)

// ValidateUrlForHttps applies the HTTPS policy to a url. An empty url is
// valid; everything else must use https unless the policy allows http
// entirely or for localhost.
func (e *Engine) ValidateUrlForHttps(u string) bool {
	if u == "" {
		return true
	}
	e.mu.Lock()
	policy := e.cfg.RequireHttps
	e.mu.Unlock()
	if policy == RequireHTTPSNever {
		return true
	}
	lc := strings.ToLower(u)
	if policy == RequireHTTPSRemoteOnly && localhostHTTP.MatchString(lc) {
		return true
	}
	return strings.HasPrefix(lc, "https://")
}

// assertUrlNotNullAndCorrectProtocol fails fatally when the url is unset
// or violates the HTTPS policy. The message names the offending field and
// the requireHttps escape hatch.
func (e *Engine) assertUrlNotNullAndCorrectProtocol(u, description string) error {
	if u == "" {
		return fmt.Errorf("%q should not be null: %w", description, ErrFatalConfig)
	}
	if !e.ValidateUrlForHttps(u) {
		return fmt.Errorf("%q must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", description, ErrFatalConfig)
	}
	return nil
}

func (e *Engine) validateUrlAgainstIssuer(u string) bool {
	e.mu.Lock()
	strict := e.cfg.StrictDiscoveryDocumentValidation
	issuer := e.cfg.Issuer
	e.mu.Unlock()
	if !strict || u == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(u), strings.ToLower(issuer))
}

// nonceStorage returns the store the nonce and PKCE verifier live in: the
// redirect-surviving store when the configuration demands one and the host
// injected it, the regular store otherwise.
func (e *Engine) nonceStorage() Storage {
	e.mu.Lock()
	survive := e.cfg.UseRedirectSurvivingStorage
	e.mu.Unlock()
	if survive && e.nonceStore != nil {
		return e.nonceStore
	}
	return e.storage
}

// createAndSaveNonce generates a nonce and persists it for the validation
// that happens when the matching response arrives.
func (e *Engine) createAndSaveNonce() (string, error) {
	nonce, err := createNonce()
	if err != nil {
		return "", err
	}
	e.nonceStorage().SetItem(storageNonce, nonce)
	return nonce, nil
}

func (e *Engine) validateNonce(nonceInState string) bool {
	saved, _ := e.nonceStorage().GetItem(storageNonce)
	if saved != nonceInState {
		e.logger.Error("validating access_token failed, wrong state/nonce", "saved", saved, "received", nonceInState)
		return false
	}
	return true
}

// parseState splits a state parameter into the nonce and the caller state
// on the first occurrence of the configured separator.
func (e *Engine) parseState(state string) (nonce, userState string) {
	e.mu.Lock()
	sep := e.cfg.NonceStateSeparator
	e.mu.Unlock()
	nonce = state
	if state != "" {
		if idx := strings.Index(state, sep); idx > -1 {
			nonce = state[:idx]
			userState = state[idx+len(sep):]
		}
	}
	return nonce, userState
}

// -- token bundle accessors -------------------------------------------------

// GetAccessToken returns the current access_token.
func (e *Engine) GetAccessToken() string {
	v, _ := e.storage.GetItem(storageAccessToken)
	return v
}

// GetRefreshToken returns the current refresh_token.
func (e *Engine) GetRefreshToken() string {
	v, _ := e.storage.GetItem(storageRefreshToken)
	return v
}

// GetIdToken returns the current raw id_token.
func (e *Engine) GetIdToken() string {
	v, _ := e.storage.GetItem(storageIdToken)
	return v
}

// GetIdentityClaims returns the received claims about the user, or nil.
func (e *Engine) GetIdentityClaims() map[string]interface{} {
	raw, ok := e.storage.GetItem(storageIdTokenClaimsObj)
	if !ok {
		return nil
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil
	}
	return claims
}

// GetGrantedScopes returns the scopes the server granted, or nil.
func (e *Engine) GetGrantedScopes() []string {
	raw, ok := e.storage.GetItem(storageGrantedScopes)
	if !ok {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil
	}
	return scopes
}

// GetSessionState returns the persisted session_state.
func (e *Engine) GetSessionState() string {
	v, _ := e.storage.GetItem(storageSessionState)
	return v
}

func (e *Engine) storeSessionState(sessionState string) {
	e.storage.SetItem(storageSessionState, sessionState)
}

// GetAccessTokenExpiration returns the access token expiry as epoch
// milliseconds, or 0 when no expiry is stored.
func (e *Engine) GetAccessTokenExpiration() int64 {
	return e.storedMs(storageExpiresAt)
}

// GetIdTokenExpiration returns the id token expiry as epoch milliseconds,
// or 0 when no expiry is stored.
func (e *Engine) GetIdTokenExpiration() int64 {
	return e.storedMs(storageIdTokenExpiresAt)
}

func (e *Engine) getAccessTokenStoredAt() int64 { return e.storedMs(storageAccessTokenStoredAt) }
func (e *Engine) getIdTokenStoredAt() int64     { return e.storedMs(storageIdTokenStoredAt) }

func (e *Engine) storedMs(key string) int64 {
	raw, ok := e.storage.GetItem(key)
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// HasValidAccessToken reports whether a non-expired access_token is
// stored. A token without a stored expiry is never judged expired by this
// check alone.
func (e *Engine) HasValidAccessToken() bool {
	if e.GetAccessToken() == "" {
		return false
	}
	return e.storedTokenValid(storageExpiresAt)
}

// HasValidIdToken reports whether a non-expired id_token is stored.
func (e *Engine) HasValidIdToken() bool {
	if e.GetIdToken() == "" {
		return false
	}
	return e.storedTokenValid(storageIdTokenExpiresAt)
}

func (e *Engine) storedTokenValid(expiryKey string) bool {
	raw, ok := e.storage.GetItem(expiryKey)
	if !ok || raw == "" {
		return true
	}
	expiresAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	e.mu.Lock()
	skewMs := e.cfg.ClockSkew.Milliseconds()
	e.mu.Unlock()
	// valid iff now - skew < expires_at
	return nowMs(e.clock)-skewMs < expiresAt
}

// AuthorizationHeader returns the header value that transmits the access
// token to a resource server.
func (e *Engine) AuthorizationHeader() string {
	return "Bearer " + e.GetAccessToken()
}

// GetCustomTokenResponseProperty retrieves a persisted custom property of
// the token response. Only properties named in CustomTokenParameters are
// recognized. The stored JSON is decoded before being returned.
func (e *Engine) GetCustomTokenResponseProperty(requestedProperty string) interface{} {
	e.mu.Lock()
	recognized := strutils.StrListContains(e.cfg.CustomTokenParameters, requestedProperty)
	e.mu.Unlock()
	if !recognized {
		return nil
	}
	raw, ok := e.storage.GetItem(requestedProperty)
	if !ok {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// storeAccessTokenResponse persists the access/refresh token bundle.
func (e *Engine) storeAccessTokenResponse(accessToken, refreshToken string, expiresIn int64, grantedScopes string, customParameters map[string]string) {
	e.storage.SetItem(storageAccessToken, accessToken)
	if grantedScopes != "" {
		encoded, err := json.Marshal(strings.Split(grantedScopes, " "))
		if err == nil {
			e.storage.SetItem(storageGrantedScopes, string(encoded))
		}
	}
	now := nowMs(e.clock)
	e.storage.SetItem(storageAccessTokenStoredAt, strconv.FormatInt(now, 10))
	if expiresIn > 0 {
		expiresAt := now + expiresIn*1000
		e.storage.SetItem(storageExpiresAt, strconv.FormatInt(expiresAt, 10))
	}
	if refreshToken != "" {
		e.storage.SetItem(storageRefreshToken, refreshToken)
	}
	for key, value := range customParameters {
		e.storage.SetItem(key, value)
	}
}

func (e *Engine) storeIdToken(parsed *ParsedIdToken) {
	e.storage.SetItem(storageIdToken, parsed.IdToken)
	e.storage.SetItem(storageIdTokenClaimsObj, parsed.IdTokenClaimsJson)
	e.storage.SetItem(storageIdTokenExpiresAt, strconv.FormatInt(parsed.IdTokenExpiresAt, 10))
	e.storage.SetItem(storageIdTokenStoredAt, strconv.FormatInt(nowMs(e.clock), 10))
}

// -- requested route --------------------------------------------------------

func (e *Engine) saveRequestedRoute() {
	e.mu.Lock()
	preserve := e.cfg.PreserveRequestedRoute
	e.mu.Unlock()
	if !preserve || e.platform == nil {
		return
	}
	loc := e.platform.Location()
	if loc == nil {
		return
	}
	route := loc.Path
	if loc.RawQuery != "" {
		route += "?" + loc.RawQuery
	}
	e.storage.SetItem(storageRequestedRoute, route)
}

func (e *Engine) restoreRequestedRoute() {
	route, ok := e.storage.GetItem(storageRequestedRoute)
	if !ok || route == "" || e.platform == nil {
		return
	}
	loc := e.platform.Location()
	if loc == nil {
		return
	}
	e.platform.ReplaceLocation(loc.Scheme + "://" + loc.Host + route)
}

// scrubLoginParams removes the flow-completion parameters from the visible
// url via a history replace, so that re-reading the query yields none of
// them.
func (e *Engine) scrubLoginParams() {
	if e.platform == nil {
		return
	}
	loc := e.platform.Location()
	if loc == nil {
		return
	}
	q := loc.Query()
	for _, key := range []string{"code", "scope", "state", "session_state"} {
		q.Del(key)
	}
	scrubbed := *loc
	scrubbed.RawQuery = q.Encode()
	e.platform.ReplaceLocation(scrubbed.String())
}

// clearLocationHash drops the location's fragment if one is present.
func (e *Engine) clearLocationHash() {
	if e.platform == nil {
		return
	}
	loc := e.platform.Location()
	if loc == nil || loc.Fragment == "" {
		return
	}
	cleared := *loc
	cleared.Fragment = ""
	e.platform.ReplaceLocation(cleared.String())
}

func (e *Engine) openUri(uri string) error {
	e.mu.Lock()
	open := e.cfg.OpenUri
	e.mu.Unlock()
	if open != nil {
		return open(uri)
	}
	if e.platform == nil {
		return fmt.Errorf("cannot navigate to %q: %w", uri, ErrNoPlatform)
	}
	return e.platform.OpenURL(uri)
}

// currentLocationValues reads the current location's query values, used by
// the code-flow completion when no custom fragment is supplied.
func (e *Engine) currentLocation() *url.URL {
	if e.platform == nil {
		return nil
	}
	return e.platform.Location()
}

package oidc

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
)

var openidScope = regexp.MustCompile(`(^|\s)openid($|\s)`)

// CreateLoginURL builds the authorization-request url. The outgoing state
// parameter packs the nonce and the caller's state as
// "nonce<separator>urlencode(state)"; without caller state it is the bare
// nonce. For the code flow a PKCE verifier is generated and persisted and
// the S256 challenge is attached, unless PKCE is disabled.
func (e *Engine) CreateLoginURL(ctx context.Context, state, loginHint, customRedirectUri string, noPrompt bool, params map[string]string) (string, error) {
	const op = "Engine.CreateLoginURL"
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	redirectUri := cfg.RedirectUri
	if customRedirectUri != "" {
		redirectUri = customRedirectUri
	}

	nonce, err := e.createAndSaveNonce()
	if err != nil {
		return "", fmt.Errorf("%s: unable to create nonce: %w", op, err)
	}
	if state != "" {
		state = nonce + cfg.NonceStateSeparator + url.QueryEscape(state)
	} else {
		state = nonce
	}

	if !cfg.RequestAccessToken && !cfg.Oidc {
		return "", fmt.Errorf("%s: either requestAccessToken or oidc or both must be true: %w", op, ErrFatalConfig)
	}

	responseType := cfg.ResponseType
	if responseType == "" {
		switch {
		case cfg.Oidc && cfg.RequestAccessToken:
			responseType = ResponseTypeIdTokenToken
		case cfg.Oidc:
			responseType = ResponseTypeIdToken
		default:
			responseType = ResponseTypeToken
		}
	}

	scope := cfg.Scope
	if cfg.Oidc && !openidScope.MatchString(scope) {
		scope = "openid " + scope
	}

	oauthCfg := oauth2.Config{
		ClientID:    cfg.ClientId,
		RedirectURL: redirectUri,
		Scopes:      strings.Fields(scope),
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.LoginUrl},
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", responseType),
	}
	if responseType == ResponseTypeCode && !cfg.DisablePKCE {
		challenge, verifier, err := e.createChallengeVerifierPair(ctx)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		e.nonceStorage().SetItem(storagePKCEVerifier, verifier)
		authOpts = append(authOpts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if loginHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	if cfg.Resource != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("resource", cfg.Resource))
	}
	if cfg.Oidc {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if noPrompt {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "none"))
	}
	// Per-call params first, configured params last: on a key collision the
	// configuration wins.
	for key, value := range params {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(key, value))
	}
	for key, value := range cfg.CustomQueryParams {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(key, value))
	}

	return oauthCfg.AuthCodeURL(state, authOpts...), nil
}

// InitLoginFlow starts a fresh login, dispatching on the response type:
// code flow for "code", implicit flow otherwise.
func (e *Engine) InitLoginFlow(ctx context.Context, additionalState string, params map[string]string) error {
	e.mu.Lock()
	responseType := e.cfg.ResponseType
	e.mu.Unlock()
	if responseType == ResponseTypeCode {
		return e.InitCodeFlow(ctx, additionalState, params)
	}
	return e.InitImplicitFlow(ctx, additionalState, params)
}

// InitCodeFlow navigates the user to the authorization endpoint for an
// authorization-code login. When the discovery document has not been
// loaded yet the navigation is deferred until it is.
func (e *Engine) InitCodeFlow(ctx context.Context, additionalState string, params map[string]string) error {
	e.mu.Lock()
	ready := e.cfg.LoginUrl != ""
	e.mu.Unlock()
	if ready {
		return e.initCodeFlowInternal(ctx, additionalState, params)
	}
	e.deferUntilDiscovered(func() {
		if err := e.initCodeFlowInternal(context.Background(), additionalState, params); err != nil {
			e.logger.Error("error starting deferred code flow", "error", err)
		}
	})
	return nil
}

func (e *Engine) initCodeFlowInternal(ctx context.Context, additionalState string, params map[string]string) error {
	const op = "Engine.initCodeFlowInternal"
	e.mu.Lock()
	loginUrl := e.cfg.LoginUrl
	e.mu.Unlock()
	if !e.ValidateUrlForHttps(loginUrl) {
		return fmt.Errorf("%s: loginUrl must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}
	loginHint := ""
	if v, ok := params["login_hint"]; ok {
		loginHint = v
		rest := make(map[string]string, len(params))
		for key, value := range params {
			if key != "login_hint" {
				rest[key] = value
			}
		}
		params = rest
	}
	uri, err := e.CreateLoginURL(ctx, additionalState, loginHint, "", false, params)
	if err != nil {
		return fmt.Errorf("%s: error in initAuthorizationCodeFlow: %w", op, err)
	}
	return e.openUri(uri)
}

// InitImplicitFlow navigates the user to the authorization endpoint for an
// implicit-flow login, deferring until discovery when necessary. Entering
// the flow is recorded so that a response fragment is only interpreted when
// a flow is actually in progress.
func (e *Engine) InitImplicitFlow(ctx context.Context, additionalState string, params map[string]string) error {
	e.mu.Lock()
	ready := e.cfg.LoginUrl != ""
	e.mu.Unlock()
	if ready {
		return e.initImplicitFlowInternal(ctx, additionalState, params)
	}
	e.deferUntilDiscovered(func() {
		if err := e.initImplicitFlowInternal(context.Background(), additionalState, params); err != nil {
			e.logger.Error("error starting deferred implicit flow", "error", err)
		}
	})
	return nil
}

func (e *Engine) initImplicitFlowInternal(ctx context.Context, additionalState string, params map[string]string) error {
	const op = "Engine.initImplicitFlowInternal"
	e.mu.Lock()
	loginUrl := e.cfg.LoginUrl
	e.inImplicitFlow = true
	e.mu.Unlock()
	if !e.ValidateUrlForHttps(loginUrl) {
		return fmt.Errorf("%s: loginUrl must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}
	loginHint := ""
	if v, ok := params["login_hint"]; ok {
		loginHint = v
		rest := make(map[string]string, len(params))
		for key, value := range params {
			if key != "login_hint" {
				rest[key] = value
			}
		}
		params = rest
	}
	uri, err := e.CreateLoginURL(ctx, additionalState, loginHint, "", false, params)
	if err != nil {
		return fmt.Errorf("%s: error in initImplicitFlow: %w", op, err)
	}
	return e.openUri(uri)
}

// ResetImplicitFlow clears the in-progress marker, allowing a new implicit
// login after an abandoned one.
func (e *Engine) ResetImplicitFlow() {
	e.mu.Lock()
	e.inImplicitFlow = false
	e.mu.Unlock()
}

// deferUntilDiscovered runs fn once the next discovery document has been
// loaded. Used to queue login navigation requested before discovery.
func (e *Engine) deferUntilDiscovered(fn func()) {
	events, cancel := e.bus.subscribe()
	go func() {
		defer cancel()
		for ev := range events {
			if _, ok := ev.(*SuccessEvent); ok && ev.Type() == EventDiscoveryDocumentLoaded {
				fn()
				return
			}
		}
	}()
}

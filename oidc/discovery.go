package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	jose "gopkg.in/square/go-jose.v2"
)

// DiscoveryDocument is the subset of the provider metadata the Engine
// consumes. Endpoints missing from the document leave the corresponding
// configured value untouched.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JwksUri               string   `json:"jwks_uri"`
	RevocationEndpoint    string   `json:"revocation_endpoint"`
	CheckSessionIFrame    string   `json:"check_session_iframe"`
	GrantTypesSupported   []string `json:"grant_types_supported"`
}

// DiscoveryInfo is the payload of the final "discovery_document_loaded"
// SuccessEvent: the validated document plus the key set loaded from its
// jwks_uri.
type DiscoveryInfo struct {
	DiscoveryDocument *DiscoveryDocument
	Jwks              *jose.JSONWebKeySet
}

// LoadDiscoveryDocument fetches and validates the provider metadata and
// adopts its endpoints into the configuration. With an empty fullUrl the
// well-known location under the configured issuer is used.
//
// On success a "discovery_document_loaded" SuccessEvent carrying a
// DiscoveryInfo is published. A failure to load the key set afterwards
// publishes "jwks_load_error" followed by "discovery_document_load_error"
// and fails the whole call, even though the document itself was adopted.
func (e *Engine) LoadDiscoveryDocument(ctx context.Context, fullUrl string) (*DiscoveryInfo, error) {
	const op = "Engine.LoadDiscoveryDocument"
	if fullUrl == "" {
		e.mu.Lock()
		fullUrl = e.cfg.Issuer
		e.mu.Unlock()
		if !strings.HasSuffix(fullUrl, "/") {
			fullUrl += "/"
		}
		fullUrl += ".well-known/openid-configuration"
	}
	if !e.ValidateUrlForHttps(fullUrl) {
		return nil, fmt.Errorf("%s: issuer must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}

	doc := &DiscoveryDocument{}
	if err := e.getJSON(ctx, fullUrl, doc); err != nil {
		e.logger.Error("error loading discovery document", "error", err)
		e.publish(&ErrorEvent{EventType: EventDiscoveryDocumentLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !e.validateDiscoveryDocument(doc) {
		e.publish(&ErrorEvent{EventType: EventDiscoveryDocumentValidationError})
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidIssuer)
	}

	e.mu.Lock()
	e.cfg.LoginUrl = doc.AuthorizationEndpoint
	if doc.EndSessionEndpoint != "" {
		e.cfg.LogoutUrl = doc.EndSessionEndpoint
	}
	e.grantTypesSupported = doc.GrantTypesSupported
	e.cfg.Issuer = doc.Issuer
	e.cfg.TokenEndpoint = doc.TokenEndpoint
	if doc.UserinfoEndpoint != "" {
		e.cfg.UserinfoEndpoint = doc.UserinfoEndpoint
	}
	e.cfg.JwksUri = doc.JwksUri
	if doc.CheckSessionIFrame != "" {
		e.cfg.SessionCheckIFrameUrl = doc.CheckSessionIFrame
	}
	if doc.RevocationEndpoint != "" {
		e.cfg.RevocationEndpoint = doc.RevocationEndpoint
	}
	e.discoveryLoaded = true
	sessionChecks := e.cfg.SessionChecksEnabled
	e.mu.Unlock()

	if sessionChecks {
		e.restartSessionChecksIfStillLoggedIn()
	}

	jwks, err := e.loadJwks(ctx)
	if err != nil {
		e.publish(&ErrorEvent{EventType: EventDiscoveryDocumentLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	info := &DiscoveryInfo{DiscoveryDocument: doc, Jwks: jwks}
	e.publish(&SuccessEvent{EventType: EventDiscoveryDocumentLoaded, Info: info})
	return info, nil
}

// loadJwks loads the key set from the configured jwks_uri. A configuration
// without one yields no keys and no error.
func (e *Engine) loadJwks(ctx context.Context) (*jose.JSONWebKeySet, error) {
	const op = "Engine.loadJwks"
	e.mu.Lock()
	jwksUri := e.cfg.JwksUri
	e.mu.Unlock()
	if jwksUri == "" {
		return nil, nil
	}
	jwks := &jose.JSONWebKeySet{}
	if err := e.getJSON(ctx, jwksUri, jwks); err != nil {
		e.logger.Error("error loading jwks", "error", err)
		e.publish(&ErrorEvent{EventType: EventJwksLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.mu.Lock()
	e.jwks = jwks
	e.cfg.Jwks = jwks
	e.mu.Unlock()
	e.publish(&SuccessEvent{EventType: EventDiscoveryDocumentLoaded})
	return jwks, nil
}

// validateDiscoveryDocument checks the document's issuer and url set. A
// token_endpoint or revocation_endpoint violating the url rules is logged
// but tolerated; the other endpoints are mandatory-valid.
func (e *Engine) validateDiscoveryDocument(doc *DiscoveryDocument) bool {
	e.mu.Lock()
	skipIssuerCheck := e.cfg.SkipIssuerCheck
	issuer := e.cfg.Issuer
	sessionChecks := e.cfg.SessionChecksEnabled
	e.mu.Unlock()

	if !skipIssuerCheck && doc.Issuer != issuer {
		e.logger.Error("invalid issuer in discovery document", "expected", issuer, "current", doc.Issuer)
		return false
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.AuthorizationEndpoint); len(errs) > 0 {
		e.logger.Error("error validating authorization_endpoint in discovery document", "errors", errs)
		return false
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.EndSessionEndpoint); len(errs) > 0 {
		e.logger.Error("error validating end_session_endpoint in discovery document", "errors", errs)
		return false
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.TokenEndpoint); len(errs) > 0 {
		e.logger.Error("error validating token_endpoint in discovery document", "errors", errs)
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.RevocationEndpoint); len(errs) > 0 {
		e.logger.Error("error validating revocation_endpoint in discovery document", "errors", errs)
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.UserinfoEndpoint); len(errs) > 0 {
		e.logger.Error("error validating userinfo_endpoint in discovery document", "errors", errs)
		return false
	}
	if errs := e.validateUrlFromDiscoveryDocument(doc.JwksUri); len(errs) > 0 {
		e.logger.Error("error validating jwks_uri in discovery document", "errors", errs)
		return false
	}
	if sessionChecks && doc.CheckSessionIFrame == "" {
		e.logger.Warn("sessionChecksEnabled is activated but discovery document does not contain a check_session_iframe field")
	}
	return true
}

func (e *Engine) validateUrlFromDiscoveryDocument(u string) []string {
	var errs []string
	if !e.ValidateUrlForHttps(u) {
		errs = append(errs, "https for all urls required. Also for urls received by discovery")
	}
	if !e.validateUrlAgainstIssuer(u) {
		errs = append(errs, "every url in discovery document has to start with the issuer url. Also see property strictDiscoveryDocumentValidation")
	}
	return errs
}

// LoadDiscoveryDocumentAndTryLogin loads the discovery document and then
// attempts to interpret the current location as a login response. The
// returned bool follows TryLogin's contract.
func (e *Engine) LoadDiscoveryDocumentAndTryLogin(ctx context.Context, options *LoginOptions) (bool, error) {
	if _, err := e.LoadDiscoveryDocument(ctx, ""); err != nil {
		return false, err
	}
	return e.TryLogin(ctx, options)
}

// LoadDiscoveryDocumentAndLogin is the convenience bootstrap: discovery,
// then TryLogin, then — when no valid tokens resulted — a fresh login flow.
// It returns true when valid tokens are available without a redirect.
func (e *Engine) LoadDiscoveryDocumentAndLogin(ctx context.Context, options *LoginOptions, additionalState string) (bool, error) {
	if _, err := e.LoadDiscoveryDocumentAndTryLogin(ctx, options); err != nil {
		return false, err
	}
	if e.HasValidIdToken() && e.HasValidAccessToken() {
		return true, nil
	}
	e.mu.Lock()
	preserve := e.cfg.PreserveRequestedRoute
	e.mu.Unlock()
	if preserve {
		e.saveRequestedRoute()
	}
	if err := e.InitLoginFlow(ctx, additionalState, nil); err != nil {
		return false, err
	}
	return false, nil
}

// getJSON issues a GET for a JSON resource and decodes the response into
// out. Non-2xx statuses fail with a snippet of the body.
func (e *Engine) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := e.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, u, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unable to decode response from %s: %w", u, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

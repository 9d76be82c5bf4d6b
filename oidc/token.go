package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// TokenResponse is a decoded response of the token endpoint. Raw holds the
// complete decoded body, which is where the recognized custom parameters
// are extracted from.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IdToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`

	Raw map[string]interface{} `json:"-"`
}

func decodeTokenResponse(body []byte) (*TokenResponse, error) {
	resp := &TokenResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err == nil {
		resp.Raw = raw
	}
	return resp, nil
}

// transportError marks a failure that happened before any HTTP status was
// received. Revocation's ignoreCorsIssues mode swallows exactly these.
type transportError struct{ err error }

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

// addClientAuth attaches the client credentials, either as an HTTP Basic
// header or as body fields.
func (e *Engine) addClientAuth(params url.Values, headers http.Header) {
	e.mu.Lock()
	clientId := e.cfg.ClientId
	secret := e.cfg.DummyClientSecret
	basic := e.cfg.UseHttpBasicAuth
	e.mu.Unlock()
	if basic {
		credentials := base64.StdEncoding.EncodeToString([]byte(clientId + ":" + secret))
		headers.Set("Authorization", "Basic "+credentials)
		return
	}
	params.Set("client_id", clientId)
	if secret != "" {
		params.Set("client_secret", secret)
	}
}

func (e *Engine) addCustomQueryParams(params url.Values) {
	e.mu.Lock()
	custom := e.cfg.CustomQueryParams
	e.mu.Unlock()
	for key, value := range custom {
		params.Set(key, value)
	}
}

// postForm posts a form-encoded body and returns the response body.
// Failures before a status was received come back as a *transportError.
func (e *Engine) postForm(ctx context.Context, endpoint string, params url.Values, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, &transportError{err: err}
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, endpoint, truncate(body, 200))
	}
	return body, nil
}

func parseExpiresIn(raw string, fallback time.Duration) int64 {
	if raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			return v
		}
	}
	return int64(fallback.Seconds())
}

func expiresInOrFallback(expiresIn int64, fallback time.Duration) int64 {
	if expiresIn > 0 {
		return expiresIn
	}
	return int64(fallback.Seconds())
}

// extractRecognizedCustomParameters picks the configured custom parameters
// out of a token response. Values are stored JSON-encoded, whatever their
// type.
func (e *Engine) extractRecognizedCustomParameters(resp *TokenResponse) map[string]string {
	e.mu.Lock()
	recognized := e.cfg.CustomTokenParameters
	e.mu.Unlock()
	if len(recognized) == 0 || resp.Raw == nil {
		return nil
	}
	found := map[string]string{}
	for _, name := range recognized {
		value, ok := resp.Raw[name]
		if !ok || value == nil {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			continue
		}
		found[name] = string(encoded)
	}
	return found
}

// getTokenFromCode exchanges an authorization code, attaching the stored
// PKCE verifier unless PKCE is disabled.
func (e *Engine) getTokenFromCode(ctx context.Context, code string, options *LoginOptions) (*TokenResponse, error) {
	e.mu.Lock()
	redirectUri := e.cfg.RedirectUri
	disablePKCE := e.cfg.DisablePKCE
	e.mu.Unlock()
	if options.CustomRedirectUri != "" {
		redirectUri = options.CustomRedirectUri
	}
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("code", code)
	params.Set("redirect_uri", redirectUri)
	if !disablePKCE {
		verifier, ok := e.nonceStorage().GetItem(storagePKCEVerifier)
		if !ok || verifier == "" {
			e.logger.Warn("no PKCE verifier found in oauth storage")
		} else {
			params.Set("code_verifier", verifier)
		}
	}
	return e.fetchAndProcessToken(ctx, params, options)
}

// fetchAndProcessToken posts to the token endpoint and installs the
// resulting token bundle, validating a contained id_token. Success is
// signalled with both "token_received" and "token_refreshed".
func (e *Engine) fetchAndProcessToken(ctx context.Context, params url.Values, options *LoginOptions) (*TokenResponse, error) {
	const op = "Engine.fetchAndProcessToken"
	if options == nil {
		options = &LoginOptions{}
	}
	e.mu.Lock()
	tokenEndpoint := e.cfg.TokenEndpoint
	oidc := e.cfg.Oidc
	fallback := e.cfg.FallbackAccessTokenExpiration
	e.mu.Unlock()
	if err := e.assertUrlNotNullAndCorrectProtocol(tokenEndpoint, "tokenEndpoint"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	headers := http.Header{}
	e.addClientAuth(params, headers)
	e.addCustomQueryParams(params)

	body, err := e.postForm(ctx, tokenEndpoint, params, headers)
	if err == nil {
		var resp *TokenResponse
		resp, err = decodeTokenResponse(body)
		if err == nil {
			e.debug("refresh tokenResponse")
			e.storeAccessTokenResponse(resp.AccessToken, resp.RefreshToken,
				expiresInOrFallback(resp.ExpiresIn, fallback), resp.Scope,
				e.extractRecognizedCustomParameters(resp))
			if oidc && resp.IdToken != "" {
				result, verr := e.ProcessIdToken(ctx, resp.IdToken, resp.AccessToken, options.DisableNonceCheck)
				if verr != nil {
					e.publish(&ErrorEvent{EventType: EventTokenValidationError, Reason: verr})
					e.logger.Error("error validating tokens", "error", verr)
					return nil, fmt.Errorf("%s: %w", op, verr)
				}
				e.storeIdToken(result)
			}
			e.publish(&SuccessEvent{EventType: EventTokenReceived})
			e.publish(&SuccessEvent{EventType: EventTokenRefreshed})
			return resp, nil
		}
	}
	e.logger.Error("error getting token", "error", err)
	e.publish(&ErrorEvent{EventType: EventTokenRefreshError, Reason: err})
	return nil, fmt.Errorf("%s: %w", op, err)
}

// FetchTokenUsingPasswordFlow exchanges a username and password for tokens
// via the resource-owner password grant.
func (e *Engine) FetchTokenUsingPasswordFlow(ctx context.Context, userName, password string, headers http.Header) (*TokenResponse, error) {
	parameters := map[string]string{
		"username": userName,
		"password": password,
	}
	return e.FetchTokenUsingGrant(ctx, "password", parameters, headers)
}

// FetchTokenUsingPasswordFlowAndLoadUserProfile runs the password grant and
// then loads the user profile from the userinfo endpoint.
func (e *Engine) FetchTokenUsingPasswordFlowAndLoadUserProfile(ctx context.Context, userName, password string, headers http.Header) (*UserInfo, error) {
	if _, err := e.FetchTokenUsingPasswordFlow(ctx, userName, password, headers); err != nil {
		return nil, err
	}
	return e.LoadUserProfile(ctx)
}

// FetchTokenUsingGrant retrieves tokens with an arbitrary grant type.
// Caller parameters are applied last and may overwrite everything,
// including grant_type and scope. Success is signalled with
// "token_received" only; no refresh event is raised.
func (e *Engine) FetchTokenUsingGrant(ctx context.Context, grantType string, parameters map[string]string, headers http.Header) (*TokenResponse, error) {
	const op = "Engine.FetchTokenUsingGrant"
	e.mu.Lock()
	tokenEndpoint := e.cfg.TokenEndpoint
	scope := e.cfg.Scope
	oidc := e.cfg.Oidc
	fallback := e.cfg.FallbackAccessTokenExpiration
	e.mu.Unlock()
	if err := e.assertUrlNotNullAndCorrectProtocol(tokenEndpoint, "tokenEndpoint"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	params := url.Values{}
	params.Set("grant_type", grantType)
	params.Set("scope", scope)
	if headers == nil {
		headers = http.Header{}
	}
	e.addClientAuth(params, headers)
	e.addCustomQueryParams(params)
	// explicit parameters last, to allow overwriting
	for key, value := range parameters {
		params.Set(key, value)
	}

	body, err := e.postForm(ctx, tokenEndpoint, params, headers)
	if err == nil {
		var resp *TokenResponse
		resp, err = decodeTokenResponse(body)
		if err == nil {
			e.debug("tokenResponse received", "grant_type", grantType)
			e.storeAccessTokenResponse(resp.AccessToken, resp.RefreshToken,
				expiresInOrFallback(resp.ExpiresIn, fallback), resp.Scope,
				e.extractRecognizedCustomParameters(resp))
			if oidc && resp.IdToken != "" {
				result, verr := e.ProcessIdToken(ctx, resp.IdToken, resp.AccessToken, false)
				if verr != nil {
					return nil, fmt.Errorf("%s: %w", op, verr)
				}
				e.storeIdToken(result)
			}
			e.publish(&SuccessEvent{EventType: EventTokenReceived})
			return resp, nil
		}
	}
	e.logger.Error("error performing grant flow", "grant_type", grantType, "error", err)
	e.publish(&ErrorEvent{EventType: EventTokenError, Reason: err})
	return nil, fmt.Errorf("%s: %w", op, err)
}

// RefreshToken refreshes the token bundle with the refresh_token grant.
// This does not work for the implicit flow, which has no refresh_token; use
// SilentRefresh there. A contained id_token is validated with the nonce
// check skipped, since a refreshed token carries the original nonce.
func (e *Engine) RefreshToken(ctx context.Context) (*TokenResponse, error) {
	const op = "Engine.RefreshToken"
	e.mu.Lock()
	tokenEndpoint := e.cfg.TokenEndpoint
	scope := e.cfg.Scope
	fallback := e.cfg.FallbackAccessTokenExpiration
	e.mu.Unlock()
	if err := e.assertUrlNotNullAndCorrectProtocol(tokenEndpoint, "tokenEndpoint"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, _ := e.storage.GetItem(storageRefreshToken)
	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("scope", scope)
	params.Set("refresh_token", refreshToken)
	headers := http.Header{}
	e.addClientAuth(params, headers)
	e.addCustomQueryParams(params)

	body, err := e.postForm(ctx, tokenEndpoint, params, headers)
	if err == nil {
		var resp *TokenResponse
		resp, err = decodeTokenResponse(body)
		if err == nil {
			if resp.IdToken != "" {
				result, verr := e.ProcessIdToken(ctx, resp.IdToken, resp.AccessToken, true)
				if verr != nil {
					err = verr
				} else {
					e.storeIdToken(result)
				}
			}
			if err == nil {
				e.debug("refresh tokenResponse")
				e.storeAccessTokenResponse(resp.AccessToken, resp.RefreshToken,
					expiresInOrFallback(resp.ExpiresIn, fallback), resp.Scope,
					e.extractRecognizedCustomParameters(resp))
				e.publish(&SuccessEvent{EventType: EventTokenReceived})
				e.publish(&SuccessEvent{EventType: EventTokenRefreshed})
				return resp, nil
			}
		}
	}
	e.logger.Error("error refreshing token", "error", err)
	e.publish(&ErrorEvent{EventType: EventTokenRefreshError, Reason: err})
	return nil, fmt.Errorf("%s: %w", op, err)
}

// RevokeTokenAndLogout revokes the stored access and refresh tokens at the
// revocation endpoint and then logs out. Without an access token the call
// is a no-op. With ignoreCorsIssues set, failures on the transport level
// are swallowed; failures the server answered with a status are fatal
// either way and skip the logout.
func (e *Engine) RevokeTokenAndLogout(ctx context.Context, customParameters map[string]string, ignoreCorsIssues bool) error {
	const op = "Engine.RevokeTokenAndLogout"
	e.mu.Lock()
	revokeEndpoint := e.cfg.RevocationEndpoint
	e.mu.Unlock()
	accessToken := e.GetAccessToken()
	refreshToken := e.GetRefreshToken()
	if accessToken == "" {
		return nil
	}

	params := url.Values{}
	headers := http.Header{}
	e.addClientAuth(params, headers)
	e.addCustomQueryParams(params)

	revoke := func(token, hint string) error {
		revocationParams := url.Values{}
		for key, values := range params {
			revocationParams[key] = append([]string(nil), values...)
		}
		revocationParams.Set("token", token)
		revocationParams.Set("token_type_hint", hint)
		_, err := e.postForm(ctx, revokeEndpoint, revocationParams, headers)
		if err != nil {
			var terr *transportError
			if ignoreCorsIssues && errors.As(err, &terr) {
				return nil
			}
			return err
		}
		return nil
	}

	var merr *multierror.Error
	if err := revoke(accessToken, "access_token"); err != nil {
		merr = multierror.Append(merr, err)
	}
	if refreshToken != "" {
		if err := revoke(refreshToken, "refresh_token"); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		e.logger.Error("error revoking token", "error", err)
		e.publish(&ErrorEvent{EventType: EventTokenRevokeError, Reason: err})
		return fmt.Errorf("%s: %w", op, err)
	}
	e.logger.Info("token successfully revoked")
	return e.LogOut(WithLogoutParams(customParameters))
}

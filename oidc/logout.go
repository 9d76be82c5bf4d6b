package oidc

import (
	"fmt"
	"net/url"
	"strings"
)

// LogOut removes all stored tokens and flow state, publishes a single
// "logout" event and then redirects to the configured logout url.
// Supported options: WithNoRedirectToLogoutUrl, WithLogoutParams,
// WithLogoutState.
//
// The redirect is skipped when no logout url is configured, when the
// option says so, or when there is neither an id_token nor a post-logout
// redirect uri to send along. A logout url carrying the legacy
// {{id_token}}/{{client_id}} placeholders is filled in by template
// substitution; otherwise id_token_hint, post_logout_redirect_uri, state
// and the custom parameters are appended as query parameters.
func (e *Engine) LogOut(opt ...Option) error {
	const op = "Engine.LogOut"
	opts := getLogOutOpts(opt...)

	e.mu.Lock()
	cfg := e.cfg
	e.silentRefreshSubject = ""
	e.mu.Unlock()

	idToken := e.GetIdToken()

	for _, key := range []string{
		storageAccessToken,
		storageIdToken,
		storageRefreshToken,
		storageExpiresAt,
		storageIdTokenClaimsObj,
		storageIdTokenExpiresAt,
		storageIdTokenStoredAt,
		storageAccessTokenStoredAt,
		storageGrantedScopes,
		storageSessionState,
	} {
		e.storage.RemoveItem(key)
	}
	nonceStore := e.nonceStorage()
	nonceStore.RemoveItem(storageNonce)
	nonceStore.RemoveItem(storagePKCEVerifier)
	for _, customParam := range cfg.CustomTokenParameters {
		e.storage.RemoveItem(customParam)
	}

	e.publish(&InfoEvent{EventType: EventLogout})

	if cfg.LogoutUrl == "" {
		return nil
	}
	if opts.withNoRedirect {
		return nil
	}
	if idToken == "" && cfg.PostLogoutRedirectUri == "" {
		return nil
	}
	if !e.ValidateUrlForHttps(cfg.LogoutUrl) {
		return fmt.Errorf("%s: logoutUrl must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}

	var logoutUrl string
	if strings.Contains(cfg.LogoutUrl, "{{") {
		// for backward compatibility
		logoutUrl = strings.Replace(cfg.LogoutUrl, "{{id_token}}", url.QueryEscape(idToken), 1)
		logoutUrl = strings.Replace(logoutUrl, "{{client_id}}", url.QueryEscape(cfg.ClientId), 1)
	} else {
		params := url.Values{}
		if idToken != "" {
			params.Set("id_token_hint", idToken)
		}
		postLogoutUrl := cfg.PostLogoutRedirectUri
		if postLogoutUrl == "" && cfg.RedirectUriAsPostLogoutRedirectUriFallback {
			postLogoutUrl = cfg.RedirectUri
		}
		if postLogoutUrl != "" {
			params.Set("post_logout_redirect_uri", postLogoutUrl)
			if opts.withState != "" {
				params.Set("state", opts.withState)
			}
		}
		for key, value := range opts.withCustomParams {
			params.Set(key, value)
		}
		separator := "?"
		if strings.Contains(cfg.LogoutUrl, "?") {
			separator = "&"
		}
		logoutUrl = cfg.LogoutUrl + separator + params.Encode()
	}
	if err := e.openUri(logoutUrl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

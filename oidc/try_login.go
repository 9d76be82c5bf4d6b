package oidc

import (
	"context"
	"fmt"
)

// TryLogin interprets the current location (or a supplied custom fragment)
// as a login response. For the "code" response type it delegates to
// TryLoginCodeFlow, otherwise to TryLoginImplicitFlow.
//
// The returned bool reports whether the call signed the user in. A missing
// or incomplete response is not an error: the engine simply reports false
// (implicit flow) or true with nothing stored (code flow, mirroring its
// all-or-error contract).
func (e *Engine) TryLogin(ctx context.Context, options *LoginOptions) (bool, error) {
	e.mu.Lock()
	responseType := e.cfg.ResponseType
	e.mu.Unlock()
	if responseType == ResponseTypeCode {
		if err := e.TryLoginCodeFlow(ctx, options); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.TryLoginImplicitFlow(ctx, options)
}

// TryLoginCodeFlow completes an authorization-code login: it parses the
// response parameters, validates state and nonce, exchanges the code and
// stores the resulting tokens. A location without a packed nonce in its
// state is treated as "no response here" and succeeds without doing
// anything beyond remembering the requested route.
func (e *Engine) TryLoginCodeFlow(ctx context.Context, options *LoginOptions) error {
	const op = "Engine.TryLoginCodeFlow"
	if options == nil {
		options = &LoginOptions{}
	}

	var parts map[string]string
	if options.CustomHashFragment != "" {
		parts = HashFragmentParams(options.CustomHashFragment)
	} else {
		query := ""
		if loc := e.currentLocation(); loc != nil {
			query = loc.RawQuery
		}
		parts = e.getCodePartsFromUrl(query)
	}
	code := parts["code"]
	state := parts["state"]
	sessionState := parts["session_state"]

	if !options.PreventClearHashAfterLogin {
		e.scrubLoginParams()
	}

	nonceInState, userState := e.parseState(state)
	e.mu.Lock()
	e.state = userState
	e.mu.Unlock()

	if parts["error"] != "" {
		e.debug("error trying to login")
		e.handleLoginError(options, parts)
		err := &ErrorEvent{EventType: EventCodeError, Params: parts}
		e.publish(err)
		return fmt.Errorf("%s: %w", op, err)
	}

	if !options.DisableNonceCheck {
		if nonceInState == "" {
			e.saveRequestedRoute()
			return nil
		}
		if !options.DisableOAuth2StateCheck {
			if !e.validateNonce(nonceInState) {
				event := &ErrorEvent{EventType: EventInvalidNonceInState}
				e.publish(event)
				return fmt.Errorf("%s: %w", op, event)
			}
		}
		e.storeSessionState(sessionState)
		if code != "" {
			if _, err := e.getTokenFromCode(ctx, code, options); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			e.restoreRequestedRoute()
		}
		return nil
	}
	return fmt.Errorf("%s: %w", op, ErrLoginFailed)
}

// getCodePartsFromUrl reads the response parameters from a query string,
// falling back to the location's hash fragment when the query is empty
// (hash-based routing puts the response there).
func (e *Engine) getCodePartsFromUrl(queryString string) map[string]string {
	if queryString == "" {
		fragment := ""
		if loc := e.currentLocation(); loc != nil && loc.Fragment != "" {
			fragment = "#" + loc.Fragment
		}
		return HashFragmentParams(fragment)
	}
	if queryString[0] == '?' {
		queryString = queryString[1:]
	}
	return ParseQueryString(queryString)
}

// TryLoginImplicitFlow interprets the location's hash fragment as an
// implicit-flow response. It returns false without error when the fragment
// carries no complete response, true after the tokens were validated and
// stored.
func (e *Engine) TryLoginImplicitFlow(ctx context.Context, options *LoginOptions) (bool, error) {
	const op = "Engine.TryLoginImplicitFlow"
	if options == nil {
		options = &LoginOptions{}
	}

	var parts map[string]string
	if options.CustomHashFragment != "" {
		parts = HashFragmentParams(options.CustomHashFragment)
	} else {
		fragment := ""
		if loc := e.currentLocation(); loc != nil && loc.Fragment != "" {
			fragment = "#" + loc.Fragment
		}
		parts = HashFragmentParams(fragment)
	}
	e.debug("parsed url", "parts", fmt.Sprintf("%v", parts))

	state := parts["state"]
	nonceInState, userState := e.parseState(state)
	e.mu.Lock()
	e.state = userState
	cfg := e.cfg
	e.mu.Unlock()

	if parts["error"] != "" {
		e.debug("error trying to login")
		e.handleLoginError(options, parts)
		err := &ErrorEvent{EventType: EventTokenError, Params: parts}
		e.publish(err)
		return false, fmt.Errorf("%s: %w", op, err)
	}

	accessToken := parts["access_token"]
	idToken := parts["id_token"]
	sessionState := parts["session_state"]
	grantedScopes := parts["scope"]

	if !cfg.RequestAccessToken && !cfg.Oidc {
		return false, fmt.Errorf("%s: either requestAccessToken or oidc (or both) must be true: %w", op, ErrFatalConfig)
	}
	if cfg.RequestAccessToken && accessToken == "" {
		return false, nil
	}
	if cfg.RequestAccessToken && !options.DisableOAuth2StateCheck && state == "" {
		return false, nil
	}
	if cfg.Oidc && idToken == "" {
		return false, nil
	}
	if cfg.SessionChecksEnabled && sessionState == "" {
		e.logger.Warn("session checks (Session Status Change Notification) were activated in the configuration but the id_token does not contain a session_state claim")
	}

	if cfg.RequestAccessToken && !options.DisableNonceCheck {
		if !e.validateNonce(nonceInState) {
			event := &ErrorEvent{EventType: EventInvalidNonceInState}
			e.publish(event)
			return false, fmt.Errorf("%s: %w", op, event)
		}
	}

	if cfg.RequestAccessToken {
		expiresIn := parseExpiresIn(parts["expires_in"], cfg.FallbackAccessTokenExpiration)
		e.storeAccessTokenResponse(accessToken, "", expiresIn, grantedScopes, nil)
	}

	if !cfg.Oidc {
		e.publish(&SuccessEvent{EventType: EventTokenReceived})
		if cfg.ClearHashAfterLogin && !options.PreventClearHashAfterLogin {
			e.clearLocationHash()
		}
		e.callOnTokenReceivedIfExists(options)
		return true, nil
	}

	result, err := e.ProcessIdToken(ctx, idToken, accessToken, options.DisableNonceCheck)
	if err == nil && options.ExtraValidationHandler != nil {
		err = options.ExtraValidationHandler(&ValidationParams{
			AccessToken:   accessToken,
			IdToken:       result.IdToken,
			IdTokenClaims: result.IdTokenClaims,
		})
	}
	if err != nil {
		e.publish(&ErrorEvent{EventType: EventTokenValidationError, Reason: err})
		e.logger.Error("error validating tokens", "error", err)
		return false, fmt.Errorf("%s: %w", op, err)
	}

	e.storeIdToken(result)
	e.storeSessionState(sessionState)
	if cfg.ClearHashAfterLogin && !options.PreventClearHashAfterLogin {
		e.clearLocationHash()
	}
	e.publish(&SuccessEvent{EventType: EventTokenReceived})
	e.callOnTokenReceivedIfExists(options)
	e.mu.Lock()
	e.inImplicitFlow = false
	e.mu.Unlock()
	return true, nil
}

func (e *Engine) callOnTokenReceivedIfExists(options *LoginOptions) {
	if options == nil || options.OnTokenReceived == nil {
		return
	}
	options.OnTokenReceived(TokenParams{
		IdClaims:    e.GetIdentityClaims(),
		IdToken:     e.GetIdToken(),
		AccessToken: e.GetAccessToken(),
		State:       e.State(),
	})
}

func (e *Engine) handleLoginError(options *LoginOptions, parts map[string]string) {
	if options.OnLoginError != nil {
		options.OnLoginError(parts)
	}
	e.mu.Lock()
	clear := e.cfg.ClearHashAfterLogin
	e.mu.Unlock()
	if clear && !options.PreventClearHashAfterLogin {
		e.clearLocationHash()
	}
}

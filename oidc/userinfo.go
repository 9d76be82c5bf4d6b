package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// UserInfo is the result of LoadUserProfile. For a JSON response Claims
// holds the stored identity claims merged with the userinfo response; for
// anything else (e.g. a signed or encrypted response) only Raw is set and
// interpreting it is up to the caller.
type UserInfo struct {
	Claims map[string]interface{}
	Raw    string
}

// LoadUserProfile fetches the user's claims from the userinfo endpoint and
// merges them into the stored identity claims.
//
// When used with the password flow, set Oidc to false; otherwise the sub
// of the response must match the sub of the logged-in user.
func (e *Engine) LoadUserProfile(ctx context.Context) (*UserInfo, error) {
	const op = "Engine.LoadUserProfile"
	if !e.HasValidAccessToken() {
		return nil, fmt.Errorf("%s: cannot load user profile without access_token: %w", op, ErrUserInfoFailed)
	}
	e.mu.Lock()
	userinfoEndpoint := e.cfg.UserinfoEndpoint
	skipSubjectCheck := e.cfg.SkipSubjectCheck
	oidc := e.cfg.Oidc
	e.mu.Unlock()
	if !e.ValidateUrlForHttps(userinfoEndpoint) {
		return nil, fmt.Errorf("%s: userinfoEndpoint must use HTTPS (with TLS), or config value for property requireHttps must allow HTTP (without TLS): %w", op, ErrFatalConfig)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", e.AuthorizationHeader())

	resp, err := e.httpClient().Do(req)
	if err != nil {
		e.logger.Error("error loading user info", "error", err)
		e.publish(&ErrorEvent{EventType: EventUserProfileLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		e.publish(&ErrorEvent{EventType: EventUserProfileLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, userinfoEndpoint, truncate(body, 200))
		e.logger.Error("error loading user info", "error", err)
		e.publish(&ErrorEvent{EventType: EventUserProfileLoadError, Reason: err})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.debug("userinfo received")

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		// not JSON, likely a JWS/JWE the caller wants to verify itself
		e.debug("userinfo is not JSON, treating it as JWE/JWS")
		e.publish(&SuccessEvent{EventType: EventUserProfileLoaded})
		return &UserInfo{Raw: string(body)}, nil
	}

	info := map[string]interface{}{}
	if err := json.Unmarshal(body, &info); err != nil {
		e.publish(&ErrorEvent{EventType: EventUserProfileLoadError, Reason: err})
		return nil, fmt.Errorf("%s: unable to decode userinfo response: %w", op, err)
	}

	existingClaims := e.GetIdentityClaims()
	if existingClaims == nil {
		existingClaims = map[string]interface{}{}
	}
	if !skipSubjectCheck && oidc {
		existingSub, _ := existingClaims["sub"].(string)
		receivedSub, _ := info["sub"].(string)
		if existingSub == "" || receivedSub != existingSub {
			err := fmt.Errorf("%s: if property oidc is true, the received user-id (sub) has to be the user-id of the user that has logged in with oidc; if you are not using oidc but just oauth2 password flow set oidc to false: %w", op, ErrUserInfoFailed)
			return nil, err
		}
	}

	merged := map[string]interface{}{}
	for key, value := range existingClaims {
		merged[key] = value
	}
	for key, value := range info {
		merged[key] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.storage.SetItem(storageIdTokenClaimsObj, string(encoded))
	e.publish(&SuccessEvent{EventType: EventUserProfileLoaded})
	return &UserInfo{Claims: merged, Raw: string(body)}, nil
}

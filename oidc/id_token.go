package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ParsedIdToken is the result of a successfully validated id_token: the
// raw token, its decoded header and claims (also in their JSON form, which
// is what gets persisted) and the expiry in epoch milliseconds.
type ParsedIdToken struct {
	IdToken           string
	IdTokenClaims     map[string]interface{}
	IdTokenClaimsJson string
	IdTokenHeader     map[string]interface{}
	IdTokenHeaderJson string
	IdTokenExpiresAt  int64
}

// padBase64 restores the padding of a base64url segment. A segment whose
// length is 4n+1 cannot be valid and will fail the subsequent decode.
func padBase64(data string) string {
	for len(data)%4 != 0 {
		data += "="
	}
	return data
}

func decodeTokenSegment(segment string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(padBase64(segment))
}

// ProcessIdToken validates an id_token and returns its parsed form. The
// checks run in a fixed order: audience, sub presence, silent-refresh sub
// consistency, iat presence, issuer, nonce, at_hash presence, token
// life window (iat/exp against the tolerated clock skew), at_hash value and
// finally the signature.
//
// skipNonceCheck is set by refresh paths, where the token legitimately
// carries the nonce of the original login.
func (e *Engine) ProcessIdToken(ctx context.Context, idToken, accessToken string, skipNonceCheck bool) (*ParsedIdToken, error) {
	const op = "Engine.ProcessIdToken"
	parts := splitIdToken(idToken)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%s: id_token has no payload: %w", op, ErrMissingIdToken)
	}
	headerJson, err := decodeTokenSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode id_token header: %w", op, err)
	}
	header := map[string]interface{}{}
	if err := json.Unmarshal(headerJson, &header); err != nil {
		return nil, fmt.Errorf("%s: unable to parse id_token header: %w", op, err)
	}
	claimsJson, err := decodeTokenSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode id_token claims: %w", op, err)
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal(claimsJson, &claims); err != nil {
		return nil, fmt.Errorf("%s: unable to parse id_token claims: %w", op, err)
	}

	savedNonce, _ := e.nonceStorage().GetItem(storageNonce)

	e.mu.Lock()
	cfg := e.cfg
	silentRefreshSubject := e.silentRefreshSubject
	jwks := e.jwks
	e.mu.Unlock()

	switch aud := claims["aud"].(type) {
	case []interface{}:
		matched := false
		for _, v := range aud {
			if s, ok := v.(string); ok && s == cfg.ClientId {
				matched = true
				break
			}
		}
		if !matched {
			e.logger.Warn("wrong audience", "aud", aud)
			return nil, fmt.Errorf("%s: wrong audience: %w", op, ErrInvalidAudience)
		}
	default:
		if s, _ := claims["aud"].(string); s != cfg.ClientId {
			e.logger.Warn("wrong audience", "aud", s)
			return nil, fmt.Errorf("%s: wrong audience: %w", op, ErrInvalidAudience)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		e.logger.Warn("no sub claim in id_token")
		return nil, fmt.Errorf("%s: no sub claim in id_token: %w", op, ErrTokenValidation)
	}

	// The sub is only compared against the pre-refresh sub when session
	// checks are on.
	if cfg.SessionChecksEnabled && silentRefreshSubject != "" && silentRefreshSubject != sub {
		e.logger.Warn("after refreshing, received an id_token for another user",
			"expected_sub", silentRefreshSubject, "received_sub", sub)
		return nil, fmt.Errorf("%s: after refreshing, received an id_token for another user (sub): %w", op, ErrTokenValidation)
	}

	iat, iatOk := numericClaim(claims, "iat")
	if !iatOk || iat == 0 {
		e.logger.Warn("no iat claim in id_token")
		return nil, fmt.Errorf("%s: no iat claim in id_token: %w", op, ErrTokenValidation)
	}

	if !cfg.SkipIssuerCheck {
		if iss, _ := claims["iss"].(string); iss != cfg.Issuer {
			e.logger.Warn("wrong issuer", "iss", iss)
			return nil, fmt.Errorf("%s: wrong issuer: %w", op, ErrInvalidIssuer)
		}
	}

	if !skipNonceCheck {
		if nonce, _ := claims["nonce"].(string); nonce != savedNonce {
			e.logger.Warn("wrong nonce", "nonce", nonce)
			return nil, fmt.Errorf("%s: wrong nonce: %w", op, ErrInvalidNonce)
		}
	}

	// at_hash is not applicable to the code flow or a bare id_token
	// response; the check is force-disabled for those response types.
	disableAtHashCheck := cfg.DisableAtHashCheck
	if cfg.ResponseType == ResponseTypeCode || cfg.ResponseType == ResponseTypeIdToken {
		disableAtHashCheck = true
		e.mu.Lock()
		e.cfg.DisableAtHashCheck = true
		e.mu.Unlock()
	}

	atHash, _ := claims["at_hash"].(string)
	if !disableAtHashCheck && cfg.RequestAccessToken && atHash == "" {
		e.logger.Warn("an at_hash is needed")
		return nil, fmt.Errorf("%s: an at_hash is needed: %w", op, ErrTokenValidation)
	}

	now := nowMs(e.clock)
	issuedAtMs := iat * 1000
	exp, _ := numericClaim(claims, "exp")
	expiresAtMs := exp * 1000
	clockSkewMs := cfg.ClockSkew.Milliseconds()
	if issuedAtMs-clockSkewMs >= now || expiresAtMs+clockSkewMs <= now {
		e.logger.Error("token has expired", "now", now, "issued_at_ms", issuedAtMs, "expires_at_ms", expiresAtMs)
		return nil, fmt.Errorf("%s: token has expired: %w", op, ErrTokenValidation)
	}

	validationParams := &ValidationParams{
		AccessToken:   accessToken,
		IdToken:       idToken,
		Jwks:          jwks,
		IdTokenClaims: claims,
		IdTokenHeader: header,
		LoadKeys:      e.loadJwks,
	}

	if !disableAtHashCheck {
		atHashValid, err := e.checkAtHash(ctx, validationParams)
		if err != nil {
			return nil, fmt.Errorf("%s: error checking at_hash: %w", op, err)
		}
		if cfg.RequestAccessToken && !atHashValid {
			e.logger.Warn("wrong at_hash")
			return nil, fmt.Errorf("%s: wrong at_hash: %w", op, ErrTokenValidation)
		}
	}

	if err := e.checkSignature(ctx, validationParams); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &ParsedIdToken{
		IdToken:           idToken,
		IdTokenClaims:     claims,
		IdTokenClaimsJson: string(claimsJson),
		IdTokenHeader:     header,
		IdTokenHeaderJson: string(headerJson),
		IdTokenExpiresAt:  expiresAtMs,
	}, nil
}

func (e *Engine) checkAtHash(ctx context.Context, params *ValidationParams) (bool, error) {
	if e.validation == nil {
		e.logger.Warn("no validation handler configured, cannot check at_hash")
		return true, nil
	}
	return e.validation.ValidateAtHash(ctx, params)
}

func (e *Engine) checkSignature(ctx context.Context, params *ValidationParams) error {
	if e.validation == nil {
		e.logger.Warn("no validation handler configured, skipping signature check")
		return nil
	}
	return e.validation.ValidateSignature(ctx, params)
}

func splitIdToken(idToken string) []string {
	return strings.Split(idToken, ".")
}

// numericClaim reads a JSON-number claim as whole seconds.
func numericClaim(claims map[string]interface{}, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// HashHandler is the pluggable digest function used to compute the PKCE
// code challenge. CalcHash hashes the UTF-8 bytes of valueToHash with the
// named algorithm (e.g. "sha-256") and returns the raw digest bytes.
type HashHandler interface {
	CalcHash(ctx context.Context, valueToHash string, algorithm string) ([]byte, error)
}

// DefaultHashHandler implements HashHandler with crypto/sha256. Only
// "sha-256" is supported, which is the only algorithm PKCE S256 needs.
type DefaultHashHandler struct{}

func (DefaultHashHandler) CalcHash(_ context.Context, valueToHash string, algorithm string) ([]byte, error) {
	const op = "DefaultHashHandler.CalcHash"
	if !strings.EqualFold(algorithm, "sha-256") {
		return nil, fmt.Errorf("%s: unsupported algorithm %q: %w", op, algorithm, ErrInvalidParameter)
	}
	sum := sha256.Sum256([]byte(valueToHash))
	return sum[:], nil
}

// createChallengeVerifierPair generates a PKCE pair: the verifier is a
// nonce, the challenge its base64url-encoded SHA-256 digest.
func (e *Engine) createChallengeVerifierPair(ctx context.Context) (challenge, verifier string, err error) {
	const op = "oidc.createChallengeVerifierPair"
	if e.hash == nil {
		return "", "", fmt.Errorf("%s: PKCE support for code flow needs a HashHandler: %w", op, ErrFatalConfig)
	}
	verifier, err = createNonce()
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}
	digest, err := e.hash.CalcHash(ctx, verifier, "sha-256")
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to hash verifier: %w", op, err)
	}
	challenge = base64.RawURLEncoding.EncodeToString(digest)
	return challenge, verifier, nil
}

package oidc

import (
	"encoding/base64"
	"fmt"
	"math/rand"

	"github.com/hashicorp/go-uuid"
)

// unreserved is the RFC 3986 / RFC 7636 unreserved character set nonces and
// PKCE verifiers are drawn from.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const nonceLen = 45

// createNonce generates a nonce suitable for an oidc nonce, a state id or a
// PKCE code verifier: 45 bytes from a cryptographically strong source,
// mapped into the unreserved alphabet and base64url-encoded without
// padding.
//
// When no secure random source is available the generator falls back to
// math/rand. That fallback is deliberately weaker and only exists for hosts
// without crypto support; it must never be the default path where a secure
// source exists.
func createNonce() (string, error) {
	const op = "oidc.createNonce"
	id := make([]byte, nonceLen)
	bytes, err := uuid.GenerateRandomBytes(nonceLen)
	if err == nil {
		for i, b := range bytes {
			id[i] = unreserved[int(b)%len(unreserved)]
		}
	} else {
		for i := range id {
			id[i] = unreserved[rand.Intn(len(unreserved))]
		}
	}
	encoded := base64.RawURLEncoding.EncodeToString(id)
	if encoded == "" {
		return "", fmt.Errorf("%s: %w", op, ErrIdGeneratorFailed)
	}
	return encoded, nil
}

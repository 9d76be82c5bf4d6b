package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKeys generates an RSA key pair for signing test id_tokens.
func TestGenerateKeys(t *testing.T) (*rsa.PublicKey, *rsa.PrivateKey) {
	t.Helper()
	require := require.New(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	return &priv.PublicKey, priv
}

// TestJWKS wraps a public key into a key set the way a provider's jwks_uri
// would deliver it.
func TestJWKS(t *testing.T, pub *rsa.PublicKey, keyID string) *jose.JSONWebKeySet {
	t.Helper()
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				KeyID:     keyID,
				Use:       "sig",
				Algorithm: string(jose.RS256),
			},
		},
	}
}

// TestSignIDToken creates a signed id_token with the given claims.
func TestSignIDToken(t *testing.T, priv *rsa.PrivateKey, keyID string, claims map[string]interface{}) string {
	t.Helper()
	require := require.New(t)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithHeader("kid", keyID),
	)
	require.NoError(err)
	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(err)
	return raw
}

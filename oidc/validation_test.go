package oidc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
)

func TestJoseValidationHandlerValidateSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pub, priv := TestGenerateKeys(t)
	jwks := TestJWKS(t, pub, "k1")
	idToken := TestSignIDToken(t, priv, "k1", map[string]interface{}{"sub": "user-1"})

	h := JoseValidationHandler{}
	require.NoError(h.ValidateSignature(context.Background(), &ValidationParams{
		IdToken: idToken,
		Jwks:    jwks,
	}))

	// a foreign key does not verify
	otherPub, _ := TestGenerateKeys(t)
	err := h.ValidateSignature(context.Background(), &ValidationParams{
		IdToken: idToken,
		Jwks:    TestJWKS(t, otherPub, "k1"),
	})
	require.ErrorIs(err, ErrTokenValidation)

	require.Error(h.ValidateSignature(context.Background(), nil))
	require.Error(h.ValidateSignature(context.Background(), &ValidationParams{
		IdToken: "not-a-jwt",
		Jwks:    jwks,
	}))
}

func TestJoseValidationHandlerReloadsKeys(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pub, priv := TestGenerateKeys(t)
	stalePub, _ := TestGenerateKeys(t)
	idToken := TestSignIDToken(t, priv, "k2", map[string]interface{}{"sub": "user-1"})

	// the loaded key set is stale; the handler recovers via LoadKeys
	loads := 0
	h := JoseValidationHandler{}
	require.NoError(h.ValidateSignature(context.Background(), &ValidationParams{
		IdToken: idToken,
		Jwks:    TestJWKS(t, stalePub, "k1"),
		LoadKeys: func(context.Context) (*jose.JSONWebKeySet, error) {
			loads++
			return TestJWKS(t, pub, "k2"), nil
		},
	}))
	require.Equal(1, loads)

	// without a reload hook the stale set is fatal
	err := h.ValidateSignature(context.Background(), &ValidationParams{
		IdToken: idToken,
		Jwks:    TestJWKS(t, stalePub, "k1"),
	})
	require.ErrorIs(err, ErrTokenValidation)
}

func TestJoseValidationHandlerValidateAtHash(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := JoseValidationHandler{}
	params := &ValidationParams{
		AccessToken:   "at-1",
		IdTokenClaims: map[string]interface{}{"at_hash": atHashFor("at-1")},
		IdTokenHeader: map[string]interface{}{"alg": "RS256"},
	}
	ok, err := h.ValidateAtHash(context.Background(), params)
	require.NoError(err)
	require.True(ok)

	params.IdTokenClaims["at_hash"] = atHashFor("some-other-token")
	ok, err = h.ValidateAtHash(context.Background(), params)
	require.NoError(err)
	require.False(ok)

	// a missing claim fails the check without an error
	params.IdTokenClaims = map[string]interface{}{}
	ok, err = h.ValidateAtHash(context.Background(), params)
	require.NoError(err)
	require.False(ok)

	params.IdTokenClaims = map[string]interface{}{"at_hash": "x"}
	params.IdTokenHeader = map[string]interface{}{"alg": "none"}
	_, err = h.ValidateAtHash(context.Background(), params)
	require.ErrorIs(err, ErrInvalidParameter)
}

func TestNullValidationHandler(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := NullValidationHandler{}
	require.NoError(h.ValidateSignature(context.Background(), nil))
	ok, err := h.ValidateAtHash(context.Background(), nil)
	require.NoError(err)
	require.True(ok)
}

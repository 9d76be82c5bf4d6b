package oidc

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateNonce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nonce, err := createNonce()
	require.NoError(err)
	require.NotEmpty(nonce)

	decoded, err := base64.RawURLEncoding.DecodeString(nonce)
	require.NoError(err)
	require.Len(decoded, nonceLen)
	for _, b := range decoded {
		require.Contains(unreserved, string(b))
	}

	other, err := createNonce()
	require.NoError(err)
	require.NotEqual(nonce, other)
}

func TestCreateChallengeVerifierPair(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := NewEngine(DefaultConfig())
	require.NoError(err)
	defer e.Close()

	challenge, verifier, err := e.createChallengeVerifierPair(context.Background())
	require.NoError(err)
	require.NotEmpty(verifier)

	digest, err := DefaultHashHandler{}.CalcHash(context.Background(), verifier, "sha-256")
	require.NoError(err)
	require.Equal(base64.RawURLEncoding.EncodeToString(digest), challenge)
}

func TestDefaultHashHandlerRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()
	_, err := DefaultHashHandler{}.CalcHash(context.Background(), "value", "md5")
	require.ErrorIs(t, err, ErrInvalidParameter)
}

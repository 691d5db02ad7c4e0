// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	env, err := NewEnvelope(key, 1, 0)
	require.NoError(t, err)

	plain := []byte("hello mesh")
	sealed, err := env.Seal(plain, []byte("aad"))
	require.NoError(t, err)

	opened, err := env.Open(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	var key1, key2 [32]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(key2[:], []byte("zyxwvutsrqponmlkjihgfedcba000000"))

	env1, err := NewEnvelope(key1, 1, 0)
	require.NoError(t, err)
	env2, err := NewEnvelope(key2, 1, 0)
	require.NoError(t, err)

	sealed, err := env1.Seal([]byte("secret"), nil)
	require.NoError(t, err)

	_, err = env2.Open(sealed, nil)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestOpenFailsWithMutatedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	env, err := NewEnvelope(key, 1, 0)
	require.NoError(t, err)

	sealed, err := env.Seal([]byte("secret"), nil)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = env.Open(sealed, nil)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestNonceWrapIsFatal(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	env, err := NewEnvelope(key, 1, ^uint64(0))
	require.NoError(t, err)

	_, err = env.Seal([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrNonceWrap)

	_, err = env.Seal([]byte("y"), nil)
	assert.ErrorIs(t, err, ErrNonceWrap)
}

func TestSignVerify(t *testing.T) {
	var priv [32]byte
	copy(priv[:], []byte("longtermprivatekeylongtermprivat"))

	sig, err := Sign(priv, []byte("frame"))
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)
	assert.True(t, VerifySign(priv, []byte("frame"), sig))
	assert.False(t, VerifySign(priv, []byte("other"), sig))
}

func TestDeriveNodeAddrAvoidsReserved(t *testing.T) {
	var pub [32]byte
	addr := DeriveNodeAddr(nil, pub)
	assert.NotEqual(t, uint32(0), addr)
	assert.NotEqual(t, uint32(0xFFFFFFFF), addr)
}

func TestGenerateIdentityIsUsable(t *testing.T) {
	k, err := GenerateIdentity()
	require.NoError(t, err)
	env, err := NewEnvelope(k.NetworkKey, 1, k.NonceCtr)
	require.NoError(t, err)
	sealed, err := env.Seal([]byte("x"), nil)
	require.NoError(t, err)
	_, err = env.Open(sealed, nil)
	require.NoError(t, err)
}

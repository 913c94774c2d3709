package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSymmetricKeyAgrees(t *testing.T) {
	a, err := NewP256KeyPair()
	require.NoError(t, err)
	b, err := NewP256KeyPair()
	require.NoError(t, err)

	k1, err := DeriveSymmetricKey(a, b.PublicKey(), []byte("challenge"))
	require.NoError(t, err)
	k2, err := DeriveSymmetricKey(b, a.PublicKey(), []byte("challenge"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, SymmetricKeySize)

	k3, err := DeriveSymmetricKey(a, b.PublicKey(), []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestX25519Agreement(t *testing.T) {
	aPriv, aPub, err := NewX25519KeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := NewX25519KeyPair()
	require.NoError(t, err)
	assert.Equal(t, aPub, X25519Public(aPriv))

	s1, err := X25519SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	s2, err := X25519SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

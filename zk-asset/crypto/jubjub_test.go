package crypto

import (
	crand "crypto/rand"
	"testing"

	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/stretchr/testify/require"
)

func TestECDHESharedSecret(t *testing.T) {
	alicePriv, err := jubjub.GenerateKey(crand.Reader)
	require.NoError(t, err)
	bobPriv, err := jubjub.GenerateKey(crand.Reader)
	require.NoError(t, err)

	// alicePriv * bobPub == bobPriv * alicePub
	sharedAlice, err := ECDHEComputeSharedSecret(alicePriv, &bobPriv.PublicKey)
	require.NoError(t, err)
	sharedBob, err := ECDHEComputeSharedSecret(bobPriv, &alicePriv.PublicKey)
	require.NoError(t, err)
	require.Equal(t, sharedAlice, sharedBob, "Shared secrets do not match")

	kdfAlice, err := SaplingKDF(sharedAlice, KeySize+NonceSize)
	require.NoError(t, err)
	kdfBob, err := SaplingKDF(sharedBob, KeySize+NonceSize)
	require.NoError(t, err)
	require.Equal(t, kdfAlice, kdfBob, "sapling key do not match")
	require.Len(t, kdfAlice, 44)

	_, err = SaplingKDF(sharedAlice[:31], 44)
	require.Error(t, err)
}

func BenchmarkECDHESharedSecret(b *testing.B) {
	alicePriv, err := jubjub.GenerateKey(crand.Reader)
	require.NoError(b, err)
	bobPriv, err := jubjub.GenerateKey(crand.Reader)
	require.NoError(b, err)
	bobPub := &bobPriv.PublicKey

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ECDHEComputeSharedSecret(alicePriv, bobPub)
		require.NoError(b, err)
	}
}

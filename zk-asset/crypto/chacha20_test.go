package crypto

import (
	crand "crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	m := []byte("hello")

	sharedSecret := make([]byte, 32)
	n, err := crand.Read(sharedSecret)
	require.NoError(t, err)
	require.Equal(t, 32, n)

	ks, err := SaplingKDF(sharedSecret, KeySize+NonceSize)
	require.NoError(t, err)
	encKey, nonce := ks[:KeySize], ks[KeySize:]

	enc, err := Seal(encKey, nonce, m, []byte("adata"))
	require.NoError(t, err)

	dec, err := Open(encKey, nonce, enc, []byte("adata"))
	require.NoError(t, err)
	require.Equal(t, m, dec)

	_, err = Open(encKey, nonce, enc, []byte("other"))
	require.ErrorContains(t, err, "failed to open")

	_, err = Seal(encKey[:16], nonce, m, nil)
	require.ErrorContains(t, err, "invalid key size")
	_, err = Seal(encKey, nonce[:8], m, nil)
	require.ErrorContains(t, err, "invalid nonce size")
}

package crypto

import (
	"errors"
	"fmt"
	"math/big"

	tedwards "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/kysee/zkbank/utils"
	"golang.org/x/crypto/blake2s"
)

// EnvelopePubSize is the size of a compressed envelope public key.
const EnvelopePubSize = 32

func NewPub() *jubjub.PublicKey {
	return new(jubjub.PublicKey)
}

// ECDHEComputeSharedSecret computes the ECDHE shared secret
// sharedSecret = blake2s(X(privateKey * otherPublicKey))
func ECDHEComputeSharedSecret(privateKey *jubjub.PrivateKey, otherPublicKey *jubjub.PublicKey) ([]byte, error) {
	if privateKey == nil || otherPublicKey == nil {
		return nil, errors.New("missing key")
	}
	if !otherPublicKey.A.IsOnCurve() {
		return nil, errors.New("other public key is not on curve")
	}

	var sharedSecret tedwards.PointAffine

	// PrivateKey.Bytes() = pub(32) | scalar(32) | randSrc(32)
	keyBytes := privateKey.Bytes()
	scalar := new(big.Int).SetBytes(keyBytes[32:64])
	sharedSecret.ScalarMultiplication(&otherPublicKey.A, scalar)
	utils.Wipe(keyBytes)
	scalar.SetInt64(0)

	if !sharedSecret.IsOnCurve() {
		return nil, errors.New("computed shared secret is not on curve")
	}

	hasher, err := blake2s.New256(nil)
	if err != nil {
		return nil, err
	}
	ax := sharedSecret.X.Bytes()
	hasher.Write(ax[:])
	return hasher.Sum(nil), nil
}

// SaplingKDF expands a 32 byte shared secret into outputLen bytes with
// BLAKE2s personalized as "Zcash_ExpandSeed" and a one byte counter starting at 1.
func SaplingKDF(sharedSecret []byte, outputLen int) ([]byte, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("sharedSecret must be 32 bytes")
	}

	personalization := []byte("Zcash_ExpandSeed")

	var keyStream []byte
	var counter byte = 1
	for len(keyStream) < outputLen {
		h, err := blake2s.New256(personalization)
		if err != nil {
			return nil, fmt.Errorf("failed to create blake2s hash: %w", err)
		}
		h.Write(sharedSecret)
		h.Write([]byte{counter})
		keyStream = append(keyStream, h.Sum(nil)...)

		counter++
		if counter == 0 {
			return nil, errors.New("KDF counter overflow")
		}
	}
	return keyStream[:outputLen], nil
}

package utils

import (
	"hash"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	_ "github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
	gnark_hash "github.com/consensys/gnark-crypto/hash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// emptyLeafSeed is hashed with keccak256 and reduced into the field to get
	// the value of every unused tree leaf.
	emptyLeafSeed = []byte("TANGERINE")
)

func DefaultHasher() hash.Hash {
	return &poseidon2Wrapper{
		inner: gnark_hash.POSEIDON2_BN254.New(),
	}
}

// HashFields returns Poseidon2(xs...) over the BN254 scalar field.
// The same construction is used inside the circuits, so both sides agree on
// commitments, nullifiers and merkle nodes.
func HashFields(xs ...fr.Element) fr.Element {
	hasher := DefaultHasher()
	for i := range xs {
		b := xs[i].Bytes()
		if _, err := hasher.Write(b[:]); err != nil {
			panic(err)
		}
	}
	var ret fr.Element
	ret.SetBytes(hasher.Sum(nil))
	return ret
}

// HashBytes hashes arbitrary byte strings, one field element per 32 byte chunk.
func HashBytes(ins ...[]byte) []byte {
	hasher := DefaultHasher()
	for _, in := range ins {
		if _, err := hasher.Write(in); err != nil {
			panic(err)
		}
	}
	return hasher.Sum(nil)
}

func FieldFromBytes(b []byte) fr.Element {
	var e fr.Element
	e.SetBytes(b)
	return e
}

func FieldFromUint64(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

func FieldFromUint256(v *uint256.Int) fr.Element {
	var e fr.Element
	if v == nil {
		return e
	}
	b := v.Bytes32()
	e.SetBytes(b[:])
	return e
}

func FieldFromAddress(addr common.Address) fr.Element {
	var e fr.Element
	e.SetBytes(addr.Bytes())
	return e
}

func FieldFromBig(v *big.Int) fr.Element {
	var e fr.Element
	if v != nil {
		e.SetBigInt(v)
	}
	return e
}

// FieldToHash returns the canonical 32 byte big-endian encoding of e.
func FieldToHash(e fr.Element) common.Hash {
	return common.Hash(e.Bytes())
}

func FieldFromHash(h common.Hash) fr.Element {
	return FieldFromBytes(h[:])
}

// RandomField returns a uniformly random, non-zero field element.
func RandomField() (fr.Element, error) {
	var e fr.Element
	for {
		if _, err := e.SetRandom(); err != nil {
			return e, err
		}
		if !e.IsZero() {
			return e, nil
		}
	}
}

// EmptyLeaf returns keccak256("TANGERINE") mod r.
func EmptyLeaf() fr.Element {
	return FieldFromBytes(crypto.Keccak256(emptyLeafSeed))
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeField overwrites the limbs of e.
func WipeField(e *fr.Element) {
	if e != nil {
		e.SetZero()
	}
}

// poseidon2Wrapper wraps Poseidon2 hasher to handle inputs that may exceed Fr modulus
type poseidon2Wrapper struct {
	inner hash.Hash
}

func (w *poseidon2Wrapper) Write(p []byte) (n int, err error) {
	// the inner hasher only accepts canonical 32 byte blocks.
	const blockSize = fr.Bytes

	originalLen := len(p)
	for i := 0; i < len(p); i += blockSize {
		end := i + blockSize
		if end > len(p) {
			end = len(p)
		}

		// SetBytes reduces modulo r
		var elem fr.Element
		elem.SetBytes(p[i:end])

		if _, err := w.inner.Write(elem.Marshal()); err != nil {
			return 0, err
		}
	}
	return originalLen, nil
}

func (w *poseidon2Wrapper) Sum(b []byte) []byte {
	return w.inner.Sum(b)
}

func (w *poseidon2Wrapper) Reset() {
	w.inner.Reset()
}

func (w *poseidon2Wrapper) Size() int {
	return w.inner.Size()
}

func (w *poseidon2Wrapper) BlockSize() int {
	return w.inner.BlockSize()
}

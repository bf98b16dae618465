package types

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// EncodeField returns the 0x-prefixed 32 byte hex of e.
func EncodeField(e fr.Element) string {
	b := e.Bytes()
	return hexutil.Encode(b[:])
}

func DecodeField(s string) (fr.Element, error) {
	var e fr.Element
	bz, err := hexutil.Decode(s)
	if err != nil {
		return e, err
	}
	if len(bz) != fr.Bytes {
		return e, fmt.Errorf("wrong field length: expected(%d), got(%d)", fr.Bytes, len(bz))
	}
	if err := e.SetBytesCanonical(bz); err != nil {
		return e, err
	}
	return e, nil
}

func EncodeAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func DecodeAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("wrong amount %q: %w", s, err)
	}
	return v, nil
}

package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

//Parameters of the secp256k1 curve. They are used elsewhere to verify that a
//private key is valid.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

//Curve returns the secp256k1 elliptic.Curve, from btcsuite's golang
//implementation.
func Curve() elliptic.Curve {
	return btcec.S256()
}

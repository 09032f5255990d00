// Package crypto provides the hashing capability consumed by the ledger core.
// Event ids, trie node hashes and state roots are all SHA256 digests.
package crypto

import (
	"crypto/sha256"
)

// DigestLength is the byte length of all digests produced by this package.
const DigestLength = sha256.Size

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// HashPair returns the SHA256 hash of the concatenation of left and right.
// It is used to combine child hashes in the state trie.
func HashPair(left []byte, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

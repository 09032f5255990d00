package state

import (
	"bytes"

	"github.com/purpleprotocol/weave/src/crypto"
)

// Proof is a compact membership or non-membership proof for a key against a
// trie root. Siblings holds the hash of the untaken child at each depth
// along the key's path, root first. LeafPath and LeafValueHash describe the
// terminal leaf the path reaches; both are nil when the path ends in an
// empty subtree.
//
// A membership proof shows the terminal leaf carries the key itself; a
// non-membership proof shows the path ends empty or at a different key.
type Proof struct {
	Siblings      [][]byte
	LeafPath      []byte
	LeafValueHash []byte
}

// Prove produces a proof for key against the current root.
func (t *Trie) Prove(key []byte) (*Proof, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := crypto.SHA256(key)
	proof := &Proof{Siblings: [][]byte{}}

	n := t.root
	for depth := 0; ; depth++ {
		if n == nil {
			return proof, nil
		}

		resolved, err := t.resolve(n)
		if err != nil {
			return nil, t.fail(err)
		}

		switch node := resolved.(type) {
		case *leafNode:
			proof.LeafPath = append([]byte{}, node.path...)
			proof.LeafValueHash = crypto.SHA256(node.value)
			return proof, nil
		case *branchNode:
			if pathBit(path, depth) == 0 {
				proof.Siblings = append(proof.Siblings, nodeHash(node.right))
				n = node.left
			} else {
				proof.Siblings = append(proof.Siblings, nodeHash(node.left))
				n = node.right
			}
		}
	}
}

// Verify checks a proof against a root hash. It is a pure function: no trie
// or store access. A nil or empty value claims non-membership; a non-empty
// value claims membership with exactly that value. Verification failures
// are an ordinary false, never an error.
func Verify(root []byte, key []byte, value []byte, proof *Proof) bool {
	if proof == nil {
		return false
	}

	path := crypto.SHA256(key)

	// terminal commitment
	var h []byte
	if proof.LeafPath == nil {
		h = emptyHash
	} else {
		if len(proof.LeafPath) != crypto.DigestLength || len(proof.LeafValueHash) != crypto.DigestLength {
			return false
		}
		var b bytes.Buffer
		b.WriteByte(leafTag)
		b.Write(proof.LeafPath)
		b.Write(proof.LeafValueHash)
		h = crypto.SHA256(b.Bytes())
	}

	// fold the siblings back up to the root, following the key's bits
	for depth := len(proof.Siblings) - 1; depth >= 0; depth-- {
		sibling := proof.Siblings[depth]
		if len(sibling) != crypto.DigestLength {
			return false
		}
		if pathBit(path, depth) == 0 {
			h = crypto.HashPair(append([]byte{branchTag}, h...), sibling)
		} else {
			h = crypto.HashPair(append([]byte{branchTag}, sibling...), h)
		}
	}

	if !bytes.Equal(h, root) {
		return false
	}

	if len(value) > 0 {
		// membership: the terminal leaf must carry this key and value
		return bytes.Equal(proof.LeafPath, path) &&
			bytes.Equal(proof.LeafValueHash, crypto.SHA256(value))
	}

	// non-membership: the path must end empty or at a different key
	return proof.LeafPath == nil || !bytes.Equal(proof.LeafPath, path)
}

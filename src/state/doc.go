/*
Package state implements the authenticated state accumulator: a merkleized
binary trie mapping account identifiers to account-state blobs, producing a
single root hash per committed snapshot.

Keys are hashed before insertion, so the trie's shape, and therefore its
root, is a pure function of the set of key/value pairs: insertion order does
not matter for independent keys, while two writes to the same key are
last-writer-wins. The trie is persistent; updates copy the path from root to
leaf and share everything else, which makes snapshots free.

The package also produces compact membership and non-membership proofs, and
a pure Verify function that checks a proof against a root hash with no
access to the trie itself.
*/
package state

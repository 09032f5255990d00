package state

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/purpleprotocol/weave/src/crypto"
)

// NodeStore is the persistence capability the trie requires: a flat mapping
// from node hash to node encoding. ledger stores satisfy it.
type NodeStore interface {
	GetNode(hash []byte) ([]byte, error)
	PutNode(hash []byte, data []byte) error
}

// Trie is the authenticated key/value accumulator. It has exactly one writer
// at a time (the consensus engine's finalization step); concurrent readers
// use Snapshot to pin a root while a batch is in flight.
type Trie struct {
	mu sync.RWMutex

	store    NodeStore
	root     trieNode
	corrupt  bool
	readonly bool
}

// NewTrie creates an empty trie over the given node store.
func NewTrie(store NodeStore) *Trie {
	return &Trie{store: store}
}

// LoadTrie opens a trie at a previously committed root. The root node is
// resolved lazily; opening an unknown root fails on first access, not here.
func LoadTrie(store NodeStore, root []byte) *Trie {
	t := &Trie{store: store}
	if len(root) > 0 && !bytes.Equal(root, emptyHash) {
		t.root = &hashRef{h: append([]byte{}, root...)}
	}
	return t
}

// Root returns the current root hash. The root of an empty trie is the
// constant empty hash.
func (t *Trie) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return nodeHash(t.root)
}

// Update sets the value blob for a key and returns the new root hash. An
// empty value deletes the key. Updates to a corrupted trie are refused.
func (t *Trie) Update(key []byte, value []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.readonly {
		return nil, fmt.Errorf("state: update on read-only snapshot")
	}
	if t.corrupt {
		return nil, corruption("trie is corrupted, refusing update")
	}

	path := crypto.SHA256(key)

	if len(value) == 0 {
		root, _, err := t.remove(t.root, 0, path)
		if err != nil {
			return nil, t.fail(err)
		}
		t.root = root
		return nodeHash(t.root), nil
	}

	root, err := t.insert(t.root, 0, &leafNode{path: path, value: value})
	if err != nil {
		return nil, t.fail(err)
	}
	t.root = root

	return nodeHash(t.root), nil
}

// Get returns the value blob for a key, and whether the key is present.
func (t *Trie) Get(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := crypto.SHA256(key)

	n := t.root
	for depth := 0; ; depth++ {
		if n == nil {
			return nil, false, nil
		}

		resolved, err := t.resolve(n)
		if err != nil {
			return nil, false, t.fail(err)
		}

		switch node := resolved.(type) {
		case *leafNode:
			if bytes.Equal(node.path, path) {
				return node.value, true, nil
			}
			return nil, false, nil
		case *branchNode:
			// re-link the resolved node so the next read skips the store
			if depth == 0 {
				t.root = resolved
			}
			if pathBit(path, depth) == 0 {
				n = node.left
			} else {
				n = node.right
			}
		}
	}
}

// Snapshot returns a read-only view pinned at the current root. Nodes are
// immutable, so the view is unaffected by subsequent updates to t.
func (t *Trie) Snapshot() *Trie {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return &Trie{
		store:    t.store,
		root:     t.root,
		readonly: true,
	}
}

// Commit persists every in-memory node to the node store and returns the
// root hash. After Commit, the trie can be reopened at that root with
// LoadTrie.
func (t *Trie) Commit() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.corrupt {
		return nil, corruption("trie is corrupted, refusing commit")
	}

	if err := t.persist(t.root); err != nil {
		return nil, err
	}

	return nodeHash(t.root), nil
}

func (t *Trie) persist(n trieNode) error {
	switch node := n.(type) {
	case nil:
		return nil
	case *hashRef:
		// already persisted
		return nil
	case *branchNode:
		if err := t.persist(node.left); err != nil {
			return err
		}
		if err := t.persist(node.right); err != nil {
			return err
		}
		return t.store.PutNode(node.hash(), serializeNode(node))
	case *leafNode:
		return t.store.PutNode(node.hash(), serializeNode(node))
	default:
		return corruption("unknown node type %T", n)
	}
}

// fail marks the trie corrupted when err is a corruption error, and passes
// the error through either way.
func (t *Trie) fail(err error) error {
	if IsStateCorruption(err) {
		t.corrupt = true
	}
	return err
}

// resolve loads a hashRef from the node store and checks that the loaded
// encoding hashes to the reference.
func (t *Trie) resolve(n trieNode) (trieNode, error) {
	ref, ok := n.(*hashRef)
	if !ok {
		return n, nil
	}

	data, err := t.store.GetNode(ref.h)
	if err != nil {
		return nil, corruption("missing node %X", ref.h)
	}

	decoded, err := deserializeNode(data)
	if err != nil {
		return nil, err
	}

	// The stored encoding carries the full value while the hash commits to
	// the value's digest, so integrity is checked on the decoded node.
	if !bytes.Equal(nodeHash(decoded), ref.h) {
		return nil, corruption("node %X fails hash check", ref.h)
	}

	return decoded, nil
}

func (t *Trie) insert(n trieNode, depth int, leaf *leafNode) (trieNode, error) {
	if n == nil {
		return leaf, nil
	}

	resolved, err := t.resolve(n)
	if err != nil {
		return nil, err
	}

	switch node := resolved.(type) {
	case *leafNode:
		if bytes.Equal(node.path, leaf.path) {
			// last writer wins
			return leaf, nil
		}
		return splitLeaves(node, leaf, depth), nil
	case *branchNode:
		if pathBit(leaf.path, depth) == 0 {
			child, err := t.insert(node.left, depth+1, leaf)
			if err != nil {
				return nil, err
			}
			return &branchNode{left: child, right: node.right}, nil
		}
		child, err := t.insert(node.right, depth+1, leaf)
		if err != nil {
			return nil, err
		}
		return &branchNode{left: node.left, right: child}, nil
	default:
		return nil, corruption("unknown node type %T", resolved)
	}
}

// splitLeaves builds the branch chain separating two leaves that share a
// prefix from depth onward. The chain's shape depends only on the two
// paths, which keeps the trie canonical for a given key set.
func splitLeaves(a, b *leafNode, depth int) trieNode {
	abit := pathBit(a.path, depth)
	bbit := pathBit(b.path, depth)

	if abit == bbit {
		child := splitLeaves(a, b, depth+1)
		if abit == 0 {
			return &branchNode{left: child}
		}
		return &branchNode{right: child}
	}

	if abit == 0 {
		return &branchNode{left: a, right: b}
	}
	return &branchNode{left: b, right: a}
}

// remove deletes path from the subtree rooted at n. It returns the new
// subtree and whether a leaf was removed. Branches left with a single leaf
// collapse so the trie stays canonical.
func (t *Trie) remove(n trieNode, depth int, path []byte) (trieNode, bool, error) {
	if n == nil {
		return nil, false, nil
	}

	resolved, err := t.resolve(n)
	if err != nil {
		return nil, false, err
	}

	switch node := resolved.(type) {
	case *leafNode:
		if bytes.Equal(node.path, path) {
			return nil, true, nil
		}
		return node, false, nil
	case *branchNode:
		var left, right trieNode
		var removed bool

		if pathBit(path, depth) == 0 {
			left, removed, err = t.remove(node.left, depth+1, path)
			right = node.right
		} else {
			right, removed, err = t.remove(node.right, depth+1, path)
			left = node.left
		}
		if err != nil {
			return nil, false, err
		}
		if !removed {
			return node, false, nil
		}

		collapsed, err := t.collapse(left, right)
		if err != nil {
			return nil, false, err
		}
		return collapsed, true, nil
	default:
		return nil, false, corruption("unknown node type %T", resolved)
	}
}

// collapse simplifies a branch after a removal: an empty branch vanishes and
// a branch holding a single leaf is replaced by the leaf itself.
func (t *Trie) collapse(left, right trieNode) (trieNode, error) {
	if left == nil && right == nil {
		return nil, nil
	}

	if left == nil {
		resolved, err := t.resolve(right)
		if err != nil {
			return nil, err
		}
		if leaf, ok := resolved.(*leafNode); ok {
			return leaf, nil
		}
		return &branchNode{right: resolved}, nil
	}

	if right == nil {
		resolved, err := t.resolve(left)
		if err != nil {
			return nil, err
		}
		if leaf, ok := resolved.(*leafNode); ok {
			return leaf, nil
		}
		return &branchNode{left: resolved}, nil
	}

	return &branchNode{left: left, right: right}, nil
}

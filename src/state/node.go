package state

import (
	"bytes"
	"encoding/binary"

	"github.com/purpleprotocol/weave/src/crypto"
)

/*******************************************************************************
Nodes

The trie has two kinds of nodes. A leaf holds a hashed key and its value; a
branch holds two children, either of which may be empty. Nodes are immutable:
updates build new nodes along the changed path and share the rest.

A hashRef stands in for a node that has not been loaded from the backing
store yet; it is resolved on first access.
*******************************************************************************/

type trieNode interface {
	// hash returns the node's merkle hash, computing and caching it on
	// first use.
	hash() []byte
}

const (
	leafTag   = 0x00
	branchTag = 0x01
	emptyTag  = 0x02
)

// emptyHash commits to an empty subtree.
var emptyHash = crypto.SHA256([]byte{emptyTag})

type leafNode struct {
	path  []byte //hashed key
	value []byte

	cachedHash []byte
}

func (l *leafNode) hash() []byte {
	if l.cachedHash == nil {
		var b bytes.Buffer
		b.WriteByte(leafTag)
		b.Write(l.path)
		b.Write(crypto.SHA256(l.value))
		l.cachedHash = crypto.SHA256(b.Bytes())
	}
	return l.cachedHash
}

type branchNode struct {
	left, right trieNode //nil means empty subtree

	cachedHash []byte
}

func (b *branchNode) hash() []byte {
	if b.cachedHash == nil {
		b.cachedHash = crypto.HashPair(
			append([]byte{branchTag}, nodeHash(b.left)...),
			nodeHash(b.right),
		)
	}
	return b.cachedHash
}

// hashRef is an unresolved reference to a persisted node.
type hashRef struct {
	h []byte
}

func (r *hashRef) hash() []byte {
	return r.h
}

func nodeHash(n trieNode) []byte {
	if n == nil {
		return emptyHash
	}
	return n.hash()
}

/*******************************************************************************
Serialization

leaf:   0x00 || path || uvarint(len(value)) || value
branch: 0x01 || left hash || right hash

Children are referenced by hash; the empty subtree is encoded as emptyHash.
*******************************************************************************/

func serializeNode(n trieNode) []byte {
	switch node := n.(type) {
	case *leafNode:
		var b bytes.Buffer
		var scratch [binary.MaxVarintLen64]byte
		b.WriteByte(leafTag)
		b.Write(node.path)
		l := binary.PutUvarint(scratch[:], uint64(len(node.value)))
		b.Write(scratch[:l])
		b.Write(node.value)
		return b.Bytes()
	case *branchNode:
		var b bytes.Buffer
		b.WriteByte(branchTag)
		b.Write(nodeHash(node.left))
		b.Write(nodeHash(node.right))
		return b.Bytes()
	default:
		panic("state: serializing unresolved node")
	}
}

func deserializeNode(data []byte) (trieNode, error) {
	if len(data) == 0 {
		return nil, corruption("empty node encoding")
	}

	switch data[0] {
	case leafTag:
		rest := data[1:]
		if len(rest) < crypto.DigestLength {
			return nil, corruption("truncated leaf path")
		}
		path := rest[:crypto.DigestLength]
		r := bytes.NewReader(rest[crypto.DigestLength:])
		valueLen, err := binary.ReadUvarint(r)
		if err != nil || valueLen > uint64(r.Len()) {
			return nil, corruption("truncated leaf value")
		}
		value := make([]byte, valueLen)
		r.Read(value)
		if r.Len() != 0 {
			return nil, corruption("trailing bytes in leaf encoding")
		}
		return &leafNode{path: append([]byte{}, path...), value: value}, nil
	case branchTag:
		rest := data[1:]
		if len(rest) != 2*crypto.DigestLength {
			return nil, corruption("malformed branch encoding")
		}
		var left, right trieNode
		lh := rest[:crypto.DigestLength]
		rh := rest[crypto.DigestLength:]
		if !bytes.Equal(lh, emptyHash) {
			left = &hashRef{h: append([]byte{}, lh...)}
		}
		if !bytes.Equal(rh, emptyHash) {
			right = &hashRef{h: append([]byte{}, rh...)}
		}
		return &branchNode{left: left, right: right}, nil
	default:
		return nil, corruption("unknown node tag %d", data[0])
	}
}

// pathBit returns bit i of path, most significant first.
func pathBit(path []byte, i int) byte {
	return (path[i/8] >> (7 - uint(i%8))) & 1
}

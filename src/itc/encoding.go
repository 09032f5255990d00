package itc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

/*******************************************************************************
Binary encoding

A stamp is encoded as a version byte followed by the preorder serialization of
the identity tree and then the event tree.

Identity tree: 0x00 for a 0 leaf, 0x01 for a 1 leaf, 0x02 for a node followed
by its left and right subtrees.

Event tree: 0x00 followed by the uvarint base value for a leaf, 0x01 followed
by the uvarint base value and the left and right subtrees for a node.

The encoding is canonical: normalized stamps have exactly one encoding, which
makes it safe to include in the hashed bytes of an event record.
*******************************************************************************/

const stampEncodingVersion = 0x01

// maxTreeDepth bounds decoded trees. Deeper trees than this cannot arise
// from any realistic fork pattern and indicate a malformed or hostile
// encoding.
const maxTreeDepth = 128

const (
	idTagZero = 0x00
	idTagOne  = 0x01
	idTagNode = 0x02

	evTagLeaf = 0x00
	evTagNode = 0x01
)

// InvalidStampError is returned when a stamp encoding cannot be decoded.
// Malformed stamps are a permanent rejection; there is no transient variant.
type InvalidStampError struct {
	msg string
}

func (e InvalidStampError) Error() string {
	return fmt.Sprintf("invalid stamp: %s", e.msg)
}

// IsInvalidStamp checks that an error is an InvalidStampError.
func IsInvalidStamp(err error) bool {
	_, ok := err.(InvalidStampError)
	return ok
}

func invalidStamp(format string, args ...interface{}) error {
	return InvalidStampError{msg: fmt.Sprintf(format, args...)}
}

// Marshal returns the canonical binary encoding of the stamp.
func (s Stamp) Marshal() []byte {
	var b bytes.Buffer
	b.WriteByte(stampEncodingVersion)
	marshalID(&b, s.id)
	marshalEv(&b, s.ev)
	return b.Bytes()
}

func marshalID(b *bytes.Buffer, i *idNode) {
	if i.leaf() {
		if i.value == 0 {
			b.WriteByte(idTagZero)
		} else {
			b.WriteByte(idTagOne)
		}
		return
	}
	b.WriteByte(idTagNode)
	marshalID(b, i.left)
	marshalID(b, i.right)
}

func marshalEv(b *bytes.Buffer, e *evNode) {
	var scratch [binary.MaxVarintLen64]byte
	if e.leaf() {
		b.WriteByte(evTagLeaf)
		n := binary.PutUvarint(scratch[:], uint64(e.value))
		b.Write(scratch[:n])
		return
	}
	b.WriteByte(evTagNode)
	n := binary.PutUvarint(scratch[:], uint64(e.value))
	b.Write(scratch[:n])
	marshalEv(b, e.left)
	marshalEv(b, e.right)
}

// Unmarshal decodes a stamp from its binary encoding. It returns an
// InvalidStampError on any malformed input, including trailing bytes.
func Unmarshal(data []byte) (Stamp, error) {
	if len(data) == 0 {
		return Stamp{}, invalidStamp("empty encoding")
	}
	if data[0] != stampEncodingVersion {
		return Stamp{}, invalidStamp("unknown version %d", data[0])
	}

	r := bytes.NewReader(data[1:])

	id, err := unmarshalID(r, 0)
	if err != nil {
		return Stamp{}, err
	}

	ev, err := unmarshalEv(r, 0)
	if err != nil {
		return Stamp{}, err
	}

	if r.Len() != 0 {
		return Stamp{}, invalidStamp("%d trailing bytes", r.Len())
	}

	return Stamp{id: id, ev: ev}, nil
}

func unmarshalID(r *bytes.Reader, depth int) (*idNode, error) {
	if depth > maxTreeDepth {
		return nil, invalidStamp("identity tree deeper than %d", maxTreeDepth)
	}

	tag, err := r.ReadByte()
	if err != nil {
		return nil, invalidStamp("truncated identity tree")
	}

	switch tag {
	case idTagZero:
		return idZero, nil
	case idTagOne:
		return idOne, nil
	case idTagNode:
		left, err := unmarshalID(r, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := unmarshalID(r, depth+1)
		if err != nil {
			return nil, err
		}
		return &idNode{left: left, right: right}, nil
	default:
		return nil, invalidStamp("unknown identity tag %d", tag)
	}
}

func unmarshalEv(r *bytes.Reader, depth int) (*evNode, error) {
	if depth > maxTreeDepth {
		return nil, invalidStamp("event tree deeper than %d", maxTreeDepth)
	}

	tag, err := r.ReadByte()
	if err != nil {
		return nil, invalidStamp("truncated event tree")
	}

	value, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, invalidStamp("truncated event value")
	}
	if value > 1<<62 {
		return nil, invalidStamp("event value overflow")
	}

	switch tag {
	case evTagLeaf:
		return evLeaf(int(value)), nil
	case evTagNode:
		left, err := unmarshalEv(r, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := unmarshalEv(r, depth+1)
		if err != nil {
			return nil, err
		}
		return &evNode{value: int(value), left: left, right: right}, nil
	default:
		return nil, invalidStamp("unknown event tag %d", tag)
	}
}

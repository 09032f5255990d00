package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/purpleprotocol/weave/src/common"
	"github.com/purpleprotocol/weave/src/crypto"
	"github.com/purpleprotocol/weave/src/crypto/keys"
	"github.com/purpleprotocol/weave/src/itc"
)

/*******************************************************************************
EventBody
*******************************************************************************/

// EventBody contains the payload of an Event as well as the information that
// ties it to the rest of the DAG.
type EventBody struct {
	Parents []string //hashes of the event's parents; empty only for genesis
	Stamp   []byte   //binary encoding of the event's causality stamp
	Payload []byte   //opaque transaction bytes, unparsed by this core
	Author  []byte   //author's public key
}

// canonicalBytes is the exact byte sequence that is hashed for the event's id
// and signed by the author:
//
//	parent_ids || stamp || payload_length || payload || author
//
// Every variable-length field is preceded by its uvarint length so the
// encoding is unambiguous. Parent ids are written as raw digests.
func (e *EventBody) canonicalBytes() ([]byte, error) {
	var b bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		b.Write(scratch[:n])
	}

	writeUvarint(uint64(len(e.Parents)))
	for _, p := range e.Parents {
		raw, err := common.DecodeFromString(p)
		if err != nil {
			return nil, fmt.Errorf("malformed parent id %s: %v", p, err)
		}
		if len(raw) != crypto.DigestLength {
			return nil, fmt.Errorf("parent id %s is not a digest", p)
		}
		b.Write(raw)
	}

	writeUvarint(uint64(len(e.Stamp)))
	b.Write(e.Stamp)

	writeUvarint(uint64(len(e.Payload)))
	b.Write(e.Payload)

	writeUvarint(uint64(len(e.Author)))
	b.Write(e.Author)

	return b.Bytes(), nil
}

// Hash returns the SHA256 hash of the canonical encoding.
func (e *EventBody) Hash() ([]byte, error) {
	canonical, err := e.canonicalBytes()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(canonical), nil
}

/*******************************************************************************
Event
*******************************************************************************/

// Event is the fundamental unit of the weave DAG. It combines an EventBody
// with the author's signature over the body's canonical bytes. Events are
// immutable once created; the private fields cache local computations only.
type Event struct {
	Body      EventBody
	Signature string //author's digital signature of the canonical body bytes

	topologicalIndex int

	stamp  *itc.Stamp
	author string
	hash   []byte
	hex    string
}

// NewEvent instantiates a new Event. The stamp is encoded immediately so the
// caller's Stamp value can keep evolving without affecting the event.
func NewEvent(payload []byte, parents []string, stamp itc.Stamp, author []byte) *Event {
	return &Event{
		Body: EventBody{
			Parents: parents,
			Stamp:   stamp.Marshal(),
			Payload: payload,
			Author:  author,
		},
		stamp: &stamp,
	}
}

// populate fills the memoized stamp, hash and id. Decoded events are handed
// to multiple goroutines through the store caches, so the memo fields must be
// written before the event escapes the decoder.
func (e *Event) populate() error {
	s, err := itc.Unmarshal(e.Body.Stamp)
	if err != nil {
		return err
	}
	e.stamp = &s

	hash, err := e.Body.Hash()
	if err != nil {
		return err
	}
	e.hash = hash
	e.hex = common.EncodeToString(hash)
	e.author = common.EncodeToString(e.Body.Author)

	return nil
}

// Author returns the string representation of the author's public key.
func (e *Event) Author() string {
	if e.author == "" {
		e.author = common.EncodeToString(e.Body.Author)
	}
	return e.author
}

// Parents returns the ids of the event's parents.
func (e *Event) Parents() []string {
	return e.Body.Parents
}

// Payload returns the event's opaque payload bytes.
func (e *Event) Payload() []byte {
	return e.Body.Payload
}

// IsGenesis reports whether the event designates itself as the genesis
// event: the only event allowed to have no parents.
func (e *Event) IsGenesis() bool {
	return len(e.Body.Parents) == 0
}

// Stamp decodes and caches the event's causality stamp.
func (e *Event) Stamp() (itc.Stamp, error) {
	if e.stamp == nil {
		s, err := itc.Unmarshal(e.Body.Stamp)
		if err != nil {
			return itc.Stamp{}, err
		}
		e.stamp = &s
	}
	return *e.stamp, nil
}

// Sign signs the canonical bytes of the event's body with an ecdsa key.
func (e *Event) Sign(privKey *ecdsa.PrivateKey) error {
	signBytes, err := e.Body.Hash()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return err
	}

	e.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify verifies the event's signature against the author's public key.
func (e *Event) Verify() (bool, error) {
	pubKey := keys.ToPublicKey(e.Body.Author)
	if pubKey == nil {
		return false, fmt.Errorf("event author is not a valid public key")
	}

	signBytes, err := e.Body.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(e.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Hash returns the SHA256 hash of the canonical body bytes. This is the
// event's content address; the signature is not part of it.
func (e *Event) Hash() ([]byte, error) {
	if len(e.hash) == 0 {
		hash, err := e.Body.Hash()
		if err != nil {
			return nil, err
		}
		e.hash = hash
	}
	return e.hash, nil
}

// Hex returns a hex string representation of the event's hash. It is the id
// under which the event is indexed everywhere.
func (e *Event) Hex() string {
	if e.hex == "" {
		hash, _ := e.Hash()
		e.hex = common.EncodeToString(hash)
	}
	return e.hex
}

// SetTopologicalIndex records the order in which the event was admitted
// locally. This order differs between nodes and is never used for consensus.
func (e *Event) SetTopologicalIndex(i int) {
	e.topologicalIndex = i
}

// TopologicalIndex returns the local admission index.
func (e *Event) TopologicalIndex() int {
	return e.topologicalIndex
}

/*******************************************************************************
Wire encoding

The wire encoding extends the canonical bytes with the signature:

	parent_ids || stamp || payload_length || payload || author || signature

This is the format exchanged with the gossip layer.
*******************************************************************************/

// MarshalWire returns the wire encoding of the event.
func (e *Event) MarshalWire() ([]byte, error) {
	canonical, err := e.Body.canonicalBytes()
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	b.Write(canonical)

	n := binary.PutUvarint(scratch[:], uint64(len(e.Signature)))
	b.Write(scratch[:n])
	b.WriteString(e.Signature)

	return b.Bytes(), nil
}

// UnmarshalWire decodes an event from its wire encoding.
func (e *Event) UnmarshalWire(data []byte) error {
	r := bytes.NewReader(data)

	readUvarint := func(what string) (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, fmt.Errorf("truncated %s", what)
		}
		if v > uint64(len(data)) {
			return 0, fmt.Errorf("%s length overflows encoding", what)
		}
		return v, nil
	}

	numParents, err := readUvarint("parent count")
	if err != nil {
		return err
	}

	parents := make([]string, 0, numParents)
	digest := make([]byte, crypto.DigestLength)
	for i := uint64(0); i < numParents; i++ {
		if _, err := io.ReadFull(r, digest); err != nil {
			return fmt.Errorf("truncated parent id")
		}
		parents = append(parents, common.EncodeToString(digest))
	}

	stampLen, err := readUvarint("stamp")
	if err != nil {
		return err
	}
	stamp := make([]byte, stampLen)
	if _, err := io.ReadFull(r, stamp); err != nil {
		return fmt.Errorf("truncated stamp")
	}

	payloadLen, err := readUvarint("payload")
	if err != nil {
		return err
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("truncated payload")
	}

	authorLen, err := readUvarint("author")
	if err != nil {
		return err
	}
	author := make([]byte, authorLen)
	if _, err := io.ReadFull(r, author); err != nil {
		return fmt.Errorf("truncated author")
	}

	sigLen, err := readUvarint("signature")
	if err != nil {
		return err
	}
	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return fmt.Errorf("truncated signature")
	}

	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes in event encoding", r.Len())
	}

	e.Body = EventBody{
		Parents: parents,
		Stamp:   stamp,
		Payload: payload,
		Author:  author,
	}
	e.Signature = string(sig)

	return e.populate()
}

/*******************************************************************************
DB encoding
*******************************************************************************/

type eventWrapper struct {
	Body             EventBody
	Signature        string
	TopologicalIndex int
}

// MarshalDB returns the canonical-JSON encoding of the Event along with the
// private topological index, which the default encoding would drop. It is
// used to persist events in the database so the local admission order
// survives a restart.
func (e *Event) MarshalDB() ([]byte, error) {
	wrapper := eventWrapper{
		Body:             e.Body,
		Signature:        e.Signature,
		TopologicalIndex: e.topologicalIndex,
	}

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(wrapper); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalDB decodes an event produced by MarshalDB.
func (e *Event) UnmarshalDB(data []byte) error {
	var wrapper eventWrapper

	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(&wrapper); err != nil {
		return err
	}

	e.Body = wrapper.Body
	e.Signature = wrapper.Signature
	e.topologicalIndex = wrapper.TopologicalIndex

	return e.populate()
}

/*******************************************************************************
Sorting
*******************************************************************************/

// ByTopologicalOrder implements sort.Interface for []*Event based on the
// private topologicalIndex field: the order in which events were admitted
// locally. THIS IS NOT A CONSENSUS ORDER.
type ByTopologicalOrder []*Event

// Len implements the sort.Interface
func (a ByTopologicalOrder) Len() int { return len(a) }

// Swap implements the sort.Interface
func (a ByTopologicalOrder) Swap(i, j int) { a[i], a[j] = a[j], a[i] }

// Less implements the sort.Interface
func (a ByTopologicalOrder) Less(i, j int) bool {
	return a[i].topologicalIndex < a[j].topologicalIndex
}

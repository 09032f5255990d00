package ledger

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/purpleprotocol/weave/src/crypto"
)

// Store is the persistence capability required by the ledger core. It exposes
// three logical namespaces: events by id, state-trie nodes by hash, and the
// finalized-frontier checkpoint. Implementations must be safe for concurrent
// use; the DAG serializes writes but readers run in parallel.
type Store interface {
	// CacheSize returns the size limit of the store's caches, when it has
	// any.
	CacheSize() int

	// GetEvent retrieves an event by its hex id.
	GetEvent(id string) (*Event, error)

	// SetEvent inserts an event. Re-inserting an existing id is a no-op.
	SetEvent(event *Event) error

	// HasEvent reports whether the id resolves without fetching the event.
	HasEvent(id string) bool

	// AddFinalized appends an event id to the finalized sequence at the
	// given consensus index.
	AddFinalized(id string, index int) error

	// Finalized returns the cached finalized ids with index > skipIndex.
	Finalized(skipIndex int) ([]string, error)

	// FinalizedCount returns the total number of finalized events.
	FinalizedCount() int

	// GetNode retrieves a state-trie node by hash.
	GetNode(hash []byte) ([]byte, error)

	// PutNode stores a state-trie node under its hash.
	PutNode(hash []byte, data []byte) error

	// GetCheckpoint returns the last saved finalized-frontier checkpoint.
	GetCheckpoint() (*Checkpoint, error)

	// SetCheckpoint saves a finalized-frontier checkpoint.
	SetCheckpoint(c *Checkpoint) error

	// Close releases underlying resources.
	Close() error

	// StorePath returns the location of the underlying database, empty for
	// in-memory stores.
	StorePath() string
}

/*******************************************************************************
Checkpoint
*******************************************************************************/

// Checkpoint is the versioned value describing the finalized frontier: how
// many events are final, the id of the last one, and the state root they
// produce. It is the only mutable consensus state that survives a restart.
type Checkpoint struct {
	Index         int    //number of finalized events minus one
	LastFinalized string //id of the last finalized event
	StateRoot     []byte //root of the state accumulator after applying it
}

// Marshal returns the canonical-JSON encoding of the checkpoint.
func (c *Checkpoint) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(c); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes a checkpoint produced by Marshal.
func (c *Checkpoint) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(c)
}

// Hash returns the SHA256 hash of the checkpoint's canonical encoding.
func (c *Checkpoint) Hash() ([]byte, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

package ledger

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	cm "github.com/purpleprotocol/weave/src/common"
)

/*
Key namespaces. Events, trie nodes and the checkpoint share one badger
database under distinct prefixes. The topo index maps local admission order
to event ids so the DAG can be replayed in a valid order on restart.
*/
const (
	eventPrefix   = "event"
	topoPrefix    = "topo"
	nodePrefix    = "node"
	checkpointKey = "checkpoint"
)

func eventKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", eventPrefix, id))
}

func topoKey(index int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", topoPrefix, index))
}

func nodeKey(hash []byte) []byte {
	return append([]byte(nodePrefix+"_"), hash...)
}

// BadgerStore implements the Store interface with a badger database behind
// LRU read caches. Writes go through to disk; reads are served from the
// caches when possible.
type BadgerStore struct {
	cacheSize  int
	eventCache *cm.LRU //id => *Event
	nodeCache  *cm.LRU //string(hash) => []byte

	finalized    *cm.RollingIndex
	totFinalized int

	db   *badger.DB
	path string
}

// NewBadgerStore creates a BadgerStore, reusing an existing database at path
// if one is present.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		cacheSize:  cacheSize,
		eventCache: cm.NewLRU(cacheSize, nil),
		nodeCache:  cm.NewLRU(cacheSize, nil),
		finalized:  cm.NewRollingIndex("Finalized", cacheSize),
		db:         handle,
		path:       path,
	}

	return store, nil
}

// CacheSize implements the Store interface.
func (s *BadgerStore) CacheSize() int {
	return s.cacheSize
}

// GetEvent implements the Store interface.
func (s *BadgerStore) GetEvent(id string) (*Event, error) {
	if cached, ok := s.eventCache.Get(id); ok {
		return cached.(*Event), nil
	}

	ev, err := s.dbGetEvent(id)
	if err != nil {
		return nil, cm.NewStoreErr("Events", cm.KeyNotFound, id)
	}

	s.eventCache.Add(id, ev)

	return ev, nil
}

// SetEvent implements the Store interface.
func (s *BadgerStore) SetEvent(event *Event) error {
	if err := s.dbSetEvent(event); err != nil {
		return err
	}
	s.eventCache.Add(event.Hex(), event)
	return nil
}

// HasEvent implements the Store interface.
func (s *BadgerStore) HasEvent(id string) bool {
	if s.eventCache.Contains(id) {
		return true
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(id))
		return err
	})

	return err == nil
}

// AddFinalized implements the Store interface.
func (s *BadgerStore) AddFinalized(id string, index int) error {
	if err := s.finalized.Set(id, index); err != nil {
		return err
	}
	s.totFinalized++
	return nil
}

// Finalized implements the Store interface.
func (s *BadgerStore) Finalized(skipIndex int) ([]string, error) {
	items, err := s.finalized.Get(skipIndex)
	if err != nil {
		return nil, err
	}

	res := make([]string, len(items))
	for i, item := range items {
		res[i] = item.(string)
	}
	return res, nil
}

// FinalizedCount implements the Store interface.
func (s *BadgerStore) FinalizedCount() int {
	return s.totFinalized
}

// GetNode implements the Store interface.
func (s *BadgerStore) GetNode(hash []byte) ([]byte, error) {
	if cached, ok := s.nodeCache.Get(string(hash)); ok {
		return cached.([]byte), nil
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, cm.NewStoreErr("Nodes", cm.KeyNotFound, string(hash))
	}

	s.nodeCache.Add(string(hash), data)

	return data, nil
}

// PutNode implements the Store interface.
func (s *BadgerStore) PutNode(hash []byte, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(hash), data)
	})
	if err != nil {
		return err
	}
	s.nodeCache.Add(string(hash), data)
	return nil
}

// GetCheckpoint implements the Store interface.
func (s *BadgerStore) GetCheckpoint() (*Checkpoint, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, cm.NewStoreErr("Checkpoint", cm.NoCheckpoint, "")
	}

	checkpoint := new(Checkpoint)
	if err := checkpoint.Unmarshal(data); err != nil {
		return nil, err
	}

	return checkpoint, nil
}

// SetCheckpoint implements the Store interface.
func (s *BadgerStore) SetCheckpoint(c *Checkpoint) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointKey), data)
	})
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

// TopologicalEvents returns all stored events sorted by their local
// admission order. It is used to replay the DAG on restart.
func (s *BadgerStore) TopologicalEvents() ([]*Event, error) {
	res := []*Event{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(topoPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			idBytes, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			ev, err := s.dbGetEvent(string(idBytes))
			if err != nil {
				return err
			}

			res = append(res, ev)
		}

		return nil
	})

	return res, err
}

/*******************************************************************************
DB Methods
*******************************************************************************/

func (s *BadgerStore) dbGetEvent(id string) (*Event, error) {
	var eventBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if err != nil {
			return err
		}
		eventBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, err
	}

	event := new(Event)
	if err := event.UnmarshalDB(eventBytes); err != nil {
		return nil, err
	}

	return event, nil
}

func (s *BadgerStore) dbSetEvent(event *Event) error {
	val, err := event.MarshalDB()
	if err != nil {
		return err
	}

	id := event.Hex()

	return s.db.Update(func(txn *badger.Txn) error {
		//check if it already exists
		isNew := false
		if _, err := txn.Get(eventKey(id)); err == badger.ErrKeyNotFound {
			isNew = true
		}

		//insert [event_id] => [event bytes]
		if err := txn.Set(eventKey(id), val); err != nil {
			return err
		}

		if isNew {
			//insert [topo_index] => [event id]
			if err := txn.Set(topoKey(event.TopologicalIndex()), []byte(id)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Remove the database directory. Only used by tests.
func removeBadgerDB(path string) error {
	return os.RemoveAll(path)
}

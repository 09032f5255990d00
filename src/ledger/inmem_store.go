package ledger

import (
	"sync"

	cm "github.com/purpleprotocol/weave/src/common"
)

// InmemStore implements the Store interface in memory. Events and trie nodes
// are held in plain maps: the DAG closure invariant requires every admitted
// event's parents to stay resolvable, so the event namespace cannot evict.
// Only the finalized sequence is bounded, by a rolling window.
type InmemStore struct {
	cacheSize int

	eventsMu sync.RWMutex
	events   map[string]*Event

	nodesMu sync.RWMutex
	nodes   map[string][]byte

	finalizedMu    sync.RWMutex
	finalized      *cm.RollingIndex //consensus index => event id
	totFinalized   int
	lastCheckpoint *Checkpoint
}

// NewInmemStore creates an InmemStore. cacheSize bounds the finalized
// rolling window.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize: cacheSize,
		events:    make(map[string]*Event),
		nodes:     make(map[string][]byte),
		finalized: cm.NewRollingIndex("Finalized", cacheSize),
	}
}

// CacheSize implements the Store interface.
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// GetEvent implements the Store interface.
func (s *InmemStore) GetEvent(id string) (*Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, cm.NewStoreErr("Events", cm.KeyNotFound, id)
	}
	return ev, nil
}

// SetEvent implements the Store interface.
func (s *InmemStore) SetEvent(event *Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	s.events[event.Hex()] = event
	return nil
}

// HasEvent implements the Store interface.
func (s *InmemStore) HasEvent(id string) bool {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	_, ok := s.events[id]
	return ok
}

// AddFinalized implements the Store interface.
func (s *InmemStore) AddFinalized(id string, index int) error {
	s.finalizedMu.Lock()
	defer s.finalizedMu.Unlock()

	if err := s.finalized.Set(id, index); err != nil {
		return err
	}
	s.totFinalized++
	return nil
}

// Finalized implements the Store interface.
func (s *InmemStore) Finalized(skipIndex int) ([]string, error) {
	s.finalizedMu.RLock()
	defer s.finalizedMu.RUnlock()

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
func (s *InmemStore) FinalizedCount() int {
	s.finalizedMu.RLock()
	defer s.finalizedMu.RUnlock()

	return s.totFinalized
}

// GetNode implements the Store interface.
func (s *InmemStore) GetNode(hash []byte) ([]byte, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	data, ok := s.nodes[string(hash)]
	if !ok {
		return nil, cm.NewStoreErr("Nodes", cm.KeyNotFound, string(hash))
	}
	return data, nil
}

// PutNode implements the Store interface.
func (s *InmemStore) PutNode(hash []byte, data []byte) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	s.nodes[string(hash)] = data
	return nil
}

// GetCheckpoint implements the Store interface.
func (s *InmemStore) GetCheckpoint() (*Checkpoint, error) {
	s.finalizedMu.RLock()
	defer s.finalizedMu.RUnlock()

	if s.lastCheckpoint == nil {
		return nil, cm.NewStoreErr("Checkpoint", cm.NoCheckpoint, "")
	}
	return s.lastCheckpoint, nil
}

// SetCheckpoint implements the Store interface.
func (s *InmemStore) SetCheckpoint(c *Checkpoint) error {
	s.finalizedMu.Lock()
	defer s.finalizedMu.Unlock()

	s.lastCheckpoint = c
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

package ledger

import (
	"sync"
)

// pendingEvent is an event waiting in the buffer together with the set of
// parent ids still unknown, and an arrival sequence for oldest-first
// eviction.
type pendingEvent struct {
	event   *Event
	missing map[string]bool
	seq     uint64
}

// PendingBuffer holds events whose parents have not arrived yet. It is
// bounded: once capacity is exceeded, the oldest pending event is dropped.
// The buffer is safe for concurrent use; the DAG calls it under its own
// lock, but stats readers may probe it from other goroutines.
type PendingBuffer struct {
	mu sync.RWMutex

	limit   int
	nextSeq uint64

	byID       map[string]*pendingEvent
	byMissing  map[string]map[string]*pendingEvent //missing parent id => waiting events by id
	numEvicted int
}

// NewPendingBuffer creates a PendingBuffer holding at most limit events.
func NewPendingBuffer(limit int) *PendingBuffer {
	return &PendingBuffer{
		limit:     limit,
		byID:      make(map[string]*pendingEvent),
		byMissing: make(map[string]map[string]*pendingEvent),
	}
}

// Add inserts an event waiting for the given missing parents. It returns the
// events evicted to make room, oldest first.
func (p *PendingBuffer) Add(event *Event, missing []string) []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := event.Hex()
	if _, ok := p.byID[id]; ok {
		return nil
	}

	pe := &pendingEvent{
		event:   event,
		missing: make(map[string]bool, len(missing)),
		seq:     p.nextSeq,
	}
	p.nextSeq++

	for _, m := range missing {
		pe.missing[m] = true
		waiting, ok := p.byMissing[m]
		if !ok {
			waiting = make(map[string]*pendingEvent)
			p.byMissing[m] = waiting
		}
		waiting[id] = pe
	}

	p.byID[id] = pe

	evicted := []*Event{}
	for len(p.byID) > p.limit {
		oldest := p.oldest()
		if oldest == nil {
			break
		}
		p.remove(oldest)
		p.numEvicted++
		evicted = append(evicted, oldest.event)
	}

	return evicted
}

// Resolve marks parentID as arrived and returns the buffered events that
// have no missing parents left. Those events are removed from the buffer;
// events still missing other parents stay.
func (p *PendingBuffer) Resolve(parentID string) []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiting, ok := p.byMissing[parentID]
	if !ok {
		return nil
	}
	delete(p.byMissing, parentID)

	ready := []*Event{}
	for id, pe := range waiting {
		delete(pe.missing, parentID)
		if len(pe.missing) == 0 {
			delete(p.byID, id)
			ready = append(ready, pe.event)
		}
	}

	return ready
}

// Has reports whether the event id is buffered.
func (p *PendingBuffer) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.byID[id]
	return ok
}

// Len returns the number of buffered events.
func (p *PendingBuffer) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.byID)
}

// Evicted returns the number of events dropped from a full buffer since
// creation.
func (p *PendingBuffer) Evicted() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.numEvicted
}

func (p *PendingBuffer) oldest() *pendingEvent {
	var oldest *pendingEvent
	for _, pe := range p.byID {
		if oldest == nil || pe.seq < oldest.seq {
			oldest = pe
		}
	}
	return oldest
}

func (p *PendingBuffer) remove(pe *pendingEvent) {
	id := pe.event.Hex()
	delete(p.byID, id)
	for m := range pe.missing {
		if waiting, ok := p.byMissing[m]; ok {
			delete(waiting, id)
			if len(waiting) == 0 {
				delete(p.byMissing, m)
			}
		}
	}
}

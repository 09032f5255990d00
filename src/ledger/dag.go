package ledger

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/purpleprotocol/weave/src/itc"
)

// DAG is the append-only graph of admitted events plus its two derived
// indices: the event store (by id) and the frontier (current tips). Many
// goroutines may call Insert concurrently; the frontier, the pending buffer
// and the topological list are guarded by a single core lock, while
// historical reads go straight to the store.
type DAG struct {
	coreLock sync.Mutex

	store   Store
	pending *PendingBuffer

	frontier    map[string]bool
	topological []string
	topoCounter int
	genesisID   string

	notify func(*Event)

	logger *logrus.Entry
}

// NewDAG instantiates a DAG over the given store. pendingLimit bounds the
// buffer of events waiting for unknown parents.
func NewDAG(store Store, pendingLimit int, logger *logrus.Entry) *DAG {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &DAG{
		store:    store,
		pending:  NewPendingBuffer(pendingLimit),
		frontier: make(map[string]bool),
		logger:   logger.WithField("component", "dag"),
	}
}

// SetNotifyFunc registers a callback invoked once per newly admitted event,
// outside the core lock. The node uses it to hand admitted events to the
// gossip layer.
func (d *DAG) SetNotifyFunc(fn func(*Event)) {
	d.notify = fn
}

// Insert validates and admits an event, as well as any buffered events its
// arrival unblocks. It returns the events admitted by this call in admission
// order.
//
// Re-inserting a known event is a no-op, not an error. A missing parent
// buffers the event and returns an UnresolvedParentError; signature and
// stamp violations reject it permanently.
func (d *DAG) Insert(event *Event) ([]*Event, error) {
	id := event.Hex()

	if d.store.HasEvent(id) || d.pending.Has(id) {
		return nil, nil
	}

	// Signature verification is the expensive step; it happens before
	// taking the core lock so unrelated insertions can verify in parallel.
	ok, err := event.Verify()
	if err != nil || !ok {
		d.logger.WithFields(logrus.Fields{
			"event": id,
			"err":   err,
		}).Debug("Rejecting event with invalid signature")
		return nil, InvalidSignatureError{ID: id}
	}

	if _, err := event.Stamp(); err != nil {
		return nil, err
	}

	d.coreLock.Lock()

	admitted, err := d.insertLocked(event)

	d.coreLock.Unlock()

	if d.notify != nil {
		for _, ev := range admitted {
			d.notify(ev)
		}
	}

	return admitted, err
}

// insertLocked runs the admission pipeline for event and drains the pending
// buffer of anything its admission unblocks. Caller holds the core lock.
func (d *DAG) insertLocked(event *Event) ([]*Event, error) {
	admitted := []*Event{}

	if err := d.admit(event); err != nil {
		return nil, err
	}
	admitted = append(admitted, event)

	// Events buffered on this id (or on ids admitted below) may now be
	// complete; admit them recursively, in arrival order.
	queue := d.pending.Resolve(event.Hex())
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if err := d.admit(next); err != nil {
			// A buffered event can still fail the clock check; it is
			// dropped, never re-buffered.
			d.logger.WithFields(logrus.Fields{
				"event": next.Hex(),
				"err":   err,
			}).Debug("Dropping unblocked pending event")
			continue
		}
		admitted = append(admitted, next)
		queue = append(queue, d.pending.Resolve(next.Hex())...)
	}

	return admitted, nil
}

// admit validates event against the DAG and inserts it. Caller holds the
// core lock.
func (d *DAG) admit(event *Event) error {
	id := event.Hex()

	if d.store.HasEvent(id) {
		return nil
	}

	stamp, err := event.Stamp()
	if err != nil {
		return err
	}

	if event.IsGenesis() {
		if d.genesisID != "" {
			return ClockInconsistencyError{ID: id, Msg: "parentless event after genesis"}
		}
		d.insert(event)
		d.genesisID = id
		return nil
	}

	// Every parent must resolve; otherwise buffer and report which ids are
	// missing.
	missing := []string{}
	parents := []*Event{}
	for _, p := range event.Parents() {
		parent, err := d.store.GetEvent(p)
		if err != nil {
			missing = append(missing, p)
			continue
		}
		parents = append(parents, parent)
	}

	if len(missing) > 0 {
		evicted := d.pending.Add(event, missing)
		for _, ev := range evicted {
			d.logger.WithField("event", ev.Hex()).Debug("Pending buffer full, dropping oldest")
		}
		return UnresolvedParentError{ID: id, Missing: missing}
	}

	// The event's stamp must strictly dominate the join of its parents'
	// stamps: equal means no logical progress, incomparable means causal
	// regression.
	required, err := parents[0].Stamp()
	if err != nil {
		return err
	}
	for _, parent := range parents[1:] {
		ps, err := parent.Stamp()
		if err != nil {
			return err
		}
		required = itc.Join(required, ps)
	}

	if !required.Leq(stamp) {
		return ClockInconsistencyError{ID: id, Msg: "stamp does not dominate parents"}
	}
	if stamp.Leq(required) {
		return ClockInconsistencyError{ID: id, Msg: "stamp claims no progress over parents"}
	}

	d.insert(event)

	return nil
}

// insert performs the actual bookkeeping: store write, frontier update,
// topological append. Caller holds the core lock and has validated event.
func (d *DAG) insert(event *Event) {
	id := event.Hex()

	event.SetTopologicalIndex(d.topoCounter)
	d.topoCounter++

	// Store errors here would mean the backing database is broken; the
	// event was validated, so surface loudly rather than corrupt silently.
	if err := d.store.SetEvent(event); err != nil {
		d.logger.WithError(err).Error("Failed to persist admitted event")
	}

	for _, p := range event.Parents() {
		delete(d.frontier, p)
	}
	d.frontier[id] = true

	d.topological = append(d.topological, id)

	d.logger.WithFields(logrus.Fields{
		"event":    id,
		"parents":  len(event.Parents()),
		"frontier": len(d.frontier),
	}).Debug("Admitted event")
}

// Genesis returns the id of the genesis event, or "" before one is admitted.
func (d *DAG) Genesis() string {
	d.coreLock.Lock()
	defer d.coreLock.Unlock()

	return d.genesisID
}

// ContainsEvent reports whether the id was admitted.
func (d *DAG) ContainsEvent(id string) bool {
	return d.store.HasEvent(id)
}

// GetEvent retrieves an admitted event by id.
func (d *DAG) GetEvent(id string) (*Event, error) {
	return d.store.GetEvent(id)
}

// Frontier returns the current tip ids, sorted. The frontier is transient
// under concurrent admissions; callers must not assume an id is still a tip
// by the time they act on it.
func (d *DAG) Frontier() []string {
	d.coreLock.Lock()
	defer d.coreLock.Unlock()

	res := make([]string, 0, len(d.frontier))
	for id := range d.frontier {
		res = append(res, id)
	}
	sort.Strings(res)

	return res
}

// FrontierStamps returns the stamps of the current tips.
func (d *DAG) FrontierStamps() ([]itc.Stamp, error) {
	tips := d.Frontier()

	stamps := make([]itc.Stamp, 0, len(tips))
	for _, id := range tips {
		ev, err := d.store.GetEvent(id)
		if err != nil {
			return nil, err
		}
		s, err := ev.Stamp()
		if err != nil {
			return nil, err
		}
		stamps = append(stamps, s)
	}

	return stamps, nil
}

// Topological returns the ids of all admitted events that have not been
// forgotten, in local admission order. Parents always precede children.
func (d *DAG) Topological() []string {
	d.coreLock.Lock()
	defer d.coreLock.Unlock()

	res := make([]string, len(d.topological))
	copy(res, d.topological)

	return res
}

// Forget removes ids from the topological working set. It is called by the
// consensus engine for events finalized longer than the retention window;
// the events remain in the store but no longer take part in finality
// computations.
func (d *DAG) Forget(ids []string) {
	d.coreLock.Lock()
	defer d.coreLock.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := d.topological[:0]
	for _, id := range d.topological {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	d.topological = kept
}

// IsPending reports whether the id is buffered, waiting for parents.
func (d *DAG) IsPending(id string) bool {
	return d.pending.Has(id)
}

// PendingCount returns the number of events waiting for parents.
func (d *DAG) PendingCount() int {
	return d.pending.Len()
}

// PendingEvicted returns the number of events dropped from the pending
// buffer.
func (d *DAG) PendingEvicted() int {
	return d.pending.Evicted()
}

// Store exposes the underlying store for read-only collaborators.
func (d *DAG) Store() Store {
	return d.store
}

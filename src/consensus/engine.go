// Package consensus implements the local finality engine: it watches the
// DAG's frontier, decides which admitted events can no longer be reordered by
// future arrivals, and applies their payloads to the state accumulator in a
// deterministic total order.
package consensus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/purpleprotocol/weave/src/execution"
	"github.com/purpleprotocol/weave/src/itc"
	"github.com/purpleprotocol/weave/src/ledger"
	"github.com/purpleprotocol/weave/src/state"
)

// Status is the lifecycle of an event as seen by the engine.
type Status int

const (
	// StatusUnknown means the engine has never seen the event.
	StatusUnknown Status = iota
	// StatusPending means the event is buffered, waiting for parents.
	StatusPending
	// StatusAdmitted means the event is in the DAG but not finalizable yet.
	StatusAdmitted
	// StatusCandidate means every current tip strictly dominates the event;
	// it will be finalized once its parents are.
	StatusCandidate
	// StatusFinal means the event holds a consensus index. Final is forever.
	StatusFinal
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAdmitted:
		return "Admitted"
	case StatusCandidate:
		return "Candidate"
	case StatusFinal:
		return "Final"
	default:
		return "Unknown"
	}
}

// Receipt records the outcome of applying a finalized event's payload. A
// failed execution never blocks finality; the event keeps its consensus index
// and the failure is recorded here.
type Receipt struct {
	Index  int
	Failed bool
	Error  string
}

// Engine drives finalization. One RunPass at a time; admissions into the DAG
// may continue concurrently, a pass works against the frontier it sampled.
type Engine struct {
	mu sync.Mutex

	dag      *ledger.DAG
	trie     *state.Trie
	executor execution.Executor
	store    ledger.Store

	// maxCandidateAge bounds how many passes an admitted event can sit
	// behind a stale tip before the deterministic tie-break promotes it
	// anyway. 0 disables the fallback.
	maxCandidateAge int

	// retentionWindow is how many finalized events stay in the DAG's
	// working set before being forgotten.
	retentionWindow int

	final      map[string]int //id => consensus index
	finalOrder []string
	candidates map[string]bool //refreshed every pass, for Status reporting
	age        map[string]int  //passes since admission, non-final events only
	receipts   map[string]*Receipt
	passCount  int

	lastRoot []byte //state root at the last checkpoint

	logger *logrus.Entry
}

// NewEngine instantiates an engine over a DAG, a state trie and an executor.
// The store is where finalized indexes and checkpoints are persisted; it is
// normally the same store backing the DAG and the trie.
func NewEngine(
	dag *ledger.DAG,
	trie *state.Trie,
	executor execution.Executor,
	store ledger.Store,
	maxCandidateAge int,
	retentionWindow int,
	logger *logrus.Entry,
) *Engine {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Engine{
		dag:             dag,
		trie:            trie,
		executor:        executor,
		store:           store,
		maxCandidateAge: maxCandidateAge,
		retentionWindow: retentionWindow,
		final:           make(map[string]int),
		candidates:      make(map[string]bool),
		age:             make(map[string]int),
		receipts:        make(map[string]*Receipt),
		lastRoot:        trie.Root(),
		logger:          logger.WithField("component", "consensus"),
	}
}

/*******************************************************************************
Finalization
*******************************************************************************/

// RunPass performs one finalization pass: compute the candidate set against
// the current frontier, promote candidates to Final in deterministic order,
// apply their payloads, and checkpoint. It returns the ids finalized by this
// pass, in consensus order.
//
// The only errors RunPass returns are fatal: state corruption or a broken
// store. Everything else is absorbed into receipts.
func (e *Engine) RunPass() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.passCount++

	tips, err := e.dag.FrontierStamps()
	if err != nil {
		return nil, err
	}

	candidates, err := e.collectCandidates(tips)
	if err != nil {
		return nil, err
	}

	// Promotion is one event at a time: among the candidates whose parents
	// are all final, the smallest id goes first. Concurrent candidates end
	// up in ascending id order on every node that runs this rule.
	newlyFinal := []string{}
	for {
		next := e.nextReady(candidates)
		if next == nil {
			break
		}
		delete(candidates, next.Hex())

		if err := e.finalize(next); err != nil {
			return newlyFinal, err
		}
		newlyFinal = append(newlyFinal, next.Hex())
	}

	if len(newlyFinal) > 0 {
		if err := e.checkpoint(); err != nil {
			return newlyFinal, err
		}
		e.retire()
	}

	return newlyFinal, nil
}

// collectCandidates walks the non-final working set and picks the events
// every tip strictly dominates, plus the ones old enough for the liveness
// fallback. Ages are bumped as a side effect.
func (e *Engine) collectCandidates(tips []itc.Stamp) (map[string]*ledger.Event, error) {
	candidates := make(map[string]*ledger.Event)
	e.candidates = make(map[string]bool)

	for _, id := range e.dag.Topological() {
		if _, isFinal := e.final[id]; isFinal {
			continue
		}

		ev, err := e.dag.GetEvent(id)
		if err != nil {
			return nil, err
		}
		stamp, err := ev.Stamp()
		if err != nil {
			return nil, err
		}

		e.age[id]++

		overAge := e.maxCandidateAge > 0 && e.age[id] > e.maxCandidateAge
		if dominatedByAll(stamp, tips) || overAge {
			if overAge && !dominatedByAll(stamp, tips) {
				e.logger.WithFields(logrus.Fields{
					"event": id,
					"age":   e.age[id],
				}).Debug("Promoting over-age event past stale tip")
			}
			candidates[id] = ev
			e.candidates[id] = true
		}
	}

	return candidates, nil
}

// dominatedByAll reports whether every tip strictly dominates stamp. A tip
// equal or concurrent to stamp means some future event could still land
// beside it, so it is not finalizable yet.
func dominatedByAll(stamp itc.Stamp, tips []itc.Stamp) bool {
	if len(tips) == 0 {
		return false
	}
	for _, tip := range tips {
		if !stamp.Leq(tip) || tip.Leq(stamp) {
			return false
		}
	}
	return true
}

// nextReady returns the candidate with the smallest id among those whose
// parents are all final, or nil.
func (e *Engine) nextReady(candidates map[string]*ledger.Event) *ledger.Event {
	var next *ledger.Event
	for id, ev := range candidates {
		ready := true
		for _, p := range ev.Parents() {
			if _, ok := e.final[p]; !ok {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if next == nil || id < next.Hex() {
			next = ev
		}
	}
	return next
}

// finalize assigns the next consensus index to ev and applies its payload.
func (e *Engine) finalize(ev *ledger.Event) error {
	id := ev.Hex()
	index := len(e.finalOrder)

	if err := e.store.AddFinalized(id, index); err != nil {
		return err
	}

	e.final[id] = index
	e.finalOrder = append(e.finalOrder, id)
	delete(e.age, id)
	delete(e.candidates, id)

	receipt := &Receipt{Index: index}
	if err := e.apply(ev); err != nil {
		if state.IsStateCorruption(err) {
			return err
		}
		receipt.Failed = true
		receipt.Error = err.Error()
		e.logger.WithFields(logrus.Fields{
			"event": id,
			"index": index,
			"err":   err,
		}).Debug("Finalized event with failed execution")
	}
	e.receipts[id] = receipt

	e.logger.WithFields(logrus.Fields{
		"event": id,
		"index": index,
	}).Debug("Finalized event")

	return nil
}

// apply runs the event's payload through the executor against the account's
// current blob. Empty payloads are no-ops.
func (e *Engine) apply(ev *ledger.Event) error {
	payload := ev.Payload()
	if len(payload) == 0 {
		return nil
	}

	key, err := e.executor.Account(payload)
	if err != nil {
		return err
	}

	current, _, err := e.trie.Get(key)
	if err != nil {
		return err
	}

	next, err := e.executor.Execute(payload, current)
	if err != nil {
		return err
	}

	if _, err := e.trie.Update(key, next); err != nil {
		return err
	}

	return nil
}

// checkpoint persists the trie and the finalized-frontier descriptor.
func (e *Engine) checkpoint() error {
	root, err := e.trie.Commit()
	if err != nil {
		return err
	}

	c := &ledger.Checkpoint{
		Index:         len(e.finalOrder) - 1,
		LastFinalized: e.finalOrder[len(e.finalOrder)-1],
		StateRoot:     root,
	}
	if err := e.store.SetCheckpoint(c); err != nil {
		return err
	}

	e.lastRoot = root

	return nil
}

// retire forgets events finalized longer than the retention window ago: they
// leave the DAG's working set and stop being re-examined every pass. The
// events themselves stay in the store.
func (e *Engine) retire() {
	if e.retentionWindow <= 0 {
		return
	}

	cutoff := len(e.finalOrder) - e.retentionWindow
	if cutoff <= 0 {
		return
	}

	forget := []string{}
	for _, id := range e.dag.Topological() {
		if index, ok := e.final[id]; ok && index < cutoff {
			forget = append(forget, id)
		}
	}

	if len(forget) > 0 {
		e.dag.Forget(forget)
		e.logger.WithField("count", len(forget)).Debug("Retired finalized events")
	}
}

/*******************************************************************************
Queries
*******************************************************************************/

// Status returns the engine's view of an event id.
func (e *Engine) Status(id string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.final[id]; ok {
		return StatusFinal
	}
	if e.candidates[id] {
		return StatusCandidate
	}
	if e.dag.ContainsEvent(id) {
		return StatusAdmitted
	}
	if e.dag.Store().HasEvent(id) {
		// forgotten events are final by construction
		return StatusFinal
	}

	// the DAG buffers events it cannot admit yet
	if e.dag.IsPending(id) {
		return StatusPending
	}

	return StatusUnknown
}

// IsFinal reports whether the event holds a consensus index.
func (e *Engine) IsFinal(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.final[id]
	return ok
}

// FinalIndex returns the consensus index of a finalized event.
func (e *Engine) FinalIndex(id string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index, ok := e.final[id]
	return index, ok
}

// FinalizedCount returns the number of finalized events.
func (e *Engine) FinalizedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.finalOrder)
}

// FinalOrder returns the finalized ids in consensus order.
func (e *Engine) FinalOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]string, len(e.finalOrder))
	copy(res, e.finalOrder)
	return res
}

// Receipt returns the execution receipt of a finalized event.
func (e *Engine) Receipt(id string) (*Receipt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.receipts[id]
	return r, ok
}

// FinalizedRoot returns the state root at the last checkpoint. Unlike the
// trie's live root it only ever moves at checkpoint boundaries.
func (e *Engine) FinalizedRoot() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastRoot
}

// StateSnapshot returns a read-only view of the state trie pinned at its
// current root, for queries and proofs. It takes the engine lock, so a
// snapshot is only ever taken at a batch boundary: RunPass holds the lock for
// the whole pass and a reader never observes a partially-applied batch.
func (e *Engine) StateSnapshot() *state.Trie {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.trie.Snapshot()
}

// Stats returns engine counters for the stats endpoint.
func (e *Engine) Stats() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return map[string]string{
		"passes":     fmt.Sprint(e.passCount),
		"finalized":  fmt.Sprint(len(e.finalOrder)),
		"candidates": fmt.Sprint(len(e.candidates)),
		"state_root": fmt.Sprintf("%X", e.lastRoot),
	}
}

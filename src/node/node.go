package node

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/purpleprotocol/weave/src/common"
	"github.com/purpleprotocol/weave/src/config"
	"github.com/purpleprotocol/weave/src/consensus"
	"github.com/purpleprotocol/weave/src/execution"
	"github.com/purpleprotocol/weave/src/itc"
	"github.com/purpleprotocol/weave/src/ledger"
	"github.com/purpleprotocol/weave/src/node/state"
	st "github.com/purpleprotocol/weave/src/state"
)

// Node ties the DAG, the finality engine and the state trie together behind
// channels: raw wire events come in through Submit, admitted events go out
// through Outbound, and a control timer drives finalization passes.
type Node struct {
	state.Manager

	conf   *config.Config
	logger *logrus.Entry

	validator *Validator

	dag    *ledger.DAG
	engine *consensus.Engine
	store  ledger.Store

	// stamp is the node's own causality stamp, advanced every time it
	// authors an event.
	stamp     itc.Stamp
	stampLock sync.Mutex

	submitCh   chan []byte
	outboundCh chan *ledger.Event

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	start           time.Time
	eventsAdmitted  int32
	eventsRejected  int32
	outboundDropped int32
}

// NewNode is a factory method that returns a Node instance. The stamp seeds
// the node's own causality clock; a node starting a fresh ledger uses
// itc.Seed(), every other node uses a half obtained by forking an existing
// stamp.
func NewNode(
	conf *config.Config,
	validator *Validator,
	stamp itc.Stamp,
	store ledger.Store,
	executor execution.Executor,
) *Node {
	logger := conf.Logger().WithField("this_id", validator.ID())

	dag := ledger.NewDAG(store, conf.PendingLimit, logger)
	trie := st.NewTrie(store)
	engine := consensus.NewEngine(dag, trie, executor, store,
		conf.MaxCandidateAge, conf.RetentionWindow, logger)

	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	node := &Node{
		conf:         conf,
		logger:       logger,
		validator:    validator,
		dag:          dag,
		engine:       engine,
		store:        store,
		stamp:        stamp,
		submitCh:     make(chan []byte, conf.PendingLimit),
		outboundCh:   make(chan *ledger.Event, conf.PendingLimit),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
		start:        time.Now(),
	}

	dag.SetNotifyFunc(node.notifyAdmitted)

	return node
}

// notifyAdmitted forwards a newly admitted event to the outbound channel.
// Admission never blocks on a slow gossip consumer: when the channel is full
// the event is dropped from the stream and only counted.
func (n *Node) notifyAdmitted(ev *ledger.Event) {
	select {
	case n.outboundCh <- ev:
	default:
		atomic.AddInt32(&n.outboundDropped, 1)
	}
}

// Init initialises the node, replaying the persisted DAG when Bootstrap is
// set.
func (n *Node) Init() error {
	if n.conf.Bootstrap {
		n.logger.Debug("Bootstrap")
		if err := n.bootstrap(); err != nil {
			return err
		}
	}

	n.SetState(state.Running)

	return nil
}

// bootstrap replays the stored events in admission order, re-runs finality to
// quiescence, and checks the rebuilt state root against the saved checkpoint.
func (n *Node) bootstrap() error {
	badgerStore, ok := n.store.(*ledger.BadgerStore)
	if !ok {
		return fmt.Errorf("bootstrap requires a persistent store")
	}

	events, err := badgerStore.TopologicalEvents()
	if err != nil {
		return err
	}

	for _, ev := range events {
		if _, err := n.dag.Insert(ev); err != nil {
			if ledger.IsUnresolvedParent(err) {
				continue
			}
			return fmt.Errorf("replaying event %s: %v", ev.Hex(), err)
		}

		// resume the node's own clock from its last persisted event
		if ev.Author() == cm.EncodeToString(n.validator.PublicKeyBytes()) {
			s, err := ev.Stamp()
			if err != nil {
				return err
			}
			n.stamp = s
		}
	}

	if err := n.replayFinality(); err != nil {
		return err
	}

	checkpoint, err := n.store.GetCheckpoint()
	if err != nil {
		if cm.IsStore(err, cm.NoCheckpoint) {
			return nil
		}
		return err
	}

	if n.engine.FinalizedCount() == checkpoint.Index+1 {
		if !bytes.Equal(n.engine.FinalizedRoot(), checkpoint.StateRoot) {
			return fmt.Errorf("replayed state root does not match checkpoint")
		}
	} else {
		n.logger.WithFields(logrus.Fields{
			"replayed":   n.engine.FinalizedCount(),
			"checkpoint": checkpoint.Index + 1,
		}).Warning("Replayed finality count differs from checkpoint")
	}

	n.logger.WithFields(logrus.Fields{
		"events":    len(events),
		"finalized": n.engine.FinalizedCount(),
	}).Debug("Bootstrap complete")

	return nil
}

// replayFinality runs finalization passes until the engine stays quiet long
// enough for the over-age fallback to have fired on everything it would have
// fired on live.
func (n *Node) replayFinality() error {
	quiet := 0
	for quiet <= n.conf.MaxCandidateAge {
		newlyFinal, err := n.engine.RunPass()
		if err != nil {
			return err
		}
		if len(newlyFinal) == 0 {
			quiet++
		} else {
			quiet = 0
		}
	}
	return nil
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main loop of the node
func (n *Node) Run() {
	//The ControlTimer drives the finalization passes.
	go n.controlTimer.Run(n.conf.FinalityInterval)

	//Process incoming events regardless of the state of the node.
	go n.doBackgroundWork()

	for {
		s := n.GetState()

		n.logger.WithField("state", s.String()).Debug("Run loop")

		switch s {
		case state.Running:
			n.running()
		case state.Suspended:
			n.suspended()
		case state.Shutdown:
			return
		default:
			n.SetState(state.Running)
		}
	}
}

// running waits for finality ticks.
func (n *Node) running() {
	for {
		select {
		case <-n.controlTimer.tickCh:
			n.finalityPass()
			n.resetTimer()
			if n.GetState() != state.Running {
				return
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// suspended keeps the node alive for reads but finalizes nothing.
func (n *Node) suspended() {
	<-n.shutdownCh
}

// finalityPass runs one finalization pass. State corruption suspends the
// node: its authenticated state can no longer be trusted to move.
func (n *Node) finalityPass() {
	newlyFinal, err := n.engine.RunPass()
	if err != nil {
		if st.IsStateCorruption(err) {
			n.logger.WithError(err).Error("State corruption, suspending")
			n.SetState(state.Suspended)
			return
		}
		n.logger.WithError(err).Error("Finalization pass failed")
		return
	}

	if len(newlyFinal) > 0 {
		n.logger.WithField("count", len(newlyFinal)).Debug("Finalized events")
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case raw := <-n.submitCh:
			n.GoFunc(func() {
				n.processWireEvent(raw)
			})
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// processWireEvent decodes and inserts one wire event. Decoding and signature
// verification run on the worker goroutine, so independent submissions
// verify in parallel; the DAG serializes the admission itself.
func (n *Node) processWireEvent(raw []byte) {
	ev := new(ledger.Event)
	if err := ev.UnmarshalWire(raw); err != nil {
		atomic.AddInt32(&n.eventsRejected, 1)
		n.logger.WithError(err).Debug("Discarding undecodable wire event")
		return
	}

	admitted, err := n.dag.Insert(ev)
	if err != nil {
		if ledger.IsUnresolvedParent(err) {
			n.logger.WithFields(logrus.Fields{
				"event":   ev.Hex(),
				"missing": err.(ledger.UnresolvedParentError).Missing,
			}).Debug("Buffered event with unknown parents")
			return
		}
		atomic.AddInt32(&n.eventsRejected, 1)
		n.logger.WithFields(logrus.Fields{
			"event": ev.Hex(),
			"err":   err,
		}).Debug("Rejected event")
		return
	}

	atomic.AddInt32(&n.eventsAdmitted, int32(len(admitted)))
}

// Submit hands a wire-encoded event to the node. It is the inbound half of
// the gossip boundary.
func (n *Node) Submit(raw []byte) {
	select {
	case n.submitCh <- raw:
	case <-n.shutdownCh:
	}
}

// Outbound is the stream of admitted events, in local admission order. The
// gossip collaborator forwards them to peers.
func (n *Node) Outbound() <-chan *ledger.Event {
	return n.outboundCh
}

// CreateEvent authors, signs and admits a new event carrying payload on top
// of the current frontier. The node's stamp is advanced past the join of the
// frontier stamps so the new event strictly dominates its parents.
func (n *Node) CreateEvent(payload []byte) (*ledger.Event, error) {
	n.stampLock.Lock()
	defer n.stampLock.Unlock()

	parents := n.dag.Frontier()

	next := n.stamp
	if len(parents) == 0 {
		if n.dag.Genesis() != "" {
			return nil, fmt.Errorf("frontier is empty but a genesis exists")
		}
	} else {
		for _, p := range parents {
			parent, err := n.dag.GetEvent(p)
			if err != nil {
				return nil, err
			}
			ps, err := parent.Stamp()
			if err != nil {
				return nil, err
			}
			next = itc.Join(next, ps.Peek())
		}
	}
	next = next.Event()

	ev := ledger.NewEvent(payload, parents, next, n.validator.PublicKeyBytes())
	if err := ev.Sign(n.validator.Key); err != nil {
		return nil, err
	}

	if _, err := n.dag.Insert(ev); err != nil {
		return nil, err
	}

	n.stamp = next
	atomic.AddInt32(&n.eventsAdmitted, 1)

	return ev, nil
}

// Shutdown stops the node, waits for in-flight work, and closes the store.
func (n *Node) Shutdown() {
	if n.GetState() == state.Shutdown {
		return
	}

	n.logger.Debug("Shutdown")

	n.SetState(state.Shutdown)

	close(n.shutdownCh)

	n.WaitRoutines()

	n.controlTimer.Shutdown()

	if err := n.store.Close(); err != nil {
		n.logger.WithError(err).Error("Closing store")
	}
}

// resetTimer rearms the control timer after a pass.
func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		n.controlTimer.resetCh <- n.conf.FinalityInterval
	}
}

/*******************************************************************************
Queries
*******************************************************************************/

// ID returns the validator's id.
func (n *Node) ID() uint32 {
	return n.validator.ID()
}

// GetEvent retrieves an admitted event by id.
func (n *Node) GetEvent(id string) (*ledger.Event, error) {
	return n.dag.GetEvent(id)
}

// Status returns the finality status of an event id.
func (n *Node) Status(id string) consensus.Status {
	return n.engine.Status(id)
}

// Receipt returns the execution receipt of a finalized event.
func (n *Node) Receipt(id string) (*consensus.Receipt, bool) {
	return n.engine.Receipt(id)
}

// Frontier returns the current tip ids.
func (n *Node) Frontier() []string {
	return n.dag.Frontier()
}

// FinalizedRoot returns the state root at the last checkpoint.
func (n *Node) FinalizedRoot() []byte {
	return n.engine.FinalizedRoot()
}

// StateSnapshot returns a read-only view of the state trie for queries and
// proofs.
func (n *Node) StateSnapshot() *st.Trie {
	return n.engine.StateSnapshot()
}

// GetStats returns node and engine counters.
func (n *Node) GetStats() map[string]string {
	stats := n.engine.Stats()

	stats["uptime"] = time.Since(n.start).String()
	stats["id"] = fmt.Sprint(n.validator.ID())
	stats["moniker"] = n.validator.Moniker
	stats["state"] = n.GetState().String()
	stats["frontier_size"] = fmt.Sprint(len(n.dag.Frontier()))
	stats["pending"] = fmt.Sprint(n.dag.PendingCount())
	stats["pending_evicted"] = fmt.Sprint(n.dag.PendingEvicted())
	stats["events_admitted"] = fmt.Sprint(atomic.LoadInt32(&n.eventsAdmitted))
	stats["events_rejected"] = fmt.Sprint(atomic.LoadInt32(&n.eventsRejected))
	stats["outbound_dropped"] = fmt.Sprint(atomic.LoadInt32(&n.outboundDropped))

	return stats
}

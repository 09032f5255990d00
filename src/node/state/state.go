package state

import (
	"sync"
	"sync/atomic"
)

// State captures the state of a weave node: Booting, Running, Suspended, or
// Shutdown.
type State uint32

const (
	// Booting is the state in which a node replays its persisted DAG and
	// rebuilds finality before accepting new events.
	Booting State = iota

	// Running is the state in which a node admits incoming events and runs
	// finalization passes on its timer.
	Running

	// Suspended is the state in which a node stops finalizing, typically
	// after state corruption, but keeps serving reads.
	Suspended

	// Shutdown is the state in which a node stops responding to external
	// events and releases its store.
	Shutdown
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.GoFunc
const WGLIMIT = 20

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Booting:
		return "Booting"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Manager wraps a State with get and set methods. It is also used to limit the
// number of goroutines launched by the node, and to wait for all of them to
// complete.
type Manager struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (b *Manager) GetState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (b *Manager) SetState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// GoFunc launches a goroutine for a given function, if there are currently
// less than WGLIMIT running. It increments the waitgroup.
func (b *Manager) GoFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			defer atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

// WaitRoutines waits for all the goroutines in the waitgroup.
func (b *Manager) WaitRoutines() {
	b.wg.Wait()
}

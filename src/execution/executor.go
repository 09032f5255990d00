// Package execution defines the capability through which finalized event
// payloads act on accumulated state. The ledger core never interprets
// payloads itself; it hands them to an Executor at finalization time, one
// account at a time.
package execution

// Executor maps opaque payload bytes onto account state transitions. Both
// methods must be pure: the same payload against the same current state
// always produces the same result, with no reads outside the account's own
// blob. Determinism of the finalized state root depends on it.
type Executor interface {
	// Account returns the state key the payload acts on.
	Account(payload []byte) ([]byte, error)

	// Execute transforms the account's state blob. current is nil when the
	// account has no state yet. An error means the payload is finalized
	// without effect; it never blocks finalization.
	Execute(payload []byte, current []byte) ([]byte, error)
}

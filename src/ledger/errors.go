package ledger

import (
	"fmt"
	"strings"
)

/*
Admission errors are values, not aborts. A rejected or buffered event leaves
the DAG untouched; callers inspect the error type to decide whether to retry,
drop, or report the producer.
*/

// InvalidSignatureError is a permanent rejection: the event's signature does
// not verify against its author's public key.
type InvalidSignatureError struct {
	ID string
}

func (e InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature on event %s", e.ID)
}

// IsInvalidSignature checks that an error is an InvalidSignatureError.
func IsInvalidSignature(err error) bool {
	_, ok := err.(InvalidSignatureError)
	return ok
}

// ClockInconsistencyError is a permanent rejection: the event's stamp does
// not strictly dominate the join of its parents' stamps, so it claims no new
// logical progress or regresses causally. Only a malicious or buggy producer
// emits such events.
type ClockInconsistencyError struct {
	ID  string
	Msg string
}

func (e ClockInconsistencyError) Error() string {
	return fmt.Sprintf("clock inconsistency on event %s: %s", e.ID, e.Msg)
}

// IsClockInconsistency checks that an error is a ClockInconsistencyError.
func IsClockInconsistency(err error) bool {
	_, ok := err.(ClockInconsistencyError)
	return ok
}

// UnresolvedParentError is transient: one or more of the event's parents are
// not yet known. The event is held in the pending buffer until the parents
// arrive or the buffer evicts it.
type UnresolvedParentError struct {
	ID      string
	Missing []string
}

func (e UnresolvedParentError) Error() string {
	return fmt.Sprintf("event %s waiting for parents [%s]", e.ID, strings.Join(e.Missing, ", "))
}

// IsUnresolvedParent checks that an error is an UnresolvedParentError.
func IsUnresolvedParent(err error) bool {
	_, ok := err.(UnresolvedParentError)
	return ok
}

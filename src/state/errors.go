package state

import "fmt"

// StateCorruptionError is fatal: a trie node loaded from the backing store
// does not decode, or does not hash to the key it was stored under. The
// authenticated state no longer matches its own proofs and no partial
// recovery is safe; the trie refuses further updates once this is raised.
type StateCorruptionError struct {
	Msg string
}

func (e StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption: %s", e.Msg)
}

// IsStateCorruption checks that an error is a StateCorruptionError.
func IsStateCorruption(err error) bool {
	_, ok := err.(StateCorruptionError)
	return ok
}

func corruption(format string, args ...interface{}) error {
	return StateCorruptionError{Msg: fmt.Sprintf(format, args...)}
}

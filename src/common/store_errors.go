package common

import "fmt"

// StoreErrType is the code carried by a StoreErr.
type StoreErrType uint32

const (
	// KeyNotFound is returned when the requested item is not in the store.
	KeyNotFound StoreErrType = iota
	// TooLate is returned when the requested item was evicted from a rolling
	// window.
	TooLate
	// SkippedIndex is returned when setting an item would leave a gap in a
	// rolling window.
	SkippedIndex
	// KeyAlreadyExists is returned on inserts that would overwrite an
	// existing item.
	KeyAlreadyExists
	// Empty is returned when reading from an empty collection.
	Empty
	// NoCheckpoint is returned when no finalized checkpoint has been saved
	// yet.
	NoCheckpoint
)

// StoreErr is a typed error raised by the event and state stores. It carries
// the logical collection name and the offending key so callers can test for
// specific conditions with IsStore.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a new StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case TooLate:
		m = "Too Late"
	case SkippedIndex:
		m = "Skipped Index"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Empty:
		m = "Empty"
	case NoCheckpoint:
		m = "No Checkpoint"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}

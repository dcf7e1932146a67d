// store.go defines the storage port for the durable queue mirror.

package errpipe

// Store is a durable single-slot byte store used to survive process restarts
// without losing a pending batch. Persistence is best-effort: the pipeline
// swallows every Store error, so implementations may fail freely.
//
// Implementations live under stores/ (memslot, fileslot, sqliteslot).
type Store interface {
	// Read returns the slot contents, or nil when the slot is empty.
	Read() ([]byte, error)

	// Write replaces the slot contents.
	Write(data []byte) error

	// Clear empties the slot.
	Clear() error
}

// noopStoreInternal avoids a nil check on every persistence call when no
// store is configured.
type noopStoreInternal struct{}

func (noopStoreInternal) Read() ([]byte, error) { return nil, nil }

func (noopStoreInternal) Write(data []byte) error { return nil }

func (noopStoreInternal) Clear() error { return nil }

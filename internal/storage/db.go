// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value slice may be
	// owned by the store and is only valid during the callback.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch groups writes for atomic all-or-nothing commit. Get/Has see the batch's
// own uncommitted writes and deletes before falling back to the backing
// store; a deletion staged in the batch hides the backing value even
// though the key still "exists" there until Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	// Get reads the batch's own pending writes first, then the backing
	// store. Returns the same not-found error as the backing DB if the
	// key is absent from both, or is pending-deleted.
	Get(key []byte) ([]byte, error)
	// Has mirrors Get's read-your-writes semantics without the copy.
	Has(key []byte) (bool, error)
	// Commit applies every staged write/delete atomically and discards
	// the batch. Abort is simply never calling Commit.
	Commit() error
}

// Batcher is implemented by stores that can produce an atomic Batch.
type Batcher interface {
	NewBatch() Batch
}

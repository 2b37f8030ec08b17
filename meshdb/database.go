// Package meshdb defines the small key-value database surface the node
// persists through, with an in-memory backend for tests and a leveldb
// backend for production. Only the statelog writes here; channel state is
// reconstructed from the log on restart.
package meshdb

// Putter wraps the database write operation supported by both batches and
// regular databases.
type Putter interface {
	Put(key []byte, value []byte) error
}

// Deleter wraps the database delete operation supported by both batches
// and regular databases.
type Deleter interface {
	Delete(key []byte) error
}

// Database wraps all database operations. All methods are safe for
// concurrent use.
type Database interface {
	Putter
	Deleter
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewBatch() Batch
	NewIteratorWithRange(start, limit []byte) Iterator
	Close()
}

// Batch is a write-only database that commits changes to its host database
// when Write is called. Batch cannot be used concurrently.
type Batch interface {
	Putter
	Deleter
	ValueSize() int
	Write() error
	Reset()
}

// Iterator walks a key range in ascending key order. Next must be called
// before the first use of Key/Value; Release must always be called.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}

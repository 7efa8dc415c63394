package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Tx.Get when the key does not exist.
var ErrNotFound = errors.New("cache: record not found")

// Record is a stored value together with its key.
type Record struct {
	Key   string
	Value []byte
}

// Tx is the set of operations available inside a transaction.
// Collections are created implicitly on first Put.
type Tx interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(collection, key string) ([]byte, error)

	// GetAll returns every record of a collection ordered by key.
	GetAll(collection string) ([]Record, error)

	// GetByIndex returns the records whose index named index equals value,
	// ordered by key.
	GetByIndex(collection, index, value string) ([]Record, error)

	// Put stores value under key and replaces the record's index entries
	// with indexes (index name -> indexed value).
	Put(collection, key string, value []byte, indexes map[string]string) error

	// Delete removes a record and its index entries. Deleting a missing
	// key is not an error.
	Delete(collection, key string) error
}

// Backend is a transactional key-value store with per-collection indices.
//
// Update runs fn inside a read-write transaction that commits only when fn
// returns nil. View runs fn inside a read-only transaction.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

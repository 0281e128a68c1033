package store

import (
	"time"
)

// KVStoreEachFunc is the function that gets called on each item in the Each function
type KVStoreEachFunc func([]byte)

// KVStore defines an embedded key/value store database interface.
// asngate uses it to persist trust grants and ASN overrides across restarts
type KVStore interface {
	Get(namespace, key []byte) (value []byte, err error)
	SetEx(namespace, key, value []byte, ttl time.Duration) error
	Set(namespace, key, value []byte) error
	Remove(namespace, key []byte) error
	Each(namespace, prefix []byte, callback KVStoreEachFunc) error
	Count(namespace, prefix []byte) (int, error)
	ErrNotFound() error
	Close() error
}

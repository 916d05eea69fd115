package storage

import "errors"

var ErrKeyNotFound = errors.New("key not found")

// StorageEngine is the byte-level store under the report archive.
type StorageEngine interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	// Scan returns every pair under prefix in ascending key order.
	Scan(prefix []byte) ([]KeyValue, error)
	Stats() map[string]interface{}
	Close() error
}

type KeyValue struct {
	Key   []byte
	Value []byte
}

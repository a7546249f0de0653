// Package kvstore implements a store on top of an embedded LSM key-value
// engine (BadgerDB or Pebble).
//
// Each stored key occupies two engine entries: "m:<key>" holds the
// serialized metadata and "d:<key>" the data payload. Both are written in
// one atomic batch.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by RawKV lookups of absent keys.
var ErrKeyNotFound = errors.New("key not found")

// RawKV provides low-level key-value access to the underlying engine. It
// is implemented by both BadgerKV and PebbleKV.
type RawKV interface {
	// GetRaw retrieves a value by exact key. Returns ErrKeyNotFound if absent.
	GetRaw(ctx context.Context, key string) ([]byte, error)

	// PutRaw stores a key-value pair.
	PutRaw(ctx context.Context, key string, value []byte) error

	// DeleteRaw removes a key.
	DeleteRaw(ctx context.Context, key string) error

	// RawBatch applies a set of writes and deletes atomically.
	RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error

	// RawScan iterates all keys that share the given prefix in lexicographic
	// order, beginning at startKey (or the first key in the prefix if
	// startKey is empty). fn receives a copy of each (key, value); returning
	// false stops the scan early.
	RawScan(ctx context.Context, prefix, startKey string, fn func(key string, val []byte) bool) error

	// RawGC triggers a garbage-collection pass if the engine supports it.
	RawGC() error

	// Close releases the engine.
	Close() error
}

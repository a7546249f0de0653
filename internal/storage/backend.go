package storage

import (
	"context"
	"io"
	"iter"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
)

// DefaultBufferSize is the chunk size used by streaming operations when
// the caller passes a non-positive buffer size (1 MiB).
const DefaultBufferSize = 1 << 20

// Backend is the set of atomic operations every store implements. The
// batch and convenience operations of Store are derived from it.
//
// A key exists when both its data and its metadata are present. Backends
// keep the two in step: writing only one of them for a new key stores an
// empty counterpart.
//
// Backends are not safe for concurrent use unless they say otherwise.
type Backend interface {
	// Connect acquires backend resources. Credentials may be nil.
	Connect(ctx context.Context, creds Credentials) error

	// Disconnect releases backend resources. Calling it twice is harmless.
	Disconnect(ctx context.Context) error

	// Info describes the backend (location, identifying parameters).
	Info(ctx context.Context) (metadata.Metadata, error)

	// Get returns the data stream and metadata of key, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, metadata.Metadata, error)

	// GetData returns the data stream of key, or ErrNotFound.
	GetData(ctx context.Context, key string) (io.ReadCloser, error)

	// GetMetadata returns the metadata of key, or ErrNotFound. With a
	// non-nil selectFields only the requested fields that are present are
	// returned.
	GetMetadata(ctx context.Context, key string, selectFields []string) (metadata.Metadata, error)

	// Set stores data and metadata for key, reading the data in chunks of
	// bufferSize bytes.
	Set(ctx context.Context, key string, value Value, bufferSize int) error

	// SetData replaces the data of key.
	SetData(ctx context.Context, key string, data io.Reader, bufferSize int) error

	// SetMetadata replaces the metadata of key.
	SetMetadata(ctx context.Context, key string, md metadata.Metadata) error

	// UpdateMetadata merges md into the metadata of key. Fields not
	// mentioned in md are preserved.
	UpdateMetadata(ctx context.Context, key string, md metadata.Metadata) error

	// Delete removes data and metadata of key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// Exists reports whether both data and metadata of key are present.
	Exists(ctx context.Context, key string) (bool, error)

	// Transaction returns a scope grouping mutations. Backends without
	// atomic multi-operation support return a NoopTransaction.
	Transaction(ctx context.Context, notes string) (Transaction, error)

	// Query yields the keys whose metadata equals every predicate, with
	// metadata restricted to selectFields when non-nil. No predicates
	// yields every key. The sequence is lazy; stopping early is allowed and
	// ranging again re-runs the scan.
	Query(ctx context.Context, selectFields []string, predicates metadata.Metadata) iter.Seq2[Row, error]
}

// MultiGetter is implemented by backends that fetch several keys more
// efficiently than one Get per key.
type MultiGetter interface {
	Multiget(ctx context.Context, keys []string) iter.Seq2[Entry, error]
}

// KeyQuerier is implemented by backends that can answer key-only queries
// without decoding metadata.
type KeyQuerier interface {
	QueryKeys(ctx context.Context, predicates metadata.Metadata) iter.Seq2[string, error]
}

// Globber is implemented by backends with native glob matching on keys.
type Globber interface {
	Glob(ctx context.Context, pattern string) iter.Seq2[string, error]
}

// ModifiedEvent builds the mutation event for a write to key: an update
// when the key existed before, otherwise a set.
func ModifiedEvent(existed bool, key string, md metadata.Metadata) events.Event {
	t := events.TypeStoreSet
	if existed {
		t = events.TypeStoreUpdate
	}
	return events.Event{Type: t, Key: key, Metadata: md}
}

// DeletedEvent builds the mutation event for the removal of key, carrying
// the metadata it had.
func DeletedEvent(key string, md metadata.Metadata) events.Event {
	return events.Event{Type: events.TypeStoreDelete, Key: key, Metadata: md}
}

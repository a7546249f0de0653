package storage

import (
	"context"
	"io"

	"github.com/jdmarch/encore/internal/metadata"
)

// readOnlyBackend rejects every mutation of the wrapped backend.
type readOnlyBackend struct {
	Backend
}

// ReadOnly returns a view of backend whose write operations fail with
// ErrNotSupported. Reads, queries and lifecycle calls pass through.
func ReadOnly(backend Backend) Backend {
	if s, ok := backend.(*Store); ok {
		backend = s.Backend
	}
	if _, ok := backend.(readOnlyBackend); ok {
		return backend
	}
	return readOnlyBackend{Backend: backend}
}

// IsReadOnly reports whether backend was wrapped by ReadOnly.
func IsReadOnly(backend Backend) bool {
	if s, ok := backend.(*Store); ok {
		backend = s.Backend
	}
	_, ok := backend.(readOnlyBackend)
	return ok
}

func (readOnlyBackend) Set(context.Context, string, Value, int) error {
	return NotSupported("set")
}

func (readOnlyBackend) SetData(context.Context, string, io.Reader, int) error {
	return NotSupported("set data")
}

func (readOnlyBackend) SetMetadata(context.Context, string, metadata.Metadata) error {
	return NotSupported("set metadata")
}

func (readOnlyBackend) UpdateMetadata(context.Context, string, metadata.Metadata) error {
	return NotSupported("update metadata")
}

func (readOnlyBackend) Delete(context.Context, string) error {
	return NotSupported("delete")
}

// Transaction returns a no-op scope: nothing inside it can mutate.
func (readOnlyBackend) Transaction(context.Context, string) (Transaction, error) {
	return NoopTransaction{}, nil
}

func (r readOnlyBackend) Info(ctx context.Context) (metadata.Metadata, error) {
	info, err := r.Backend.Info(ctx)
	if err != nil {
		return nil, err
	}
	info = info.Clone()
	if info == nil {
		info = metadata.Metadata{}
	}
	info["readonly"] = true
	return info, nil
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/jdmarch/encore/internal/metadata"
)

// Store adds the batch and convenience operations to a Backend. Atomic
// operations are delegated unchanged. A backend with a faster way to
// perform one of the derived operations implements the matching optional
// interface (MultiGetter, KeyQuerier, Globber) and Store uses it instead.
type Store struct {
	Backend
}

// New wraps backend.
func New(backend Backend) *Store {
	if s, ok := backend.(*Store); ok {
		return s
	}
	return &Store{Backend: backend}
}

// Multiget yields one entry per key, in order. A failed get is yielded in
// its position and iteration continues with the next key. Nothing is
// fetched until the sequence is ranged over.
func (s *Store) Multiget(ctx context.Context, keys []string) iter.Seq2[Entry, error] {
	if mg, ok := s.Backend.(MultiGetter); ok {
		return mg.Multiget(ctx, keys)
	}
	return func(yield func(Entry, error) bool) {
		for _, key := range keys {
			rc, md, err := s.Backend.Get(ctx, key)
			if !yield(Entry{Key: key, Data: rc, Metadata: md}, err) {
				return
			}
		}
	}
}

// MultigetData yields the data stream of each key, in order.
func (s *Store) MultigetData(ctx context.Context, keys []string) iter.Seq2[io.ReadCloser, error] {
	return func(yield func(io.ReadCloser, error) bool) {
		for _, key := range keys {
			rc, err := s.Backend.GetData(ctx, key)
			if !yield(rc, err) {
				return
			}
		}
	}
}

// MultigetMetadata yields the metadata of each key, in order, restricted
// to selectFields when non-nil.
func (s *Store) MultigetMetadata(ctx context.Context, keys []string, selectFields []string) iter.Seq2[metadata.Metadata, error] {
	return func(yield func(metadata.Metadata, error) bool) {
		for _, key := range keys {
			md, err := s.Backend.GetMetadata(ctx, key, selectFields)
			if !yield(md, err) {
				return
			}
		}
	}
}

// batch runs fn for the first n indexes inside one transaction, passing
// the transaction context. The first failure aborts the batch.
func (s *Store) batch(ctx context.Context, notes string, n int, fn func(ctx context.Context, i int) error) error {
	tx, err := s.Backend.Transaction(ctx, notes)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, tx, func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// Multiset stores values[i] under keys[i]. Surplus elements of the longer
// slice are ignored.
func (s *Store) Multiset(ctx context.Context, keys []string, values []Value, bufferSize int) error {
	n := min(len(keys), len(values))
	return s.batch(ctx, fmt.Sprintf("multiset of %d keys", n), n, func(ctx context.Context, i int) error {
		return s.Backend.Set(ctx, keys[i], values[i], bufferSize)
	})
}

// MultisetData replaces the data of keys[i] with data[i].
func (s *Store) MultisetData(ctx context.Context, keys []string, data []io.Reader, bufferSize int) error {
	n := min(len(keys), len(data))
	return s.batch(ctx, fmt.Sprintf("multiset data of %d keys", n), n, func(ctx context.Context, i int) error {
		return s.Backend.SetData(ctx, keys[i], data[i], bufferSize)
	})
}

// MultisetMetadata replaces the metadata of keys[i] with mds[i].
func (s *Store) MultisetMetadata(ctx context.Context, keys []string, mds []metadata.Metadata) error {
	n := min(len(keys), len(mds))
	return s.batch(ctx, fmt.Sprintf("multiset metadata of %d keys", n), n, func(ctx context.Context, i int) error {
		return s.Backend.SetMetadata(ctx, keys[i], mds[i])
	})
}

// MultiupdateMetadata merges mds[i] into the metadata of keys[i].
func (s *Store) MultiupdateMetadata(ctx context.Context, keys []string, mds []metadata.Metadata) error {
	n := min(len(keys), len(mds))
	return s.batch(ctx, fmt.Sprintf("multiupdate metadata of %d keys", n), n, func(ctx context.Context, i int) error {
		return s.Backend.UpdateMetadata(ctx, keys[i], mds[i])
	})
}

// QueryKeys yields the keys whose metadata matches predicates.
func (s *Store) QueryKeys(ctx context.Context, predicates metadata.Metadata) iter.Seq2[string, error] {
	if kq, ok := s.Backend.(KeyQuerier); ok {
		return kq.QueryKeys(ctx, predicates)
	}
	return func(yield func(string, error) bool) {
		for row, err := range s.Backend.Query(ctx, []string{}, predicates) {
			if !yield(row.Key, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Glob yields the keys matching a shell-style pattern. "*" and "?" match
// any character including "/", "[abc]" matches a set and "[!abc]" its
// complement. Every other character matches itself; see CompileGlob.
func (s *Store) Glob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	if g, ok := s.Backend.(Globber); ok {
		return g.Glob(ctx, pattern)
	}
	return func(yield func(string, error) bool) {
		g, err := CompileGlob(pattern)
		if err != nil {
			yield("", fmt.Errorf("invalid glob pattern %q: %w", pattern, err))
			return
		}
		for key, err := range s.QueryKeys(ctx, nil) {
			if err != nil {
				yield("", err)
				return
			}
			if !g.Match(key) {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// ToFile writes the data of key to the file at path, creating or
// truncating it.
func (s *Store) ToFile(ctx context.Context, key, path string, bufferSize int) error {
	rc, err := s.Backend.GetData(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.CopyBuffer(f, rc, make([]byte, normalizeBufferSize(bufferSize))); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// FromFile replaces the data of key with the contents of the file at
// path. Metadata is left as it is.
func (s *Store) FromFile(ctx context.Context, key, path string, bufferSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return s.Backend.SetData(ctx, key, f, bufferSize)
}

// ToBytes returns the data of key.
func (s *Store) ToBytes(ctx context.Context, key string, bufferSize int) ([]byte, error) {
	rc, err := s.Backend.GetData(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.CopyBuffer(&buf, rc, make([]byte, normalizeBufferSize(bufferSize))); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// FromBytes replaces the data of key with b. Metadata is left as it is.
func (s *Store) FromBytes(ctx context.Context, key string, b []byte, bufferSize int) error {
	return s.Backend.SetData(ctx, key, bytes.NewReader(b), bufferSize)
}

func normalizeBufferSize(n int) int {
	if n <= 0 {
		return DefaultBufferSize
	}
	return n
}

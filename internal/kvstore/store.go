package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

// Engine names an embedded key-value engine.
type Engine string

const (
	EngineBadger Engine = "badger"
	EnginePebble Engine = "pebble"
)

const (
	metadataPrefix = "m:"
	dataPrefix     = "d:"

	// DefaultPageSize is the number of metadata entries read per scan.
	DefaultPageSize = 256
)

// Options configure a Store.
type Options struct {
	Engine     Engine
	Dir        string
	InMemory   bool
	SyncWrites bool
	// GCInterval enables periodic engine garbage collection when positive.
	GCInterval time.Duration
	PageSize   int
	Serializer metadata.Serializer
	Emitter    events.Emitter
	Logger     *logrus.Logger
}

// Store is a storage.Backend over an embedded key-value engine.
type Store struct {
	opts Options

	mu     sync.RWMutex
	kv     RawKV
	stopGC chan struct{}
	gcDone chan struct{}
}

// New creates an unconnected store. The engine is opened on Connect.
func New(opts Options) (*Store, error) {
	switch opts.Engine {
	case "":
		opts.Engine = EngineBadger
	case EngineBadger, EnginePebble:
	default:
		return nil, storage.NewError("InvalidConfig", fmt.Sprintf("unknown engine %q", opts.Engine))
	}
	if opts.Dir == "" && !opts.InMemory {
		return nil, storage.NewError("InvalidConfig", "kv store needs a directory or in-memory mode")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Serializer == nil {
		opts.Serializer = metadata.JSON()
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Store{opts: opts}, nil
}

// NewWithKV creates a store over an already opened engine. Connect is a
// no-op for it and Disconnect closes kv.
func NewWithKV(kv RawKV, opts Options) (*Store, error) {
	if opts.Dir == "" {
		opts.InMemory = true
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	s.kv = kv
	return s, nil
}

// Engine returns the engine the store runs on.
func (s *Store) Engine() Engine { return s.opts.Engine }

// Connect opens the engine. Credentials are ignored.
func (s *Store) Connect(ctx context.Context, creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv != nil {
		return nil
	}

	var (
		kv  RawKV
		err error
	)
	switch s.opts.Engine {
	case EnginePebble:
		kv, err = OpenPebble(PebbleOptions{
			Dir:      s.opts.Dir,
			InMemory: s.opts.InMemory,
			Logger:   s.opts.Logger,
		})
	default:
		kv, err = OpenBadger(BadgerOptions{
			Dir:        s.opts.Dir,
			InMemory:   s.opts.InMemory,
			SyncWrites: s.opts.SyncWrites,
			Logger:     s.opts.Logger,
		})
	}
	if err != nil {
		return storage.Unavailable("connect", err)
	}
	s.kv = kv

	if s.opts.GCInterval > 0 {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(kv, s.opts.GCInterval, s.stopGC, s.gcDone)
	}
	return nil
}

// Disconnect stops garbage collection and closes the engine.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC, s.gcDone = nil, nil
	}
	err := s.kv.Close()
	s.kv = nil
	return err
}

// runGC periodically runs engine garbage collection.
func (s *Store) runGC(kv RawKV, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := kv.RawGC(); err != nil {
				s.opts.Logger.WithError(err).Warn("Engine garbage collection failed")
			}
		case <-stop:
			return
		}
	}
}

func (s *Store) engine(op string) (RawKV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kv == nil {
		return nil, storage.Unavailable(op, errors.New("not connected"))
	}
	return s.kv, nil
}

// Info describes the engine.
func (s *Store) Info(ctx context.Context) (metadata.Metadata, error) {
	if _, err := s.engine("info"); err != nil {
		return nil, err
	}
	location := s.opts.Dir
	if s.opts.InMemory {
		location = ":memory:"
	}
	return metadata.Metadata{
		"backend":    "kv",
		"engine":     string(s.opts.Engine),
		"location":   location,
		"serializer": s.opts.Serializer.Name(),
	}, nil
}

// Get returns the data and metadata of key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, metadata.Metadata, error) {
	kv, err := s.engine("get")
	if err != nil {
		return nil, nil, err
	}
	md, err := s.metadataOf(ctx, kv, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.dataOf(ctx, kv, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), md, nil
}

// GetData returns the data of key.
func (s *Store) GetData(ctx context.Context, key string) (io.ReadCloser, error) {
	kv, err := s.engine("get data")
	if err != nil {
		return nil, err
	}
	data, err := s.dataOf(ctx, kv, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetMetadata returns the metadata of key restricted to selectFields.
func (s *Store) GetMetadata(ctx context.Context, key string, selectFields []string) (metadata.Metadata, error) {
	kv, err := s.engine("get metadata")
	if err != nil {
		return nil, err
	}
	md, err := s.metadataOf(ctx, kv, key)
	if err != nil {
		return nil, err
	}
	return md.Select(selectFields), nil
}

// Set stores data and metadata of key in one atomic batch.
func (s *Store) Set(ctx context.Context, key string, value storage.Value, bufferSize int) error {
	kv, err := s.engine("set")
	if err != nil {
		return err
	}
	md, err := storage.NormalizeMetadata(key, value.Metadata)
	if err != nil {
		return err
	}
	raw, err := s.opts.Serializer.Marshal(md)
	if err != nil {
		return fmt.Errorf("set %q: encode metadata: %w", key, err)
	}
	existed, err := s.exists(ctx, kv, key)
	if err != nil {
		return err
	}
	data, err := s.readData(key, value.Data, bufferSize)
	if err != nil {
		return err
	}

	sets := map[string][]byte{
		metadataPrefix + key: raw,
		dataPrefix + key:     data,
	}
	if err := kv.RawBatch(ctx, sets, nil); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	s.opts.Logger.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("Stored key")
	return s.opts.Emitter.Emit(s.sourced(storage.ModifiedEvent(existed, key, md.Clone())))
}

// SetData replaces the data of key. A new key is stored with empty
// metadata.
func (s *Store) SetData(ctx context.Context, key string, r io.Reader, bufferSize int) error {
	kv, err := s.engine("set data")
	if err != nil {
		return err
	}
	md, err := s.metadataOf(ctx, kv, key)
	existed := !errors.Is(err, storage.ErrNotFound)
	if err != nil && existed && !errors.Is(err, storage.ErrCorruption) {
		return err
	}
	data, err := s.readData(key, r, bufferSize)
	if err != nil {
		return err
	}

	sets := map[string][]byte{dataPrefix + key: data}
	if !existed {
		md = metadata.Metadata{}
		raw, err := s.opts.Serializer.Marshal(md)
		if err != nil {
			return fmt.Errorf("set data %q: encode metadata: %w", key, err)
		}
		sets[metadataPrefix+key] = raw
	}
	if err := kv.RawBatch(ctx, sets, nil); err != nil {
		return fmt.Errorf("set data %q: %w", key, err)
	}
	return s.opts.Emitter.Emit(s.sourced(storage.ModifiedEvent(existed, key, md)))
}

// SetMetadata replaces the metadata of key. A new key is stored with an
// empty payload.
func (s *Store) SetMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	kv, err := s.engine("set metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	raw, err := s.opts.Serializer.Marshal(md)
	if err != nil {
		return fmt.Errorf("set metadata %q: encode metadata: %w", key, err)
	}
	existed, err := s.exists(ctx, kv, key)
	if err != nil {
		return err
	}

	sets := map[string][]byte{metadataPrefix + key: raw}
	if !existed {
		sets[dataPrefix+key] = []byte{}
	}
	if err := kv.RawBatch(ctx, sets, nil); err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return s.opts.Emitter.Emit(s.sourced(storage.ModifiedEvent(existed, key, md.Clone())))
}

// UpdateMetadata merges md into the stored metadata of key.
func (s *Store) UpdateMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	kv, err := s.engine("update metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	current, err := s.metadataOf(ctx, kv, key)
	if err != nil {
		return err
	}
	current = current.Merge(md)

	raw, err := s.opts.Serializer.Marshal(current)
	if err != nil {
		return fmt.Errorf("update metadata %q: encode metadata: %w", key, err)
	}
	if err := kv.PutRaw(ctx, metadataPrefix+key, raw); err != nil {
		return fmt.Errorf("update metadata %q: %w", key, err)
	}
	return s.opts.Emitter.Emit(s.sourced(storage.ModifiedEvent(true, key, current)))
}

// Delete removes both entries of key.
func (s *Store) Delete(ctx context.Context, key string) error {
	kv, err := s.engine("delete")
	if err != nil {
		return err
	}
	md, err := s.metadataOf(ctx, kv, key)
	if err != nil && !errors.Is(err, storage.ErrCorruption) {
		return err
	}

	if err := kv.RawBatch(ctx, nil, []string{metadataPrefix + key, dataPrefix + key}); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	s.opts.Logger.WithField("key", key).Debug("Deleted key")
	return s.opts.Emitter.Emit(s.sourced(storage.DeletedEvent(key, md)))
}

// Exists reports whether key is stored.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	kv, err := s.engine("exists")
	if err != nil {
		return false, err
	}
	return s.exists(ctx, kv, key)
}

// Transaction returns a no-op scope. Each write is already atomic on its
// own; events are emitted as writes happen.
func (s *Store) Transaction(ctx context.Context, notes string) (storage.Transaction, error) {
	if _, err := s.engine("transaction"); err != nil {
		return nil, err
	}
	return storage.NoopTransaction{}, nil
}

// Query yields the keys whose metadata equals every predicate, in key
// order. A metadata entry that fails to decode ends the iteration with an
// ErrCorruption error.
func (s *Store) Query(ctx context.Context, selectFields []string, predicates metadata.Metadata) iter.Seq2[storage.Row, error] {
	return func(yield func(storage.Row, error) bool) {
		kv, err := s.engine("query")
		if err != nil {
			yield(storage.Row{}, err)
			return
		}
		for rec, err := range s.scan(ctx, kv) {
			if err != nil {
				yield(storage.Row{}, err)
				return
			}
			md, err := s.decode(rec.key, rec.raw)
			if err != nil {
				yield(storage.Row{Key: rec.key}, err)
				return
			}
			if !md.Match(predicates) {
				continue
			}
			if !yield(storage.Row{Key: rec.key, Metadata: md.Select(selectFields)}, nil) {
				return
			}
		}
	}
}

type record struct {
	key string
	raw []byte
}

// scan walks the metadata entries page by page. Each page is copied out
// before it is yielded, so no engine iterator is open while callers run.
func (s *Store) scan(ctx context.Context, kv RawKV) iter.Seq2[record, error] {
	return func(yield func(record, error) bool) {
		start := ""
		for {
			var page []record
			err := kv.RawScan(ctx, metadataPrefix, start, func(k string, v []byte) bool {
				page = append(page, record{key: strings.TrimPrefix(k, metadataPrefix), raw: v})
				return len(page) < s.opts.PageSize
			})
			if err != nil {
				yield(record{}, fmt.Errorf("query: %w", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.opts.PageSize {
				return
			}
			// The smallest key after the last one read.
			start = metadataPrefix + page[len(page)-1].key + "\x00"
		}
	}
}

// Helper methods

func (s *Store) sourced(e events.Event) events.Event {
	e.Source = s
	return e
}

func (s *Store) exists(ctx context.Context, kv RawKV, key string) (bool, error) {
	_, err := kv.GetRaw(ctx, metadataPrefix+key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) metadataOf(ctx context.Context, kv RawKV, key string) (metadata.Metadata, error) {
	raw, err := kv.GetRaw(ctx, metadataPrefix+key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return s.decode(key, raw)
}

func (s *Store) dataOf(ctx context.Context, kv RawKV, key string) ([]byte, error) {
	data, err := kv.GetRaw(ctx, dataPrefix+key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get data %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) decode(key string, raw []byte) (metadata.Metadata, error) {
	md, err := s.opts.Serializer.Unmarshal(raw)
	if err != nil {
		return nil, storage.Corrupted(key, err)
	}
	return md, nil
}

// readData drains r in bufferSize chunks, reporting store progress.
func (s *Store) readData(key string, r io.Reader, bufferSize int) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	data, err := storage.ReadAll(r, storage.TransferOptions{
		Key:        key,
		BufferSize: bufferSize,
		Emitter:    s.opts.Emitter,
		Source:     s,
	})
	if err != nil {
		return nil, fmt.Errorf("read data for %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

var _ storage.Backend = (*Store)(nil)

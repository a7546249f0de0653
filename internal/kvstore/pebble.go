package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

// PebbleOptions configure a PebbleKV.
type PebbleOptions struct {
	Dir      string
	InMemory bool
	Logger   *logrus.Logger
}

// PebbleKV is a RawKV backed by Pebble (CockroachDB's LSM engine).
type PebbleKV struct {
	db     *pebble.DB
	logger *logrus.Logger
}

// OpenPebble opens (or creates) a Pebble database.
func OpenPebble(opts PebbleOptions) (*PebbleKV, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	dir := opts.Dir
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		dir = ""
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble directory: %w", err)
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      opts.Dir,
		"in_memory": opts.InMemory,
	}).Info("Pebble engine initialized")
	return &PebbleKV{db: db, logger: opts.Logger}, nil
}

// prefixEnd returns the exclusive upper bound for a prefix scan in Pebble.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// GetRaw retrieves a raw value by key.
func (s *PebbleKV) GetRaw(ctx context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// PutRaw stores a raw value.
func (s *PebbleKV) PutRaw(ctx context.Context, key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.NoSync)
}

// DeleteRaw deletes a raw key.
func (s *PebbleKV) DeleteRaw(ctx context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

// RawBatch applies writes and deletes atomically via a Pebble batch.
func (s *PebbleKV) RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error {
	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for k, v := range sets {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("batch set %q: %w", k, err)
		}
	}
	for _, k := range deletes {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("batch delete %q: %w", k, err)
		}
	}
	return batch.Commit(pebble.NoSync)
}

// RawScan iterates keys with the given prefix starting from startKey.
func (s *PebbleKV) RawScan(ctx context.Context, prefix, startKey string, fn func(key string, val []byte) bool) error {
	lower := []byte(prefix)
	seekKey := lower
	if startKey != "" && startKey >= prefix {
		seekKey = []byte(startKey)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	for valid := iter.SeekGE(seekKey); valid; valid = iter.Next() {
		keyCopy := string(iter.Key())
		val := iter.Value()
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		if !fn(keyCopy, valCopy) {
			break
		}
	}
	return iter.Error()
}

// RawGC is a no-op for Pebble (it compacts automatically).
func (s *PebbleKV) RawGC() error { return nil }

// Close flushes and closes the database.
func (s *PebbleKV) Close() error {
	s.logger.Info("Closing Pebble engine")
	return s.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ RawKV = (*PebbleKV)(nil)

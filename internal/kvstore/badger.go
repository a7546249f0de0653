package kvstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerOptions configure a BadgerKV.
type BadgerOptions struct {
	Dir        string
	InMemory   bool
	SyncWrites bool // If true, every write is synced to disk (slower but safer)
	Logger     *logrus.Logger
}

// BadgerKV is a RawKV backed by BadgerDB.
type BadgerKV struct {
	db     *badger.DB
	logger *logrus.Logger
}

// OpenBadger opens (or creates) a BadgerDB database.
func OpenBadger(opts BadgerOptions) (*BadgerKV, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      opts.Dir,
		"in_memory": opts.InMemory,
	}).Info("BadgerDB engine initialized")
	return &BadgerKV{db: db, logger: opts.Logger}, nil
}

// GetRaw retrieves a raw value from BadgerDB.
func (s *BadgerKV) GetRaw(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// PutRaw stores a raw value in BadgerDB.
func (s *BadgerKV) PutRaw(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// DeleteRaw deletes a key from BadgerDB.
func (s *BadgerKV) DeleteRaw(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// RawBatch applies writes and deletes atomically in a single BadgerDB
// transaction.
func (s *BadgerKV) RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return fmt.Errorf("batch set %q: %w", k, err)
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("batch delete %q: %w", k, err)
			}
		}
		return nil
	})
}

// RawScan iterates all keys with the given prefix starting from startKey.
func (s *BadgerKV) RawScan(ctx context.Context, prefix, startKey string, fn func(key string, val []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(prefix)
		if startKey != "" && startKey >= prefix {
			seek = []byte(startKey)
		}

		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			keyCopy := string(item.KeyCopy(nil))
			valCopy, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(keyCopy, valCopy) {
				break
			}
		}
		return nil
	})
}

// RawGC runs BadgerDB value-log garbage collection. Having nothing to
// rewrite is not an error.
func (s *BadgerKV) RawGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close closes the database.
func (s *BadgerKV) Close() error {
	s.logger.Info("Closing BadgerDB engine")
	return s.db.Close()
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ RawKV = (*BadgerKV)(nil)

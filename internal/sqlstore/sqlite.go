// Package sqlstore implements a store backed by a single SQLite table.
//
// Every key is one row holding the serialized metadata and the data
// payload. All access goes through one database connection, so the store
// is safe for concurrent use but never runs statements in parallel. While
// a transaction is open only calls made with its context run; the others
// wait for it to commit or roll back.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

const (
	// DefaultLocation keeps the database in memory for the lifetime of the
	// connection.
	DefaultLocation = ":memory:"
	// DefaultTable is the table used when none is configured.
	DefaultTable = "store"
	// DefaultPageSize is the number of rows fetched per query page.
	DefaultPageSize = 256
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configure a Store.
type Options struct {
	Location   string
	Table      string
	Serializer metadata.Serializer
	Emitter    events.Emitter
	Logger     *logrus.Logger
	PageSize   int
}

// Store is a storage.Backend over SQLite.
type Store struct {
	location   string
	table      string
	serializer metadata.Serializer
	emitter    events.Emitter
	logger     *logrus.Logger
	pageSize   int
	txs        *storage.TxCoordinator

	mu sync.Mutex
	db *sql.DB
	tx *sql.Tx
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates an unconnected store. The table name is validated here
// because it is written into the SQL text rather than bound.
func New(opts Options) (*Store, error) {
	if opts.Location == "" {
		opts.Location = DefaultLocation
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !tableNamePattern.MatchString(opts.Table) {
		return nil, storage.NewError("InvalidConfig", fmt.Sprintf("invalid table name %q", opts.Table))
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
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	s := &Store{
		location:   opts.Location,
		table:      opts.Table,
		serializer: opts.Serializer,
		emitter:    opts.Emitter,
		logger:     opts.Logger,
		pageSize:   opts.PageSize,
	}
	s.txs = storage.NewTxCoordinator(s, opts.Emitter, s)
	return s, nil
}

// Location returns the database path.
func (s *Store) Location() string { return s.location }

// Table returns the table name.
func (s *Store) Table() string { return s.table }

// Connect opens the database and creates the table if needed. SQLite has
// no authentication, so credentials are ignored.
func (s *Store) Connect(ctx context.Context, creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.location)
	if err != nil {
		return storage.Unavailable("connect", err)
	}
	// A single connection serializes access and keeps ":memory:" databases
	// alive between statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return storage.Unavailable("connect", err)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS "%s" (
		key TEXT PRIMARY KEY,
		metadata BLOB NOT NULL,
		data BLOB NOT NULL
	)`, s.table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return storage.Unavailable("connect", fmt.Errorf("failed to create table %s: %w", s.table, err))
	}

	s.db = db
	s.logger.WithFields(logrus.Fields{
		"location": s.location,
		"table":    s.table,
	}).Info("SQLite store connected")
	return nil
}

// Disconnect closes the database. An open transaction is rolled back.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	err := s.db.Close()
	s.db = nil
	s.logger.WithField("location", s.location).Info("SQLite store disconnected")
	return err
}

// conn returns the open transaction when ctx belongs to it and the
// database otherwise. The database has a single connection, which an open
// transaction holds, so statements of other callers wait for it to end.
func (s *Store) conn(ctx context.Context, op string) (querier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, storage.Unavailable(op, errors.New("not connected"))
	}
	if s.tx != nil && s.txs.Owns(ctx) {
		return s.tx, nil
	}
	return s.db, nil
}

// Info describes the database.
func (s *Store) Info(ctx context.Context) (metadata.Metadata, error) {
	if _, err := s.conn(ctx, "info"); err != nil {
		return nil, err
	}
	return metadata.Metadata{
		"backend":    "sqlite",
		"location":   s.location,
		"table":      s.table,
		"serializer": s.serializer.Name(),
	}, nil
}

// Get returns the data and metadata of key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, metadata.Metadata, error) {
	q, err := s.conn(ctx, "get")
	if err != nil {
		return nil, nil, err
	}

	var data, raw []byte
	err = q.QueryRowContext(ctx, s.stmt(`SELECT data, metadata FROM "%s" WHERE key = ?`), key).Scan(&data, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get %q: %w", key, err)
	}

	md, err := s.decode(key, raw)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), md, nil
}

// GetData returns the data of key.
func (s *Store) GetData(ctx context.Context, key string) (io.ReadCloser, error) {
	q, err := s.conn(ctx, "get data")
	if err != nil {
		return nil, err
	}

	var data []byte
	err = q.QueryRowContext(ctx, s.stmt(`SELECT data FROM "%s" WHERE key = ?`), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get data %q: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetMetadata returns the metadata of key restricted to selectFields.
func (s *Store) GetMetadata(ctx context.Context, key string, selectFields []string) (metadata.Metadata, error) {
	q, err := s.conn(ctx, "get metadata")
	if err != nil {
		return nil, err
	}
	md, err := s.metadataOf(ctx, q, key)
	if err != nil {
		return nil, err
	}
	return md.Select(selectFields), nil
}

// Set stores data and metadata of key in a single statement.
func (s *Store) Set(ctx context.Context, key string, value storage.Value, bufferSize int) error {
	q, err := s.conn(ctx, "set")
	if err != nil {
		return err
	}
	md, err := storage.NormalizeMetadata(key, value.Metadata)
	if err != nil {
		return err
	}
	raw, err := s.serializer.Marshal(md)
	if err != nil {
		return fmt.Errorf("set %q: encode metadata: %w", key, err)
	}
	existed, err := s.exists(ctx, q, key)
	if err != nil {
		return err
	}
	data, err := s.readData(key, value.Data, bufferSize)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, s.stmt(`
		INSERT INTO "%s" (key, metadata, data) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET metadata = excluded.metadata, data = excluded.data`),
		key, raw, data)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("Stored key")
	return s.txs.Notify(ctx, storage.ModifiedEvent(existed, key, md.Clone()))
}

// SetData replaces the data of key. A new key is stored with empty
// metadata.
func (s *Store) SetData(ctx context.Context, key string, r io.Reader, bufferSize int) error {
	q, err := s.conn(ctx, "set data")
	if err != nil {
		return err
	}
	empty, err := s.serializer.Marshal(metadata.Metadata{})
	if err != nil {
		return fmt.Errorf("set data %q: encode metadata: %w", key, err)
	}
	existed, err := s.exists(ctx, q, key)
	if err != nil {
		return err
	}
	data, err := s.readData(key, r, bufferSize)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, s.stmt(`
		INSERT INTO "%s" (key, metadata, data) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`),
		key, empty, data)
	if err != nil {
		return fmt.Errorf("set data %q: %w", key, err)
	}

	md := metadata.Metadata{}
	if existed {
		if md, err = s.metadataOf(ctx, q, key); err != nil {
			return err
		}
	}
	return s.txs.Notify(ctx, storage.ModifiedEvent(existed, key, md))
}

// SetMetadata replaces the metadata of key. A new key is stored with an
// empty payload.
func (s *Store) SetMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	q, err := s.conn(ctx, "set metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	raw, err := s.serializer.Marshal(md)
	if err != nil {
		return fmt.Errorf("set metadata %q: encode metadata: %w", key, err)
	}
	existed, err := s.exists(ctx, q, key)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, s.stmt(`
		INSERT INTO "%s" (key, metadata, data) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET metadata = excluded.metadata`),
		key, raw, []byte{})
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return s.txs.Notify(ctx, storage.ModifiedEvent(existed, key, md.Clone()))
}

// UpdateMetadata merges md into the stored metadata of key.
func (s *Store) UpdateMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	q, err := s.conn(ctx, "update metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	current, err := s.metadataOf(ctx, q, key)
	if err != nil {
		return err
	}
	current = current.Merge(md)

	raw, err := s.serializer.Marshal(current)
	if err != nil {
		return fmt.Errorf("update metadata %q: encode metadata: %w", key, err)
	}
	if _, err := q.ExecContext(ctx, s.stmt(`UPDATE "%s" SET metadata = ? WHERE key = ?`), raw, key); err != nil {
		return fmt.Errorf("update metadata %q: %w", key, err)
	}
	return s.txs.Notify(ctx, storage.ModifiedEvent(true, key, current))
}

// Delete removes key. The delete event carries the metadata the key had;
// it is nil when that metadata could not be decoded.
func (s *Store) Delete(ctx context.Context, key string) error {
	q, err := s.conn(ctx, "delete")
	if err != nil {
		return err
	}
	md, err := s.metadataOf(ctx, q, key)
	if err != nil && !errors.Is(err, storage.ErrCorruption) {
		return err
	}

	res, err := q.ExecContext(ctx, s.stmt(`DELETE FROM "%s" WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFound(key)
	}

	s.logger.WithField("key", key).Debug("Deleted key")
	return s.txs.Notify(ctx, storage.DeletedEvent(key, md))
}

// Exists reports whether key has a row.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	q, err := s.conn(ctx, "exists")
	if err != nil {
		return false, err
	}
	return s.exists(ctx, q, key)
}

// Transaction returns a scope backed by a database transaction. Scopes
// entered with the context of an open transaction join it.
func (s *Store) Transaction(ctx context.Context, notes string) (storage.Transaction, error) {
	if _, err := s.conn(ctx, "transaction"); err != nil {
		return nil, err
	}
	return s.txs.Begin(notes), nil
}

// BeginTx starts the database transaction used by statements made with
// the transaction context until it is committed or rolled back.
func (s *Store) BeginTx(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return storage.Unavailable("begin transaction", errors.New("not connected"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// CommitTx commits the open transaction.
func (s *Store) CommitTx(ctx context.Context) error {
	tx := s.takeTx()
	if tx == nil {
		return nil
	}
	return tx.Commit()
}

// RollbackTx discards the open transaction.
func (s *Store) RollbackTx(ctx context.Context) error {
	tx := s.takeTx()
	if tx == nil {
		return nil
	}
	return tx.Rollback()
}

func (s *Store) takeTx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.tx
	s.tx = nil
	return tx
}

// Helper methods

// stmt substitutes the validated table name into a statement.
func (s *Store) stmt(format string) string {
	return fmt.Sprintf(format, s.table)
}

func (s *Store) exists(ctx context.Context, q querier, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.stmt(`SELECT 1 FROM "%s" WHERE key = ?`), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) metadataOf(ctx context.Context, q querier, key string) (metadata.Metadata, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, s.stmt(`SELECT metadata FROM "%s" WHERE key = ?`), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return s.decode(key, raw)
}

func (s *Store) decode(key string, raw []byte) (metadata.Metadata, error) {
	md, err := s.serializer.Unmarshal(raw)
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
		Emitter:    s.emitter,
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

var (
	_ storage.Backend    = (*Store)(nil)
	_ storage.TxHooks    = (*Store)(nil)
	_ storage.KeyQuerier = (*Store)(nil)
	_ storage.Globber    = (*Store)(nil)
)

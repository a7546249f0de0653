package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
)

const (
	metadataSuffix = ".metadata"
	tempPrefix     = ".tmp_"
)

// FilesystemOptions configure a FilesystemBackend.
type FilesystemOptions struct {
	Root       string
	Serializer metadata.Serializer
	Emitter    events.Emitter
	Logger     *logrus.Logger
}

// FilesystemBackend stores each key as a file below a root directory, with
// its metadata in a "<key>.metadata" sidecar file. Keys map to slash
// separated relative paths.
type FilesystemBackend struct {
	rootPath   string
	serializer metadata.Serializer
	emitter    events.Emitter
	logger     *logrus.Logger

	mu        sync.RWMutex
	connected bool
}

// NewFilesystemBackend creates a new filesystem storage backend. The root
// directory is created on Connect.
func NewFilesystemBackend(opts FilesystemOptions) (*FilesystemBackend, error) {
	if opts.Root == "" {
		return nil, NewError("InvalidConfig", "Filesystem root must not be empty")
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

	return &FilesystemBackend{
		rootPath:   opts.Root,
		serializer: opts.Serializer,
		emitter:    opts.Emitter,
		logger:     opts.Logger,
	}, nil
}

// RootPath returns the directory holding the stored keys.
func (fsb *FilesystemBackend) RootPath() string {
	return fsb.rootPath
}

// Connect ensures the root directory exists. Credentials are ignored.
func (fsb *FilesystemBackend) Connect(ctx context.Context, creds Credentials) error {
	if err := os.MkdirAll(fsb.rootPath, 0755); err != nil {
		return Unavailable("connect", err)
	}

	fsb.mu.Lock()
	fsb.connected = true
	fsb.mu.Unlock()

	fsb.logger.WithField("root", fsb.rootPath).Info("Filesystem store connected")
	return nil
}

// Disconnect marks the backend unusable until the next Connect.
func (fsb *FilesystemBackend) Disconnect(ctx context.Context) error {
	fsb.mu.Lock()
	defer fsb.mu.Unlock()
	if fsb.connected {
		fsb.connected = false
		fsb.logger.WithField("root", fsb.rootPath).Info("Filesystem store disconnected")
	}
	return nil
}

func (fsb *FilesystemBackend) checkConnected(op string) error {
	fsb.mu.RLock()
	defer fsb.mu.RUnlock()
	if !fsb.connected {
		return Unavailable(op, errors.New("not connected"))
	}
	return nil
}

// Info reports the root directory and the capacity of the volume holding
// it.
func (fsb *FilesystemBackend) Info(ctx context.Context) (metadata.Metadata, error) {
	if err := fsb.checkConnected("info"); err != nil {
		return nil, err
	}

	info := map[string]any{
		"backend":    "filesystem",
		"location":   fsb.rootPath,
		"serializer": fsb.serializer.Name(),
	}
	if usage, err := disk.UsageWithContext(ctx, fsb.rootPath); err == nil {
		info["total_bytes"] = usage.Total
		info["free_bytes"] = usage.Free
		info["used_percent"] = usage.UsedPercent
	} else {
		fsb.logger.WithError(err).Debug("Failed to read disk usage")
	}
	return metadata.New(info)
}

// Get returns the data stream and metadata of key.
func (fsb *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, metadata.Metadata, error) {
	if err := fsb.check("get", key); err != nil {
		return nil, nil, err
	}

	md, err := fsb.readMetadata(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := fsb.openData(key)
	if err != nil {
		return nil, nil, err
	}
	return f, md, nil
}

// GetData returns the data stream of key.
func (fsb *FilesystemBackend) GetData(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := fsb.check("get data", key); err != nil {
		return nil, err
	}
	if _, err := os.Stat(fsb.getMetadataPath(key)); err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(key)
		}
		return nil, NewErrorWithCause("StatFile", "Failed to stat metadata file", err)
	}
	return fsb.openData(key)
}

// GetMetadata returns the metadata of key restricted to selectFields.
func (fsb *FilesystemBackend) GetMetadata(ctx context.Context, key string, selectFields []string) (metadata.Metadata, error) {
	if err := fsb.check("get metadata", key); err != nil {
		return nil, err
	}
	if _, err := os.Stat(fsb.getFullPath(key)); err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(key)
		}
		return nil, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}
	md, err := fsb.readMetadata(key)
	if err != nil {
		return nil, err
	}
	return md.Select(selectFields), nil
}

// Set writes data and metadata of key. The data is streamed into a
// temporary file first, so a failed read leaves the stored key untouched.
func (fsb *FilesystemBackend) Set(ctx context.Context, key string, value Value, bufferSize int) error {
	if err := fsb.check("set", key); err != nil {
		return err
	}
	md, err := NormalizeMetadata(key, value.Metadata)
	if err != nil {
		return err
	}
	existed := fsb.exists(key)

	if err := fsb.storeData(key, value.Data, bufferSize, md); err != nil {
		return err
	}

	fsb.logger.WithFields(logrus.Fields{"key": key, "existed": existed}).Debug("Stored key")
	return fsb.emitter.Emit(ModifiedEvent(existed, key, md.Clone()))
}

// SetData replaces the data of key. A new key gets empty metadata.
func (fsb *FilesystemBackend) SetData(ctx context.Context, key string, data io.Reader, bufferSize int) error {
	if err := fsb.check("set data", key); err != nil {
		return err
	}
	existed := fsb.exists(key)

	md := metadata.Metadata{}
	var err error
	if existed {
		if md, err = fsb.readMetadata(key); err != nil {
			return err
		}
		err = fsb.storeData(key, data, bufferSize, nil)
	} else {
		err = fsb.storeData(key, data, bufferSize, md)
	}
	if err != nil {
		return err
	}

	return fsb.emitter.Emit(ModifiedEvent(existed, key, md))
}

// SetMetadata replaces the metadata of key. A new key gets empty data.
func (fsb *FilesystemBackend) SetMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	if err := fsb.check("set metadata", key); err != nil {
		return err
	}
	md, err := NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	existed := fsb.exists(key)

	if existed {
		err = fsb.saveMetadata(key, md)
	} else {
		err = fsb.storeData(key, strings.NewReader(""), 0, md)
	}
	if err != nil {
		return err
	}

	return fsb.emitter.Emit(ModifiedEvent(existed, key, md.Clone()))
}

// UpdateMetadata merges md into the metadata of key.
func (fsb *FilesystemBackend) UpdateMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	if err := fsb.check("update metadata", key); err != nil {
		return err
	}
	md, err := NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	if !fsb.exists(key) {
		return NotFound(key)
	}

	current, err := fsb.readMetadata(key)
	if err != nil {
		return err
	}
	current = current.Merge(md)
	if err := fsb.saveMetadata(key, current); err != nil {
		return err
	}

	return fsb.emitter.Emit(ModifiedEvent(true, key, current))
}

// Delete removes the data and metadata files of key.
func (fsb *FilesystemBackend) Delete(ctx context.Context, key string) error {
	if err := fsb.check("delete", key); err != nil {
		return err
	}

	fullPath := fsb.getFullPath(key)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return NotFound(key)
	}

	md, err := fsb.readMetadata(key)
	if err != nil && !errors.Is(err, ErrCorruption) && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return NewErrorWithCause("DeleteFile", "Failed to delete file", err)
	}
	if err := os.Remove(fsb.getMetadataPath(key)); err != nil && !os.IsNotExist(err) {
		return NewErrorWithCause("DeleteMetadata", "Failed to delete metadata file", err)
	}
	fsb.pruneEmptyDirs(filepath.Dir(fullPath))

	fsb.logger.WithField("key", key).Debug("Deleted key")
	return fsb.emitter.Emit(DeletedEvent(key, md))
}

// Exists reports whether both the data file and the metadata file of key
// are present.
func (fsb *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := fsb.check("exists", key); err != nil {
		return false, err
	}
	return fsb.exists(key), nil
}

// Transaction returns a no-op scope: file writes are not grouped.
func (fsb *FilesystemBackend) Transaction(ctx context.Context, notes string) (Transaction, error) {
	if err := fsb.checkConnected("transaction"); err != nil {
		return nil, err
	}
	return NoopTransaction{}, nil
}

// Query walks the root directory and yields the keys whose metadata
// matches predicates. Keys are yielded in lexical path order.
func (fsb *FilesystemBackend) Query(ctx context.Context, selectFields []string, predicates metadata.Metadata) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if err := fsb.checkConnected("query"); err != nil {
			yield(Row{}, err)
			return
		}

		stopped := false
		err := filepath.WalkDir(fsb.rootPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasSuffix(p, metadataSuffix) || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(fsb.rootPath, p)
			if err != nil {
				return nil
			}
			key := filepath.ToSlash(rel)

			md, err := fsb.readMetadata(key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				stopped = true
				yield(Row{}, err)
				return fs.SkipAll
			}
			if !md.Match(predicates) {
				return nil
			}
			if !yield(Row{Key: key, Metadata: md.Select(selectFields)}, nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Row{}, NewErrorWithCause("WalkDirectory", "Failed to walk directory", err))
		}
	}
}

// Helper methods

func (fsb *FilesystemBackend) check(op, key string) error {
	if err := fsb.checkConnected(op); err != nil {
		return err
	}
	return fsb.validateKey(key)
}

// validateKey rejects keys that cannot be mapped safely below the root.
func (fsb *FilesystemBackend) validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return InvalidKey(key)
	}
	if strings.HasSuffix(key, metadataSuffix) || strings.Contains(key, "\x00") {
		return InvalidKey(key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, tempPrefix) {
			return InvalidKey(key)
		}
	}
	if path.Clean(key) != key {
		return InvalidKey(key)
	}
	return nil
}

// getFullPath returns the data file path for key.
func (fsb *FilesystemBackend) getFullPath(key string) string {
	return filepath.Join(fsb.rootPath, filepath.FromSlash(key))
}

// getMetadataPath returns the metadata sidecar path for key.
func (fsb *FilesystemBackend) getMetadataPath(key string) string {
	return fsb.getFullPath(key) + metadataSuffix
}

func (fsb *FilesystemBackend) exists(key string) bool {
	if info, err := os.Stat(fsb.getFullPath(key)); err != nil || info.IsDir() {
		return false
	}
	_, err := os.Stat(fsb.getMetadataPath(key))
	return err == nil
}

func (fsb *FilesystemBackend) openData(key string) (*os.File, error) {
	f, err := os.Open(fsb.getFullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(key)
		}
		return nil, NewErrorWithCause("OpenFile", "Failed to open file", err)
	}
	return f, nil
}

func (fsb *FilesystemBackend) readMetadata(key string) (metadata.Metadata, error) {
	raw, err := os.ReadFile(fsb.getMetadataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(key)
		}
		return nil, NewErrorWithCause("ReadMetadata", "Failed to read metadata file", err)
	}
	md, err := fsb.serializer.Unmarshal(raw)
	if err != nil {
		return nil, Corrupted(key, err)
	}
	return md, nil
}

// saveMetadata atomically replaces the metadata sidecar of key.
func (fsb *FilesystemBackend) saveMetadata(key string, md metadata.Metadata) error {
	raw, err := fsb.serializer.Marshal(md)
	if err != nil {
		return NewErrorWithCause("MarshalMetadata", "Failed to marshal metadata", err)
	}
	return fsb.writeAtomic(fsb.getMetadataPath(key), func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
}

// storeData streams r into a temporary file, writes md to the sidecar
// when md is non-nil, then moves the data into place. If the final move
// fails the previous sidecar is put back.
func (fsb *FilesystemBackend) storeData(key string, r io.Reader, bufferSize int, md metadata.Metadata) error {
	dataPath := fsb.getFullPath(key)
	tmp, err := fsb.stage(dataPath, func(w io.Writer) error {
		_, err := Transfer(w, r, TransferOptions{
			Key:        key,
			BufferSize: bufferSize,
			Emitter:    fsb.emitter,
			Source:     fsb,
		})
		return err
	})
	if err != nil {
		return err
	}
	if md == nil {
		return fsb.commit(tmp, dataPath)
	}

	metaPath := fsb.getMetadataPath(key)
	prev, prevErr := os.ReadFile(metaPath)
	if err := fsb.saveMetadata(key, md); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := fsb.commit(tmp, dataPath); err != nil {
		if prevErr == nil {
			_ = fsb.writeAtomic(metaPath, func(w io.Writer) error {
				_, err := w.Write(prev)
				return err
			})
		} else {
			os.Remove(metaPath)
		}
		return err
	}
	return nil
}

// writeAtomic writes through a temporary file in the destination
// directory and renames it over dest.
func (fsb *FilesystemBackend) writeAtomic(dest string, write func(io.Writer) error) error {
	tmp, err := fsb.stage(dest, write)
	if err != nil {
		return err
	}
	return fsb.commit(tmp, dest)
}

// stage writes into a new temporary file next to dest and returns its
// path. The caller commits or removes it.
func (fsb *FilesystemBackend) stage(dest string, write func(io.Writer) error) (string, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", NewErrorWithCause("CreateDirectory", "Failed to create directory", err)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix)
	if err != nil {
		return "", NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err)
	}

	if err := write(tempFile); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return "", NewErrorWithCause("WriteData", "Failed to write data", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return "", NewErrorWithCause("WriteData", "Failed to write data", err)
	}
	return tempFile.Name(), nil
}

func (fsb *FilesystemBackend) commit(tmp, dest string) error {
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return NewErrorWithCause("AtomicMove", "Failed to move file to final location", err)
	}
	return nil
}

// pruneEmptyDirs removes empty directories from dir up to the root.
func (fsb *FilesystemBackend) pruneEmptyDirs(dir string) {
	root := filepath.Clean(fsb.rootPath)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

var _ Backend = (*FilesystemBackend)(nil)

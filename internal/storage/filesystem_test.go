package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
)

// recorder collects every event emitted to it.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type.Is(t) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func createTestBackend(t *testing.T) (*FilesystemBackend, *recorder) {
	rec := &recorder{}
	backend, err := NewFilesystemBackend(FilesystemOptions{
		Root:    filepath.Join(t.TempDir(), "root"),
		Emitter: rec,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, backend.Connect(context.Background(), nil))
	return backend, rec
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestNewFilesystemBackend(t *testing.T) {
	t.Run("Connect creates root directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "new-storage-root")
		backend, err := NewFilesystemBackend(FilesystemOptions{Root: root, Logger: quietLogger()})
		require.NoError(t, err)

		require.NoError(t, backend.Connect(context.Background(), nil))

		info, err := os.Stat(root)
		assert.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, root, backend.RootPath())
	})

	t.Run("Empty root is rejected", func(t *testing.T) {
		_, err := NewFilesystemBackend(FilesystemOptions{})
		assert.Error(t, err)
	})

	t.Run("Operations fail before connect and after disconnect", func(t *testing.T) {
		backend, err := NewFilesystemBackend(FilesystemOptions{Root: t.TempDir(), Logger: quietLogger()})
		require.NoError(t, err)
		ctx := context.Background()

		_, err = backend.Exists(ctx, "a")
		assert.ErrorIs(t, err, ErrBackendUnavailable)

		require.NoError(t, backend.Connect(ctx, nil))
		require.NoError(t, backend.Disconnect(ctx))
		require.NoError(t, backend.Disconnect(ctx))

		_, _, err = backend.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestFilesystemSetAndGet(t *testing.T) {
	backend, rec := createTestBackend(t)
	ctx := context.Background()

	t.Run("Set and get simple key", func(t *testing.T) {
		md := metadata.MustNew(map[string]any{"color": "red", "size": 3})
		err := backend.Set(ctx, "test-file.txt", Value{Data: bytes.NewReader([]byte("Hello, World!")), Metadata: md}, 0)
		require.NoError(t, err)

		rc, got, err := backend.Get(ctx, "test-file.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("Hello, World!"), readAll(t, rc))
		assert.True(t, metadata.EqualMetadata(md, got))
	})

	t.Run("Set in nested path", func(t *testing.T) {
		err := backend.Set(ctx, "folder1/folder2/nested.txt", Value{Data: bytes.NewReader([]byte("nested"))}, 0)
		require.NoError(t, err)

		exists, err := backend.Exists(ctx, "folder1/folder2/nested.txt")
		assert.NoError(t, err)
		assert.True(t, exists)

		md, err := backend.GetMetadata(ctx, "folder1/folder2/nested.txt", nil)
		assert.NoError(t, err)
		assert.Empty(t, md)
	})

	t.Run("Second set emits update", func(t *testing.T) {
		rec.reset()
		require.NoError(t, backend.Set(ctx, "again", Value{Data: bytes.NewReader([]byte("1"))}, 0))
		require.NoError(t, backend.Set(ctx, "again", Value{Data: bytes.NewReader([]byte("2"))}, 0))

		mods := rec.ofType(events.TypeStoreModified)
		require.Len(t, mods, 2)
		assert.Equal(t, events.TypeStoreSet, mods[0].Type)
		assert.Equal(t, events.TypeStoreUpdate, mods[1].Type)
		assert.Equal(t, "again", mods[1].Key)
	})

	t.Run("Get missing key", func(t *testing.T) {
		_, _, err := backend.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = backend.GetData(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = backend.GetMetadata(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Select returns only present fields", func(t *testing.T) {
		md := metadata.MustNew(map[string]any{"a": 1, "b": 2})
		require.NoError(t, backend.SetMetadata(ctx, "selected", md))

		got, err := backend.GetMetadata(ctx, "selected", []string{"a", "zzz"})
		require.NoError(t, err)
		assert.Equal(t, metadata.Metadata{"a": int64(1)}, got)
	})
}

func TestFilesystemPartialWrites(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	t.Run("SetData on new key stores empty metadata", func(t *testing.T) {
		require.NoError(t, backend.SetData(ctx, "data-only", bytes.NewReader([]byte("payload")), 0))

		md, err := backend.GetMetadata(ctx, "data-only", nil)
		require.NoError(t, err)
		assert.Empty(t, md)
	})

	t.Run("SetMetadata on new key stores empty data", func(t *testing.T) {
		require.NoError(t, backend.SetMetadata(ctx, "meta-only", metadata.Metadata{"x": "y"}))

		rc, err := backend.GetData(ctx, "meta-only")
		require.NoError(t, err)
		assert.Empty(t, readAll(t, rc))
	})

	t.Run("SetData keeps metadata", func(t *testing.T) {
		require.NoError(t, backend.SetMetadata(ctx, "keep", metadata.Metadata{"x": "y"}))
		require.NoError(t, backend.SetData(ctx, "keep", bytes.NewReader([]byte("new")), 0))

		rc, md, err := backend.Get(ctx, "keep")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), readAll(t, rc))
		assert.Equal(t, "y", md["x"])
	})

	t.Run("UpdateMetadata merges fields", func(t *testing.T) {
		require.NoError(t, backend.SetMetadata(ctx, "merge", metadata.MustNew(map[string]any{"a": 1, "b": 2})))
		require.NoError(t, backend.UpdateMetadata(ctx, "merge", metadata.MustNew(map[string]any{"b": 3, "c": 4})))

		md, err := backend.GetMetadata(ctx, "merge", nil)
		require.NoError(t, err)
		assert.True(t, metadata.EqualMetadata(metadata.MustNew(map[string]any{"a": 1, "b": 3, "c": 4}), md))
	})

	t.Run("UpdateMetadata on missing key", func(t *testing.T) {
		err := backend.UpdateMetadata(ctx, "nope", metadata.Metadata{"a": int64(1)})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFilesystemDelete(t *testing.T) {
	backend, rec := createTestBackend(t)
	ctx := context.Background()

	t.Run("Delete existing key", func(t *testing.T) {
		md := metadata.Metadata{"k": "v"}
		require.NoError(t, backend.Set(ctx, "dir/to-delete.txt", Value{Data: bytes.NewReader([]byte("x")), Metadata: md}, 0))
		rec.reset()

		require.NoError(t, backend.Delete(ctx, "dir/to-delete.txt"))

		exists, err := backend.Exists(ctx, "dir/to-delete.txt")
		assert.NoError(t, err)
		assert.False(t, exists)

		_, err = os.Stat(filepath.Join(backend.RootPath(), "dir"))
		assert.True(t, os.IsNotExist(err), "empty parent directory should be removed")

		deletes := rec.ofType(events.TypeStoreDelete)
		require.Len(t, deletes, 1)
		assert.Equal(t, "v", deletes[0].Metadata["k"])
	})

	t.Run("Delete missing key", func(t *testing.T) {
		err := backend.Delete(ctx, "non-existent.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFilesystemCorruption(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "bad", Value{Data: bytes.NewReader([]byte("x"))}, 0))
	require.NoError(t, os.WriteFile(filepath.Join(backend.RootPath(), "bad.metadata"), []byte("{not json"), 0644))

	_, err := backend.GetMetadata(ctx, "bad", nil)
	assert.ErrorIs(t, err, ErrCorruption)

	var sawErr error
	for _, err := range backend.Query(ctx, nil, nil) {
		if err != nil {
			sawErr = err
		}
	}
	assert.ErrorIs(t, sawErr, ErrCorruption)

	require.NoError(t, backend.Delete(ctx, "bad"))
}

func TestFilesystemQuery(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	keys := map[string]metadata.Metadata{
		"file1.txt":                  {"kind": "text", "n": int64(1)},
		"file2.txt":                  {"kind": "text", "n": int64(2)},
		"folder/file3.bin":           {"kind": "binary", "n": int64(3)},
		"folder/subfolder/file4.txt": {"kind": "text"},
	}
	for key, md := range keys {
		require.NoError(t, backend.Set(ctx, key, Value{Data: bytes.NewReader([]byte(key)), Metadata: md}, 0))
	}

	t.Run("No predicates yields every key", func(t *testing.T) {
		var got []string
		for row, err := range backend.Query(ctx, nil, nil) {
			require.NoError(t, err)
			got = append(got, row.Key)
		}
		assert.ElementsMatch(t, []string{"file1.txt", "file2.txt", "folder/file3.bin", "folder/subfolder/file4.txt"}, got)
	})

	t.Run("Equality predicates and select", func(t *testing.T) {
		var rows []Row
		for row, err := range backend.Query(ctx, []string{"n"}, metadata.Metadata{"kind": "text", "n": 2.0}) {
			require.NoError(t, err)
			rows = append(rows, row)
		}
		require.Len(t, rows, 1)
		assert.Equal(t, "file2.txt", rows[0].Key)
		assert.Equal(t, metadata.Metadata{"n": int64(2)}, rows[0].Metadata)
	})

	t.Run("Absent field matches nil predicate", func(t *testing.T) {
		var got []string
		for row, err := range backend.Query(ctx, nil, metadata.Metadata{"n": nil}) {
			require.NoError(t, err)
			got = append(got, row.Key)
		}
		assert.Equal(t, []string{"folder/subfolder/file4.txt"}, got)
	})

	t.Run("Early stop", func(t *testing.T) {
		count := 0
		for range backend.Query(ctx, nil, nil) {
			count++
			break
		}
		assert.Equal(t, 1, count)
	})
}

func TestValidateKey(t *testing.T) {
	backend, _ := createTestBackend(t)

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"Valid simple key", "file.txt", false},
		{"Valid nested key", "folder/file.txt", false},
		{"Empty key", "", true},
		{"Directory traversal", "../etc/passwd", true},
		{"Traversal in middle", "folder/../file.txt", true},
		{"Absolute key", "/etc/passwd", true},
		{"Trailing slash", "folder/", true},
		{"Double slash", "a//b", true},
		{"Metadata suffix", "file.txt.metadata", true},
		{"Temp prefix", "dir/.tmp_123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backend.validateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilesystemInfo(t *testing.T) {
	backend, _ := createTestBackend(t)

	info, err := backend.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "filesystem", info["backend"])
	assert.Equal(t, backend.RootPath(), info["location"])
	assert.Equal(t, "json", info["serializer"])
}

func TestFilesystemConcurrentWrites(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := filepath.ToSlash(filepath.Join("concurrent", string(rune('a'+i))))
			errs <- backend.Set(ctx, key, Value{Data: bytes.NewReader([]byte(key))}, 0)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	count := 0
	for _, err := range backend.Query(ctx, nil, nil) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 10, count)
}

func TestFilesystemFailedWrite(t *testing.T) {
	backend, rec := createTestBackend(t)
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("Set keeps previous data and metadata", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "k", Value{Data: strings.NewReader("old"), Metadata: metadata.Metadata{"v": "old"}}, 0))
		rec.reset()

		err := backend.Set(ctx, "k", Value{Data: failingReader{boom}, Metadata: metadata.Metadata{"v": "new"}}, 0)
		require.ErrorIs(t, err, boom)
		assert.Empty(t, rec.ofType(events.TypeStoreModified))

		rc, md, err := backend.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "old", string(readAll(t, rc)))
		assert.Equal(t, metadata.Metadata{"v": "old"}, md)
	})

	t.Run("Set on new key stores nothing", func(t *testing.T) {
		err := backend.Set(ctx, "dir/fresh", Value{Data: failingReader{boom}, Metadata: metadata.Metadata{"v": "new"}}, 0)
		require.ErrorIs(t, err, boom)

		_, statErr := os.Stat(backend.getMetadataPath("dir/fresh"))
		assert.True(t, os.IsNotExist(statErr))
		exists, err := backend.Exists(ctx, "dir/fresh")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("SetData on new key stores nothing", func(t *testing.T) {
		err := backend.SetData(ctx, "fresh-data", failingReader{boom}, 0)
		require.ErrorIs(t, err, boom)

		_, statErr := os.Stat(backend.getMetadataPath("fresh-data"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("No temporary files are left behind", func(t *testing.T) {
		for _, dir := range []string{backend.RootPath(), filepath.Join(backend.RootPath(), "dir")} {
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				continue
			}
			require.NoError(t, err)
			for _, e := range entries {
				assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), e.Name())
			}
		}
	})
}

func TestFilesystemNormalizesMetadata(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	t.Run("Supported values are converted", func(t *testing.T) {
		md := metadata.Metadata{"n": 3, "tags": []string{"a", "b"}}
		require.NoError(t, backend.Set(ctx, "k", Value{Data: strings.NewReader("x"), Metadata: md}, 0))

		got, err := backend.GetMetadata(ctx, "k", nil)
		require.NoError(t, err)
		assert.True(t, metadata.EqualMetadata(metadata.MustNew(map[string]any{"n": 3, "tags": []string{"a", "b"}}), got))
	})

	t.Run("Unsupported values are rejected", func(t *testing.T) {
		bad := metadata.Metadata{"raw": []byte("hi")}

		err := backend.Set(ctx, "k", Value{Data: strings.NewReader("y"), Metadata: bad}, 0)
		assert.ErrorIs(t, err, ErrInvalidMetadata)
		assert.ErrorIs(t, backend.SetMetadata(ctx, "k", bad), ErrInvalidMetadata)
		assert.ErrorIs(t, backend.UpdateMetadata(ctx, "k", bad), ErrInvalidMetadata)

		rc, md, err := backend.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "x", string(readAll(t, rc)))
		assert.NotContains(t, md, "raw")
	})
}

package backends

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdmarch/encore/internal/config"
	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/kvstore"
	"github.com/jdmarch/encore/internal/s3store"
	"github.com/jdmarch/encore/internal/sqlstore"
	"github.com/jdmarch/encore/internal/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StoreConfig
		want any
	}{
		{"filesystem", config.StoreConfig{Backend: "filesystem", Location: filepath.Join(dir, "fs"), Serializer: "json"}, &storage.FilesystemBackend{}},
		{"sqlite", config.StoreConfig{Backend: "sqlite", Location: ":memory:", Table: "t", Serializer: "yaml"}, &sqlstore.Store{}},
		{"badger", config.StoreConfig{Backend: "badger", InMemory: true, Serializer: "gob"}, &kvstore.Store{}},
		{"pebble", config.StoreConfig{Backend: "pebble", Location: filepath.Join(dir, "pebble"), Serializer: "json"}, &kvstore.Store{}},
		{"s3", config.StoreConfig{Backend: "s3", Bucket: "b", Serializer: "json"}, &s3store.Store{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := Open(tt.cfg, events.Discard, quietLogger())
			require.NoError(t, err)
			assert.IsType(t, tt.want, backend)
			assert.False(t, storage.IsReadOnly(backend))
		})
	}

	t.Run("Unknown backend", func(t *testing.T) {
		_, err := Open(config.StoreConfig{Backend: "mongo", Serializer: "json"}, events.Discard, quietLogger())
		assert.Error(t, err)
	})

	t.Run("Unknown serializer", func(t *testing.T) {
		_, err := Open(config.StoreConfig{Backend: "sqlite", Serializer: "xml"}, events.Discard, quietLogger())
		assert.Error(t, err)
	})

	t.Run("Read only", func(t *testing.T) {
		ctx := context.Background()
		backend, err := Open(config.StoreConfig{Backend: "sqlite", Location: ":memory:", Serializer: "json", ReadOnly: true}, events.Discard, quietLogger())
		require.NoError(t, err)
		require.True(t, storage.IsReadOnly(backend))

		require.NoError(t, backend.Connect(ctx, nil))
		defer backend.Disconnect(ctx)
		err = backend.SetData(ctx, "k", strings.NewReader("x"), 0)
		assert.ErrorIs(t, err, storage.ErrNotSupported)
	})
}

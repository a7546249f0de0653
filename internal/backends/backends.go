// Package backends builds a configured store backend.
package backends

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/config"
	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/kvstore"
	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/s3store"
	"github.com/jdmarch/encore/internal/sqlstore"
	"github.com/jdmarch/encore/internal/storage"
)

// Open creates the unconnected backend described by cfg. Events are
// published to emitter. A read-only configuration wraps the backend.
func Open(cfg config.StoreConfig, emitter events.Emitter, logger *logrus.Logger) (storage.Backend, error) {
	serializer, err := metadata.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	var backend storage.Backend
	switch cfg.Backend {
	case "filesystem":
		backend, err = storage.NewFilesystemBackend(storage.FilesystemOptions{
			Root:       cfg.Location,
			Serializer: serializer,
			Emitter:    emitter,
			Logger:     logger,
		})
	case "sqlite":
		backend, err = sqlstore.New(sqlstore.Options{
			Location:   cfg.Location,
			Table:      cfg.Table,
			Serializer: serializer,
			Emitter:    emitter,
			Logger:     logger,
		})
	case "badger", "pebble":
		backend, err = kvstore.New(kvstore.Options{
			Engine:     kvstore.Engine(cfg.Backend),
			Dir:        cfg.Location,
			InMemory:   cfg.InMemory,
			GCInterval: time.Duration(cfg.GCInterval) * time.Second,
			Serializer: serializer,
			Emitter:    emitter,
			Logger:     logger,
		})
	case "s3":
		backend, err = s3store.New(s3store.Options{
			Bucket:     cfg.Bucket,
			Prefix:     cfg.Prefix,
			Region:     cfg.Region,
			Endpoint:   cfg.Endpoint,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Serializer: serializer,
			Emitter:    emitter,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.ReadOnly {
		backend = storage.ReadOnly(backend)
	}
	return backend, nil
}

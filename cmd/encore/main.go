package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jdmarch/encore/internal/backends"
	"github.com/jdmarch/encore/internal/config"
	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/logging"
	"github.com/jdmarch/encore/internal/server"
	"github.com/jdmarch/encore/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "encore",
		Short: "encore - key/value store with structured metadata",
		Long: `encore stores data streams under string keys, each paired with a
structured metadata mapping that can be queried. Data lives on the local
filesystem, in SQLite, in Badger or Pebble, or in an S3 bucket.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	// Add configuration flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.String("env-file", ".env", "Environment file loaded below the real environment")
	flags.StringP("data-dir", "d", "", "Data directory path")
	flags.StringP("listen", "l", ":8080", "Listen address")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.StringP("backend", "b", "filesystem", "Store backend (filesystem, sqlite, badger, pebble, s3)")
	flags.String("location", "", "Store location (directory, database file or :memory:)")
	flags.String("serializer", "json", "Metadata serializer (json, gob, yaml)")
	flags.Int("buffer", 1<<20, "Streaming buffer size in bytes")
	flags.Bool("read-only", false, "Refuse every mutation")
	flags.String("table", "store", "SQLite table name")
	flags.String("bucket", "", "S3 bucket name")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}

	rootCmd.AddCommand(
		serveCmd,
		newGetCmd(),
		newPutCmd(),
		newRmCmd(),
		newMetaCmd(),
		newQueryCmd(),
		newGlobCmd(),
		newInfoCmd(),
	)
	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting encore")

	bus := events.NewBus()
	backend, err := backends.Open(cfg.Store, bus, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	srv := server.New(cfg, backend, bus, logrus.StandardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("encore stopped")
	return nil
}

// loadConfig reads the configuration and applies its logging settings to
// the standard logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logrus.SetOutput(cmd.ErrOrStderr())
	if err := logging.Configure(logrus.StandardLogger(), cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore loads the configuration, then opens and connects the store it
// describes. The returned function disconnects it.
func openStore(cmd *cobra.Command) (*storage.Store, *config.Config, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	bus := events.NewBus()
	off := logging.NewEventLogger(logrus.StandardLogger()).Register(bus)

	backend, err := backends.Open(cfg.Store, bus, logrus.StandardLogger())
	if err != nil {
		off()
		return nil, nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	creds := storage.Credentials{}
	if cfg.Store.AccessKey != "" {
		creds["access_key"] = cfg.Store.AccessKey
		creds["secret_key"] = cfg.Store.SecretKey
	}

	ctx := cmd.Context()
	store := storage.New(backend)
	if err := store.Connect(ctx, creds); err != nil {
		off()
		return nil, nil, nil, fmt.Errorf("failed to connect store: %w", err)
	}

	closeFn := func() {
		if err := store.Disconnect(context.Background()); err != nil {
			logrus.WithError(err).Error("Failed to disconnect store")
		}
		off()
	}
	return store, cfg, closeFn, nil
}

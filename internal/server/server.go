package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/config"
	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/logging"
	"github.com/jdmarch/encore/internal/metrics"
	"github.com/jdmarch/encore/internal/middleware"
	"github.com/jdmarch/encore/internal/storage"
)

// Server exposes a store over HTTP
type Server struct {
	config     *config.Config
	httpServer *http.Server
	store      *storage.Store
	bus        *events.Bus
	collector  *metrics.Collector
	logger     *logrus.Logger
	startTime  time.Time // Server start time for uptime calculation

	unregister []func()
}

// New creates a server for backend. Store events published on bus are
// logged, and counted when metrics are enabled.
func New(cfg *config.Config, backend storage.Backend, bus *events.Bus, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if bus == nil {
		bus = events.NewBus()
	}

	s := &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Listen,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		store:     storage.New(backend),
		bus:       bus,
		logger:    logger,
		startTime: time.Now(),
	}

	s.unregister = append(s.unregister, logging.NewEventLogger(logger).Register(bus))
	if cfg.Metrics.Enable {
		s.collector = metrics.NewCollector()
		s.unregister = append(s.unregister, s.collector.Register(bus))
	}

	s.httpServer.Handler = s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start connects the store and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.Connect(ctx, s.credentials()); err != nil {
		return fmt.Errorf("failed to connect store: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"backend":  s.config.Store.Backend,
		"location": s.config.Store.Location,
	}).Info("Starting encore server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or a listener failure
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// Graceful shutdown
	if err := s.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (s *Server) credentials() storage.Credentials {
	creds := storage.Credentials{}
	if s.config.Store.AccessKey != "" {
		creds["access_key"] = s.config.Store.AccessKey
	}
	if s.config.Store.SecretKey != "" {
		creds["secret_key"] = s.config.Store.SecretKey
	}
	return creds
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	for _, off := range s.unregister {
		off()
	}

	// Close store backend
	if err := s.store.Disconnect(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to disconnect store")
		return err
	}
	return nil
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(middleware.Logging(s.logger))
	if s.collector != nil {
		router.Use(s.collector.Middleware)
		router.Handle(s.config.Metrics.Path, s.collector.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	v1.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	v1.HandleFunc("/glob", s.handleGlob).Methods(http.MethodGet)

	v1.HandleFunc("/keys/{key:.+}", s.handleGetData).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key:.+}", s.handleHead).Methods(http.MethodHead)
	v1.HandleFunc("/keys/{key:.+}", s.handlePutData).Methods(http.MethodPut)
	v1.HandleFunc("/keys/{key:.+}", s.handleDelete).Methods(http.MethodDelete)

	v1.HandleFunc("/meta", s.handleMultigetMetadata).Methods(http.MethodGet)
	v1.HandleFunc("/meta/{key:.+}", s.handleGetMetadata).Methods(http.MethodGet)
	v1.HandleFunc("/meta/{key:.+}", s.handleSetMetadata).Methods(http.MethodPut)
	v1.HandleFunc("/meta/{key:.+}", s.handleUpdateMetadata).Methods(http.MethodPatch)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)(handlers.CompressHandler(router))
}

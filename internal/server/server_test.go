package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdmarch/encore/internal/config"
	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Listen: "127.0.0.1:0",
		Store: config.StoreConfig{
			Backend:    "filesystem",
			Location:   t.TempDir(),
			Serializer: "json",
			BufferSize: 4,
		},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func setupServer(t *testing.T, wrap func(storage.Backend) storage.Backend) (*Server, *events.Bus) {
	cfg := testConfig(t)
	bus := events.NewBus()

	backend, err := storage.NewFilesystemBackend(storage.FilesystemOptions{
		Root:    cfg.Store.Location,
		Emitter: bus,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	var b storage.Backend = backend
	if wrap != nil {
		b = wrap(b)
	}

	s := New(cfg, b, bus, quietLogger())
	require.NoError(t, s.store.Connect(context.Background(), nil))
	t.Cleanup(func() { s.store.Disconnect(context.Background()) })
	return s, bus
}

func do(t *testing.T, s *Server, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer(t *testing.T) {
	s, _ := setupServer(t, nil)

	t.Run("Health", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode(t, rec).Success)
	})

	t.Run("Put and get data with metadata", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/keys/docs/a.txt", strings.NewReader("hello world"),
			map[string]string{MetadataHeader: `{"size": 3, "kind": "text"}`})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/keys/docs/a.txt", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello world", rec.Body.String())
		assert.JSONEq(t, `{"size": 3, "kind": "text"}`, rec.Header().Get(MetadataHeader))
	})

	t.Run("Put data only", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/keys/plain", strings.NewReader("x"), nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/meta/plain", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{}, decode(t, rec).Data)
	})

	t.Run("Head", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodHead, "/v1/keys/plain", nil, nil).Code)
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodHead, "/v1/keys/absent", nil, nil).Code)
	})

	t.Run("Missing key", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/keys/absent", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.False(t, decode(t, rec).Success)
	})

	t.Run("Metadata set update and select", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/meta/plain", strings.NewReader(`{"a": 1, "b": "x"}`), nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, s, http.MethodPatch, "/v1/meta/plain", strings.NewReader(`{"b": "y", "c": true}`), nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/meta/plain", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{"a": float64(1), "b": "y", "c": true}, decode(t, rec).Data)

		rec = do(t, s, http.MethodGet, "/v1/meta/plain?select=b,missing", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{"b": "y"}, decode(t, rec).Data)
	})

	t.Run("Invalid metadata", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/meta/plain", strings.NewReader(`[1, 2]`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, s, http.MethodPut, "/v1/keys/bad", strings.NewReader("x"),
			map[string]string{MetadataHeader: "not json"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Update missing key", func(t *testing.T) {
		rec := do(t, s, http.MethodPatch, "/v1/meta/absent", strings.NewReader(`{"a": 1}`), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Multiget metadata", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/meta?key=docs/a.txt&key=absent&select=kind", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{
			"docs/a.txt": map[string]interface{}{"kind": "text"},
			"absent":     nil,
		}, decode(t, rec).Data)

		rec = do(t, s, http.MethodGet, "/v1/meta", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Query", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/query?size=3&select=kind", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []interface{}{
			map[string]interface{}{"key": "docs/a.txt", "metadata": map[string]interface{}{"kind": "text"}},
		}, decode(t, rec).Data)

		rec = do(t, s, http.MethodGet, "/v1/query?kind=text", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec).Data, 1)

		rec = do(t, s, http.MethodGet, "/v1/query?size=%223%22", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []interface{}{}, decode(t, rec).Data)
	})

	t.Run("Query limit", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/query?limit=1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec).Data, 1)

		rec = do(t, s, http.MethodGet, "/v1/query?limit=x", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Glob", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/glob?pattern=docs/*", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []interface{}{"docs/a.txt"}, decode(t, rec).Data)

		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/glob", nil, nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/glob?pattern=%5B", nil, nil).Code)
	})

	t.Run("Info", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/info", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		info := decode(t, rec).Data.(map[string]interface{})
		assert.Equal(t, "filesystem", info["backend"])
		assert.Equal(t, false, info["read_only"])
	})

	t.Run("Delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/keys/plain", nil, nil).Code)
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v1/keys/plain", nil, nil).Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/metrics", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "encore_http_requests_total")
		assert.Contains(t, rec.Body.String(), "encore_store_mutations_total")
	})
}

func TestServerReadOnly(t *testing.T) {
	s, _ := setupServer(t, storage.ReadOnly)

	rec := do(t, s, http.MethodPut, "/v1/keys/a", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec).Data.(map[string]interface{})["read_only"])
}

func TestServerEvents(t *testing.T) {
	s, bus := setupServer(t, nil)

	var types []events.Type
	off := bus.Register(events.TypeProgress, func(e events.Event) error {
		types = append(types, e.Type)
		return nil
	})
	defer off()

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPut, "/v1/keys/a", strings.NewReader("abcdefgh"), nil).Code)
	types = nil

	rec := do(t, s, http.MethodGet, "/v1/keys/a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []events.Type{
		events.TypeStoreProgressStart,
		events.TypeStoreProgressStep,
		events.TypeStoreProgressStep,
		events.TypeStoreProgressEnd,
	}, types)
}

func TestStart(t *testing.T) {
	s, _ := setupServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{storage.NotFound("k"), http.StatusNotFound},
		{storage.InvalidKey("../k"), http.StatusBadRequest},
		{storage.ErrInvalidMetadata, http.StatusBadRequest},
		{storage.NotSupported("set"), http.StatusMethodNotAllowed},
		{storage.Unavailable("connect", io.EOF), http.StatusServiceUnavailable},
		{storage.Corrupted("k", io.EOF), http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

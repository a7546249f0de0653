package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

// MetadataHeader carries JSON metadata alongside a PUT of key data.
const MetadataHeader = "X-Encore-Metadata"

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RowResponse is one query result
type RowResponse struct {
	Key      string            `json:"key"`
	Metadata metadata.Metadata `json:"metadata"`
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	s.logger.WithField("error", message).WithField("status", statusCode).Warn("API error")
}

// writeStoreError maps a store error to its HTTP status
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	s.writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// selectFields parses "select=a,b". Absent means every field.
func selectFields(r *http.Request) []string {
	values, ok := r.URL.Query()["select"]
	if !ok {
		return nil
	}
	fields := []string{}
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	return fields
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	info["read_only"] = storage.IsReadOnly(s.store.Backend)
	s.writeJSON(w, info)
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	rc, md, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer rc.Close()

	if b, err := json.Marshal(md); err == nil {
		w.Header().Set(MetadataHeader, string(b))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	// Stream the data
	if _, err := storage.Transfer(w, rc, storage.TransferOptions{
		Key:        key,
		BufferSize: s.config.Store.BufferSize,
		Emitter:    s.bus,
		Source:     s,
		Message:    fmt.Sprintf("Getting data from '%s'", key),
	}); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to stream data")
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ok, err := s.store.Exists(r.Context(), key)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutData(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	bs := s.config.Store.BufferSize

	var err error
	if header := r.Header.Get(MetadataHeader); header != "" {
		md, derr := metadata.JSON().Unmarshal([]byte(header))
		if derr != nil {
			s.writeError(w, derr.Error(), http.StatusBadRequest)
			return
		}
		err = s.store.Set(r.Context(), key, storage.Value{Data: r.Body, Metadata: md}, bs)
	} else {
		err = s.store.SetData(r.Context(), key, r.Body, bs)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := s.store.Delete(r.Context(), key); err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	md, err := s.store.GetMetadata(r.Context(), key, selectFields(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, md)
}

func (s *Server) readMetadataBody(w http.ResponseWriter, r *http.Request) (metadata.Metadata, bool) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, 1<<20)); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	md, err := metadata.JSON().Unmarshal(buf.Bytes())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return md, true
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	md, ok := s.readMetadataBody(w, r)
	if !ok {
		return
	}
	if err := s.store.SetMetadata(r.Context(), key, md); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	md, ok := s.readMetadataBody(w, r)
	if !ok {
		return
	}
	if err := s.store.UpdateMetadata(r.Context(), key, md); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMultigetMetadata returns one entry per key; a missing key maps to null
func (s *Server) handleMultigetMetadata(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	if len(keys) == 0 {
		s.writeError(w, "At least one key parameter is required", http.StatusBadRequest)
		return
	}

	result := make(map[string]metadata.Metadata, len(keys))
	i := 0
	for md, err := range s.store.MultigetMetadata(r.Context(), keys, selectFields(r)) {
		key := keys[i]
		i++
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				result[key] = nil
				continue
			}
			s.writeStoreError(w, err)
			return
		}
		result[key] = md
	}
	s.writeJSON(w, result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	predicates := metadata.Metadata{}
	for field, values := range r.URL.Query() {
		if field == "select" || field == "limit" {
			continue
		}
		v, err := metadata.ParseValue(values[len(values)-1])
		if err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		predicates[field] = v
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows := []RowResponse{}
	for row, err := range s.store.Query(r.Context(), selectFields(r), predicates) {
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		rows = append(rows, RowResponse{Key: row.Key, Metadata: row.Metadata})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"predicates": len(predicates),
		"rows":       len(rows),
	}).Debug("Query completed")
	s.writeJSON(w, rows)
}

func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.writeError(w, "Pattern parameter is required", http.StatusBadRequest)
		return
	}

	if _, err := storage.CompileGlob(pattern); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid pattern: %v", err), http.StatusBadRequest)
		return
	}

	keys := []string{}
	for key, err := range s.store.Glob(r.Context(), pattern) {
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		keys = append(keys, key)
	}
	s.writeJSON(w, keys)
}

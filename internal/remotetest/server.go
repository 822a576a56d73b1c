// Package remotetest runs an in-process care-record service for tests: real
// HTTP, idempotency-key dedup, version conflict checks, and fault injection.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/careloop/caresync/internal/remote"
)

type storedRecord struct {
	remote.Record
}

type idemResult struct {
	status int
	body   remote.UpsertResult
}

// Server is a fake care-record service backed by an httptest.Server.
type Server struct {
	httpSrv *httptest.Server

	mu          sync.Mutex
	apiKey      string
	records     map[string]map[string]*storedRecord // entityType -> remote id
	idem        map[string]idemResult
	nextID      int
	failLeft    int
	failStatus  int
	unavailable bool
	upserts     int
	deletes     int
}

// New starts a fake server. Close it with Close.
func New() *Server {
	s := &Server{
		records: make(map[string]map[string]*storedRecord),
		idem:    make(map[string]idemResult),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/records/{entityType}/upsert", s.handleUpsert)
	mux.HandleFunc("DELETE /v1/records/{entityType}/{id}", s.handleDelete)
	mux.HandleFunc("GET /v1/records/{entityType}/{id}", s.handleFetch)
	mux.HandleFunc("GET /v1/records/{entityType}", s.handleList)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.httpSrv.Close() }

// RequireAPIKey makes the server reject requests without this bearer token.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// FailNext makes the next n mutating or read requests fail with the given
// status. Health checks are not affected.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLeft = n
	s.failStatus = status
}

// SetUnavailable controls whether /healthz reports healthy.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// Seed stores a record directly, bypassing HTTP.
func (s *Server) Seed(rec remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.table(rec.EntityType)[rec.ID] = &storedRecord{Record: rec}
}

// Record returns a stored record, or nil.
func (s *Server) Record(entityType, id string) *remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.table(entityType)[id]; ok {
		out := rec.Record
		return &out
	}
	return nil
}

// Count returns how many records of one type exist.
func (s *Server) Count(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(entityType))
}

// Upserts returns how many upsert requests reached the handler.
func (s *Server) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// table must be called with the lock held.
func (s *Server) table(entityType string) map[string]*storedRecord {
	if s.records[entityType] == nil {
		s.records[entityType] = make(map[string]*storedRecord)
	}
	return s.records[entityType]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

// authorized must be called with the lock held.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.apiKey
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	if down {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "maintenance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserts++
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
		return
	}
	if s.failLeft > 0 {
		s.failLeft--
		writeError(w, s.failStatus, "injected", "injected failure")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header required")
		return
	}
	if prev, ok := s.idem[key]; ok {
		body := prev.body
		body.AlreadyApplied = true
		writeJSON(w, prev.status, body)
		return
	}

	entityType := r.PathValue("entityType")
	var req remote.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", "payload required")
		return
	}

	table := s.table(entityType)
	var rec *storedRecord
	if req.RemoteID == "" {
		s.nextID++
		rec = &storedRecord{Record: remote.Record{
			ID:         fmt.Sprintf("srv-%d", s.nextID),
			EntityType: entityType,
			ScopeID:    req.ScopeID,
		}}
		table[rec.ID] = rec
	} else {
		existing, ok := table[req.RemoteID]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "no such record")
			return
		}
		if req.BaseVersion < existing.Version {
			writeError(w, http.StatusConflict, "conflict", "remote record is newer")
			return
		}
		rec = existing
	}

	rec.Payload = req.Payload
	if req.ScopeID != "" {
		rec.ScopeID = req.ScopeID
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()

	result := remote.UpsertResult{
		RemoteID: rec.ID,
		Version:  rec.Version,
		Payload:  rec.Payload,
	}
	s.idem[key] = idemResult{status: http.StatusOK, body: result}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
		return
	}
	if s.failLeft > 0 {
		s.failLeft--
		writeError(w, s.failStatus, "injected", "injected failure")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if _, ok := s.idem[key]; ok && key != "" {
		// Duplicate delivery of an applied delete
		w.WriteHeader(http.StatusNoContent)
		return
	}

	entityType := r.PathValue("entityType")
	id := r.PathValue("id")
	table := s.table(entityType)
	if _, ok := table[id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such record")
		return
	}
	delete(table, id)
	if key != "" {
		s.idem[key] = idemResult{status: http.StatusNoContent}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
		return
	}
	if s.failLeft > 0 {
		s.failLeft--
		writeError(w, s.failStatus, "injected", "injected failure")
		return
	}
	rec, ok := s.table(r.PathValue("entityType"))[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such record")
		return
	}
	writeJSON(w, http.StatusOK, rec.Record)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad api key")
		return
	}
	if s.failLeft > 0 {
		s.failLeft--
		writeError(w, s.failStatus, "injected", "injected failure")
		return
	}

	q := r.URL.Query()
	owner := q.Get("owner_id")
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}

	out := []remote.Record{}
	for _, rec := range s.table(r.PathValue("entityType")) {
		if owner != "" && rec.ScopeID != owner {
			continue
		}
		if !from.IsZero() && rec.UpdatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.UpdatedAt.After(to) {
			continue
		}
		out = append(out, rec.Record)
	}
	writeJSON(w, http.StatusOK, out)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/vector"
	"go.uber.org/zap"
)

type indexRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
}

type queryRequest struct {
	Query      string `json:"query"`
	EntityType string `json:"entity_type"`
	Limit      int    `json:"limit"`
}

type cacheStatsResponse struct {
	Stats           cache.Stats `json:"stats"`
	TopKeys         []string    `json:"top_keys"`
	Recommendations []string    `json:"recommendations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if c := s.rag.Cache(); c != nil {
		resp["cache"] = c.Health()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rag.Statistics(r.Context())
	if err != nil {
		s.respondStoreError(w, "stats", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("index request", zap.String("entity_type", req.EntityType), zap.String("entity_id", req.EntityID))
	id, err := s.rag.IndexContent(r.Context(), req.EntityType, req.EntityID, req.Content, req.Metadata)
	if err != nil {
		s.respondStoreError(w, "index", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"vector_id": id, "status": "indexed"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("query request", zap.String("entity_type", req.EntityType), zap.Int("limit", req.Limit))
	res, err := s.rag.PerformQuery(r.Context(), req.Query, req.EntityType, req.Limit)
	if err != nil {
		s.respondStoreError(w, "query", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	entityType := pathParam(r, "entityType")
	entityID := pathParam(r, "entityID")
	removed, err := s.rag.RemoveContent(r.Context(), entityType, entityID)
	if err != nil {
		s.respondStoreError(w, "remove", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	c := s.rag.Cache()
	if c == nil {
		s.respondError(w, http.StatusNotFound, "cache not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, cacheStatsResponse{
		Stats:           c.Stats(),
		TopKeys:         c.TopKeys(10),
		Recommendations: c.Recommendations(),
	})
}

func (s *Server) handleCacheEvictTag(w http.ResponseWriter, r *http.Request) {
	c := s.rag.Cache()
	if c == nil {
		s.respondError(w, http.StatusNotFound, "cache not configured")
		return
	}
	n := c.EvictByTag(pathParam(r, "tag"))
	s.respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handleCacheEvictPattern(w http.ResponseWriter, r *http.Request) {
	c := s.rag.Cache()
	if c == nil {
		s.respondError(w, http.StatusNotFound, "cache not configured")
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.respondError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	n, err := c.EvictByPattern(pattern)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

// pathParam returns a route parameter, unescaping it when the request was
// routed on its raw path.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// statusFor maps store and orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vector.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, vector.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, vector.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vector.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// Package api exposes the similarity engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/engine"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/manager"
	"catalog-similarity-engine/internal/observability"
	"catalog-similarity-engine/internal/storage"
	"catalog-similarity-engine/internal/types"
)

// Options configures a Server.
type Options struct {
	MaxUploadBytes int64
	Logger         *slog.Logger

	// Images enables re-embedding on POST /admin/rebuild?reembed=true.
	Images catalog.ImageSource
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	search  *engine.Coordinator
	indexer *engine.Indexer
	manager *manager.Manager
	store   storage.EmbeddingStore
	images  catalog.ImageSource

	maxUpload int64
	log       *slog.Logger
	started   time.Time
}

func NewServer(search *engine.Coordinator, indexer *engine.Indexer, mgr *manager.Manager, store storage.EmbeddingStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 11 << 20
	}
	return &Server{
		search:    search,
		indexer:   indexer,
		manager:   mgr,
		store:     store,
		images:    opts.Images,
		maxUpload: maxUpload,
		log:       logger,
		started:   time.Now(),
	}
}

// SearchResponse is the body of POST /search.
type SearchResponse struct {
	Results   []types.SearchResult `json:"results"`
	Count     int                  `json:"count"`
	Limit     int                  `json:"limit"`
	Condition engine.Condition     `json:"condition,omitempty"`
}

// EmbeddingRequest is the body of PUT /products/{id}/embedding.
type EmbeddingRequest struct {
	Vector types.Vector `json:"vector"`
}

// EmbeddingResponse reports a stored embedding.
type EmbeddingResponse struct {
	Status string                `json:"status"`
	Record types.EmbeddingRecord `json:"record"`
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
	Step  string    `json:"step,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response.
const statusClientClosedRequest = 499

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatusCode(err)
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		status = statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	resp := errorResponse{Error: err.Error(), Kind: errs.KindOf(err)}
	var stepErr *engine.StepError
	if errors.As(err, &stepErr) {
		resp.Step = stepErr.Step
	}

	logger := observability.WithRequestID(r.Context(), s.log)
	switch {
	case status == statusClientClosedRequest:
		logger.Info("request abandoned by client", "method", r.Method, "path", r.URL.Path, "status", status)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	default:
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

// HandleSearch answers a multipart upload with fields image and optional limit.
func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	img, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := s.search.Limits().DefaultLimit
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, errs.InvalidArgument("search", "limit %q is not an integer", v))
			return
		}
		limit = n
	}

	resp, err := s.search.Search(r.Context(), img, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Results:   resp.Results,
		Count:     len(resp.Results),
		Limit:     limit,
		Condition: resp.Condition,
	})
}

// HandlePutEmbedding stores a caller supplied vector for a product.
func (s *Server) HandlePutEmbedding(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req EmbeddingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload)).Decode(&req); err != nil {
		s.writeError(w, r, errs.InvalidArgument("put_embedding", "invalid JSON: %v", err))
		return
	}
	rec, err := s.indexer.IndexVector(r.Context(), id, req.Vector)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EmbeddingResponse{Status: "indexed", Record: rec})
}

// HandlePostImage embeds an uploaded image as a product's embedding.
func (s *Server) HandlePostImage(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	img, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.indexer.IndexProduct(r.Context(), id, img)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EmbeddingResponse{Status: "indexed", Record: rec})
}

// HandleDeleteEmbedding removes a product from the store and the index.
func (s *Server) HandleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.indexer.RemoveProduct(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "removed": removed})
}

// HandleRebuild rebuilds the index from the embedding store. With
// reembed=true it first regenerates embeddings from product images; force
// also replaces embeddings that already exist.
func (s *Server) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	reembed, _ := strconv.ParseBool(r.URL.Query().Get("reembed"))
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if reembed {
		if s.images == nil {
			s.writeError(w, r, errs.InvalidArgument("rebuild", "no image source configured"))
			return
		}
		report, err := s.indexer.Reindex(r.Context(), s.images, force)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "rebuilt", "report": report})
		return
	}

	start := time.Now()
	if err := s.manager.RebuildAll(r.Context(), s.store); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "rebuilt",
		"live":        s.manager.Stats().Live,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// HandleHealth reports liveness. A dirty or recovered index is degraded but
// still serving.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"degraded":  st.Dirty || st.RecoveredFromCorrupt,
		"loaded":    st.Loaded,
		"time_utc":  time.Now().UTC().Format(time.RFC3339),
		"uptime_ms": time.Since(s.started).Milliseconds(),
	})
}

// HandleStats reports index occupancy and persistence state.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":           s.manager.Stats(),
		"stored":          stored,
		"search_defaults": s.search.Limits(),
	})
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, _, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, errs.InvalidArgument("upload", "multipart field %q is required", "image")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, errs.InvalidArgument("upload", "invalid multipart body: %v", err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func productID(r *http.Request) (types.ProductID, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.InvalidArgument("product_id", "invalid product id %q", raw)
	}
	return id, nil
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/store"
)

// version is reported on GET /health; canvasd has no release process of
// its own yet, so this is a constant rather than a build-stamped value.
const version = "0.1.0"

// HTTP returns the mux for the collaborator surface of spec §6:
// uploads, project CRUD, and the operational endpoints. It does not
// include the websocket upgrade endpoint; cmd/canvasd mounts that
// separately via a *transport.Transport.
func (s *Server) HTTP() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads", s.handleUpload)
	mux.HandleFunc("/projects", s.handleProjectsCollection)
	mux.HandleFunc("/projects/", s.handleProjectResource)
	mux.HandleFunc("/database/size", s.handleDatabaseSize)
	mux.HandleFunc("/database/cleanup", s.handleDatabaseCleanup)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil && s.metrics.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.media == nil {
		http.Error(w, "media registry not configured", http.StatusServiceUnavailable)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing multipart field \"file\"", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	result, err := s.media.Ingest(r.Context(), file, mime, r.FormValue("hash"))
	if err != nil {
		s.log.Warn("upload ingest failed", zap.Error(err))
		http.Error(w, "ingest failed", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":      result.URL,
		"hash":     result.Hash,
		"filename": result.Filename,
		"thumbs":   result.Thumbs,
		"size":     header.Size,
	})
}

func (s *Server) handleProjectsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			http.Error(w, "listing projects failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, projects)

	case http.MethodPost:
		var body struct {
			Name    string `json:"name"`
			OwnerID uint64 `json:"ownerId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "invalid project body", http.StatusBadRequest)
			return
		}
		project, err := s.store.CreateProject(r.Context(), body.Name, model.UserID(body.OwnerID))
		if err != nil {
			http.Error(w, "creating project failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, project)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProjectResource handles /projects/:id and /projects/:id/canvas.
func (s *Server) handleProjectResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/projects/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	projectID := model.ProjectID(id)

	if len(parts) == 2 && parts[1] == "canvas" {
		s.handleProjectCanvas(w, r, projectID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		project, err := s.store.GetProject(r.Context(), projectID)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case http.MethodDelete:
		if err := s.store.DeleteProject(r.Context(), projectID); err != nil {
			http.Error(w, "deleting project failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProjectCanvas implements `PATCH /projects/:id/canvas`:
// navigation-state-only patches, validated against spec §6's bounds
// (scale in (0, 10], offset finite, timestamp > 0).
func (s *Server) handleProjectCanvas(w http.ResponseWriter, r *http.Request, projectID model.ProjectID) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Scale     float64   `json:"scale"`
		Offset    [2]float64 `json:"offset"`
		Timestamp int64     `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid navigation-state body", http.StatusBadRequest)
		return
	}
	if err := validateNavigationState(body.Scale, body.Offset, body.Timestamp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.PatchSnapshot(r.Context(), projectID, "viewport", map[string]interface{}{
		"scale":     body.Scale,
		"offset":    body.Offset,
		"timestamp": body.Timestamp,
	}); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateNavigationState(scale float64, offset [2]float64, timestamp int64) error {
	if scale <= 0 || scale > 10 {
		return errors.New("scale must be in (0, 10]")
	}
	for _, v := range offset {
		if isInfOrNaN(v) {
			return errors.New("offset must be finite")
		}
	}
	if timestamp <= 0 {
		return errors.New("timestamp must be > 0")
	}
	return nil
}

func isInfOrNaN(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func (s *Server) handleDatabaseSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.store.DatabaseSize(r.Context())
	if err != nil {
		http.Error(w, "size query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bytes": size})
}

// handleDatabaseCleanup runs the orphan-file sweep under the
// maintenance lock, briefly quiescing every room's append lane (spec
// §4.1/§5).
func (s *Server) handleDatabaseCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var orphans []string
	err := s.maint.RunExclusive(func() error {
		var cleanupErr error
		orphans, cleanupErr = s.store.CleanupOrphanFiles(r.Context())
		return cleanupErr
	})
	if err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removedHashes": orphans})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version,
		"features": []string{
			"node_create", "node_delete", "node_move", "node_resize", "node_rotate",
			"node_property_update", "node_batch_property_update", "layer_order_change", "transaction",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreErr(w http.ResponseWriter, err error) {
	if store.ErrNotFound.Has(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
}

package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ghingest/db"
	"ghingest/logger"
	"ghingest/models"
	"ghingest/webhook"
)

// router builds the HTTP surface: tracking management, sync triggers and
// progress on the repos subtree, plus the webhook receiver.
func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodPost, "/webhooks/github", webhook.NewHandler(s.ingester))

	r.Route("/repos", func(r chi.Router) {
		r.Post("/", s.handleTrack)
		r.Route("/{owner}/{name}", func(r chi.Router) {
			r.Delete("/", s.handleUntrack)
			r.Post("/sync", s.handleTriggerSync)
			r.Get("/sync", s.handleSyncProgress)
		})
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type trackRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// handleTrack enables tracking for a repository and queues its first sync.
func (s *Service) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "owner and name are required")
		return
	}

	remote, err := s.client.FetchRepo(r.Context(), req.Owner, req.Name)
	if err != nil {
		logger.Error("failed to resolve repository on remote",
			zap.String("owner", req.Owner), zap.String("name", req.Name), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to resolve repository")
		return
	}

	repo, err := s.database.EnableTracking(r.Context(), s.config.TenantID, remote.ID, req.Owner, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enable tracking")
		return
	}

	s.scheduler.Enqueue(repo.ID, models.ModeAuto)
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Service) handleUntrack(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.lookupRepo(w, r)
	if !ok {
		return
	}
	if err := s.database.DisableTracking(r.Context(), repo.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disable tracking")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerSync enqueues a sync run. The mode query parameter forces
// bootstrap or incremental; default picks based on sync history.
func (s *Service) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.lookupRepo(w, r)
	if !ok {
		return
	}
	if !repo.Active {
		writeError(w, http.StatusConflict, "repository is not tracked")
		return
	}

	mode := models.ModeAuto
	switch r.URL.Query().Get("mode") {
	case "":
	case "bootstrap":
		mode = models.ModeBootstrap
	case "incremental":
		mode = models.ModeIncremental
	default:
		writeError(w, http.StatusBadRequest, "mode must be bootstrap or incremental")
		return
	}

	if !s.scheduler.Enqueue(repo.ID, mode) {
		writeError(w, http.StatusServiceUnavailable, "sync queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"repository_id": repo.ID,
		"status":        "queued",
	})
}

func (s *Service) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.lookupRepo(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.Progress{
		Status:            repo.SyncStatus,
		ProgressPercent:   repo.SyncProgress,
		EntitiesTotal:     repo.EntitiesTotal,
		EntitiesCompleted: repo.EntitiesCompleted,
		StartedAt:         repo.SyncStartedAt,
		LastSyncedAt:      repo.LastSyncedAt,
		Error:             repo.SyncError,
	})
}

func (s *Service) lookupRepo(w http.ResponseWriter, r *http.Request) (*models.Repository, bool) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	repo, err := s.database.GetByFullName(r.Context(), s.config.TenantID, owner, name)
	if err != nil {
		if errors.Is(err, db.ErrRepositoryNotFound) {
			writeError(w, http.StatusNotFound, "repository not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load repository")
		}
		return nil, false
	}
	return repo, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

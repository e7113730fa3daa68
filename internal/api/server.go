// Package api hosts the HTTP surface for operators:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to start a run; GET /v1/imports/{run_id}/logs for its
//     client-visible progress feed.
//   - POST /v1/credentials to store an auto-import credential.
//   - POST /v1/posts/{service}/{artist_id}/{post_id}/reimport to flag a post
//     for a forced re-run.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
	"github.com/ThatOneAnimeGuy/seiso/internal/metrics"
	"github.com/ThatOneAnimeGuy/seiso/internal/runlog"
	"github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

// AdminStore is the persistence surface the API consumes.
type AdminStore interface {
	SaveAutoImportCredential(ctx context.Context, accountID, service, ciphertext, plaintextHash string) error
	FindCredentialByAccount(ctx context.Context, accountID, service string) (store.StoredCredential, error)
	FindPostID(ctx context.Context, service, artistNativeID, postNativeID string) (uuid.UUID, error)
	FlagPostForReimport(ctx context.Context, postID uuid.UUID) error
}

// Server wires HTTP handlers to the import engine and stores.
type Server struct {
	router chi.Router
	runner importer.Runner
	store  AdminStore
	vault  *vault.Vault
	runlog *runlog.Logger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner importer.Runner, store AdminStore, v *vault.Vault, rl *runlog.Logger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		store:  store,
		vault:  v,
		runlog: rl,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/imports", s.startImport)
		r.Get("/imports/{run_id}/logs", s.importLogs)
		r.Post("/credentials", s.saveCredential)
		r.Post("/posts/{service}/{artist_id}/{post_id}/reimport", s.flagReimport)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startImportRequest struct {
	Service    string  `json:"service"`
	SessionKey string  `json:"session_key"`
	AccountID  *string `json:"account_id"`
}

// startImport kicks off a run in the background and returns its id
// immediately; progress streams through the run log feed.
func (s *Server) startImport(w http.ResponseWriter, r *http.Request) {
	var req startImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Service == "" || req.SessionKey == "" {
		s.writeError(w, http.StatusBadRequest, "service and session_key are required")
		return
	}

	runID := uuid.New()
	go func() {
		// Detach from the request: the run outlives the HTTP exchange.
		res := s.runner.Run(context.WithoutCancel(r.Context()), importer.RunRequest{
			RunID: runID,
			Credential: importer.Credential{
				Service:    req.Service,
				SessionKey: req.SessionKey,
				AccountID:  req.AccountID,
			},
		})
		if res.Err != nil {
			s.logger.Error("api-started run ended with error",
				zap.String("run_id", runID.String()),
				zap.String("status", string(res.Status)),
				zap.Error(res.Err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (s *Server) importLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := uuid.Parse(runID); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	lines := s.runlog.Feed(runID)
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "lines": lines})
}

type saveCredentialRequest struct {
	AccountID  string `json:"account_id"`
	Service    string `json:"service"`
	SessionKey string `json:"session_key"`
}

// saveCredential seals the session key with the storage public key and
// stores it for scheduled runs. The plaintext never touches the database.
func (s *Server) saveCredential(w http.ResponseWriter, r *http.Request) {
	var req saveCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || req.Service == "" || req.SessionKey == "" {
		s.writeError(w, http.StatusBadRequest, "account_id, service, and session_key are required")
		return
	}

	status := http.StatusCreated
	if _, err := s.store.FindCredentialByAccount(r.Context(), req.AccountID, req.Service); err == nil {
		status = http.StatusOK
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("look up stored credential", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}

	ciphertext, err := s.vault.SealForStorage(req.SessionKey)
	if err != nil {
		s.logger.Error("seal credential for storage", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "credential storage unavailable")
		return
	}
	hash := vault.HashKey(req.SessionKey)
	if err := s.store.SaveAutoImportCredential(r.Context(), req.AccountID, req.Service, ciphertext, hash); err != nil {
		s.logger.Error("save credential", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}
	s.writeJSON(w, status, map[string]string{"status": "stored"})
}

func (s *Server) flagReimport(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	artistNativeID := chi.URLParam(r, "artist_id")
	postNativeID := chi.URLParam(r, "post_id")

	postID, err := s.store.FindPostID(r.Context(), service, artistNativeID, postNativeID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err := s.store.FlagPostForReimport(r.Context(), postID); err != nil {
		s.logger.Error("flag post for reimport", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to flag post")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"post_id": postID.String(), "status": "flagged"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

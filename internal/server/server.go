// Package server exposes the webhook endpoint, the user deletion surfaces and
// the operational endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/cleanup"
	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/metrics"
	"payment-sync-service/internal/model"
)

type UserCleanup interface {
	DeleteUser(ctx context.Context, userID uuid.UUID) (*model.CleanupAudit, error)
	Audits(ctx context.Context, outcomes ...model.CleanupOutcome) ([]*model.CleanupAudit, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	webhook http.Handler
	users   UserCleanup
	logger  *slog.Logger
}

func New(webhook http.Handler, users UserCleanup, logger *slog.Logger) *Server {
	return &Server{webhook: webhook, users: users, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Method(http.MethodPost, "/webhooks/provider", s.webhook)

	r.Route("/internal", func(r chi.Router) {
		r.Delete("/users/{userID}", s.deleteUser)
		r.Get("/cleanup-audits", s.listAudits)
	})

	return r
}

// HTTPServer wraps the routes with the timeouts used in every environment.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// requestContext makes the request id part of every log line of the request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logcontext.AppendCtx(ctx, slog.String("requestId", id))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return
	}

	audit, err := s.users.DeleteUser(r.Context(), userID)
	switch {
	case errors.Is(err, cleanup.ErrInvalidUser):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil && audit == nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "local anonymization failed"})
	case err != nil:
		// the saga ran but its audit record was not stored
		s.logger.ErrorContext(r.Context(), "Cleanup audit not persisted", "error", err)
		writeJSON(w, http.StatusInternalServerError, audit)
	default:
		writeJSON(w, http.StatusOK, audit)
	}
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	outcomes, err := parseOutcomes(r.URL.Query().Get("outcome"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	audits, err := s.users.Audits(r.Context(), outcomes...)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Error listing cleanup audits", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if audits == nil {
		audits = []*model.CleanupAudit{}
	}
	writeJSON(w, http.StatusOK, audits)
}

func parseOutcomes(raw string) ([]model.CleanupOutcome, error) {
	if raw == "" {
		return nil, nil
	}

	var outcomes []model.CleanupOutcome
	for _, part := range strings.Split(raw, ",") {
		outcome := model.CleanupOutcome(strings.ToUpper(strings.TrimSpace(part)))
		switch outcome {
		case model.CleanupSuccess, model.CleanupPartialFailure, model.CleanupFailed:
			outcomes = append(outcomes, outcome)
		default:
			return nil, errors.Errorf("unknown outcome %q", part)
		}
	}
	return outcomes, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/intake/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Submit durably commits one intake document.
	Submit(ctx context.Context, raw []byte) (model.Submission, error)

	// Operator reads over the primary store and the ledger.
	Get(ctx context.Context, id string) (model.SubmissionDetail, error)
	ListByStatus(ctx context.Context, status model.ProjectionStatus, limit int) ([]model.Submission, error)
	NeedsReview(ctx context.Context, limit int) ([]model.ReviewItem, error)
	ClearReview(ctx context.Context, id, note string) error
	AliasDrift(ctx context.Context) ([]model.AliasUsage, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	submissionsHandler *SubmissionsHandler
	ledgerHandler      *LedgerHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	o := options{maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		healthHandler:      NewHealthHandler(o.ready),
		statsHandler:       NewStatsHandler(statsProvider),
		submissionsHandler: NewSubmissionsHandler(deps, o.maxBodyBytes),
		ledgerHandler:      NewLedgerHandler(deps),
	}
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/readyz", s.healthHandler.HandleReady)
	r.Get("/stats", s.statsHandler.HandleStats)

	r.Route("/submissions", func(r chi.Router) {
		r.Post("/", s.submissionsHandler.HandleSubmit)
		r.Get("/", s.submissionsHandler.HandleList)
		r.Get("/{id}", s.submissionsHandler.HandleGet)
		r.Post("/{id}/review", s.submissionsHandler.HandleClearReview)
	})

	r.Get("/ledger/aliases", s.ledgerHandler.HandleAliasDrift)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	msg := http.StatusText(status)
	// Internal causes stay out of the response.
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// parseLimit reads ?limit; absent means 0, which lets the service pick its cap.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, ErrBadRequest
	}
	return n, nil
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/intake/internal/domain/model"
)

// SubmissionsHandler serves intake and operator routes for submissions.
type SubmissionsHandler struct {
	deps         Dependencies
	maxBodyBytes int64
}

// NewSubmissionsHandler creates a new submissions handler.
func NewSubmissionsHandler(deps Dependencies, maxBodyBytes int64) *SubmissionsHandler {
	return &SubmissionsHandler{deps: deps, maxBodyBytes: maxBodyBytes}
}

// SubmitResponse acknowledges a durably committed submission.
type SubmitResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ReviewRequest is the body of POST /submissions/{id}/review.
type ReviewRequest struct {
	Note string `json:"note"`
}

// HandleSubmit handles POST /submissions. A 202 means the primary write
// committed; projection continues in the background.
func (h *SubmissionsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit"

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, WrapKind(op, ErrTooLarge, err))
			return
		}
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	sub, err := h.deps.Submit(r.Context(), raw)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:         sub.ID,
		Status:     "accepted",
		ReceivedAt: sub.ReceivedAt,
	})
}

// HandleGet handles GET /submissions/{id}.
func (h *SubmissionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := h.deps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, Wrap("api.get", err))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleList handles GET /submissions?status=&limit=. The
// partialNeedsReview status returns the triage list with failed fields.
func (h *SubmissionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list"

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, NewKind(op, ErrBadRequest))
		return
	}
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(model.ProjectionPartialNeedsReview)
	}
	status, ok := model.ParseProjectionStatus(raw)
	if !ok {
		writeError(w, WrapKind(op, ErrBadRequest, errors.New("unknown status "+raw)))
		return
	}

	if status == model.ProjectionPartialNeedsReview {
		items, err := h.deps.NeedsReview(r.Context(), limit)
		if err != nil {
			writeError(w, Wrap(op, err))
			return
		}
		if items == nil {
			items = []model.ReviewItem{}
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	subs, err := h.deps.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// HandleClearReview handles POST /submissions/{id}/review.
func (h *SubmissionsHandler) HandleClearReview(w http.ResponseWriter, r *http.Request) {
	const op = "api.review"

	var req ReviewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.deps.ClearReview(r.Context(), id, req.Note); err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cleared"})
}

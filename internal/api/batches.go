package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jewelerp/internal/types"
)

type submitBatchRequest struct {
	Kind    string             `json:"kind" validate:"required,batchkind"`
	Items   []string           `json:"items" validate:"required,min=1,max=5000,dive,required,max=128"`
	Options types.BatchOptions `json:"options"`
}

type failBatchRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.Validator.Struct(req); err != nil {
		Error(w, r, err)
		return
	}

	b, err := s.Batches.Submit(r.Context(), types.BatchKind(req.Kind), req.Items, req.Options)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: b})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: b})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.BatchFilter{
		Kind:   types.BatchKind(q.Get("kind")),
		Status: types.BatchStatus(q.Get("status")),
		Cursor: q.Get("cursor"),
	}
	if f.Kind != "" && !f.Kind.IsValid() {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidKind, "unknown batch kind "+strconv.Quote(string(f.Kind)), nil))
		return
	}
	switch f.Status {
	case "", types.BatchStatusPending, types.BatchStatusRunning, types.BatchStatusCompleted, types.BatchStatusFailed:
	default:
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "unknown batch status "+strconv.Quote(string(f.Status)), nil))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		Error(w, r, err)
		return
	}
	f.Limit = limit

	batches, page, err := s.Batches.List(r.Context(), f)
	if err != nil {
		Error(w, r, err)
		return
	}
	if batches == nil {
		batches = []types.BatchOperation{}
	}
	JSON(w, r, http.StatusOK, types.ListResponse[types.BatchOperation]{Data: batches, PageInfo: page})
}

func (s *Server) handleResubmitBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Batches.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: b})
}

func (s *Server) handleFailBatch(w http.ResponseWriter, r *http.Request) {
	var req failBatchRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
		if err := s.Validator.Struct(req); err != nil {
			Error(w, r, err)
			return
		}
	}

	b, err := s.Batches.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: b})
}

// parseLimit accepts an empty value; NormalizeLimit clamps the rest.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return types.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidPayload, "limit must be a positive integer", err)
	}
	return types.NormalizeLimit(n), nil
}

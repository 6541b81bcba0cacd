package api

import (
	"net/http"
	"time"

	"jewelerp/internal/types"
)

type triggerCycleRequest struct {
	ReferenceDate string `json:"reference_date"`
}

type triggerCycleResponse struct {
	TraceID       string     `json:"trace_id"`
	ReferenceDate *time.Time `json:"reference_date,omitempty"`
}

// handleTriggerCycle enqueues a run_cycle task. Without a reference date the
// worker evaluates against its own business-timezone today. The body is
// optional.
func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	var req triggerCycleRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
	}

	msg := types.TaskMessage{
		Task:       types.TaskRunCycle,
		TraceID:    types.GetRequestID(r.Context()),
		EnqueuedAt: time.Now().UTC(),
	}
	if req.ReferenceDate != "" {
		d, err := parseDate("reference_date", req.ReferenceDate)
		if err != nil {
			Error(w, r, err)
			return
		}
		msg.ReferenceDate = &d
	}

	if err := s.Queue.Enqueue(r.Context(), msg, 0); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: triggerCycleResponse{
		TraceID:       msg.TraceID,
		ReferenceDate: msg.ReferenceDate,
	}})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"jewelerp/internal/types"
)

type contactRequest struct {
	Type      string `json:"type" validate:"required,channel"`
	Recipient string `json:"recipient" validate:"required,max=320"`
}

type createScheduleRequest struct {
	CustomerID      string          `json:"customer_id" validate:"required,max=128"`
	Frequency       string          `json:"frequency" validate:"required,frequency"`
	Interval        int             `json:"interval" validate:"omitempty,min=1,max=120"`
	StartDate       string          `json:"start_date" validate:"required"`
	NextFireDate    string          `json:"next_fire_date"`
	EndDate         string          `json:"end_date"`
	MaxOccurrences  *int            `json:"max_occurrences" validate:"omitempty,min=1"`
	PayloadTemplate json.RawMessage `json:"payload_template"`
	Notify          *contactRequest `json:"notify"`
}

// toSchedule converts the request. next_fire_date defaults to start_date and
// interval to 1.
func (req createScheduleRequest) toSchedule() (*types.RecurringSchedule, error) {
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return nil, err
	}
	next := start
	if req.NextFireDate != "" {
		if next, err = parseDate("next_fire_date", req.NextFireDate); err != nil {
			return nil, err
		}
	}
	s := &types.RecurringSchedule{
		CustomerID:      req.CustomerID,
		Frequency:       types.Frequency(req.Frequency),
		Interval:        req.Interval,
		StartDate:       start,
		NextFireDate:    next,
		MaxOccurrences:  req.MaxOccurrences,
		PayloadTemplate: req.PayloadTemplate,
	}
	if s.Interval == 0 {
		s.Interval = 1
	}
	if req.EndDate != "" {
		end, err := parseDate("end_date", req.EndDate)
		if err != nil {
			return nil, err
		}
		s.EndDate = &end
	}
	if req.Notify != nil {
		s.Notify = &types.ContactChannel{Type: types.ChannelType(req.Notify.Type), Recipient: req.Notify.Recipient}
	}
	return s, nil
}

func parseDate(field, raw string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			field+" must be a YYYY-MM-DD date", err, map[string]any{"field": field})
	}
	return d, nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.Validator.Struct(req); err != nil {
		Error(w, r, err)
		return
	}
	sch, err := req.toSchedule()
	if err != nil {
		Error(w, r, err)
		return
	}
	if err := s.Schedules.Create(r.Context(), sch); err != nil {
		Error(w, r, err)
		return
	}

	types.LoggerFromContext(r.Context()).InfoContext(r.Context(), "schedule created",
		"schedule_id", sch.ID,
		"customer_id", sch.CustomerID,
		"frequency", sch.Frequency,
	)
	JSON(w, r, http.StatusCreated, APIResponse{Data: sch})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: sch})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.ScheduleFilter{
		CustomerID: q.Get("customer_id"),
		Cursor:     q.Get("cursor"),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "active must be a boolean", err))
			return
		}
		f.ActiveOnly = active
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		Error(w, r, err)
		return
	}
	f.Limit = limit

	schedules, page, err := s.Schedules.List(r.Context(), f)
	if err != nil {
		Error(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []types.RecurringSchedule{}
	}
	JSON(w, r, http.StatusOK, types.ListResponse[types.RecurringSchedule]{Data: schedules, PageInfo: page})
}

func (s *Server) handleDeactivateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Deactivator.Deactivate(r.Context(), id); err != nil {
		Error(w, r, err)
		return
	}
	sch, err := s.Schedules.Get(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: sch})
}

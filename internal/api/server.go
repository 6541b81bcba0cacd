// Package api is the operator HTTP surface of the scheduler: it enqueues and
// inspects batch operations, manages recurring schedules and triggers
// recurrence cycles on demand. The chi router runs under cmd/api either as a
// plain HTTP server or behind a Lambda proxy.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

// defaultRequestTimeout applies when ServerConfig.RequestTimeout is unset.
const defaultRequestTimeout = 29 * time.Second

// BatchService is the batch coordinator surface exposed over HTTP.
type BatchService interface {
	Submit(ctx context.Context, kind types.BatchKind, items []string, options types.BatchOptions) (*types.BatchOperation, error)
	Get(ctx context.Context, id string) (*types.BatchOperation, error)
	List(ctx context.Context, f types.BatchFilter) ([]types.BatchOperation, types.PageInfo, error)
	Resubmit(ctx context.Context, id string) (*types.BatchOperation, error)
	MarkFailed(ctx context.Context, id, reason string) (*types.BatchOperation, error)
}

// ScheduleStore persists recurring schedules.
type ScheduleStore interface {
	Create(ctx context.Context, s *types.RecurringSchedule) error
	Get(ctx context.Context, id string) (*types.RecurringSchedule, error)
	List(ctx context.Context, f types.ScheduleFilter) ([]types.RecurringSchedule, types.PageInfo, error)
}

// ScheduleDeactivator soft-disables schedules.
type ScheduleDeactivator interface {
	Deactivate(ctx context.Context, id string) error
}

// TaskQueue accepts on-demand cycle triggers.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error
}

// Server holds the HTTP dependencies.
type Server struct {
	Config       config.ServerConfig
	Batches      BatchService
	Schedules    ScheduleStore
	Deactivator  ScheduleDeactivator
	Queue        TaskQueue
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer creates a Server and mounts its routes.
func NewServer(cfg config.ServerConfig, batches BatchService, schedules ScheduleStore, deactivator ScheduleDeactivator, queue TaskQueue, logger *slog.Logger) (*Server, error) {
	if batches == nil || schedules == nil || deactivator == nil || queue == nil {
		return nil, errors.New("api: batches, schedules, deactivator and queue are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Config:      cfg,
		Batches:     batches,
		Schedules:   schedules,
		Deactivator: deactivator,
		Queue:       queue,
		Logger:      logger,
		Validator:   NewValidator(),
		router:      chi.NewRouter(),
	}
	s.MountRoutes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MountRoutes registers middleware and routes.
//
// Middleware order: Recoverer (outermost, catches everything), request
// timeout, request ID, then logging so every log line carries the ID.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.handleSubmitBatch)
			r.Get("/", s.handleListBatches)
			r.Get("/{id}", s.handleGetBatch)
			r.Post("/{id}/resubmit", s.handleResubmitBatch)
			r.Post("/{id}/fail", s.handleFailBatch)
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.handleCreateSchedule)
			r.Get("/", s.handleListSchedules)
			r.Get("/{id}", s.handleGetSchedule)
			r.Post("/{id}/deactivate", s.handleDeactivateSchedule)
		})
		r.Post("/cycles", s.handleTriggerCycle)
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config.RequestTimeout > 0 {
		return s.Config.RequestTimeout
	}
	return defaultRequestTimeout
}

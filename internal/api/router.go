package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/orchestrator"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// RouterConfig holds every dependency the HTTP router needs. Populated in
// cmd/orchestrator/main.go once all components are constructed.
type RouterConfig struct {
	Store      task.Store
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Dispatcher *orchestrator.Dispatcher
	PromReg    *prometheus.Registry
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. All resource routes are
// registered under /api/v1; the WebSocket upgrade endpoints and /metrics sit
// at the root, matching spec §6's EXTERNAL INTERFACES table.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	taskHandler := NewTaskHandler(cfg.Store, cfg.Scheduler, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", taskHandler.List)
		r.Post("/tasks", taskHandler.Create)
		r.Get("/tasks/{id}", taskHandler.GetByID)
		r.Patch("/tasks/{id}", taskHandler.Update)
		r.Delete("/tasks/{id}", taskHandler.Delete)
		r.Post("/tasks/{id}/cancel", taskHandler.Cancel)

		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)
	})

	r.Get("/ws/agent", cfg.Dispatcher.HandleAgentWS)
	r.Get("/ws/observer", cfg.Dispatcher.HandleObserverWS)

	r.Handle("/metrics", promhttp.HandlerFor(cfg.PromReg, promhttp.HandlerOpts{}))

	return r
}

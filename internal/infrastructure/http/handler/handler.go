package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/fleetq/internal/application/dispatcher"
	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/application/registry"
)

// Handler serves the orchestrator API for its three audiences: submitters,
// robots and observers.
type Handler struct {
	engine     queue.Engine
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	bus        *events.Bus
}

// New creates the API handler.
func New(engine queue.Engine, d *dispatcher.Dispatcher, reg *registry.Registry, bus *events.Bus) *Handler {
	return &Handler{
		engine:     engine,
		dispatcher: d,
		registry:   reg,
		bus:        bus,
	}
}

// Routes mounts all API routes. Custom-verb paths follow the
// "/resource/{id}:verb" convention.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Submitters.
	r.Post("/jobs", h.submitJob)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{id}", h.getJob)
	r.Post("/jobs/{id:[^:]+}:cancel", h.cancelJob)
	r.Post("/jobs/{id:[^:]+}:retry", h.retryJob)

	// Robots.
	r.Post("/robots", h.registerRobot)
	r.Get("/robots", h.listRobots)
	r.Get("/robots/{id}", h.getRobot)
	r.Post("/robots/{id}/heartbeat", h.heartbeat)
	r.Post("/jobs:claim", h.claimJobs)
	r.Post("/jobs/{id:[^:]+}:extend", h.extendLease)
	r.Post("/jobs/{id:[^:]+}:complete", h.completeJob)
	r.Post("/jobs/{id:[^:]+}:fail", h.failJob)

	// Observers.
	r.Get("/events", h.streamEvents)
	r.Get("/events/ws", h.streamEventsWS)

	return r
}

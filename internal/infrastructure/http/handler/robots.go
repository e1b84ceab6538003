package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/fleetq/internal/domain"
	"github.com/rezkam/fleetq/internal/infrastructure/http/response"
)

func (h *Handler) registerRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	robot, err := h.registry.Register(r.Context(), req.MachineID, req.Name, req.Capabilities, req.Environment)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, r, toRobotResponse(robot))
}

func (h *Handler) getRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, r, toRobotResponse(robot))
}

func (h *Handler) listRobots(w http.ResponseWriter, r *http.Request) {
	filter := domain.RobotFilter{
		Environment: r.URL.Query().Get("environment"),
		Capability:  r.URL.Query().Get("capability"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.RobotStatus(status)
		if !s.Valid() {
			response.BadRequest(w, r, "unknown status: "+status)
			return
		}
		filter.Status = s
	}
	filter.Limit, filter.Offset = pagination(r)

	robots, err := h.registry.List(r.Context(), filter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := robotListResponse{Robots: make([]robotResponse, 0, len(robots))}
	for i := range robots {
		out.Robots = append(out.Robots, toRobotResponse(&robots[i]))
	}
	response.OK(w, r, out)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	err := h.registry.Heartbeat(r.Context(), domain.Heartbeat{
		RobotID:      chi.URLParam(r, "id"),
		Status:       domain.RobotStatus(req.Status),
		CurrentJobID: req.CurrentJobID,
		CPUPercent:   req.CPUPercent,
		MemoryMB:     req.MemoryMB,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusNoContent, nil)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rezkam/fleetq/internal/application/dispatcher"
	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
	"github.com/rezkam/fleetq/internal/infrastructure/http/middleware"
	"github.com/rezkam/fleetq/internal/infrastructure/http/response"
)

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	jobID, err := h.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		TenantID:       middleware.TenantFrom(r.Context()),
		WorkflowID:     req.WorkflowID,
		Payload:        req.Workflow,
		Environment:    req.Environment,
		Capabilities:   req.Capabilities,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		ScheduledDelay: time.Duration(req.ScheduledDelaySeconds) * time.Second,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      chimw.GetReqID(r.Context()),
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, r, submitResponse{JobID: jobID})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, r, toJobResponse(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobFilter{
		TenantID:    middleware.TenantFrom(r.Context()),
		Environment: r.URL.Query().Get("environment"),
		RobotID:     r.URL.Query().Get("robot_id"),
		WorkflowID:  r.URL.Query().Get("workflow_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.JobStatus(status)
		if !s.Valid() {
			response.BadRequest(w, r, "unknown status: "+status)
			return
		}
		filter.Status = s
	}
	filter.Limit, filter.Offset = pagination(r)

	jobs, total, err := h.engine.List(r.Context(), filter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := jobListResponse{Jobs: make([]jobResponse, 0, len(jobs)), TotalCount: total}
	for i := range jobs {
		resp := toJobResponse(&jobs[i])
		// Lease tokens are only disclosed to the claiming robot.
		resp.LeaseToken = nil
		out.Jobs = append(out.Jobs, resp)
	}
	response.OK(w, r, out)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusNoContent, nil)
}

// retryJob resubmits a dead-lettered job's original payload as a fresh job.
func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	jobID, err := h.dispatcher.Resubmit(r.Context(), job)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, r, submitResponse{JobID: jobID})
}

func (h *Handler) claimJobs(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	visibility := time.Duration(req.VisibilityTimeoutSeconds) * time.Second
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}

	jobs, err := h.engine.Claim(r.Context(), queue.ClaimRequest{
		RobotID:           req.RobotID,
		Environment:       req.Environment,
		Capabilities:      req.Capabilities,
		BatchSize:         req.BatchSize,
		VisibilityTimeout: visibility,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := claimResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for i := range jobs {
		out.Jobs = append(out.Jobs, toJobResponse(&jobs[i]))
	}
	response.OK(w, r, out)
}

func (h *Handler) extendLease(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}
	if req.ExtendSeconds <= 0 {
		response.BadRequest(w, r, "extend_seconds must be positive")
		return
	}

	status, err := h.engine.ExtendLease(r.Context(), chi.URLParam(r, "id"), req.LeaseToken,
		time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, r, extendResponse{OK: status.OK, CancelRequested: status.CancelRequested})
}

func (h *Handler) completeJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	if err := h.engine.Complete(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, req.Result); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusNoContent, nil)
}

func (h *Handler) failJob(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}
	if req.Error == "" {
		response.BadRequest(w, r, "error message is required")
		return
	}

	willRetry, err := h.engine.Fail(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, req.Error, req.Permanent)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, r, failResponse{WillRetry: willRetry})
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}

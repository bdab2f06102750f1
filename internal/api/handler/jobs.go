package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/internal/api/response"
	"github.com/kiranshivaraju/jobqueue/internal/queue"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

const maxBodyBytes = 1 << 20

// JobService defines the queue operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, binaryAddr string, inputAddr *string) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Claim(ctx context.Context, runnerID string) (*models.Job, error)
	Tickle(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, outcome models.JobStatus, outputAddr *string) (*models.Job, error)
	Stats(ctx context.Context) (map[models.JobStatus]int, error)
}

type createJobRequest struct {
	BinaryAddr string  `json:"binary_addr" validate:"required,max=512"`
	InputAddr  *string `json:"input_addr,omitempty" validate:"omitempty,max=512"`
}

type claimJobRequest struct {
	RunnerID string `json:"runner_id" validate:"required,max=128"`
}

// completeJobRequest only checks shape. Whether output_addr fits the outcome
// is decided by the queue after the job's state, so a repeated complete
// reports INVALID_STATE.
type completeJobRequest struct {
	Status     string  `json:"status" validate:"required,oneof=completed failed"`
	OutputAddr *string `json:"output_addr,omitempty" validate:"omitempty,max=512"`
}

// Jobs serves the /jobs endpoints.
type Jobs struct {
	svc      JobService
	validate *RequestValidator
}

func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc, validate: NewRequestValidator()}
}

// Create handles POST /jobs/create.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.svc.Submit(r.Context(), req.BinaryAddr, req.InputAddr)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	response.Created(w, job)
}

// Get handles GET /jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Claim handles POST /jobs/claim. An empty queue answers 204.
func (h *Jobs) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.svc.Claim(r.Context(), req.RunnerID)
	if errors.Is(err, queue.ErrNoWorkAvailable) {
		response.NoContent(w)
		return
	}
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Tickle handles POST /jobs/{jobID}/tickle.
func (h *Jobs) Tickle(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.svc.Tickle(r.Context(), id)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Complete handles POST /jobs/{jobID}/complete.
func (h *Jobs) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var req completeJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.svc.Complete(r.Context(), id, models.JobStatus(req.Status), req.OutputAddr)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	response.JSON(w, job)
}

type statsResponse struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Stats handles GET /jobs/stats.
func (h *Jobs) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Stats(r.Context())
	if err != nil {
		writeQueueError(w, r, err)
		return
	}

	resp := statsResponse{
		Pending:   counts[models.JobStatusPending],
		Active:    counts[models.JobStatusActive],
		Completed: counts[models.JobStatusCompleted],
		Failed:    counts[models.JobStatusFailed],
	}
	resp.Total = resp.Pending + resp.Active + resp.Completed + resp.Failed
	response.JSON(w, resp)
}

// decode reads a JSON body into dst and validates it. On failure it has
// already written the 400 response.
func (h *Jobs) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if errs := h.validate.Validate(dst); errs != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request validation failed", errs)
		return false
	}
	return true
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job ID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeQueueError maps queue errors onto HTTP responses.
func writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, queue.ErrInvalidState):
		response.Error(w, http.StatusBadRequest, "INVALID_STATE", "Job is not in a state that allows this operation", nil)
	case errors.Is(err, queue.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, queue.ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		slog.Error("store unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The job store is unavailable", nil)
	default:
		slog.Error("unexpected queue error", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

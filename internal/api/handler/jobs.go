package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

// JobService submits chat jobs and reports their state.
type JobService interface {
	Submit(ctx context.Context, user *models.User, params chat.SubmitParams) (*queue.Job, error)
	JobStatus(ctx context.Context, user *models.User, jobID uuid.UUID) (notify.Outcome, error)
}

type submitJobRequest struct {
	Message string `json:"message" validate:"required"`
	RoomID  string `json:"room_id,omitempty" validate:"omitempty,uuid"`
}

type jobAccepted struct {
	JobID  uuid.UUID      `json:"job_id"`
	Kind   models.JobKind `json:"kind"`
	Status queue.Status   `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// It answers 202 as soon as the job is queued.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req submitJobRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		params := chat.SubmitParams{Message: req.Message}
		if req.RoomID != "" {
			roomID := uuid.MustParse(req.RoomID)
			params.RoomID = &roomID
		}

		job, err := svc.Submit(r.Context(), user, params)
		if err != nil {
			writeServiceError(w, "submit job", err)
			return
		}

		w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
		response.Accepted(w, jobAccepted{JobID: job.ID, Kind: job.Kind, Status: job.Status})
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		out, err := svc.JobStatus(r.Context(), user, jobID)
		if err != nil {
			writeServiceError(w, "get job status", err)
			return
		}
		response.JSON(w, out)
	}
}

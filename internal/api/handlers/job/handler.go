package job

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"

	"imagemill/internal/api/respond"
	"imagemill/internal/middleware"
	"imagemill/internal/model"
	"imagemill/internal/scheduler"
)

// jobs is the scheduler surface the handler needs.
type jobs interface {
	Job(id uuid.UUID) (scheduler.Snapshot, error)
	Cancel(id uuid.UUID) error
}

// Handler provides HTTP handlers for job inspection and cancellation.
type Handler struct {
	sched jobs
}

// NewHandler creates a new Handler backed by the scheduler.
func NewHandler(s jobs) *Handler {
	return &Handler{sched: s}
}

// Response is the job status document.
type Response struct {
	JobID       uuid.UUID `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	Artifact    *artifact `json:"artifact,omitempty"`
}

type artifact struct {
	Fingerprint string `json:"fingerprint"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	Size        int64  `json:"size"`
}

// Get reports the current state of a job, including the artifact reference
// once the job has succeeded or the failure reason once it has failed.
// Any authenticated caller may poll: jobs are keyed by content fingerprint,
// so byte-identical originals owned by different users attach to one job,
// and every waiter must be able to observe its terminal outcome.
func (h *Handler) Get(c *ginext.Context) {
	snap, ok := h.lookup(c)
	if !ok {
		return
	}

	respond.OK(c, toResponse(snap))
}

// Cancel withdraws a queued job. Running and terminal jobs are left alone.
// Only the submitting requester may cancel.
func (h *Handler) Cancel(c *ginext.Context) {
	snap, ok := h.lookup(c)
	if !ok {
		return
	}

	if snap.Requester != middleware.Requester(c) {
		respond.Fail(c, http.StatusForbidden, errors.New("forbidden"))
		return
	}

	if err := h.sched.Cancel(snap.ID); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, errors.New("job not found"))
			return
		}
		respond.Fail(c, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	c.Status(http.StatusNoContent)
}

// lookup parses the id and fetches the snapshot. It writes the error
// response itself when the second return value is false.
func (h *Handler) lookup(c *ginext.Context) (scheduler.Snapshot, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return scheduler.Snapshot{}, false
	}

	snap, err := h.sched.Job(id)
	if err != nil {
		respond.Fail(c, http.StatusNotFound, errors.New("job not found"))
		return scheduler.Snapshot{}, false
	}

	return snap, true
}

func toResponse(snap scheduler.Snapshot) Response {
	resp := Response{
		JobID:       snap.ID,
		Fingerprint: snap.Fingerprint,
		State:       string(snap.State),
		Error:       snap.Error,
	}
	if snap.State == model.JobSucceeded && snap.Artifact != nil {
		resp.Artifact = &artifact{
			Fingerprint: snap.Artifact.Fingerprint,
			Width:       snap.Artifact.Width,
			Height:      snap.Artifact.Height,
			Format:      string(snap.Artifact.Format),
			Size:        snap.Artifact.Size,
		}
	}
	return resp
}

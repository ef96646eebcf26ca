package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/api/respond"
	"imagemill/internal/delivery"
	"imagemill/internal/middleware"
	"imagemill/internal/model"
	"imagemill/internal/ratelimit"
	imagerepo "imagemill/internal/repository/image"
	"imagemill/internal/scheduler"
	imagesvc "imagemill/internal/service/image"
)

// maxUploadBytes bounds the multipart form held in memory per upload.
const maxUploadBytes = 20 << 20

// service defines the interface for image-related operations.
type service interface {
	SaveImage(ctx context.Context, ownerID, filename, contentType string, file io.Reader) (model.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, io.ReadCloser, error)
	GetImageMeta(ctx context.Context, id uuid.UUID) (model.Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID, requester string) error
}

// resolver turns (image, spec, format) into a cached artifact or a job handle.
type resolver interface {
	Resolve(ctx context.Context, imageID uuid.UUID, requester string, spec *model.TransformSpec, format model.Format) (delivery.Resolution, error)
}

// Handler provides HTTP handlers for image upload, delivery and transformation.
type Handler struct {
	service  service
	resolver resolver
	validate *validator.Validate
}

// NewHandler creates a new Handler with the given collaborators.
func NewHandler(s service, r resolver) *Handler {
	return &Handler{
		service:  s,
		resolver: r,
		validate: validator.New(),
	}
}

// TransformRequest is the derivative request body.
type TransformRequest struct {
	Operations []model.Op `json:"operations" validate:"required,min=1"`
	Format     string     `json:"format"`
}

// JobResponse is the handle returned for work that is not yet complete.
type JobResponse struct {
	JobID       uuid.UUID `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
}

// ArtifactResponse describes a ready derivative.
type ArtifactResponse struct {
	Fingerprint string `json:"fingerprint"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	Size        int64  `json:"size"`
}

// Upload handles the HTTP request for uploading an image.
// It reads the multipart form, saves the original via the service and responds
// with the stored image record.
func (h *Handler) Upload(c *ginext.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to retrieve uploaded file")
		respond.Fail(c, http.StatusBadRequest, errors.New("failed to retrieve the file"))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")

	img, err := h.service.SaveImage(c.Request.Context(), middleware.Requester(c), header.Filename, contentType, file)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to save the image")
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to save the image"))
		return
	}

	respond.Created(c, img)
}

// Transform requests a derivative of an image. A cached derivative is
// acknowledged with 200; otherwise the job handle comes back with 202.
func (h *Handler) Transform(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	var req TransformRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid body: %v", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid body: %v", err))
		return
	}

	format, err := model.ParseFormat(req.Format)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	spec := model.TransformSpec{Ops: req.Operations}
	res, err := h.resolver.Resolve(c.Request.Context(), id, middleware.Requester(c), &spec, format)
	if err != nil {
		h.fail(c, err)
		return
	}

	if res.Artifact != nil {
		respond.OK(c, artifactResponse(res.Artifact))
		return
	}
	respond.Accepted(c, jobResponse(res.Job))
}

// Get serves image bytes. Without a spec query parameter it returns the
// original; with one it resolves the derivative, streaming it on a cache hit
// and returning a 202 job handle otherwise.
func (h *Handler) Get(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	spec, format, err := specFromQuery(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	if spec == nil {
		h.getOriginal(c, id)
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), id, middleware.Requester(c), spec, format)
	if err != nil {
		h.fail(c, err)
		return
	}

	if res.Artifact != nil {
		respond.Image(c, http.StatusOK, res.Artifact.Format.MIME(), res.Artifact.Size,
			bytes.NewReader(res.Artifact.Data))
		return
	}
	respond.Accepted(c, jobResponse(res.Job))
}

func (h *Handler) getOriginal(c *ginext.Context, id uuid.UUID) {
	img, reader, err := h.service.GetImage(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer reader.Close()

	respond.Image(c, http.StatusOK, img.MimeType, img.Size, reader)
}

// GetMeta returns metadata about the image without serving the file itself.
func (h *Handler) GetMeta(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	img, err := h.service.GetImageMeta(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, img)
}

// Delete removes an image by ID. Only the owner may delete.
func (h *Handler) Delete(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	if err := h.service.DeleteImage(c.Request.Context(), id, middleware.Requester(c)); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(c *ginext.Context, err error) {
	var te *ratelimit.ThrottledError

	switch {
	case errors.Is(err, model.ErrValidation):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, imagerepo.ErrImageNotFound):
		respond.Fail(c, http.StatusNotFound, errors.New("image not found"))
	case errors.Is(err, delivery.ErrForbidden), errors.Is(err, imagesvc.ErrForbidden):
		respond.Fail(c, http.StatusForbidden, errors.New("forbidden"))
	case errors.As(err, &te):
		c.Header("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())+1))
		respond.Fail(c, http.StatusTooManyRequests, err)
	case errors.Is(err, scheduler.ErrQueueFull):
		respond.Fail(c, http.StatusServiceUnavailable, err)
	default:
		zlog.Logger.Err(err).Msg("request failed")
		respond.Fail(c, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func parseID(c *ginext.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %v", err)
	}
	return id, nil
}

// specFromQuery decodes the optional ?spec= JSON query parameter. The value
// is a TransformRequest document; absence means the original is wanted.
func specFromQuery(c *ginext.Context) (*model.TransformSpec, model.Format, error) {
	raw := c.Query("spec")
	if raw == "" {
		return nil, "", nil
	}

	var req TransformRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, "", fmt.Errorf("invalid spec parameter: %v", err)
	}

	format, err := model.ParseFormat(req.Format)
	if err != nil {
		return nil, "", err
	}

	return &model.TransformSpec{Ops: req.Operations}, format, nil
}

func jobResponse(snap *scheduler.Snapshot) JobResponse {
	return JobResponse{
		JobID:       snap.ID,
		Fingerprint: snap.Fingerprint,
		State:       string(snap.State),
	}
}

func artifactResponse(a *model.Artifact) ArtifactResponse {
	return ArtifactResponse{
		Fingerprint: a.Fingerprint,
		Width:       a.Width,
		Height:      a.Height,
		Format:      string(a.Format),
		Size:        a.Size,
	}
}

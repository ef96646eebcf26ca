package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/fingerprint"
	"imagemill/internal/model"
	"imagemill/internal/scheduler"
)

// thumbnailWidth is the default derivative precomputed for every upload so
// the first listing-page read is a cache hit.
const thumbnailWidth = 200

type submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.Snapshot, bool, error)
}

// UploadedHandler warms the derivative cache when an original is stored.
type UploadedHandler struct {
	sched submitter
}

func NewUploadedHandler(s submitter) *UploadedHandler {
	return &UploadedHandler{sched: s}
}

func (h *UploadedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var ev model.UploadedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("unmarshal uploaded event: %w", err)
	}

	spec := model.TransformSpec{Ops: []model.Op{{Kind: model.OpResize, Width: thumbnailWidth}}}
	format := model.FormatFromMIME(ev.MimeType)

	fp, err := fingerprint.New(ev.ContentHash, spec, format)
	if err != nil {
		return fmt.Errorf("fingerprint thumbnail spec: %w", err)
	}

	snap, created, err := h.sched.Submit(ctx, scheduler.SubmitRequest{
		Fingerprint: fp,
		SourceRef:   ev.StorageRef,
		Spec:        spec,
		Format:      format,
		Requester:   ev.OwnerID,
	})
	if err != nil {
		// Queue pressure only delays warming; the derivative is computed on
		// first demand instead.
		if errors.Is(err, scheduler.ErrQueueFull) {
			zlog.Logger.Warn().
				Str("image_id", ev.ImageID.String()).
				Msg("queue full, skipping thumbnail warm-up")
			return nil
		}
		return fmt.Errorf("submit thumbnail job: %w", err)
	}

	zlog.Logger.Info().
		Str("image_id", ev.ImageID.String()).
		Str("job_id", snap.ID.String()).
		Bool("created", created).
		Msg("thumbnail warm-up submitted")
	return nil
}

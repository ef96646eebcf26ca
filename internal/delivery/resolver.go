// Package delivery resolves image requests to a cached artifact, a pending
// job handle, or the original, applying admission control on the way.
package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/cache"
	"imagemill/internal/fingerprint"
	"imagemill/internal/model"
	"imagemill/internal/ratelimit"
	"imagemill/internal/scheduler"
)

// ErrForbidden is returned when the requester does not own the image.
var ErrForbidden = errors.New("forbidden")

type imageStore interface {
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
}

type submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.Snapshot, bool, error)
}

type admission interface {
	Allow(identity string, class ratelimit.Class) error
}

// Resolver coordinates the fingerprint engine, cache, admission controller
// and scheduler for a single request.
type Resolver struct {
	images  imageStore
	cache   cache.Cache
	sched   submitter
	limiter admission
}

// NewResolver wires a Resolver.
func NewResolver(images imageStore, c cache.Cache, sched submitter, limiter admission) *Resolver {
	return &Resolver{images: images, cache: c, sched: sched, limiter: limiter}
}

// Resolution is the outcome of a resolve: exactly one of Artifact or Job is
// set when a spec was given; neither is set for an original-image resolve.
type Resolution struct {
	Image    model.Image
	Artifact *model.Artifact
	Job      *scheduler.Snapshot
}

// Resolve returns the cached artifact for (image, spec, format), or submits a
// job and returns its handle, or the original image record when spec is nil.
// Unauthenticated requests never reach this layer; requester is a stable
// user identifier.
func (r *Resolver) Resolve(ctx context.Context, imageID uuid.UUID, requester string, spec *model.TransformSpec, format model.Format) (Resolution, error) {
	if err := r.limiter.Allow(requester, ratelimit.ClassRead); err != nil {
		return Resolution{}, err
	}

	img, err := r.images.GetImage(ctx, imageID)
	if err != nil {
		return Resolution{}, err
	}

	if spec == nil {
		return Resolution{Image: img}, nil
	}

	// Only the owner may request derived versions.
	if img.OwnerID != requester {
		return Resolution{}, ErrForbidden
	}

	effective := format
	if effective == "" {
		effective = model.FormatFromMIME(img.MimeType)
	}

	fp, err := fingerprint.New(img.ContentHash, *spec, effective)
	if err != nil {
		return Resolution{}, err
	}

	artifact, ok, err := r.cache.Get(fp)
	if err != nil {
		// Degraded mode: treat the backend failure as a miss and keep
		// serving through direct execution.
		zlog.Logger.Warn().Err(err).Str("fingerprint", fp).Msg("cache lookup degraded")
	}
	if ok {
		return Resolution{Image: img, Artifact: artifact}, nil
	}

	if err := r.limiter.Allow(requester, ratelimit.ClassTransform); err != nil {
		return Resolution{}, err
	}

	snap, _, err := r.sched.Submit(ctx, scheduler.SubmitRequest{
		Fingerprint: fp,
		SourceRef:   img.StorageRef,
		Spec:        *spec,
		Format:      effective,
		Requester:   requester,
	})
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Image: img, Job: &snap}, nil
}

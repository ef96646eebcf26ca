package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"time"

	// Decoders for sniffing uploaded image dimensions.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/model"
)

// ErrForbidden is returned when the requester does not own the image.
var ErrForbidden = errors.New("forbidden")

// fileStorage is the blob store collaborator (local FS or MinIO).
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader, size int64, contentType string) (string, error)
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// imageRepository is the metadata store collaborator.
type imageRepository interface {
	SaveImage(ctx context.Context, img model.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// eventProducer announces stored originals for cache warm-up.
type eventProducer interface {
	ImageUploaded(ctx context.Context, ev model.UploadedEvent) error
}

// Service owns upload ingestion and original-image lifecycle. Derivatives are
// the delivery resolver's concern.
type Service struct {
	storage  fileStorage
	repo     imageRepository
	producer eventProducer
}

// NewService creates a Service.
func NewService(fs fileStorage, repo imageRepository, p eventProducer) *Service {
	return &Service{storage: fs, repo: repo, producer: p}
}

// SaveImage stores the uploaded original, records its metadata (content hash,
// intrinsic dimensions) and announces it on the uploads topic.
func (s *Service) SaveImage(ctx context.Context, ownerID, filename, contentType string, file io.Reader) (model.Image, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return model.Image{}, fmt.Errorf("upload: failed to read file: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.Image{}, model.Validationf("not a supported image: %v", err)
	}

	sum := sha256.Sum256(data)
	id := uuid.New()

	ref, err := s.storage.Save(ctx, "original", id.String()+filepath.Ext(filename),
		bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return model.Image{}, fmt.Errorf("upload: failed to save file: %w", err)
	}

	img := model.Image{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filename,
		StorageRef:  ref,
		ContentHash: hex.EncodeToString(sum[:]),
		Width:       cfg.Width,
		Height:      cfg.Height,
		MimeType:    contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.repo.SaveImage(ctx, img); err != nil {
		// Roll the blob back so storage does not accumulate orphans.
		if derr := s.storage.Delete(ctx, ref); derr != nil {
			zlog.Logger.Error().Err(derr).Str("ref", ref).Msg("failed to roll back stored blob")
		}
		return model.Image{}, fmt.Errorf("upload: failed to save image metadata: %w", err)
	}

	// Warm-up is best-effort: a lost event only means the first derivative
	// read computes on demand.
	if err := s.producer.ImageUploaded(ctx, model.UploadedEvent{
		ImageID:     img.ID,
		OwnerID:     img.OwnerID,
		StorageRef:  img.StorageRef,
		ContentHash: img.ContentHash,
		MimeType:    img.MimeType,
	}); err != nil {
		zlog.Logger.Warn().Err(err).Str("image_id", id.String()).Msg("failed to publish uploaded event")
	}

	zlog.Logger.Info().
		Str("image_id", id.String()).
		Str("filename", filename).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("image uploaded")
	return img, nil
}

// GetImage returns the image record and a reader over the original bytes.
func (s *Service) GetImage(ctx context.Context, id uuid.UUID) (model.Image, io.ReadCloser, error) {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return model.Image{}, nil, err
	}

	reader, err := s.storage.Load(ctx, img.StorageRef)
	if err != nil {
		return model.Image{}, nil, fmt.Errorf("failed to load original: %w", err)
	}

	return img, reader, nil
}

// GetImageMeta returns the image record without touching blob storage.
func (s *Service) GetImageMeta(ctx context.Context, id uuid.UUID) (model.Image, error) {
	return s.repo.GetImage(ctx, id)
}

// DeleteImage removes the original blob and the metadata record. Only the
// owner may delete.
func (s *Service) DeleteImage(ctx context.Context, id uuid.UUID, requester string) error {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if img.OwnerID != requester {
		return ErrForbidden
	}

	if err := s.storage.Delete(ctx, img.StorageRef); err != nil {
		zlog.Logger.Error().Err(err).Str("ref", img.StorageRef).Msg("failed to delete original blob")
	}

	if err := s.repo.DeleteImage(ctx, id); err != nil {
		return fmt.Errorf("failed to delete image metadata: %w", err)
	}

	zlog.Logger.Info().Str("image_id", id.String()).Msg("image deleted")
	return nil
}

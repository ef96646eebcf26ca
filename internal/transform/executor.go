// Package transform applies an ordered list of pixel operations to an image
// buffer. The executor is stateless per invocation and deterministic:
// identical input bytes, spec and format always produce byte-identical
// output, which the artifact cache relies on.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"

	"imagemill/internal/model"
)

// ErrExecution marks a transformation that failed for non-validation reasons:
// corrupt source, unsupported conversion, resource exhaustion.
var ErrExecution = errors.New("execution error")

func execf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExecution, fmt.Sprintf(format, args...))
}

// DefaultJPEGQuality is used when no compress operation is present.
const DefaultJPEGQuality = 85

// OverlayLoader fetches watermark overlays by storage reference.
type OverlayLoader interface {
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Executor runs transform specs. It holds no per-invocation state and is safe
// for concurrent use by the worker pool.
type Executor struct {
	overlays OverlayLoader
}

// New creates an Executor. The overlay loader is only consulted for watermark
// operations that reference a stored overlay image.
func New(overlays OverlayLoader) *Executor {
	return &Executor{overlays: overlays}
}

// Execute applies spec strictly in order, each operation consuming the output
// of the previous one, then encodes the result in the requested format.
// The source buffer is treated as read-only.
func (e *Executor) Execute(ctx context.Context, src []byte, spec model.TransformSpec, format model.Format) (*model.Artifact, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, execf("decode source: %v", err)
	}

	effective := format
	if effective == "" {
		effective = model.FormatJPEG
	}
	quality := DefaultJPEGQuality

	for i, op := range spec.Ops {
		if err := ctx.Err(); err != nil {
			return nil, execf("aborted at operation %d: %v", i, err)
		}

		switch op.Kind {
		case model.OpResize:
			img = imaging.Resize(img, op.Width, op.Height, imaging.Lanczos)
		case model.OpCrop:
			region := image.Rect(op.X, op.Y, op.X+op.Width, op.Y+op.Height)
			if !region.In(img.Bounds()) {
				return nil, model.Validationf(
					"crop region %v exceeds source bounds %v", region, img.Bounds())
			}
			img = imaging.Crop(img, region)
		case model.OpRotate:
			img = rotate(img, op.Degrees)
		case model.OpFlip:
			if op.Axis == model.AxisHorizontal {
				img = imaging.FlipH(img)
			} else {
				img = imaging.FlipV(img)
			}
		case model.OpWatermark:
			img, err = e.watermark(ctx, img, op)
			if err != nil {
				return nil, err
			}
		case model.OpFormat:
			f, err := model.ParseFormat(op.Target)
			if err != nil {
				return nil, err
			}
			effective = f
		case model.OpGrayscale:
			img = imaging.Grayscale(img)
		case model.OpSepia:
			img = effect.Sepia(img)
		case model.OpMirror:
			img = imaging.FlipH(img)
		case model.OpCompress:
			quality = op.Quality
			// A quality request on a lossless target re-encodes through the
			// lossy family; otherwise the parameter would have no effect.
			if effective != model.FormatJPEG && effective != model.FormatGIF {
				effective = model.FormatJPEG
			}
		}
	}

	data, err := encode(img, effective, quality)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	return &model.Artifact{
		Data:      data,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    effective,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// rotate applies a clockwise rotation. The imaging library rotates
// counter-clockwise, so angles are negated; exact multiples of 90 use the
// lossless fast paths.
func rotate(img image.Image, degrees float64) image.Image {
	switch normalized := int(degrees) % 360; {
	case degrees == float64(int(degrees)) && normalized%90 == 0:
		switch (normalized + 360) % 360 {
		case 90:
			return imaging.Rotate270(img)
		case 180:
			return imaging.Rotate180(img)
		case 270:
			return imaging.Rotate90(img)
		default:
			return imaging.Clone(img)
		}
	default:
		return imaging.Rotate(img, -degrees, color.Transparent)
	}
}

func encode(img image.Image, format model.Format, quality int) ([]byte, error) {
	var f imaging.Format
	switch format {
	case model.FormatJPEG:
		f = imaging.JPEG
	case model.FormatPNG:
		f = imaging.PNG
	case model.FormatGIF:
		f = imaging.GIF
	case model.FormatBMP:
		f = imaging.BMP
	case model.FormatTIFF:
		f = imaging.TIFF
	default:
		return nil, model.Validationf("unsupported output format %q", format)
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, f, imaging.JPEGQuality(quality)); err != nil {
		return nil, execf("encode %s: %v", format, err)
	}
	return buf.Bytes(), nil
}

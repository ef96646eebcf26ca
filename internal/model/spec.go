package model

import (
	"errors"
	"fmt"
)

// ErrValidation marks a malformed spec or parameter set. Validation failures
// are rejected before a job is enqueued and are never retried.
var ErrValidation = errors.New("validation error")

// Validationf wraps ErrValidation with a reason, so callers can match the
// class with errors.Is and still log the detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// OpKind names one of the fixed pixel operations. The set is closed: the
// executor dispatches over it exhaustively and unknown kinds are rejected at
// validation time, not silently skipped.
type OpKind string

const (
	OpResize    OpKind = "resize"
	OpCrop      OpKind = "crop"
	OpRotate    OpKind = "rotate"
	OpFlip      OpKind = "flip"
	OpWatermark OpKind = "watermark"
	OpFormat    OpKind = "format"
	OpGrayscale OpKind = "grayscale"
	OpSepia     OpKind = "sepia"
	OpMirror    OpKind = "mirror"
	OpCompress  OpKind = "compress"
)

// Flip axes.
const (
	AxisHorizontal = "horizontal"
	AxisVertical   = "vertical"
)

// Watermark anchor positions.
const (
	PosTopLeft     = "top-left"
	PosTopRight    = "top-right"
	PosBottomLeft  = "bottom-left"
	PosBottomRight = "bottom-right"
	PosCenter      = "center"
)

// Op is a single transformation step. Only the fields of the declared Kind
// are meaningful; the rest stay at their zero values and are omitted on the
// wire. Ops are values and never mutated after construction.
type Op struct {
	Kind OpKind `json:"op"`

	// resize, crop
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// crop
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// rotate, clockwise degrees
	Degrees float64 `json:"degrees,omitempty"`

	// flip
	Axis string `json:"axis,omitempty"`

	// watermark. Opacity is a pointer so an explicit 0 stays distinguishable
	// from an omitted field, which defaults to fully opaque.
	OverlayRef string   `json:"overlay_ref,omitempty"`
	Text       string   `json:"text,omitempty"`
	Position   string   `json:"position,omitempty"`
	Opacity    *float64 `json:"opacity,omitempty"`

	// format
	Target string `json:"target,omitempty"`

	// compress
	Quality int `json:"quality,omitempty"`
}

// TransformSpec is an ordered sequence of operations. Order is semantically
// significant and is never reordered during canonicalization.
type TransformSpec struct {
	Ops []Op `json:"operations"`
}

// Validate checks every operation's parameters against its fixed schema.
// It fills no defaults beyond the ones the schema declares (watermark opacity
// and position).
func (s TransformSpec) Validate() error {
	if len(s.Ops) == 0 {
		return Validationf("spec contains no operations")
	}
	for i, op := range s.Ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

func (op Op) validate() error {
	switch op.Kind {
	case OpResize:
		if op.Width < 0 || op.Height < 0 {
			return Validationf("resize dimensions must be positive, got %dx%d", op.Width, op.Height)
		}
		if op.Width == 0 && op.Height == 0 {
			return Validationf("resize requires at least one of width or height")
		}
	case OpCrop:
		if op.Width <= 0 || op.Height <= 0 {
			return Validationf("crop region must have positive size, got %dx%d", op.Width, op.Height)
		}
		if op.X < 0 || op.Y < 0 {
			return Validationf("crop origin must be non-negative, got (%d,%d)", op.X, op.Y)
		}
	case OpRotate:
		// Any angle is accepted; non-multiples of 90 grow the canvas.
	case OpFlip:
		if op.Axis != AxisHorizontal && op.Axis != AxisVertical {
			return Validationf("flip axis must be %q or %q, got %q", AxisHorizontal, AxisVertical, op.Axis)
		}
	case OpWatermark:
		if op.OverlayRef == "" && op.Text == "" {
			return Validationf("watermark requires an overlay reference or text")
		}
		if op.Opacity != nil && (*op.Opacity < 0 || *op.Opacity > 1) {
			return Validationf("watermark opacity must be in [0,1], got %g", *op.Opacity)
		}
		switch op.Position {
		case "", PosTopLeft, PosTopRight, PosBottomLeft, PosBottomRight, PosCenter:
		default:
			return Validationf("unknown watermark position %q", op.Position)
		}
	case OpFormat:
		if _, err := ParseFormat(op.Target); err != nil || op.Target == "" {
			return Validationf("unsupported target format %q", op.Target)
		}
	case OpGrayscale, OpSepia, OpMirror:
		// No parameters.
	case OpCompress:
		if op.Quality < 0 || op.Quality > 100 {
			return Validationf("compress quality must be in [0,100], got %d", op.Quality)
		}
	default:
		return Validationf("unknown operation %q", op.Kind)
	}
	return nil
}

// EffectiveOpacity resolves the watermark opacity default (fully opaque).
// An explicit zero is honored as-is.
func (op Op) EffectiveOpacity() float64 {
	if op.Opacity == nil {
		return 1.0
	}
	return *op.Opacity
}

// EffectivePosition resolves the watermark anchor default.
func (op Op) EffectivePosition() string {
	if op.Position == "" {
		return PosBottomRight
	}
	return op.Position
}

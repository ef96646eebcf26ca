package transform

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"imagemill/internal/model"
)

const watermarkMargin = 20

// watermark composites a stored overlay image, a text label, or both onto the
// base. An overlay larger than the base is scaled down to fit before
// compositing.
func (e *Executor) watermark(ctx context.Context, base image.Image, op model.Op) (image.Image, error) {
	out := base

	if op.OverlayRef != "" {
		overlay, err := e.loadOverlay(ctx, op.OverlayRef)
		if err != nil {
			return nil, err
		}

		bb := out.Bounds()
		ob := overlay.Bounds()
		if ob.Dx() > bb.Dx() || ob.Dy() > bb.Dy() {
			overlay = imaging.Fit(overlay, bb.Dx(), bb.Dy(), imaging.Lanczos)
			ob = overlay.Bounds()
		}

		pos := anchorPoint(op.EffectivePosition(), bb, ob.Dx(), ob.Dy())
		out = imaging.Overlay(out, overlay, pos, op.EffectiveOpacity())
	}

	if op.Text != "" {
		rendered, err := drawText(out, op)
		if err != nil {
			return nil, err
		}
		out = rendered
	}

	return out, nil
}

func (e *Executor) loadOverlay(ctx context.Context, ref string) (image.Image, error) {
	if e.overlays == nil {
		return nil, execf("no overlay loader configured")
	}

	rc, err := e.overlays.Load(ctx, ref)
	if err != nil {
		return nil, execf("load overlay %q: %v", ref, err)
	}
	defer rc.Close()

	overlay, err := imaging.Decode(rc)
	if err != nil {
		return nil, execf("decode overlay %q: %v", ref, err)
	}
	return overlay, nil
}

// drawText renders the watermark label with the bundled Go Regular face so the
// output does not depend on host fonts.
func drawText(base image.Image, op model.Op) (image.Image, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, execf("parse watermark font: %v", err)
	}

	fontSize := float64(base.Bounds().Dy()) / 20
	if fontSize < 12 {
		fontSize = 12
	}
	face := truetype.NewFace(f, &truetype.Options{Size: fontSize})

	dc := gg.NewContextForImage(base)
	dc.SetFontFace(face)
	dc.SetRGBA(1, 1, 1, op.EffectiveOpacity())

	w := float64(dc.Width())
	h := float64(dc.Height())
	var x, y, ax, ay float64
	switch op.EffectivePosition() {
	case model.PosTopLeft:
		x, y, ax, ay = watermarkMargin, watermarkMargin, 0, 1
	case model.PosTopRight:
		x, y, ax, ay = w-watermarkMargin, watermarkMargin, 1, 1
	case model.PosBottomLeft:
		x, y, ax, ay = watermarkMargin, h-watermarkMargin, 0, 0
	case model.PosCenter:
		x, y, ax, ay = w/2, h/2, 0.5, 0.5
	default: // bottom-right
		x, y, ax, ay = w-watermarkMargin, h-watermarkMargin, 1, 0
	}

	dc.DrawStringAnchored(op.Text, x, y, ax, ay)
	return dc.Image(), nil
}

// anchorPoint places an overlay of size (ow, oh) at the requested anchor
// inside bounds, inset by the margin where there is room.
func anchorPoint(position string, bounds image.Rectangle, ow, oh int) image.Point {
	maxX := bounds.Dx() - ow
	maxY := bounds.Dy() - oh

	var x, y int
	switch position {
	case model.PosTopLeft:
		x, y = watermarkMargin, watermarkMargin
	case model.PosTopRight:
		x, y = maxX-watermarkMargin, watermarkMargin
	case model.PosBottomLeft:
		x, y = watermarkMargin, maxY-watermarkMargin
	case model.PosCenter:
		x, y = maxX/2, maxY/2
	default: // bottom-right
		x, y = maxX-watermarkMargin, maxY-watermarkMargin
	}

	return image.Pt(clamp(x, 0, maxX), clamp(y, 0, maxY))
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package canvas implements the dispose/blend state machine that turns a
// sequence of decoded frame rasters, each positioned on a shared canvas,
// into the composited RGBA output a viewer actually displays.
//
// It generalizes a dual-buffer animation decoder (a current canvas plus
// a single "disposed" copy of the previous frame) to APNG's three
// dispose operations, which additionally need a second rolling snapshot
// two frames back to implement dispose_op=previous.
package canvas

import (
	"fmt"
	"image"
	"image/color"

	"github.com/apngcore/apng/internal/pngchunk"
	"github.com/apngcore/apng/internal/synth"
)

// Frame is one positioned raster ready to be composited onto the canvas.
type Frame struct {
	Index   int
	Raster  *synth.RGBA
	XOffset int
	YOffset int
	Dispose pngchunk.DisposeOp
	Blend   pngchunk.BlendOp
}

// Bounds returns the frame's rectangle clamped to the canvas.
func (f Frame) Bounds(canvasW, canvasH int) image.Rectangle {
	r := image.Rect(f.XOffset, f.YOffset, f.XOffset+f.Raster.Width, f.YOffset+f.Raster.Height)
	return r.Intersect(image.Rect(0, 0, canvasW, canvasH))
}

// Compositor holds the live canvas plus the two rolling output snapshots
// (current_output, previous_output) the dispose_op=previous case needs.
// previousOutput/currentOutput start nil and stay nil until enough frames
// have been rendered to populate them, which is what makes dispose=previous
// on frame 0 fall back to background automatically instead of needing a
// special first-frame branch.
type Compositor struct {
	width, height int

	canvas         *image.NRGBA
	previousOutput *image.NRGBA
	currentOutput  *image.NRGBA

	pendingDispose pngchunk.DisposeOp
	pendingRect    image.Rectangle
}

// New allocates a Compositor for a canvas of the given size, transparent
// throughout.
func New(width, height int) *Compositor {
	return &Compositor{
		width:  width,
		height: height,
		canvas: image.NewNRGBA(image.Rect(0, 0, width, height)),
	}
}

// Reset returns the compositor to its initial, all-transparent state.
func (c *Compositor) Reset() {
	clearCanvas(c.canvas)
	c.previousOutput = nil
	c.currentOutput = nil
	c.pendingDispose = pngchunk.DisposeNone
	c.pendingRect = image.Rectangle{}
}

// Render applies the dispose stage for the previously rendered frame, the
// blend stage for f, and returns a new snapshot the caller owns outright
// (it never aliases the compositor's internal buffers). Rendering index 0
// always clears the entire canvas and drops both rolling snapshots first,
// whether this is the animation's first pass or a later lap wrapping back
// around to frame 0 — dispose/blend state from the frame before it must
// never leak into a new loop.
func (c *Compositor) Render(f Frame) (*image.NRGBA, error) {
	if f.Raster == nil {
		return nil, fmt.Errorf("canvas: frame has no raster")
	}

	if f.Index == 0 {
		clearCanvas(c.canvas)
		c.previousOutput = nil
		c.currentOutput = nil
		c.pendingDispose = pngchunk.DisposeNone
		c.pendingRect = image.Rectangle{}
	} else {
		c.disposePrevious()
	}

	rect := f.Bounds(c.width, c.height)
	c.compositeFrame(f, rect)

	snap := image.NewNRGBA(c.canvas.Bounds())
	copy(snap.Pix, c.canvas.Pix)

	c.previousOutput = c.currentOutput
	c.currentOutput = snap
	c.pendingDispose = f.Dispose
	c.pendingRect = rect
	return snap, nil
}

// disposePrevious acts on the region and dispose op recorded by the
// previous Render call, before the current frame gets composited.
func (c *Compositor) disposePrevious() {
	switch c.pendingDispose {
	case pngchunk.DisposeNone:
		// canvas already reflects the previous frame; nothing to do.
	case pngchunk.DisposeBackground:
		fillRect(c.canvas, c.pendingRect, color.NRGBA{})
	case pngchunk.DisposePrevious:
		if c.previousOutput != nil {
			copy(c.canvas.Pix, c.previousOutput.Pix)
		} else {
			// The disposed frame was the first frame ever rendered (or
			// the one right after a Reset); there is no earlier output
			// to restore to, so fall back to clearing its region.
			fillRect(c.canvas, c.pendingRect, color.NRGBA{})
		}
	}
}

func (c *Compositor) compositeFrame(f Frame, rect image.Rectangle) {
	if rect.Empty() {
		return
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		srcY := y - f.YOffset
		for x := rect.Min.X; x < rect.Max.X; x++ {
			srcX := x - f.XOffset
			si := (srcY*f.Raster.Width + srcX) * 4
			src := color.NRGBA{f.Raster.Pix[si], f.Raster.Pix[si+1], f.Raster.Pix[si+2], f.Raster.Pix[si+3]}
			if f.Blend == pngchunk.BlendSource || src.A == 0xff {
				c.canvas.SetNRGBA(x, y, src)
				continue
			}
			dst := c.canvas.NRGBAAt(x, y)
			c.canvas.SetNRGBA(x, y, alphaBlendNRGBA(src, dst))
		}
	}
}

func clearCanvas(img *image.NRGBA) {
	for i := range img.Pix {
		img.Pix[i] = 0
	}
}

func fillRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	rect = rect.Intersect(img.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

// alphaBlendNRGBA composites src over dst using non-premultiplied alpha,
// matching the "src over dst" formula libwebp's BlendPixelNonPremult uses:
// result alpha is src+dst scaled by their complements, and each color
// channel is a weighted blend scaled back out of premultiplied space.
func alphaBlendNRGBA(src, dst color.NRGBA) color.NRGBA {
	if src.A == 0 {
		return dst
	}
	srcA := uint32(src.A)
	dstA := uint32(dst.A)
	blendA := srcA + (dstA*(255-srcA))/255
	if blendA == 0 {
		return color.NRGBA{}
	}
	scale := (1 << 24) / blendA
	blend := func(s, d uint8) uint8 {
		sc := uint32(s) * srcA
		dc := uint32(d) * dstA * (255 - srcA) / 255
		return uint8(((sc + dc) * scale) >> 24)
	}
	return color.NRGBA{
		R: blend(src.R, dst.R),
		G: blend(src.G, dst.G),
		B: blend(src.B, dst.B),
		A: uint8(blendA),
	}
}

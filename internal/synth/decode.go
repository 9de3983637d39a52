package synth

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/apngcore/apng/internal/pngchunk"
)

// ErrUnsupportedColorType is returned by DecodeRaster for color types it
// cannot reconstruct pixels for.
type ErrUnsupportedColorType struct{ ColorType pngchunk.ColorType }

func (e *ErrUnsupportedColorType) Error() string {
	return fmt.Sprintf("synth: unsupported color type %d", e.ColorType)
}

// ErrPaletteMissing is returned by DecodeRaster when an indexed-color
// frame has no PLTE data to expand its sample indices against.
var ErrPaletteMissing = fmt.Errorf("synth: indexed-color frame has no PLTE chunk")

// RGBA is a raw, unmanaged top-left-origin RGBA8 raster: 4 bytes/pixel,
// row-major, non-premultiplied alpha.
type RGBA struct {
	Pix    []byte
	Width  int
	Height int
}

// DecodeRaster inflates a frame's concatenated IDAT payload and applies
// PNG's per-scanline filtering to recover raw pixels, upconverting
// grayscale/grayscale-alpha/truecolor/indexed into non-premultiplied
// RGBA8 so the compositor only ever deals with one pixel format.
// plte/trns are the stream's PLTE/tRNS chunk data (may be nil unless
// ihdr.ColorType is ColorIndexed, in which case plte is required).
func DecodeRaster(ihdr pngchunk.IHDR, idat []byte, plte, trns []byte) (*RGBA, error) {
	if ihdr.BitDepth != 8 {
		return nil, fmt.Errorf("synth: unsupported bit depth %d", ihdr.BitDepth)
	}
	if ihdr.InterlaceMethod != 0 {
		return nil, fmt.Errorf("synth: interlaced APNG frames are not supported")
	}
	channels := ihdr.ColorType.Channels()
	if channels == 0 {
		return nil, &ErrUnsupportedColorType{ColorType: ihdr.ColorType}
	}
	if ihdr.ColorType == pngchunk.ColorIndexed && len(plte) == 0 {
		return nil, ErrPaletteMissing
	}

	zr, err := zlib.NewReader(bytes.NewReader(idat))
	if err != nil {
		return nil, fmt.Errorf("synth: zlib: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("synth: inflate: %w", err)
	}

	w, h := int(ihdr.Width), int(ihdr.Height)
	stride := w*channels + 1 // +1 filter-type byte per row
	if len(raw) < stride*h {
		return nil, fmt.Errorf("synth: inflated data too short: %d < %d", len(raw), stride*h)
	}

	out := &RGBA{Pix: make([]byte, w*h*4), Width: w, Height: h}
	prev := make([]byte, w*channels)
	cur := make([]byte, w*channels)

	for y := 0; y < h; y++ {
		row := raw[y*stride : (y+1)*stride]
		filterType := row[0]
		copy(cur, row[1:])
		if err := unfilter(filterType, cur, prev, channels); err != nil {
			return nil, err
		}
		dstRow := out.Pix[y*w*4 : (y+1)*w*4]
		if ihdr.ColorType == pngchunk.ColorIndexed {
			if err := expandIndexedRow(dstRow, cur, plte, trns); err != nil {
				return nil, err
			}
		} else {
			expandRow(dstRow, cur, ihdr.ColorType, channels)
		}
		prev, cur = cur, prev
	}
	return out, nil
}

// expandIndexedRow maps each palette-index sample in src to its RGB
// triple from plte, with an alpha looked up from trns (opaque if trns is
// shorter than the index, per the PNG spec's default).
func expandIndexedRow(dst, src, plte, trns []byte) error {
	for x, idx := range src {
		off := int(idx) * 3
		if off+3 > len(plte) {
			return fmt.Errorf("synth: palette index %d out of range (palette has %d entries)", idx, len(plte)/3)
		}
		a := byte(0xff)
		if int(idx) < len(trns) {
			a = trns[idx]
		}
		dst[x*4+0] = plte[off+0]
		dst[x*4+1] = plte[off+1]
		dst[x*4+2] = plte[off+2]
		dst[x*4+3] = a
	}
	return nil
}

func unfilter(filterType byte, cur, prev []byte, channels int) error {
	switch filterType {
	case 0: // None
	case 1: // Sub
		for i := channels; i < len(cur); i++ {
			cur[i] += cur[i-channels]
		}
	case 2: // Up
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3: // Average
		for i := range cur {
			var left byte
			if i >= channels {
				left = cur[i-channels]
			}
			cur[i] += byte((int(left) + int(prev[i])) / 2)
		}
	case 4: // Paeth
		for i := range cur {
			var left, upLeft byte
			if i >= channels {
				left = cur[i-channels]
				upLeft = prev[i-channels]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	default:
		return fmt.Errorf("synth: unknown filter type %d", filterType)
	}
	return nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	default:
		return c
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func expandRow(dst, src []byte, colorType pngchunk.ColorType, channels int) {
	w := len(src) / channels
	switch colorType {
	case pngchunk.ColorGrayscale:
		for x := 0; x < w; x++ {
			g := src[x]
			dst[x*4+0], dst[x*4+1], dst[x*4+2], dst[x*4+3] = g, g, g, 0xff
		}
	case pngchunk.ColorGrayscaleAlpha:
		for x := 0; x < w; x++ {
			g, a := src[x*2], src[x*2+1]
			dst[x*4+0], dst[x*4+1], dst[x*4+2], dst[x*4+3] = g, g, g, a
		}
	case pngchunk.ColorTruecolor:
		for x := 0; x < w; x++ {
			dst[x*4+0] = src[x*3+0]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	case pngchunk.ColorTruecolorAlpha:
		copy(dst, src)
	}
}

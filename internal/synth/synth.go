// Package synth rebuilds one animation frame's chunk payloads into a
// standalone, independently-decodable PNG byte stream, and separately
// decodes a frame's raw raster pixels for the compositor.
package synth

import (
	"sync"

	"github.com/apngcore/apng/internal/pngchunk"
)

// bufPool is a single pool of reusable scratch buffers (not bucketed by
// size), for concatenating a frame's IDAT/fdAT payload chunks ahead of
// re-wrapping them as one IDAT.
var bufPool = sync.Pool{New: func() any { return new([]byte) }}

func getBuf() *[]byte {
	b := bufPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

func putBuf(b *[]byte) {
	if cap(*b) > 4<<20 {
		return // don't hold on to unusually large buffers
	}
	bufPool.Put(b)
}

// Frame assembles a standalone PNG for one animation frame.
//
// ihdr must already carry the frame's own width/height (see
// pngchunk.IHDR.WithDimensions). sharedPrefix is the verbatim framed bytes
// of every ancillary chunk that belongs before the image data (palette,
// transparency, gamma, ...). payloads is the frame's ordered, already
// sequence-stripped compressed image bytes, each chunk's data concatenated
// into a single IDAT the way a non-animated PNG would carry it.
func Frame(ihdr pngchunk.IHDR, sharedPrefix []byte, payloads [][]byte) []byte {
	ihdrData := ihdr.Encode()

	total := len(pngchunk.Signature) +
		pngchunk.EncodedLen(len(ihdrData)) +
		len(sharedPrefix)

	dataLen := 0
	for _, p := range payloads {
		dataLen += len(p)
	}
	total += pngchunk.EncodedLen(dataLen)
	total += pngchunk.EncodedLen(0) // IEND

	out := make([]byte, 0, total)
	out = append(out, pngchunk.Signature[:]...)
	out = pngchunk.Encode(out, pngchunk.TypeIHDR, ihdrData)
	out = append(out, sharedPrefix...)

	if len(payloads) == 1 {
		out = pngchunk.Encode(out, pngchunk.TypeIDAT, payloads[0])
	} else {
		buf := getBuf()
		defer putBuf(buf)
		for _, p := range payloads {
			*buf = append(*buf, p...)
		}
		out = pngchunk.Encode(out, pngchunk.TypeIDAT, *buf)
	}

	out = pngchunk.Encode(out, pngchunk.TypeIEND, nil)
	return out
}

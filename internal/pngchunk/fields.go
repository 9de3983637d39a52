package pngchunk

import (
	"encoding/binary"
	"fmt"
)

// ColorType mirrors the PNG IHDR color type byte.
type ColorType uint8

const (
	ColorGrayscale      ColorType = 0
	ColorTruecolor      ColorType = 2
	ColorIndexed        ColorType = 3
	ColorGrayscaleAlpha ColorType = 4
	ColorTruecolorAlpha ColorType = 6
)

// IHDR is the decoded image header chunk.
type IHDR struct {
	Width             uint32
	Height            uint32
	BitDepth          uint8
	ColorType         ColorType
	CompressionMethod uint8
	FilterMethod      uint8
	InterlaceMethod   uint8
}

// IHDRSize is the fixed data length of an IHDR chunk.
const IHDRSize = 13

// DecodeIHDR parses an IHDR chunk's data.
func DecodeIHDR(data []byte) (IHDR, error) {
	if len(data) != IHDRSize {
		return IHDR{}, fmt.Errorf("pngchunk: IHDR length %d, want %d", len(data), IHDRSize)
	}
	return IHDR{
		Width:             binary.BigEndian.Uint32(data[0:4]),
		Height:            binary.BigEndian.Uint32(data[4:8]),
		BitDepth:          data[8],
		ColorType:         ColorType(data[9]),
		CompressionMethod: data[10],
		FilterMethod:      data[11],
		InterlaceMethod:   data[12],
	}, nil
}

// Encode serializes an IHDR back to its 13-byte chunk data form, used by
// the synthesizer to emit a frame-dimensioned IHDR for a standalone PNG.
func (h IHDR) Encode() []byte {
	b := make([]byte, IHDRSize)
	binary.BigEndian.PutUint32(b[0:4], h.Width)
	binary.BigEndian.PutUint32(b[4:8], h.Height)
	b[8] = h.BitDepth
	b[9] = byte(h.ColorType)
	b[10] = h.CompressionMethod
	b[11] = h.FilterMethod
	b[12] = h.InterlaceMethod
	return b
}

// WithDimensions returns a copy of h with Width/Height replaced, used to
// rewrite IHDR to a single frame's dimensions.
func (h IHDR) WithDimensions(w, hgt uint32) IHDR {
	h.Width, h.Height = w, hgt
	return h
}

// Channels returns the number of color+alpha channels implied by the
// color type, as used for scanline stride computation.
func (c ColorType) Channels() int {
	switch c {
	case ColorGrayscale, ColorIndexed:
		return 1
	case ColorGrayscaleAlpha:
		return 2
	case ColorTruecolor:
		return 3
	case ColorTruecolorAlpha:
		return 4
	default:
		return 0
	}
}

// ACTL is the decoded animation control chunk.
type ACTL struct {
	NumFrames uint32
	NumPlays  uint32 // 0 means infinite
}

// ACTLSize is the fixed data length of an acTL chunk.
const ACTLSize = 8

func DecodeACTL(data []byte) (ACTL, error) {
	if len(data) != ACTLSize {
		return ACTL{}, fmt.Errorf("pngchunk: acTL length %d, want %d", len(data), ACTLSize)
	}
	return ACTL{
		NumFrames: binary.BigEndian.Uint32(data[0:4]),
		NumPlays:  binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// DisposeOp is the fcTL dispose_op field.
type DisposeOp uint8

const (
	DisposeNone       DisposeOp = 0
	DisposeBackground DisposeOp = 1
	DisposePrevious   DisposeOp = 2
)

// BlendOp is the fcTL blend_op field.
type BlendOp uint8

const (
	BlendSource BlendOp = 0
	BlendOver   BlendOp = 1
)

// FCTL is the decoded frame control chunk.
type FCTL struct {
	SequenceNumber uint32
	Width          uint32
	Height         uint32
	XOffset        uint32
	YOffset        uint32
	DelayNum       uint16
	DelayDen       uint16
	Dispose        DisposeOp
	Blend          BlendOp
}

// FCTLSize is the fixed data length of an fcTL chunk.
const FCTLSize = 26

func DecodeFCTL(data []byte) (FCTL, error) {
	if len(data) != FCTLSize {
		return FCTL{}, fmt.Errorf("pngchunk: fcTL length %d, want %d", len(data), FCTLSize)
	}
	f := FCTL{
		SequenceNumber: binary.BigEndian.Uint32(data[0:4]),
		Width:          binary.BigEndian.Uint32(data[4:8]),
		Height:         binary.BigEndian.Uint32(data[8:12]),
		XOffset:        binary.BigEndian.Uint32(data[12:16]),
		YOffset:        binary.BigEndian.Uint32(data[16:20]),
		DelayNum:       binary.BigEndian.Uint16(data[20:22]),
		DelayDen:       binary.BigEndian.Uint16(data[22:24]),
		Dispose:        DisposeOp(data[24]),
		Blend:          BlendOp(data[25]),
	}
	return f, nil
}

// DelaySeconds converts the fcTL delay fraction to seconds, treating a
// zero denominator as the PNG-spec-mandated shorthand for 1/100s.
func (f FCTL) DelaySeconds() float64 {
	den := f.DelayDen
	if den == 0 {
		den = 100
	}
	return float64(f.DelayNum) / float64(den)
}

// FDATSequencePrefix is the width of an fdAT chunk's leading sequence
// number, stripped before the remaining bytes are treated as zlib stream
// data identical in shape to an IDAT chunk's data.
const FDATSequencePrefix = 4

// DecodeFDAT splits an fdAT chunk's data into its sequence number and the
// trailing compressed image data.
func DecodeFDAT(data []byte) (seq uint32, imageData []byte, err error) {
	if len(data) < FDATSequencePrefix {
		return 0, nil, fmt.Errorf("pngchunk: fdAT shorter than sequence prefix")
	}
	return binary.BigEndian.Uint32(data[:FDATSequencePrefix]), data[FDATSequencePrefix:], nil
}

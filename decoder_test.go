package apng

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/apngcore/apng/internal/pngchunk"
)

func deflate(t *testing.T, rows [][]byte) []byte {
	t.Helper()
	var raw []byte
	for _, row := range rows {
		raw = append(raw, 0) // filter type None
		raw = append(raw, row...)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

func solidRows(w, h int, r, g, b, a byte) [][]byte {
	row := make([]byte, 0, w*4)
	for x := 0; x < w; x++ {
		row = append(row, r, g, b, a)
	}
	rows := make([][]byte, h)
	for y := range rows {
		rows[y] = row
	}
	return rows
}

// buildAPNG assembles a minimal two-frame APNG (form A: frame 0 shares its
// IDAT with the default image) entirely in memory for testing.
func buildAPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := append([]byte{}, pngchunk.Signature[:]...)

	ihdr := pngchunk.IHDR{Width: uint32(w), Height: uint32(h), BitDepth: 8, ColorType: pngchunk.ColorTruecolorAlpha}
	buf = pngchunk.Encode(buf, pngchunk.TypeIHDR, ihdr.Encode())

	actl := make([]byte, 8)
	binary.BigEndian.PutUint32(actl[0:4], 2)
	binary.BigEndian.PutUint32(actl[4:8], 0)
	buf = pngchunk.Encode(buf, pngchunk.TypeACTL, actl)

	fctl0 := encodeFCTL(0, w, h, 0, 0, 1, 10, pngchunk.DisposeNone, pngchunk.BlendSource)
	buf = pngchunk.Encode(buf, pngchunk.TypeFCTL, fctl0)
	frame0 := deflate(t, solidRows(w, h, 0xff, 0, 0, 0xff))
	buf = pngchunk.Encode(buf, pngchunk.TypeIDAT, frame0)

	fctl1 := encodeFCTL(1, w, h, 0, 0, 1, 10, pngchunk.DisposeNone, pngchunk.BlendSource)
	buf = pngchunk.Encode(buf, pngchunk.TypeFCTL, fctl1)
	frame1 := deflate(t, solidRows(w, h, 0, 0, 0xff, 0xff))
	fdatData := append([]byte{0, 0, 0, 2}, frame1...)
	buf = pngchunk.Encode(buf, pngchunk.TypeFDAT, fdatData)

	buf = pngchunk.Encode(buf, pngchunk.TypeIEND, nil)
	return buf
}

func encodeFCTL(seq uint32, w, h, x, y int, delayNum, delayDen uint16, dispose pngchunk.DisposeOp, blend pngchunk.BlendOp) []byte {
	b := make([]byte, pngchunk.FCTLSize)
	binary.BigEndian.PutUint32(b[0:4], seq)
	binary.BigEndian.PutUint32(b[4:8], uint32(w))
	binary.BigEndian.PutUint32(b[8:12], uint32(h))
	binary.BigEndian.PutUint32(b[12:16], uint32(x))
	binary.BigEndian.PutUint32(b[16:20], uint32(y))
	binary.BigEndian.PutUint16(b[20:22], delayNum)
	binary.BigEndian.PutUint16(b[22:24], delayDen)
	b[24] = byte(dispose)
	b[25] = byte(blend)
	return b
}

func TestNewDecoderRendersFirstFrame(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	if d.NumFrames() != 2 {
		t.Fatalf("NumFrames = %d, want 2", d.NumFrames())
	}
	img, err := d.Output()
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 0xff || g>>8 != 0 || b>>8 != 0 || a>>8 != 0xff {
		t.Fatalf("frame 0 pixel = (%d,%d,%d,%d), want red", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestRenderNextSyncAdvancesAndWraps(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	img, err := d.RenderNextSync()
	if err != nil {
		t.Fatalf("RenderNextSync: %v", err)
	}
	_, _, b, _ := img.At(0, 0).RGBA()
	if b>>8 != 0xff {
		t.Fatalf("frame 1 should be blue, got b=%d", b>>8)
	}
	if d.CurrentIndex() != 1 {
		t.Fatalf("CurrentIndex = %d, want 1", d.CurrentIndex())
	}

	img, err = d.RenderNextSync()
	if err != nil {
		t.Fatalf("RenderNextSync wrap: %v", err)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if r>>8 != 0xff {
		t.Fatalf("wrapped frame should be red again, got r=%d", r>>8)
	}
}

func TestResetReturnsToFrameZero(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	if _, err := d.RenderNextSync(); err != nil {
		t.Fatalf("RenderNextSync: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if d.CurrentIndex() != 0 {
		t.Fatalf("CurrentIndex after Reset = %d, want 0", d.CurrentIndex())
	}
}

// buildAPNGWithBadThirdFrame builds a 3-frame APNG whose frame 2 fcTL
// carries the wrong sequence_number, so only its assembly (not frame 0's
// or frame 1's) fails.
func buildAPNGWithBadThirdFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := append([]byte{}, pngchunk.Signature[:]...)

	ihdr := pngchunk.IHDR{Width: uint32(w), Height: uint32(h), BitDepth: 8, ColorType: pngchunk.ColorTruecolorAlpha}
	buf = pngchunk.Encode(buf, pngchunk.TypeIHDR, ihdr.Encode())

	actl := make([]byte, 8)
	binary.BigEndian.PutUint32(actl[0:4], 3)
	buf = pngchunk.Encode(buf, pngchunk.TypeACTL, actl)

	fctl0 := encodeFCTL(0, w, h, 0, 0, 1, 10, pngchunk.DisposeNone, pngchunk.BlendSource)
	buf = pngchunk.Encode(buf, pngchunk.TypeFCTL, fctl0)
	frame0 := deflate(t, solidRows(w, h, 0xff, 0, 0, 0xff))
	buf = pngchunk.Encode(buf, pngchunk.TypeIDAT, frame0)

	fctl1 := encodeFCTL(1, w, h, 0, 0, 1, 10, pngchunk.DisposeNone, pngchunk.BlendSource)
	buf = pngchunk.Encode(buf, pngchunk.TypeFCTL, fctl1)
	frame1 := deflate(t, solidRows(w, h, 0, 0, 0xff, 0xff))
	fdat1 := append([]byte{0, 0, 0, 2}, frame1...)
	buf = pngchunk.Encode(buf, pngchunk.TypeFDAT, fdat1)

	// Frame 2's fcTL should carry sequence_number 3; 99 breaks only this
	// frame's assembly.
	fctl2 := encodeFCTL(99, w, h, 0, 0, 1, 10, pngchunk.DisposeNone, pngchunk.BlendSource)
	buf = pngchunk.Encode(buf, pngchunk.TypeFCTL, fctl2)
	frame2 := deflate(t, solidRows(w, h, 0, 0xff, 0, 0xff))
	fdat2 := append([]byte{0, 0, 0, 4}, frame2...)
	buf = pngchunk.Encode(buf, pngchunk.TypeFDAT, fdat2)

	buf = pngchunk.Encode(buf, pngchunk.TypeIEND, nil)
	return buf
}

func TestCorruptLaterFrameDoesNotBlockConstruction(t *testing.T) {
	stream := buildAPNGWithBadThirdFrame(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v, want a Decoder built off frame 0 despite frame 2's corruption", err)
	}
	defer d.Close()

	img, err := d.Output()
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if r>>8 != 0xff {
		t.Fatalf("frame 0 pixel r=%d, want 0xff (frame 0 unaffected by frame 2's fault)", r>>8)
	}

	if _, err := d.RenderNextSync(); err != nil {
		t.Fatalf("RenderNextSync to frame 1: %v, want success", err)
	}

	if _, err := d.RenderNextSync(); err == nil {
		t.Fatal("RenderNextSync to frame 2 succeeded, want the wrong-sequence-number fault to surface here")
	}
	if _, err := d.RenderNextSync(); err == nil {
		t.Fatal("second RenderNextSync past the fault succeeded, want it to stay terminal")
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("Reset after a later frame's fault: %v, want it to retry from the known-good frame 0", err)
	}
	if d.CurrentIndex() != 0 {
		t.Fatalf("CurrentIndex after Reset = %d, want 0", d.CurrentIndex())
	}
	img, err = d.Output()
	if err != nil {
		t.Fatalf("Output after Reset: %v", err)
	}
	if r, _, _, _ := img.At(0, 0).RGBA(); r>>8 != 0xff {
		t.Fatalf("frame 0 pixel after Reset r=%d, want 0xff", r>>8)
	}
}

func TestStillPNGRejected(t *testing.T) {
	buf := append([]byte{}, pngchunk.Signature[:]...)
	ihdr := pngchunk.IHDR{Width: 1, Height: 1, BitDepth: 8, ColorType: pngchunk.ColorTruecolorAlpha}
	buf = pngchunk.Encode(buf, pngchunk.TypeIHDR, ihdr.Encode())
	buf = pngchunk.Encode(buf, pngchunk.TypeIDAT, deflate(t, solidRows(1, 1, 1, 2, 3, 0xff)))
	buf = pngchunk.Encode(buf, pngchunk.TypeIEND, nil)

	if _, err := NewDecoder(bytes.NewReader(buf)); err != ErrNotAnimated {
		t.Fatalf("err = %v, want ErrNotAnimated", err)
	}
}

func TestFrameBytesProducesStandalonePNG(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	png, err := d.FrameBytes(1)
	if err != nil {
		t.Fatalf("FrameBytes: %v", err)
	}
	if !bytes.HasPrefix(png, pngchunk.Signature[:]) {
		t.Fatal("FrameBytes output missing PNG signature")
	}
}

func TestOnFirstPassDoneFiresEventually(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	ch := make(chan struct{}, 1)
	d.OnFirstPassDone(func() { ch <- struct{}{} })
	<-ch
}

func TestMethodsAfterCloseReturnErrClosedInsteadOfPanicking(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := d.RenderNextSync(); err != ErrClosed {
		t.Fatalf("RenderNextSync after Close: err = %v, want ErrClosed", err)
	}
	if err := d.Reset(); err != ErrClosed {
		t.Fatalf("Reset after Close: err = %v, want ErrClosed", err)
	}
	d.RenderNext() // must not panic
}

func TestEagerFrameDataAvoidsReloadingFromSource(t *testing.T) {
	// A file-backed source, unlike an in-memory one, refuses Load once
	// closed, so a render that still reached the source would fail.
	path := filepath.Join(t.TempDir(), "anim.png")
	if err := os.WriteFile(path, buildAPNG(t, 2, 2), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d, err := Open(path, WithEagerFrameData())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.src.Close(); err != nil {
		t.Fatalf("closing underlying source: %v", err)
	}

	if _, err := d.RenderNextSync(); err != nil {
		t.Fatalf("RenderNextSync after source close: %v, want frame data served from the eager cache", err)
	}
}

func TestPreRenderAllFramesOption(t *testing.T) {
	stream := buildAPNG(t, 2, 2)
	d, err := NewDecoder(bytes.NewReader(stream), WithPreRenderAllFrames())
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	img, err := d.RenderNextSync()
	if err != nil {
		t.Fatalf("RenderNextSync: %v", err)
	}
	_, _, b, _ := img.At(0, 0).RGBA()
	if b>>8 != 0xff {
		t.Fatalf("frame 1 should be blue, got b=%d", b>>8)
	}
}

// Package assemble drives a chunk-at-a-time walk over an APNG's chunks,
// turning them into the default image, the shared ancillary chunks every
// synthesized frame needs, and the ordered list of animation frames with
// their image-data chunk references. Frames are produced one at a time
// through Assembler.Next so a caller can build off of frame 0 alone and
// defer (or never perform) the rest of the walk.
package assemble

import (
	"errors"
	"fmt"

	"github.com/apngcore/apng/internal/pngchunk"
	"github.com/apngcore/apng/internal/source"
	"github.com/apngcore/apng/internal/walker"
)

var (
	// ErrNotAnimated is returned when the stream has no acTL chunk: it is
	// a plain still PNG, which this decoder must reject rather than
	// silently treat as a one-frame animation.
	ErrNotAnimated = errors.New("assemble: stream has no acTL chunk (not an APNG)")
	// ErrMultipleAnimControl is returned if more than one acTL chunk
	// appears.
	ErrMultipleAnimControl = errors.New("assemble: multiple acTL chunks")
	// ErrNoFrames is returned when acTL declares zero frames.
	ErrNoFrames = errors.New("assemble: acTL declares zero frames")
	// ErrFrameCountMismatch is returned when the number of fcTL chunks
	// found does not match acTL's declared frame count.
	ErrFrameCountMismatch = errors.New("assemble: frame count does not match acTL")
	// ErrTooManyFrames guards against unreasonable frame counts absent
	// WithUnlimitedFrameCount.
	ErrTooManyFrames = errors.New("assemble: frame count exceeds limit")
	// ErrDone is returned by Assembler.Next once every frame acTL
	// declared has been produced and the trailing IEND consumed.
	ErrDone = errors.New("assemble: no more frames")
)

// ErrWrongSequenceNumber is returned when an fcTL/fdAT's sequence_number
// does not immediately follow the previous one.
type ErrWrongSequenceNumber struct {
	Expected, Got uint32
}

func (e *ErrWrongSequenceNumber) Error() string {
	return fmt.Sprintf("assemble: expected sequence_number %d, got %d", e.Expected, e.Got)
}

// MaxFrames is the default frame-count ceiling: acTL's number_of_frames
// must be strictly less than this unless WithUnlimitedFrameCount lifts
// the cap.
const MaxFrames = 1024

// PayloadChunk is a reference to one image-data chunk's compressed bytes,
// belonging to either the default image or one animation frame. Both
// IDAT and fdAT are kept as a lazy Ref rather than loaded into memory
// here; fdAT's Ref already has its 4-byte sequence-number prefix
// stripped, even though validating that prefix during assembly required
// a transient full load of the chunk.
type PayloadChunk struct {
	Ref    source.Ref
	Length int
}

// Load returns the chunk's image-data bytes by reloading Ref from src.
func (pc PayloadChunk) Load(src source.Source) ([]byte, error) {
	return src.Load(pc.Ref)
}

// Frame is one animation frame: its control data plus the ordered list of
// image-data chunks carrying its compressed pixels.
type Frame struct {
	Control  pngchunk.FCTL
	Payloads []PayloadChunk
}

// Assembly is the result of a pass (complete or still in progress) over
// an APNG stream. Frames is sized to acTL's declared frame count as soon
// as acTL has been read; slots past whatever Assembler has produced so
// far are left at their zero value.
type Assembly struct {
	IHDR   pngchunk.IHDR
	Anim   pngchunk.ACTL
	Frames []Frame

	// SharedPrefix is every ancillary chunk's fully framed bytes
	// (length+type+data+crc) that appeared before the first fcTL/IDAT,
	// excluding IHDR/acTL themselves. It is copied verbatim into every
	// synthesized per-frame PNG.
	SharedPrefix []byte

	// Palette and Transparency hold PLTE's and tRNS's raw chunk data
	// (nil if absent), needed to expand an indexed-color raster to RGBA;
	// their framed bytes are also part of SharedPrefix.
	Palette      []byte
	Transparency []byte

	// DefaultImage holds the chunks a non-APNG-aware viewer decodes: the
	// IDAT run that precedes the first fcTL if one exists (form B, a
	// fallback image distinct from the animation), otherwise frame 0's
	// own IDAT run, which doubles as the default image (form A). It is
	// only populated once the trailing IEND has actually been reached.
	DefaultImage []PayloadChunk
}

// Options controls assembly behavior.
type Options struct {
	SkipChecksum        bool
	UnlimitedFrameCount bool
}

// Assembler incrementally walks an APNG stream, producing one animation
// Frame per call to Next. A caller that only ever calls Next once (for
// frame 0) leaves every chunk past that point unread, so a fault deep in
// the stream never prevents using the frames already assembled.
type Assembler struct {
	w    *walker.Walker
	src  source.Source
	opts Options

	ihdr    pngchunk.IHDR
	anim    pngchunk.ACTL
	sawACTL bool
	nextSeq uint32

	pendingDefault []PayloadChunk
	sharedPrefix   []byte
	palette        []byte
	transparency   []byte
	defaultImage   []PayloadChunk

	curFrame      *Frame
	framesEmitted int
	done          bool
}

// NewAssembler reads the signature and IHDR from src and returns an
// Assembler positioned to produce frame 0 on the first call to Next.
func NewAssembler(src source.Source, opts Options) (*Assembler, error) {
	w, err := walker.New(src, opts.SkipChecksum)
	if err != nil {
		return nil, err
	}

	hdr, err := w.Peek()
	if err != nil {
		return nil, err
	}
	if hdr.Type != pngchunk.TypeIHDR {
		return nil, fmt.Errorf("assemble: stream does not start with IHDR (got %s)", hdr.Type)
	}
	c, err := w.ConsumeTyped()
	if err != nil {
		return nil, err
	}
	ihdr, err := pngchunk.DecodeIHDR(c.Data)
	if err != nil {
		return nil, err
	}

	return &Assembler{w: w, src: src, opts: opts, ihdr: ihdr}, nil
}

// IHDR is the stream's image header, known from construction.
func (a *Assembler) IHDR() pngchunk.IHDR { return a.ihdr }

// Anim is acTL's decoded contents, known once the first Next call has
// read past it (which happens no later than the call that produces
// frame 0: that call fails with ErrNotAnimated if frame 0 ends before
// any acTL has been read).
func (a *Assembler) Anim() pngchunk.ACTL { return a.anim }

// SharedPrefix, Palette, and Transparency mirror Assembly's fields; they
// are stable once frame 0 has been produced, since only chunks before
// the first frame populate them.
func (a *Assembler) SharedPrefix() []byte { return a.sharedPrefix }
func (a *Assembler) Palette() []byte      { return a.palette }
func (a *Assembler) Transparency() []byte { return a.transparency }

// DefaultImage is only populated once Next has consumed the trailing
// IEND (the call that returns the last frame, or ErrDone).
func (a *Assembler) DefaultImage() []PayloadChunk { return a.defaultImage }

// Next assembles and returns the next animation frame in stream order.
// Once every frame acTL declared has been produced and IEND consumed, it
// returns ErrDone; any call after that also returns ErrDone. A non-nil,
// non-ErrDone error is sticky in spirit (the stream position it leaves
// behind reflects exactly where the fault was hit) but Next does not
// itself remember it was called before: a caller that wants "subsequent
// calls don't recover" semantics should stop calling Next after the
// first error, as Decoder does.
func (a *Assembler) Next() (Frame, error) {
	if a.done {
		return Frame{}, ErrDone
	}
	for {
		hdr, err := a.w.Peek()
		if err == walker.ErrEOF {
			return Frame{}, fmt.Errorf("assemble: stream ended without IEND")
		}
		if err != nil {
			return Frame{}, err
		}

		switch hdr.Type {
		case pngchunk.TypeACTL:
			if a.sawACTL {
				return Frame{}, ErrMultipleAnimControl
			}
			c, err := a.w.ConsumeTyped()
			if err != nil {
				return Frame{}, err
			}
			anim, err := pngchunk.DecodeACTL(c.Data)
			if err != nil {
				return Frame{}, err
			}
			if anim.NumFrames == 0 {
				return Frame{}, ErrNoFrames
			}
			limit := uint32(MaxFrames)
			if !a.opts.UnlimitedFrameCount && anim.NumFrames >= limit {
				return Frame{}, fmt.Errorf("%w: %d >= %d", ErrTooManyFrames, anim.NumFrames, limit)
			}
			a.anim = anim
			a.sawACTL = true

		case pngchunk.TypeFCTL:
			if a.curFrame != nil {
				if !a.sawACTL {
					return Frame{}, ErrNotAnimated
				}
				f := *a.curFrame
				a.curFrame = nil
				a.framesEmitted++
				return f, nil
			}
			c, err := a.w.ConsumeTyped()
			if err != nil {
				return Frame{}, err
			}
			fctl, err := pngchunk.DecodeFCTL(c.Data)
			if err != nil {
				return Frame{}, err
			}
			if fctl.SequenceNumber != a.nextSeq {
				return Frame{}, &ErrWrongSequenceNumber{Expected: a.nextSeq, Got: fctl.SequenceNumber}
			}
			a.nextSeq++
			a.curFrame = &Frame{Control: fctl}

		case pngchunk.TypeIDAT:
			ref, ihdr2, err := a.w.ConsumeIndexed()
			if err != nil {
				return Frame{}, err
			}
			pc := PayloadChunk{Ref: ref, Length: int(ihdr2.Length)}
			if a.curFrame != nil {
				a.curFrame.Payloads = append(a.curFrame.Payloads, pc)
				if a.framesEmitted == 0 {
					// Form A: no separate fallback image was emitted, so
					// frame 0's own IDAT run doubles as the default image
					// a non-APNG-aware viewer decodes.
					a.pendingDefault = append(a.pendingDefault, pc)
				}
			} else {
				a.pendingDefault = append(a.pendingDefault, pc)
			}

		case pngchunk.TypeFDAT:
			ref, _, err := a.w.ConsumeIndexed()
			if err != nil {
				return Frame{}, err
			}
			// The sequence number prefix must be checked now, while the
			// chunk is still at hand; this load is transient (its result
			// is discarded right after), since the image data itself is
			// kept as a lazy Ref past the prefix, not retained here. A
			// file-backed source never holds fdAT's pixel bytes in memory
			// beyond this one validating read.
			full, err := a.src.Load(ref)
			if err != nil {
				return Frame{}, err
			}
			seq, _, err := pngchunk.DecodeFDAT(full)
			if err != nil {
				return Frame{}, err
			}
			if seq != a.nextSeq {
				return Frame{}, &ErrWrongSequenceNumber{Expected: a.nextSeq, Got: seq}
			}
			a.nextSeq++
			if a.curFrame == nil {
				return Frame{}, errors.New("assemble: fdAT before any fcTL")
			}
			imgRef := ref.Skip(pngchunk.FDATSequencePrefix)
			a.curFrame.Payloads = append(a.curFrame.Payloads, PayloadChunk{Ref: imgRef, Length: imgRef.Len()})

		case pngchunk.TypeIEND:
			if _, err := a.w.ConsumeTyped(); err != nil {
				return Frame{}, err
			}
			var out Frame
			haveFrame := a.curFrame != nil
			if haveFrame {
				out = *a.curFrame
				a.curFrame = nil
				a.framesEmitted++
			}
			a.done = true
			if !a.sawACTL {
				return Frame{}, ErrNotAnimated
			}
			if uint32(a.framesEmitted) != a.anim.NumFrames {
				return Frame{}, fmt.Errorf("%w: acTL says %d, found %d", ErrFrameCountMismatch, a.anim.NumFrames, a.framesEmitted)
			}
			a.defaultImage = a.pendingDefault
			if haveFrame {
				return out, nil
			}
			return Frame{}, ErrDone

		default:
			// Any other ancillary chunk (PLTE, tRNS, gAMA, iCCP, ...).
			// Only chunks preceding the first frame are part of the
			// shared prefix every synthesized frame needs; ancillary
			// chunks that happen to appear after animation has started
			// are rare and not required for standalone decodability, so
			// they are read (to keep the stream walk moving and CRC
			// verification consistent) but not retained past that point.
			c, err := a.w.ConsumeTyped()
			if err != nil {
				return Frame{}, err
			}
			if a.framesEmitted == 0 && a.curFrame == nil {
				a.sharedPrefix = pngchunk.Encode(a.sharedPrefix, c.Type, c.Data)
				switch c.Type {
				case pngchunk.TypePLTE:
					a.palette = append([]byte{}, c.Data...)
				case pngchunk.TypeTRNS:
					a.transparency = append([]byte{}, c.Data...)
				}
			}
		}
	}
}

// Assemble drains an entire stream through a fresh Assembler in one
// synchronous pass, for callers that want every frame's metadata up
// front unconditionally (the root package drives the incremental
// Assembler directly instead, so a fault past frame 0 doesn't block
// constructing a Decoder).
func Assemble(src source.Source, opts Options) (*Assembly, error) {
	a, err := NewAssembler(src, opts)
	if err != nil {
		return nil, err
	}
	asm := &Assembly{IHDR: a.IHDR()}
	for {
		f, err := a.Next()
		if err == ErrDone {
			break
		}
		if err != nil {
			return nil, err
		}
		asm.Frames = append(asm.Frames, f)
	}
	asm.Anim = a.Anim()
	asm.SharedPrefix = a.SharedPrefix()
	asm.Palette = a.Palette()
	asm.Transparency = a.Transparency()
	asm.DefaultImage = a.DefaultImage()
	return asm, nil
}

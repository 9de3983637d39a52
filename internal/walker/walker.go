// Package walker implements the chunk-at-a-time traversal the frame
// assembler drives: peek a chunk's header, then decide whether to
// consume it as a typed value, keep only a reference to its bytes, or
// skip over it.
package walker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/apngcore/apng/internal/pngchunk"
	"github.com/apngcore/apng/internal/source"
)

// ErrEOF is returned by Peek when the stream ends before a full 8-byte
// chunk header could be read.
var ErrEOF = errors.New("walker: end of stream")

// Walker holds a cursor over a Source and exposes a peek-then-consume
// primitive over PNG chunk framing.
type Walker struct {
	src      source.Source
	skipCRC  bool
	offset   int64 // stream position of the next unread chunk header
	peeked   *pngchunk.Header
	peekData []byte // header+data+crc bytes backing the peeked header
}

// New builds a Walker over src, which must be positioned at the start of
// an 8-byte PNG signature.
func New(src source.Source, skipCRC bool) (*Walker, error) {
	var sig [8]byte
	if _, err := io.ReadFull(readerFunc(src.Next), sig[:]); err != nil {
		return nil, fmt.Errorf("walker: reading signature: %w", err)
	}
	if sig != pngchunk.Signature {
		return nil, pngchunk.ErrBadSignature
	}
	return &Walker{src: src, skipCRC: skipCRC, offset: 8}, nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Peek reads the next chunk's framing into an internal buffer (without
// advancing past it) and returns its header. Calling Peek again before a
// Consume*/Skip call returns the same header.
func (w *Walker) Peek() (pngchunk.Header, error) {
	if w.peeked != nil {
		return *w.peeked, nil
	}
	var hdrBuf [8]byte
	if _, err := io.ReadFull(readerFunc(w.src.Next), hdrBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return pngchunk.Header{}, ErrEOF
		}
		return pngchunk.Header{}, err
	}
	hdr, err := pngchunk.DecodeHeader(hdrBuf[:])
	if err != nil {
		return pngchunk.Header{}, err
	}
	if hdr.Length > pngchunk.MaxChunkLength {
		return pngchunk.Header{}, fmt.Errorf("walker: %w", pngchunk.ErrChunkTooBig)
	}
	rest := make([]byte, int(hdr.Length)+4) // data + crc
	if _, err := io.ReadFull(readerFunc(w.src.Next), rest); err != nil {
		return pngchunk.Header{}, fmt.Errorf("walker: %w", pngchunk.ErrTruncated)
	}
	full := append(hdrBuf[:], rest...)
	w.peeked = &hdr
	w.peekData = full
	return hdr, nil
}

// ConsumeTyped decodes the peeked chunk's payload fully and returns it,
// advancing past it. Peek must have been called first.
func (w *Walker) ConsumeTyped() (pngchunk.Chunk, error) {
	if w.peeked == nil {
		return pngchunk.Chunk{}, errors.New("walker: ConsumeTyped without Peek")
	}
	c, n, err := pngchunk.Decode(w.peekData, w.skipCRC)
	if err != nil {
		return pngchunk.Chunk{}, err
	}
	w.advance(n)
	return c, nil
}

// ConsumeIndexed advances past the peeked chunk and returns a Ref to its
// data (not including length/type/crc), deferring any decoding of the
// payload until the caller later calls Load. Its CRC is still verified
// here (unless skipCRC), since the caller never sees the trailing bytes.
func (w *Walker) ConsumeIndexed() (source.Ref, pngchunk.Header, error) {
	if w.peeked == nil {
		return source.Ref{}, pngchunk.Header{}, errors.New("walker: ConsumeIndexed without Peek")
	}
	hdr := *w.peeked
	data := w.peekData[8 : 8+int(hdr.Length)]
	if !w.skipCRC {
		want := binary.BigEndian.Uint32(w.peekData[8+int(hdr.Length):])
		got := crc32.ChecksumIEEE(w.peekData[4:8])
		got = crc32.Update(got, crc32.IEEETable, data)
		if got != want {
			return source.Ref{}, pngchunk.Header{}, fmt.Errorf("walker: %w: chunk %s", pngchunk.ErrCRCMismatch, hdr.Type)
		}
	}
	dataOff := w.offset + 8
	ref := w.src.MakeRef(dataOff, data)
	w.advance(8 + int(hdr.Length) + 4)
	return ref, hdr, nil
}

// Skip advances past the peeked chunk without decoding its payload.
func (w *Walker) Skip() error {
	if w.peeked == nil {
		return errors.New("walker: Skip without Peek")
	}
	w.advance(len(w.peekData))
	return nil
}

func (w *Walker) advance(n int) {
	w.offset += int64(n)
	w.peeked = nil
	w.peekData = nil
}

// Offset reports the stream position of the next (unpeeked) chunk.
func (w *Walker) Offset() int64 { return w.offset }

// Package source wraps the byte origin an APNG stream is read from,
// giving the frame assembler a way to hold onto a lightweight reference
// to a chunk's bytes without necessarily keeping the whole stream
// buffered in memory.
package source

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// ErrClosed is returned by Load after the source has been closed.
var ErrClosed = errors.New("source: use of closed source")

// Ref is a lightweight, comparable handle to a byte range within a
// Source. It does not itself hold any bytes.
type Ref struct {
	offset int64
	length int
}

func (r Ref) Len() int { return r.length }

// Skip returns a Ref for the same byte range with the first n bytes
// dropped, for a caller that has already consumed a fixed-width prefix
// (e.g. fdAT's 4-byte sequence number) and wants a lazy handle to the
// rest.
func (r Ref) Skip(n int) Ref {
	return Ref{offset: r.offset + int64(n), length: r.length - n}
}

// Source is anything the Reader/Chunk-Codec layer can pull chunk bytes
// from, either once (streaming) or repeatedly by Ref (random access).
type Source interface {
	// Next reads up to len(p) bytes at the current stream position,
	// advancing the cursor, the way io.Reader does.
	Next(p []byte) (int, error)
	// Load re-reads the byte range described by ref without disturbing
	// the streaming cursor used by Next.
	Load(ref Ref) ([]byte, error)
	// Tell reports the current stream cursor position.
	Tell() int64
	// MakeRef records the byte range [off, off+len(data)) as a Ref. Only
	// the offset and length are kept, never a copy of data, so the source
	// must be able to re-read that range through Load.
	MakeRef(off int64, data []byte) Ref
	Close() error
}

// memSource wraps an in-memory buffer: read everything up front, then
// parse against the fully buffered []byte.
type memSource struct {
	buf    []byte
	cursor int64
}

// NewMemSource builds a Source over an already fully-read byte slice.
func NewMemSource(buf []byte) Source {
	return &memSource{buf: buf}
}

func (m *memSource) Next(p []byte) (int, error) {
	if m.cursor >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.cursor:])
	m.cursor += int64(n)
	return n, nil
}

func (m *memSource) Load(ref Ref) ([]byte, error) {
	end := ref.offset + int64(ref.length)
	if ref.offset < 0 || end > int64(len(m.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	return m.buf[ref.offset:end], nil
}

func (m *memSource) Tell() int64 { return m.cursor }

func (m *memSource) MakeRef(off int64, data []byte) Ref {
	return Ref{offset: off, length: len(data)}
}

func (m *memSource) Close() error { return nil }

// fileSource wraps an *os.File, using ReadAt for Load so repeated chunk
// reloads (e.g. re-synthesizing a frame's PNG bytes) never disturb the
// sequential cursor used while the assembler walks the stream.
type fileSource struct {
	f      *os.File
	r      *bufio.Reader
	cursor int64
	closed bool
}

// NewFileSource builds a Source over an already-opened file positioned at
// offset 0.
func NewFileSource(f *os.File) Source {
	return &fileSource{f: f, r: bufio.NewReaderSize(f, 32*1024)}
}

// Open opens path and wraps it in a file-backed Source.
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewFileSource(f), nil
}

func (s *fileSource) Next(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.r.Read(p)
	s.cursor += int64(n)
	return n, err
}

func (s *fileSource) Load(ref Ref) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	buf := make([]byte, ref.length)
	if _, err := s.f.ReadAt(buf, ref.offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *fileSource) Tell() int64 { return s.cursor }

func (s *fileSource) MakeRef(off int64, data []byte) Ref {
	return Ref{offset: off, length: len(data)}
}

func (s *fileSource) Close() error {
	s.closed = true
	return s.f.Close()
}

// ReadAll drains r into a memory-backed Source. If r already reports a
// Len() int (as a *bytes.Reader does), the destination buffer is
// preallocated to avoid repeated growth.
func ReadAll(r io.Reader) (Source, error) {
	var buf []byte
	if lr, ok := r.(interface{ Len() int }); ok {
		buf = make([]byte, 0, lr.Len())
	}
	b := &sliceWriter{buf: buf}
	if _, err := io.Copy(b, r); err != nil {
		return nil, err
	}
	return NewMemSource(b.buf), nil
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

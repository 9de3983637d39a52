// Package pngchunk reads and writes the length-prefixed, CRC-suffixed
// chunk framing that every PNG and APNG chunk uses.
package pngchunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Type is a four-byte PNG chunk type code, e.g. "IHDR" or "fcTL".
type Type [4]byte

func (t Type) String() string { return string(t[:]) }

// Critical reports whether the chunk must be understood by a decoder
// (bit 5 of the first byte is clear).
func (t Type) Critical() bool { return t[0]&0x20 == 0 }

var (
	TypeIHDR = Type{'I', 'H', 'D', 'R'}
	TypePLTE = Type{'P', 'L', 'T', 'E'}
	TypeTRNS = Type{'t', 'R', 'N', 'S'}
	TypeIDAT = Type{'I', 'D', 'A', 'T'}
	TypeIEND = Type{'I', 'E', 'N', 'D'}
	TypeACTL = Type{'a', 'c', 'T', 'L'}
	TypeFCTL = Type{'f', 'c', 'T', 'L'}
	TypeFDAT = Type{'f', 'd', 'A', 'T'}
)

// Signature is the eight bytes every PNG stream starts with.
var Signature = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const (
	headerSize = 8 // length(4) + type(4)
	crcSize    = 4
)

var (
	ErrBadSignature = errors.New("pngchunk: bad PNG signature")
	ErrTruncated    = errors.New("pngchunk: truncated chunk")
	ErrCRCMismatch  = errors.New("pngchunk: CRC mismatch")
	ErrChunkTooBig  = errors.New("pngchunk: chunk length exceeds limit")
)

// MaxChunkLength bounds a single chunk's data length. PNG itself limits
// chunk length to 2^31-1; this module additionally refuses anything
// larger than 256 MiB, and no option lifts that limit.
const MaxChunkLength = 256 << 20

// Header is a decoded length+type pair, read without touching the
// chunk's data or CRC.
type Header struct {
	Length uint32
	Type   Type
}

// DecodeHeader parses an 8-byte chunk header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, ErrTruncated
	}
	h := Header{Length: binary.BigEndian.Uint32(b[0:4])}
	copy(h.Type[:], b[4:8])
	return h, nil
}

// Chunk is a fully decoded chunk: its type and data, with the length and
// CRC fields already validated and stripped.
type Chunk struct {
	Type Type
	Data []byte
}

// Decode parses one chunk (header + data + CRC) starting at b[0] and
// returns the chunk along with the number of bytes consumed. skipCRC
// disables CRC verification (but not the correctness check that trailing
// bytes exist); it corresponds to the decode-time skip_checksum_verify
// option.
func Decode(b []byte, skipCRC bool) (Chunk, int, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return Chunk{}, 0, err
	}
	if hdr.Length > MaxChunkLength {
		return Chunk{}, 0, fmt.Errorf("%w: %d", ErrChunkTooBig, hdr.Length)
	}
	total := headerSize + int(hdr.Length) + crcSize
	if len(b) < total {
		return Chunk{}, 0, ErrTruncated
	}
	data := b[headerSize : headerSize+int(hdr.Length)]
	if !skipCRC {
		want := binary.BigEndian.Uint32(b[headerSize+int(hdr.Length):])
		got := crc32.ChecksumIEEE(b[4:headerSize])
		got = crc32.Update(got, crc32.IEEETable, data)
		if got != want {
			return Chunk{}, 0, fmt.Errorf("%w: chunk %s", ErrCRCMismatch, hdr.Type)
		}
	}
	return Chunk{Type: hdr.Type, Data: data}, total, nil
}

// Encode appends the framed form of a chunk (length, type, data, CRC) to
// dst and returns the extended slice.
func Encode(dst []byte, typ Type, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, typ[:]...)
	dst = append(dst, data...)
	sum := crc32.ChecksumIEEE(typ[:])
	sum = crc32.Update(sum, crc32.IEEETable, data)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], sum)
	return append(dst, crcBuf[:]...)
}

// EncodedLen returns how many bytes Encode would append for a chunk
// carrying dataLen bytes of payload.
func EncodedLen(dataLen int) int {
	return headerSize + dataLen + crcSize
}

package apng

import "errors"

// ErrNotAnimated is returned by NewDecoder/Open when the input is a
// well-formed PNG with no acTL chunk. Non-goal: decoding a still PNG as a
// one-frame animation is deliberately not supported and must fail this
// way rather than succeed silently.
var ErrNotAnimated = errors.New("apng: input has no acTL chunk, not an APNG")

// ErrMultipleAnimControl is returned when more than one acTL chunk is
// found in the stream; a well-formed APNG carries exactly one.
var ErrMultipleAnimControl = errors.New("apng: multiple acTL chunks")

// ErrClosed is returned by RenderNextSync and Reset when called after
// Close; RenderNext has no error return, so it silently no-ops instead.
var ErrClosed = errors.New("apng: use of closed Decoder")

// ErrFrameDataNotFound is returned when a frame's fcTL is followed by no
// fdAT/IDAT chunks at all.
var ErrFrameDataNotFound = errors.New("apng: frame-data-not-found")

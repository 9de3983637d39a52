// Package apng decodes Animated PNG (APNG) streams: it parses the chunk
// structure, assembles per-frame image data, and composites each frame
// through the dispose/blend state machine the APNG extension defines,
// producing a sequence of RGBA raster frames.
//
// Decoding a still (non-animated) PNG through this package is rejected
// with ErrNotAnimated rather than silently treated as a single-frame
// animation; encoding APNG is out of scope for this package.
//
// Basic usage:
//
//	d, err := apng.NewDecoder(reader)
//	img, _ := d.Output()
//	img, err = d.RenderNextSync()
package apng

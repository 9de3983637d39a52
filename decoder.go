package apng

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/apngcore/apng/internal/assemble"
	"github.com/apngcore/apng/internal/canvas"
	"github.com/apngcore/apng/internal/source"
	"github.com/apngcore/apng/internal/synth"
)

// Decoder owns the frame assembly, the compositor, and a single serial
// background queue that all rendering work runs on, so RenderNext,
// RenderNextSync, and Reset calls can never interleave with each other
// out of order.
type Decoder struct {
	opts     options
	src      source.Source
	assembly *assemble.Assembly
	comp     *canvas.Compositor

	// asm continues producing frame metadata past frame 0 lazily, so a
	// fault anywhere later in the stream only surfaces once playback
	// actually reaches it instead of blocking construction outright.
	// framesAssembled counts how many leading slots of assembly.Frames
	// are populated; assemblyErr is sticky once a later frame's
	// metadata assembly fails, so a stream fault behaves as terminal
	// (matching sequence-number/format errors elsewhere) instead of
	// retrying the same broken chunk boundary on every call. Frame 0
	// itself is assembled during newDecoder and never revisited, so
	// Reset can always re-render it even after assemblyErr is set.
	asm             *assemble.Assembler
	asmMu           sync.Mutex
	framesAssembled int
	assemblyErr     error

	jobs       chan func()
	closeOnce  sync.Once
	closedCh   chan struct{}
	closeMu    sync.RWMutex
	closed     bool
	rasterMu   sync.Mutex
	rasterOf   map[int]*synth.RGBA
	frameBytes map[int][]byte // eager chunk-data cache keyed by frame index

	mu                  sync.Mutex
	current             int
	lastOutput          *image.NRGBA
	outputCache         map[int]*image.NRGBA
	firstPassDone       bool
	firstPassCallbacks  []func()
	frameReadyCallbacks []func(index int, img image.Image, err error)
}

// NewDecoder assembles chunk metadata from r and, on success, renders
// frame 0 before returning.
func NewDecoder(r io.Reader, opts ...DecodeOption) (*Decoder, error) {
	src, err := source.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("apng: reading input: %w", err)
	}
	return newDecoder(src, opts)
}

// Open is the file-backed equivalent of NewDecoder, keeping the file
// handle open so frame payloads can be re-read lazily instead of fully
// buffered up front.
func Open(path string, opts ...DecodeOption) (*Decoder, error) {
	src, err := source.Open(path)
	if err != nil {
		return nil, fmt.Errorf("apng: opening %s: %w", path, err)
	}
	d, err := newDecoder(src, opts)
	if err != nil {
		src.Close()
		return nil, err
	}
	return d, nil
}

func newDecoder(src source.Source, optFns []DecodeOption) (*Decoder, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	asm, err := assemble.NewAssembler(src, assemble.Options{
		SkipChecksum:        o.skipChecksum,
		UnlimitedFrameCount: o.unlimitedFrameCount,
	})
	if err != nil {
		return nil, fmt.Errorf("apng: %w", err)
	}

	// Only frame 0 is assembled before the Decoder exists: a fault in
	// frame 1..N-1's metadata must not prevent returning a Decoder that
	// can still play frame 0 (and reset back to it), per the stream's
	// construction protocol. WithFullFirstPass/WithEagerFrameData
	// (below) opt back into assembling the rest eagerly too.
	frame0, err := asm.Next()
	if err != nil {
		if errors.Is(err, assemble.ErrNotAnimated) {
			return nil, ErrNotAnimated
		}
		if errors.Is(err, assemble.ErrMultipleAnimControl) {
			return nil, ErrMultipleAnimControl
		}
		return nil, fmt.Errorf("apng: %w", err)
	}

	assembly := &assemble.Assembly{
		IHDR:         asm.IHDR(),
		Anim:         asm.Anim(),
		SharedPrefix: asm.SharedPrefix(),
		Palette:      asm.Palette(),
		Transparency: asm.Transparency(),
		Frames:       make([]assemble.Frame, asm.Anim().NumFrames),
	}
	assembly.Frames[0] = frame0

	if !o.cacheSet {
		o.cache = inferCachePolicy(assembly)
	}

	d := &Decoder{
		opts:            o,
		src:             src,
		assembly:        assembly,
		asm:             asm,
		framesAssembled: 1,
		comp:            canvas.New(int(assembly.IHDR.Width), int(assembly.IHDR.Height)),
		jobs:            make(chan func(), 8),
		closedCh:        make(chan struct{}),
		rasterOf:        make(map[int]*synth.RGBA),
		frameBytes:      make(map[int][]byte),
	}
	if o.cache {
		d.outputCache = make(map[int]*image.NRGBA)
	}
	go d.runQueue()

	img, err := d.renderFrame(0)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("apng: rendering frame 0: %w", err)
	}
	d.current = 0
	d.lastOutput = img
	if d.outputCache != nil {
		d.outputCache[0] = img
	}

	if o.eagerFrameData {
		if err := d.loadAllFrameData(); err != nil {
			d.Close()
			return nil, fmt.Errorf("apng: eager frame load: %w", err)
		}
	}

	if o.fullFirstPass {
		if o.preRenderAllFrames {
			if err := d.preRenderRemaining(); err != nil {
				d.opts.logger.Warnw("pre-render pass failed", "error", err)
			}
		}
		d.markFirstPassDone()
	} else {
		// Mark the first pass done asynchronously on the serial queue.
		// Frames past 0 are not assembled yet at this point (unless
		// WithEagerFrameData assembled them above); the delegate still
		// fires now rather than once the last frame is assembled.
		d.jobs <- d.markFirstPassDone
	}

	return d, nil
}

// frameAt returns frame index's control/payload metadata, assembling it
// (and every frame before it not yet assembled) from asm on demand.
// Once a later frame's assembly has failed, that failure is cached and
// returned again for any index at or past it instead of re-driving asm,
// whose stream position has already moved past the fault.
func (d *Decoder) frameAt(index int) (assemble.Frame, error) {
	d.asmMu.Lock()
	defer d.asmMu.Unlock()
	if index < d.framesAssembled {
		return d.assembly.Frames[index], nil
	}
	if d.assemblyErr != nil {
		return assemble.Frame{}, d.assemblyErr
	}
	for d.framesAssembled <= index {
		f, err := d.asm.Next()
		if err != nil {
			if errors.Is(err, assemble.ErrMultipleAnimControl) {
				err = ErrMultipleAnimControl
			}
			d.assemblyErr = fmt.Errorf("apng: assembling frame %d: %w", d.framesAssembled, err)
			return assemble.Frame{}, d.assemblyErr
		}
		d.assembly.Frames[d.framesAssembled] = f
		d.framesAssembled++
	}
	return d.assembly.Frames[index], nil
}

func inferCachePolicy(a *assemble.Assembly) bool {
	if a.Anim.NumPlays != 0 {
		return false
	}
	bytesPerFrame := int64(a.IHDR.Width) * int64(a.IHDR.Height) * 4
	total := bytesPerFrame * int64(len(a.Frames))
	return total < MaxCacheBytes
}

func (d *Decoder) runQueue() {
	for job := range d.jobs {
		job()
	}
}

// Close stops the background queue and releases the underlying source.
// Jobs already enqueued are not cancelled and still run on the queue, but
// Close does not wait for them before closing the source. After Close,
// RenderNextSync and Reset return ErrClosed instead of sending on the
// now-closed job queue, and RenderNext is a no-op.
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		close(d.jobs)
		d.closeMu.Unlock()
		close(d.closedCh)
		err = d.src.Close()
	})
	return err
}

// sendJob enqueues job unless the Decoder has been closed, in which case
// it reports false instead of sending on the closed d.jobs channel. Held
// under a read lock so Close cannot close d.jobs while a send is in
// flight.
func (d *Decoder) sendJob(job func()) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	d.jobs <- job
	return true
}

// NumFrames is the animation's frame count (acTL numFrames).
func (d *Decoder) NumFrames() int { return len(d.assembly.Frames) }

// NumPlays is acTL numPlays; 0 means loop forever.
func (d *Decoder) NumPlays() int { return int(d.assembly.Anim.NumPlays) }

// IntrinsicSize is the canvas dimensions from IHDR.
func (d *Decoder) IntrinsicSize() image.Point {
	return image.Pt(int(d.assembly.IHDR.Width), int(d.assembly.IHDR.Height))
}

// CurrentIndex is the index of the most recently rendered frame.
func (d *Decoder) CurrentIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Output returns the most recently rendered frame.
func (d *Decoder) Output() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastOutput == nil {
		return nil, errors.New("apng: no frame rendered yet")
	}
	return d.lastOutput, nil
}

// RenderNext enqueues advancing to the next frame and returns
// immediately; OnFrameReady delegates (if any) are invoked once it
// completes, on the background queue. It is a silent no-op after Close,
// since it has no error return to report ErrClosed through.
func (d *Decoder) RenderNext() {
	d.sendJob(func() {
		idx, img, err := d.advance()
		d.notifyFrameReady(idx, img, err)
	})
}

// RenderNextSync advances to the next frame and blocks the calling
// goroutine until that is done. The advance itself runs on the
// background queue, serialized behind any job already enqueued ahead of
// it.
func (d *Decoder) RenderNextSync() (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)
	if !d.sendJob(func() {
		_, img, err := d.advance()
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{img, nil}
	}) {
		return nil, ErrClosed
	}
	r := <-done
	return r.img, r.err
}

func (d *Decoder) advance() (int, *image.NRGBA, error) {
	d.mu.Lock()
	next := (d.current + 1) % len(d.assembly.Frames)
	d.mu.Unlock()

	img, err := d.renderFrame(next)
	if err != nil {
		return next, nil, err
	}

	d.mu.Lock()
	d.current = next
	d.lastOutput = img
	if d.outputCache != nil {
		d.outputCache[next] = img
	}
	d.mu.Unlock()
	return next, img, nil
}

// Reset enqueues-and-blocks: it only runs once every job queued ahead of
// it has finished, and any job queued after it waits in turn.
func (d *Decoder) Reset() error {
	done := make(chan error, 1)
	if !d.sendJob(func() {
		d.comp.Reset()
		img, err := d.renderFrame(0)
		if err != nil {
			done <- err
			return
		}
		d.mu.Lock()
		d.current = 0
		d.lastOutput = img
		if d.outputCache != nil && len(d.outputCache) < len(d.assembly.Frames) {
			// An incomplete cache may hold stale entries racing the reset
			// compositor state; a full cache needs no rebuilding, since
			// every frame's output was already computed to completion.
			d.outputCache = map[int]*image.NRGBA{0: img}
		}
		d.mu.Unlock()
		done <- nil
	}) {
		return ErrClosed
	}
	return <-done
}

// OnFirstPassDone registers fn to run once the first pass is marked done;
// if it already is, fn runs immediately. With WithFullFirstPass it is
// marked done before NewDecoder/Open returns, after every frame has been
// assembled; otherwise a job queued at the end of construction marks it
// done, whether or not frames 1..N-1 have been assembled by then.
func (d *Decoder) OnFirstPassDone(fn func()) {
	d.mu.Lock()
	already := d.firstPassDone
	if !already {
		d.firstPassCallbacks = append(d.firstPassCallbacks, fn)
	}
	d.mu.Unlock()
	if already {
		fn()
	}
}

// OnFrameReady registers fn to run after every RenderNext completes.
func (d *Decoder) OnFrameReady(fn func(index int, img image.Image, err error)) {
	d.mu.Lock()
	d.frameReadyCallbacks = append(d.frameReadyCallbacks, fn)
	d.mu.Unlock()
}

func (d *Decoder) markFirstPassDone() {
	d.mu.Lock()
	d.firstPassDone = true
	cbs := d.firstPassCallbacks
	d.firstPassCallbacks = nil
	d.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (d *Decoder) notifyFrameReady(index int, img image.Image, err error) {
	d.mu.Lock()
	cbs := append([]func(int, image.Image, error){}, d.frameReadyCallbacks...)
	d.mu.Unlock()
	for _, fn := range cbs {
		fn(index, img, err)
	}
}

// FrameBytes synthesizes a standalone PNG byte stream for frame index,
// for handing off to a host's own PNG decoder.
func (d *Decoder) FrameBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(d.assembly.Frames) {
		return nil, fmt.Errorf("apng: frame index %d out of range", index)
	}
	f, err := d.frameAt(index)
	if err != nil {
		return nil, err
	}
	payload, err := d.frameData(index, f)
	if err != nil {
		return nil, err
	}
	ihdr := d.assembly.IHDR.WithDimensions(f.Control.Width, f.Control.Height)
	return synth.Frame(ihdr, d.assembly.SharedPrefix, [][]byte{payload}), nil
}

func (d *Decoder) loadPayload(f assemble.Frame) ([]byte, error) {
	var out []byte
	for _, pc := range f.Payloads {
		b, err := pc.Load(d.src)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if len(out) == 0 {
		return nil, ErrFrameDataNotFound
	}
	return out, nil
}

// frameData returns frame index's concatenated chunk bytes, preferring
// the eager cache populated by loadAllFrameData over re-reading from src.
func (d *Decoder) frameData(index int, f assemble.Frame) ([]byte, error) {
	if b, ok := d.frameBytes[index]; ok {
		return b, nil
	}
	return d.loadPayload(f)
}

func (d *Decoder) frameRaster(index int) (*synth.RGBA, error) {
	d.rasterMu.Lock()
	if r, ok := d.rasterOf[index]; ok {
		d.rasterMu.Unlock()
		return r, nil
	}
	d.rasterMu.Unlock()

	f, err := d.frameAt(index)
	if err != nil {
		return nil, err
	}
	payload, err := d.frameData(index, f)
	if err != nil {
		return nil, err
	}
	ihdr := d.assembly.IHDR.WithDimensions(f.Control.Width, f.Control.Height)
	raster, err := synth.DecodeRaster(ihdr, payload, d.assembly.Palette, d.assembly.Transparency)
	if err != nil {
		return nil, err
	}

	d.rasterMu.Lock()
	d.rasterOf[index] = raster
	d.rasterMu.Unlock()
	return raster, nil
}

func (d *Decoder) renderFrame(index int) (*image.NRGBA, error) {
	if d.outputCache != nil {
		d.mu.Lock()
		img, ok := d.outputCache[index]
		d.mu.Unlock()
		if ok {
			return img, nil
		}
	}
	raster, err := d.frameRaster(index)
	if err != nil {
		return nil, err
	}
	f, err := d.frameAt(index)
	if err != nil {
		return nil, err
	}
	fctl := f.Control
	return d.comp.Render(canvas.Frame{
		Index:   index,
		Raster:  raster,
		XOffset: int(fctl.XOffset),
		YOffset: int(fctl.YOffset),
		Dispose: fctl.Dispose,
		Blend:   fctl.Blend,
	})
}

// loadAllFrameData pulls every frame's chunk bytes into memory, the
// eager-load half of WithFullFirstPass/WithEagerFrameData.
func (d *Decoder) loadAllFrameData() error {
	for i := range d.assembly.Frames {
		f, err := d.frameAt(i)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		payload, err := d.loadPayload(f)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		d.frameBytes[i] = payload
	}
	return nil
}

// preRenderRemaining decodes every remaining frame's raster in parallel,
// bounded by a semaphore, then feeds them through the compositor
// serially (compositing is inherently sequential: each frame's canvas
// state depends on the one before it, so only the independent
// raster-decode step can run concurrently).
func (d *Decoder) preRenderRemaining() error {
	n := len(d.assembly.Frames)
	if n <= 1 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 1; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := d.frameRaster(i); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if errs[i] != nil {
			return fmt.Errorf("frame %d: %w", i, errs[i])
		}
	}
	for i := 1; i < n; i++ {
		if _, err := d.renderFrame(i); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

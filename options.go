package apng

import "go.uber.org/zap"

type options struct {
	skipChecksum        bool
	cache               bool
	cacheSet            bool
	fullFirstPass       bool
	preRenderAllFrames  bool
	eagerFrameData      bool
	unlimitedFrameCount bool
	logger              *zap.SugaredLogger
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop().Sugar(),
	}
}

// DecodeOption configures NewDecoder/Open. Built as a functional-option
// slice instead of an exported struct so new options can be added
// without breaking callers.
type DecodeOption func(*options)

// WithSkipChecksumVerify disables CRC-32 verification of every chunk,
// trading integrity checking for speed on sources already trusted (e.g.
// re-decoding a stream this process itself just wrote).
func WithSkipChecksumVerify() DecodeOption {
	return func(o *options) { o.skipChecksum = true }
}

// WithCache controls whether rendered frame snapshots are kept so that
// re-visiting an already-rendered frame index skips recompositing it.
// When not supplied, the decoder infers a default from the animation's
// size: looping animations (numPlays==0) under MaxCacheBytes are cached,
// larger or non-looping ones are not.
func WithCache(enabled bool) DecodeOption {
	return func(o *options) { o.cache, o.cacheSet = enabled, true }
}

// WithFullFirstPass assembles every frame's chunk metadata and loads
// every frame's compressed chunk bytes before NewDecoder/Open returns,
// ahead of the first OnFirstPassDone delegate call; decoding those bytes
// into rasters during construction takes WithPreRenderAllFrames. Without it, only
// frame 0 is assembled during construction; frames 1..N-1 are assembled
// lazily, one at a time, as RenderNext/RenderNextSync reach them, so a
// fault anywhere past frame 0 surfaces only when playback gets there
// instead of failing construction outright. Implies WithEagerFrameData.
func WithFullFirstPass() DecodeOption {
	return func(o *options) { o.fullFirstPass, o.eagerFrameData = true, true }
}

// WithPreRenderAllFrames additionally runs every frame through the
// compositor during construction, so RenderNextSync never blocks on
// pixel decoding later. Implies WithFullFirstPass.
func WithPreRenderAllFrames() DecodeOption {
	return func(o *options) {
		o.preRenderAllFrames, o.fullFirstPass, o.eagerFrameData = true, true, true
	}
}

// WithEagerFrameData loads every frame's compressed chunk bytes into
// memory during construction rather than re-reading them from the source
// lazily as each frame is first rendered. Since that requires every
// frame's chunk metadata up front too, it assembles frames 1..N-1 during
// construction the same way WithFullFirstPass does. Unlike
// WithFullFirstPass, it leaves the OnFirstPassDone delegate to be fired
// from the background queue after NewDecoder/Open returns.
func WithEagerFrameData() DecodeOption {
	return func(o *options) { o.eagerFrameData = true }
}

// WithUnlimitedFrameCount disables the frame-count ceiling assemble.MaxFrames
// normally enforces, for callers that trust their input and expect
// unusually long animations.
func WithUnlimitedFrameCount() DecodeOption {
	return func(o *options) { o.unlimitedFrameCount = true }
}

// WithLogger attaches a structured logger used for recoverable anomalies
// that don't abort decoding; the one such anomaly logged is a failed
// WithPreRenderAllFrames pass during construction. The default is a
// no-op logger.
func WithLogger(l *zap.SugaredLogger) DecodeOption {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// MaxCacheBytes bounds automatic cache-policy inference in WithCache's
// absence.
const MaxCacheBytes = 100 * 1024 * 1024

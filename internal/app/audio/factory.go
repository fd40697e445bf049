package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

// ErrNoAsset is classified as ErrContextUnavailable: nothing can be prepared without a file.
var ErrNoAsset = fmt.Errorf("%w: no audio asset loaded", domain.ErrContextUnavailable)

// Bundle is one injection attempt: a single-use emitter feeding a fresh track.
type Bundle struct {
	ID      string
	Emitter *Emitter
	Stream  core.Stream
	Track   *webrtc.TrackLocalStaticRTP
	Gain    *Gain
}

func (b *Bundle) Start() error { return b.Emitter.Start() }
func (b *Bundle) Stop()        { b.Emitter.Stop() }

// Player is a local playback element; its output never leaves the process.
type Player struct {
	*Emitter
}

type FactoryOptions struct {
	Gain          float64
	Limiter       LimiterParams
	ResumeTimeout time.Duration
}

func DefaultFactoryOptions() FactoryOptions {
	return FactoryOptions{Gain: 1.0, Limiter: DefaultLimiter, ResumeTimeout: 2 * time.Second}
}

// Factory builds emitter graphs from the cached asset.
type Factory struct {
	cache *AssetCache
	opts  FactoryOptions
}

func NewFactory(cache *AssetCache, opts FactoryOptions) *Factory {
	return &Factory{cache: cache, opts: opts}
}

func (f *Factory) prepare(ctx context.Context) (*Asset, *ProcessingContext, error) {
	asset, ok := f.cache.Current()
	if !ok {
		return nil, nil, ErrNoAsset
	}
	pctx := f.cache.Context()
	rctx, cancel := context.WithTimeout(ctx, f.opts.ResumeTimeout)
	defer cancel()
	if err := pctx.Resume(rctx); err != nil {
		return nil, nil, err
	}
	return asset, pctx, nil
}

// Create builds a fresh, not yet started bundle.
func (f *Factory) Create(ctx context.Context) (*Bundle, error) {
	asset, pctx, err := f.prepare(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(PCMU.Capability(), "audio-"+id, "inject-"+id)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	gain := &Gain{Value: f.opts.Gain}
	em := newEmitter(asset.Buffer, pctx, gain, f.opts.Limiter, track)
	b := &Bundle{
		ID:      id,
		Emitter: em,
		Stream:  &emitterStream{id: "inject-" + id, e: em, track: track},
		Track:   track,
		Gain:    gain,
	}
	log.Debug().
		Str("module", "app.audio").
		Str("bundle", id).
		Str("asset", asset.Name).
		Msg("bundle created")
	return b, nil
}

// NewPlayer builds a local playback element bounded by limit (0 = whole asset).
func (f *Factory) NewPlayer(ctx context.Context, limit time.Duration) (*Player, error) {
	asset, pctx, err := f.prepare(ctx)
	if err != nil {
		return nil, err
	}
	em := newEmitter(asset.Buffer, pctx, &Gain{Value: f.opts.Gain}, f.opts.Limiter, nil)
	if limit > 0 {
		em.maxFrames = int(limit / PCMU.Ptime)
	}
	return &Player{Emitter: em}, nil
}

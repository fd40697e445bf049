package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"

	"github.com/dkeye/CallDub/internal/domain"
)

type EmitterState int32

const (
	EmitterIdle EmitterState = iota
	EmitterRunning
	EmitterStopped
)

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

type discardWriter struct{}

func (discardWriter) WriteRTP(*rtp.Packet) error { return nil }

// Emitter plays a buffer once through gain and limiter into an RTP sink,
// one frame per ptime. It is single-use: once stopped or ended it cannot restart.
type Emitter struct {
	id      string
	buf     *Buffer
	codec   Codec
	pctx    *ProcessingContext
	gain    *Gain
	limiter *Limiter
	sink    rtpWriter
	// maxFrames bounds playback; 0 plays the whole buffer.
	maxFrames int

	state atomic.Int32
	level atomic.Uint32
	peak  atomic.Uint32

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once

	logger zerolog.Logger
}

func newEmitter(buf *Buffer, pctx *ProcessingContext, gain *Gain, limiter LimiterParams, sink rtpWriter) *Emitter {
	if sink == nil {
		sink = discardWriter{}
	}
	id := uuid.NewString()
	return &Emitter{
		id:      id,
		buf:     buf,
		codec:   PCMU,
		pctx:    pctx,
		gain:    gain,
		limiter: NewLimiter(limiter, buf.SampleRate),
		sink:    sink,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log.With().Str("module", "app.audio").Str("emitter", id).Logger(),
	}
}

func (e *Emitter) ID() string { return e.id }

func (e *Emitter) State() EmitterState { return EmitterState(e.state.Load()) }

func (e *Emitter) Running() bool { return e.State() == EmitterRunning }

// Level is the output level of the last emitted frame, 0..255.
func (e *Emitter) Level() uint8 { return uint8(e.level.Load()) }

// Peak is the highest level emitted so far.
func (e *Emitter) Peak() uint8 { return uint8(e.peak.Load()) }

// Done is closed once the emitter stopped or reached the end of its buffer.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Start begins playback. It fails with ErrEmitterSpent on a second call.
func (e *Emitter) Start() error {
	if !e.state.CompareAndSwap(int32(EmitterIdle), int32(EmitterRunning)) {
		return domain.ErrEmitterSpent
	}
	go e.run()
	return nil
}

// Stop is idempotent and terminates the emitter irrecoverably.
func (e *Emitter) Stop() {
	prev := EmitterState(e.state.Swap(int32(EmitterStopped)))
	e.stopOnce.Do(func() { close(e.stop) })
	if prev == EmitterIdle {
		e.finish()
	}
}

func (e *Emitter) finish() {
	e.level.Store(0)
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *Emitter) run() {
	defer e.finish()

	spf := e.codec.SamplesPerFrame()
	frame := make([]float64, spf)
	pcm := make([]byte, spf*2)

	var (
		pos     int
		seq     uint16
		ts      uint32
		written int
	)
	ticker := time.NewTicker(e.codec.Ptime)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			e.logger.Debug().Int("frames", written).Msg("emitter stopped")
			return
		case <-ticker.C:
		}
		if !e.pctx.Running() {
			continue
		}
		if pos >= len(e.buf.Samples) || (e.maxFrames > 0 && written >= e.maxFrames) {
			e.state.Store(int32(EmitterStopped))
			e.logger.Debug().Int("frames", written).Msg("emitter ended")
			return
		}

		end := min(pos+spf, len(e.buf.Samples))
		n := end - pos
		toFloat(e.buf.Samples[pos:end], frame[:n])
		clear(frame[n:])
		pos = end

		e.gain.Process(frame)
		e.limiter.Process(frame)
		lv := level(frame)
		e.level.Store(uint32(lv))
		if uint32(lv) > e.peak.Load() {
			e.peak.Store(uint32(lv))
		}
		toPCM16LE(frame, pcm)

		seq++
		ts += uint32(spf)
		if err := e.sink.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    e.codec.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				Marker:         seq == 1,
			},
			Payload: g711.EncodeUlaw(pcm),
		}); err != nil {
			e.logger.Debug().Err(err).Msg("emitter write")
		}
		written++
	}
}

// emitterStream exposes an emitter and its track as a capture stream.
type emitterStream struct {
	id    string
	e     *Emitter
	track *webrtc.TrackLocalStaticRTP
}

func (s *emitterStream) ID() string               { return s.id }
func (s *emitterStream) Track() webrtc.TrackLocal { return s.track }
func (s *emitterStream) Level() uint8             { return s.e.Level() }
func (s *emitterStream) Active() bool             { return s.e.State() != EmitterStopped }
func (s *emitterStream) Stop()                    { s.e.Stop() }

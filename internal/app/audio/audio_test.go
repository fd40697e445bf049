package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CallDub/internal/domain"
)

// ============================================================================
// Test helpers
// ============================================================================

func wavBytes(samples []int16, rate, channels, bits int) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	out := make([]byte, 0, 44+len(data))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate*channels*bits/8))
	out = binary.LittleEndian.AppendUint16(out, uint16(channels*bits/8))
	out = binary.LittleEndian.AppendUint16(out, uint16(bits))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...)
}

func tone(n int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return out
}

type packetSink struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (s *packetSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return nil
}

func (s *packetSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func runningContext(t *testing.T) *ProcessingContext {
	t.Helper()
	pctx := NewProcessingContext()
	require.NoError(t, pctx.Resume(context.Background()))
	return pctx
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for emitter to finish")
	}
}

// ============================================================================
// Decode
// ============================================================================

func TestDecode_WAV(t *testing.T) {
	t.Run("mono 8k passes through", func(t *testing.T) {
		in := tone(800, 0.5)
		buf, err := Decode(wavBytes(in, 8000, 1, 16))
		require.NoError(t, err)
		assert.Equal(t, TargetRate, buf.SampleRate)
		assert.Equal(t, in, buf.Samples)
		assert.Equal(t, 100*time.Millisecond, buf.Duration())
	})

	t.Run("stereo 16k is downmixed and resampled", func(t *testing.T) {
		stereo := make([]int16, 3200)
		for i := 0; i < len(stereo); i += 2 {
			stereo[i] = 1000
			stereo[i+1] = 3000
		}
		buf, err := Decode(wavBytes(stereo, 16000, 2, 16))
		require.NoError(t, err)
		assert.InDelta(t, 800, len(buf.Samples), 2)
		for _, s := range buf.Samples {
			assert.Equal(t, int16(2000), s)
		}
	})

	t.Run("8-bit pcm is unsupported", func(t *testing.T) {
		_, err := Decode(wavBytes(make([]int16, 10), 8000, 1, 8))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("empty data chunk", func(t *testing.T) {
		_, err := Decode(wavBytes(nil, 8000, 1, 16))
		assert.ErrorIs(t, err, ErrEmptyAudio)
	})

	t.Run("missing data chunk", func(t *testing.T) {
		raw := wavBytes(nil, 8000, 1, 16)
		_, err := Decode(raw[:36])
		assert.Error(t, err)
	})
}

func TestDecode_UnknownFormat(t *testing.T) {
	for name, data := range map[string][]byte{
		"ogg":   []byte("OggS\x00\x02rest-of-page"),
		"m4a":   []byte("\x00\x00\x00\x20ftypM4A "),
		"empty": nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

// ============================================================================
// DSP
// ============================================================================

func TestLimiter_LoudSignalIsReduced(t *testing.T) {
	l := NewLimiter(DefaultLimiter, 8000)
	frame := make([]float64, 8000)
	for i := range frame {
		frame[i] = 0.9
	}
	l.Process(frame)
	// -0.9dB in, 23.1dB over threshold, ratio 12 → ~21.2dB of reduction
	assert.InDelta(t, 0.0788, frame[len(frame)-1], 0.005)
}

func TestLimiter_QuietSignalIsUntouched(t *testing.T) {
	l := NewLimiter(DefaultLimiter, 8000)
	frame := make([]float64, 800)
	for i := range frame {
		frame[i] = 0.01
	}
	l.Process(frame)
	assert.InDelta(t, 0.01, frame[len(frame)-1], 1e-6)
}

func TestLimiter_SoftKnee(t *testing.T) {
	l := NewLimiter(DefaultLimiter, 8000)
	assert.InDelta(t, 0, l.reduction(-40), 1e-9)
	assert.InDelta(t, 3.4375, l.reduction(-24), 1e-9)
	assert.InDelta(t, (1-1.0/12)*20, l.reduction(-4), 1e-9)
}

func TestGain(t *testing.T) {
	frame := []float64{0.1, -0.2}
	(&Gain{Value: 2}).Process(frame)
	assert.InDeltaSlice(t, []float64{0.2, -0.4}, frame, 1e-9)
}

// ============================================================================
// Emitter
// ============================================================================

func TestEmitter_PlaysBufferOnce(t *testing.T) {
	sink := &packetSink{}
	buf := &Buffer{Samples: tone(800, 0.5), SampleRate: 8000}
	em := newEmitter(buf, runningContext(t), &Gain{Value: 1}, DefaultLimiter, sink)

	require.NoError(t, em.Start())
	waitDone(t, em.Done())

	assert.Equal(t, 5, sink.count())
	assert.Len(t, sink.packets[0].Payload, 160)
	assert.True(t, sink.packets[0].Marker)
	assert.Equal(t, EmitterStopped, em.State())
	assert.Greater(t, em.Peak(), uint8(0))
	assert.ErrorIs(t, em.Start(), domain.ErrEmitterSpent)
}

func TestEmitter_StopIsIdempotent(t *testing.T) {
	buf := &Buffer{Samples: tone(80000, 0.5), SampleRate: 8000}
	em := newEmitter(buf, runningContext(t), &Gain{Value: 1}, DefaultLimiter, nil)
	require.NoError(t, em.Start())

	em.Stop()
	em.Stop()
	waitDone(t, em.Done())
	assert.False(t, em.Running())
	assert.Equal(t, uint8(0), em.Level())
}

func TestEmitter_StopBeforeStart(t *testing.T) {
	buf := &Buffer{Samples: tone(800, 0.5), SampleRate: 8000}
	em := newEmitter(buf, runningContext(t), &Gain{Value: 1}, DefaultLimiter, nil)
	em.Stop()
	waitDone(t, em.Done())
	assert.ErrorIs(t, em.Start(), domain.ErrEmitterSpent)
}

func TestEmitter_SuspendedContextHoldsOutput(t *testing.T) {
	sink := &packetSink{}
	pctx := NewProcessingContext()
	buf := &Buffer{Samples: tone(800, 0.5), SampleRate: 8000}
	em := newEmitter(buf, pctx, &Gain{Value: 1}, DefaultLimiter, sink)
	require.NoError(t, em.Start())
	defer em.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	require.NoError(t, pctx.Resume(context.Background()))
	waitDone(t, em.Done())
	assert.Equal(t, 5, sink.count())
}

// ============================================================================
// Cache and factory
// ============================================================================

func TestAssetCache_FailedLoadKeepsPrevious(t *testing.T) {
	c := NewAssetCache()
	first, err := c.Load("a.wav", wavBytes(tone(800, 0.5), 8000, 1, 16))
	require.NoError(t, err)

	_, err = c.Load("b.ogg", []byte("OggS...."))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Same(t, first, cur)
}

func TestAssetCache_ResetAndRecreate(t *testing.T) {
	c := NewAssetCache()
	_, err := c.Load("a.wav", wavBytes(tone(800, 0.5), 8000, 1, 16))
	require.NoError(t, err)
	pctx := c.Context()
	require.NoError(t, pctx.Resume(context.Background()))
	assert.Same(t, pctx, c.Context())

	c.Reset()
	_, ok := c.Current()
	assert.False(t, ok)
	assert.Equal(t, ContextSuspended, pctx.State())

	fresh := c.RecreateContext()
	assert.NotSame(t, pctx, fresh)
	assert.Equal(t, ContextClosed, pctx.State())
	assert.Same(t, fresh, c.Context())
}

func TestProcessingContext_ResumeBoundedByContext(t *testing.T) {
	pctx := NewProcessingContext()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pctx.Resume(ctx)
	assert.ErrorIs(t, err, domain.ErrContextUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ContextSuspended, pctx.State())
}

func TestFactory_Create(t *testing.T) {
	c := NewAssetCache()
	f := NewFactory(c, DefaultFactoryOptions())

	t.Run("no asset is a context error", func(t *testing.T) {
		_, err := f.Create(context.Background())
		assert.ErrorIs(t, err, domain.ErrContextUnavailable)
		assert.ErrorIs(t, err, ErrNoAsset)
	})

	_, err := c.Load("a.wav", wavBytes(tone(800, 0.5), 8000, 1, 16))
	require.NoError(t, err)

	t.Run("fresh bundle per call", func(t *testing.T) {
		b1, err := f.Create(context.Background())
		require.NoError(t, err)
		b2, err := f.Create(context.Background())
		require.NoError(t, err)

		assert.NotEqual(t, b1.ID, b2.ID)
		assert.NotEqual(t, b1.Stream.ID(), b2.Stream.ID())
		assert.Equal(t, b1.Track, b1.Stream.Track())
		assert.Equal(t, EmitterIdle, b1.Emitter.State())
		assert.True(t, b1.Stream.Active())
		assert.True(t, c.Context().Running())

		b1.Stream.Stop()
		assert.False(t, b1.Stream.Active())
		assert.ErrorIs(t, b1.Start(), domain.ErrEmitterSpent)
	})

	t.Run("caller out of time", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Create(ctx)
		assert.ErrorIs(t, err, domain.ErrContextUnavailable)
	})

	t.Run("closed context cannot resume", func(t *testing.T) {
		c.Context().Close()
		_, err := f.Create(context.Background())
		assert.True(t, errors.Is(err, domain.ErrContextUnavailable))
		c.RecreateContext()
		_, err = f.Create(context.Background())
		assert.NoError(t, err)
	})
}

func TestFactory_PlayerIsBounded(t *testing.T) {
	c := NewAssetCache()
	_, err := c.Load("a.wav", wavBytes(tone(8000, 0.5), 8000, 1, 16))
	require.NoError(t, err)
	f := NewFactory(c, DefaultFactoryOptions())

	p, err := f.NewPlayer(context.Background(), 60*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	waitDone(t, p.Done())
	assert.Greater(t, p.Peak(), uint8(0))
}

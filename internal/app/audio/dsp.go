package audio

import (
	"math"
	"time"
)

// Gain is a fixed linear gain stage.
type Gain struct {
	Value float64
}

func (g *Gain) Process(frame []float64) {
	if g == nil || g.Value == 1 {
		return
	}
	for i := range frame {
		frame[i] *= g.Value
	}
}

// LimiterParams mirror a classic feed-forward dynamics compressor.
type LimiterParams struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
}

// DefaultLimiter keeps injected speech in a consistent loudness band
// regardless of how the source file was mastered.
var DefaultLimiter = LimiterParams{
	ThresholdDB: -24,
	KneeDB:      30,
	Ratio:       12,
	Attack:      3 * time.Millisecond,
	Release:     250 * time.Millisecond,
}

// Limiter applies gain reduction above the threshold with a soft knee.
// It keeps envelope state and must not be shared between emitters.
type Limiter struct {
	p           LimiterParams
	attackCoef  float64
	releaseCoef float64
	envelopeDB  float64
}

func NewLimiter(p LimiterParams, sampleRate int) *Limiter {
	return &Limiter{
		p:           p,
		attackCoef:  timeCoef(p.Attack, sampleRate),
		releaseCoef: timeCoef(p.Release, sampleRate),
	}
}

func timeCoef(d time.Duration, sampleRate int) float64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

// reduction is the static curve: dB of gain reduction for an input level in dB.
func (l *Limiter) reduction(levelDB float64) float64 {
	slope := 1 - 1/l.p.Ratio
	over := levelDB - l.p.ThresholdDB
	knee := l.p.KneeDB
	switch {
	case knee > 0 && math.Abs(over) <= knee/2:
		x := over + knee/2
		return slope * x * x / (2 * knee)
	case over > 0:
		return slope * over
	default:
		return 0
	}
}

func (l *Limiter) Process(frame []float64) {
	for i, x := range frame {
		level := 20 * math.Log10(math.Abs(x)+1e-9)
		target := l.reduction(level)
		coef := l.releaseCoef
		if target > l.envelopeDB {
			coef = l.attackCoef
		}
		l.envelopeDB = target + coef*(l.envelopeDB-target)
		frame[i] = x * math.Pow(10, -l.envelopeDB/20)
	}
}

func toFloat(in []int16, out []float64) {
	for i, s := range in {
		out[i] = float64(s) / 32768
	}
}

func toPCM16LE(in []float64, out []byte) {
	for i, f := range in {
		v := math.Round(f * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		s := uint16(int16(v))
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
}

// level maps the mean absolute amplitude of a frame to 0..255.
func level(frame []float64) uint8 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, f := range frame {
		sum += math.Abs(f)
	}
	v := sum / float64(len(frame)) * 255
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

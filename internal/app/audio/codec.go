package audio

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Codec describes the wire format emitters produce.
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   int
	Ptime       time.Duration
}

// PCMU is μ-law at 8kHz in 20ms frames, what every provider in use negotiates.
var PCMU = Codec{
	Name:        "PCMU",
	PayloadType: 0,
	ClockRate:   8000,
	Ptime:       20 * time.Millisecond,
}

// SamplesPerFrame is also the RTP timestamp increment per frame.
func (c Codec) SamplesPerFrame() int {
	return int(int64(c.ClockRate) * c.Ptime.Milliseconds() / 1000)
}

func (c Codec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: uint32(c.ClockRate)}
}

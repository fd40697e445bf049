package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints describe a capture request.
type Constraints struct {
	Audio bool
	Video bool
}

// Stream is a local media stream with a single audio track.
type Stream interface {
	ID() string
	Track() webrtc.TrackLocal
	// Level is the last output level of the stream, 0..255.
	Level() uint8
	Active() bool
	Stop()
}

// Capturer acquires capture streams (the "getUserMedia" entry point).
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (Stream, error)
}

// CaptureHost owns the process-wide capture entry point.
type CaptureHost interface {
	Capturer
	Capturer() Capturer
	SetCapturer(Capturer)
}

// AudioSender is an outgoing audio sender of a negotiated transport.
type AudioSender interface {
	ID() string
	ReplaceTrack(track webrtc.TrackLocal) error
}

package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
)

var ErrVideoUnsupported = errors.New("video capture not supported")

// Microphone is the real capture device of a headless host: every capture
// gets a fresh PCMU track carrying silence until stopped.
type Microphone struct {
	ptime time.Duration
}

func NewMicrophone() *Microphone {
	return &Microphone{ptime: 20 * time.Millisecond}
}

func (m *Microphone) Capture(_ context.Context, c core.Constraints) (core.Stream, error) {
	if c.Video {
		return nil, ErrVideoUnsupported
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"mic-"+id,
		"microphone",
	)
	if err != nil {
		return nil, err
	}
	s := &silentStream{id: "mic-" + id, track: track, stop: make(chan struct{})}
	s.active.Store(true)
	go s.keepalive(m.ptime)
	log.Debug().Str("module", "adapters.device").Str("stream", s.id).Msg("microphone captured")
	return s, nil
}

type silentStream struct {
	id     string
	track  *webrtc.TrackLocalStaticRTP
	active atomic.Bool
	stop   chan struct{}
	once   sync.Once
}

func (s *silentStream) ID() string               { return s.id }
func (s *silentStream) Track() webrtc.TrackLocal { return s.track }
func (s *silentStream) Level() uint8             { return 0 }
func (s *silentStream) Active() bool             { return s.active.Load() }

func (s *silentStream) Stop() {
	s.once.Do(func() {
		s.active.Store(false)
		close(s.stop)
	})
}

func (s *silentStream) keepalive(ptime time.Duration) {
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	var (
		seq uint16
		ts  uint32
	)
	ticker := time.NewTicker(ptime)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			seq++
			ts += 160
			if err := s.track.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    0,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         seq == 1,
				},
				Payload: silence,
			}); err != nil {
				log.Debug().Err(err).Str("module", "adapters.device").Str("stream", s.id).Msg("silence write")
			}
		}
	}
}

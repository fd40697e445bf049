// Package rtc is the pion media transport a signaling session negotiates.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

var ErrClosed = errors.New("transport closed")

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

// Transport owns one PeerConnection with a single sendrecv audio transceiver
// fed by whatever the capture host hands out.
type Transport struct {
	pc    *webrtc.PeerConnection
	token domain.Token
	host  core.Capturer

	mu       sync.Mutex
	local    core.Stream
	muted    bool
	closed   bool
	onICE    func(webrtc.ICECandidateInit)
	onClosed func()
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMA: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// NewTransport captures audio through host and attaches it to a new PeerConnection.
func NewTransport(ctx context.Context, token domain.Token, host core.Capturer, iceServers []string) (*Transport, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	local, err := host.Capture(ctx, core.Constraints{Audio: true})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	tr, err := pc.AddTransceiverFromTrack(local.Track(),
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		local.Stop()
		_ = pc.Close()
		return nil, fmt.Errorf("audio transceiver: %w", err)
	}
	go drainRTCP(tr.Sender())

	t := &Transport{pc: pc, token: token, host: host, local: local}
	t.watch()
	log.Info().Str("module", "adapters.rtc").Str("token", string(token)).Str("stream", local.ID()).Msg("media transport ready")
	return t, nil
}

func (t *Transport) watch() {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("token", string(t.token)).Str("ice_state", s.String()).Msg("ICE state")
	})
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("token", string(t.token)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.mu.Lock()
			fn := t.onClosed
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("token", string(t.token)).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		// remote audio is not played back; drain it so the interceptors keep reporting
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// AudioSenders lists the outgoing audio senders of the negotiated transport.
func (t *Transport) AudioSenders() []core.AudioSender {
	var out []core.AudioSender
	for i, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeAudio || tr.Sender() == nil {
			continue
		}
		id := tr.Mid()
		if id == "" {
			id = fmt.Sprintf("audio-%d", i)
		}
		out = append(out, &sender{id: id, s: tr.Sender()})
	}
	return out
}

// Mute detaches the outgoing track from every audio sender.
func (t *Transport) Mute() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	var errs []error
	for _, s := range t.AudioSenders() {
		if err := s.ReplaceTrack(nil); err != nil {
			errs = append(errs, err)
		}
	}
	t.muted = true
	return errors.Join(errs...)
}

// Reacquire captures again through the host and puts the new track on every
// audio sender. While interception is armed that is the synthetic stream.
func (t *Transport) Reacquire(ctx context.Context) error {
	s, err := t.host.Capture(ctx, core.Constraints{Audio: true})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.Stop()
		return ErrClosed
	}
	var errs []error
	for _, snd := range t.AudioSenders() {
		if err := snd.ReplaceTrack(s.Track()); err != nil {
			errs = append(errs, err)
		}
	}
	prev := t.local
	t.local, t.muted = s, false
	if prev != nil && prev != s {
		prev.Stop()
	}
	log.Info().Str("module", "adapters.rtc").Str("token", string(t.token)).Str("stream", s.ID()).Msg("capture reacquired")
	return errors.Join(errs...)
}

func (t *Transport) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// Local is the stream last captured for the transport.
func (t *Transport) Local() core.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return t.pc.LocalDescription(), nil
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

// OnClosed sets application-level callback for a failed or closed connection.
func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	local := t.local
	t.local = nil
	t.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("token", string(t.token)).Msg("close error")
		return err
	}
	log.Info().Str("module", "adapters.rtc").Str("token", string(t.token)).Msg("closed")
	return nil
}

type sender struct {
	id string
	s  *webrtc.RTPSender
}

func (s *sender) ID() string { return s.id }

func (s *sender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.s.ReplaceTrack(track)
}

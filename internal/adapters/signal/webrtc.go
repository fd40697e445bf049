package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type candidateFrame struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (s *Session) sendCandidate(ci webrtc.ICECandidateInit) {
	f := candidateFrame{Type: "candidate", Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
	if ci.SDPMid != nil {
		f.SDPMid = *ci.SDPMid
	}
	if err := s.sendJSON(f); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("send candidate")
	}
}

func (s *Session) handleMediaOffer(data []byte) {
	if s.media == nil {
		log.Warn().Str("module", "adapters.signal").Str("token", string(s.token)).Msg("media offer on a session without media")
		return
	}
	var p struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad offer payload")
		return
	}

	answer, err := s.media.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("webrtc apply offer")
		return
	}
	if err := s.sendJSON(map[string]string{"type": "media_answer", "sdp": answer.SDP}); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("send answer")
	}
}

func (s *Session) handleCandidate(data []byte) {
	if s.media == nil {
		log.Warn().Str("module", "adapters.signal").Str("token", string(s.token)).Msg("candidate: no media transport")
		return
	}
	var p candidateFrame
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad candidate payload")
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMLineIndex: p.SDPMLineIndex}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	if err := s.media.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("add ice candidate")
	}
}

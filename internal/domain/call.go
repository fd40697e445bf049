package domain

import "time"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOffer      Phase = "offer"
	PhaseDialing    Phase = "dialing"
	PhaseAccepted   Phase = "accepted"
	PhaseRejected   Phase = "rejected"
	PhaseTerminated Phase = "terminated"
)

// Live reports whether the phase occupies the token's call slot.
func (p Phase) Live() bool {
	return p != PhaseIdle && p != ""
}

// Settling reports whether the phase reverts to idle on its own.
func (p Phase) Settling() bool {
	return p == PhaseRejected || p == PhaseTerminated
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type CallRecord struct {
	Token             Token     `json:"sessionToken"`
	CallID            string    `json:"callId,omitempty"`
	Direction         Direction `json:"direction,omitempty"`
	Phase             Phase     `json:"phase"`
	RemotePhone       string    `json:"remotePhone,omitempty"`
	RemoteDisplayName string    `json:"remoteDisplayName,omitempty"`
	RemoteAvatarURI   string    `json:"remoteAvatarUri,omitempty"`
	StartedAt         time.Time `json:"startedAt,omitzero"`
}

// IdleRecord returns the empty call slot of a token.
func IdleRecord(token Token) CallRecord {
	return CallRecord{Token: token, Phase: PhaseIdle}
}

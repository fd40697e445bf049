package core

import (
	"context"

	"github.com/dkeye/CallDub/internal/domain"
)

//go:generate mockgen -destination=mocks/session_mock.go -package=mocks github.com/dkeye/CallDub/internal/core Session,AudioSender

// Session events.
const (
	EventSignaling  = "signaling"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// EventHandler receives the raw payload of a session event.
type EventHandler func(payload []byte)

// Session is the per-token surface of the call-signaling provider.
// Actions are provider round-trips and block until answered or ctx ends.
type Session interface {
	Token() domain.Token

	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	Mute(ctx context.Context) error
	UnMute(ctx context.Context) error
	// CallStart places an outgoing call to target (the provider "whatsappid").
	CallStart(ctx context.Context, target string) (domain.ActionResult, error)

	// On registers a handler for event; Off drops every handler of event.
	On(event string, h EventHandler)
	Off(event string)
}

// Connector opens provider sessions.
type Connector interface {
	Connect(ctx context.Context, token domain.Token) (Session, error)
}

// TrackTransport is implemented by sessions that expose their negotiated media transport.
type TrackTransport interface {
	AudioSenders() []AudioSender
}

// CaptureRestorer is implemented by sessions that can put host capture back
// on their transport once a substitution is over.
type CaptureRestorer interface {
	RestoreCapture(ctx context.Context) error
}

// EventReleaser is implemented by sessions that hold provider events until
// their owner has registered handlers.
type EventReleaser interface {
	ReleaseEvents()
}

// Disconnector is implemented by sessions that can be closed explicitly.
type Disconnector interface {
	Disconnect() error
}

// DetectCapabilities probes the optional session features once.
func DetectCapabilities(s Session) domain.Capabilities {
	var caps domain.Capabilities
	if _, ok := s.(TrackTransport); ok {
		caps.DirectTrackReplace = true
	}
	// mute/unMute belong to every session
	caps.MuteCycle = true
	if _, ok := s.(Disconnector); ok {
		caps.Disconnect = true
	}
	return caps
}

package domain

import "encoding/json"

type SignalTag string

const (
	TagOffer     SignalTag = "offer"
	TagAccept    SignalTag = "accept"
	TagReject    SignalTag = "reject"
	TagTerminate SignalTag = "terminate"
)

type SignalContent struct {
	FromTag        string `json:"from_tag"`
	Phone          string `json:"phone"`
	ProfilePicture string `json:"profile_picture"`
}

// SignalEvent is the discriminated payload of a provider "signaling" event.
type SignalEvent struct {
	Tag     SignalTag     `json:"tag"`
	Content SignalContent `json:"content"`
}

const ResultSuccess = "success"

// ActionResult is the provider answer to a session action such as callStart.
type ActionResult struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (r ActionResult) OK() bool { return r.Type == ResultSuccess }

// LogEntry is what the core hands to the log presentation layer.
type LogEntry struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp int64  `json:"timestamp"`
}

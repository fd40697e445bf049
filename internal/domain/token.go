// Package domain contains entity without logic, just meta-data
package domain

import (
	"fmt"
	"strings"
	"time"
)

const MaxTokenLen = 256

// Token identifies a device/line at the signaling provider.
type Token string

// NewToken is a tiny helper to keep token validation out of adapters.
func NewToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrTokenEmpty
	}
	if len(raw) > MaxTokenLen {
		return "", ErrTokenTooLong
	}
	return Token(raw), nil
}

type ConnectivityStatus string

const (
	StatusUnknown ConnectivityStatus = "unknown"
	StatusOnline  ConnectivityStatus = "online"
	StatusOffline ConnectivityStatus = "offline"
)

// Capabilities are the optional session features detected once at connect time.
type Capabilities struct {
	DirectTrackReplace bool `json:"supportsDirectTrackReplace"`
	MuteCycle          bool `json:"supportsMuteCycle"`
	Disconnect         bool `json:"supportsDisconnect"`
}

// ConnectionEntry is a read-only snapshot of a registered token.
type ConnectionEntry struct {
	Token        Token              `json:"token"`
	DisplayName  string             `json:"displayName"`
	Status       ConnectivityStatus `json:"status"`
	Capabilities Capabilities       `json:"capabilities"`
	RegisteredAt time.Time          `json:"registeredAt"`
}

// DisplayName returns the name shown for the n-th registered device (1-based).
func DisplayName(n int) string {
	return fmt.Sprintf("Device %d", n)
}

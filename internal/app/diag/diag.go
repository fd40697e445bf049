// Package diag runs the self-tests behind the diagnostics endpoints.
package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/intercept"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

const (
	// AudibleLevel is the peak a capture must exceed to count as audible.
	AudibleLevel  = 10
	SampleEvery   = 100 * time.Millisecond
	DefaultWindow = 3 * time.Second
)

type ArmedSource interface {
	Armed() core.Stream
	Intercepting() bool
}

type CapabilitySource interface {
	Capabilities(token domain.Token) (domain.Capabilities, error)
}

type InterceptionReport struct {
	Intercepting bool   `json:"intercepting"`
	Armed        bool   `json:"armed"`
	Redirected   bool   `json:"redirected"`
	Stream       string `json:"stream,omitempty"`
}

type CaptureReport struct {
	Stream  string        `json:"stream"`
	Samples int           `json:"samples"`
	Peak    uint8         `json:"peak"`
	Audible bool          `json:"audible"`
	Window  time.Duration `json:"window"`
}

type Diagnostics struct {
	host  core.Capturer
	state ArmedSource
	caps  CapabilitySource
}

func New(host core.Capturer, state ArmedSource, caps CapabilitySource) *Diagnostics {
	return &Diagnostics{host: host, state: state, caps: caps}
}

// CheckInterception asks the host for audio and reports whether the armed
// synthetic stream came back.
func (d *Diagnostics) CheckInterception(ctx context.Context) (InterceptionReport, error) {
	armed := d.state.Armed()
	rep := InterceptionReport{Intercepting: d.state.Intercepting(), Armed: armed != nil}

	s, err := d.host.Capture(ctx, core.Constraints{Audio: true})
	if err != nil {
		return rep, fmt.Errorf("capture: %w", err)
	}
	defer s.Stop()

	rep.Stream = s.ID()
	rep.Redirected = armed != nil && intercept.Owner(s) == armed
	log.Info().
		Str("module", "app.diag").
		Bool("intercepting", rep.Intercepting).
		Bool("redirected", rep.Redirected).
		Str("stream", rep.Stream).
		Msg("interception check")
	return rep, nil
}

// CheckCapture samples the level of a fresh audio capture for window.
func (d *Diagnostics) CheckCapture(ctx context.Context, window time.Duration) (CaptureReport, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	s, err := d.host.Capture(ctx, core.Constraints{Audio: true})
	if err != nil {
		return CaptureReport{}, fmt.Errorf("capture: %w", err)
	}
	defer s.Stop()

	rep := CaptureReport{Stream: s.ID(), Window: window}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	ticker := time.NewTicker(SampleEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			rep.Samples++
			if lvl := s.Level(); lvl > rep.Peak {
				rep.Peak = lvl
			}
			if !s.Active() {
				break loop
			}
		}
	}
	rep.Audible = rep.Peak > AudibleLevel
	log.Info().
		Str("module", "app.diag").
		Str("stream", rep.Stream).
		Uint8("peak", rep.Peak).
		Bool("audible", rep.Audible).
		Msg("capture check")
	return rep, nil
}

func (d *Diagnostics) Capabilities(token domain.Token) (domain.Capabilities, error) {
	return d.caps.Capabilities(token)
}

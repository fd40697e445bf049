// Package intercept redirects the process-wide capture entry point to a
// synthetic stream while one is armed.
package intercept

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

// State is the single interception instance of the process.
// Invariant: intercepting is true iff original has been saved.
type State struct {
	host core.CaptureHost

	mu           sync.RWMutex
	original     core.Capturer
	wrapper      *capturer
	armed        core.Stream
	intercepting bool
}

func New(host core.CaptureHost) *State {
	return &State{host: host}
}

// Arm saves the original capturer once, installs the wrapper and hands out stream.
func (s *State) Arm(stream core.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = stream
	if s.intercepting {
		return
	}
	s.original = s.host.Capturer()
	s.wrapper = &capturer{state: s}
	s.host.SetCapturer(s.wrapper)
	s.intercepting = true
	log.Info().Str("module", "app.intercept").Str("stream", streamID(stream)).Msg("capture interception armed")
}

// SetArmedStream swaps what the wrapper hands out; nil means pass-through.
func (s *State) SetArmedStream(stream core.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = stream
}

// Disarm restores the original capturer. Safe when never armed.
func (s *State) Disarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = nil
	if !s.intercepting {
		return nil
	}
	current := s.host.Capturer()
	s.host.SetCapturer(s.original)
	wrapper := s.wrapper
	s.original, s.wrapper, s.intercepting = nil, nil, false
	log.Info().Str("module", "app.intercept").Msg("capture interception disarmed")

	if current != core.Capturer(wrapper) {
		// someone replaced the wrapper behind our back; the original wins anyway
		return fmt.Errorf("capture host held %T: %w", current, domain.ErrInterceptionRestoreFailed)
	}
	return nil
}

func (s *State) Armed() core.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armed
}

func (s *State) Intercepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intercepting
}

func (s *State) passThrough() core.Capturer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.original
}

type capturer struct {
	state *State
}

func (c *capturer) Capture(ctx context.Context, cons core.Constraints) (core.Stream, error) {
	if cons.Audio {
		if armed := c.state.Armed(); armed != nil {
			log.Debug().Str("module", "app.intercept").Str("stream", armed.ID()).Msg("capture redirected to armed stream")
			return borrowed{armed}, nil
		}
	}
	orig := c.state.passThrough()
	if orig == nil {
		return nil, fmt.Errorf("capture: no original capturer")
	}
	return orig.Capture(ctx, cons)
}

// borrowed hands the armed stream to a consumer without giving it ownership:
// the orchestrator alone may stop the emitter behind it.
type borrowed struct {
	core.Stream
}

func (borrowed) Stop() {}

// Owner unwraps a stream handed out by the wrapper.
func Owner(s core.Stream) core.Stream {
	if b, ok := s.(borrowed); ok {
		return b.Stream
	}
	return s
}

func streamID(s core.Stream) string {
	if s == nil {
		return ""
	}
	return s.ID()
}

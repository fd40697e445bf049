package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/domain"
)

type ContextState string

const (
	ContextSuspended ContextState = "suspended"
	ContextRunning   ContextState = "running"
	ContextClosed    ContextState = "closed"
)

// ProcessingContext gates every emitter built on it: a suspended context
// holds output, a closed one cannot be resumed and must be recreated.
type ProcessingContext struct {
	id string

	mu    sync.RWMutex
	state ContextState
}

// NewProcessingContext starts suspended, like a freshly created audio context.
func NewProcessingContext() *ProcessingContext {
	return &ProcessingContext{id: uuid.NewString(), state: ContextSuspended}
}

func (c *ProcessingContext) ID() string { return c.id }

func (c *ProcessingContext) State() ContextState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ProcessingContext) Running() bool {
	return c.State() == ContextRunning
}

// Resume moves a suspended context to running. The move itself never blocks:
// ctx only refuses the resume when the caller is already cancelled or out of
// time, which is how the factory's resume timeout surfaces.
func (c *ProcessingContext) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resume context: %w: %w", domain.ErrContextUnavailable, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ContextRunning:
		return nil
	case ContextClosed:
		return fmt.Errorf("resume context %s: closed: %w", c.id, domain.ErrContextUnavailable)
	}
	c.state = ContextRunning
	log.Debug().Str("module", "app.audio").Str("context", c.id).Msg("context resumed")
	return nil
}

func (c *ProcessingContext) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ContextRunning {
		c.state = ContextSuspended
		log.Debug().Str("module", "app.audio").Str("context", c.id).Msg("context suspended")
	}
}

func (c *ProcessingContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ContextClosed
}

// Package inject sequences the strategies that put the synthetic stream
// into a live call and tears all of them down again.
package inject

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

const restoreTimeout = 5 * time.Second

// BundleSource builds bundles and local players from the current asset.
type BundleSource interface {
	Create(ctx context.Context) (*audio.Bundle, error)
	NewPlayer(ctx context.Context, limit time.Duration) (*audio.Player, error)
}

// Interceptor is the capture interception the orchestrator drives.
type Interceptor interface {
	Arm(stream core.Stream)
	SetArmedStream(stream core.Stream)
	Disarm() error
	Armed() core.Stream
}

// Target is what a run injects into.
type Target struct {
	Session core.Session
	Caps    domain.Capabilities
	// Deferred builds and arms without starting the emitter; the next
	// non-deferred run of the token adopts that pending bundle.
	Deferred bool
}

type SenderResult struct {
	Sender string `json:"sender"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type StepResult struct {
	Step  StepKind  `json:"step"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Status is a snapshot of one token's injection.
type Status struct {
	Token      domain.Token   `json:"token"`
	Generation uint64         `json:"generation"`
	Live       bool           `json:"live"`
	Deferred   bool           `json:"deferred"`
	Armed      bool           `json:"armed"`
	Emitters   int            `json:"emitters"`
	Players    int            `json:"players"`
	Senders    []SenderResult `json:"senders"`
	Steps      []StepResult   `json:"steps"`
}

type injection struct {
	gen      uint64
	live     bool
	deferred bool
	cancel   context.CancelFunc

	pending *audio.Bundle
	bundles []*audio.Bundle
	players []*audio.Player

	armed    core.Stream
	armedSeq uint64

	// restore is the session whose transport a step touched; Stop hands it
	// back to host capture.
	restore core.CaptureRestorer

	senders []SenderResult
	steps   []StepResult
}

// Orchestrator owns every emitter and player it creates, per token.
// A token's generation counter is the only cancellation mechanism:
// any step whose captured generation is stale is a silent no-op.
type Orchestrator struct {
	src  BundleSource
	icpt Interceptor
	plan Plan

	mu     sync.Mutex
	runs   map[domain.Token]*injection
	armSeq uint64

	wg sync.WaitGroup
}

func New(src BundleSource, icpt Interceptor, plan Plan) *Orchestrator {
	return &Orchestrator{
		src:  src,
		icpt: icpt,
		plan: plan,
		runs: make(map[domain.Token]*injection),
	}
}

// Run starts a new generation for token, invalidating whatever the previous
// one still had scheduled, and returns the new generation.
func (o *Orchestrator) Run(token domain.Token, target Target) uint64 {
	o.mu.Lock()
	inj, ok := o.runs[token]
	if !ok {
		inj = &injection{}
		o.runs[token] = inj
	}

	var adopt *audio.Bundle
	if !target.Deferred && inj.pending != nil && inj.pending.Emitter.State() == audio.EmitterIdle {
		adopt = inj.pending
		inj.bundles = without(inj.bundles, adopt)
	}
	o.quiesceLocked(token, inj)

	inj.gen++
	gen := inj.gen
	inj.live = true
	inj.deferred = target.Deferred
	ctx, cancel := context.WithCancel(context.Background())
	inj.cancel = cancel
	if adopt != nil {
		inj.bundles = append(inj.bundles, adopt)
	}
	o.mu.Unlock()

	log.Info().
		Str("module", "app.inject").
		Str("token", string(token)).
		Uint64("gen", gen).
		Bool("deferred", target.Deferred).
		Bool("adopted", adopt != nil).
		Msg("injection run scheduled")

	o.wg.Add(1)
	go o.sequence(ctx, token, gen, target, adopt)
	return gen
}

// Stop cancels pending steps, stops every emitter and player of token and
// releases the interception. A transport the run substituted on gets host
// capture back. Safe to call repeatedly or before any Run.
func (o *Orchestrator) Stop(token domain.Token) {
	o.mu.Lock()
	restore := o.stopLocked(token)
	if !o.anyLiveLocked(token) {
		o.disarmLocked()
	}
	o.mu.Unlock()

	o.restoreCapture(token, restore)
}

// StopAll stops every token.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	restores := make(map[domain.Token]core.CaptureRestorer, len(o.runs))
	for t := range o.runs {
		if r := o.stopLocked(t); r != nil {
			restores[t] = r
		}
	}
	o.disarmLocked()
	o.mu.Unlock()

	for t, r := range restores {
		o.restoreCapture(t, r)
	}
}

func (o *Orchestrator) stopLocked(token domain.Token) core.CaptureRestorer {
	inj, ok := o.runs[token]
	if !ok {
		return nil
	}
	wasLive := inj.live
	o.quiesceLocked(token, inj)
	inj.gen++
	inj.live = false
	inj.deferred = false
	restore := inj.restore
	inj.restore = nil
	if wasLive {
		log.Info().Str("module", "app.inject").Str("token", string(token)).Uint64("gen", inj.gen).Msg("injection stopped")
	}
	return restore
}

// restoreCapture runs after disarm so the transport reacquires real capture.
func (o *Orchestrator) restoreCapture(token domain.Token, r core.CaptureRestorer) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if err := r.RestoreCapture(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.inject").Str("token", string(token)).Msg("capture restore failed")
		return
	}
	log.Info().Str("module", "app.inject").Str("token", string(token)).Msg("capture restored on transport")
}

// Wait blocks until every sequencer goroutine has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) Live(token domain.Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	inj, ok := o.runs[token]
	return ok && inj.live
}

func (o *Orchestrator) Status(token domain.Token) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Token: token}
	inj, ok := o.runs[token]
	if !ok {
		return st
	}
	st.Generation = inj.gen
	st.Live = inj.live
	st.Deferred = inj.deferred
	st.Armed = inj.armed != nil && o.icpt.Armed() == inj.armed
	for _, b := range inj.bundles {
		if b.Emitter.State() != audio.EmitterStopped {
			st.Emitters++
		}
	}
	for _, p := range inj.players {
		if p.State() != audio.EmitterStopped {
			st.Players++
		}
	}
	st.Senders = append([]SenderResult(nil), inj.senders...)
	st.Steps = append([]StepResult(nil), inj.steps...)
	return st
}

// quiesceLocked stops everything inj owns and hands the armed stream back
// to another live token if it was this token's.
func (o *Orchestrator) quiesceLocked(token domain.Token, inj *injection) {
	if inj.cancel != nil {
		inj.cancel()
		inj.cancel = nil
	}
	for _, b := range inj.bundles {
		b.Stop()
	}
	for _, p := range inj.players {
		p.Stop()
	}
	inj.bundles, inj.players, inj.pending = nil, nil, nil
	inj.senders, inj.steps = nil, nil

	if inj.armed != nil && o.icpt.Armed() == inj.armed {
		o.icpt.SetArmedStream(o.latestArmedLocked(token))
	}
	inj.armed = nil
}

func (o *Orchestrator) latestArmedLocked(except domain.Token) core.Stream {
	var (
		best core.Stream
		seq  uint64
	)
	for t, inj := range o.runs {
		if t == except || !inj.live || inj.armed == nil {
			continue
		}
		if inj.armedSeq > seq {
			best, seq = inj.armed, inj.armedSeq
		}
	}
	return best
}

func (o *Orchestrator) anyLiveLocked(except domain.Token) bool {
	for t, inj := range o.runs {
		if t != except && inj.live {
			return true
		}
	}
	return false
}

func (o *Orchestrator) disarmLocked() {
	if err := o.icpt.Disarm(); err != nil {
		log.Warn().Err(err).Str("module", "app.inject").Msg("interception restore")
	}
}

// current reports whether gen is still the live generation of token.
func (o *Orchestrator) current(token domain.Token, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked(token, gen)
}

func (o *Orchestrator) currentLocked(token domain.Token, gen uint64) bool {
	inj, ok := o.runs[token]
	return ok && inj.live && inj.gen == gen
}

func without(list []*audio.Bundle, b *audio.Bundle) []*audio.Bundle {
	out := list[:0]
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}

package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

// errStale ends a run silently: a newer generation or a Stop took over.
var errStale = errors.New("stale generation")

// audibleLevel is the level a local playback peak must exceed to count as audible.
const audibleLevel = 10

type runState struct {
	token  domain.Token
	gen    uint64
	target Target
	bundle *audio.Bundle
	// replaced counts senders now carrying the bundle track.
	replaced int
	logger   zerolog.Logger
}

func (o *Orchestrator) sequence(ctx context.Context, token domain.Token, gen uint64, target Target, adopt *audio.Bundle) {
	defer o.wg.Done()

	rs := &runState{
		token:  token,
		gen:    gen,
		target: target,
		bundle: adopt,
		logger: log.With().Str("module", "app.inject").Str("token", string(token)).Uint64("gen", gen).Logger(),
	}
	for _, st := range o.plan.Steps {
		if !sleep(ctx, st.Delay) || !o.current(token, gen) {
			return
		}
		if target.Deferred && !st.Kind.runsDeferred() {
			continue
		}
		err := o.runStep(ctx, st.Kind, rs)
		if errors.Is(err, errStale) {
			return
		}
		o.record(rs, st.Kind, err)
		if err != nil {
			rs.logger.Warn().Err(&domain.StepError{Step: string(st.Kind), Err: err}).Msg("injection step failed, continuing")
			continue
		}
		rs.logger.Debug().Str("step", string(st.Kind)).Msg("injection step done")
	}
}

// runStep isolates one step: a panic inside it is reported like any error.
func (o *Orchestrator) runStep(ctx context.Context, kind StepKind, rs *runState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch kind {
	case StepBuildBundle:
		return o.buildBundle(ctx, rs)
	case StepArm:
		return o.arm(rs)
	case StepReplaceTrack:
		return o.replaceTrack(rs)
	case StepMuteCycle:
		return o.muteCycle(ctx, rs)
	case StepLocalPlayback:
		return o.localPlayback(ctx, rs)
	default:
		return fmt.Errorf("unknown step %q", kind)
	}
}

func (o *Orchestrator) buildBundle(ctx context.Context, rs *runState) error {
	if rs.bundle == nil {
		b, err := o.src.Create(ctx)
		if err != nil {
			return err
		}
		o.mu.Lock()
		if !o.currentLocked(rs.token, rs.gen) {
			o.mu.Unlock()
			b.Stop()
			return errStale
		}
		inj := o.runs[rs.token]
		inj.bundles = append(inj.bundles, b)
		if rs.target.Deferred {
			inj.pending = b
		}
		o.mu.Unlock()
		rs.bundle = b
	}
	if rs.target.Deferred {
		rs.logger.Info().Str("bundle", rs.bundle.ID).Msg("bundle pending until call is accepted")
		return nil
	}
	if err := rs.bundle.Start(); err != nil {
		if !o.current(rs.token, rs.gen) {
			return errStale
		}
		return err
	}
	rs.logger.Info().Str("bundle", rs.bundle.ID).Msg("synthetic stream started")
	return nil
}

func (o *Orchestrator) arm(rs *runState) error {
	if rs.bundle == nil {
		return errors.New("no bundle to arm")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(rs.token, rs.gen) {
		return errStale
	}
	o.armSeq++
	inj := o.runs[rs.token]
	inj.armed = rs.bundle.Stream
	inj.armedSeq = o.armSeq
	o.icpt.Arm(rs.bundle.Stream)
	return nil
}

func (o *Orchestrator) replaceTrack(rs *runState) error {
	if !rs.target.Caps.DirectTrackReplace {
		return errors.New("session exposes no media transport")
	}
	tt, ok := rs.target.Session.(core.TrackTransport)
	if !ok {
		return errors.New("session exposes no media transport")
	}
	if rs.bundle == nil {
		return errors.New("no bundle track to substitute")
	}
	senders := tt.AudioSenders()
	if len(senders) == 0 {
		rs.logger.Info().Msg("no outgoing audio senders found")
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(rs.token, rs.gen) {
		return errStale
	}
	inj := o.runs[rs.token]
	var errs []error
	for _, s := range senders {
		res := SenderResult{Sender: s.ID(), OK: true}
		if err := s.ReplaceTrack(rs.bundle.Track); err != nil {
			res.OK, res.Error = false, err.Error()
			errs = append(errs, fmt.Errorf("sender %s: %w", s.ID(), err))
		} else {
			rs.replaced++
		}
		inj.senders = append(inj.senders, res)
	}
	if rs.replaced > 0 {
		o.markRestoreLocked(inj, rs.target.Session)
	}
	rs.logger.Info().Int("senders", len(senders)).Int("replaced", rs.replaced).Msg("direct track substitution")
	if rs.replaced == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (o *Orchestrator) muteCycle(ctx context.Context, rs *runState) error {
	if rs.replaced > 0 {
		return nil
	}
	if !rs.target.Caps.MuteCycle || rs.target.Session == nil {
		return errors.New("session cannot mute")
	}
	o.mu.Lock()
	if !o.currentLocked(rs.token, rs.gen) {
		o.mu.Unlock()
		return errStale
	}
	o.markRestoreLocked(o.runs[rs.token], rs.target.Session)
	o.mu.Unlock()

	var errs []error
	for i := 1; i <= o.plan.MuteAttempts; i++ {
		if !o.current(rs.token, rs.gen) {
			return errStale
		}
		if err := rs.target.Session.Mute(ctx); err != nil {
			errs = append(errs, fmt.Errorf("attempt %d mute: %w", i, err))
			continue
		}
		if !sleep(ctx, o.plan.MuteHold) || !o.current(rs.token, rs.gen) {
			return errStale
		}
		if err := rs.target.Session.UnMute(ctx); err != nil {
			errs = append(errs, fmt.Errorf("attempt %d unmute: %w", i, err))
			continue
		}
		rs.logger.Info().Int("attempt", i).Msg("mute cycle done")
		if i < o.plan.MuteAttempts && !sleep(ctx, o.plan.MuteSettle) {
			return errStale
		}
	}
	if len(errs) == o.plan.MuteAttempts {
		return errors.Join(errs...)
	}
	return nil
}

func (o *Orchestrator) localPlayback(ctx context.Context, rs *runState) error {
	if !o.plan.LocalPlayback {
		return nil
	}
	p, err := o.src.NewPlayer(ctx, o.plan.PlaybackLimit)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if !o.currentLocked(rs.token, rs.gen) {
		o.mu.Unlock()
		p.Stop()
		return errStale
	}
	inj := o.runs[rs.token]
	inj.players = append(inj.players, p)
	o.mu.Unlock()

	if err := p.Start(); err != nil {
		return err
	}
	logger := rs.logger
	go func() {
		<-p.Done()
		peak := p.Peak()
		logger.Info().
			Uint8("peak", peak).
			Bool("audible", peak > audibleLevel).
			Msg("local playback finished")
	}()
	return nil
}

// markRestoreLocked remembers a session whose transport the run is about to
// leave on a synthetic or detached track.
func (o *Orchestrator) markRestoreLocked(inj *injection, sess core.Session) {
	if r, ok := sess.(core.CaptureRestorer); ok {
		inj.restore = r
	}
}

func (o *Orchestrator) record(rs *runState, kind StepKind, err error) {
	res := StepResult{Step: kind, OK: err == nil, At: time.Now()}
	if err != nil {
		res.Error = err.Error()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentLocked(rs.token, rs.gen) {
		inj := o.runs[rs.token]
		inj.steps = append(inj.steps, res)
	}
}

// sleep waits d or until ctx is cancelled; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

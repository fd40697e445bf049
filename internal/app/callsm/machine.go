// Package callsm holds the per-token call state machine.
package callsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/inject"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

const DefaultSettleDelay = 250 * time.Millisecond

// Injector is the part of the orchestrator the machine drives.
type Injector interface {
	Run(token domain.Token, target inject.Target) uint64
	Stop(token domain.Token)
}

type Options struct {
	SettleDelay time.Duration
}

// Machine tracks the single call slot of one token.
//
//	idle → offer → accepted | rejected
//	idle → dialing → accepted | terminated
//	accepted → terminated
//
// rejected and terminated revert to idle after the settle delay.
type Machine struct {
	token    domain.Token
	session  core.Session
	caps     domain.Capabilities
	injector Injector
	settle   time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	record  domain.CallRecord
	epoch   uint64
	dialing bool
	held    []domain.SignalEvent
	timer   *time.Timer
	closed  bool

	// fxMu orders injector side effects against Close.
	fxMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(domain.CallRecord)
}

func New(session core.Session, caps domain.Capabilities, injector Injector, opts Options) *Machine {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	token := session.Token()
	return &Machine{
		token:    token,
		session:  session,
		caps:     caps,
		injector: injector,
		settle:   opts.SettleDelay,
		now:      time.Now,
		logger:   log.With().Str("module", "app.callsm").Str("token", string(token)).Logger(),
		record:   domain.IdleRecord(token),
	}
}

func (m *Machine) Token() domain.Token { return m.token }

// Snapshot returns a copy of the current call record.
func (m *Machine) Snapshot() domain.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Subscribe registers fn for every record change. fn must not block.
func (m *Machine) Subscribe(fn func(domain.CallRecord)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) notify(rec domain.CallRecord) {
	m.obsMu.RLock()
	obs := make([]func(domain.CallRecord), len(m.observers))
	copy(obs, m.observers)
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(rec)
	}
}

// OnSignal applies a provider signaling event. Unknown tags are logged and ignored.
// Call events that race an unconfirmed dial are held and replayed once the
// dial enters the dialing phase.
func (m *Machine) OnSignal(ev domain.SignalEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.dialing && !m.record.Phase.Live() && ev.Tag != domain.TagOffer {
		m.held = append(m.held, ev)
		m.mu.Unlock()
		m.logger.Debug().Str("tag", string(ev.Tag)).Msg("signal held until dial is confirmed")
		return
	}
	from := m.record.Phase
	fx, ok := m.signalLocked(ev)
	rec := m.record
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info().Str("tag", string(ev.Tag)).Str("from", string(from)).Str("to", string(rec.Phase)).Msg("signal applied")
	m.apply(fx, rec)
}

// signalLocked moves the phase for ev; false means ev did not apply.
func (m *Machine) signalLocked(ev domain.SignalEvent) (effects, bool) {
	from := m.record.Phase
	switch ev.Tag {
	case domain.TagOffer:
		if from.Live() || m.dialing {
			m.logger.Warn().Str("phase", string(from)).Str("phone", ev.Content.Phone).Msg("offer ignored, call slot busy")
			return effects{}, false
		}
		m.record = domain.CallRecord{
			Token:             m.token,
			CallID:            uuid.NewString(),
			Direction:         domain.DirectionIncoming,
			Phase:             domain.PhaseOffer,
			RemotePhone:       ev.Content.Phone,
			RemoteDisplayName: ev.Content.FromTag,
			RemoteAvatarURI:   ev.Content.ProfilePicture,
		}
		m.epoch++
		return effects{}, true
	case domain.TagAccept:
		if from == domain.PhaseOffer || from == domain.PhaseDialing {
			return m.enterLocked(domain.PhaseAccepted), true
		}
	case domain.TagReject:
		switch from {
		case domain.PhaseOffer:
			return m.enterLocked(domain.PhaseRejected), true
		case domain.PhaseDialing:
			return m.enterLocked(domain.PhaseTerminated), true
		}
	case domain.TagTerminate:
		switch from {
		case domain.PhaseOffer:
			return m.enterLocked(domain.PhaseRejected), true
		case domain.PhaseDialing, domain.PhaseAccepted:
			return m.enterLocked(domain.PhaseTerminated), true
		}
	default:
		m.logger.Warn().Str("tag", string(ev.Tag)).Msg("unknown signaling tag")
		return effects{}, false
	}
	m.logger.Debug().Str("tag", string(ev.Tag)).Str("phase", string(from)).Msg("signal ignored in phase")
	return effects{}, false
}

// Accept answers the offered call.
func (m *Machine) Accept(ctx context.Context) error {
	epoch, err := m.expect(domain.PhaseOffer)
	if err != nil {
		return err
	}
	if err := m.session.AcceptCall(ctx); err != nil {
		return fmt.Errorf("accept call: %w", err)
	}
	return m.transition(epoch, domain.PhaseAccepted)
}

// Reject declines the offered call.
func (m *Machine) Reject(ctx context.Context) error {
	epoch, err := m.expect(domain.PhaseOffer)
	if err != nil {
		return err
	}
	if err := m.session.RejectCall(ctx); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	return m.transition(epoch, domain.PhaseRejected)
}

// End hangs up an accepted or ringing outgoing call.
func (m *Machine) End(ctx context.Context) error {
	epoch, err := m.expect(domain.PhaseAccepted, domain.PhaseDialing)
	if err != nil {
		return err
	}
	if err := m.session.EndCall(ctx); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return m.transition(epoch, domain.PhaseTerminated)
}

func (m *Machine) Mute(ctx context.Context) error {
	if _, err := m.expect(domain.PhaseAccepted); err != nil {
		return err
	}
	return m.session.Mute(ctx)
}

func (m *Machine) UnMute(ctx context.Context) error {
	if _, err := m.expect(domain.PhaseAccepted); err != nil {
		return err
	}
	return m.session.UnMute(ctx)
}

// Dial places an outgoing call. The phase stays idle until the provider
// confirms; a refusal surfaces as *domain.DialError.
func (m *Machine) Dial(ctx context.Context, phone string) error {
	if phone == "" {
		return domain.ErrPhoneEmpty
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionUnavailable
	}
	if m.record.Phase.Live() || m.dialing {
		phase := m.record.Phase
		m.mu.Unlock()
		return fmt.Errorf("dial in phase %s: %w", phase, domain.ErrInvalidState)
	}
	m.dialing = true
	epoch := m.epoch
	m.mu.Unlock()

	res, err := m.session.CallStart(ctx, phone)

	m.mu.Lock()
	m.dialing = false
	held := m.held
	m.held = nil
	if err != nil {
		m.mu.Unlock()
		m.dropHeld(held)
		return fmt.Errorf("call start: %w", err)
	}
	if !res.OK() {
		m.mu.Unlock()
		m.dropHeld(held)
		m.logger.Warn().Str("phone", phone).Str("result", res.Type).Msg("dial refused")
		return &domain.DialError{Result: res}
	}
	if m.closed || m.epoch != epoch || m.record.Phase.Live() {
		m.mu.Unlock()
		m.dropHeld(held)
		return fmt.Errorf("dial overtaken: %w", domain.ErrInvalidState)
	}
	info := parseDialResult(res)
	m.record = domain.CallRecord{
		Token:           m.token,
		CallID:          info.callID,
		Direction:       domain.DirectionOutgoing,
		Phase:           domain.PhaseIdle,
		RemotePhone:     phone,
		RemoteAvatarURI: info.avatar,
	}
	steps := []applied{{fx: m.enterLocked(domain.PhaseDialing), rec: m.record}}
	for _, ev := range held {
		if fx, ok := m.signalLocked(ev); ok {
			steps = append(steps, applied{fx: fx, rec: m.record})
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("phone", phone).Str("call_id", steps[0].rec.CallID).Int("held", len(held)).Msg("dialing")
	for _, st := range steps {
		m.apply(st.fx, st.rec)
	}
	return nil
}

type applied struct {
	fx  effects
	rec domain.CallRecord
}

func (m *Machine) dropHeld(held []domain.SignalEvent) {
	for _, ev := range held {
		m.logger.Debug().Str("tag", string(ev.Tag)).Msg("held signal dropped, dial did not go through")
	}
}

// ForceTerminate ends a live call locally, e.g. when the session dropped.
// An unanswered offer ends as rejected.
func (m *Machine) ForceTerminate(reason string) {
	m.mu.Lock()
	from := m.record.Phase
	if !from.Live() || from.Settling() {
		m.mu.Unlock()
		return
	}
	to := domain.PhaseTerminated
	if from == domain.PhaseOffer {
		to = domain.PhaseRejected
	}
	fx := m.enterLocked(to)
	rec := m.record
	m.mu.Unlock()

	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("call ended locally")
	m.apply(fx, rec)
}

// Close stops the settle timer; later events are ignored. It returns once no
// injection run can be started by this machine anymore.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.fxMu.Lock()
	defer m.fxMu.Unlock()
}

func (m *Machine) expect(phases ...domain.Phase) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, domain.ErrSessionUnavailable
	}
	for _, p := range phases {
		if m.record.Phase == p {
			return m.epoch, nil
		}
	}
	return 0, fmt.Errorf("phase %s: %w", m.record.Phase, domain.ErrInvalidState)
}

// transition completes a local action if nothing moved the phase meanwhile.
func (m *Machine) transition(epoch uint64, to domain.Phase) error {
	m.mu.Lock()
	if m.epoch != epoch {
		phase := m.record.Phase
		m.mu.Unlock()
		return fmt.Errorf("phase moved to %s: %w", phase, domain.ErrInvalidState)
	}
	from := m.record.Phase
	fx := m.enterLocked(to)
	rec := m.record
	m.mu.Unlock()

	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("local action applied")
	m.apply(fx, rec)
	return nil
}

type effects struct {
	run      bool
	deferred bool
	teardown bool
}

// enterLocked moves to phase and returns the side effects to run unlocked.
func (m *Machine) enterLocked(phase domain.Phase) effects {
	m.epoch++
	m.record.Phase = phase
	var fx effects
	switch phase {
	case domain.PhaseAccepted:
		m.record.StartedAt = m.now()
		fx.run = true
	case domain.PhaseDialing:
		fx.run, fx.deferred = true, true
	case domain.PhaseRejected, domain.PhaseTerminated:
		fx.teardown = true
		m.scheduleSettleLocked(m.epoch)
	}
	return fx
}

func (m *Machine) apply(fx effects, rec domain.CallRecord) {
	m.fxMu.Lock()
	switch {
	case fx.teardown:
		m.injector.Stop(m.token)
	case fx.run:
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			m.logger.Debug().Msg("machine closed, injection not started")
			break
		}
		m.injector.Run(m.token, inject.Target{Session: m.session, Caps: m.caps, Deferred: fx.deferred})
	}
	m.fxMu.Unlock()
	m.notify(rec)
}

func (m *Machine) scheduleSettleLocked(epoch uint64) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		if m.closed || m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.epoch++
		m.record = domain.IdleRecord(m.token)
		m.timer = nil
		rec := m.record
		m.mu.Unlock()
		m.notify(rec)
	})
}

type dialInfo struct {
	callID string
	avatar string
}

// parseDialResult reads the call id and the remote picture of a confirmed dial.
func parseDialResult(res domain.ActionResult) dialInfo {
	var body struct {
		CallID         string `json:"call_id"`
		ID             string `json:"id"`
		ProfilePicture string `json:"profile_picture"`
	}
	var info dialInfo
	if len(res.Result) > 0 && json.Unmarshal(res.Result, &body) == nil {
		info.avatar = body.ProfilePicture
		info.callID = body.CallID
		if info.callID == "" {
			info.callID = body.ID
		}
	}
	if info.callID == "" {
		info.callID = uuid.NewString()
	}
	return info
}

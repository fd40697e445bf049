// Package registry maps tokens to their live sessions and call machines.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/CallDub/internal/app/callsm"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

type entry struct {
	info    domain.ConnectionEntry
	session core.Session
	machine *callsm.Machine
}

type Registry struct {
	connector core.Connector
	injector  callsm.Injector
	opts      callsm.Options

	group singleflight.Group

	mu      sync.RWMutex
	entries map[domain.Token]*entry
	order   []domain.Token
	seq     int

	obsMu   sync.RWMutex
	devices []func([]domain.ConnectionEntry)
	calls   []func(domain.CallRecord)
}

func New(connector core.Connector, injector callsm.Injector, opts callsm.Options) *Registry {
	return &Registry{
		connector: connector,
		injector:  injector,
		opts:      opts,
		entries:   make(map[domain.Token]*entry),
	}
}

// Register opens a session for raw. A token already registered is returned
// as is; concurrent calls for one token share a single connect.
func (r *Registry) Register(ctx context.Context, raw string) (domain.ConnectionEntry, error) {
	token, err := domain.NewToken(raw)
	if err != nil {
		return domain.ConnectionEntry{}, err
	}
	if e, ok := r.lookup(token); ok {
		return e.info, nil
	}

	v, err, shared := r.group.Do(string(token), func() (any, error) {
		if e, ok := r.lookup(token); ok {
			return e.info, nil
		}
		return r.connect(ctx, token)
	})
	if err != nil {
		return domain.ConnectionEntry{}, err
	}
	if shared {
		log.Debug().Str("module", "app.registry").Str("token", string(token)).Msg("register joined in-flight connect")
	}
	return v.(domain.ConnectionEntry), nil
}

func (r *Registry) connect(ctx context.Context, token domain.Token) (domain.ConnectionEntry, error) {
	sess, err := r.connector.Connect(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("token", string(token)).Msg("connect failed")
		return domain.ConnectionEntry{}, fmt.Errorf("connect %s: %w", token, err)
	}
	caps := core.DetectCapabilities(sess)
	m := callsm.New(sess, caps, r.injector, r.opts)

	// obsMu before mu, as in SubscribeCalls
	r.obsMu.RLock()
	for _, fn := range r.calls {
		m.Subscribe(fn)
	}
	r.mu.Lock()
	r.seq++
	e := &entry{
		info: domain.ConnectionEntry{
			Token:        token,
			DisplayName:  domain.DisplayName(r.seq),
			Status:       domain.StatusOnline,
			Capabilities: caps,
			RegisteredAt: time.Now(),
		},
		session: sess,
		machine: m,
	}
	r.entries[token] = e
	r.order = append(r.order, token)
	info := e.info
	r.mu.Unlock()
	r.obsMu.RUnlock()

	r.wire(token, sess, m)
	log.Info().
		Str("module", "app.registry").
		Str("token", string(token)).
		Str("name", info.DisplayName).
		Bool("direct_replace", caps.DirectTrackReplace).
		Msg("registered device")
	r.publish()
	return info, nil
}

func (r *Registry) wire(token domain.Token, sess core.Session, m *callsm.Machine) {
	sess.On(core.EventSignaling, guard(token, core.EventSignaling, func(payload []byte) {
		var ev domain.SignalEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("token", string(token)).Msg("bad signaling payload")
			return
		}
		m.OnSignal(ev)
	}))
	sess.On(core.EventConnect, guard(token, core.EventConnect, func([]byte) {
		r.setStatus(token, domain.StatusOnline)
	}))
	sess.On(core.EventDisconnect, guard(token, core.EventDisconnect, func([]byte) {
		r.setStatus(token, domain.StatusOffline)
		r.injector.Stop(token)
		m.ForceTerminate("session disconnected")
	}))
	if rel, ok := sess.(core.EventReleaser); ok {
		rel.ReleaseEvents()
	}
}

// guard keeps a panicking handler from taking down the session's read pump.
func guard(token domain.Token, event string, h core.EventHandler) core.EventHandler {
	return func(payload []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("module", "app.registry").
					Str("token", string(token)).
					Str("event", event).
					Interface("panic", rec).
					Msg("event handler panicked")
			}
		}()
		h(payload)
	}
}

func (r *Registry) setStatus(token domain.Token, status domain.ConnectivityStatus) {
	r.mu.Lock()
	e, ok := r.entries[token]
	if !ok || e.info.Status == status {
		r.mu.Unlock()
		return
	}
	e.info.Status = status
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("token", string(token)).Str("status", string(status)).Msg("connectivity changed")
	r.publish()
}

// Unregister tears the session down and forgets the token. Unknown tokens are a no-op.
func (r *Registry) Unregister(token domain.Token) {
	r.mu.Lock()
	e, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
		r.order = removeToken(r.order, token)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, ev := range []string{core.EventSignaling, core.EventConnect, core.EventDisconnect} {
		e.session.Off(ev)
	}
	// closing first guarantees no in-flight action can start a run after Stop
	e.machine.Close()
	r.injector.Stop(token)
	if d, ok := e.session.(core.Disconnector); ok {
		if err := d.Disconnect(); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("token", string(token)).Msg("disconnect failed")
		}
	} else {
		log.Info().Str("module", "app.registry").Str("token", string(token)).Msg("session has no disconnect, dropped")
	}
	log.Info().Str("module", "app.registry").Str("token", string(token)).Msg("unregistered device")
	r.publish()
}

// Shutdown unregisters every token.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	tokens := append([]domain.Token(nil), r.order...)
	r.mu.RUnlock()
	for _, t := range tokens {
		r.Unregister(t)
	}
}

// Entries returns the registered devices in registration order.
func (r *Registry) Entries() []domain.ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectionEntry, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.entries[t].info)
	}
	return out
}

func (r *Registry) Entry(token domain.Token) (domain.ConnectionEntry, bool) {
	e, ok := r.lookup(token)
	if !ok {
		return domain.ConnectionEntry{}, false
	}
	return e.info, true
}

// Machine returns the call machine of token or ErrSessionUnavailable.
func (r *Registry) Machine(token domain.Token) (*callsm.Machine, error) {
	e, ok := r.lookup(token)
	if !ok {
		return nil, fmt.Errorf("%s: %w", token, domain.ErrSessionUnavailable)
	}
	return e.machine, nil
}

// Capabilities returns what was detected for token at connect time.
func (r *Registry) Capabilities(token domain.Token) (domain.Capabilities, error) {
	e, ok := r.lookup(token)
	if !ok {
		return domain.Capabilities{}, fmt.Errorf("%s: %w", token, domain.ErrSessionUnavailable)
	}
	return e.info.Capabilities, nil
}

// SubscribeDevices registers fn for every change of the device list.
func (r *Registry) SubscribeDevices(fn func([]domain.ConnectionEntry)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.devices = append(r.devices, fn)
}

// SubscribeCalls registers fn on the call machines of current and future devices.
func (r *Registry) SubscribeCalls(fn func(domain.CallRecord)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.calls = append(r.calls, fn)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.machine.Subscribe(fn)
	}
}

func (r *Registry) publish() {
	snap := r.Entries()
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, fn := range r.devices {
		fn(snap)
	}
}

func (r *Registry) lookup(token domain.Token) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	return e, ok
}

func removeToken(list []domain.Token, t domain.Token) []domain.Token {
	out := list[:0]
	for _, x := range list {
		if x != t {
			out = append(out, x)
		}
	}
	return out
}

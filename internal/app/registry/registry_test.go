package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/CallDub/internal/app/callsm"
	"github.com/dkeye/CallDub/internal/app/inject"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/core/mocks"
	"github.com/dkeye/CallDub/internal/domain"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeSession records handlers so tests can play provider events.
type fakeSession struct {
	*mocks.MockSession

	mu       sync.Mutex
	handlers map[string]core.EventHandler
	closed   atomic.Int32

	// wiredOnRelease is how many handlers were registered when events were released
	wiredOnRelease atomic.Int32
}

func (s *fakeSession) ReleaseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wiredOnRelease.Store(int32(len(s.handlers)))
}

func (s *fakeSession) emit(event string, payload []byte) {
	s.mu.Lock()
	h := s.handlers[event]
	s.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (s *fakeSession) Disconnect() error {
	s.closed.Add(1)
	return nil
}

type fakeConnector struct {
	ctrl     *gomock.Controller
	connects atomic.Int32
	fail     error
	delay    time.Duration

	mu       sync.Mutex
	sessions map[domain.Token]*fakeSession
}

func (c *fakeConnector) Connect(_ context.Context, token domain.Token) (core.Session, error) {
	c.connects.Add(1)
	time.Sleep(c.delay)
	if c.fail != nil {
		return nil, c.fail
	}
	s := &fakeSession{MockSession: mocks.NewMockSession(c.ctrl), handlers: make(map[string]core.EventHandler)}
	s.EXPECT().Token().Return(token).AnyTimes()
	s.EXPECT().On(gomock.Any(), gomock.Any()).Do(func(ev string, h core.EventHandler) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers[ev] = h
	}).AnyTimes()
	s.EXPECT().Off(gomock.Any()).Do(func(ev string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, ev)
	}).AnyTimes()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[token] = s
	return s, nil
}

func (c *fakeConnector) session(token domain.Token) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[token]
}

type stopCounter struct {
	mu    sync.Mutex
	stops map[domain.Token]int
	runs  map[domain.Token]int
}

func (s *stopCounter) Run(token domain.Token, _ inject.Target) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[token]++
	return uint64(s.runs[token])
}

func (s *stopCounter) runCount(token domain.Token) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[token]
}

func (s *stopCounter) Stop(token domain.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[token]++
}

func (s *stopCounter) count(token domain.Token) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops[token]
}

func newRegistry(t *testing.T) (*Registry, *fakeConnector, *stopCounter) {
	t.Helper()
	conn := &fakeConnector{ctrl: gomock.NewController(t), sessions: make(map[domain.Token]*fakeSession)}
	inj := &stopCounter{stops: make(map[domain.Token]int), runs: make(map[domain.Token]int)}
	r := New(conn, inj, callsm.Options{SettleDelay: 10 * time.Millisecond})
	t.Cleanup(r.Shutdown)
	return r, conn, inj
}

// ============================================================================
// Register
// ============================================================================

func TestRegister_Idempotent(t *testing.T) {
	r, conn, _ := newRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "T1")
	require.NoError(t, err)
	second, err := r.Register(ctx, "  T1 ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, r.Entries(), 1)
	assert.EqualValues(t, 1, conn.connects.Load())
}

func TestRegister_ConcurrentCallsShareConnect(t *testing.T) {
	r, conn, _ := newRegistry(t)
	conn.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(context.Background(), "T1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, r.Entries(), 1)
	assert.EqualValues(t, 1, conn.connects.Load())
}

func TestRegister_EntriesInOrder(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "T1")
	require.NoError(t, err)
	_, err = r.Register(ctx, "T2")
	require.NoError(t, err)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.Token("T1"), entries[0].Token)
	assert.Equal(t, "Device 1", entries[0].DisplayName)
	assert.Equal(t, "Device 2", entries[1].DisplayName)
	assert.Equal(t, domain.StatusOnline, entries[0].Status)
	assert.True(t, entries[0].Capabilities.MuteCycle)
	assert.True(t, entries[0].Capabilities.Disconnect)
	assert.False(t, entries[0].Capabilities.DirectTrackReplace)
}

func TestRegister_ReleasesEventsAfterWiring(t *testing.T) {
	r, conn, _ := newRegistry(t)
	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)

	assert.EqualValues(t, 3, conn.session("T1").wiredOnRelease.Load())
}

func TestRegister_Errors(t *testing.T) {
	r, conn, _ := newRegistry(t)

	_, err := r.Register(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrTokenEmpty)

	conn.fail = errors.New("dial tcp: refused")
	_, err = r.Register(context.Background(), "T1")
	require.Error(t, err)
	assert.Empty(t, r.Entries())
}

// ============================================================================
// Events
// ============================================================================

func TestEvents_SignalingDrivesMachine(t *testing.T) {
	r, conn, _ := newRegistry(t)
	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)

	conn.session("T1").emit(core.EventSignaling,
		[]byte(`{"tag":"offer","content":{"from_tag":"Alice","phone":"+1555","profile_picture":""}}`))

	m, err := r.Machine("T1")
	require.NoError(t, err)
	rec := m.Snapshot()
	assert.Equal(t, domain.PhaseOffer, rec.Phase)
	assert.Equal(t, "Alice", rec.RemoteDisplayName)

	// garbage is logged and dropped
	conn.session("T1").emit(core.EventSignaling, []byte(`{not json`))
	assert.Equal(t, domain.PhaseOffer, m.Snapshot().Phase)
}

func TestEvents_DisconnectKeepsEntry(t *testing.T) {
	r, conn, inj := newRegistry(t)
	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)
	sess := conn.session("T1")

	sess.emit(core.EventSignaling, []byte(`{"tag":"offer","content":{"phone":"+1555"}}`))
	sess.emit(core.EventSignaling, []byte(`{"tag":"accept"}`))
	sess.emit(core.EventDisconnect, nil)

	e, ok := r.Entry("T1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOffline, e.Status)
	assert.GreaterOrEqual(t, inj.count("T1"), 1)

	m, err := r.Machine("T1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTerminated, m.Snapshot().Phase)

	sess.emit(core.EventConnect, nil)
	e, _ = r.Entry("T1")
	assert.Equal(t, domain.StatusOnline, e.Status)
}

func TestEvents_SubscribersSeeChanges(t *testing.T) {
	r, conn, _ := newRegistry(t)

	var devices, calls atomic.Int32
	r.SubscribeDevices(func([]domain.ConnectionEntry) { devices.Add(1) })
	r.SubscribeCalls(func(domain.CallRecord) { calls.Add(1) })

	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)
	conn.session("T1").emit(core.EventSignaling, []byte(`{"tag":"offer","content":{"phone":"+1555"}}`))

	assert.EqualValues(t, 1, devices.Load())
	assert.EqualValues(t, 1, calls.Load())
}

// ============================================================================
// Unregister
// ============================================================================

func TestUnregister(t *testing.T) {
	r, conn, inj := newRegistry(t)
	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)
	sess := conn.session("T1")

	r.Unregister("T1")

	assert.Empty(t, r.Entries())
	assert.Equal(t, 1, inj.count("T1"))
	assert.EqualValues(t, 1, sess.closed.Load())
	_, err = r.Machine("T1")
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
	_, err = r.Capabilities("T1")
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)

	// listeners are detached
	sess.emit(core.EventDisconnect, nil)
	assert.Equal(t, 1, inj.count("T1"))

	r.Unregister("T1")
	r.Unregister("never")
	assert.Equal(t, 1, inj.count("T1"))
}

func TestUnregister_DuringAcceptStartsNoInjection(t *testing.T) {
	r, conn, inj := newRegistry(t)
	_, err := r.Register(context.Background(), "T1")
	require.NoError(t, err)
	sess := conn.session("T1")
	sess.emit(core.EventSignaling, []byte(`{"tag":"offer","content":{"phone":"+1555"}}`))

	entered := make(chan struct{})
	release := make(chan struct{})
	sess.EXPECT().AcceptCall(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	m, err := r.Machine("T1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Accept(context.Background()) }()
	<-entered
	r.Unregister("T1")
	close(release)

	assert.ErrorIs(t, <-done, domain.ErrInvalidState)
	assert.Zero(t, inj.runCount("T1"))
	assert.Equal(t, 1, inj.count("T1"))
}

func TestUnregister_ThenRegisterAgain(t *testing.T) {
	r, conn, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "T1")
	require.NoError(t, err)
	r.Unregister("T1")
	e, err := r.Register(ctx, "T1")
	require.NoError(t, err)

	assert.Equal(t, "Device 2", e.DisplayName)
	assert.EqualValues(t, 2, conn.connects.Load())
}

package inject

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/CallDub/internal/adapters/device"
	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/app/intercept"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/core/mocks"
	"github.com/dkeye/CallDub/internal/domain"
)

// ============================================================================
// Test helpers
// ============================================================================

type fixture struct {
	orch    *Orchestrator
	cache   *audio.AssetCache
	state   *intercept.State
	devices *device.Devices
	mic     core.Capturer
}

func testPlan() Plan {
	p := NewPlan(0, 0)
	p.MuteHold = 5 * time.Millisecond
	p.MuteSettle = 5 * time.Millisecond
	p.LocalPlayback = false
	return p
}

func newFixture(t *testing.T, plan Plan, withAsset bool) *fixture {
	t.Helper()
	cache := audio.NewAssetCache()
	if withAsset {
		_, err := cache.Load("prompt.wav", toneWAV(8000))
		require.NoError(t, err)
	}
	mic := device.NewMicrophone()
	devices := device.NewDevices(mic)
	state := intercept.New(devices)
	o := New(audio.NewFactory(cache, audio.DefaultFactoryOptions()), state, plan)
	t.Cleanup(func() {
		o.StopAll()
		o.Wait()
	})
	return &fixture{orch: o, cache: cache, state: state, devices: devices, mic: mic}
}

func toneWAV(n int) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVEfmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint32(out, 8000)
	out = binary.LittleEndian.AppendUint32(out, 16000)
	out = binary.LittleEndian.AppendUint16(out, 2)
	out = binary.LittleEndian.AppendUint16(out, 16)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...)
}

// transportSession is a session that exposes audio senders.
type transportSession struct {
	*mocks.MockSession
	senders []core.AudioSender
}

func (s *transportSession) AudioSenders() []core.AudioSender { return s.senders }

func stepsDone(o *Orchestrator, token domain.Token, n int) func() bool {
	return func() bool { return len(o.Status(token).Steps) >= n }
}

func stepByKind(st Status, kind StepKind) (StepResult, bool) {
	for _, s := range st.Steps {
		if s.Step == kind {
			return s, true
		}
	}
	return StepResult{}, false
}

// ============================================================================
// Run
// ============================================================================

func TestRun_DirectSubstitution(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)

	sender := mocks.NewMockAudioSender(ctrl)
	sender.EXPECT().ID().Return("sender-1").AnyTimes()
	sender.EXPECT().ReplaceTrack(gomock.Any()).Return(nil)
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl), senders: []core.AudioSender{sender}}

	gen := f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	assert.Equal(t, uint64(1), gen)
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	st := f.orch.Status("T1")
	assert.True(t, st.Live)
	assert.True(t, st.Armed)
	assert.Equal(t, 1, st.Emitters)
	require.Len(t, st.Senders, 1)
	assert.True(t, st.Senders[0].OK)
	for _, s := range st.Steps {
		assert.True(t, s.OK, "step %s: %s", s.Step, s.Error)
	}

	got, err := f.devices.Capture(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	assert.Same(t, f.state.Armed(), intercept.Owner(got))
}

func TestRun_NoSendersFallsBackToMuteCycle(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)

	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).Times(3)
	sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).Times(3)

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	res, ok := stepByKind(f.orch.Status("T1"), StepMuteCycle)
	require.True(t, ok)
	assert.True(t, res.OK)
}

func TestRun_StepFailureDoesNotBlockNext(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)

	sender := mocks.NewMockAudioSender(ctrl)
	sender.EXPECT().ID().Return("sender-1").AnyTimes()
	sender.EXPECT().ReplaceTrack(gomock.Any()).Return(errors.New("codec mismatch"))
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl), senders: []core.AudioSender{sender}}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(errors.New("not in call")).Times(3)

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	st := f.orch.Status("T1")
	replace, _ := stepByKind(st, StepReplaceTrack)
	assert.False(t, replace.OK)
	assert.Contains(t, replace.Error, "codec mismatch")
	mute, _ := stepByKind(st, StepMuteCycle)
	assert.False(t, mute.OK)
	playback, ok := stepByKind(st, StepLocalPlayback)
	assert.True(t, ok)
	assert.True(t, playback.OK)
	assert.True(t, st.Armed, "interception survives later failures")
}

func TestRun_WithoutAssetKeepsFallingBack(t *testing.T) {
	f := newFixture(t, testPlan(), false)
	ctrl := gomock.NewController(t)

	sess := mocks.NewMockSession(ctrl)
	sess.EXPECT().Mute(gomock.Any()).Return(nil).Times(3)
	sess.EXPECT().UnMute(gomock.Any()).Return(nil).Times(3)

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	st := f.orch.Status("T1")
	build, _ := stepByKind(st, StepBuildBundle)
	assert.False(t, build.OK)
	assert.Contains(t, build.Error, domain.ErrContextUnavailable.Error())
	mute, _ := stepByKind(st, StepMuteCycle)
	assert.True(t, mute.OK)
	assert.False(t, f.state.Intercepting())
}

func TestRun_SupersedesPreviousGeneration(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).AnyTimes()
	sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).AnyTimes()
	target := Target{Session: sess, Caps: core.DetectCapabilities(sess)}

	f.orch.Run("T1", target)
	require.Eventually(t, func() bool { return f.orch.Status("T1").Armed }, 2*time.Second, 10*time.Millisecond)
	first := f.state.Armed()

	gen := f.orch.Run("T1", target)
	assert.Equal(t, uint64(2), gen)
	assert.False(t, first.Active(), "previous generation's emitter is stopped")
	require.Eventually(t, func() bool { return f.orch.Status("T1").Armed }, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, first.ID(), f.state.Armed().ID())
}

func TestRun_DeferredBundleIsAdopted(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).AnyTimes()
	sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).AnyTimes()
	caps := core.DetectCapabilities(sess)

	f.orch.Run("T1", Target{Session: sess, Caps: caps, Deferred: true})
	require.Eventually(t, stepsDone(f.orch, "T1", 3), 2*time.Second, 10*time.Millisecond)
	pending := f.state.Armed()
	require.NotNil(t, pending)
	assert.True(t, f.orch.Status("T1").Deferred)
	assert.Len(t, f.orch.Status("T1").Steps, 3, "mute cycle and playback wait for the call")

	f.orch.Run("T1", Target{Session: sess, Caps: caps})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, pending.ID(), f.state.Armed().ID())
	assert.True(t, pending.Active())
	assert.Equal(t, 1, f.orch.Status("T1").Emitters)
}

// ============================================================================
// Stop
// ============================================================================

func TestStop_BeforeRunAndTwice(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	assert.NotPanics(t, func() {
		f.orch.Stop("never-ran")
		f.orch.Stop("never-ran")
	})
	assert.False(t, f.orch.Live("never-ran"))
	assert.Same(t, f.mic, f.devices.Capturer())
}

func TestStop_PendingStepsBecomeNoops(t *testing.T) {
	plan := testPlan()
	plan.Steps[0].Delay = 150 * time.Millisecond
	f := newFixture(t, plan, true)
	ctrl := gomock.NewController(t)
	sess := mocks.NewMockSession(ctrl)

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	f.orch.Stop("T1")
	time.Sleep(300 * time.Millisecond)
	f.orch.Wait()

	st := f.orch.Status("T1")
	assert.False(t, st.Live)
	assert.Empty(t, st.Steps)
	assert.Zero(t, st.Emitters)
	assert.False(t, f.state.Intercepting())
	assert.Nil(t, f.state.Armed())
}

func TestStop_StopsEmittersAndRestoresCapture(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).AnyTimes()
	sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).AnyTimes()

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	require.Eventually(t, func() bool { return f.orch.Status("T1").Armed }, 2*time.Second, 10*time.Millisecond)
	stream := f.state.Armed()

	f.orch.Stop("T1")
	f.orch.Stop("T1")

	assert.False(t, stream.Active())
	assert.Nil(t, f.state.Armed())
	assert.False(t, f.state.Intercepting())
	assert.Same(t, f.mic, f.devices.Capturer())
}

func TestStop_OtherLiveTokenKeepsItsStream(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	newTarget := func() Target {
		sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
		sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).AnyTimes()
		sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).AnyTimes()
		return Target{Session: sess, Caps: core.DetectCapabilities(sess)}
	}

	f.orch.Run("T1", newTarget())
	require.Eventually(t, func() bool { return f.orch.Status("T1").Armed }, 2*time.Second, 10*time.Millisecond)
	t1Stream := f.state.Armed()

	f.orch.Run("T2", newTarget())
	require.Eventually(t, func() bool { return f.orch.Status("T2").Armed }, 2*time.Second, 10*time.Millisecond)
	t2Stream := f.state.Armed()
	require.NotEqual(t, t1Stream.ID(), t2Stream.ID())

	t.Run("stopping the non-armed token leaves the armed stream", func(t *testing.T) {
		f.orch.Stop("T1")
		assert.False(t, t1Stream.Active())
		assert.True(t, f.state.Intercepting())
		assert.Equal(t, t2Stream.ID(), f.state.Armed().ID())
		assert.True(t, t2Stream.Active())
	})

	t.Run("stopping the last live token disarms", func(t *testing.T) {
		f.orch.Stop("T2")
		assert.False(t, f.state.Intercepting())
		assert.Same(t, f.mic, f.devices.Capturer())
	})
}

func TestStop_ArmedTokenHandsBackToOtherLive(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	sess := &transportSession{MockSession: mocks.NewMockSession(ctrl)}
	sess.MockSession.EXPECT().Mute(gomock.Any()).Return(nil).AnyTimes()
	sess.MockSession.EXPECT().UnMute(gomock.Any()).Return(nil).AnyTimes()
	target := Target{Session: sess, Caps: core.DetectCapabilities(sess)}

	f.orch.Run("T1", target)
	require.Eventually(t, func() bool { return f.orch.Status("T1").Armed }, 2*time.Second, 10*time.Millisecond)
	t1Stream := f.state.Armed()
	f.orch.Run("T2", target)
	require.Eventually(t, func() bool { return f.orch.Status("T2").Armed }, 2*time.Second, 10*time.Millisecond)

	f.orch.Stop("T2")
	assert.True(t, f.state.Intercepting())
	assert.Equal(t, t1Stream.ID(), f.state.Armed().ID())
}

// restoringSession records when its transport gets host capture back.
type restoringSession struct {
	*transportSession
	state *intercept.State

	mu             sync.Mutex
	restores       int
	armedOnRestore bool
}

func (s *restoringSession) RestoreCapture(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores++
	s.armedOnRestore = s.armedOnRestore || s.state.Intercepting()
	return nil
}

func (s *restoringSession) restored() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restores, s.armedOnRestore
}

func TestStop_RestoresSubstitutedTransport(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)

	sender := mocks.NewMockAudioSender(ctrl)
	sender.EXPECT().ID().Return("sender-1").AnyTimes()
	sender.EXPECT().ReplaceTrack(gomock.Any()).Return(nil)
	sess := &restoringSession{
		transportSession: &transportSession{MockSession: mocks.NewMockSession(ctrl), senders: []core.AudioSender{sender}},
		state:            f.state,
	}

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	f.orch.Stop("T1")
	n, armed := sess.restored()
	assert.Equal(t, 1, n)
	assert.False(t, armed, "capture is restored only after the interception is released")

	f.orch.Stop("T1")
	n, _ = sess.restored()
	assert.Equal(t, 1, n)
}

func TestStop_RestoresAfterInterruptedMuteCycle(t *testing.T) {
	plan := testPlan()
	plan.MuteHold = time.Minute
	f := newFixture(t, plan, false)
	ctrl := gomock.NewController(t)

	muted := make(chan struct{})
	sess := &restoringSession{
		transportSession: &transportSession{MockSession: mocks.NewMockSession(ctrl)},
		state:            f.state,
	}
	sess.MockSession.EXPECT().Mute(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(muted)
		return nil
	})

	f.orch.Run("T1", Target{Session: sess, Caps: core.DetectCapabilities(sess)})
	select {
	case <-muted:
	case <-time.After(2 * time.Second):
		t.Fatal("mute cycle never started")
	}

	f.orch.Stop("T1")
	n, _ := sess.restored()
	assert.Equal(t, 1, n)
}

func TestStop_UntouchedTransportIsLeftAlone(t *testing.T) {
	f := newFixture(t, testPlan(), true)
	ctrl := gomock.NewController(t)
	sess := &restoringSession{
		transportSession: &transportSession{MockSession: mocks.NewMockSession(ctrl)},
		state:            f.state,
	}

	f.orch.Run("T1", Target{Session: sess, Caps: domain.Capabilities{DirectTrackReplace: true}})
	require.Eventually(t, stepsDone(f.orch, "T1", 5), 2*time.Second, 10*time.Millisecond)

	f.orch.Stop("T1")
	n, _ := sess.restored()
	assert.Zero(t, n)
}

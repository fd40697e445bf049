package inject

import "time"

// StepKind tags one strategy of the fallback sequence.
type StepKind string

const (
	StepBuildBundle   StepKind = "build_bundle"
	StepArm           StepKind = "arm_interception"
	StepReplaceTrack  StepKind = "replace_track"
	StepMuteCycle     StepKind = "mute_cycle"
	StepLocalPlayback StepKind = "local_playback"
)

// Step runs after Delay has elapsed since the previous step finished.
type Step struct {
	Kind  StepKind
	Delay time.Duration
}

// Plan is the ordered fallback sequence and the bounds of its retrying steps.
type Plan struct {
	Steps []Step

	MuteAttempts int
	MuteHold     time.Duration
	MuteSettle   time.Duration

	LocalPlayback bool
	PlaybackLimit time.Duration
}

func DefaultPlan() Plan {
	return NewPlan(500*time.Millisecond, time.Second)
}

// NewPlan lays out the five steps: build after initial, arm and replace
// right behind it, then the mute cycle and local playback spaced by step.
func NewPlan(initial, step time.Duration) Plan {
	return Plan{
		Steps: []Step{
			{Kind: StepBuildBundle, Delay: initial},
			{Kind: StepArm},
			{Kind: StepReplaceTrack},
			{Kind: StepMuteCycle, Delay: step},
			{Kind: StepLocalPlayback, Delay: step},
		},
		MuteAttempts:  3,
		MuteHold:      time.Second,
		MuteSettle:    2 * time.Second,
		LocalPlayback: true,
		PlaybackLimit: 3 * time.Second,
	}
}

// runsDeferred reports whether the step also runs while an outgoing call rings.
func (k StepKind) runsDeferred() bool {
	switch k {
	case StepBuildBundle, StepArm, StepReplaceTrack:
		return true
	}
	return false
}

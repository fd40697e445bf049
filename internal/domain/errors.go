package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState              = errors.New("invalid call state")
	ErrSessionUnavailable        = errors.New("session unavailable")
	ErrDialFailed                = errors.New("dial failed")
	ErrContextUnavailable        = errors.New("audio context unavailable")
	ErrInjectionStepFailed       = errors.New("injection step failed")
	ErrInterceptionRestoreFailed = errors.New("interception restore failed")

	ErrTokenEmpty   = errors.New("token empty")
	ErrTokenTooLong = errors.New("token too long")
	ErrPhoneEmpty   = errors.New("phone empty")
	ErrEmitterSpent = errors.New("emitter already used")
)

// DialError carries the provider payload of a refused callStart.
type DialError struct {
	Result ActionResult
}

func (e *DialError) Error() string {
	if len(e.Result.Result) == 0 {
		return fmt.Sprintf("dial failed: %s", e.Result.Type)
	}
	return fmt.Sprintf("dial failed: %s: %s", e.Result.Type, e.Result.Result)
}

func (e *DialError) Unwrap() error { return ErrDialFailed }

// StepError wraps the failure of one injection step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("injection step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{ErrInjectionStepFailed, e.Err} }

package engine

import (
	"encoding/json"
	"fmt"
)

// Phase represents the externally visible state of a sequencer run.
type Phase string

const (
	// PhaseIdle indicates the sequencer has been created but not started.
	PhaseIdle Phase = "idle"

	// PhaseRunning indicates steps are being dispatched.
	PhaseRunning Phase = "running"

	// PhaseTeaching indicates a step exhausted its retries and the run waits for a human operator.
	PhaseTeaching Phase = "teaching"

	// PhaseComplete indicates every step in the order succeeded.
	PhaseComplete Phase = "complete"

	// PhaseError indicates the run was terminated by a fault, an operator failure or cancellation.
	PhaseError Phase = "error"
)

// IsTerminal returns true if no further transition can leave the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// IsActive returns true if the run has started and not yet terminated.
func (p Phase) IsActive() bool {
	return p == PhaseRunning || p == PhaseTeaching
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseIdle, PhaseRunning, PhaseTeaching, PhaseComplete, PhaseError:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// CanTransitionTo reports whether the state machine allows moving from p to next.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhaseIdle:
		return next == PhaseRunning
	case PhaseRunning:
		return next == PhaseTeaching || next == PhaseComplete || next == PhaseError
	case PhaseTeaching:
		return next == PhaseRunning || next == PhaseError
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Phase(s)
	return p.Validate()
}

// StepStatus represents the status of a single step within a run.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been dispatched yet.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is currently being dispatched.
	StepStatusRunning StepStatus = "running"

	// StepStatusSuccess indicates the step completed, automatically or by an operator.
	StepStatusSuccess StepStatus = "success"

	// StepStatusFailure indicates the step failed and the run did not recover it.
	StepStatusFailure StepStatus = "failure"

	// StepStatusHuman indicates the step exhausted its retries and awaits an operator.
	StepStatusHuman StepStatus = "human"
)

// IsTerminal returns true if the step will not be dispatched again in this run.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailure
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSuccess, StepStatusFailure, StepStatusHuman:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

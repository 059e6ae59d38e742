package sequencer

import (
	"time"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// StepState is the externally visible status of one step.
type StepState struct {
	Status       engine.StepStatus `json:"status"`
	Duration     time.Duration     `json:"duration"`
	Attempts     int               `json:"attempts"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Snapshot is a point-in-time copy of a run. Values returned by the
// Sequencer are never modified afterwards.
type Snapshot struct {
	RunID         string               `json:"run_id"`
	AssemblyID    string               `json:"assembly_id"`
	Phase         engine.Phase         `json:"phase"`
	CurrentStepID string               `json:"current_step_id,omitempty"`
	StepStates    map[string]StepState `json:"step_states"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	states := make(map[string]StepState, len(s.StepStates))
	for id, st := range s.StepStates {
		states[id] = st
	}
	s.StepStates = states
	return s
}

// Counts returns how many steps are in each status.
func (s Snapshot) Counts() map[engine.StepStatus]int {
	counts := make(map[engine.StepStatus]int)
	for _, st := range s.StepStates {
		counts[st.Status]++
	}
	return counts
}

// Listener receives a snapshot after every transition. It is called from
// the sequencer goroutine and must not block for long.
type Listener func(Snapshot)

package stores

import (
	"context"
	"time"

	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/sequencer"
)

// Run is the persisted state of one sequencer run.
type Run struct {
	ID          string       `json:"id"`
	AssemblyID  string       `json:"assembly_id"`
	Phase       engine.Phase `json:"phase"`
	CurrentStep string       `json:"current_step,omitempty"`
	Error       *string      `json:"error,omitempty"`
	Snapshot    string       `json:"snapshot"` // JSON blob
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// StepRecord is one finalized attempt of a step.
type StepRecord struct {
	ID           int64     `json:"id"`
	RunID        *string   `json:"run_id,omitempty"`
	AssemblyID   string    `json:"assembly_id"`
	StepID       string    `json:"step_id"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	HandlerUsed  string    `json:"handler_used"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	PeakForce    float64   `json:"peak_force"`
	Confidence   *float64  `json:"confidence,omitempty"`
	Verification *string   `json:"verification,omitempty"` // JSON blob
	CompletedAt  time.Time `json:"completed_at"`
}

// EventRecord is a persisted run event.
type EventRecord struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	AssemblyID string           `json:"assembly_id"`
	StepID     string           `json:"step_id,omitempty"`
	Type       engine.EventType `json:"type"`
	Level      string           `json:"level"`
	Message    string           `json:"message"`
	Details    *string          `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time        `json:"timestamp"`
}

// StepStats aggregates the recorded attempts of one step.
type StepStats struct {
	AssemblyID    string  `json:"assembly_id"`
	StepID        string  `json:"step_id"`
	Attempts      int     `json:"attempts"`
	Successes     int     `json:"successes"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxPeakForce  float64 `json:"max_peak_force"`
}

// SuccessRate is Successes/Attempts, or 0 when nothing was recorded.
func (s StepStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// StepFilter narrows ListStepResults. Empty fields match everything.
type StepFilter struct {
	RunID      string
	AssemblyID string
	StepID     string
	Limit      int
	Offset     int
}

// Store defines the persistence layer used by the CLI.
type Store interface {
	engine.AnalyticsRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	SaveSnapshot(ctx context.Context, snap sequencer.Snapshot) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, assemblyID string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Step results
	Recorder(runID string) engine.AnalyticsRecorder
	ListStepResults(ctx context.Context, filter StepFilter) ([]*StepRecord, error)
	StepStats(ctx context.Context, assemblyID string) ([]StepStats, error)

	// Events
	AppendEvent(ctx context.Context, event engine.Event) error
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

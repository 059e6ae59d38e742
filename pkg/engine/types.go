package engine

import (
	"image"
	"time"
)

// Handler names reported in StepResult.HandlerUsed.
const (
	HandlerPrimitive = "primitive"
	HandlerPolicy    = "policy"
	HandlerHuman     = "human"
)

// StepResult is the outcome of a single dispatch attempt.
// It is produced once per attempt and never mutated afterwards;
// the With* helpers return modified copies.
type StepResult struct {
	// Success indicates whether the attempt completed successfully.
	Success bool `json:"success"`

	// Duration is the wall-clock time spent on the attempt.
	Duration time.Duration `json:"duration"`

	// HandlerUsed is the handler that executed the attempt (primitive, policy or human).
	HandlerUsed string `json:"handler_used"`

	// ErrorMessage describes the failure, if any.
	ErrorMessage string `json:"error_message,omitempty"`

	// FinalPosition is the measured end-effector position, when reported.
	FinalPosition []float64 `json:"final_position,omitempty"`

	// PeakForce is the maximum force measured during the attempt.
	PeakForce float64 `json:"peak_force,omitempty"`

	// ForceHistory is the force time series measured during the attempt.
	ForceHistory []float64 `json:"force_history,omitempty"`

	// ForceSensed is set when the handler collected force telemetry, even if
	// it recorded no samples.
	ForceSensed bool `json:"force_sensed,omitempty"`

	// Verification is the verifier verdict, when the attempt was verified.
	Verification *VerificationResult `json:"verification,omitempty"`

	// Attempt is the 1-based attempt number within the run.
	Attempt int `json:"attempt,omitempty"`

	// CompletedAt is when the attempt finished.
	CompletedAt time.Time `json:"completed_at"`
}

// ExecutionData converts the telemetry carried by the result into verifier input.
func (r StepResult) ExecutionData() ExecutionData {
	data := ExecutionData{
		FinalPosition: r.FinalPosition,
		ForceHistory:  r.ForceHistory,
		PeakForce:     r.PeakForce,
		ForceSensed:   r.ForceSensed,
		Duration:      r.Duration,
	}
	if n := len(r.ForceHistory); n > 0 {
		data.FinalForce = r.ForceHistory[n-1]
	}
	return data
}

// WithVerification returns a copy of r carrying the verdict. A failed verdict
// turns a successful attempt into a failed one.
func (r StepResult) WithVerification(v VerificationResult) StepResult {
	r.Verification = &v
	if r.Success && !v.Passed {
		r.Success = false
		r.ErrorMessage = "verification failed: " + v.Detail
	}
	return r
}

// WithAttempt returns a copy of r stamped with the attempt number.
func (r StepResult) WithAttempt(attempt int) StepResult {
	r.Attempt = attempt
	return r
}

// FailedResult builds a failed StepResult.
func FailedResult(handler string, started time.Time, message string) StepResult {
	now := time.Now()
	return StepResult{
		Success:      false,
		Duration:     now.Sub(started),
		HandlerUsed:  handler,
		ErrorMessage: message,
		CompletedAt:  now,
	}
}

// PrimitiveResult is what a primitive executor reports for one motion.
type PrimitiveResult struct {
	// Success indicates whether the motion met its own termination condition.
	Success bool `json:"success"`

	// ActualForce is the measured force at completion (N).
	ActualForce float64 `json:"actual_force"`

	// ActualPosition is the measured final pose, when known.
	ActualPosition []float64 `json:"actual_position,omitempty"`

	// ForceHistory is the sampled force profile, when the executor records one.
	ForceHistory []float64 `json:"force_history,omitempty"`

	// Duration is how long the motion took.
	Duration time.Duration `json:"duration"`

	// ErrorMessage describes the failure, if any.
	ErrorMessage string `json:"error_message,omitempty"`
}

// ExecutionData is transient telemetry gathered for verification of one attempt.
type ExecutionData struct {
	// FinalPosition is the end-effector position in millimetres; nil when unknown.
	FinalPosition []float64

	// ForceHistory is the force time series in newtons.
	ForceHistory []float64

	// PeakForce is the maximum measured force.
	PeakForce float64

	// FinalForce is the last measured force.
	FinalForce float64

	// ForceSensed is set when force telemetry was collected. A zero peak or
	// an empty history then counts as a measurement, not as missing data.
	ForceSensed bool

	// Frame is the camera image captured after the attempt, if any.
	Frame image.Image

	// Duration is the attempt duration.
	Duration time.Duration
}

// HasForce reports whether force telemetry was collected for the attempt.
func (d ExecutionData) HasForce() bool {
	return d.ForceSensed || len(d.ForceHistory) > 0 || d.PeakForce != 0 || d.FinalForce != 0
}

// VerificationResult is the verdict of exactly one checker for one attempt.
type VerificationResult struct {
	// Passed indicates whether the step is considered successful.
	Passed bool `json:"passed"`

	// Confidence is the checker's confidence in the verdict, in [0,1].
	Confidence float64 `json:"confidence"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail"`

	// MeasuredValue is the quantity the checker measured, if any.
	MeasuredValue *float64 `json:"measured_value,omitempty"`

	// Threshold is the value the measurement was compared against, if any.
	Threshold *float64 `json:"threshold,omitempty"`
}

// Float returns a pointer to v. Used for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}

// EventType identifies timeline events emitted during a run.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventStepStarted    EventType = "step.started"
	EventStepSucceeded  EventType = "step.succeeded"
	EventStepFailed     EventType = "step.failed"
	EventStepRetrying   EventType = "step.retrying"
	EventStepEscalated  EventType = "step.escalated"
	EventHumanCompleted EventType = "step.human_completed"
)

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// AssemblyID is the assembly graph being executed.
	AssemblyID string `json:"assembly_id"`

	// StepID is the step concerned, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

package engine

import (
	"context"
)

// Observation is a robot state reading keyed by joint or sensor name (e.g. "joint_1.pos").
type Observation map[string]float64

// Robot is the minimal capability a robot adapter must provide.
type Robot interface {
	// GetObservation reads the current robot state.
	GetObservation(ctx context.Context) (Observation, error)

	// SendAction commands the robot with values keyed by joint name.
	SendAction(ctx context.Context, action map[string]float64) error
}

// Policy is a trained model mapping an observation to a chunk of actions.
type Policy interface {
	// Predict returns an ordered list of action vectors of length ChunkSize.
	Predict(ctx context.Context, obs Observation) ([][]float64, error)

	// ChunkSize is the number of actions produced per prediction.
	ChunkSize() int

	// JointKeys enumerates the field order of each action vector.
	// A nil result means the caller aligns against the sorted observation keys.
	JointKeys() []string
}

// PolicyLoader resolves trained checkpoints.
type PolicyLoader interface {
	// Load returns the policy trained for (assemblyID, stepID), or nil
	// without error when no checkpoint exists.
	Load(ctx context.Context, assemblyID, stepID string) (Policy, error)
}

// PrimitiveExecutor runs deterministic motion primitives by name.
type PrimitiveExecutor interface {
	// Execute runs the named primitive. An unregistered name returns an error
	// matching ErrUnknownPrimitive; execution failures are reported through
	// PrimitiveResult or any other error.
	Execute(ctx context.Context, name string, robot Robot, params map[string]any) (PrimitiveResult, error)
}

// AnalyticsRecorder receives one finalized StepResult per dispatch attempt.
type AnalyticsRecorder interface {
	RecordStep(ctx context.Context, assemblyID, stepID string, result StepResult) error
}

// EventPublisher receives timeline events emitted during a run.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

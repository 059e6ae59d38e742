// Package engine provides the shared types and collaborator interfaces of the
// assembly execution engine.
//
// # Overview
//
// The engine turns a parsed assembly (parts and contact pairs) into an ordered
// step graph, executes it step by step with retries and human escalation, and
// verifies every attempt. The work is split across packages:
//
//   - assembly: parts, steps, graphs and their persisted document
//   - planner: builds the step graph from geometry
//   - router: dispatches one step to a primitive or a trained policy
//   - verify: judges an attempt against its success criteria
//   - sequencer: the state machine that walks the step order
//
// This package holds what they share: results, statuses, errors and the
// interfaces of external collaborators.
//
// # Collaborators
//
// Everything physical is reached through narrow interfaces:
//
//	type Robot interface {
//	    GetObservation(ctx context.Context) (Observation, error)
//	    SendAction(ctx context.Context, action map[string]float64) error
//	}
//
//	type PrimitiveExecutor interface {
//	    Execute(ctx context.Context, name string, robot Robot, params map[string]any) (PrimitiveResult, error)
//	}
//
//	type PolicyLoader interface {
//	    Load(ctx context.Context, assemblyID, stepID string) (Policy, error)
//	}
//
// # Error Classification
//
// Errors are classified so callers can tell input problems from runtime faults:
//
//   - Structural: malformed graph (empty catalog, unknown dependency, cycle)
//   - Transient: a dispatch failed and may succeed on retry
//   - Safety: a collaborator reported a safety fault; the run must stop
//   - Internal: an unrecoverable fault inside the engine
//
// Per-step failures are not errors. They travel as StepResult and
// VerificationResult values with a success flag and a message.
//
//	if engine.IsStructural(err) {
//	    // fix the input, do not retry
//	}
//
// # Status Tracking
//
//   - Phase: run state (idle/running/teaching/complete/error)
//   - StepStatus: per-step state (pending/running/success/failure/human)
package engine

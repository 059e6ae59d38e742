// Package router executes a single assembly step and normalizes the outcome
// into an engine.StepResult.
//
// Primitive steps are forwarded to an engine.PrimitiveExecutor. Policy steps
// load a trained checkpoint through an engine.PolicyLoader, predict an action
// chunk from the current observation and replay it to the robot at a fixed
// rate. A missing checkpoint is an ordinary failed result: it is what sends a
// step to a human operator.
//
// Dispatch never returns an error. DispatchE additionally surfaces the
// conditions a caller must not retry: an unregistered primitive name and
// safety faults reported by collaborators.
package router
